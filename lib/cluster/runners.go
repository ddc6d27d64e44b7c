// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/skyferry/skyferry/lib/cloud"
)

// A Runner is the connection recipe for one cluster node: where to
// dial and which accounts to use. Index 0 of a runner list is always
// the head node.
type Runner struct {
	Address    string
	Port       int
	User       string
	DockerUser string
}

// A RunnerCache remembers computed runner lists per cluster name.
// Choosing between the legacy address-list connection and the
// structured cluster-info connection involves inspecting the handle
// and the driver generation, so callers cache the result and
// invalidate it on explicit reconnect.
type RunnerCache struct {
	cache *lru.Cache
}

func NewRunnerCache(size int) (*RunnerCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &RunnerCache{cache: c}, nil
}

// Invalidate drops the cached runners for the named cluster. Callers
// invoke this after a reconnect request so the next CommandRunners
// call recomputes addresses.
func (rc *RunnerCache) Invalidate(clusterName string) {
	rc.cache.Remove(clusterName)
}

// CommandRunners returns the connection recipes for every node of the
// cluster, head first. Structured cluster info is preferred when the
// driver generation supports it and the info was ever populated;
// otherwise the legacy cached address list is used. Results are cached
// per cluster name until invalidated.
func (h *Handle) CommandRunners(rc *RunnerCache, apiVersion cloud.APIVersion, sshUser string) ([]Runner, error) {
	if rc != nil {
		if cached, ok := rc.cache.Get(h.ClusterName); ok {
			return cached.([]Runner), nil
		}
	}
	var runners []Runner
	var err error
	if apiVersion == cloud.APIVersionStructured && h.CachedClusterInfo != nil {
		runners, err = h.structuredRunners(sshUser)
	} else {
		runners, err = h.legacyRunners(sshUser)
	}
	if err != nil {
		return nil, err
	}
	if rc != nil {
		rc.cache.Add(h.ClusterName, runners)
	}
	return runners, nil
}

func (h *Handle) structuredRunners(sshUser string) ([]Runner, error) {
	ci := h.CachedClusterInfo
	user := ci.SSHUser
	if user == "" {
		user = sshUser
	}
	pairs := ci.IPPairs()
	if len(pairs) == 0 {
		return nil, fmt.Errorf("cluster %s: cluster info has no instances", h.ClusterName)
	}
	runners := make([]Runner, len(pairs))
	for i, pair := range pairs {
		port := defaultSSHPort
		if i < len(h.SSHPorts) {
			port = h.SSHPorts[i]
		}
		runners[i] = Runner{
			Address:    pair[1],
			Port:       port,
			User:       user,
			DockerUser: ci.DockerUser,
		}
	}
	return runners, nil
}

func (h *Handle) legacyRunners(sshUser string) ([]Runner, error) {
	if len(h.StableIPPairs) == 0 {
		return nil, fmt.Errorf("cluster %s: no cached addresses", h.ClusterName)
	}
	runners := make([]Runner, len(h.StableIPPairs))
	for i, pair := range h.StableIPPairs {
		port := defaultSSHPort
		if i < len(h.SSHPorts) {
			port = h.SSHPorts[i]
		}
		runners[i] = Runner{
			Address:    pair[1],
			Port:       port,
			User:       sshUser,
			DockerUser: h.DockerUser,
		}
	}
	return runners, nil
}
