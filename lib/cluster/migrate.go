// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skyferry/skyferry/lib/cloud"
)

// Each stored schema version is its own struct, and each migration is
// a pure function old -> new. LoadHandle composes them in order, so a
// handle written by any past release loads cleanly.
//
// Version history:
//
//	v2: SSH port cache added.
//	v3: docker user added.
//	v4: structured per-provider cluster info cache added.
//	v5: config path became nullable ("config intentionally removed").
//	v6: launch timestamp added.

type handleV1 struct {
	Version       int                `json:"version"`
	ClusterName   string             `json:"cluster_name"`
	NameOnCloud   string             `json:"cluster_name_on_cloud"`
	ConfigPath    string             `json:"config_path"`
	LaunchedNodes int                `json:"launched_nodes"`
	LaunchedSpec  cloud.ResourceSpec `json:"launched_spec"`
	StableIPPairs [][2]string        `json:"stable_ip_pairs"`
}

type handleV2 struct {
	handleV1
	SSHPorts []int `json:"ssh_ports"`
}

type handleV3 struct {
	handleV2
	DockerUser string `json:"docker_user,omitempty"`
}

type handleV4 struct {
	handleV3
	CachedClusterInfo *cloud.ClusterInfo `json:"cached_cluster_info,omitempty"`
}

type handleV5 struct {
	Version           int                `json:"version"`
	ClusterName       string             `json:"cluster_name"`
	NameOnCloud       string             `json:"cluster_name_on_cloud"`
	ConfigPath        *string            `json:"config_path"`
	LaunchedNodes     int                `json:"launched_nodes"`
	LaunchedSpec      cloud.ResourceSpec `json:"launched_spec"`
	StableIPPairs     [][2]string        `json:"stable_ip_pairs"`
	SSHPorts          []int              `json:"ssh_ports"`
	DockerUser        string             `json:"docker_user,omitempty"`
	CachedClusterInfo *cloud.ClusterInfo `json:"cached_cluster_info,omitempty"`
}

func migrateV1(old handleV1) handleV2 {
	// Handles written before the port cache existed were always
	// reachable on the default SSH port.
	ports := make([]int, len(old.StableIPPairs))
	for i := range ports {
		ports[i] = defaultSSHPort
	}
	return handleV2{handleV1: old, SSHPorts: ports}
}

func migrateV2(old handleV2) handleV3 {
	return handleV3{handleV2: old}
}

func migrateV3(old handleV3) handleV4 {
	return handleV4{handleV3: old}
}

func migrateV4(old handleV4) handleV5 {
	h := handleV5{
		Version:           old.Version,
		ClusterName:       old.ClusterName,
		NameOnCloud:       old.NameOnCloud,
		LaunchedNodes:     old.LaunchedNodes,
		LaunchedSpec:      old.LaunchedSpec,
		StableIPPairs:     old.StableIPPairs,
		SSHPorts:          old.SSHPorts,
		DockerUser:        old.DockerUser,
		CachedClusterInfo: old.CachedClusterInfo,
	}
	if old.ConfigPath != "" {
		path := old.ConfigPath
		h.ConfigPath = &path
	}
	return h
}

func migrateV5(old handleV5) Handle {
	return Handle{
		Version:           HandleVersion,
		ClusterName:       old.ClusterName,
		NameOnCloud:       old.NameOnCloud,
		ConfigPath:        old.ConfigPath,
		LaunchedNodes:     old.LaunchedNodes,
		LaunchedSpec:      old.LaunchedSpec,
		StableIPPairs:     old.StableIPPairs,
		SSHPorts:          old.SSHPorts,
		DockerUser:        old.DockerUser,
		CachedClusterInfo: old.CachedClusterInfo,
		LaunchedAt:        time.Time{},
	}
}

func migrate(data []byte, version int) (*Handle, error) {
	decode := func(v interface{}) error {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode handle version %d: %w", version, err)
		}
		return nil
	}
	var v2 handleV2
	var v3 handleV3
	var v4 handleV4
	var v5 handleV5
	switch version {
	case 0, 1:
		var v1 handleV1
		if err := decode(&v1); err != nil {
			return nil, err
		}
		v2 = migrateV1(v1)
		fallthrough
	case 2:
		if version == 2 {
			if err := decode(&v2); err != nil {
				return nil, err
			}
		}
		v3 = migrateV2(v2)
		fallthrough
	case 3:
		if version == 3 {
			if err := decode(&v3); err != nil {
				return nil, err
			}
		}
		v4 = migrateV3(v3)
		fallthrough
	case 4:
		if version == 4 {
			if err := decode(&v4); err != nil {
				return nil, err
			}
		}
		v5 = migrateV4(v4)
		fallthrough
	case 5:
		if version == 5 {
			if err := decode(&v5); err != nil {
				return nil, err
			}
		}
		h := migrateV5(v5)
		return &h, nil
	case 6:
		var h Handle
		if err := decode(&h); err != nil {
			return nil, err
		}
		return &h, nil
	default:
		return nil, fmt.Errorf("unsupported handle version %d", version)
	}
}
