// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/skyferry/skyferry/lib/cloud"
)

// HandleVersion is the schema version written by this code. Handles
// stored at older versions are migrated on load, never rejected.
const HandleVersion = 6

const defaultSSHPort = 22

// maxNameOnCloudLen bounds the display-name part of a provider-side
// resource name. Providers commonly cap resource names around 63
// characters; 35 leaves room for the user hash suffix and the
// node-index suffixes drivers append.
const maxNameOnCloudLen = 35

var validNameRe = regexp.MustCompile(`^[a-zA-Z]([-_.a-zA-Z0-9]*[a-zA-Z0-9])?$`)

// An InvalidClusterNameError indicates a display name that cannot be
// turned into a provider-side resource name.
type InvalidClusterNameError struct {
	Name   string
	Reason string
}

func (e *InvalidClusterNameError) Error() string {
	return fmt.Sprintf("invalid cluster name %q: %s", e.Name, e.Reason)
}

// CheckName returns an InvalidClusterNameError if the display name
// cannot be used.
func CheckName(name string) error {
	if name == "" {
		return &InvalidClusterNameError{Name: name, Reason: "name is empty"}
	}
	if !validNameRe.MatchString(name) {
		return &InvalidClusterNameError{Name: name, Reason: "must start with a letter and contain only letters, digits, '-', '_', '.'"}
	}
	return nil
}

// NameOnCloud derives the deterministic provider-side resource name
// for a cluster: the lowercased (possibly truncated) display name plus
// a short hash of the user identity, so that two accounts launching
// clusters with the same display name in a shared provider project
// never collide.
func NameOnCloud(displayName, userHash string) string {
	name := strings.ToLower(displayName)
	name = strings.ReplaceAll(name, "_", "-")
	name = strings.ReplaceAll(name, ".", "-")
	if len(name) > maxNameOnCloudLen {
		name = name[:maxNameOnCloudLen]
	}
	suffix := fmt.Sprintf("%x", md5.Sum([]byte(userHash)))[:8]
	return name + "-" + suffix
}

// A Handle is the durable record of a provisioned cluster: identity,
// topology, and cached network endpoints. It survives process
// restarts and schema upgrades; lifecycle status (INIT/UP/STOPPED)
// lives in the state store, not here.
type Handle struct {
	Version     int    `json:"version"`
	ClusterName string `json:"cluster_name"`
	NameOnCloud string `json:"cluster_name_on_cloud"`
	// Nil means the generated provider config was intentionally
	// removed (e.g. while the cluster migrates region).
	ConfigPath    *string            `json:"config_path"`
	LaunchedNodes int                `json:"launched_nodes"`
	LaunchedSpec  cloud.ResourceSpec `json:"launched_spec"`
	// (internal, external) address pairs; index 0 is the head
	// node, the rest are sorted by external address.
	StableIPPairs     [][2]string        `json:"stable_ip_pairs"`
	SSHPorts          []int              `json:"ssh_ports"`
	DockerUser        string             `json:"docker_user,omitempty"`
	CachedClusterInfo *cloud.ClusterInfo `json:"cached_cluster_info,omitempty"`
	LaunchedAt        time.Time          `json:"launched_at"`
}

// NewHandle returns a version-current handle for a cluster whose
// provisioning is about to begin.
func NewHandle(clusterName, nameOnCloud string, spec cloud.ResourceSpec, numNodes int, configPath string) *Handle {
	h := &Handle{
		Version:       HandleVersion,
		ClusterName:   clusterName,
		NameOnCloud:   nameOnCloud,
		LaunchedNodes: numNodes,
		LaunchedSpec:  spec,
		LaunchedAt:    time.Now().UTC(),
	}
	if configPath != "" {
		h.ConfigPath = &configPath
	}
	return h
}

// ExternalIPs returns the cached external addresses, head first.
func (h *Handle) ExternalIPs() []string {
	ips := make([]string, len(h.StableIPPairs))
	for i, pair := range h.StableIPPairs {
		ips[i] = pair[1]
	}
	return ips
}

// InternalIPs returns the cached internal addresses, head first.
func (h *Handle) InternalIPs() []string {
	ips := make([]string, len(h.StableIPPairs))
	for i, pair := range h.StableIPPairs {
		ips[i] = pair[0]
	}
	return ips
}

// HeadIP returns the externally reachable address of the head node, or
// "" if no addresses are cached.
func (h *Handle) HeadIP() string {
	if len(h.StableIPPairs) == 0 {
		return ""
	}
	return h.StableIPPairs[0][1]
}

// SetIPs replaces the cached address pairs. If the new external
// addresses equal the cached ones, the cached pairs are kept as is, so
// callers may pass pairs with unresolved internal addresses without
// losing the known ones. head is the pair for the head node; the rest
// may be in any order.
func (h *Handle) SetIPs(head [2]string, workers [][2]string, ports []int) {
	pairs := make([][2]string, 0, 1+len(workers))
	pairs = append(pairs, head)
	rest := append([][2]string(nil), workers...)
	sort.Slice(rest, func(i, j int) bool { return rest[i][1] < rest[j][1] })
	pairs = append(pairs, rest...)

	if externalsEqual(h.StableIPPairs, pairs) {
		// External addresses unchanged: internal addresses are
		// assumed unchanged too and the cached pairs stay.
	} else {
		h.StableIPPairs = pairs
	}
	if len(ports) == 0 {
		ports = make([]int, len(pairs))
		for i := range ports {
			ports[i] = defaultSSHPort
		}
	}
	h.SSHPorts = ports
}

func externalsEqual(a, b [][2]string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if a[i][1] != b[i][1] {
			return false
		}
	}
	return true
}

// SetClusterInfo stores the structured post-provision view and
// refreshes the address caches from it.
func (h *Handle) SetClusterInfo(ci *cloud.ClusterInfo) {
	h.CachedClusterInfo = ci
	pairs := ci.IPPairs()
	if len(pairs) == 0 {
		return
	}
	ports := make([]int, len(pairs))
	for i := range ports {
		ports[i] = defaultSSHPort
	}
	if head, ok := ci.Instances[ci.HeadInstanceID]; ok && head.SSHPort > 0 {
		for i := range ports {
			ports[i] = head.SSHPort
		}
	}
	h.SetIPs(pairs[0], pairs[1:], ports)
	if ci.DockerUser != "" {
		h.DockerUser = ci.DockerUser
	}
}

// ClearConfigPath records that the generated provider config was
// intentionally removed.
func (h *Handle) ClearConfigPath() {
	h.ConfigPath = nil
}

// Encode serializes the handle at the current schema version.
func (h *Handle) Encode() ([]byte, error) {
	h.Version = HandleVersion
	return json.Marshal(h)
}

// LoadHandle deserializes a handle written at any schema version up to
// HandleVersion, applying the migration chain as needed.
func LoadHandle(data []byte) (*Handle, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode handle: %w", err)
	}
	if probe.Version > HandleVersion {
		return nil, fmt.Errorf("handle version %d is newer than supported version %d", probe.Version, HandleVersion)
	}
	return migrate(data, probe.Version)
}
