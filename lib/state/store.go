// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/skyferry/skyferry/lib/cluster"
)

// ClusterStatus is the lifecycle state tracked by the store, separate
// from the handle's topology facts. A cluster is INIT from the moment
// a provisioning attempt begins, before any cloud call, so that a
// crash mid-provision leaves a discoverable record.
type ClusterStatus string

const (
	StatusInit    ClusterStatus = "INIT"
	StatusUp      ClusterStatus = "UP"
	StatusStopped ClusterStatus = "STOPPED"
)

var ErrNotFound = errors.New("cluster not found")

// A ClusterRecord is one stored cluster: its durable handle, lifecycle
// status, and bookkeeping timestamps.
type ClusterRecord struct {
	Name      string
	Handle    *cluster.Handle
	Status    ClusterStatus
	UpdatedAt time.Time
	// True once the cluster has ever reached UP, even if it is
	// INIT or STOPPED now. Relaunch failure semantics depend on
	// this, so it survives status transitions.
	EverUp bool
	// Hash of the generated provider configuration used for the
	// latest successful launch. Relaunches compare it against the
	// incoming config's hash to detect a changed provider config.
	ConfigHash string
}

// A Store is the durability boundary for cluster state. Every
// INIT/UP/STOPPED transition the provisioning engine makes is a write
// through this interface.
type Store interface {
	// GetCluster returns the stored record, or ErrNotFound.
	GetCluster(ctx context.Context, name string) (*ClusterRecord, error)

	// PutCluster upserts the handle and status for a cluster,
	// updating EverUp when status is UP.
	PutCluster(ctx context.Context, name string, h *cluster.Handle, status ClusterStatus) error

	// DeleteCluster removes the record entirely. Deleting a
	// missing cluster is not an error.
	DeleteCluster(ctx context.Context, name string) error

	// GetClusterConfig returns the generated provider
	// configuration stored for the cluster, or ErrNotFound.
	GetClusterConfig(ctx context.Context, name string) ([]byte, error)

	// PutClusterConfig stores the generated provider
	// configuration.
	PutClusterConfig(ctx context.Context, name string, config []byte) error

	// SetConfigHash records the hash of the provider configuration
	// the cluster was last successfully launched with. Returns
	// ErrNotFound if no record exists.
	SetConfigHash(ctx context.Context, name, hash string) error

	// ListClusters returns all records ordered by name.
	ListClusters(ctx context.Context) ([]ClusterRecord, error)
}

// MemoryStore is a Store for tests and single-process use.
type MemoryStore struct {
	mtx      sync.Mutex
	clusters map[string]*ClusterRecord
	configs  map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clusters: map[string]*ClusterRecord{},
		configs:  map[string][]byte{},
	}
}

func (ms *MemoryStore) GetCluster(ctx context.Context, name string) (*ClusterRecord, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	rec, ok := ms.clusters[name]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *rec
	return &dup, nil
}

func (ms *MemoryStore) PutCluster(ctx context.Context, name string, h *cluster.Handle, status ClusterStatus) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	rec, ok := ms.clusters[name]
	if !ok {
		rec = &ClusterRecord{Name: name}
		ms.clusters[name] = rec
	}
	rec.Handle = h
	rec.Status = status
	rec.UpdatedAt = time.Now()
	if status == StatusUp {
		rec.EverUp = true
	}
	return nil
}

func (ms *MemoryStore) DeleteCluster(ctx context.Context, name string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	delete(ms.clusters, name)
	delete(ms.configs, name)
	return nil
}

func (ms *MemoryStore) GetClusterConfig(ctx context.Context, name string) ([]byte, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	config, ok := ms.configs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), config...), nil
}

func (ms *MemoryStore) PutClusterConfig(ctx context.Context, name string, config []byte) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.configs[name] = append([]byte(nil), config...)
	return nil
}

func (ms *MemoryStore) SetConfigHash(ctx context.Context, name, hash string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	rec, ok := ms.clusters[name]
	if !ok {
		return ErrNotFound
	}
	rec.ConfigHash = hash
	return nil
}

func (ms *MemoryStore) ListClusters(ctx context.Context) ([]ClusterRecord, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var recs []ClusterRecord
	for _, rec := range ms.clusters {
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}
