// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package loopback provides a scriptable in-process driver used by
// engine and service tests. Outcomes are keyed by zone (or region for
// zoneless setups), so a test can make one zone fail with a capacity
// error and the next succeed.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cloud"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newProvisioner)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

// ErrQuota is a reusable region-scoped quota failure.
var ErrQuota = quotaError("loopback region is at quota")

type capacityError string

func (e capacityError) IsCapacityError() bool { return true }
func (e capacityError) Error() string         { return string(e) }

// ErrCapacity is a reusable zone-scoped capacity failure.
var ErrCapacity = capacityError("loopback zone is out of capacity")

func newProvisioner(config json.RawMessage, logger logrus.FieldLogger) (cloud.Provisioner, error) {
	p := &Provisioner{Logger: logger}
	if len(config) > 0 {
		if err := json.Unmarshal(config, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Provisioner is a scriptable cloud.Provisioner. The zero value
// succeeds everywhere with structured semantics. Tests populate the
// exported fields before use and inspect Calls/TornDown afterwards.
type Provisioner struct {
	Logger  logrus.FieldLogger
	Version cloud.APIVersion
	// Zone candidate sets per region. A region absent from the map
	// has no zone concept.
	Zones map[string][][]string
	// Scripted BulkProvision outcome per zone (region for zoneless
	// attempts). Missing key means success.
	Outcomes map[string]error
	// Scripted quota answers per region. Missing key means
	// available. QuotaErr, when set, makes every check
	// inconclusive.
	Quota    map[string]bool
	QuotaErr error
	// Output returned by GangProvision along with the scripted
	// outcome.
	GangStdout []byte
	GangStderr []byte
	// SSHUser reported in cluster info.
	SSHUser string

	mtx       sync.Mutex
	calls     []cloud.ProvisionRequest
	tornDown  []string
	instances map[cloud.InstanceID]cloud.InstanceMetadata
	headID    cloud.InstanceID
	stopped   bool
}

// Calls returns the BulkProvision/GangProvision requests received so
// far.
func (p *Provisioner) Calls() []cloud.ProvisionRequest {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]cloud.ProvisionRequest(nil), p.calls...)
}

// TornDown returns the name-on-cloud of every torn-down cluster, in
// order.
func (p *Provisioner) TornDown() []string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]string(nil), p.tornDown...)
}

func (p *Provisioner) outcomeKey(req cloud.ProvisionRequest) string {
	if len(req.Zones) > 0 {
		return req.Zones[0]
	}
	return req.Region
}

func (p *Provisioner) BulkProvision(ctx context.Context, req cloud.ProvisionRequest) (*cloud.ProvisionRecord, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.calls = append(p.calls, req)
	if err := p.Outcomes[p.outcomeKey(req)]; err != nil {
		return nil, err
	}
	rec := &cloud.ProvisionRecord{
		Provider: cloud.Loopback,
		Region:   req.Region,
		Spec:     req.Spec,
	}
	if len(req.Zones) > 0 {
		rec.Zone = req.Zones[0]
	}
	p.instances = map[cloud.InstanceID]cloud.InstanceMetadata{}
	for i := 0; i < req.NumNodes; i++ {
		id := cloud.InstanceID(fmt.Sprintf("loop-%s-%d", req.Cluster.NameOnCloud, i))
		p.instances[id] = cloud.InstanceMetadata{
			InstanceID: id,
			InternalIP: fmt.Sprintf("10.0.0.%d", i+1),
			ExternalIP: fmt.Sprintf("127.0.1.%d", i+1),
			SSHPort:    22,
		}
		if i == 0 {
			p.headID = id
			rec.HeadInstanceID = id
		}
		rec.CreatedInstanceIDs = append(rec.CreatedInstanceIDs, id)
	}
	return rec, nil
}

func (p *Provisioner) GangProvision(ctx context.Context, req cloud.ProvisionRequest) ([]byte, []byte, error) {
	_, err := p.BulkProvision(ctx, req)
	return p.GangStdout, p.GangStderr, err
}

func (p *Provisioner) TeardownCluster(ctx context.Context, cluster cloud.ClusterIdentity, region string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.tornDown = append(p.tornDown, cluster.NameOnCloud)
	p.instances = nil
	p.headID = ""
	return nil
}

func (p *Provisioner) QueryInstances(ctx context.Context, cluster cloud.ClusterIdentity, region string) (map[cloud.InstanceID]cloud.InstanceStatus, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	statuses := map[cloud.InstanceID]cloud.InstanceStatus{}
	for id := range p.instances {
		statuses[id] = cloud.StatusRunning
	}
	return statuses, nil
}

func (p *Provisioner) GetClusterInfo(ctx context.Context, cluster cloud.ClusterIdentity, region string) (*cloud.ClusterInfo, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.Version == cloud.APIVersionLegacy {
		return nil, cloud.ErrNotImplemented
	}
	if len(p.instances) == 0 {
		return nil, fmt.Errorf("cluster %s has no instances", cluster.NameOnCloud)
	}
	sshUser := p.SSHUser
	if sshUser == "" {
		sshUser = "loopback"
	}
	instances := map[cloud.InstanceID]cloud.InstanceMetadata{}
	for id, inst := range p.instances {
		instances[id] = inst
	}
	return &cloud.ClusterInfo{
		Provider:       cloud.Loopback,
		Region:         region,
		Instances:      instances,
		HeadInstanceID: p.headID,
		SSHUser:        sshUser,
	}, nil
}

func (p *Provisioner) ZoneSets(region string, spec cloud.ResourceSpec) ([][]string, error) {
	if sets, ok := p.Zones[region]; ok {
		return sets, nil
	}
	return [][]string{nil}, nil
}

func (p *Provisioner) CheckQuotaAvailable(ctx context.Context, spec cloud.ResourceSpec) (bool, error) {
	if p.QuotaErr != nil {
		return false, p.QuotaErr
	}
	if avail, ok := p.Quota[spec.Region]; ok {
		return avail, nil
	}
	return true, nil
}

func (p *Provisioner) APIVersion() cloud.APIVersion {
	return p.Version
}

func (p *Provisioner) Stop() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.stopped = true
}
