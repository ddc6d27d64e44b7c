// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
)

var ErrNotImplemented = errors.New("not implemented")

type InstanceID string

// InstanceStatus is a provider-reported lifecycle state for one
// instance, normalized across clouds.
type InstanceStatus string

const (
	StatusPending    InstanceStatus = "pending"
	StatusRunning    InstanceStatus = "running"
	StatusStopped    InstanceStatus = "stopped"
	StatusTerminated InstanceStatus = "terminated"
)

// A ClusterIdentity names a cluster both ways: the name the user sees,
// and the deterministic name used for provider-side resources (kept
// distinct to avoid collisions across accounts sharing a provider
// project).
type ClusterIdentity struct {
	DisplayName string
	NameOnCloud string
}

// A ProvisionRequest asks a driver to create (or resume) the instances
// of one cluster in one region.
type ProvisionRequest struct {
	Cluster ClusterIdentity
	Region  string
	// Zones to try, in order. Empty for providers with no zone
	// concept.
	Zones    []string
	NumNodes int
	Spec     ResourceSpec
	// Path to the generated provider configuration, opaque to the
	// driver framework.
	ConfigPath string
	// True if this cluster has ever been fully up. Drivers use it
	// to prefer resuming stopped instances over creating new ones.
	PrevClusterEverUp bool
}

// A ProvisionRecord reports what a successful BulkProvision actually
// did. Region and zone are the refined values the provider chose,
// which may differ from the request.
type ProvisionRecord struct {
	Provider           CloudID      `json:"provider"`
	Region             string       `json:"region"`
	Zone               string       `json:"zone"`
	Spec               ResourceSpec `json:"spec"`
	HeadInstanceID     InstanceID   `json:"head_instance_id"`
	ResumedInstanceIDs []InstanceID `json:"resumed_instance_ids"`
	CreatedInstanceIDs []InstanceID `json:"created_instance_ids"`
}

// InstanceMetadata describes one provisioned instance's addresses.
type InstanceMetadata struct {
	InstanceID InstanceID        `json:"instance_id"`
	InternalIP string            `json:"internal_ip"`
	ExternalIP string            `json:"external_ip"`
	SSHPort    int               `json:"ssh_port"`
	Tags       map[string]string `json:"tags"`
}

// ClusterInfo is the structured post-provision view of a cluster used
// to build command runners without re-querying the provider.
type ClusterInfo struct {
	Provider       CloudID                         `json:"provider"`
	Region         string                          `json:"region"`
	Instances      map[InstanceID]InstanceMetadata `json:"instances"`
	HeadInstanceID InstanceID                      `json:"head_instance_id"`
	SSHUser        string                          `json:"ssh_user"`
	DockerUser     string                          `json:"docker_user,omitempty"`
}

// IPPairs returns (internal, external) address pairs with the head
// instance first and the rest sorted by external IP.
func (ci *ClusterInfo) IPPairs() [][2]string {
	var head [][2]string
	var rest [][2]string
	for id, inst := range ci.Instances {
		pair := [2]string{inst.InternalIP, inst.ExternalIP}
		if id == ci.HeadInstanceID {
			head = append(head, pair)
		} else {
			rest = append(rest, pair)
		}
	}
	for i := 0; i < len(rest); i++ {
		for j := i + 1; j < len(rest); j++ {
			if rest[j][1] < rest[i][1] {
				rest[i], rest[j] = rest[j], rest[i]
			}
		}
	}
	return append(head, rest...)
}

// APIVersion distinguishes drivers whose failures carry structured
// error entries from legacy drivers that only report the raw output of
// an external provisioning tool.
type APIVersion int

const (
	APIVersionLegacy APIVersion = iota
	APIVersionStructured
)

// A Provisioner manages the instances of clusters on one cloud
// provider account.
//
// All public methods of a Provisioner are goroutine safe.
type Provisioner interface {
	// BulkProvision creates or resumes all instances of the
	// cluster in the given region. The returned error should
	// implement RateLimitError, QuotaError, CapacityError, and
	// CredentialError where applicable, and structured drivers
	// should return a *ProvisionerError carrying the provider's
	// error entries.
	BulkProvision(ctx context.Context, req ProvisionRequest) (*ProvisionRecord, error)

	// TeardownCluster destroys every instance and associated
	// resource belonging to the cluster. Missing resources are not
	// an error.
	TeardownCluster(ctx context.Context, cluster ClusterIdentity, region string) error

	// QueryInstances returns the current provider-side status of
	// the cluster's instances, including ones that are booting or
	// shutting down.
	QueryInstances(ctx context.Context, cluster ClusterIdentity, region string) (map[InstanceID]InstanceStatus, error)

	// GetClusterInfo returns the structured view of a provisioned
	// cluster, or ErrNotImplemented for legacy drivers.
	GetClusterInfo(ctx context.Context, cluster ClusterIdentity, region string) (*ClusterInfo, error)

	// ZoneSets returns the ordered zone-candidate sets to attempt
	// for the region. Each inner slice is offered to
	// BulkProvision as one attempt. A single nil inner set means
	// the provider has no zone concept for this region.
	ZoneSets(region string, spec ResourceSpec) ([][]string, error)

	// APIVersion reports whether failures from this driver carry
	// structured error entries.
	APIVersion() APIVersion

	// Stop any background tasks and release other resources.
	Stop()
}

// A QuotaChecker is implemented by drivers that can answer quota
// questions without attempting a provision. Callers treat any error as
// "unknown, assume available".
type QuotaChecker interface {
	CheckQuotaAvailable(ctx context.Context, spec ResourceSpec) (bool, error)
}

// A GangProvisioner is implemented by legacy drivers that launch all
// nodes through an external tool and report its raw output. The text
// classifier parses stdout/stderr; the framework never does.
type GangProvisioner interface {
	GangProvision(ctx context.Context, req ProvisionRequest) (stdout, stderr []byte, err error)
}

// A Driver returns a Provisioner built from driver-dependent
// configuration parameters.
//
// Example:
//
//	type exampleProvisioner struct {
//		AccessKey string
//	}
//
//	type exampleDriver struct{}
//
//	func (*exampleDriver) Provisioner(config json.RawMessage, logger logrus.FieldLogger) (cloud.Provisioner, error) {
//		var p exampleProvisioner
//		if err := json.Unmarshal(config, &p); err != nil {
//			return nil, err
//		}
//		return &p, nil
//	}
type Driver interface {
	Provisioner(config json.RawMessage, logger logrus.FieldLogger) (Provisioner, error)
}

// DriverFunc makes a Driver using the provided function as its
// Provisioner method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, logger logrus.FieldLogger) (Provisioner, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, logger logrus.FieldLogger) (Provisioner, error)

func (df driverFunc) Provisioner(config json.RawMessage, logger logrus.FieldLogger) (Provisioner, error) {
	return df(config, logger)
}
