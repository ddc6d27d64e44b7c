// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cloud"
	"github.com/skyferry/skyferry/lib/cloud/azure"
	"github.com/skyferry/skyferry/lib/cloud/ec2"
	"github.com/skyferry/skyferry/lib/cloud/lambdacloud"
)

// Drivers maps cloud identifiers to their driver implementations.
var Drivers = map[cloud.CloudID]cloud.Driver{
	cloud.AWS:         ec2.Driver,
	cloud.Azure:       azure.Driver,
	cloud.LambdaCloud: lambdacloud.Driver,
}

// NewProvisioner builds a provisioner for the given cloud, optionally
// capped at maxCloudOpsPerSecond outgoing calls.
func NewProvisioner(id cloud.CloudID, config json.RawMessage, maxCloudOpsPerSecond int, logger logrus.FieldLogger) (cloud.Provisioner, error) {
	driver, ok := Drivers[id]
	if !ok {
		return nil, fmt.Errorf("unsupported cloud driver %q", id)
	}
	p, err := driver.Provisioner(config, logger)
	if err != nil {
		return nil, err
	}
	if maxCloudOpsPerSecond > 0 {
		p = &rateLimitedProvisioner{
			Provisioner: p,
			ticker:      time.NewTicker(time.Second / time.Duration(maxCloudOpsPerSecond)),
		}
	}
	return p, nil
}

// rateLimitedProvisioner spaces out calls to the wrapped provisioner.
type rateLimitedProvisioner struct {
	cloud.Provisioner
	ticker *time.Ticker
}

func (rp *rateLimitedProvisioner) BulkProvision(ctx context.Context, req cloud.ProvisionRequest) (*cloud.ProvisionRecord, error) {
	<-rp.ticker.C
	return rp.Provisioner.BulkProvision(ctx, req)
}

func (rp *rateLimitedProvisioner) TeardownCluster(ctx context.Context, cluster cloud.ClusterIdentity, region string) error {
	<-rp.ticker.C
	return rp.Provisioner.TeardownCluster(ctx, cluster, region)
}

func (rp *rateLimitedProvisioner) QueryInstances(ctx context.Context, cluster cloud.ClusterIdentity, region string) (map[cloud.InstanceID]cloud.InstanceStatus, error) {
	<-rp.ticker.C
	return rp.Provisioner.QueryInstances(ctx, cluster, region)
}

// Wrapping must not hide the optional capabilities of the underlying
// driver.

func (rp *rateLimitedProvisioner) CheckQuotaAvailable(ctx context.Context, spec cloud.ResourceSpec) (bool, error) {
	if qc, ok := rp.Provisioner.(cloud.QuotaChecker); ok {
		<-rp.ticker.C
		return qc.CheckQuotaAvailable(ctx, spec)
	}
	return false, cloud.ErrNotImplemented
}

func (rp *rateLimitedProvisioner) GangProvision(ctx context.Context, req cloud.ProvisionRequest) ([]byte, []byte, error) {
	if gp, ok := rp.Provisioner.(cloud.GangProvisioner); ok {
		<-rp.ticker.C
		return gp.GangProvision(ctx, req)
	}
	return nil, nil, cloud.ErrNotImplemented
}

func (rp *rateLimitedProvisioner) Stop() {
	rp.ticker.Stop()
	rp.Provisioner.Stop()
}
