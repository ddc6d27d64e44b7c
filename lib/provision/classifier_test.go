// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"errors"

	"github.com/skyferry/skyferry/lib/cloud"
	"github.com/skyferry/skyferry/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ClassifierSuite{})

type ClassifierSuite struct{}

type credError string

func (e credError) IsCredentialError() bool { return true }
func (e credError) Error() string           { return string(e) }

type quotaErr string

func (e quotaErr) IsQuotaError() bool { return true }
func (e quotaErr) Error() string      { return string(e) }

func (*ClassifierSuite) classify(c *check.C, spec cloud.ResourceSpec, zones []string, failure error) *BlockedResourceSet {
	brs := NewBlockedResourceSet()
	NewClassifiers().ClassifyStructured(ctxlog.TestLogger(c), brs, spec, spec.Region, zones, failure)
	return brs
}

func (s *ClassifierSuite) TestZoneExhaustedBlocksZoneOnly(c *check.C) {
	spec := cloud.ResourceSpec{Cloud: cloud.GCP, Region: "us", InstanceType: "n1-standard-8"}
	perr := cloud.NewProvisionerError(cloud.GCP, "us", []string{"us-a"}, []cloud.APIError{
		{Code: "ZONE_RESOURCE_POOL_EXHAUSTED", Message: "the zone does not have enough resources"},
	}, nil)
	brs := s.classify(c, spec, []string{"us-a"}, perr)

	c.Check(brs.Blocks(spec.WithZone("us-a")), check.Equals, true)
	c.Check(brs.Blocks(spec.WithZone("us-b")), check.Equals, false)
	c.Check(brs.Blocks(spec.WithRegion("eu")), check.Equals, false)
}

func (s *ClassifierSuite) TestRateLimitBudgetBlocksZoneNotRegion(c *check.C) {
	spec := cloud.ResourceSpec{Cloud: cloud.GCP, Region: "us", InstanceType: "n1-standard-8"}
	perr := cloud.NewProvisionerError(cloud.GCP, "us", []string{"us-a"}, []cloud.APIError{
		{Code: "RESOURCE_OPERATION_RATE_EXCEEDED", Message: "operation rate exceeded"},
	}, nil)
	brs := s.classify(c, spec, []string{"us-a"}, perr)

	c.Check(brs.Blocks(spec.WithZone("us-a")), check.Equals, true)
	c.Check(brs.Blocks(spec.WithZone("us-b")), check.Equals, false)
}

func (s *ClassifierSuite) TestQuotaBlocksRegion(c *check.C) {
	spec := cloud.ResourceSpec{Cloud: cloud.GCP, Region: "us", InstanceType: "a2-highgpu-1g"}
	perr := cloud.NewProvisionerError(cloud.GCP, "us", nil, []cloud.APIError{
		{Code: "QUOTA_EXCEEDED", Message: "quota NVIDIA_A100_GPUS exceeded in region us"},
	}, nil)
	brs := s.classify(c, spec, []string{"us-a"}, perr)

	c.Check(brs.Blocks(spec.WithZone("us-b")), check.Equals, true)
	c.Check(brs.Blocks(spec.WithRegion("eu")), check.Equals, false)
}

func (s *ClassifierSuite) TestGlobalGPUQuotaBlocksCloud(c *check.C) {
	spec := cloud.ResourceSpec{Cloud: cloud.GCP, Region: "us", InstanceType: "a2-highgpu-1g"}
	perr := cloud.NewProvisionerError(cloud.GCP, "us", nil, []cloud.APIError{
		{Code: "QUOTA_EXCEEDED", Message: "quota GPUS_ALL_REGIONS exceeded"},
	}, nil)
	brs := s.classify(c, spec, []string{"us-a"}, perr)

	c.Check(brs.Blocks(spec.WithRegion("eu").WithZone("eu-a")), check.Equals, true)
}

func (s *ClassifierSuite) TestCredentialErrorBlocksCloud(c *check.C) {
	spec := cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1", InstanceType: "p3.2xlarge"}
	brs := s.classify(c, spec, []string{"us-east-1a"}, credError("token expired"))

	c.Check(brs.Blocks(spec), check.Equals, true)
	c.Check(brs.Blocks(spec.WithRegion("eu-west-1").WithZone("eu-west-1c")), check.Equals, true)
	c.Check(brs.Blocks(cloud.ResourceSpec{Cloud: cloud.GCP, InstanceType: "p3.2xlarge"}), check.Equals, false)
	// Blocked as one cloud-wide wildcard, not per zone.
	c.Check(brs.Len(), check.Equals, 1)
}

func (s *ClassifierSuite) TestUnknownCodeBlocksAttemptedZones(c *check.C) {
	spec := cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1", InstanceType: "p3.2xlarge"}
	perr := cloud.NewProvisionerError(cloud.AWS, "us-east-1", []string{"us-east-1a", "us-east-1b"}, []cloud.APIError{
		{Code: "SomeNewFailureMode", Message: "never seen before"},
	}, nil)
	brs := s.classify(c, spec, []string{"us-east-1a", "us-east-1b"}, perr)

	c.Check(brs.Blocks(spec.WithZone("us-east-1a")), check.Equals, true)
	c.Check(brs.Blocks(spec.WithZone("us-east-1b")), check.Equals, true)
	c.Check(brs.Blocks(spec.WithZone("us-east-1c")), check.Equals, false)
}

func (s *ClassifierSuite) TestMissingHandlerFallsBackToCapabilities(c *check.C) {
	// No structured handler is registered for lambda; the generic
	// capability rules apply instead of raising.
	spec := cloud.ResourceSpec{Cloud: cloud.LambdaCloud, Region: "us-west-2", InstanceType: "gpu_8x_a100"}
	brs := s.classify(c, spec, nil, quotaErr("instance quota reached"))

	c.Check(brs.Blocks(spec), check.Equals, true)
	c.Check(brs.Blocks(spec.WithRegion("us-east-1")), check.Equals, false)
}

func (s *ClassifierSuite) TestUnparsedErrorNeverIgnored(c *check.C) {
	spec := cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1", InstanceType: "m5.large"}
	brs := s.classify(c, spec, []string{"us-east-1a"}, errors.New("connection reset by peer"))
	c.Check(brs.Len(), check.Equals, 1)
	c.Check(brs.Blocks(spec.WithZone("us-east-1a")), check.Equals, true)
}

func (s *ClassifierSuite) TestWidestScopeWins(c *check.C) {
	spec := cloud.ResourceSpec{Cloud: cloud.Azure, Region: "eastus", InstanceType: "Standard_NC6"}
	perr := cloud.NewProvisionerError(cloud.Azure, "eastus", nil, []cloud.APIError{
		{Code: "ZonalAllocationFailed", Message: "allocation failed in zone 1"},
		{Code: "QuotaExceeded", Message: "regional vCPU quota exceeded"},
	}, nil)
	brs := s.classify(c, spec, []string{"1"}, perr)

	c.Check(brs.Blocks(spec.WithZone("2")), check.Equals, true)
	c.Check(brs.Blocks(spec.WithRegion("westus")), check.Equals, false)
}

func (s *ClassifierSuite) TestTextClassifierBlocksAttemptedZones(c *check.C) {
	spec := cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1", InstanceType: "m5.large"}
	brs := NewBlockedResourceSet()
	stdout := []byte("setting up head node\nERR: failed to launch instances\n")
	NewClassifiers().ClassifyText(ctxlog.TestLogger(c), brs, spec, "us-east-1", []string{"us-east-1a"}, stdout, nil)

	c.Check(brs.Blocks(spec.WithZone("us-east-1a")), check.Equals, true)
	c.Check(brs.Blocks(spec.WithZone("us-east-1b")), check.Equals, false)
}
