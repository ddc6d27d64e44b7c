// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ec2

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/skyferry/skyferry/lib/cloud"
	"github.com/skyferry/skyferry/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&EC2Suite{})

type EC2Suite struct{}

func (*EC2Suite) TestDriverConfig(c *check.C) {
	config := json.RawMessage(`{
		"AccessKeyID": "AKIAEXAMPLE",
		"SecretAccessKey": "sekrit",
		"ImageIDs": {"us-east-1": "ami-0abcdef"},
		"SubnetIDs": {"us-east-1": "subnet-12345"},
		"AdminUsername": "ubuntu"
	}`)
	p, err := Driver.Provisioner(config, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	defer p.Stop()
	c.Check(p.APIVersion(), check.Equals, cloud.APIVersionStructured)

	prov := p.(*ec2Provisioner)
	c.Check(prov.ec2config.ImageIDs["us-east-1"], check.Equals, "ami-0abcdef")
	c.Check(prov.ec2config.AdminUsername, check.Equals, "ubuntu")
}

func (*EC2Suite) TestDriverConfigInvalid(c *check.C) {
	_, err := Driver.Provisioner(json.RawMessage(`{"ImageIDs": "not-a-map"}`), ctxlog.TestLogger(c))
	c.Check(err, check.NotNil)
}

func (*EC2Suite) TestWrapErrorPassthrough(c *check.C) {
	c.Check(wrapError(nil, "us-east-1", nil), check.IsNil)

	plain := errors.New("connection reset by peer")
	c.Check(wrapError(plain, "us-east-1", nil), check.Equals, plain)
}

func (*EC2Suite) TestWrapErrorThrottle(c *check.C) {
	apierr := &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}
	wrapped := wrapError(apierr, "us-east-1", []string{"us-east-1a"})

	var rle cloud.RateLimitError
	c.Assert(errors.As(wrapped, &rle), check.Equals, true)
	c.Check(rle.EarliestRetry().After(time.Now()), check.Equals, true)
}

func (*EC2Suite) TestWrapErrorCapacity(c *check.C) {
	apierr := &smithy.GenericAPIError{
		Code:    "InsufficientInstanceCapacity",
		Message: "insufficient capacity in us-east-1a",
	}
	wrapped := wrapError(apierr, "us-east-1", []string{"us-east-1a"})

	var perr *cloud.ProvisionerError
	c.Assert(errors.As(wrapped, &perr), check.Equals, true)
	c.Check(perr.Provider, check.Equals, cloud.AWS)
	c.Check(perr.Region, check.Equals, "us-east-1")
	c.Check(perr.Zones, check.DeepEquals, []string{"us-east-1a"})
	c.Assert(perr.Errors, check.HasLen, 1)
	c.Check(perr.Errors[0].Code, check.Equals, "InsufficientInstanceCapacity")
	c.Check(errors.As(wrapped, &apierr), check.Equals, true)
}

func (*EC2Suite) TestWrapErrorAuth(c *check.C) {
	apierr := &smithy.GenericAPIError{Code: "AuthFailure", Message: "credentials rejected"}
	wrapped := wrapError(apierr, "us-east-1", nil)

	var perr *cloud.ProvisionerError
	c.Assert(errors.As(wrapped, &perr), check.Equals, true)
	c.Check(perr.Errors[0].Code, check.Equals, "AuthFailure")
}
