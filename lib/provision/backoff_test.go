// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"errors"
	"time"

	"github.com/skyferry/skyferry/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BackoffSuite{})

type BackoffSuite struct{}

func (*BackoffSuite) TestDelayCurve(c *check.C) {
	b := Backoff{Initial: 10 * time.Second, Max: 100 * time.Second, MaxAttempts: 6}
	c.Check(b.Delay(0), check.Equals, 10*time.Second)
	c.Check(b.Delay(1), check.Equals, 20*time.Second)
	c.Check(b.Delay(2), check.Equals, 40*time.Second)
	c.Check(b.Delay(3), check.Equals, 80*time.Second)
	c.Check(b.Delay(4), check.Equals, 100*time.Second)
	c.Check(b.Delay(10), check.Equals, 100*time.Second)
}

func (*BackoffSuite) TestRetryBudget(c *check.C) {
	b := Backoff{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}
	calls := 0
	err := b.Retry(context.Background(), ctxlog.TestLogger(c), "test", func() error {
		calls++
		return errors.New("transient flake")
	})
	c.Check(err, check.ErrorMatches, "transient flake")
	c.Check(calls, check.Equals, 3)
}

func (*BackoffSuite) TestRetryStopsOnSuccess(c *check.C) {
	b := Backoff{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := b.Retry(context.Background(), ctxlog.TestLogger(c), "test", func() error {
		calls++
		if calls < 2 {
			return errors.New("transient flake")
		}
		return nil
	})
	c.Check(err, check.IsNil)
	c.Check(calls, check.Equals, 2)
}

func (*BackoffSuite) TestPlacementFactsAreNotRetried(c *check.C) {
	b := Backoff{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := b.Retry(context.Background(), ctxlog.TestLogger(c), "test", func() error {
		calls++
		return quotaErr("out of quota")
	})
	c.Check(err, check.ErrorMatches, "out of quota")
	c.Check(calls, check.Equals, 1)
}

var _ = check.Suite(&GangSuite{})

type GangSuite struct{}

func (*GangSuite) TestParseGangStatus(c *check.C) {
	c.Check(ParseGangStatus([]byte("Head node is up\nERR workers"), nil), check.Equals, GangFailed)
	c.Check(ParseGangStatus([]byte("ERR nothing launched"), nil), check.Equals, HeadFailed)
	c.Check(ParseGangStatus(nil, []byte("Head node is up")), check.Equals, GangFailed)
	c.Check(ClusterReady.String(), check.Equals, "CLUSTER_READY")
}

func (*GangSuite) TestHeadLaunchRequested(c *check.C) {
	c.Check(HeadLaunchRequested([]byte("Acquiring an up-to-date head node\n"), nil), check.Equals, true)
	c.Check(HeadLaunchRequested([]byte("validating config\n"), nil), check.Equals, false)
}
