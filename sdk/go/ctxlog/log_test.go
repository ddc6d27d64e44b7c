// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ctxlog

import (
	"bytes"
	"context"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LogSuite{})

type LogSuite struct{}

func (s *LogSuite) TestNewJSON(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "debug")
	logger.WithField("ClusterID", "zzzzz").Debug("hello world")
	c.Check(buf.String(), check.Matches, `(?ms)\{.*"ClusterID":"zzzzz".*"msg":"hello world".*\}\n`)
}

func (s *LogSuite) TestNewText(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "info")
	logger.Info("hello")
	logger.Debug("not at this level")
	c.Check(buf.String(), check.Matches, `(?ms).*level=info.*msg=hello.*`)
	c.Check(buf.String(), check.Not(check.Matches), `(?ms).*not at this level.*`)
}

func (s *LogSuite) TestContextRoundTrip(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "info")
	ctx := Context(context.Background(), logger.WithField("RequestID", "req-1"))
	FromContext(ctx).Info("in context")
	c.Check(buf.String(), check.Matches, `(?ms).*"RequestID":"req-1".*`)

	// Without an attached logger, FromContext falls back to the
	// root logger rather than returning nil.
	c.Check(FromContext(context.Background()), check.NotNil)
}
