// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ctxlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// TestLogger returns a logger that writes through the test framework,
// so log output appears interleaved with the test that produced it.
// Pass a *check.C or *testing.T.
func TestLogger(c interface{ Log(...interface{}) }) *logrus.Logger {
	logger := logrus.New()
	logger.Out = LogWriter(c.Log)
	logger.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: rfc3339NanoFixed,
	}
	if os.Getenv("SKYFERRY_TEST_DEBUG") != "" {
		logger.Level = logrus.DebugLevel
	} else {
		logger.Level = logrus.InfoLevel
	}
	return logger
}
