// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cloud"
)

// Backoff describes a capped exponential retry curve for transient
// provider errors. The parameters are tunables, not constants:
// rate-limit windows vary wildly across providers.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff suits most provider APIs.
var DefaultBackoff = Backoff{
	Initial:     10 * time.Second,
	Max:         100 * time.Second,
	MaxAttempts: 6,
}

// Delay returns the wait before retry number attempt (counting from
// 0).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-transient error, or
// the attempt budget is exhausted. Rate-limit errors wait out the
// provider's holdoff when it is longer than the backoff delay. The
// last error is returned on exhaustion.
func (b Backoff) Retry(ctx context.Context, logger logrus.FieldLogger, callType string, fn func() error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !transient(err) || attempt == attempts-1 {
			return err
		}
		delay := b.Delay(attempt)
		var rle cloud.RateLimitError
		if errors.As(err, &rle) {
			if holdoff := time.Until(rle.EarliestRetry()); holdoff > delay {
				delay = holdoff
			}
		}
		logger.WithFields(logrus.Fields{
			"CallType": callType,
			"Attempt":  attempt + 1,
			"Delay":    delay,
		}).WithError(err).Info("retrying after transient error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func transient(err error) bool {
	var rle cloud.RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	// Quota, capacity, and credential failures are placement facts,
	// not transients. Waiting will not change them.
	var qe cloud.QuotaError
	if errors.As(err, &qe) && qe.IsQuotaError() {
		return false
	}
	var cape cloud.CapacityError
	if errors.As(err, &cape) && cape.IsCapacityError() {
		return false
	}
	var crede cloud.CredentialError
	if errors.As(err, &crede) && crede.IsCredentialError() {
		return false
	}
	var perr *cloud.ProvisionerError
	if errors.As(err, &perr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
