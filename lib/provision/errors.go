// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/skyferry/skyferry/lib/cloud"
)

// A ResourcesUnavailableError reports that every candidate placement
// for the requested resources was tried and failed. NoFailover means
// the caller must not retry elsewhere (e.g. the cluster has user state
// in a fixed region). FailoverHistory has one entry per attempted
// resource shape, oldest first.
type ResourcesUnavailableError struct {
	Message         string
	NoFailover      bool
	FailoverHistory []AttemptFailure
}

func (e *ResourcesUnavailableError) Error() string {
	msg := e.Message
	if len(e.FailoverHistory) > 0 {
		msg += "\n" + FormatFailureTable(e.FailoverHistory)
	}
	return msg
}

// WithFailoverHistory returns a copy carrying the given history.
func (e *ResourcesUnavailableError) WithFailoverHistory(history []AttemptFailure) *ResourcesUnavailableError {
	dup := *e
	dup.FailoverHistory = append([]AttemptFailure(nil), history...)
	return &dup
}

// An AttemptFailure records the one reason that defeated one attempted
// (cloud, shape) pair.
type AttemptFailure struct {
	Spec cloud.ResourceSpec
	Err  error
}

// FormatFailureTable renders the per-shape failure history as the
// user-facing diagnostic table, one row per attempted (cloud, shape)
// pair.
func FormatFailureTable(history []AttemptFailure) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 2, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLOUD\tRESOURCE\tREGION\tREASON")
	for _, f := range history {
		reason := "unknown"
		if f.Err != nil {
			reason = strings.SplitN(f.Err.Error(), "\n", 2)[0]
		}
		resource := f.Spec.InstanceType
		if resource == "" {
			resource = "-"
		}
		if f.Spec.UseSpot {
			resource += "[spot]"
		}
		region := f.Spec.Region
		if region == "" {
			region = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Spec.Cloud, resource, region, reason)
	}
	w.Flush()
	return b.String()
}

// A ResourcesMismatchError reports that an existing cluster's
// resources do not satisfy a new, stricter request. It never triggers
// failover: provisioning elsewhere would silently create a second
// cluster.
type ResourcesMismatchError struct {
	ClusterName string
	Requested   cloud.ResourceSpec
	Existing    cloud.ResourceSpec
}

func (e *ResourcesMismatchError) Error() string {
	return fmt.Sprintf("cluster %q was launched with %s, which does not satisfy the requested %s",
		e.ClusterName, e.Existing, e.Requested)
}

// An InvalidCredentialsError reports that a cloud rejected the
// configured credentials. The whole cloud is blocked for the session;
// other clouds keep being tried.
type InvalidCredentialsError struct {
	Provider cloud.CloudID
	Err      error
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("invalid credentials for %s: %v", e.Provider, e.Err)
}

func (e *InvalidCredentialsError) Unwrap() error { return e.Err }

// An InvalidCloudConfigError reports malformed provider-level
// configuration (network layout, unsupported feature). Caller's
// fault: the cloud is blocked for this attempt with no backoff.
type InvalidCloudConfigError struct {
	Provider cloud.CloudID
	Reason   string
}

func (e *InvalidCloudConfigError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s", e.Provider, e.Reason)
}
