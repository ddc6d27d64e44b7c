// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"fmt"
	"strings"
	"time"
)

// A RateLimitError should be returned by a Provisioner when the cloud
// service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a Provisioner when the cloud
// service indicates the account cannot create more instances than
// already exist in the attempted region.
type QuotaError interface {
	// If true, the attempted region is at quota. If false, don't
	// handle the error as a quota error.
	IsQuotaError() bool
	error
}

// A CapacityError should be returned by a Provisioner when the cloud
// service indicates it has capacity to create new instances, but not
// enough in the attempted zone.
type CapacityError interface {
	// If true, the attempted zone (not the account) is out of
	// capacity for the requested instance type.
	IsCapacityError() bool
	error
}

// A CredentialError should be returned when the cloud service rejects
// the configured credentials. The account is unusable for every region
// of the cloud, so callers block the whole cloud.
type CredentialError interface {
	IsCredentialError() bool
	error
}

// An APIError is one {code, message} entry reported by a cloud
// provider API. Structured drivers attach these to ProvisionerError so
// the classifier can map codes to blocking scopes.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// A ProvisionerError is returned by a structured driver when a bulk
// provision fails. It carries the provider's error entries verbatim;
// deciding what to block is the classifier's job, not the driver's.
type ProvisionerError struct {
	Provider CloudID
	Region   string
	Zones    []string
	Errors   []APIError
	err      error
}

// NewProvisionerError wraps err with placement context and the
// provider's structured error entries.
func NewProvisionerError(provider CloudID, region string, zones []string, apiErrs []APIError, err error) *ProvisionerError {
	return &ProvisionerError{
		Provider: provider,
		Region:   region,
		Zones:    zones,
		Errors:   apiErrs,
		err:      err,
	}
}

func (e *ProvisionerError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provision failed on %s", e.Provider)
	if e.Region != "" {
		fmt.Fprintf(&b, " region %s", e.Region)
	}
	if len(e.Zones) > 0 {
		fmt.Fprintf(&b, " zones %s", strings.Join(e.Zones, ","))
	}
	for _, apierr := range e.Errors {
		b.WriteString("; " + apierr.Error())
	}
	if e.err != nil {
		b.WriteString(": " + e.err.Error())
	}
	return b.String()
}

func (e *ProvisionerError) Unwrap() error { return e.err }
