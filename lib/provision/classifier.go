// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"bytes"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/skyferry/skyferry/lib/cloud"
)

// Scope says how much of the placement space a classified failure
// poisons.
type Scope int

const (
	// ScopeZone blocks the attempted zones only (or the region,
	// for providers with no zone concept).
	ScopeZone Scope = iota
	// ScopeRegion blocks the region; other regions of the cloud
	// stay eligible.
	ScopeRegion
	// ScopeCloud blocks the entire cloud.
	ScopeCloud
)

// A StructuredHandler inspects one provider's API error entries and
// adds the corresponding patterns to the blocklist. Handlers must not
// return errors, panic, or perform cloud I/O: a classifier must never
// itself become a source of retry-loop failures.
type StructuredHandler func(brs *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, perr *cloud.ProvisionerError, logger logrus.FieldLogger)

// A TextHandler classifies the raw output of a legacy provisioning
// tool.
type TextHandler func(brs *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, stdout, stderr []byte, logger logrus.FieldLogger)

// Classifiers dispatches failures to per-cloud handlers. Clouds with
// no registered handler get the generic rule: block what was
// attempted. Registration happens at initialization; lookups are
// read-only afterwards.
type Classifiers struct {
	structured map[cloud.CloudID]StructuredHandler
	text       map[cloud.CloudID]TextHandler
}

// NewClassifiers returns a registry with the built-in per-cloud
// handlers. The code-to-scope tables encode provider-specific
// knowledge of which failures are zonal, regional, or account-wide;
// codes absent from a table get the conservative default (block the
// attempted zones) rather than being ignored.
func NewClassifiers() *Classifiers {
	return &Classifiers{
		structured: map[cloud.CloudID]StructuredHandler{
			cloud.GCP:   gcpStructuredHandler,
			cloud.AWS:   awsStructuredHandler,
			cloud.Azure: azureStructuredHandler,
		},
		text: map[cloud.CloudID]TextHandler{},
	}
}

// RegisterStructured adds or replaces the structured handler for a
// cloud.
func (cl *Classifiers) RegisterStructured(id cloud.CloudID, h StructuredHandler) {
	cl.structured[id] = h
}

// RegisterText adds or replaces the text handler for a cloud.
func (cl *Classifiers) RegisterText(id cloud.CloudID, h TextHandler) {
	cl.text[id] = h
}

// ClassifyStructured turns a typed provisioning failure into blocklist
// entries. It only mutates brs; it never returns an error and never
// performs cloud I/O.
func (cl *Classifiers) ClassifyStructured(logger logrus.FieldLogger, brs *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, failure error) {
	var crede cloud.CredentialError
	if errors.As(failure, &crede) && crede.IsCredentialError() {
		logger.WithError(failure).Warnf("credentials rejected, skipping %s for this session", spec.Cloud)
		blockScope(brs, spec, region, zones, ScopeCloud)
		return
	}
	var perr *cloud.ProvisionerError
	if errors.As(failure, &perr) && len(perr.Errors) > 0 {
		if handler, ok := cl.structured[spec.Cloud]; ok {
			handler(brs, spec, region, zones, perr, logger)
			return
		}
		logger.WithField("Cloud", spec.Cloud).Debug("no structured handler registered, using generic rule")
	}
	var qe cloud.QuotaError
	if errors.As(failure, &qe) && qe.IsQuotaError() {
		blockScope(brs, spec, region, zones, ScopeRegion)
		return
	}
	var cape cloud.CapacityError
	if errors.As(failure, &cape) && cape.IsCapacityError() {
		blockScope(brs, spec, region, zones, ScopeZone)
		return
	}
	// Unparsed failure, including a rate-limit budget exhausted by
	// the retry layer: block the attempted zones, never silently
	// ignore.
	blockScope(brs, spec, region, zones, ScopeZone)
}

// ClassifyText classifies a legacy tool's raw output. The per-cloud
// handler is used when registered; otherwise error-looking lines are
// logged and the attempted zones are blocked.
func (cl *Classifiers) ClassifyText(logger logrus.FieldLogger, brs *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, stdout, stderr []byte) {
	if handler, ok := cl.text[spec.Cloud]; ok {
		handler(brs, spec, region, zones, stdout, stderr, logger)
		return
	}
	genericTextHandler(brs, spec, region, zones, stdout, stderr, logger)
}

func blockScope(brs *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, scope Scope) {
	switch scope {
	case ScopeCloud:
		brs.Add(spec.WithoutRegion())
	case ScopeRegion:
		brs.Add(spec.WithRegion(region).WithoutZone())
	default:
		if len(zones) == 0 {
			brs.Add(spec.WithRegion(region).WithoutZone())
			return
		}
		for _, zone := range zones {
			brs.Add(spec.WithRegion(region).WithZone(zone))
		}
	}
}

// scopeForCode consults a provider's code table, widening to the
// widest scope among the reported entries so a single account-wide
// failure is not hidden by an accompanying zonal one.
func scopeForCode(table map[string]Scope, perr *cloud.ProvisionerError, logger logrus.FieldLogger) Scope {
	scope := ScopeZone
	for _, apierr := range perr.Errors {
		s, ok := table[apierr.Code]
		if !ok {
			logger.WithFields(logrus.Fields{
				"Code":    apierr.Code,
				"Message": apierr.Message,
			}).Debug("unrecognized provider error code, blocking attempted zones")
			continue
		}
		if s > scope {
			scope = s
		}
	}
	return scope
}

var gcpCodeScopes = map[string]Scope{
	"ZONE_RESOURCE_POOL_EXHAUSTED":              ScopeZone,
	"ZONE_RESOURCE_POOL_EXHAUSTED_WITH_DETAILS": ScopeZone,
	"RESOURCE_NOT_READY":                        ScopeZone,
	"RESOURCE_OPERATION_RATE_EXCEEDED":          ScopeZone,
	"UNSUPPORTED_OPERATION":                     ScopeZone,
	"insufficientCapacity":                      ScopeZone,
	"QUOTA_EXCEEDED":                            ScopeRegion,
	"VPC_NOT_FOUND":                             ScopeCloud,
	"SUBNET_NOT_FOUND_FOR_VPC":                  ScopeCloud,
	"IAM_PERMISSION_DENIED":                     ScopeCloud,
	"PERMISSION_DENIED":                         ScopeCloud,
}

func gcpStructuredHandler(brs *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, perr *cloud.ProvisionerError, logger logrus.FieldLogger) {
	scope := scopeForCode(gcpCodeScopes, perr, logger)
	for _, apierr := range perr.Errors {
		// An accelerator quota exhausted in all regions leaves
		// nothing of the cloud to try.
		if apierr.Code == "QUOTA_EXCEEDED" && strings.Contains(apierr.Message, "GPUS_ALL_REGIONS") {
			scope = ScopeCloud
		}
	}
	blockScope(brs, spec, region, zones, scope)
}

var awsCodeScopes = map[string]Scope{
	"InsufficientInstanceCapacity":  ScopeZone,
	"SpotMaxPriceTooLow":            ScopeZone,
	"RequestLimitExceeded":          ScopeZone,
	"Unsupported":                   ScopeZone,
	"InstanceLimitExceeded":         ScopeRegion,
	"VcpuLimitExceeded":             ScopeRegion,
	"MaxSpotInstanceCountExceeded":  ScopeRegion,
	"UnauthorizedOperation":         ScopeCloud,
	"AuthFailure":                   ScopeCloud,
	"OptInRequired":                 ScopeCloud,
	"PendingVerification":           ScopeCloud,
	"VPCIdNotSpecified":             ScopeCloud,
	"InvalidClientTokenId":          ScopeCloud,
	"UnauthorizedOperation.Blocked": ScopeCloud,
}

func awsStructuredHandler(brs *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, perr *cloud.ProvisionerError, logger logrus.FieldLogger) {
	blockScope(brs, spec, region, zones, scopeForCode(awsCodeScopes, perr, logger))
}

var azureCodeScopes = map[string]Scope{
	"AllocationFailed":                 ScopeZone,
	"OverconstrainedAllocationRequest": ScopeZone,
	"ZonalAllocationFailed":            ScopeZone,
	"SkuNotAvailable":                  ScopeRegion,
	"QuotaExceeded":                    ScopeRegion,
	"OperationNotAllowed":              ScopeRegion,
	"AuthorizationFailed":              ScopeCloud,
	"SubscriptionNotFound":             ScopeCloud,
	"InvalidAuthenticationTokenTenant": ScopeCloud,
}

func azureStructuredHandler(brs *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, perr *cloud.ProvisionerError, logger logrus.FieldLogger) {
	blockScope(brs, spec, region, zones, scopeForCode(azureCodeScopes, perr, logger))
}

func genericTextHandler(brs *BlockedResourceSet, spec cloud.ResourceSpec, region string, zones []string, stdout, stderr []byte, logger logrus.FieldLogger) {
	combined := append(append([]byte(nil), stdout...), stderr...)
	for _, line := range bytes.Split(combined, []byte("\n")) {
		if bytes.Contains(line, []byte("ERR")) || bytes.Contains(line, []byte("PANIC")) {
			logger.WithField("Line", string(line)).Info("provisioning tool reported error")
		}
	}
	// The tool already failed; block what was attempted even when
	// no line matched.
	blockScope(brs, spec, region, zones, ScopeZone)
}
