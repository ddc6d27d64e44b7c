// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"fmt"
	"sort"
	"strings"
)

// A CloudID identifies a cloud provider. Driver packages register
// themselves under their CloudID at startup.
type CloudID string

const (
	AWS         CloudID = "aws"
	Azure       CloudID = "azure"
	GCP         CloudID = "gcp"
	LambdaCloud CloudID = "lambda"
	Loopback    CloudID = "loopback"
)

// A ResourceSpec describes one concrete placement candidate: a cloud,
// an optional region and zone, an instance type, and the requested
// accelerators. It is treated as an immutable value. The narrowing
// methods (WithZone etc.) return modified copies; callers never mutate
// a spec in place, because blocklists and retry bookkeeping rely on
// structural identity.
type ResourceSpec struct {
	Cloud        CloudID
	Region       string
	Zone         string
	InstanceType string
	Accelerators map[string]int
	UseSpot      bool
	Ports        []string
}

// WithZone returns a copy of the spec pinned to the given zone.
func (rs ResourceSpec) WithZone(zone string) ResourceSpec {
	rs.Zone = zone
	return rs
}

// WithRegion returns a copy of the spec pinned to the given region.
func (rs ResourceSpec) WithRegion(region string) ResourceSpec {
	rs.Region = region
	return rs
}

// WithoutZone returns a copy of the spec with the zone cleared, i.e. a
// pattern matching every zone of the region.
func (rs ResourceSpec) WithoutZone() ResourceSpec {
	rs.Zone = ""
	return rs
}

// WithoutRegion returns a copy of the spec with region and zone
// cleared, i.e. a pattern matching the entire cloud.
func (rs ResourceSpec) WithoutRegion() ResourceSpec {
	rs.Region = ""
	rs.Zone = ""
	return rs
}

// Key returns a canonical string for structural comparison and map
// keys. Two specs with equal fields have equal keys regardless of
// accelerator map iteration order.
func (rs ResourceSpec) Key() string {
	accs := make([]string, 0, len(rs.Accelerators))
	for name, count := range rs.Accelerators {
		accs = append(accs, fmt.Sprintf("%s:%d", name, count))
	}
	sort.Strings(accs)
	return fmt.Sprintf("%s|%s|%s|%s|%s|%v|%s",
		rs.Cloud, rs.Region, rs.Zone, rs.InstanceType,
		strings.Join(accs, ","), rs.UseSpot, strings.Join(rs.Ports, ","))
}

// Equal reports whether two specs are structurally equal.
func (rs ResourceSpec) Equal(other ResourceSpec) bool {
	return rs.Key() == other.Key()
}

// BlockedBy reports whether this spec is subsumed by the given blocked
// pattern. An empty Region or Zone in the pattern acts as a wildcard.
// Cloud must always match. If the pattern pins an instance type or the
// spot flag differs, the pattern does not apply: capacity facts for
// one instance type say nothing about another.
func (rs ResourceSpec) BlockedBy(pattern ResourceSpec) bool {
	if rs.Cloud != pattern.Cloud {
		return false
	}
	if pattern.Region != "" && pattern.Region != rs.Region {
		return false
	}
	if pattern.Zone != "" && pattern.Zone != rs.Zone {
		return false
	}
	if pattern.InstanceType != "" && pattern.InstanceType != rs.InstanceType {
		return false
	}
	if pattern.InstanceType != "" && pattern.UseSpot != rs.UseSpot {
		return false
	}
	return true
}

func (rs ResourceSpec) String() string {
	s := string(rs.Cloud)
	if rs.InstanceType != "" {
		s += "/" + rs.InstanceType
	}
	if rs.UseSpot {
		s += "[spot]"
	}
	if rs.Region != "" {
		s += " (" + rs.Region
		if rs.Zone != "" {
			s += "/" + rs.Zone
		}
		s += ")"
	}
	return s
}
