// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import "bytes"

// GangSchedulingStatus is the outcome of a legacy all-nodes-at-once
// launch. HeadFailed and GangFailed are both failures, but with
// different blocklisting implications: a zone that cannot host even a
// head node is blocked, while a zone that brought the head up but not
// the workers stays eligible.
type GangSchedulingStatus int

const (
	ClusterReady GangSchedulingStatus = iota
	HeadFailed
	GangFailed
)

func (s GangSchedulingStatus) String() string {
	switch s {
	case ClusterReady:
		return "CLUSTER_READY"
	case HeadFailed:
		return "HEAD_FAILED"
	case GangFailed:
		return "GANG_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Markers written by the external provisioning tool. Fragile by
// nature, so only low-stakes decisions depend on them: headUpMarker
// picks between HeadFailed and GangFailed, and headRequestedMarker
// only ever skips a teardown that could not have anything to tear
// down. Neither marker changes what gets blocked beyond the
// HeadFailed/GangFailed distinction.
var (
	headUpMarker        = []byte("Head node is up")
	headRequestedMarker = []byte("Acquiring an up-to-date head node")
)

// ParseGangStatus decides the gang outcome from the legacy tool's
// combined output, given that the tool reported failure.
func ParseGangStatus(stdout, stderr []byte) GangSchedulingStatus {
	if bytes.Contains(stdout, headUpMarker) || bytes.Contains(stderr, headUpMarker) {
		return GangFailed
	}
	return HeadFailed
}

// HeadLaunchRequested reports whether the legacy tool got far enough
// to request any cloud-side resources. If not, teardown is a no-op and
// may be skipped.
func HeadLaunchRequested(stdout, stderr []byte) bool {
	return bytes.Contains(stdout, headRequestedMarker) || bytes.Contains(stderr, headRequestedMarker)
}
