// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"strings"

	"github.com/skyferry/skyferry/lib/cloud"
)

// A BlockedResourceSet remembers placement patterns proven unavailable
// or forbidden during one provisioning session. It is in-memory only:
// capacity facts go stale quickly, so nothing here is persisted.
//
// Not goroutine safe. Classification and blocklist mutation happen
// strictly after any parallel I/O within an attempt has been
// collected.
type BlockedResourceSet struct {
	patterns []cloud.ResourceSpec
}

func NewBlockedResourceSet() *BlockedResourceSet {
	return &BlockedResourceSet{}
}

// Add inserts a pattern unless an existing pattern already subsumes
// it. Existing patterns subsumed by the new, wider one are retired, so
// the set never grows redundant entries. Returns true if the set
// changed.
func (brs *BlockedResourceSet) Add(pattern cloud.ResourceSpec) bool {
	for _, existing := range brs.patterns {
		if pattern.BlockedBy(existing) {
			return false
		}
	}
	var kept []cloud.ResourceSpec
	for _, existing := range brs.patterns {
		if !existing.BlockedBy(pattern) {
			kept = append(kept, existing)
		}
	}
	brs.patterns = append(kept, pattern)
	return true
}

// Blocks reports whether the given concrete spec is subsumed by any
// blocked pattern.
func (brs *BlockedResourceSet) Blocks(spec cloud.ResourceSpec) bool {
	for _, pattern := range brs.patterns {
		if spec.BlockedBy(pattern) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the blocked patterns, in insertion order.
func (brs *BlockedResourceSet) Patterns() []cloud.ResourceSpec {
	return append([]cloud.ResourceSpec(nil), brs.patterns...)
}

func (brs *BlockedResourceSet) Len() int {
	return len(brs.patterns)
}

func (brs *BlockedResourceSet) String() string {
	strs := make([]string, len(brs.patterns))
	for i, pattern := range brs.patterns {
		strs[i] = pattern.String()
	}
	return "{" + strings.Join(strs, ", ") + "}"
}
