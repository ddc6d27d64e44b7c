// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"github.com/skyferry/skyferry/lib/cloud"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BlocklistSuite{})

type BlocklistSuite struct{}

func (*BlocklistSuite) TestAddIsIdempotent(c *check.C) {
	brs := NewBlockedResourceSet()
	pattern := cloud.ResourceSpec{Cloud: cloud.GCP, Region: "us-central1", Zone: "us-central1-a"}
	c.Check(brs.Add(pattern), check.Equals, true)
	c.Check(brs.Add(pattern), check.Equals, false)
	c.Check(brs.Len(), check.Equals, 1)
}

func (*BlocklistSuite) TestSubsumptionSkipsInsert(c *check.C) {
	brs := NewBlockedResourceSet()
	wholeRegion := cloud.ResourceSpec{Cloud: cloud.GCP, Region: "us-central1"}
	concrete := wholeRegion.WithZone("us-central1-a")

	c.Check(brs.Add(wholeRegion), check.Equals, true)
	// Already subsumed by the wildcard-zone pattern.
	c.Check(brs.Add(concrete), check.Equals, false)
	c.Check(brs.Len(), check.Equals, 1)
	c.Check(brs.Blocks(concrete), check.Equals, true)

	// The reverse is not subsumption: a concrete pattern does not
	// block the wildcard, so the wider pattern still gets added.
	brs2 := NewBlockedResourceSet()
	c.Check(brs2.Add(concrete), check.Equals, true)
	c.Check(brs2.Add(wholeRegion), check.Equals, true)
	c.Check(brs2.Blocks(concrete), check.Equals, true)
}

func (*BlocklistSuite) TestWiderPatternRetiresNarrower(c *check.C) {
	brs := NewBlockedResourceSet()
	zoneA := cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1", Zone: "us-east-1a"}
	zoneB := cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1", Zone: "us-east-1b"}
	otherRegion := cloud.ResourceSpec{Cloud: cloud.AWS, Region: "eu-west-1", Zone: "eu-west-1a"}
	c.Check(brs.Add(zoneA), check.Equals, true)
	c.Check(brs.Add(zoneB), check.Equals, true)
	c.Check(brs.Add(otherRegion), check.Equals, true)

	// Blocking the whole region replaces its per-zone entries;
	// patterns for other regions are untouched.
	wholeRegion := cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1"}
	c.Check(brs.Add(wholeRegion), check.Equals, true)
	c.Check(brs.Patterns(), check.DeepEquals, []cloud.ResourceSpec{otherRegion, wholeRegion})
	c.Check(brs.Blocks(zoneA), check.Equals, true)
	c.Check(brs.Blocks(zoneB), check.Equals, true)
	c.Check(brs.Blocks(otherRegion), check.Equals, true)
}

func (*BlocklistSuite) TestBlocks(c *check.C) {
	brs := NewBlockedResourceSet()
	brs.Add(cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1", Zone: "us-east-1a"})
	brs.Add(cloud.ResourceSpec{Cloud: cloud.Azure})

	c.Check(brs.Blocks(cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1", Zone: "us-east-1a"}), check.Equals, true)
	c.Check(brs.Blocks(cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1", Zone: "us-east-1b"}), check.Equals, false)
	c.Check(brs.Blocks(cloud.ResourceSpec{Cloud: cloud.Azure, Region: "eastus", Zone: "1"}), check.Equals, true)
	c.Check(brs.Blocks(cloud.ResourceSpec{Cloud: cloud.GCP, Region: "us-central1"}), check.Equals, false)
}

func (*BlocklistSuite) TestPatternsCopy(c *check.C) {
	brs := NewBlockedResourceSet()
	brs.Add(cloud.ResourceSpec{Cloud: cloud.AWS, Region: "us-east-1"})
	patterns := brs.Patterns()
	patterns[0].Region = "eu-west-1"
	c.Check(brs.Patterns()[0].Region, check.Equals, "us-east-1")
}
