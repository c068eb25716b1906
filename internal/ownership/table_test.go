// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package ownership

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type tableSuite struct{}

var _ = gc.Suite(&tableSuite{})

// TestSingleOwner exercises spec §8 item 1: at most one monitor may claim
// a given server at any instant, and a double-claim reports the owner.
func (s *tableSuite) TestSingleOwner(c *gc.C) {
	t := New()
	c.Assert(t.Claim("db1", "cluster-a"), jc.ErrorIsNil)

	err := t.Claim("db1", "cluster-b")
	c.Assert(errors.IsAlreadyExists(err), jc.IsTrue)
	c.Assert(err, gc.ErrorMatches, `.*claimed by monitor "cluster-a".*`)

	c.Assert(t.ClaimedBy("db1"), gc.Equals, "cluster-a")
}

func (s *tableSuite) TestReclaimBySameOwnerIsIdempotent(c *gc.C) {
	t := New()
	c.Assert(t.Claim("db1", "cluster-a"), jc.ErrorIsNil)
	c.Assert(t.Claim("db1", "cluster-a"), jc.ErrorIsNil)
}

func (s *tableSuite) TestReleaseFreesTheServer(c *gc.C) {
	t := New()
	c.Assert(t.Claim("db1", "cluster-a"), jc.ErrorIsNil)
	t.Release("db1")
	c.Assert(t.ClaimedBy("db1"), gc.Equals, "")
	c.Assert(t.Claim("db1", "cluster-b"), jc.ErrorIsNil)
}

func (s *tableSuite) TestReleaseAllOnlyAffectsNamedMonitor(c *gc.C) {
	t := New()
	c.Assert(t.Claim("db1", "cluster-a"), jc.ErrorIsNil)
	c.Assert(t.Claim("db2", "cluster-b"), jc.ErrorIsNil)

	t.ReleaseAll("cluster-a")

	c.Assert(t.ClaimedBy("db1"), gc.Equals, "")
	c.Assert(t.ClaimedBy("db2"), gc.Equals, "cluster-b")
}
