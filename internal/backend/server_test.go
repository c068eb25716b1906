// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package backend

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type serverSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&serverSuite{})

func (s *serverSuite) TestSetClearStatus(c *gc.C) {
	srv := NewServer("db1", "10.0.0.1", 3306)
	srv.SetStatus(RUNNING | SLAVE)
	c.Assert(srv.Status(), gc.Equals, RUNNING|SLAVE)

	srv.SetStatus(MASTER)
	c.Assert(srv.Status().Has(MASTER), jc.IsTrue)

	srv.ClearStatus(SLAVE)
	c.Assert(srv.Status().Has(SLAVE), jc.IsFalse)
	c.Assert(srv.Status().Has(RUNNING), jc.IsTrue)
}

func (s *serverSuite) TestSetToReplacesWholeBitmap(c *gc.C) {
	srv := NewServer("db1", "10.0.0.1", 3306)
	srv.SetStatus(RUNNING | MASTER | AUTH_ERROR)
	srv.SetTo(SLAVE)
	c.Assert(srv.Status(), gc.Equals, SLAVE)
}

func (s *serverSuite) TestConcurrentSetStatusIsRaceFree(c *gc.C) {
	srv := NewServer("db1", "10.0.0.1", 3306)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			srv.SetStatus(MASTER)
		}()
		go func() {
			defer wg.Done()
			srv.ClearStatus(MASTER)
		}()
	}
	wg.Wait()
	// No assertion beyond "doesn't race"; -race in the test runner is the
	// actual check here.
}

func (s *serverSuite) TestStatusStringDown(c *gc.C) {
	srv := NewServer("db1", "10.0.0.1", 3306)
	c.Assert(srv.StatusString(), gc.Equals, "Down")
}

func (s *serverSuite) TestStatusStringOrdersBits(c *gc.C) {
	srv := NewServer("db1", "10.0.0.1", 3306)
	srv.SetStatus(MASTER | RUNNING)
	c.Assert(srv.StatusString(), gc.Equals, "Running, Master")
}

func (s *serverSuite) TestRecordAndLastEvent(c *gc.C) {
	srv := NewServer("db1", "10.0.0.1", 3306)
	name, at := srv.LastEvent()
	c.Assert(name, gc.Equals, "")
	c.Assert(at.IsZero(), jc.IsTrue)

	now := time.Now()
	srv.RecordEvent("master_down", now)
	name, at = srv.LastEvent()
	c.Assert(name, gc.Equals, "master_down")
	c.Assert(at, gc.Equals, now)
}

func (s *serverSuite) TestRegistryAddGetRemove(c *gc.C) {
	reg := NewRegistry()
	srv := NewServer("db1", "10.0.0.1", 3306)

	c.Assert(reg.Add(srv), jc.ErrorIsNil)
	err := reg.Add(srv)
	c.Assert(errors.IsAlreadyExists(err), jc.IsTrue)

	got, err := reg.Get("db1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.Equals, srv)

	c.Assert(reg.Remove("db1"), jc.ErrorIsNil)
	_, err = reg.Get("db1")
	c.Assert(errors.IsNotFound(err), jc.IsTrue)

	c.Assert(reg.All(), gc.HasLen, 0)
}
