// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package monitor

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/dbfleet/clustermon/internal/backend"
	"github.com/dbfleet/clustermon/internal/ownership"
)

type registrySuite struct {
	owned    *ownership.Table
	backends *backend.Registry
	registry *Registry
}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) SetUpTest(c *gc.C) {
	s.owned = ownership.New()
	s.backends = backend.NewRegistry()
	s.registry = NewRegistry(s.owned, s.backends, nil)
}

func (s *registrySuite) newConfig(c *gc.C) Config {
	return Config{
		Module:          fakeModule{},
		Interval:        time.Second,
		DataDir:         c.MkDir(),
		ConnectAttempts: 3,
		ConnectTimeout:  time.Second,
		Clock:           clock.WallClock,
		Logger:          &fakeLogger{},
	}
}

func (s *registrySuite) TestCreateRejectsDuplicateName(c *gc.C) {
	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.Satisfies, errors.IsAlreadyExists)
}

func (s *registrySuite) TestConfigureUnknownMonitorFails(c *gc.C) {
	err := s.registry.Configure("nope", s.newConfig(c))
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *registrySuite) TestConfigurePreservesServerList(c *gc.C) {
	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	srv := backend.NewServer("db1", "10.0.0.1", 3306)
	c.Assert(s.backends.Add(srv), jc.ErrorIsNil)
	_, err = s.registry.AddServer("cluster-a", srv)
	c.Assert(err, jc.ErrorIsNil)

	newConfig := s.newConfig(c)
	newConfig.Interval = 2 * time.Second
	c.Assert(s.registry.Configure("cluster-a", newConfig), jc.ErrorIsNil)

	w, err := s.registry.Worker("cluster-a")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(w.config.Interval, gc.Equals, 2*time.Second)
	c.Assert(w.config.Servers, gc.HasLen, 1)
}

func (s *registrySuite) TestAddServerClaimsOwnership(c *gc.C) {
	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	srv := backend.NewServer("db1", "10.0.0.1", 3306)
	c.Assert(s.backends.Add(srv), jc.ErrorIsNil)

	ms, err := s.registry.AddServer("cluster-a", srv)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ms.Backend.Name, gc.Equals, "db1")
	c.Assert(s.owned.ClaimedBy("db1"), gc.Equals, "cluster-a")
}

func (s *registrySuite) TestAddServerRejectsDuplicateOnSameMonitor(c *gc.C) {
	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	srv := backend.NewServer("db1", "10.0.0.1", 3306)
	c.Assert(s.backends.Add(srv), jc.ErrorIsNil)
	_, err = s.registry.AddServer("cluster-a", srv)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.registry.AddServer("cluster-a", srv)
	c.Assert(err, jc.Satisfies, errors.IsAlreadyExists)
}

func (s *registrySuite) TestAddServerRejectsCrossMonitorClaim(c *gc.C) {
	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.registry.Create("cluster-b", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	srv := backend.NewServer("db1", "10.0.0.1", 3306)
	c.Assert(s.backends.Add(srv), jc.ErrorIsNil)
	_, err = s.registry.AddServer("cluster-a", srv)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.registry.AddServer("cluster-b", srv)
	c.Assert(err, jc.Satisfies, errors.IsAlreadyExists)
	c.Assert(err, gc.ErrorMatches, `.*claimed by monitor "cluster-a".*`)
}

func (s *registrySuite) TestRemoveAllServersReleasesOwnership(c *gc.C) {
	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	srv := backend.NewServer("db1", "10.0.0.1", 3306)
	c.Assert(s.backends.Add(srv), jc.ErrorIsNil)
	_, err = s.registry.AddServer("cluster-a", srv)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.registry.RemoveAllServers("cluster-a"), jc.ErrorIsNil)
	c.Assert(s.owned.ClaimedBy("db1"), gc.Equals, "")

	w, err := s.registry.Worker("cluster-a")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(w.config.Servers, gc.HasLen, 0)
}

func (s *registrySuite) TestStartAndStopRoundTrip(c *gc.C) {
	orig := probeFunc
	defer func() { probeFunc = orig }()
	origExec := checkPermissionsExec
	defer func() { checkPermissionsExec = origExec }()
	checkPermissionsExec = func(context.Context, []byte, string) error { return nil }

	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.registry.Start(context.Background(), "cluster-a"), jc.ErrorIsNil)

	w, err := s.registry.Worker("cluster-a")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(w.State(), gc.Equals, "RUNNING")

	c.Assert(s.registry.Stop("cluster-a"), jc.ErrorIsNil)
	c.Assert(w.State(), gc.Equals, "STOPPED")
}

func (s *registrySuite) TestSetServerStatusRejectsUnownedServer(c *gc.C) {
	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	err = s.registry.SetServerStatus("cluster-a", "ghost", backend.MAINT)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *registrySuite) TestSetServerStatusWhileStoppedMutatesDirectly(c *gc.C) {
	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	srv := backend.NewServer("db1", "10.0.0.1", 3306)
	c.Assert(s.backends.Add(srv), jc.ErrorIsNil)
	_, err = s.registry.AddServer("cluster-a", srv)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.registry.SetServerStatus("cluster-a", "db1", backend.MAINT), jc.ErrorIsNil)
	c.Assert(srv.Status().Has(backend.MAINT), jc.IsTrue)

	c.Assert(s.registry.ClearServerStatus("cluster-a", "db1", backend.MAINT), jc.ErrorIsNil)
	c.Assert(srv.Status().Has(backend.MAINT), jc.IsFalse)
}

func (s *registrySuite) TestSetServerStatusWhileRunningOnlyAllowsMaintAndDrain(c *gc.C) {
	origExec := checkPermissionsExec
	defer func() { checkPermissionsExec = origExec }()
	checkPermissionsExec = func(context.Context, []byte, string) error { return nil }

	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	srv := backend.NewServer("db1", "10.0.0.1", 3306)
	c.Assert(s.backends.Add(srv), jc.ErrorIsNil)
	ms, err := s.registry.AddServer("cluster-a", srv)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.registry.Start(context.Background(), "cluster-a"), jc.ErrorIsNil)
	defer s.registry.Stop("cluster-a")

	err = s.registry.SetServerStatus("cluster-a", "db1", backend.MASTER)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)

	c.Assert(s.registry.SetServerStatus("cluster-a", "db1", backend.MAINT), jc.ErrorIsNil)
	c.Assert(ms.TakeRequest(), gc.Equals, RequestMaintOn)
}

func (s *registrySuite) TestDestroyRequiresStopped(c *gc.C) {
	origExec := checkPermissionsExec
	defer func() { checkPermissionsExec = origExec }()
	checkPermissionsExec = func(context.Context, []byte, string) error { return nil }

	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.registry.Start(context.Background(), "cluster-a"), jc.ErrorIsNil)

	err = s.registry.Destroy("cluster-a")
	c.Assert(err, jc.Satisfies, func(err error) bool { return errors.Cause(err) == ErrNotStopped })

	c.Assert(s.registry.Stop("cluster-a"), jc.ErrorIsNil)
	c.Assert(s.registry.Destroy("cluster-a"), jc.ErrorIsNil)

	_, err = s.registry.Worker("cluster-a")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *registrySuite) TestNamesListsEveryMonitor(c *gc.C) {
	_, err := s.registry.Create("cluster-a", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.registry.Create("cluster-b", s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	names := s.registry.Names()
	c.Assert(names, gc.HasLen, 2)
	c.Assert(names, jc.SameContents, []string{"cluster-a", "cluster-b"})
}
