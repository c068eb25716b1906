// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package script

import (
	"context"
	"os/exec"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type launcherSuite struct{}

var _ = gc.Suite(&launcherSuite{})

func (s *launcherSuite) TestSubstituteReplacesKnownPlaceholders(c *gc.C) {
	ctx := Context{
		Initiator:  "[10.0.0.1]:3306",
		Event:      "master_down",
		MasterList: nil,
		NodeList:   []string{"[10.0.0.2]:3306"},
	}
	out := Substitute("notify --initiator=$INITIATOR --event=$EVENT --masters=$MASTERLIST --nodes=$NODELIST", ctx)
	c.Assert(out, gc.Equals, "notify --initiator=[10.0.0.1]:3306 --event=master_down --masters= --nodes=[10.0.0.2]:3306")
}

func (s *launcherSuite) TestSubstituteIgnoresAbsentPlaceholders(c *gc.C) {
	out := Substitute("echo static", Context{Event: "server_up"})
	c.Assert(out, gc.Equals, "echo static")
}

func (s *launcherSuite) TestLaunchEmptyCommandIsNoop(c *gc.C) {
	l := NewLauncher("", time.Second)
	called := false
	l.Run = func(context.Context, string, []string, []string) error {
		called = true
		return nil
	}
	c.Assert(l.Launch(context.Background(), Context{}), jc.ErrorIsNil)
	c.Assert(called, jc.IsFalse)
}

func (s *launcherSuite) TestLaunchSubstitutesAndSetsEnv(c *gc.C) {
	l := NewLauncher("run $EVENT", time.Second)
	var gotArgs []string
	var gotEnv []string
	l.Run = func(_ context.Context, name string, args []string, env []string) error {
		c.Assert(name, gc.Equals, "/bin/sh")
		gotArgs = args
		gotEnv = env
		return nil
	}
	c.Assert(l.Launch(context.Background(), Context{Event: "master_up"}), jc.ErrorIsNil)
	c.Assert(gotArgs, gc.DeepEquals, []string{"-c", "run master_up"})

	found := false
	for _, kv := range gotEnv {
		if kv == "EVENT=master_up" {
			found = true
		}
	}
	c.Assert(found, jc.IsTrue)
}

func (s *launcherSuite) TestLaunchTimeoutReturnsError(c *gc.C) {
	l := NewLauncher("sleep-forever", time.Millisecond)
	l.Run = func(ctx context.Context, _ string, _ []string, _ []string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	err := l.Launch(context.Background(), Context{Event: "server_down"})
	c.Assert(err, gc.ErrorMatches, ".*timed out.*")
}

func (s *launcherSuite) TestLaunchNonZeroExitIsNotAnError(c *gc.C) {
	l := NewLauncher("false", time.Second)
	l.Run = func(context.Context, string, []string, []string) error {
		return &exec.ExitError{}
	}
	c.Assert(l.Launch(context.Background(), Context{Event: "server_down"}), jc.ErrorIsNil)
}

func (s *launcherSuite) TestLaunchSpawnFailurePropagates(c *gc.C) {
	l := NewLauncher("bogus", time.Second)
	boom := errors.New("spawn failed")
	l.Run = func(context.Context, string, []string, []string) error {
		return boom
	}
	err := l.Launch(context.Background(), Context{Event: "server_down"})
	c.Assert(err, gc.NotNil)
}
