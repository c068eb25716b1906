// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package script substitutes cluster-context placeholders into an
// operator-supplied command and runs it with a bounded timeout, the way
// MonitorWorker reacts to a reportable state transition.
package script

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("clustermon.script")

// Context carries every value a script placeholder can substitute. Lists
// are comma separated with no trailing separator; server addresses are
// formatted "[address]:port" (spec §6).
type Context struct {
	Initiator   string
	Parent      string
	Children    []string
	Event       string
	NodeList    []string
	List        []string
	MasterList  []string
	SlaveList   []string
	SyncedList  []string
	Credentials []string
}

var placeholders = map[string]func(Context) string{
	"$INITIATOR":   func(c Context) string { return c.Initiator },
	"$PARENT":      func(c Context) string { return c.Parent },
	"$CHILDREN":    func(c Context) string { return strings.Join(c.Children, ",") },
	"$EVENT":       func(c Context) string { return c.Event },
	"$NODELIST":    func(c Context) string { return strings.Join(c.NodeList, ",") },
	"$LIST":        func(c Context) string { return strings.Join(c.List, ",") },
	"$MASTERLIST":  func(c Context) string { return strings.Join(c.MasterList, ",") },
	"$SLAVELIST":   func(c Context) string { return strings.Join(c.SlaveList, ",") },
	"$SYNCEDLIST":  func(c Context) string { return strings.Join(c.SyncedList, ",") },
	"$CREDENTIALS": func(c Context) string { return strings.Join(c.Credentials, ",") },
}

// envNames mirrors placeholders without the leading '$', matching the
// original implementation's habit of exporting the same values as
// environment variables so scripts that don't parse argv still work
// (SPEC_FULL §4.10).
var envNames = map[string]string{
	"$INITIATOR":   "INITIATOR",
	"$PARENT":      "PARENT",
	"$CHILDREN":    "CHILDREN",
	"$EVENT":       "EVENT",
	"$NODELIST":    "NODELIST",
	"$LIST":        "LIST",
	"$MASTERLIST":  "MASTERLIST",
	"$SLAVELIST":   "SLAVELIST",
	"$SYNCEDLIST":  "SYNCEDLIST",
	"$CREDENTIALS": "CREDENTIALS",
}

// Substitute replaces every recognized placeholder in command with its
// value from ctx. Placeholders absent from command are left untouched.
func Substitute(command string, ctx Context) string {
	// $LIST is a substring of $NODELIST, $MASTERLIST, $SLAVELIST and
	// $SYNCEDLIST, so it is replaced last.
	order := []string{
		"$INITIATOR", "$PARENT", "$CHILDREN", "$EVENT", "$NODELIST",
		"$MASTERLIST", "$SLAVELIST", "$SYNCEDLIST", "$CREDENTIALS", "$LIST",
	}
	out := command
	for _, ph := range order {
		if strings.Contains(out, ph) {
			out = strings.ReplaceAll(out, ph, placeholders[ph](ctx))
		}
	}
	return out
}

// Runner is the subset of os/exec used, so tests can substitute a fake.
type Runner func(ctx context.Context, name string, args []string, env []string) error

// defaultRunner shells out via /bin/sh -c, matching how the original
// server invokes an operator-supplied command string rather than a bare
// executable + argv.
var defaultRunner Runner = func(ctx context.Context, name string, args []string, env []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	return cmd.Run()
}

// Launcher fires an operator-supplied command on cluster events.
type Launcher struct {
	Command string
	Timeout time.Duration

	// Run defaults to defaultRunner; overridden in tests.
	Run Runner
}

// NewLauncher returns a Launcher for command, bounded by timeout.
func NewLauncher(command string, timeout time.Duration) *Launcher {
	return &Launcher{Command: command, Timeout: timeout, Run: defaultRunner}
}

// Launch substitutes ctx into l.Command and runs it, blocking until
// completion or l.Timeout elapses. A zero exit code logs success; a
// non-zero exit code logs the code and event; a spawn failure logs "-1".
// The monitor tick is the scheduler: this call blocks the calling
// goroutine for up to l.Timeout (spec §4.6).
func (l *Launcher) Launch(parent context.Context, ctx Context) error {
	if l.Command == "" {
		return nil
	}
	if l.Run == nil {
		l.Run = defaultRunner
	}

	resolved := Substitute(l.Command, ctx)
	env := make([]string, 0, len(envNames))
	for ph, name := range envNames {
		env = append(env, fmt.Sprintf("%s=%s", name, placeholders[ph](ctx)))
	}

	runCtx, cancel := context.WithTimeout(parent, l.Timeout)
	defer cancel()

	err := l.Run(runCtx, "/bin/sh", []string{"-c", resolved}, env)
	switch {
	case err == nil:
		logger.Infof("script for event %s completed successfully", ctx.Event)
		return nil
	case runCtx.Err() == context.DeadlineExceeded:
		logger.Warningf("script for event %s killed after exceeding timeout %s", ctx.Event, l.Timeout)
		return errors.Errorf("script timed out after %s", l.Timeout)
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			logger.Warningf("script for event %s exited %d", ctx.Event, exitErr.ExitCode())
			return nil
		}
		logger.Warningf("script for event %s failed to start: -1 (%v)", ctx.Event, err)
		return errors.Trace(err)
	}
}
