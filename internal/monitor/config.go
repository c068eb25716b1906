// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package monitor implements the per-cluster monitor worker: the tick
// loop that probes backend servers, derives a cluster-wide health view,
// reacts to transitions, and persists a journal, plus the registry that
// exposes the admin operations of spec §6.
package monitor

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/dbfleet/clustermon/internal/backend"
	"github.com/dbfleet/clustermon/internal/event"
)

// DefaultJournalMaxAge matches the original server's eight-hour default
// for how stale a journal may be before it is discarded unread
// (SPEC_FULL §4.10).
const DefaultJournalMaxAge = 8 * time.Hour

// Logger is the subset of loggo.Logger the monitor package calls,
// injected so tests can assert on emitted lines without a global sink
// (SPEC_FULL §4.0), matching internal/worker/pruner.Config.Logger and
// internal/worker/objectstorepruner.WorkerConfig.Logger in the teacher.
type Logger interface {
	Debugf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Errorf(message string, args ...interface{})
}

// Module supplies the per-server-type behaviour the generic tick loop
// calls into once per hook per tick (spec §4.8 steps 2 and 4, §9's note
// on dynamic dispatch over a small capability set).
type Module interface {
	// Name identifies the module for diagnostics and the permissions
	// check (spec §6).
	Name() string

	// ProbeQuery is the read-only statement the permissions check runs
	// against each server on first start (spec §6).
	ProbeQuery() string

	// PreTick runs before servers are probed this tick.
	PreTick(*State)

	// UpdateServerStatus is called once per successfully probed server;
	// it sets role bits (MASTER/SLAVE/JOINED) on ms.PendingStatus based
	// on module-specific queries against ms.Conn.
	UpdateServerStatus(ms *Server) error

	// PostTick runs after every server has been probed this tick.
	PostTick(*State)

	// ImmediateTickRequired lets a module wake the worker early, in
	// addition to status_change_pending (spec §4.8 Scheduling).
	ImmediateTickRequired(*State) bool
}

// EventMask configures which classified events trigger ScriptLauncher.
type EventMask map[event.Kind]bool

// AllEvents returns a mask matching every non-Undefined event kind.
func AllEvents() EventMask {
	return EventMask{
		event.MasterUp: true, event.SlaveUp: true, event.SyncedUp: true, event.ServerUp: true,
		event.MasterDown: true, event.SlaveDown: true, event.SyncedDown: true, event.ServerDown: true,
		event.LostMaster: true, event.LostSlave: true, event.LostSynced: true,
		event.NewMaster: true, event.NewSlave: true, event.NewSynced: true,
	}
}

// Config holds every setting a MonitorWorker needs, mirroring the
// attributes enumerated in spec §3's MonitorWorker entry.
type Config struct {
	Name   string
	Module Module

	Interval      time.Duration
	JournalMaxAge time.Duration
	DataDir       string

	ScriptPath    string
	ScriptTimeout time.Duration
	EventMask     EventMask

	ConnectAttempts int
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	DiskSpaceCheckInterval time.Duration
	DiskSpaceLimits        backend.DiskLimits

	MonitorUser     string
	MonitorPassword []byte

	Clock  clock.Clock
	Logger Logger

	Servers []*Server
}

// Validate reports whether c has enough information to start a worker,
// matching the Config.Validate idiom used throughout the teacher's
// internal/worker/* packages.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.NotValidf("empty Name")
	}
	if c.Module == nil {
		return errors.NotValidf("nil Module")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("Interval %s", c.Interval)
	}
	if c.ConnectAttempts <= 0 {
		return errors.NotValidf("ConnectAttempts %d", c.ConnectAttempts)
	}
	if c.ConnectTimeout <= 0 {
		return errors.NotValidf("ConnectTimeout %s", c.ConnectTimeout)
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.DataDir == "" {
		return errors.NotValidf("empty DataDir")
	}
	return nil
}
