// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package monitor

import (
	"sync/atomic"

	"github.com/dbfleet/clustermon/internal/backend"
	"github.com/dbfleet/clustermon/internal/probe"
)

// StatusRequest is the admin-to-worker rendezvous value described in
// spec §5: admin writes with an atomic exchange, the worker consumes
// with an atomic exchange at the top of the next tick.
type StatusRequest uint32

const (
	RequestNone StatusRequest = iota
	RequestMaintOn
	RequestMaintOff
	RequestDrainOn
	RequestDrainOff
)

// noPreviousStatus is the sentinel PrevStatus holds before a server has
// completed its first tick (spec §3: "initialized to a sentinel -1").
const noPreviousStatus = ^uint64(0)

// Server is the per-backend state owned exclusively by one MonitorWorker
// (spec §3's MonitorServer entity). Only StatusRequest is written from
// outside the owning worker's goroutine, and only atomically.
type Server struct {
	Backend *backend.Server

	Conn probe.Conn

	// prevStatus is the status observed at the start of the current
	// tick; pendingStatus accumulates this tick's changes before being
	// flushed to Backend.
	prevStatus    uint64
	pendingStatus uint64

	ErrCount int

	statusRequest atomic.Uint32

	// MonitorLimits is this server's disk-space override; merged over
	// the cluster-wide default (spec §4.4).
	MonitorLimits backend.DiskLimits

	// okToCheckDiskSpace is sticky-false once the server is known to
	// lack the disk-usage information table (spec §3, §7).
	okToCheckDiskSpace bool

	// DiskUsedPercent is the highest mount usage percentage observed on
	// the most recently completed disk-space check, exposed through
	// Diagnostics as the disk_used_percent gauge (SPEC_FULL §4.9). It
	// holds its last value between checks, including while
	// okToCheckDiskSpace is false.
	DiskUsedPercent float64

	// NodeID/MasterID are the replication-tree identifiers a module's
	// UpdateServerStatus hook fills in, consumed by script topology
	// derivation (spec §4.6).
	NodeID   int
	MasterID int
}

// NewServer wraps a backend.Server as a monitor-owned MonitorServer.
func NewServer(b *backend.Server) *Server {
	return &Server{
		Backend:            b,
		prevStatus:         noPreviousStatus,
		okToCheckDiskSpace: true,
	}
}

// PrevStatus returns the status observed at the start of the current
// tick.
func (s *Server) PrevStatus() backend.Status {
	return backend.Status(s.prevStatus)
}

// PendingStatus returns this tick's accumulator.
func (s *Server) PendingStatus() backend.Status {
	return backend.Status(s.pendingStatus)
}

// SetPendingStatus overwrites the pending accumulator, used when a probe
// starts a fresh tick (spec §4.8 step 3).
func (s *Server) SetPendingStatus(bits backend.Status) {
	s.pendingStatus = uint64(bits)
}

// SetPending ORs bits into the pending accumulator.
func (s *Server) SetPending(bits backend.Status) {
	s.pendingStatus |= uint64(bits)
}

// ClearPending clears bits from the pending accumulator.
func (s *Server) ClearPending(bits backend.Status) {
	s.pendingStatus &^= uint64(bits)
}

// OkToCheckDiskSpace reports whether this server's disk-usage
// information table is still believed to exist.
func (s *Server) OkToCheckDiskSpace() bool {
	return s.okToCheckDiskSpace
}

// DisableDiskSpaceCheck permanently clears okToCheckDiskSpace, done once
// the information table is confirmed missing (spec §4.4, §7).
func (s *Server) DisableDiskSpaceCheck() {
	s.okToCheckDiskSpace = false
}

// RequestStatus posts an admin status-bit request, consumed at the top
// of the worker's next tick. It is the only method on Server safe to
// call from outside the owning worker's goroutine.
func (s *Server) RequestStatus(req StatusRequest) (previous StatusRequest, overwritten bool) {
	old := s.statusRequest.Swap(uint32(req))
	return StatusRequest(old), old != uint32(RequestNone)
}

// TakeRequest atomically exchanges the pending request with RequestNone
// and returns whatever was pending. Called only from the worker's own
// tick loop.
func (s *Server) TakeRequest() StatusRequest {
	return StatusRequest(s.statusRequest.Swap(uint32(RequestNone)))
}
