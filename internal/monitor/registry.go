// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package monitor

import (
	"context"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/dbfleet/clustermon/internal/backend"
	"github.com/dbfleet/clustermon/internal/ownership"
)

// entry pairs a Worker with the backend registry entries it currently owns,
// so RemoveAllServers can release ownership without walking the whole
// cluster-wide backend.Registry (Destroy releases through
// ownership.Table.ReleaseAll instead). serverNames mirrors the same set for
// O(1) duplicate-add rejection.
type entry struct {
	worker      *Worker
	servers     []*Server
	serverNames set.Strings
}

// Registry implements the admin operations table of spec §6 across every
// monitor in a proxy instance, enforcing the single-owner invariant of
// spec §8 item 1 via the shared ownership.Table.
type Registry struct {
	mu sync.Mutex

	owned    *ownership.Table
	backends *backend.Registry

	hangup Hangup

	monitors map[string]*entry
}

// NewRegistry returns an empty Registry sharing owned for cross-monitor
// ownership enforcement and backends for server lookups.
func NewRegistry(owned *ownership.Table, backends *backend.Registry, hangup Hangup) *Registry {
	return &Registry{
		owned:    owned,
		backends: backends,
		hangup:   hangup,
		monitors: make(map[string]*entry),
	}
}

// Create implements create(name, module): name not registered -> new
// STOPPED worker.
func (r *Registry) Create(name string, config Config) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.monitors[name]; ok {
		return nil, errors.AlreadyExistsf("monitor %q", name)
	}
	config.Name = name
	w, err := New(config, r.hangup)
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.monitors[name] = &entry{worker: w, serverNames: set.NewStrings()}
	return w, nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	e, ok := r.monitors[name]
	if !ok {
		return nil, errors.NotFoundf("monitor %q", name)
	}
	return e, nil
}

// Configure implements configure(params): STOPPED -> replace settings.
// The caller supplies the new server list separately via AddServer /
// RemoveAllServers, since server-list mutation carries its own ownership
// bookkeeping.
func (r *Registry) Configure(name string, config Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(name)
	if err != nil {
		return errors.Trace(err)
	}
	config.Name = name
	config.Servers = e.worker.config.Servers
	if err := e.worker.Reconfigure(config); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// AddServer implements add_server(s): STOPPED -> claims ownership and
// appends to the server list.
func (r *Registry) AddServer(monitorName string, srv *backend.Server) (*Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(monitorName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if e.worker.State() != "STOPPED" {
		return nil, errors.Trace(ErrNotStopped)
	}
	if e.serverNames.Contains(srv.Name) {
		return nil, errors.AlreadyExistsf("server %q on monitor %q", srv.Name, monitorName)
	}
	if err := r.owned.Claim(srv.Name, monitorName); err != nil {
		return nil, errors.Trace(err)
	}

	ms := NewServer(srv)
	e.servers = append(e.servers, ms)
	e.serverNames.Add(srv.Name)
	e.worker.config.Servers = append(e.worker.config.Servers, ms)
	return ms, nil
}

// RemoveAllServers implements remove_all_servers: STOPPED -> releases
// ownership of every server this monitor holds and empties its list.
func (r *Registry) RemoveAllServers(monitorName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(monitorName)
	if err != nil {
		return errors.Trace(err)
	}
	if e.worker.State() != "STOPPED" {
		return errors.Trace(ErrNotStopped)
	}
	for _, ms := range e.servers {
		r.owned.Release(ms.Backend.Name)
	}
	e.servers = nil
	e.serverNames = set.NewStrings()
	e.worker.config.Servers = nil
	return nil
}

// Start implements start(): STOPPED, permissions check passes -> RUNNING.
func (r *Registry) Start(ctx context.Context, monitorName string) error {
	r.mu.Lock()
	e, err := r.lookup(monitorName)
	r.mu.Unlock()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.worker.Start(ctx))
}

// Stop implements stop(): RUNNING -> STOPPED, closes handles.
func (r *Registry) Stop(monitorName string) error {
	r.mu.Lock()
	e, err := r.lookup(monitorName)
	r.mu.Unlock()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.worker.Stop())
}

// SetServerStatus implements set_server_status(srv, bit): the monitor must
// own srv; while RUNNING only MAINT/DRAINING may be requested (posted for
// the next tick), while STOPPED any bit is mutated directly.
func (r *Registry) SetServerStatus(monitorName, serverName string, bit backend.Status) error {
	return r.mutateServerStatus(monitorName, serverName, bit, true)
}

// ClearServerStatus implements clear_server_status(srv, bit) symmetrically
// with SetServerStatus.
func (r *Registry) ClearServerStatus(monitorName, serverName string, bit backend.Status) error {
	return r.mutateServerStatus(monitorName, serverName, bit, false)
}

func (r *Registry) mutateServerStatus(monitorName, serverName string, bit backend.Status, set bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(monitorName)
	if err != nil {
		return errors.Trace(err)
	}
	if r.owned.ClaimedBy(serverName) != monitorName {
		return errors.NotValidf("server %q is not owned by monitor %q", serverName, monitorName)
	}

	var ms *Server
	for _, candidate := range e.servers {
		if candidate.Backend.Name == serverName {
			ms = candidate
			break
		}
	}
	if ms == nil {
		return errors.NotFoundf("server %q on monitor %q", serverName, monitorName)
	}

	running := e.worker.State() == "RUNNING"
	if running && bit != backend.MAINT && bit != backend.DRAINING {
		return errors.NotValidf("status bit %s while RUNNING", bit)
	}

	if !running {
		if set {
			ms.Backend.SetStatus(bit)
		} else {
			ms.Backend.ClearStatus(bit)
		}
		return nil
	}

	req := requestFor(bit, set)
	if _, overwritten := ms.RequestStatus(req); overwritten {
		e.worker.config.Logger.Warningf("monitor %q: request for server %q overwrote a pending request", monitorName, serverName)
	}
	e.worker.RequestStatusChange()
	return nil
}

func requestFor(bit backend.Status, set bool) StatusRequest {
	switch {
	case bit == backend.MAINT && set:
		return RequestMaintOn
	case bit == backend.MAINT && !set:
		return RequestMaintOff
	case bit == backend.DRAINING && set:
		return RequestDrainOn
	case bit == backend.DRAINING && !set:
		return RequestDrainOff
	default:
		return RequestNone
	}
}

// Destroy implements destroy(): STOPPED -> releases all ownership, removes
// from registry.
func (r *Registry) Destroy(monitorName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(monitorName)
	if err != nil {
		return errors.Trace(err)
	}
	if e.worker.State() != "STOPPED" {
		return errors.Trace(ErrNotStopped)
	}
	r.owned.ReleaseAll(monitorName)
	delete(r.monitors, monitorName)
	return nil
}

// Worker returns the named monitor's Worker, for diagnostics and direct
// inspection.
func (r *Registry) Worker(name string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return e.worker, nil
}

// Names returns every registered monitor name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.monitors))
	for name := range r.monitors {
		names = append(names, name)
	}
	return names
}
