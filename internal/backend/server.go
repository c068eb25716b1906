// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package backend

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
)

// DiskLimits maps a mount path to the percent-used threshold at which the
// server is considered disk-exhausted. The key "*" matches every mount not
// otherwise listed.
type DiskLimits map[string]float64

// Server is a persistent backend database server descriptor, keyed by a
// unique name. Its Status field is mutated concurrently by at most one
// MonitorWorker (all bits but the admin bits) and by the admin context
// (admin bits only, via the status_request rendezvous in package monitor).
type Server struct {
	Name     string
	Address  string
	Port     int
	Protocol string

	// MonitorUser/MonitorPassword override the cluster-wide monitor
	// credentials for this server when MonitorUser is non-empty.
	// MonitorPassword is stored encrypted; see probe.Settings.
	MonitorUser        string
	MonitorPassword    []byte
	DiskSpaceThreshold DiskLimits

	status Status

	mu           sync.Mutex
	lastEvent    string
	lastEventAt  time.Time
}

// NewServer constructs a Server with no status bits set.
func NewServer(name, address string, port int) *Server {
	return &Server{
		Name:    name,
		Address: address,
		Port:    port,
	}
}

// SetStatus atomically ORs bits into the live status.
func (s *Server) SetStatus(bits Status) {
	for {
		old := Status(atomic.LoadUint64((*uint64)(&s.status)))
		next := old | bits
		if atomic.CompareAndSwapUint64((*uint64)(&s.status), uint64(old), uint64(next)) {
			return
		}
	}
}

// ClearStatus atomically clears bits from the live status.
func (s *Server) ClearStatus(bits Status) {
	for {
		old := Status(atomic.LoadUint64((*uint64)(&s.status)))
		next := old &^ bits
		if atomic.CompareAndSwapUint64((*uint64)(&s.status), uint64(old), uint64(next)) {
			return
		}
	}
}

// SetTo atomically replaces the whole status bitmap.
func (s *Server) SetTo(bits Status) {
	atomic.StoreUint64((*uint64)(&s.status), uint64(bits))
}

// Status returns the current status bitmap.
func (s *Server) Status() Status {
	return Status(atomic.LoadUint64((*uint64)(&s.status)))
}

// StatusString is a convenience wrapper for diagnostics output.
func (s *Server) StatusString() string {
	return s.Status().String()
}

// RecordEvent stamps the server's last observed event, used for
// diagnostics; it is not consulted by routing.
func (s *Server) RecordEvent(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEvent = name
	s.lastEventAt = at
}

// LastEvent returns the most recently recorded event name and timestamp.
func (s *Server) LastEvent() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEvent, s.lastEventAt
}

// Registry is the process-wide table of backend descriptors.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*Server)}
}

// Add registers a new server. It errors if the name is already taken.
func (r *Registry) Add(s *Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[s.Name]; ok {
		return errors.AlreadyExistsf("server %q", s.Name)
	}
	r.servers[s.Name] = s
	return nil
}

// Get returns the named server, or an error satisfying errors.IsNotFound.
func (r *Registry) Get(name string) (*Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	if !ok {
		return nil, errors.NotFoundf("server %q", name)
	}
	return s, nil
}

// Remove deletes the named server from the registry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[name]; !ok {
		return errors.NotFoundf("server %q", name)
	}
	delete(r.servers, name)
	return nil
}

// All returns every registered server. The order is unspecified.
func (r *Registry) All() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out
}
