// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package ownership implements the global server-name to monitor-name
// mapping that enforces the single-monitor-per-server invariant. Every
// method here is only ever called from the admin context; there is
// deliberately no locking, matching spec §4.2 ("No locking is required
// because all callers execute on one logical thread").
package ownership

import "github.com/juju/errors"

// Table is a single-writer registry of which monitor currently owns each
// backend server.
type Table struct {
	owners map[string]string
}

// New returns an empty ownership Table.
func New() *Table {
	return &Table{owners: make(map[string]string)}
}

// Claim assigns server to monitor. If the server is already claimed by a
// different monitor, Claim fails and returns the current owner's name in
// the error, satisfying errors.IsAlreadyExists.
func (t *Table) Claim(server, monitor string) error {
	if owner, ok := t.owners[server]; ok {
		if owner == monitor {
			return nil
		}
		return errors.AlreadyExistsf("server %q claimed by monitor %q", server, owner)
	}
	t.owners[server] = monitor
	return nil
}

// Release removes server's ownership entry. Callers must have already
// stopped the owning monitor; Release does not check this itself since it
// has no way to reach the monitor's state from this package.
func (t *Table) Release(server string) {
	delete(t.owners, server)
}

// ClaimedBy returns the name of the monitor owning server, or "" if the
// server is unclaimed.
func (t *Table) ClaimedBy(server string) string {
	return t.owners[server]
}

// ReleaseAll removes every server claimed by monitor. Used by
// MonitorRegistry.Destroy.
func (t *Table) ReleaseAll(monitor string) {
	for server, owner := range t.owners {
		if owner == monitor {
			delete(t.owners, server)
		}
	}
}
