// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package backend holds the process-wide table of backend database server
// descriptors and the status bitmap each one carries.
package backend

import "strings"

// Status is the bitmap carried by every BackendServer. Bits are grouped
// into role, reachability, admin and derived categories; see the
// constants below.
type Status uint64

const (
	// RUNNING means the server answered the last probe.
	RUNNING Status = 1 << iota
	// MAINT is an admin bit. The monitor never sets or clears it.
	MAINT
	// DRAINING is an admin bit. The monitor never sets or clears it.
	DRAINING
	// MASTER is a role bit.
	MASTER
	// SLAVE is a role bit.
	SLAVE
	// JOINED is a role bit, set for servers in a synced multi-master group.
	JOINED
	// AUTH_ERROR is a reachability bit: the monitor credential was rejected.
	AUTH_ERROR
	// DISK_SPACE_EXHAUSTED is derived by DiskSpaceChecker.
	DISK_SPACE_EXHAUSTED
	// WAS_MASTER is derived: sticky record of a former master, kept even
	// after RUNNING is cleared.
	WAS_MASTER
)

// RoleBits is the union of bits describing a server's replication role.
const RoleBits = MASTER | SLAVE | JOINED

// ReachabilityBits is the union of bits describing whether the monitor
// could talk to the server.
const ReachabilityBits = RUNNING | AUTH_ERROR

// AdminBits is the union of bits mutated only by the admin context.
const AdminBits = MAINT | DRAINING

// DerivedBits is the union of bits computed by the monitor rather than
// reported directly by a probe.
const DerivedBits = DISK_SPACE_EXHAUSTED | WAS_MASTER

// ReportableBits masks a status down to the bits EventClassifier cares
// about; see spec §4.5.
const ReportableBits = RUNNING | MAINT | MASTER | SLAVE | JOINED

// nameOrder controls both String()'s output order and its exhaustiveness.
var nameOrder = []struct {
	bit  Status
	name string
}{
	{RUNNING, "Running"},
	{MAINT, "Maintenance"},
	{DRAINING, "Draining"},
	{MASTER, "Master"},
	{SLAVE, "Slave"},
	{JOINED, "Joined"},
	{AUTH_ERROR, "Auth Error"},
	{DISK_SPACE_EXHAUSTED, "Disk Space"},
	{WAS_MASTER, "Was Master"},
}

// String renders a status the way an operator reading a diagnostics dump
// expects: a comma separated list of set bit names, or "Down" if none of
// them (other than the derived WAS_MASTER bit) are set.
func (s Status) String() string {
	var names []string
	for _, e := range nameOrder {
		if s&e.bit != 0 {
			names = append(names, e.name)
		}
	}
	if s&^WAS_MASTER == 0 {
		return "Down"
	}
	return strings.Join(names, ", ")
}

// Has reports whether all bits in mask are set.
func (s Status) Has(mask Status) bool {
	return s&mask == mask
}

// Any reports whether any bit in mask is set.
func (s Status) Any(mask Status) bool {
	return s&mask != 0
}
