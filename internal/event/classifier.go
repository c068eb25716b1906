// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package event is a pure function from (previous, current) backend status
// to a typed cluster event, ported from the decision table in
// server/core/monitor.cc's MonitorServer::get_event_type.
package event

import "github.com/dbfleet/clustermon/internal/backend"

// Kind identifies one of the events the classifier can produce.
type Kind int

const (
	Undefined Kind = iota
	MasterUp
	SlaveUp
	SyncedUp
	ServerUp
	MasterDown
	SlaveDown
	SyncedDown
	ServerDown
	LostMaster
	LostSlave
	LostSynced
	NewMaster
	NewSlave
	NewSynced
)

var kindNames = map[Kind]string{
	Undefined:  "undefined",
	MasterUp:   "master_up",
	SlaveUp:    "slave_up",
	SyncedUp:   "synced_up",
	ServerUp:   "server_up",
	MasterDown: "master_down",
	SlaveDown:  "slave_down",
	SyncedDown: "synced_down",
	ServerDown: "server_down",
	LostMaster: "lost_master",
	LostSlave:  "lost_slave",
	LostSynced: "lost_synced",
	NewMaster:  "new_master",
	NewSlave:   "new_slave",
	NewSynced:  "new_synced",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsMasterTransition reports whether k is MasterDown, MasterUp or
// NewMaster — the trio the MonitorWorker tick loop watches for to emit a
// same-tick "master switch" notice (spec §4.8 step 6).
func (k Kind) IsMasterTransition() bool {
	return k == MasterDown || k == MasterUp || k == NewMaster
}

type category int

const (
	catUp category = iota
	catDown
	catLost
	catNew
)

// Classify implements the decision table of spec §4.5. Calling it with
// prev == curr (after masking to backend.ReportableBits) is a programming
// error and returns Undefined; callers must not report Undefined events.
func Classify(prev, curr backend.Status) Kind {
	prev &= backend.ReportableBits
	curr &= backend.ReportableBits

	if prev == curr {
		return Undefined
	}

	var cat category
	switch {
	case prev&backend.RUNNING == 0 && curr&backend.RUNNING != 0:
		cat = catUp
	case prev&backend.RUNNING != 0 && curr&backend.RUNNING == 0:
		cat = catDown
	case prev&backend.RUNNING != 0 && curr&backend.RUNNING != 0:
		prevRole := prev & (backend.MASTER | backend.SLAVE)
		currRole := curr & (backend.MASTER | backend.SLAVE)
		if (prevRole == 0 || currRole == 0 || prevRole == currRole) && prev&backend.RoleBits != 0 {
			cat = catLost
		} else {
			cat = catNew
		}
	default:
		return Undefined
	}

	switch cat {
	case catUp:
		return roleFlavored(curr, MasterUp, SlaveUp, SyncedUp, ServerUp)
	case catDown:
		return roleFlavored(prev, MasterDown, SlaveDown, SyncedDown, ServerDown)
	case catLost:
		return roleFlavored(prev, LostMaster, LostSlave, LostSynced, Undefined)
	case catNew:
		return roleFlavored(curr, NewMaster, NewSlave, NewSynced, Undefined)
	default:
		return Undefined
	}
}

// roleFlavored picks the event matching the highest priority role bit set
// in status: MASTER > SLAVE > JOINED > none.
func roleFlavored(status backend.Status, master, slave, synced, none Kind) Kind {
	switch {
	case status&backend.MASTER != 0:
		return master
	case status&backend.SLAVE != 0:
		return slave
	case status&backend.JOINED != 0:
		return synced
	default:
		return none
	}
}
