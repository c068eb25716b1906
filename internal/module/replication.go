// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package module provides a reference monitor.Module implementation for a
// classic MariaDB/MySQL primary-replica topology, exercising the Module
// hook set defined by SPEC_FULL §4.8/§9 against a real backend query
// surface.
package module

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	"github.com/dbfleet/clustermon/internal/backend"
	"github.com/dbfleet/clustermon/internal/monitor"
)

// Replication is a monitor.Module for a single-primary replication
// topology: a server is MASTER if @@read_only is off, SLAVE if
// performance_schema.replication_applier_status reports SERVICE_STATE
// "ON", and neither otherwise.
type Replication struct{}

var _ monitor.Module = Replication{}

// Name implements monitor.Module.
func (Replication) Name() string { return "replication" }

// ProbeQuery implements monitor.Module; it is also the permissions-check
// query run once on Start (spec §6).
func (Replication) ProbeQuery() string { return "SELECT @@read_only" }

// PreTick implements monitor.Module. Nothing needs to run before the probe
// pass for this module.
func (Replication) PreTick(*monitor.State) {}

// UpdateServerStatus implements monitor.Module: derives MASTER/SLAVE role
// bits and the NodeID/MasterID pair topology.Parent/Children need to build
// script placeholder lists (spec §4.6).
func (Replication) UpdateServerStatus(ms *monitor.Server) error {
	db, ok := ms.Conn.(*sql.DB)
	if !ok {
		return errors.NotValidf("connection type %T", ms.Conn)
	}
	ctx := context.Background()

	var serverID int64
	if err := db.QueryRowContext(ctx, "SELECT @@server_id").Scan(&serverID); err != nil {
		return errors.Annotate(err, "querying server_id")
	}
	ms.NodeID = int(serverID)

	var readOnly bool
	if err := db.QueryRowContext(ctx, "SELECT @@read_only").Scan(&readOnly); err != nil {
		return errors.Annotate(err, "querying read_only")
	}

	if !readOnly {
		ms.SetPending(backend.MASTER)
		ms.ClearPending(backend.SLAVE)
		ms.MasterID = 0
		return nil
	}

	running, sourceServerID, err := replicationApplierState(ctx, db)
	if err != nil {
		return errors.Annotate(err, "querying replication applier status")
	}
	if running {
		ms.SetPending(backend.SLAVE)
	} else {
		ms.ClearPending(backend.SLAVE)
	}
	ms.ClearPending(backend.MASTER)
	if sourceServerID.Valid {
		ms.MasterID = int(sourceServerID.Int64)
	}
	return nil
}

// replicationApplierState reads performance_schema.replication_applier_status
// and replication_connection_status, whose column sets are stable across
// server versions, unlike `SHOW SLAVE STATUS`'s ~40 positional columns.
func replicationApplierState(ctx context.Context, db *sql.DB) (running bool, sourceServerID sql.NullInt64, err error) {
	var serviceState string
	err = db.QueryRowContext(ctx,
		"SELECT SERVICE_STATE FROM performance_schema.replication_applier_status LIMIT 1",
	).Scan(&serviceState)
	if err == sql.ErrNoRows {
		return false, sql.NullInt64{}, nil
	}
	if err != nil {
		return false, sql.NullInt64{}, err
	}

	err = db.QueryRowContext(ctx,
		"SELECT SOURCE_SERVER_ID FROM performance_schema.replication_connection_status LIMIT 1",
	).Scan(&sourceServerID)
	if err == sql.ErrNoRows {
		err = nil
	}
	return serviceState == "ON", sourceServerID, err
}

// PostTick implements monitor.Module. Nothing needs to run after the probe
// pass for this module.
func (Replication) PostTick(*monitor.State) {}

// ImmediateTickRequired implements monitor.Module; this module never asks
// for an early wakeup beyond the admin status_change_pending signal.
func (Replication) ImmediateTickRequired(*monitor.State) bool { return false }
