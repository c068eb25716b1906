// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package diskspace implements the optional periodic probe that queries a
// backend's disk usage information table and marks it exhausted when any
// watched mount crosses its threshold.
package diskspace

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/dbfleet/clustermon/internal/backend"
)

var logger = loggo.GetLogger("clustermon.diskspace")

// ErrInfoTableMissing is returned by Query when the server has no
// disk-usage information table. Callers should clear their sticky
// ok-to-check flag on this error and never probe again (spec §4.4, §7).
var ErrInfoTableMissing = errors.New("disk-space information table missing")

// Mount is one row of the server's disk-usage information table.
type Mount struct {
	Path      string
	Total     uint64
	Available uint64
}

// UsedPercent computes (total-available)/total*100, or 0 if Total is 0.
func (m Mount) UsedPercent() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Total-m.Available) / float64(m.Total) * 100
}

// Querier fetches the current disk-usage rows from a backend. Production
// code implements it over the same *sql.DB connection the prober keeps
// open; tests substitute a fake.
type Querier interface {
	QueryDiskSpace(ctx context.Context) ([]Mount, error)
}

// sqlQuerier is the production Querier, reading MariaDB/MySQL's
// information_schema.disks-style table (module-specific in the real
// server; represented here as a fixed query against a conventional
// name so the checker stays module-agnostic).
type sqlQuerier struct {
	db *sql.DB
}

// NewSQLQuerier wraps db as a Querier.
func NewSQLQuerier(db *sql.DB) Querier {
	return &sqlQuerier{db: db}
}

func (q *sqlQuerier) QueryDiskSpace(ctx context.Context) ([]Mount, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT Path, Total, Available FROM information_schema.disks")
	if err != nil {
		if isMissingTable(err) {
			return nil, ErrInfoTableMissing
		}
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var mounts []Mount
	for rows.Next() {
		var m Mount
		if err := rows.Scan(&m.Path, &m.Total, &m.Available); err != nil {
			return nil, errors.Trace(err)
		}
		mounts = append(mounts, m)
	}
	return mounts, errors.Trace(rows.Err())
}

// isMissingTable is a placeholder for driver-specific "no such table"
// classification; the mysql driver reports this via a *mysql.MySQLError
// with number 1146.
func isMissingTable(err error) bool {
	type mysqlNumberer interface {
		Number() uint16
	}
	if me, ok := err.(mysqlNumberer); ok {
		return me.Number() == 1146
	}
	return false
}

// Limits merges a server's per-server disk-space thresholds over the
// cluster-wide defaults. A "*" entry in either map applies to every
// mount not otherwise explicitly listed; per spec §9's Open Question, a
// mount matching both an explicit entry and "*" is checked exactly once,
// using the explicit threshold.
type Limits = backend.DiskLimits

// thresholdFor returns the threshold that applies to path, and whether
// any threshold applies at all.
func thresholdFor(path string, limits Limits) (float64, bool) {
	if t, ok := limits[path]; ok {
		return t, true
	}
	if t, ok := limits["*"]; ok {
		return t, true
	}
	return 0, false
}

// mergeLimits overlays server-specific limits on top of cluster-wide
// defaults; server entries win per key.
func mergeLimits(clusterDefault, serverSpecific Limits) Limits {
	merged := make(Limits, len(clusterDefault)+len(serverSpecific))
	for k, v := range clusterDefault {
		merged[k] = v
	}
	for k, v := range serverSpecific {
		merged[k] = v
	}
	return merged
}

// Checker runs the disk-space probe at most once per Interval across all
// servers sharing one MonitorWorker tick.
type Checker struct {
	Interval time.Duration
	Clock    clock.Clock

	lastRun time.Time
	ran     bool
}

// NewChecker returns a Checker for a given cadence.
func NewChecker(interval time.Duration, clk clock.Clock) *Checker {
	return &Checker{Interval: interval, Clock: clk}
}

// Due reports whether at least Interval has elapsed since the last
// completed Run, satisfying the "disk-check cadence" invariant (spec §8
// item 6). A zero Interval means "every tick".
func (c *Checker) Due() bool {
	if c.Interval <= 0 {
		return true
	}
	return !c.ran || c.Clock.Now().Sub(c.lastRun) >= c.Interval
}

// MarkRun stamps the cadence clock as having run this cycle. Callers
// evaluate Due once per tick, across every server sharing the tick, and
// call MarkRun once regardless of how many servers are actually checked
// against it — cadence is shared cluster-wide, not reset by the first
// server probed (spec §4.4: "so all servers are probed together or not
// at all").
func (c *Checker) MarkRun() {
	c.lastRun = c.Clock.Now()
	c.ran = true
}

// CheckResult is the per-server outcome of one disk-space check.
type CheckResult struct {
	Exhausted bool
	// UsedPercent is the highest UsedPercent seen across every watched
	// mount, regardless of whether it crossed its threshold. It is the
	// value the disk_used_percent gauge exposes (SPEC_FULL §4.9); it is
	// only meaningful when Err is nil and at least one mount matched a
	// configured threshold.
	UsedPercent float64
	// Err is the query error, if any: ErrInfoTableMissing when the server
	// has no information table, or any other query failure. Either way the
	// server's previous exhaustion state is left untouched and the caller
	// logs the error once (spec §7).
	Err error
}

// Check runs one disk-space query against q, merging clusterDefault and
// serverSpecific limits. It does not itself advance the cadence clock —
// callers running Check for several servers within the same due tick
// call MarkRun once, not once per server — nor does it mutate any
// backend.Server; the caller applies CheckResult.Exhausted to the
// server's pending status.
func (c *Checker) Check(ctx context.Context, q Querier, clusterDefault, serverSpecific Limits) CheckResult {
	mounts, err := q.QueryDiskSpace(ctx)
	if err != nil {
		return CheckResult{Err: err}
	}

	merged := mergeLimits(clusterDefault, serverSpecific)
	explicit := make(map[string]bool, len(merged))
	for path := range merged {
		if path != "*" {
			explicit[path] = true
		}
	}

	exhausted := false
	worst := 0.0
	for _, m := range mounts {
		threshold, ok := thresholdFor(m.Path, merged)
		if !ok {
			continue
		}
		used := m.UsedPercent()
		if used > worst {
			worst = used
		}
		if used >= threshold {
			exhausted = true
			logger.Warningf("mount %q at %.1f%% meets or exceeds threshold %.1f%%", m.Path, used, threshold)
		}
	}
	return CheckResult{Exhausted: exhausted, UsedPercent: worst}
}
