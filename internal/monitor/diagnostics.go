// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package monitor

import (
	"encoding/json"

	"github.com/dbfleet/clustermon/internal/backend"
)

// ServerDiagnostics is the read-only per-server view assembled into a
// Diagnostics record (SPEC_FULL §4.10).
type ServerDiagnostics struct {
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	StatusBits    backend.Status `json:"-"`
	LastEvent     string         `json:"last_event,omitempty"`
	DiskExhausted bool           `json:"disk_space_exhausted"`
	DiskUsedPct   float64        `json:"disk_used_percent"`
	ErrCount      int            `json:"err_count"`
}

// Diagnostics is a point-in-time snapshot of one monitor, assembled purely
// from already-owned state (no I/O), consumed by the excluded REST/admin
// layer.
type Diagnostics struct {
	Name    string              `json:"name"`
	Module  string              `json:"module"`
	State   string              `json:"state"`
	Ticks   uint64              `json:"ticks"`
	Master  string              `json:"master,omitempty"`
	Servers []ServerDiagnostics `json:"servers"`
}

// MarshalJSON encodes Diagnostics through an alias type with the
// encoding/json defaults, so fields appear in the struct's declaration
// order under the tag names above.
func (d Diagnostics) MarshalJSON() ([]byte, error) {
	type alias Diagnostics
	return json.Marshal(alias(d))
}

// Diagnostics assembles a Diagnostics record for the named monitor.
func (r *Registry) Diagnostics(name string) (Diagnostics, error) {
	r.mu.Lock()
	e, err := r.lookup(name)
	r.mu.Unlock()
	if err != nil {
		return Diagnostics{}, err
	}

	w := e.worker
	diag := Diagnostics{
		Name:   w.Name(),
		Module: w.config.Module.Name(),
		State:  w.State(),
		Ticks:  w.Ticks(),
		Master: w.MasterName(),
	}
	for _, ms := range w.config.Servers {
		status := ms.Backend.Status()
		lastEvent, _ := ms.Backend.LastEvent()
		diag.Servers = append(diag.Servers, ServerDiagnostics{
			Name:          ms.Backend.Name,
			Status:        status.String(),
			StatusBits:    status,
			LastEvent:     lastEvent,
			DiskExhausted: status.Has(backend.DISK_SPACE_EXHAUSTED),
			DiskUsedPct:   ms.DiskUsedPercent,
			ErrCount:      ms.ErrCount,
		})
	}
	return diag, nil
}
