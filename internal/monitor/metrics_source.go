// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package monitor

import "github.com/dbfleet/clustermon/internal/metrics"

// MetricsSource adapts a Registry to metrics.Source, translating the
// JSON-oriented Diagnostics type into the collector's plain-value view.
type MetricsSource struct {
	Registry *Registry
}

// Names implements metrics.Source.
func (m MetricsSource) Names() []string {
	return m.Registry.Names()
}

// Diagnostics implements metrics.Source.
func (m MetricsSource) Diagnostics(name string) (metrics.Diagnostics, error) {
	diag, err := m.Registry.Diagnostics(name)
	if err != nil {
		return metrics.Diagnostics{}, err
	}
	out := metrics.Diagnostics{Ticks: diag.Ticks}
	for _, srv := range diag.Servers {
		out.Servers = append(out.Servers, metrics.ServerDiagnostics{
			Name:          srv.Name,
			Status:        srv.StatusBits,
			DiskExhausted: srv.DiskExhausted,
			DiskUsedPct:   srv.DiskUsedPct,
			ErrCount:      srv.ErrCount,
		})
	}
	return out, nil
}
