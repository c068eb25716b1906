// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package metrics exposes the runtime-query surface of SPEC_FULL §4.9/§6 as
// a prometheus.Collector: per-monitor tick counts and per-server error
// counts, disk usage and status bitmaps, gathered on demand rather than
// pushed, since the values already live inside each MonitorWorker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/dbfleet/clustermon/internal/backend"
)

const namespace = "clustermon"

// Source is the read-only view into monitor state the collector pulls
// from at scrape time. *monitor.Registry satisfies it without this
// package importing monitor, avoiding an import cycle back to the
// worker/registry types.
type Source interface {
	Names() []string
	Diagnostics(name string) (Diagnostics, error)
}

// Diagnostics mirrors the fields of monitor.Diagnostics that metrics
// needs, decoupled from that package's JSON-marshaling concerns.
type Diagnostics struct {
	Ticks   uint64
	Servers []ServerDiagnostics
}

// ServerDiagnostics mirrors monitor.ServerDiagnostics.
type ServerDiagnostics struct {
	Name          string
	Status        backend.Status
	DiskExhausted bool
	DiskUsedPct   float64
	ErrCount      int
}

// Collector is a prometheus.Collector gathering every registered monitor's
// state at scrape time.
type Collector struct {
	source Source

	ticks         *prometheus.Desc
	errCount      *prometheus.Desc
	statusBits    *prometheus.Desc
	diskExhausted *prometheus.Desc
	diskUsedPct   *prometheus.Desc
}

// NewCollector returns a Collector reading from source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		ticks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ticks_total"),
			"Number of completed tick loop iterations for this monitor.",
			[]string{"monitor"}, nil,
		),
		errCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "server_err_count"),
			"Consecutive failed probes for a server since its last successful probe.",
			[]string{"monitor", "server"}, nil,
		),
		statusBits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "server_status_bits"),
			"Raw status bitmap for a server, as an unsigned integer.",
			[]string{"monitor", "server"}, nil,
		),
		diskExhausted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "server_disk_space_exhausted"),
			"1 if the server's disk-space check reported exhaustion, else 0.",
			[]string{"monitor", "server"}, nil,
		),
		diskUsedPct: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "disk_used_percent"),
			"Highest disk usage percentage across the server's watched mounts on its last check.",
			[]string{"monitor", "server"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ticks
	ch <- c.errCount
	ch <- c.statusBits
	ch <- c.diskExhausted
	ch <- c.diskUsedPct
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.source.Names() {
		diag, err := c.source.Diagnostics(name)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(diag.Ticks), name)
		for _, srv := range diag.Servers {
			ch <- prometheus.MustNewConstMetric(c.errCount, prometheus.GaugeValue, float64(srv.ErrCount), name, srv.Name)
			ch <- prometheus.MustNewConstMetric(c.statusBits, prometheus.GaugeValue, float64(srv.Status), name, srv.Name)
			exhausted := 0.0
			if srv.DiskExhausted {
				exhausted = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.diskExhausted, prometheus.GaugeValue, exhausted, name, srv.Name)
			ch <- prometheus.MustNewConstMetric(c.diskUsedPct, prometheus.GaugeValue, srv.DiskUsedPct, name, srv.Name)
		}
	}
}

// Handler returns an http.Handler serving reg's metrics in the Prometheus
// exposition format, for the excluded admin listener to mount (SPEC_FULL
// §6).
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
