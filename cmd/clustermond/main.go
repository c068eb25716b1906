// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Command clustermond runs the cluster-monitoring subsystem as a
// standalone process: it loads a static cluster configuration, starts one
// MonitorWorker per configured cluster, and serves Prometheus metrics
// until terminated.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbfleet/clustermon/internal/backend"
	"github.com/dbfleet/clustermon/internal/metrics"
	"github.com/dbfleet/clustermon/internal/module"
	"github.com/dbfleet/clustermon/internal/monitor"
	"github.com/dbfleet/clustermon/internal/ownership"
)

var logger = loggo.GetLogger("clustermon.cmd")

// loggerAdapter satisfies monitor.Logger over a loggo.Logger, matching the
// small injected-logger idiom used throughout internal/worker/* in the
// teacher.
type loggerAdapter struct {
	loggo.Logger
}

func (l loggerAdapter) Debugf(message string, args ...interface{})   { l.Logger.Debugf(message, args...) }
func (l loggerAdapter) Infof(message string, args ...interface{})    { l.Logger.Infof(message, args...) }
func (l loggerAdapter) Warningf(message string, args ...interface{}) { l.Logger.Warningf(message, args...) }
func (l loggerAdapter) Errorf(message string, args ...interface{})   { l.Logger.Errorf(message, args...) }

// noopHangup satisfies monitor.Hangup for a process with no client-facing
// connection pool to notify; wiring the real one is out of scope (spec §1
// excludes the client-facing proxy front end).
type noopHangup struct{}

func (noopHangup) CloseConnectionsTo(string) {}

type clusterConfig struct {
	Name          string             `json:"name"`
	Interval      time.Duration      `json:"interval"`
	DataDir       string             `json:"data_dir"`
	ScriptPath    string             `json:"script_path"`
	ScriptTimeout time.Duration      `json:"script_timeout"`
	MonitorUser   string             `json:"monitor_user"`
	Servers       []serverConfig     `json:"servers"`
	DiskLimits    backend.DiskLimits `json:"disk_limits"`
}

type serverConfig struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a JSON cluster configuration file")
	listenAddr := flag.String("listen", ":9420", "address to serve Prometheus metrics on")
	logLevel := flag.String("log-level", "INFO", "loggo global log level")
	flag.Parse()

	if err := loggo.ConfigureLoggers(*logLevel); err != nil {
		logger.Errorf("invalid log level %q: %v", *logLevel, err)
		return 1
	}
	if *configPath == "" {
		logger.Errorf("-config is required")
		return 1
	}

	clusters, err := loadConfig(*configPath)
	if err != nil {
		logger.Errorf("loading config: %v", err)
		return 1
	}

	backends := backend.NewRegistry()
	owned := ownership.New()
	registry := monitor.NewRegistry(owned, backends, noopHangup{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := startClusters(ctx, registry, backends, clusters); err != nil {
		logger.Errorf("starting clusters: %v", err)
		return 1
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(monitor.MetricsSource{Registry: registry}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(promReg))
	server := &http.Server{Addr: *listenAddr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	for _, name := range registry.Names() {
		if err := registry.Stop(name); err != nil {
			logger.Warningf("stopping monitor %q: %v", name, err)
		}
	}
	return 0
}

func loadConfig(path string) ([]clusterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var clusters []clusterConfig
	if err := json.Unmarshal(raw, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

func startClusters(ctx context.Context, registry *monitor.Registry, backends *backend.Registry, clusters []clusterConfig) error {
	for _, cc := range clusters {
		_, err := registry.Create(cc.Name, monitor.Config{
			Module:          module.Replication{},
			Interval:        cc.Interval,
			DataDir:         cc.DataDir,
			ScriptPath:      cc.ScriptPath,
			ScriptTimeout:   cc.ScriptTimeout,
			EventMask:       monitor.AllEvents(),
			ConnectAttempts: 3,
			ConnectTimeout:  3 * time.Second,
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			MonitorUser:     cc.MonitorUser,
			DiskSpaceLimits: cc.DiskLimits,
			Clock:           clock.WallClock,
			Logger:          loggerAdapter{loggo.GetLogger("clustermon.monitor." + cc.Name)},
		})
		if err != nil {
			return err
		}

		for _, sc := range cc.Servers {
			b := backend.NewServer(sc.Name, sc.Address, sc.Port)
			if err := backends.Add(b); err != nil {
				return err
			}
			if _, err := registry.AddServer(cc.Name, b); err != nil {
				return err
			}
		}

		if err := registry.Start(ctx, cc.Name); err != nil {
			return err
		}
	}
	return nil
}
