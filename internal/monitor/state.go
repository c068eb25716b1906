// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package monitor

// State is the mutable context threaded through a single tick, passed to
// Module hooks. It exposes only what a module needs: the server list and
// the worker's clock/logger, never the worker's own lifecycle plumbing.
type State struct {
	Servers []*Server
	Config  *Config
}
