// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

package monitor

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	jujuworker "github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/dbfleet/clustermon/internal/backend"
	"github.com/dbfleet/clustermon/internal/diskspace"
	"github.com/dbfleet/clustermon/internal/event"
	"github.com/dbfleet/clustermon/internal/journal"
	"github.com/dbfleet/clustermon/internal/probe"
	"github.com/dbfleet/clustermon/internal/script"
)

// probeFunc is a package variable so tests can substitute a scripted probe
// outcome without dialing a real server, matching probe.dialFunc's own
// stubbing idiom one layer up.
var probeFunc = probe.Probe

// baseInterval bounds how long the scheduler sleeps between checks for an
// early wakeup signal, matching spec §4.8's "sleeps in chunks of at most
// a small base interval (e.g. 100 ms)".
const baseInterval = 100 * time.Millisecond

// lifecycle mirrors the {STOPPED, STARTING, RUNNING, STOPPING} state
// machine of spec §4.8.
type lifecycle int32

const (
	lcStopped lifecycle = iota
	lcStarting
	lcRunning
	lcStopping
)

// ErrNotStopped is returned by any structural mutation attempted while a
// Worker is not STOPPED (spec §3's invariant).
var ErrNotStopped = errors.New("monitor is not stopped")

// ErrNotRunning is returned by Stop when the worker is not RUNNING.
var ErrNotRunning = errors.New("monitor is not running")

// ErrPermissionsCheckFailed is returned by Start when the one-time
// permissions check hits a fatal-class error for some server (spec §6,
// §7).
var ErrPermissionsCheckFailed = errors.New("permissions check failed")

// Hangup lets the tick loop tell the excluded client-facing front end to
// force-close connections riding on a backend that just became unusable
// (spec §4.8 step 7). Front-end wiring is out of scope; production code
// supplies a real implementation, tests a recording fake.
type Hangup interface {
	CloseConnectionsTo(serverName string)
}

// Worker drives one cluster's tick loop on a dedicated goroutine,
// implementing github.com/juju/worker/v4's Worker interface.
type Worker struct {
	tomb   tomb.Tomb
	name   string
	config Config
	hangup Hangup

	state lifecycle

	ticks               atomic.Uint64
	statusChangePending atomic.Bool

	journalStore *journal.Store
	launcher     *script.Launcher
	diskChecker  *diskspace.Checker

	mu         sync.Mutex
	masterName string
}

var _ jujuworker.Worker = (*Worker)(nil)

// New validates config and returns a STOPPED Worker; it does not start
// the tick loop (spec §6: create() precondition is only "name not
// registered", handled by MonitorRegistry).
func New(config Config, hangup Hangup) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	maxAge := config.JournalMaxAge
	if maxAge <= 0 {
		maxAge = DefaultJournalMaxAge
	}
	w := &Worker{
		name:         config.Name,
		config:       config,
		hangup:       hangup,
		journalStore: journal.NewStore(config.DataDir, config.Name, maxAge),
		launcher:     script.NewLauncher(config.ScriptPath, config.ScriptTimeout),
		diskChecker:  diskspace.NewChecker(config.DiskSpaceCheckInterval, config.Clock),
	}
	return w, nil
}

// Reconfigure replaces the server list and settings; only legal while
// STOPPED (spec §3, §6's configure() precondition).
func (w *Worker) Reconfigure(config Config) error {
	if lifecycle(atomic.LoadInt32((*int32)(&w.state))) != lcStopped {
		return errors.Trace(ErrNotStopped)
	}
	if err := config.Validate(); err != nil {
		return errors.Trace(err)
	}
	config.Name = w.name
	w.config = config
	w.launcher = script.NewLauncher(config.ScriptPath, config.ScriptTimeout)
	w.diskChecker = diskspace.NewChecker(config.DiskSpaceCheckInterval, config.Clock)
	return nil
}

// Name returns the monitor's immutable name.
func (w *Worker) Name() string { return w.name }

// Ticks returns the number of completed ticks. It is safe to call from
// any goroutine and is strictly monotonic while RUNNING (spec §8 item 3).
func (w *Worker) Ticks() uint64 { return w.ticks.Load() }

// State reports the worker's current lifecycle state.
func (w *Worker) State() string {
	switch lifecycle(atomic.LoadInt32((*int32)(&w.state))) {
	case lcStopped:
		return "STOPPED"
	case lcStarting:
		return "STARTING"
	case lcRunning:
		return "RUNNING"
	case lcStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// RequestStatusChange wakes the worker early on its next scheduling
// check, matching the status_change_pending cell of spec §5. Losing a
// wakeup is tolerable: the next scheduled tick observes the request
// regardless.
func (w *Worker) RequestStatusChange() {
	w.statusChangePending.Store(true)
}

// Start runs the one-time permissions check against every configured
// server and, if none fail with a fatal-class error, launches the tick
// loop. The admin-thread rendezvous of spec §4.8 collapses into this
// call: permission checks are themselves synchronous, so by the time
// Start returns without error the worker is already RUNNING.
func (w *Worker) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32((*int32)(&w.state), int32(lcStopped), int32(lcStarting)) {
		return errors.Trace(ErrNotStopped)
	}

	for _, ms := range w.config.Servers {
		if err := w.checkPermissions(ctx, ms); err != nil {
			atomic.StoreInt32((*int32)(&w.state), int32(lcStopped))
			return errors.Annotatef(err, "permissions check failed for server %q", ms.Backend.Name)
		}
	}

	if snap, ok, err := w.journalStore.Load(); err != nil {
		w.config.Logger.Warningf("monitor %q: journal load error: %v", w.name, err)
	} else if ok {
		w.applyJournal(snap)
	}

	atomic.StoreInt32((*int32)(&w.state), int32(lcRunning))
	w.tomb.Go(w.loop)
	return nil
}

// checkPermissionsExec performs the one-time probe-query exec against a
// DSN. It is a package variable so tests can substitute a scripted
// outcome without dialing a real server, mirroring probeFunc's stubbing
// idiom. dsn is a byte slice, not a string, so the caller can zero it
// the instant this call returns (spec §4.3).
var checkPermissionsExec = func(ctx context.Context, dsn []byte, query string) error {
	db, err := sql.Open("mysql", string(dsn))
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, query)
	return err
}

// checkPermissions runs the module's probe query against ms, classifying
// errors per spec §6: access-denied on the monitor user is fatal;
// table/column/procedure access-denied is tolerated; anything else is a
// soft failure that still allows the monitor to start.
func (w *Worker) checkPermissions(ctx context.Context, ms *Server) error {
	creds := w.credentialsFor(ms)
	password, err := creds.Decrypt()
	if err != nil {
		return errors.Annotate(err, "decrypting monitor credential")
	}
	target := probe.Target{Address: ms.Backend.Address, Port: ms.Backend.Port, Creds: creds}
	dsn := probe.DSN(target, creds.User, password, w.config.ConnectTimeout)
	zero(password)

	connectCtx, cancel := context.WithTimeout(ctx, w.config.ConnectTimeout)
	defer cancel()
	err = checkPermissionsExec(connectCtx, dsn, w.config.Module.ProbeQuery())
	zero(dsn)
	if err == nil {
		return nil
	}

	switch classifyPermissionError(err) {
	case permFatal:
		return errors.Trace(err)
	case permTolerated:
		return nil
	default:
		w.config.Logger.Warningf("monitor %q: soft failure running probe query on %q: %v", w.name, ms.Backend.Name, err)
		return nil
	}
}

type permClass int

const (
	permSoft permClass = iota
	permFatal
	permTolerated
)

// classifyPermissionError distinguishes an access-denied error on the
// monitor user itself (fatal) from an access-denied error on the probe
// query's table/column/procedure (tolerated).
func classifyPermissionError(err error) permClass {
	type mysqlNumberer interface {
		Number() uint16
	}
	me, ok := err.(mysqlNumberer)
	if !ok {
		return permSoft
	}
	switch me.Number() {
	case 1045: // ER_ACCESS_DENIED_ERROR
		return permFatal
	case 1142, 1143, 1370: // ER_TABLEACCESS_DENIED_ERROR, ER_COLUMNACCESS_DENIED_ERROR, ER_PROCACCESS_DENIED_ERROR
		return permTolerated
	default:
		return permSoft
	}
}

func (w *Worker) credentialsFor(ms *Server) probe.Credentials {
	user := w.config.MonitorUser
	password := w.config.MonitorPassword
	if ms.Backend.MonitorUser != "" {
		user = ms.Backend.MonitorUser
		password = ms.Backend.MonitorPassword
	}
	return probe.Credentials{
		User: user,
		Decrypt: func() ([]byte, error) {
			return decrypt(password)
		},
	}
}

// zero overwrites b with zeroes, mirroring probe's own helper for the
// same purpose: neither package exports one, since each only ever zeroes
// buffers it allocated itself.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// decrypt is a placeholder for the credential-store integration named as
// an excluded collaborator in spec §1; monitor credentials arrive
// already in the clear from that collaborator in this repository, so
// decryption is the identity function over a defensive copy.
func decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	copy(out, ciphertext)
	return out, nil
}

func (w *Worker) applyJournal(snap journal.Snapshot) {
	byName := make(map[string]*Server, len(w.config.Servers))
	for _, ms := range w.config.Servers {
		byName[ms.Backend.Name] = ms
	}
	for _, entry := range snap.Servers {
		ms, ok := byName[entry.Name]
		if !ok {
			continue
		}
		ms.prevStatus = entry.Status
		ms.Backend.SetTo(backend.Status(entry.Status))
	}
}

// Kill implements the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait implements the worker.Worker interface.
func (w *Worker) Wait() error {
	err := w.tomb.Wait()
	if errors.Cause(err) == tomb.ErrStillAlive {
		return nil
	}
	return err
}

// Stop transitions a RUNNING worker back to STOPPED, closing every
// backend connection handle (spec §4.8).
func (w *Worker) Stop() error {
	if !atomic.CompareAndSwapInt32((*int32)(&w.state), int32(lcRunning), int32(lcStopping)) {
		return errors.Trace(ErrNotRunning)
	}
	w.Kill()
	err := w.Wait()
	for _, ms := range w.config.Servers {
		if ms.Conn != nil {
			ms.Conn.Close()
			ms.Conn = nil
		}
	}
	atomic.StoreInt32((*int32)(&w.state), int32(lcStopped))
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (w *Worker) loop() error {
	for {
		tickStart := w.config.Clock.Now()
		if err := w.tick(w.tomb.Context(context.Background())); err != nil {
			return errors.Trace(err)
		}

		deadline := tickStart.Add(w.config.Interval)
		if err := w.sleepUntil(deadline); err != nil {
			return err
		}
	}
}

// sleepUntil waits in baseInterval chunks until deadline, waking early on
// statusChangePending, an ImmediateTickRequired module signal, or tomb
// death (spec §4.8 Scheduling).
func (w *Worker) sleepUntil(deadline time.Time) error {
	for {
		now := w.config.Clock.Now()
		if !now.Before(deadline) {
			return nil
		}
		if w.statusChangePending.Load() {
			return nil
		}
		if w.config.Module.ImmediateTickRequired(&State{Servers: w.config.Servers, Config: &w.config}) {
			return nil
		}

		wait := deadline.Sub(now)
		if wait > baseInterval {
			wait = baseInterval
		}
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.config.Clock.After(wait):
		}
	}
}

// tick runs one full pass over every configured server, implementing
// spec §4.8 steps 1-9.
func (w *Worker) tick(ctx context.Context) error {
	w.drainAdminRequests()

	state := &State{Servers: w.config.Servers, Config: &w.config}
	w.config.Module.PreTick(state)

	// Due is evaluated once for the whole tick, and MarkRun is called at
	// most once, so cadence is shared across every server rather than
	// reset by whichever server is probed first (spec §4.4: "so all
	// servers are probed together or not at all").
	diskDue := w.diskChecker.Due()
	if diskDue {
		w.diskChecker.MarkRun()
	}

	for _, ms := range w.config.Servers {
		w.probeOne(ctx, ms, diskDue)
	}

	w.config.Module.PostTick(state)

	w.flushPending()

	masterSwitch := w.processStateChanges(ctx)
	if masterSwitch {
		w.config.Logger.Infof("monitor %q: master switch detected within one tick", w.name)
	}

	w.hangupDeadConnections()

	if err := w.persistJournal(); err != nil {
		w.config.Logger.Warningf("monitor %q: journal write error: %v", w.name, err)
	}

	w.ticks.Add(1)
	return nil
}

func (w *Worker) drainAdminRequests() {
	if !w.statusChangePending.CompareAndSwap(true, false) {
		return
	}
	for _, ms := range w.config.Servers {
		switch ms.TakeRequest() {
		case RequestMaintOn:
			ms.Backend.SetStatus(backend.MAINT)
		case RequestMaintOff:
			ms.Backend.ClearStatus(backend.MAINT)
		case RequestDrainOn:
			ms.Backend.SetStatus(backend.DRAINING)
		case RequestDrainOff:
			ms.Backend.ClearStatus(backend.DRAINING)
		}
	}
}

func (w *Worker) probeOne(ctx context.Context, ms *Server, diskDue bool) {
	if ms.Backend.Status().Has(backend.MAINT) {
		return
	}

	current := ms.Backend.Status()
	ms.prevStatus = uint64(current)
	ms.pendingStatus = uint64(current)

	target := probe.Target{
		Address: ms.Backend.Address,
		Port:    ms.Backend.Port,
		Creds:   w.credentialsFor(ms),
	}
	settings := probe.Settings{
		ConnectAttempts: w.config.ConnectAttempts,
		ConnectTimeout:  w.config.ConnectTimeout,
		ReadTimeout:     w.config.ReadTimeout,
		WriteTimeout:    w.config.WriteTimeout,
		Clock:           w.config.Clock,
	}

	outcome, conn, err := probeFunc(ctx, target, settings, ms.Conn)
	if err != nil {
		w.config.Logger.Warningf("monitor %q: probe error for %q: %v", w.name, ms.Backend.Name, err)
	}
	ms.Conn = conn

	if outcome.OK() {
		ms.ErrCount = 0
		ms.ClearPending(backend.AUTH_ERROR)
		ms.SetPending(backend.RUNNING)

		if diskDue && ms.OkToCheckDiskSpace() {
			w.runDiskCheck(ctx, ms)
		}

		if err := w.config.Module.UpdateServerStatus(ms); err != nil {
			w.config.Logger.Warningf("monitor %q: update_server_status failed for %q: %v", w.name, ms.Backend.Name, err)
		}
	} else {
		wasMaster := ms.PendingStatus().Has(backend.MASTER) || current.Has(backend.WAS_MASTER)
		// Admin bits survive a failed probe: only the admin context sets
		// or clears them.
		ms.SetPendingStatus(current & backend.AdminBits)
		if wasMaster {
			ms.SetPending(backend.WAS_MASTER)
		}
		if outcome == probe.REFUSED && isAuthError(err) {
			ms.SetPending(backend.AUTH_ERROR)
		}
		if ms.ErrCount == 0 && current != ms.PendingStatus() {
			w.config.Logger.Warningf("monitor %q: server %q is down (%s)", w.name, ms.Backend.Name, outcome)
		}
		ms.ErrCount++
	}
}

// isAuthError reports whether err represents a credential rejection
// rather than a network-level refusal (spec §4.8 step 3, §7). err
// arrives wrapped by probe.Probe's errors.Trace, so the underlying
// *mysql.MySQLError is reached through errors.Cause before the type
// assertion.
func isAuthError(err error) bool {
	type mysqlNumberer interface {
		Number() uint16
	}
	me, ok := errors.Cause(err).(mysqlNumberer)
	return ok && me.Number() == 1045
}

func (w *Worker) runDiskCheck(ctx context.Context, ms *Server) {
	if ms.Conn == nil {
		return
	}
	db, ok := ms.Conn.(*sql.DB)
	if !ok {
		return
	}
	result := w.diskChecker.Check(ctx, diskspace.NewSQLQuerier(db), w.config.DiskSpaceLimits, ms.MonitorLimits)
	if result.Err != nil {
		if errors.Cause(result.Err) == diskspace.ErrInfoTableMissing {
			ms.DisableDiskSpaceCheck()
			w.config.Logger.Errorf("monitor %q: server %q has no disk-space information table, disabling checks", w.name, ms.Backend.Name)
		} else {
			w.config.Logger.Warningf("monitor %q: disk-space check failed for %q: %v", w.name, ms.Backend.Name, result.Err)
		}
		return
	}
	ms.DiskUsedPercent = result.UsedPercent
	if result.Exhausted {
		ms.SetPending(backend.DISK_SPACE_EXHAUSTED)
	} else {
		ms.ClearPending(backend.DISK_SPACE_EXHAUSTED)
	}
}

func (w *Worker) flushPending() {
	for _, ms := range w.config.Servers {
		if ms.Backend.Status().Has(backend.MAINT) {
			continue
		}
		ms.Backend.SetTo(ms.PendingStatus())
	}
}

// processStateChanges implements spec §4.8 step 6: classify every
// reportable transition, log it, stamp the server, and fire the script
// if the event is in the configured mask. It returns whether this tick
// contained both a master-down and a master-up/new-master transition.
func (w *Worker) processStateChanges(ctx context.Context) bool {
	var sawMasterDown, sawMasterUp bool
	now := w.config.Clock.Now()

	for _, ms := range w.config.Servers {
		prev := ms.PrevStatus() & backend.ReportableBits
		curr := ms.Backend.Status() & backend.ReportableBits
		if prev == curr {
			continue
		}
		if prev.Any(backend.RUNNING) == false && curr.Any(backend.RUNNING) == false {
			continue
		}
		if prev^curr == backend.MAINT {
			continue
		}

		kind := event.Classify(prev, curr)
		if kind == event.Undefined {
			continue
		}

		ms.Backend.RecordEvent(kind.String(), now)
		w.config.Logger.Infof("monitor %q: %s: %s -> %s", w.name, ms.Backend.Name, kind, curr)

		switch kind {
		case event.MasterDown:
			sawMasterDown = true
		case event.MasterUp, event.NewMaster:
			sawMasterUp = true
		}

		if w.config.EventMask[kind] && w.config.ScriptPath != "" {
			w.fireScript(ctx, ms, kind)
		}
	}
	return sawMasterDown && sawMasterUp
}

func (w *Worker) fireScript(ctx context.Context, initiator *Server, kind event.Kind) {
	scriptCtx := script.Context{
		Initiator: probe.Addr(initiator.Backend.Address, initiator.Backend.Port),
		Event:     kind.String(),
	}

	nodes := make([]script.Node, 0, len(w.config.Servers))
	for _, ms := range w.config.Servers {
		nodes = append(nodes, script.Node{
			Name: ms.Backend.Name, Address: ms.Backend.Address, Port: ms.Backend.Port,
			NodeID: ms.NodeID, MasterID: ms.MasterID,
		})
		addr := probe.Addr(ms.Backend.Address, ms.Backend.Port)
		status := ms.Backend.Status()
		scriptCtx.List = append(scriptCtx.List, addr)
		if status.Has(backend.RUNNING) {
			scriptCtx.NodeList = append(scriptCtx.NodeList, addr)
		}
		if status.Has(backend.MASTER) {
			scriptCtx.MasterList = append(scriptCtx.MasterList, addr)
		}
		if status.Has(backend.SLAVE) {
			scriptCtx.SlaveList = append(scriptCtx.SlaveList, addr)
		}
		if status.Has(backend.JOINED) {
			scriptCtx.SyncedList = append(scriptCtx.SyncedList, addr)
		}

		creds := w.credentialsFor(ms)
		password, err := creds.Decrypt()
		if err != nil {
			w.config.Logger.Warningf("monitor %q: decrypting monitor credential for %q's script context: %v", w.name, ms.Backend.Name, err)
			continue
		}
		scriptCtx.Credentials = append(scriptCtx.Credentials, creds.User+":"+string(password)+"@"+addr)
		zero(password)
	}

	var self script.Node
	for _, n := range nodes {
		if n.Name == initiator.Backend.Name {
			self = n
			break
		}
	}
	if parent, ok := script.Parent(self, nodes); ok {
		scriptCtx.Parent = probe.Addr(parent.Address, parent.Port)
	}
	for _, child := range script.Children(self, nodes) {
		scriptCtx.Children = append(scriptCtx.Children, probe.Addr(child.Address, child.Port))
	}

	if err := w.launcher.Launch(ctx, scriptCtx); err != nil {
		w.config.Logger.Warningf("monitor %q: script launch error: %v", w.name, err)
	}
}

func (w *Worker) hangupDeadConnections() {
	if w.hangup == nil {
		return
	}
	for _, ms := range w.config.Servers {
		prev := ms.PrevStatus()
		curr := ms.Backend.Status()
		if prev.Has(backend.RUNNING) && !curr.Has(backend.RUNNING) {
			w.hangup.CloseConnectionsTo(ms.Backend.Name)
		}
	}
}

func (w *Worker) persistJournal() error {
	snap := journal.Snapshot{}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.masterName = ""
	for _, ms := range w.config.Servers {
		status := ms.Backend.Status()
		snap.Servers = append(snap.Servers, journal.ServerEntry{Name: ms.Backend.Name, Status: uint64(status)})
		if status.Has(backend.MASTER) {
			w.masterName = ms.Backend.Name
		}
	}
	snap.Master = w.masterName
	return w.journalStore.Save(snap)
}

// MasterName returns the name of the server currently believed to be
// master, or "" if none. Safe to call from any goroutine.
func (w *Worker) MasterName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.masterName
}

// snapshotHash exposes the journal's last-written digest for tests
// exercising the hash-gated write property (spec §8 item 8).
func (w *Worker) snapshotHash() ([sha1.Size]byte, bool) {
	return w.journalStore.LastHash()
}
