// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package probe implements the retrying ping/connect primitive
// MonitorWorker uses to decide whether a backend server is reachable.
package probe

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("clustermon.probe")

// Outcome classifies the result of a single Probe call.
type Outcome int

const (
	// EXISTING_OK means the existing handle answered a cheap liveness
	// check and was reused without reconnecting.
	EXISTING_OK Outcome = iota
	// NEWCONN_OK means a fresh connection was established.
	NEWCONN_OK
	// TIMEOUT means the last connect attempt exceeded ConnectTimeout.
	TIMEOUT
	// REFUSED means every connect attempt failed for a reason other than
	// a timeout (connection refused, DNS failure, auth error, ...).
	REFUSED
)

func (o Outcome) String() string {
	switch o {
	case EXISTING_OK:
		return "existing connection ok"
	case NEWCONN_OK:
		return "new connection ok"
	case TIMEOUT:
		return "timeout"
	case REFUSED:
		return "refused"
	default:
		return "unknown"
	}
}

// OK reports whether the outcome represents a usable connection.
func (o Outcome) OK() bool {
	return o == EXISTING_OK || o == NEWCONN_OK
}

// Settings bundles the timing and credential configuration a Probe call
// needs. It is normally shared cluster-wide, with per-server overrides
// applied by the caller before invoking Probe (see Credentials).
type Settings struct {
	ConnectAttempts int
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	// ClusterUser/ClusterPassword hold the cluster-wide monitor
	// credentials. Probe does not read them: it connects with
	// Target.Creds, which the caller resolves.
	ClusterUser     string
	ClusterPassword []byte

	Clock clock.Clock
}

// Validate reports whether Settings has enough information to attempt a
// connection.
func (s Settings) Validate() error {
	if s.ConnectAttempts <= 0 {
		return errors.NotValidf("ConnectAttempts %d", s.ConnectAttempts)
	}
	if s.ConnectTimeout <= 0 {
		return errors.NotValidf("ConnectTimeout %s", s.ConnectTimeout)
	}
	if s.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Credentials resolves the effective monitor credentials for a server:
// its own MonitorUser/MonitorPassword override the cluster defaults when
// MonitorUser is non-empty (spec §4.3).
type Credentials struct {
	User string
	// Decrypt returns the plaintext password for one connection attempt.
	// The caller must overwrite the returned slice with zeroes once the
	// attempt completes; Probe does this itself.
	Decrypt func() ([]byte, error)
}

// Target identifies the backend server to probe.
type Target struct {
	Address string
	Port    int
	Creds   Credentials
}

// Conn is the subset of *sql.DB that Probe needs; it exists so tests can
// substitute a mock without dialing a real server.
type Conn interface {
	PingContext(ctx context.Context) error
	Close() error
}

// dialFunc opens a new connection using a DSN built by DSN. It is a
// package variable so tests can stub it out; the production
// implementation wraps database/sql with the mysql driver. It takes dsn
// as a byte slice so the caller can zero it the moment this call
// returns, rather than handing sql.Open (and this closure) a
// long-lived, un-zeroable Go string.
var dialFunc = func(dsn []byte) (Conn, error) {
	return sql.Open("mysql", string(dsn))
}

// Probe attempts to reach target, reusing existing if it is non-nil and
// answers a cheap liveness check. Probe always returns a handle: on
// EXISTING_OK/NEWCONN_OK it is the live connection to keep for the next
// tick; on TIMEOUT/REFUSED it is nil and any prior handle has been
// closed.
func Probe(ctx context.Context, target Target, settings Settings, existing Conn) (Outcome, Conn, error) {
	if err := settings.Validate(); err != nil {
		return REFUSED, nil, errors.Trace(err)
	}

	if existing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, settings.ReadTimeout)
		err := existing.PingContext(pingCtx)
		cancel()
		if err == nil {
			return EXISTING_OK, existing, nil
		}
		existing.Close()
	}

	var (
		conn      Conn
		lastStart time.Time
	)
	strategy := retry.CallArgs{
		Clock:    settings.Clock,
		Attempts: settings.ConnectAttempts,
		// retry.CallArgs.Validate rejects a literal zero Delay, but a
		// negative duration satisfies it while still firing immediately
		// (clock.Clock.After treats d <= 0 as "already elapsed"),
		// preserving the no-wait-between-attempts behavior.
		Delay: -1,
		Func: func() error {
			lastStart = settings.Clock.Now()

			// Decrypted and rebuilt into a short-lived buffer on every
			// attempt, then zeroed as soon as this attempt is done with
			// it (spec §4.3), rather than once outside the retry loop
			// into a Go string that lives, unzeroable, across every
			// attempt.
			password, decryptErr := target.Creds.Decrypt()
			if decryptErr != nil {
				return errors.Annotate(decryptErr, "decrypting monitor credential")
			}
			dsn := buildDSN(target, target.Creds.User, password, settings)
			zero(password)

			c, dialErr := dialFunc(dsn)
			zero(dsn)
			if dialErr != nil {
				return dialErr
			}
			connectCtx, cancel := context.WithTimeout(ctx, settings.ConnectTimeout)
			defer cancel()
			if pingErr := c.PingContext(connectCtx); pingErr != nil {
				c.Close()
				return pingErr
			}
			conn = c
			return nil
		},
	}

	if err := retry.Call(strategy); err != nil {
		// retry.Call wraps the last Func error inside its own
		// attemptsExceeded type, which errors.Cause can't see through;
		// unwrap it here so callers (e.g. AUTH_ERROR detection in
		// package monitor) can still errors.Cause down to the
		// underlying driver error.
		err = retry.LastError(err)
		if settings.Clock.Now().Sub(lastStart) >= settings.ConnectTimeout {
			logger.Debugf("probe of %s:%d timed out: %v", target.Address, target.Port, err)
			return TIMEOUT, nil, errors.Trace(err)
		}
		logger.Debugf("probe of %s:%d refused: %v", target.Address, target.Port, err)
		return REFUSED, nil, errors.Trace(err)
	}
	return NEWCONN_OK, conn, nil
}

func buildDSN(target Target, user string, password []byte, settings Settings) []byte {
	return DSN(target, user, password, settings.ConnectTimeout)
}

// DSN formats a go-sql-driver/mysql data source name for target using an
// already-resolved credential, into a freshly allocated byte slice
// rather than a Go string, so the caller can zero it immediately after
// passing it to dialFunc (spec §4.3). Exported so callers outside Probe
// (the one-time permissions check in package monitor) can open the same
// kind of connection without duplicating the format, and are expected to
// zero the returned slice themselves once they're done with it.
func DSN(target Target, user string, password []byte, timeout time.Duration) []byte {
	buf := make([]byte, 0, len(user)+len(password)+len(target.Address)+48)
	buf = append(buf, user...)
	buf = append(buf, ':')
	buf = append(buf, password...)
	buf = append(buf, "@tcp("...)
	buf = append(buf, target.Address...)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(target.Port), 10)
	buf = append(buf, ")/?timeout="...)
	buf = append(buf, timeout.String()...)
	return buf
}

// Addr formats a server address the way script placeholders and logs do:
// "[address]:port" (spec §6).
func Addr(address string, port int) string {
	return fmt.Sprintf("[%s]:%d", address, port)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
