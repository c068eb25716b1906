// Copyright 2026 Clustermon Authors.
// Licensed under the AGPL-3.0, see LICENSE file for details.

// Package journal implements the per-monitor binary snapshot that lets a
// MonitorWorker warm-start its cluster view across proxy restarts. See
// spec §4.7 and §6.
package journal

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("clustermon.journal")

// SchemaVersion is the only version this package writes and accepts on
// read; any other value is rejected (spec §6).
const SchemaVersion uint8 = 2

const (
	tagServer byte = 1
	tagMaster byte = 2
)

// FileName is the name of the journal file within a monitor's data
// directory.
const FileName = "monitor.dat"

// ServerEntry is one monitored server's persisted status.
type ServerEntry struct {
	Name   string
	Status uint64
}

// Snapshot is the in-memory representation of one journal record: every
// monitored server's last-written status, plus the name of the server
// that was master when the snapshot was taken (empty if none).
type Snapshot struct {
	Servers []ServerEntry
	Master  string
}

// Hash returns a stable digest of the snapshot's encoded form, used by
// the write path to skip I/O when nothing changed (spec §4.7 step 3,
// §8 item 8).
func Hash(s Snapshot) [sha1.Size]byte {
	encoded, _ := Encode(s)
	return sha1.Sum(encoded)
}

// Encode serializes s into the on-disk record layout: length prefix,
// schema version, tagged entries, CRC-32.
func Encode(s Snapshot) ([]byte, error) {
	var payload bytes.Buffer
	payload.WriteByte(SchemaVersion)

	for _, e := range s.Servers {
		if err := writeNamedTag(&payload, tagServer, e.Name); err != nil {
			return nil, errors.Trace(err)
		}
		var statusBuf [8]byte
		binary.LittleEndian.PutUint64(statusBuf[:], e.Status)
		payload.Write(statusBuf[:])
	}
	if s.Master != "" {
		if err := writeNamedTag(&payload, tagMaster, s.Master); err != nil {
			return nil, errors.Trace(err)
		}
	}

	body := payload.Bytes()
	crc := crc32.ChecksumIEEE(body)

	var out bytes.Buffer
	var lengthBuf [4]byte
	binary.LittleEndian.PutUint32(lengthBuf[:], uint32(len(body)+4))
	out.Write(lengthBuf[:])
	out.Write(body)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	out.Write(crcBuf[:])
	return out.Bytes(), nil
}

func writeNamedTag(buf *bytes.Buffer, tag byte, name string) error {
	buf.WriteByte(tag)
	buf.WriteString(name)
	buf.WriteByte(0)
	return nil
}

// Decode parses buf into a Snapshot, validating the length prefix,
// schema version and CRC-32. Any structural anomaly (unknown tag,
// missing NUL terminator, short read, CRC mismatch, wrong schema
// version) aborts the decode and returns an error; the caller is
// expected to discard the journal and proceed with empty state (spec
// §4.7 step 5, §7).
func Decode(buf []byte) (Snapshot, error) {
	if len(buf) < 4 {
		return Snapshot{}, errors.New("journal: buffer shorter than length prefix")
	}
	length := binary.LittleEndian.Uint32(buf[:4])
	rest := buf[4:]
	if uint32(len(rest)) != length {
		return Snapshot{}, errors.Errorf("journal: length prefix %d does not match payload of %d bytes", length, len(rest))
	}
	if length < 5 {
		return Snapshot{}, errors.New("journal: payload too short for schema version and CRC")
	}

	body := rest[:length-4]
	storedCRC := binary.LittleEndian.Uint32(rest[length-4:])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return Snapshot{}, errors.New("journal: CRC-32 mismatch")
	}

	if body[0] != SchemaVersion {
		return Snapshot{}, errors.Errorf("journal: unsupported schema version %d", body[0])
	}

	var snap Snapshot
	pos := 1
	for pos < len(body) {
		tag := body[pos]
		pos++
		nulIdx := bytes.IndexByte(body[pos:], 0)
		if nulIdx < 0 {
			return Snapshot{}, errors.New("journal: name missing NUL terminator")
		}
		name := string(body[pos : pos+nulIdx])
		pos += nulIdx + 1

		switch tag {
		case tagServer:
			if pos+8 > len(body) {
				return Snapshot{}, errors.New("journal: truncated server status")
			}
			status := binary.LittleEndian.Uint64(body[pos : pos+8])
			pos += 8
			snap.Servers = append(snap.Servers, ServerEntry{Name: name, Status: status})
		case tagMaster:
			snap.Master = name
		default:
			return Snapshot{}, errors.Errorf("journal: unknown tag %d", tag)
		}
	}
	return snap, nil
}

// Store manages the on-disk journal for a single monitor. It is
// single-writer by construction: exactly one MonitorWorker owns a given
// Store.
type Store struct {
	DataDir     string
	MonitorName string
	MaxAge      time.Duration

	lastHash [sha1.Size]byte
	hasHash  bool
}

// NewStore returns a Store rooted at <dataDir>/<monitorName>/.
func NewStore(dataDir, monitorName string, maxAge time.Duration) *Store {
	return &Store{DataDir: dataDir, MonitorName: monitorName, MaxAge: maxAge}
}

func (s *Store) dir() string {
	return filepath.Join(s.DataDir, s.MonitorName)
}

func (s *Store) path() string {
	return filepath.Join(s.dir(), FileName)
}

// Load implements the read path of spec §4.7: a journal older than MaxAge
// is deleted unread; a decode failure is logged once and the file's
// contents are ignored (the file stays until the next Save replaces it).
// Load returns (Snapshot{}, false, nil) whenever the worker should start
// with empty state, and never returns a non-nil error for expected
// conditions (missing file, stale file, corrupt file) since none of them
// are fatal to worker startup.
func (s *Store) Load() (Snapshot, bool, error) {
	info, err := os.Stat(s.path())
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, errors.Trace(err)
	}

	if s.MaxAge > 0 && time.Since(info.ModTime()) > s.MaxAge {
		logger.Infof("journal for monitor %q is older than %s, discarding", s.MonitorName, s.MaxAge)
		os.Remove(s.path())
		return Snapshot{}, false, nil
	}

	raw, err := os.ReadFile(s.path())
	if err != nil {
		return Snapshot{}, false, errors.Trace(err)
	}

	snap, err := Decode(raw)
	if err != nil {
		logger.Errorf("journal for monitor %q failed to decode, starting with empty state: %v", s.MonitorName, err)
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

// Save implements the write path of spec §4.7: hash-gated, temp file plus
// atomic rename, non-fatal on failure. On success it records the new
// hash so an unchanged snapshot on the next tick is a no-op (spec §8
// item 8).
func (s *Store) Save(snap Snapshot) error {
	encoded, err := Encode(snap)
	if err != nil {
		return errors.Trace(err)
	}
	hash := sha1.Sum(encoded)
	if s.hasHash && hash == s.lastHash {
		return nil
	}

	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return errors.Trace(err)
	}

	tmpName := filepath.Join(s.dir(), "."+FileName+"."+uuid.NewString())
	if err := os.WriteFile(tmpName, encoded, 0o644); err != nil {
		os.Remove(tmpName)
		return errors.Annotate(err, "writing journal temp file")
	}

	if err := os.Rename(tmpName, s.path()); err != nil {
		os.Remove(tmpName)
		return errors.Annotate(err, "renaming journal into place")
	}

	s.lastHash = hash
	s.hasHash = true
	return nil
}

// LastHash returns the digest of the most recently written snapshot and
// whether one has been written yet, for tests exercising the hash-gated
// write property (spec §8 item 8).
func (s *Store) LastHash() ([sha1.Size]byte, bool) {
	return s.lastHash, s.hasHash
}
