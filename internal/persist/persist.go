// Package persist implements the persistence *interface* named in
// spec §6's "Persisted state layout" — not the excluded
// "volume/storage layer" feature, which would mean block/overlay
// filesystem volume management. This package only ever round-trips
// the fixed per-container record {name, parent-name, state,
// exit_status, oom_killed, respawn_count, start_time_ms,
// death_time_ms, persistent-property map}; nothing here manages an
// actual filesystem volume.
//
// Grounded on the teacher's config-file-as-single-parsed-struct idiom
// (runsc/config) for the on-disk shape, and on the teacher's go.mod
// dependency on gofrs/flock for the advisory lock guarding concurrent
// daemon instances from corrupting the state file.
package persist

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/portod/portod-go/internal/portoerr"
	"github.com/portod/portod-go/internal/property"
)

// lockTimeout bounds how long Save/LoadAll/Delete wait for the
// advisory lock before failing with Busy, matching the rest of the
// daemon's "every suspension point has an explicit timeout" rule.
const lockTimeout = 2 * time.Second

// Record is one container's persisted record, per spec §6's layout.
type Record struct {
	Name         string                    `json:"name"`
	ParentName   string                    `json:"parent_name"`
	State        string                    `json:"state"`
	ExitStatus   int                       `json:"exit_status"`
	OomKilled    bool                      `json:"oom_killed"`
	RespawnCount uint                      `json:"respawn_count"`
	StartTimeMs  int64                     `json:"start_time_ms"`
	DeathTimeMs  int64                     `json:"death_time_ms"`
	Properties   map[string]property.Value `json:"properties"`
}

// Store is the persistence interface the core depends on: save one
// container's record, load every record back at startup, drop a
// record on destroy. A deployment can swap in any implementation that
// satisfies this without the core knowing the on-disk (or
// not-on-disk) shape underneath.
type Store interface {
	Save(rec Record) *portoerr.Error
	LoadAll() ([]Record, *portoerr.Error)
	Delete(name string) *portoerr.Error
}

// fileStore is the reference Store: one JSON file per daemon,
// advisory-locked with gofrs/flock for the duration of each
// read-modify-write so two daemon instances pointed at the same file
// can't interleave writes and corrupt it.
type fileStore struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// NewFileStore opens (without yet locking) a JSON-file-backed Store
// at path, creating its parent directory if needed.
func NewFileStore(path string) (Store, *portoerr.Error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, portoerr.Errno(portoerr.Filesystem, 0, "creating persist dir: %v", err)
	}
	return &fileStore{path: path, lock: flock.New(path + ".lock")}, nil
}

func (s *fileStore) withLock(fn func() *portoerr.Error) *portoerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil || !locked {
		return portoerr.New(portoerr.Busy, "acquiring persist lock on %s: %v", s.path, err)
	}
	defer s.lock.Unlock()
	return fn()
}

func (s *fileStore) readAll() (map[string]Record, *portoerr.Error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, portoerr.Errno(portoerr.IO, 0, "reading persist file: %v", err)
	}
	if len(data) == 0 {
		return map[string]Record{}, nil
	}
	records := make(map[string]Record)
	if jerr := json.Unmarshal(data, &records); jerr != nil {
		return nil, portoerr.New(portoerr.IO, "decoding persist file: %v", jerr)
	}
	return records, nil
}

func (s *fileStore) writeAll(records map[string]Record) *portoerr.Error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return portoerr.New(portoerr.IO, "encoding persist file: %v", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return portoerr.Errno(portoerr.IO, 0, "writing persist tmpfile: %v", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return portoerr.Errno(portoerr.IO, 0, "renaming persist file: %v", err)
	}
	return nil
}

// Save writes or replaces rec's entry, per spec §6: "persistent
// fields are serialized on every commit of the container."
func (s *fileStore) Save(rec Record) *portoerr.Error {
	return s.withLock(func() *portoerr.Error {
		records, err := s.readAll()
		if err != nil {
			return err
		}
		records[rec.Name] = rec
		return s.writeAll(records)
	})
}

// LoadAll returns every persisted record, used at daemon startup to
// repopulate the container tree's persistent/postmortem fields.
func (s *fileStore) LoadAll() ([]Record, *portoerr.Error) {
	var out []Record
	err := s.withLock(func() *portoerr.Error {
		records, err := s.readAll()
		if err != nil {
			return err
		}
		out = make([]Record, 0, len(records))
		for _, r := range records {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Delete removes name's record, called on destroy(name).
func (s *fileStore) Delete(name string) *portoerr.Error {
	return s.withLock(func() *portoerr.Error {
		records, err := s.readAll()
		if err != nil {
			return err
		}
		delete(records, name)
		return s.writeAll(records)
	})
}
