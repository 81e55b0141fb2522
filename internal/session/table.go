// ABOUTME: Active session table mapping session ids to their live runtime record
// ABOUTME: Owns per-session scratch directories and removes them on cleanup

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/2389/coven-workbench/internal/agent"
)

// ErrNotFound is returned when an operation needs a record that does not exist.
var ErrNotFound = errors.New("session not active")

// Record is the runtime state of one session. It is only ever handed out
// by value; mutate it through Table.Update.
type Record struct {
	OwnerID    string
	WorkingDir string
	Process    agent.Process // nil while no agent is running
	TempDir    string        // scratch directory for uploads, empty until needed
	Cancelled  bool          // set by an explicit cancel during the current run
	Running    bool          // an execution pass holds the session
}

// Entry pairs a session id with a snapshot of its record.
type Entry struct {
	ID     string
	Record Record
}

// Table is the in-memory set of active sessions.
type Table struct {
	mu      sync.Mutex
	records map[string]*Record
	tempDir string
	logger  *slog.Logger
}

// NewTable creates a table whose scratch directories live under tempRoot.
func NewTable(tempRoot string, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		records: make(map[string]*Record),
		tempDir: tempRoot,
		logger:  logger.With("component", "sessions"),
	}
}

// GetOrCreate returns the record for id, inserting initial if there is none.
// An existing record is never replaced.
func (t *Table) GetOrCreate(id string, initial Record) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[id]; ok {
		return *rec
	}
	rec := initial
	t.records[id] = &rec
	t.logger.Debug("session activated", "session_id", id, "owner_id", rec.OwnerID)
	return rec
}

// Get returns a copy of the record for id.
func (t *Table) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update applies fn to the record for id under the table lock. It returns
// false, without calling fn, if the record does not exist. fn must not block.
func (t *Table) Update(id string, fn func(*Record)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Begin reserves id for one execution pass and clears any stale cancel flag.
// It returns false if the record is missing or already running.
func (t *Table) Begin(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok || rec.Running {
		return false
	}
	rec.Running = true
	rec.Cancelled = false
	return true
}

// Finish ends the execution pass started by Begin, dropping the process handle.
func (t *Table) Finish(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[id]; ok {
		rec.Running = false
		rec.Process = nil
	}
}

// EnsureTempDir returns the scratch directory for id, creating it on first use.
// The directory is made without holding the table lock; when two callers
// race, the first to record its directory wins and the other's is removed.
func (t *Table) EnsureTempDir(id string) (string, error) {
	if dir, err := t.tempDirOf(id); dir != "" || err != nil {
		return dir, err
	}

	if err := os.MkdirAll(t.tempDir, 0o700); err != nil {
		return "", fmt.Errorf("creating temp root: %w", err)
	}
	dir, err := os.MkdirTemp(t.tempDir, "session-"+filepath.Base(id)+"-")
	if err != nil {
		return "", fmt.Errorf("creating session temp dir: %w", err)
	}

	t.mu.Lock()
	rec, ok := t.records[id]
	winner := dir
	switch {
	case !ok:
		winner = ""
	case rec.TempDir != "":
		winner = rec.TempDir
	default:
		rec.TempDir = dir
	}
	t.mu.Unlock()

	if winner != dir {
		t.removeTempDir(id, dir)
	}
	if winner == "" {
		return "", ErrNotFound
	}
	return winner, nil
}

func (t *Table) tempDirOf(id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return "", ErrNotFound
	}
	return rec.TempDir, nil
}

// Cleanup forgets id and removes its scratch directory. Missing records and
// directories are fine; removal errors are logged, not returned.
func (t *Table) Cleanup(id string) {
	t.mu.Lock()
	rec, ok := t.records[id]
	delete(t.records, id)
	t.mu.Unlock()

	if !ok {
		return
	}
	t.removeTempDir(id, rec.TempDir)
	t.logger.Debug("session cleaned up", "session_id", id)
}

// CleanupByUser cleans up every idle session owned by ownerID. Sessions with
// an execution pass in flight are left in place and returned so the caller
// can retry once they finish.
func (t *Table) CleanupByUser(ownerID string) (removed int, running []string) {
	t.mu.Lock()
	var gone []Entry
	for id, rec := range t.records {
		if rec.OwnerID != ownerID {
			continue
		}
		if rec.Running {
			running = append(running, id)
			continue
		}
		gone = append(gone, Entry{ID: id, Record: *rec})
		delete(t.records, id)
	}
	t.mu.Unlock()

	for _, e := range gone {
		t.removeTempDir(e.ID, e.Record.TempDir)
	}
	if len(gone) > 0 {
		t.logger.Info("cleaned up user sessions", "owner_id", ownerID, "count", len(gone), "still_running", len(running))
	}
	return len(gone), running
}

func (t *Table) removeTempDir(id, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		t.logger.Warn("removing session temp dir", "session_id", id, "dir", dir, "error", err)
	}
}

// Entries returns a point-in-time snapshot of every record.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.records))
	for id, rec := range t.records {
		out = append(out, Entry{ID: id, Record: *rec})
	}
	return out
}

// OwnedBy returns the ids of sessions owned by ownerID.
func (t *Table) OwnedBy(ownerID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, rec := range t.records {
		if rec.OwnerID == ownerID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of active sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// SweepTempRoot removes leftover session directories under the temp root
// that no active record owns. It is meant for startup, after a crash.
func (t *Table) SweepTempRoot() int {
	entries, err := os.ReadDir(t.tempDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("reading temp root", "dir", t.tempDir, "error", err)
		}
		return 0
	}

	t.mu.Lock()
	live := make(map[string]bool, len(t.records))
	for _, rec := range t.records {
		if rec.TempDir != "" {
			live[rec.TempDir] = true
		}
	}
	t.mu.Unlock()

	removed := 0
	for _, e := range entries {
		dir := filepath.Join(t.tempDir, e.Name())
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "session-") || live[dir] {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			t.logger.Warn("removing stale temp dir", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		t.logger.Info("removed stale session temp dirs", "count", removed)
	}
	return removed
}
