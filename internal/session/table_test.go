// ABOUTME: Tests for the active session table
// ABOUTME: Covers first-writer-wins creation, reservation, temp dirs, and bulk cleanup

package session

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	return NewTable(filepath.Join(t.TempDir(), "scratch"), nil)
}

func TestGetOrCreate_FirstWriterWins(t *testing.T) {
	tbl := newTestTable(t)

	got := tbl.GetOrCreate("s1", Record{OwnerID: "alice", WorkingDir: "/a"})
	assert.Equal(t, "alice", got.OwnerID)

	got = tbl.GetOrCreate("s1", Record{OwnerID: "mallory", WorkingDir: "/m"})
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, "/a", got.WorkingDir)
	assert.Equal(t, 1, tbl.Len())
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	tbl := newTestTable(t)

	var wg sync.WaitGroup
	owners := make(chan string, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := tbl.GetOrCreate("s1", Record{OwnerID: string(rune('a' + i%26))})
			owners <- rec.OwnerID
		}()
	}
	wg.Wait()
	close(owners)

	first := <-owners
	for o := range owners {
		assert.Equal(t, first, o, "every caller must observe the same record")
	}
}

func TestGet_Absent(t *testing.T) {
	tbl := newTestTable(t)
	_, ok := tbl.Get("missing")
	assert.False(t, ok)
}

func TestUpdate(t *testing.T) {
	tbl := newTestTable(t)
	tbl.GetOrCreate("s1", Record{OwnerID: "alice"})

	ok := tbl.Update("s1", func(r *Record) { r.Cancelled = true })
	assert.True(t, ok)
	rec, _ := tbl.Get("s1")
	assert.True(t, rec.Cancelled)

	called := false
	assert.False(t, tbl.Update("missing", func(*Record) { called = true }))
	assert.False(t, called)
}

func TestGet_ReturnsCopy(t *testing.T) {
	tbl := newTestTable(t)
	tbl.GetOrCreate("s1", Record{OwnerID: "alice"})

	rec, _ := tbl.Get("s1")
	rec.OwnerID = "mallory"

	again, _ := tbl.Get("s1")
	assert.Equal(t, "alice", again.OwnerID)
}

func TestBeginFinish(t *testing.T) {
	tbl := newTestTable(t)
	assert.False(t, tbl.Begin("missing"))

	tbl.GetOrCreate("s1", Record{OwnerID: "alice", Cancelled: true})
	require.True(t, tbl.Begin("s1"))

	rec, _ := tbl.Get("s1")
	assert.True(t, rec.Running)
	assert.False(t, rec.Cancelled, "Begin resets a stale cancel flag")
	assert.False(t, tbl.Begin("s1"), "second pass must be refused")

	tbl.Finish("s1")
	rec, _ = tbl.Get("s1")
	assert.False(t, rec.Running)
	assert.Nil(t, rec.Process)
	assert.True(t, tbl.Begin("s1"))

	tbl.Finish("missing")
}

func TestBegin_ConcurrentAdmitsOne(t *testing.T) {
	tbl := newTestTable(t)
	tbl.GetOrCreate("s1", Record{OwnerID: "alice"})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tbl.Begin("s1") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

func TestEnsureTempDir(t *testing.T) {
	tbl := newTestTable(t)

	_, err := tbl.EnsureTempDir("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	tbl.GetOrCreate("s1", Record{OwnerID: "alice"})
	dir, err := tbl.EnsureTempDir("s1")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	again, err := tbl.EnsureTempDir("s1")
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	rec, _ := tbl.Get("s1")
	assert.Equal(t, dir, rec.TempDir)
}

func TestEnsureTempDir_ConcurrentCallersShareOneDir(t *testing.T) {
	tbl := newTestTable(t)
	tbl.GetOrCreate("s1", Record{OwnerID: "alice"})

	dirs := make([]string, 20)
	var wg sync.WaitGroup
	for i := range dirs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dir, err := tbl.EnsureTempDir("s1")
			assert.NoError(t, err)
			dirs[i] = dir
		}()
	}
	wg.Wait()

	for _, dir := range dirs {
		assert.Equal(t, dirs[0], dir)
	}
	entries, err := os.ReadDir(tbl.tempDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "losing callers remove their directories")

	rec, _ := tbl.Get("s1")
	assert.Equal(t, dirs[0], rec.TempDir)
}

func TestCleanup_RemovesTempDir(t *testing.T) {
	tbl := newTestTable(t)
	tbl.GetOrCreate("s1", Record{OwnerID: "alice"})
	dir, err := tbl.EnsureTempDir("s1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img.png"), []byte("x"), 0o600))

	tbl.Cleanup("s1")

	_, ok := tbl.Get("s1")
	assert.False(t, ok)
	assert.NoDirExists(t, dir)

	tbl.Cleanup("s1")
}

func TestCleanup_ToleratesMissingDir(t *testing.T) {
	tbl := newTestTable(t)
	tbl.GetOrCreate("s1", Record{OwnerID: "alice"})
	dir, err := tbl.EnsureTempDir("s1")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	tbl.Cleanup("s1")
	assert.Zero(t, tbl.Len())
}

func TestCleanupByUser(t *testing.T) {
	tbl := newTestTable(t)
	tbl.GetOrCreate("a1", Record{OwnerID: "alice"})
	tbl.GetOrCreate("a2", Record{OwnerID: "alice"})
	tbl.GetOrCreate("a3", Record{OwnerID: "alice"})
	tbl.GetOrCreate("b1", Record{OwnerID: "bob"})
	dir, err := tbl.EnsureTempDir("a2")
	require.NoError(t, err)
	require.True(t, tbl.Begin("a3"))

	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, tbl.OwnedBy("alice"))
	removed, running := tbl.CleanupByUser("alice")
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"a3"}, running)

	assert.Equal(t, 2, tbl.Len())
	_, ok := tbl.Get("b1")
	assert.True(t, ok)
	assert.NoDirExists(t, dir)

	tbl.Finish("a3")
	removed, running = tbl.CleanupByUser("alice")
	assert.Equal(t, 1, removed)
	assert.Empty(t, running)
}

func TestEntries_Snapshot(t *testing.T) {
	tbl := newTestTable(t)
	tbl.GetOrCreate("s1", Record{OwnerID: "alice"})
	tbl.GetOrCreate("s2", Record{OwnerID: "bob"})

	entries := tbl.Entries()
	require.Len(t, entries, 2)

	tbl.Cleanup("s1")
	assert.Len(t, entries, 2, "snapshot is unaffected by later changes")
}

func TestSweepTempRoot(t *testing.T) {
	tbl := newTestTable(t)
	tbl.GetOrCreate("live", Record{OwnerID: "alice"})
	liveDir, err := tbl.EnsureTempDir("live")
	require.NoError(t, err)

	stale := filepath.Join(tbl.tempDir, "session-old-123")
	require.NoError(t, os.MkdirAll(stale, 0o700))
	unrelated := filepath.Join(tbl.tempDir, "keep-me")
	require.NoError(t, os.MkdirAll(unrelated, 0o700))

	assert.Equal(t, 1, tbl.SweepTempRoot())
	assert.DirExists(t, liveDir)
	assert.DirExists(t, unrelated)
	assert.NoDirExists(t, stale)
}

func TestSweepTempRoot_MissingRoot(t *testing.T) {
	tbl := NewTable(filepath.Join(t.TempDir(), "never-created"), nil)
	assert.Zero(t, tbl.SweepTempRoot())
}
