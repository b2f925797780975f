package sweeper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	created, modified, deleted []string
	lockHints, unlockHints     []string
	fastTracked, unFastTracked []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnCreated:       func(p string) { r.created = append(r.created, p) },
		OnModified:      func(p string) { r.modified = append(r.modified, p) },
		OnDeleted:       func(p string) { r.deleted = append(r.deleted, p) },
		OnLockHint:      func(p string) { r.lockHints = append(r.lockHints, p) },
		OnUnlockHint:    func(p string) { r.unlockHints = append(r.unlockHints, p) },
		OnFastTracked:   func(p string) { r.fastTracked = append(r.fastTracked, p) },
		OnUnFastTracked: func(p string) { r.unFastTracked = append(r.unFastTracked, p) },
	}
}

func setupRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "managed", "sub"), 0755))
	return root
}

func TestSweepDetectsCreateModifyDelete(t *testing.T) {
	root := setupRoot(t)
	rec := &recorder{}
	s := New(root, []string{"managed"}, rec.callbacks(), nil)

	file := filepath.Join(root, "managed", "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("one"), 0644))

	s.Sweep(true)
	assert.Equal(t, []string{"managed/a.txt"}, rec.created)
	assert.Equal(t, []string{"managed/a.txt"}, rec.fastTracked)

	// a second sweep with no changes stays quiet
	s.Sweep(true)
	assert.Len(t, rec.created, 1)
	assert.Empty(t, rec.modified)

	// push the mtime forward; polling clocks can be coarse
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(file, future, future))
	s.Sweep(true)
	assert.Equal(t, []string{"managed/a.txt"}, rec.modified)

	require.NoError(t, os.Remove(file))
	s.Sweep(true)
	assert.Equal(t, []string{"managed/a.txt"}, rec.deleted)
}

func TestFastTrackSweepOnlyVisitsHotFiles(t *testing.T) {
	root := setupRoot(t)
	rec := &recorder{}
	s := New(root, []string{"managed"}, rec.callbacks(), nil)

	hot := filepath.Join(root, "managed", "hot.txt")
	cold := filepath.Join(root, "managed", "cold.txt")
	require.NoError(t, os.WriteFile(hot, []byte("h"), 0644))
	require.NoError(t, os.WriteFile(cold, []byte("c"), 0644))

	s.Sweep(true)
	require.Len(t, rec.created, 2)

	// force everything off the fast track by shrinking the quiet window
	old := fastTrackQuiet
	fastTrackQuiet = 0
	s.Sweep(true)
	fastTrackQuiet = old
	assert.Len(t, rec.unFastTracked, 2)

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(hot, future, future))
	s.Sweep(true) // total sweep notices, re-fast-tracks hot
	require.Equal(t, []string{"managed/hot.txt"}, rec.modified)

	future = future.Add(2 * time.Second)
	require.NoError(t, os.Chtimes(hot, future, future))
	require.NoError(t, os.Chtimes(cold, future, future))
	s.Sweep(false) // fast-track sweep: only hot is visited
	assert.Equal(t, []string{"managed/hot.txt", "managed/hot.txt"}, rec.modified)
}

func TestSweepIgnoresMirrorTree(t *testing.T) {
	root := setupRoot(t)
	rec := &recorder{}
	s := New(root, []string{"managed"}, rec.callbacks(), nil)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "managed", ".wnts"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "managed", ".wnts", "ghost.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "managed", "real.txt"), []byte("y"), 0644))

	s.Sweep(true)
	assert.Equal(t, []string{"managed/real.txt"}, rec.created)
}

func TestWritabilityTransitions(t *testing.T) {
	root := setupRoot(t)
	rec := &recorder{}
	s := New(root, []string{"managed"}, rec.callbacks(), nil)

	file := filepath.Join(root, "managed", "locked.txt")
	require.NoError(t, os.WriteFile(file, []byte("z"), 0644))

	s.Sweep(true)
	assert.Empty(t, rec.lockHints, "first sighting establishes a baseline, no hint")

	require.NoError(t, os.Chmod(file, 0444))
	s.Sweep(true)
	assert.Equal(t, []string{"managed/locked.txt"}, rec.lockHints)

	require.NoError(t, os.Chmod(file, 0644))
	s.Sweep(true)
	assert.Equal(t, []string{"managed/locked.txt"}, rec.unlockHints)
}

func TestSetupSeedsMirror(t *testing.T) {
	root := setupRoot(t)
	s := New(root, []string{"managed"}, Callbacks{}, nil)

	require.NoError(t, os.WriteFile(filepath.Join(root, "managed", "sub", "deep.txt"), []byte("deep"), 0644))
	require.NoError(t, s.Setup())

	content, err := os.ReadFile(filepath.Join(root, "managed", ".wnts", "sub", "deep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep", string(content))
}

func TestTotalSweepEveryN(t *testing.T) {
	root := setupRoot(t)
	rec := &recorder{}
	s := New(root, []string{"managed"}, rec.callbacks(), nil)

	require.NoError(t, os.WriteFile(filepath.Join(root, "managed", "n.txt"), []byte("n"), 0644))

	s.TotalSweepEveryN(3) // iteration 0: total
	assert.Len(t, rec.created, 1)

	require.NoError(t, os.WriteFile(filepath.Join(root, "managed", "late.txt"), []byte("l"), 0644))
	s.TotalSweepEveryN(3) // iteration 1: fast track only, misses late.txt
	assert.Len(t, rec.created, 1)
	s.TotalSweepEveryN(3) // iteration 2: still fast track
	s.TotalSweepEveryN(3) // iteration 3: total again
	assert.Len(t, rec.created, 2)
}
