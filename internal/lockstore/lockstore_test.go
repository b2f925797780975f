package lockstore

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuadahlunr/wnts/internal/proto"
)

func TestMirrorPath(t *testing.T) {
	assert.Equal(t, "dir/.wnts/a/b.txt", MirrorPath("dir/a/b.txt"))
	assert.Equal(t, "dir/.wnts/f.txt", MirrorPath("dir/f.txt"))
	assert.Equal(t, ".wnts/f.txt", MirrorPath("f.txt"))
}

func TestLockRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0755))
	abs := filepath.Join(root, "dir", "f.txt")
	require.NoError(t, os.WriteFile(abs, []byte("content"), 0644))

	lock := &proto.Message{
		Type:       proto.TypeLock,
		Receiver:   proto.Broadcast,
		Originator: netip.MustParseAddr("fd00::7"),
		TargetPath: "dir/f.txt",
		Timestamp:  time.Unix(1650000000, 0),
	}
	lock.Hash = lock.Sum()

	assert.False(t, s.IsLocked("dir/f.txt"))
	require.NoError(t, s.Take("dir/f.txt", lock, true))
	assert.True(t, s.IsLocked("dir/f.txt"))

	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0222, "write bits must be cleared while locked")

	stored, removed, err := s.ReadLock("dir/f.txt")
	require.NoError(t, err)
	assert.Equal(t, lock.Originator, stored.Originator)
	assert.Equal(t, lock.Timestamp.Unix(), stored.Timestamp.Unix())
	assert.Equal(t, os.FileMode(0200), removed&0200)

	require.NoError(t, s.Release("dir/f.txt", removed))
	assert.False(t, s.IsLocked("dir/f.txt"))

	info, err = os.Stat(abs)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0200, "write bits must come back on release")
}

func TestSidecarLivesInMirrorDir(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	assert.Equal(t,
		filepath.Join(root, "dir", ".wnts", "sub", ".lock.f.txt"),
		s.LockPath("dir/sub/f.txt"))
}

func TestTakeWithoutStripKeepsWriteBits(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0755))
	abs := filepath.Join(root, "dir", "own.txt")
	require.NoError(t, os.WriteFile(abs, []byte("x"), 0644))

	lock := &proto.Message{
		Type:       proto.TypeLock,
		Originator: netip.MustParseAddr("fd00::1"),
		TargetPath: "dir/own.txt",
		Timestamp:  time.Unix(100, 0),
	}
	require.NoError(t, s.Take("dir/own.txt", lock, false))

	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0200, "the lock holder keeps its own write access")
	assert.True(t, s.IsLocked("dir/own.txt"))
}

func TestReadLockMissing(t *testing.T) {
	s := New(t.TempDir())
	_, _, err := s.ReadLock("dir/nothere.txt")
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestRemoveLockIdempotent(t *testing.T) {
	s := New(t.TempDir())
	assert.NoError(t, s.RemoveLock("dir/nothere.txt"))
}
