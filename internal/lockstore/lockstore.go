// Package lockstore keeps the on-disk representation of advisory locks:
// a sidecar file per locked path, stored next to the file's mirror under
// the .wnts tree. The sidecar existing and the file's write bits being
// cleared are two views of the same fact.
package lockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joshuadahlunr/wnts/internal/proto"
)

// MirrorDirName is the bookkeeping subtree kept under every managed root.
const MirrorDirName = ".wnts"

// writeBits is the permission mask a lock strips and an unlock restores.
const writeBits fs.FileMode = 0222

// ErrNotLocked is returned when reading a lock that does not exist.
var ErrNotLocked = errors.New("file is not locked")

// MirrorPath maps a managed file path to its last-known-good copy:
// dir/a/b.txt -> dir/.wnts/a/b.txt. Both sides are relative slash paths.
func MirrorPath(path string) string {
	path = strings.Trim(filepath.ToSlash(path), "/")
	parts := strings.Split(path, "/")
	if len(parts) == 1 {
		return MirrorDirName + "/" + path
	}
	return strings.Join(append([]string{parts[0], MirrorDirName}, parts[1:]...), "/")
}

// Store reads and writes lock sidecars. Every file argument is a relative
// slash path; the store resolves it under its root.
type Store struct {
	root string
}

func New(root string) *Store {
	if root == "" {
		root = "."
	}
	return &Store{root: root}
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// LockPath is where the sidecar for a file lives: the mirror's directory,
// with the filename prefixed ".lock.".
func (s *Store) LockPath(file string) string {
	mirror := MirrorPath(file)
	dir, name := filepath.Split(filepath.FromSlash(mirror))
	return filepath.Join(s.root, dir, ".lock."+name)
}

// IsLocked reports whether a sidecar exists for the file.
func (s *Store) IsLocked(file string) bool {
	_, err := os.Stat(s.LockPath(file))
	return err == nil
}

// WriteLock persists the lock message and the permission bits that were
// removed when the lock was taken.
func (s *Store) WriteLock(file string, lock *proto.Message, removed fs.FileMode) error {
	body, err := proto.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encode lock for %s: %w", file, err)
	}

	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(removed))

	path := s.LockPath(file)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create lock dir for %s: %w", file, err)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write lock sidecar for %s: %w", file, err)
	}
	return nil
}

// ReadLock loads the stored lock message and the removed permission mask.
func (s *Store) ReadLock(file string) (*proto.Message, fs.FileMode, error) {
	raw, err := os.ReadFile(s.LockPath(file))
	if os.IsNotExist(err) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotLocked, file)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read lock sidecar for %s: %w", file, err)
	}
	if len(raw) < 8 {
		return nil, 0, fmt.Errorf("lock sidecar for %s is truncated", file)
	}

	bodyLen := binary.LittleEndian.Uint32(raw)
	if int(bodyLen)+8 > len(raw) {
		return nil, 0, fmt.Errorf("lock sidecar for %s is truncated", file)
	}
	lock, err := proto.Unmarshal(raw[4 : 4+bodyLen])
	if err != nil {
		return nil, 0, fmt.Errorf("decode lock sidecar for %s: %w", file, err)
	}
	removed := fs.FileMode(binary.LittleEndian.Uint32(raw[4+bodyLen:]))
	return lock, removed, nil
}

// RemoveLock deletes the sidecar. Removing a lock that is not there is
// not an error.
func (s *Store) RemoveLock(file string) error {
	err := os.Remove(s.LockPath(file))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock sidecar for %s: %w", file, err)
	}
	return nil
}

// Take clears the file's write bits (when strip is set) and records the
// lock. The removed mask is exactly the write bits present at the moment
// of locking, so a later restore puts back only what was taken.
func (s *Store) Take(file string, lock *proto.Message, strip bool) error {
	target := s.abs(file)
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("stat %s: %w", file, err)
	}
	perms := info.Mode().Perm()
	removed := perms & writeBits

	if strip {
		if err := os.Chmod(target, perms&^writeBits); err != nil {
			return fmt.Errorf("clear write bits on %s: %w", file, err)
		}
	}
	return s.WriteLock(file, lock, removed)
}

// Release restores the permissions a lock took and removes the sidecar.
func (s *Store) Release(file string, removed fs.FileMode) error {
	target := s.abs(file)
	if info, err := os.Stat(target); err == nil {
		perms := info.Mode().Perm()
		if err := os.Chmod(target, perms|removed); err != nil {
			return fmt.Errorf("restore write bits on %s: %w", file, err)
		}
	}
	return s.RemoveLock(file)
}
