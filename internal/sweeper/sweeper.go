// Package sweeper is the polling filesystem watcher. Each call to Sweep
// scans either every managed file (a total sweep) or just the recently
// active subset (the fast track) and reports what changed through
// callbacks. Nothing here talks to the network; the callbacks do.
package sweeper

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joshuadahlunr/wnts/internal/lockstore"
)

// fastTrackQuiet is how long a file may sit unmodified before it leaves
// the fast track. A variable so tests can shorten the wait.
var fastTrackQuiet = 10 * time.Second

// Callbacks receive sweep events with paths relative to the root.
// Created/Modified/Deleted are the core events; LockHint/UnlockHint fire
// on write-bit transitions (someone chmodded the file); FastTracked /
// UnFastTracked track the hot set. Any callback may be nil.
type Callbacks struct {
	OnCreated       func(path string)
	OnModified      func(path string)
	OnDeleted       func(path string)
	OnLockHint      func(path string)
	OnUnlockHint    func(path string)
	OnFastTracked   func(path string)
	OnUnFastTracked func(path string)
}

type stamp struct {
	mtime     time.Time
	iteration uint64
}

// Sweeper tracks (mtime, iteration) per file. The iteration counter is
// how deletions are found: a tracked file that did not get its counter
// refreshed this sweep no longer exists.
type Sweeper struct {
	root      string
	folders   []string
	callbacks Callbacks

	timestamps map[string]stamp
	fastTrack  map[string]stamp
	writable   map[string]bool
	iteration  uint64

	logger *slog.Logger
}

func New(root string, folders []string, callbacks Callbacks, logger *slog.Logger) *Sweeper {
	if root == "" {
		root = "."
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		root:       root,
		folders:    folders,
		callbacks:  callbacks,
		timestamps: make(map[string]stamp),
		fastTrack:  make(map[string]stamp),
		writable:   make(map[string]bool),
		logger:     logger,
	}
}

func (s *Sweeper) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// SetFolders replaces the managed roots (Connect adoption) and resets the
// tracking state; the next total sweep rebuilds it.
func (s *Sweeper) SetFolders(folders []string) {
	s.folders = folders
	s.timestamps = make(map[string]stamp)
	s.fastTrack = make(map[string]stamp)
	s.writable = make(map[string]bool)
}

// Folders returns the managed roots.
func (s *Sweeper) Folders() []string { return s.folders }

// Setup wipes the .wnts bookkeeping trees and seeds them with a copy of
// every managed file, so the mirror starts as an exact last-known-good.
func (s *Sweeper) Setup() error {
	for _, folder := range s.folders {
		if err := os.RemoveAll(filepath.Join(s.abs(folder), lockstore.MirrorDirName)); err != nil {
			return err
		}
	}
	for _, path := range EnumerateFiles(s.root, s.folders) {
		mirror := s.abs(lockstore.MirrorPath(path))
		if err := os.MkdirAll(filepath.Dir(mirror), 0755); err != nil {
			return err
		}
		content, err := os.ReadFile(s.abs(path))
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", path, "err", err)
			continue
		}
		if err := os.WriteFile(mirror, content, 0644); err != nil {
			return err
		}
	}
	return nil
}

// TotalSweepEveryN runs a sweep, making it a total sweep on every n-th
// iteration and a fast-track sweep otherwise.
func (s *Sweeper) TotalSweepEveryN(n uint64) {
	s.Sweep(s.iteration%n == 0)
}

// EnumerateFiles recursively lists every file under the folders as paths
// relative to root, excluding the .wnts subtrees.
func EnumerateFiles(root string, folders []string) []string {
	if root == "" {
		root = "."
	}
	var paths []string
	for _, folder := range folders {
		base := filepath.Join(root, filepath.FromSlash(folder))
		filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are simply not swept
			}
			if d.IsDir() {
				if d.Name() == lockstore.MirrorDirName {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			paths = append(paths, filepath.ToSlash(rel))
			return nil
		})
	}
	return paths
}

// Sweep scans the filesystem and reports created, modified, and deleted
// files. A total sweep walks everything; a fast-track sweep revisits only
// the files that were active recently.
func (s *Sweeper) Sweep(total bool) {
	var paths []string
	timestamps := s.timestamps
	if total {
		paths = EnumerateFiles(s.root, s.folders)
	} else {
		for path := range s.fastTrack {
			paths = append(paths, path)
		}
		timestamps = s.fastTrack
	}

	for _, path := range paths {
		info, err := os.Stat(s.abs(path))
		if err != nil {
			// a vanished file is caught below by its stale iteration
			continue
		}
		mtime := info.ModTime()
		entry := stamp{mtime: mtime, iteration: s.iteration}

		prev, tracked := timestamps[path]
		switch {
		case !tracked:
			if s.callbacks.OnCreated != nil {
				s.callbacks.OnCreated(path)
			}
			s.enterFastTrack(path, entry)
		case prev.mtime.Before(mtime):
			if s.callbacks.OnModified != nil {
				s.callbacks.OnModified(path)
			}
			s.enterFastTrack(path, entry)
		}
		timestamps[path] = entry

		s.checkWritability(path, info.Mode())
	}

	// deletion and fast-track-exit pass
	now := time.Now()
	var removed, unfastTracked []string
	for path, entry := range timestamps {
		if entry.iteration != s.iteration {
			if s.callbacks.OnDeleted != nil {
				s.callbacks.OnDeleted(path)
			}
			removed = append(removed, path)
		} else if now.Sub(entry.mtime) > fastTrackQuiet {
			unfastTracked = append(unfastTracked, path)
		}
	}

	for _, path := range removed {
		delete(s.timestamps, path)
		delete(s.fastTrack, path)
		delete(s.writable, path)
	}
	for _, path := range unfastTracked {
		if _, ok := s.fastTrack[path]; ok {
			delete(s.fastTrack, path)
			if s.callbacks.OnUnFastTracked != nil {
				s.callbacks.OnUnFastTracked(path)
			}
		}
	}

	s.iteration++
}

func (s *Sweeper) enterFastTrack(path string, entry stamp) {
	_, already := s.fastTrack[path]
	s.fastTrack[path] = entry
	if !already && s.callbacks.OnFastTracked != nil {
		s.callbacks.OnFastTracked(path)
	}
}

// checkWritability reports write-bit transitions. Losing the bits looks
// like someone taking a lock by hand; regaining them looks like a manual
// unlock. The node layer decides whether a sidecar already explains it.
func (s *Sweeper) checkWritability(path string, mode fs.FileMode) {
	writable := mode.Perm()&0200 != 0
	prev, tracked := s.writable[path]
	s.writable[path] = writable
	if !tracked || prev == writable {
		return
	}
	if !writable {
		if s.callbacks.OnLockHint != nil {
			s.callbacks.OnLockHint(path)
		}
	} else if s.callbacks.OnUnlockHint != nil {
		s.callbacks.OnUnlockHint(path)
	}
}
