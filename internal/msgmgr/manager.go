// Package msgmgr processes the message stream. A single thread pops the
// priority queue and dispatches per message kind; everything that feeds
// the queue (peer readers, routing) is free-threaded.
package msgmgr

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joshuadahlunr/wnts/internal/lockstore"
	"github.com/joshuadahlunr/wnts/internal/proto"
	"github.com/joshuadahlunr/wnts/internal/sweeper"
)

// PeerDirectory is the capability the transport side exposes to message
// processing: sending, and the peer-list surgery link-lost recovery needs.
type PeerDirectory interface {
	Send(m *proto.Message, destination netip.Addr, toSelf bool) error
	HandleLinkLost(origin netip.Addr) (removed netip.Addr, ok bool)
	RemoveBackup(ip netip.Addr)
	AdoptBackups(list []proto.HostPort)
}

// result of one handler run.
type result int

const (
	// done: the message was handled (or deliberately ignored) and moves
	// into the resend cache.
	done result = iota
	// deferred: try again later at a degraded priority.
	deferred
)

// Manager owns the queue, the resend ring, the connecting barrier, and the
// per-kind handlers.
type Manager struct {
	self   netip.Addr
	root   string
	queue  *messageQueue
	ring   *messageRing
	locks  *lockstore.Store
	peers  PeerDirectory
	logger *slog.Logger

	// connecting barrier: while received < total, file-mutating messages
	// defer. Only touched on the processing thread.
	receivedInitialFiles uint64
	totalInitialFiles    uint64

	pathsMu      sync.Mutex
	managedPaths []string
	// PathsChanged is called after a Connect message adopts a new managed
	// path set (the sweeper needs to re-target).
	PathsChanged func(paths []string)
}

func New(self netip.Addr, root string, locks *lockstore.Store, logger *slog.Logger) *Manager {
	if root == "" {
		root = "."
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		self:   self,
		root:   root,
		queue:  newMessageQueue(),
		ring:   newMessageRing(),
		locks:  locks,
		logger: logger,
	}
}

// abs resolves a wire-relative slash path against this node's root.
func (m *Manager) abs(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// SetPeers wires the transport capability in.
func (m *Manager) SetPeers(peers PeerDirectory) { m.peers = peers }

// ManagedPaths returns the current managed roots.
func (m *Manager) ManagedPaths() []string {
	m.pathsMu.Lock()
	defer m.pathsMu.Unlock()
	return append([]string(nil), m.managedPaths...)
}

func (m *Manager) setManagedPaths(paths []string) {
	m.pathsMu.Lock()
	m.managedPaths = paths
	m.pathsMu.Unlock()
	if m.PathsChanged != nil {
		m.PathsChanged(paths)
	}
}

// Bootstrap marks this node as founding a fresh network with the given
// folders: nothing to wait for, the barrier opens immediately.
func (m *Manager) Bootstrap(folders []string) {
	m.pathsMu.Lock()
	m.managedPaths = folders
	m.pathsMu.Unlock()
	m.receivedInitialFiles = 0
	m.totalInitialFiles = 0
}

// BeginJoin marks this node as joining an existing network: the total
// stays at a sentinel 1 until the Connect message and its InitialSync
// stream tell us the real number.
func (m *Manager) BeginJoin() {
	m.receivedInitialFiles = 0
	m.totalInitialFiles = 1
}

// IsFinishedConnecting reports whether the initial sync has fully landed.
func (m *Manager) IsFinishedConnecting() bool {
	return m.receivedInitialFiles == m.totalInitialFiles
}

// basePriority gives each message class its queue priority; lower runs
// sooner.
func basePriority(t proto.Type) int {
	switch t {
	case proto.TypeResendRequest, proto.TypeLinkLost:
		return 0
	case proto.TypeConnect, proto.TypeInitialSyncRequest:
		return 1
	case proto.TypeDisconnect:
		return 2
	case proto.TypeLock, proto.TypeUnlock, proto.TypeInitialSync:
		return 4
	case proto.TypeDeleteFile, proto.TypeContentChange:
		return 5
	default:
		return 10
	}
}

// exemptDuringConnect lists what may run while the connecting barrier is
// closed; everything else waits its turn.
func exemptDuringConnect(t proto.Type) bool {
	switch t {
	case proto.TypeConnect, proto.TypeInitialSync, proto.TypeResendRequest, proto.TypeLinkLost:
		return true
	}
	return false
}

// EnqueueFrame deserializes a frame body, verifies its integrity hash, and
// queues it. Callable from any goroutine. A hash mismatch asks the
// previous hop to resend and drops the frame.
func (m *Manager) EnqueueFrame(body []byte, sender netip.Addr) {
	msg, err := proto.Unmarshal(body)
	if err != nil {
		m.logger.Error("dropping undecodable frame", "from", sender, "err", err)
		return
	}
	if !msg.Sender.IsValid() {
		msg.Sender = sender
	}

	if computed := msg.Sum(); computed != msg.Hash {
		m.logger.Warn("integrity mismatch, requesting resend",
			"type", msg.Type, "from", sender, "carried", msg.Hash, "computed", computed)
		request := &proto.Message{
			Type:          proto.TypeResendRequest,
			RequestedHash: msg.Hash,
			OriginalDest:  msg.Receiver,
		}
		if err := m.peers.Send(request, sender, true); err != nil {
			m.logger.Warn("resend request failed", "to", sender, "err", err)
		}
		return
	}

	m.queue.push(msg, basePriority(msg.Type))
}

// EnqueueLinkLost queues the local-only notification that a peer's link
// died.
func (m *Manager) EnqueueLinkLost(remote netip.Addr) {
	m.queue.push(&proto.Message{
		Type:       proto.TypeLinkLost,
		Originator: remote,
		Sender:     m.self,
	}, basePriority(proto.TypeLinkLost))
}

// RecordSent stores a successfully sent message in the resend cache.
func (m *Manager) RecordSent(msg *proto.Message) {
	m.ring.add(msg)
}

// QueueLen reports how many messages are waiting.
func (m *Manager) QueueLen() int { return m.queue.len() }

// ProcessNext pops and dispatches one message, sleeping 100 ms when the
// queue is empty. Messages that cannot run yet re-enter the queue one
// priority level down, so they drain eventually without starving
// higher-priority work.
func (m *Manager) ProcessNext() {
	msg, ok := m.queue.pop()
	if !ok {
		time.Sleep(100 * time.Millisecond)
		return
	}

	if !m.IsFinishedConnecting() && !exemptDuringConnect(msg.Type) {
		m.queue.push(msg, basePriority(msg.Type)+1)
		// nothing runnable ahead of this; don't spin on the barrier
		time.Sleep(100 * time.Millisecond)
		return
	}

	switch m.dispatch(msg) {
	case done:
		m.ring.add(msg)
	case deferred:
		m.queue.push(msg, basePriority(msg.Type)+1)
	}
}

func (m *Manager) dispatch(msg *proto.Message) result {
	switch msg.Type {
	case proto.TypePayload:
		m.logger.Info("payload", "from", msg.Originator, "bytes", len(msg.Payload), "body", string(msg.Payload))
		return done
	case proto.TypeResendRequest:
		return m.handleResendRequest(msg)
	case proto.TypeLock:
		return m.handleLock(msg)
	case proto.TypeUnlock:
		return m.handleUnlock(msg)
	case proto.TypeDeleteFile:
		return m.handleDeleteFile(msg)
	case proto.TypeContentChange:
		return m.handleContentChange(msg)
	case proto.TypeInitialSync:
		return m.handleInitialSync(msg)
	case proto.TypeInitialSyncRequest:
		return m.handleInitialSyncRequest(msg)
	case proto.TypeConnect:
		return m.handleConnect(msg)
	case proto.TypeDisconnect:
		return m.handleDisconnect(msg)
	case proto.TypeLinkLost:
		return m.handleLinkLost(msg)
	default:
		// unreachable: deserialization already rejected unknown tags
		m.logger.Error("unknown message type in queue", "type", msg.Type)
		return done
	}
}

func (m *Manager) handleResendRequest(msg *proto.Message) result {
	if msg.Originator == m.self {
		// our own request echoed back around the mesh
		return done
	}
	cached := m.ring.find(msg.RequestedHash)
	if cached == nil {
		m.logger.Warn("resend requested for unknown hash", "hash", msg.RequestedHash, "from", msg.Originator)
		return done
	}
	if err := m.peers.Send(cached, msg.OriginalDest, true); err != nil {
		m.logger.Warn("resend failed", "to", msg.OriginalDest, "err", err)
	}
	return done
}

func (m *Manager) handleLock(msg *proto.Message) result {
	file := msg.TargetPath

	if !m.locks.IsLocked(file) {
		if _, err := os.Stat(m.abs(file)); err != nil {
			// nothing to lock here (yet); the content may still be in flight
			return done
		}
		strip := msg.Originator != m.self
		if err := m.locks.Take(file, msg, strip); err != nil {
			m.logger.Warn("lock failed", "file", file, "err", err)
		}
		return done
	}

	existing, removed, err := m.locks.ReadLock(file)
	if err != nil {
		m.logger.Warn("unreadable lock sidecar", "file", file, "err", err)
		return done
	}
	// two nodes raced for the same file: the earlier claim wins, ties keep
	// the current holder
	if msg.Timestamp.Before(existing.Timestamp) {
		if err := m.locks.WriteLock(file, msg, removed); err != nil {
			m.logger.Warn("lock overwrite failed", "file", file, "err", err)
		}
	}
	return done
}

func (m *Manager) handleUnlock(msg *proto.Message) result {
	file := msg.TargetPath
	existing, removed, err := m.locks.ReadLock(file)
	if err != nil {
		// not locked: nothing to release
		return done
	}
	if msg.Originator != existing.Originator {
		// only the holder may unlock
		return done
	}
	if err := m.locks.Release(file, removed); err != nil {
		m.logger.Warn("unlock failed", "file", file, "err", err)
	}
	return done
}

// lockedByOther reports whether file is locked by someone other than
// originator.
func (m *Manager) lockedByOther(file string, originator netip.Addr) bool {
	existing, _, err := m.locks.ReadLock(file)
	if err != nil {
		return false
	}
	return existing.Originator != originator
}

func (m *Manager) handleDeleteFile(msg *proto.Message) result {
	file := msg.TargetPath
	if m.lockedByOther(file, msg.Originator) {
		m.logger.Debug("refusing delete of file locked elsewhere", "file", file)
		return done
	}
	if err := os.Remove(m.abs(file)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("delete failed", "file", file, "err", err)
		return done
	}
	os.Remove(m.abs(lockstore.MirrorPath(file)))
	m.locks.RemoveLock(file)
	return done
}

func (m *Manager) handleContentChange(msg *proto.Message) result {
	file := msg.TargetPath
	if m.lockedByOther(file, msg.Originator) {
		m.logger.Debug("refusing write to file locked elsewhere", "file", file)
		return done
	}
	if err := m.writeManagedFile(file, msg.Content, msg.Timestamp); err != nil {
		m.logger.Warn("content change failed", "file", file, "err", err)
	}
	return done
}

func (m *Manager) handleInitialSync(msg *proto.Message) result {
	m.totalInitialFiles = msg.Total
	if msg.TargetPath == "" {
		// the gateway had nothing to sync; the empty marker just carries
		// the (zero) total
		return done
	}
	m.receivedInitialFiles++
	file := msg.TargetPath
	if err := m.writeManagedFile(file, msg.Content, msg.Timestamp); err != nil {
		m.logger.Warn("initial sync write failed", "file", file, "err", err)
	}
	m.logger.Info("initial sync", "file", file,
		"progress", fmt.Sprintf("%d/%d", m.receivedInitialFiles, m.totalInitialFiles))
	return done
}

func (m *Manager) handleInitialSyncRequest(msg *proto.Message) result {
	type syncFile struct {
		path    string
		mtime   time.Time
		content []byte
	}

	var files []syncFile
	for _, path := range sweeper.EnumerateFiles(m.root, m.ManagedPaths()) {
		content, err := os.ReadFile(m.abs(path))
		if err != nil {
			m.logger.Warn("skipping unreadable file during initial sync", "file", path, "err", err)
			continue
		}
		info, err := os.Stat(m.abs(path))
		if err != nil {
			continue
		}
		files = append(files, syncFile{path: path, mtime: info.ModTime(), content: content})
	}

	if len(files) == 0 {
		empty := &proto.Message{Type: proto.TypeInitialSync, Total: 0, Timestamp: time.Now()}
		if err := m.peers.Send(empty, msg.Originator, true); err != nil {
			m.logger.Warn("initial sync send failed", "to", msg.Originator, "err", err)
		}
		return done
	}

	for i, f := range files {
		state := &proto.Message{
			Type:       proto.TypeInitialSync,
			TargetPath: f.path,
			Timestamp:  f.mtime,
			Content:    f.content,
			Index:      uint64(i),
			Total:      uint64(len(files)),
		}
		if err := m.peers.Send(state, msg.Originator, true); err != nil {
			m.logger.Warn("initial sync send failed", "file", f.path, "to", msg.Originator, "err", err)
			continue
		}
		// the newcomer also needs to know about standing locks
		if m.locks.IsLocked(f.path) {
			if lock, _, err := m.locks.ReadLock(f.path); err == nil {
				if err := m.peers.Send(lock, msg.Originator, true); err != nil {
					m.logger.Warn("lock replay failed", "file", f.path, "err", err)
				}
			}
		}
	}
	return done
}

func (m *Manager) handleConnect(msg *proto.Message) result {
	m.peers.AdoptBackups(msg.Backups)

	// whatever managed content is lying around predates this network;
	// the initial sync replaces it wholesale
	for _, folder := range msg.ManagedPaths {
		clean := m.abs(folder)
		if err := os.RemoveAll(clean); err != nil {
			m.logger.Warn("wipe failed", "folder", folder, "err", err)
		}
		if err := os.MkdirAll(clean, 0755); err != nil {
			m.logger.Warn("recreate failed", "folder", folder, "err", err)
		}
	}
	m.setManagedPaths(msg.ManagedPaths)

	m.receivedInitialFiles = 0
	m.totalInitialFiles = 1
	m.logger.Info("joined network", "gatewayBackups", len(msg.Backups), "paths", msg.ManagedPaths)
	return done
}

func (m *Manager) handleLinkLost(msg *proto.Message) result {
	removed, ok := m.peers.HandleLinkLost(msg.Originator)
	if !ok {
		return done
	}
	m.logger.Info("peer lost", "peer", removed)
	// the write lock is gone by now; tell the rest of the network
	disconnect := &proto.Message{Type: proto.TypeDisconnect, Originator: removed}
	if err := m.peers.Send(disconnect, proto.Broadcast, true); err != nil {
		m.logger.Warn("disconnect broadcast failed", "err", err)
	}
	return done
}

func (m *Manager) handleDisconnect(msg *proto.Message) result {
	m.peers.RemoveBackup(msg.Originator)

	// free anything the departed node still held; the unlock handler
	// ignores files it never actually locked
	for _, path := range sweeper.EnumerateFiles(m.root, m.ManagedPaths()) {
		unlock := &proto.Message{
			Type:       proto.TypeUnlock,
			Originator: msg.Originator,
			TargetPath: path,
			Timestamp:  time.Now(),
		}
		if err := m.peers.Send(unlock, proto.Loopback, true); err != nil {
			m.logger.Warn("orphan unlock failed", "file", path, "err", err)
		}
	}
	return done
}

// writeManagedFile lands remote content on disk: parents created, the
// write forced through a cleared write bit when a lock holds the file,
// the mtime pinned to the message timestamp, and the mirror refreshed to
// match.
func (m *Manager) writeManagedFile(file string, content []byte, ts time.Time) error {
	target := m.abs(file)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create parents for %s: %w", file, err)
	}

	var restore *os.FileMode
	if info, err := os.Stat(target); err == nil && info.Mode().Perm()&0200 == 0 {
		perm := info.Mode().Perm()
		restore = &perm
		if err := os.Chmod(target, perm|0200); err != nil {
			return fmt.Errorf("open write bit on %s: %w", file, err)
		}
	}

	if err := os.WriteFile(target, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	if restore != nil {
		os.Chmod(target, *restore)
	}
	if !ts.IsZero() {
		os.Chtimes(target, ts, ts)
	}

	mirror := m.abs(lockstore.MirrorPath(file))
	if err := os.MkdirAll(filepath.Dir(mirror), 0755); err != nil {
		return fmt.Errorf("create mirror parents for %s: %w", file, err)
	}
	if err := os.WriteFile(mirror, content, 0644); err != nil {
		return fmt.Errorf("write mirror for %s: %w", file, err)
	}
	return nil
}

// Close drains whatever is still queued (the transport must already be
// stopped so nothing new arrives) and then restores the permissions every
// remaining sidecar took, so a shutdown never leaves files
// permission-poisoned for the next run.
func (m *Manager) Close() {
	for {
		msg, ok := m.queue.pop()
		if !ok {
			break
		}
		if !m.IsFinishedConnecting() && !exemptDuringConnect(msg.Type) {
			continue // never finished joining; this work is moot
		}
		m.dispatch(msg)
	}

	for _, path := range sweeper.EnumerateFiles(m.root, m.ManagedPaths()) {
		if !m.locks.IsLocked(path) {
			continue
		}
		if _, removed, err := m.locks.ReadLock(path); err == nil {
			if err := m.locks.Release(path, removed); err != nil {
				m.logger.Warn("permission restore failed", "file", path, "err", err)
			}
		}
	}
}
