// Package node owns one running service instance: the overlay runtime,
// the transport, the message processing, and the sweeper, wired together
// and paced by a single main loop. Shutdown order is fixed by Close:
// transport first (nothing new arrives), then message drain, then the
// overlay.
package node

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joshuadahlunr/wnts/internal/lockstore"
	"github.com/joshuadahlunr/wnts/internal/msgmgr"
	"github.com/joshuadahlunr/wnts/internal/proto"
	"github.com/joshuadahlunr/wnts/internal/sweeper"
	"github.com/joshuadahlunr/wnts/pkg/overlay"
	"github.com/joshuadahlunr/wnts/pkg/p2p"
)

// DefaultPort is the service port the mesh operates on.
const DefaultPort uint16 = 12345

// totalSweepInterval: one total sweep every this many loop iterations,
// fast-track sweeps in between.
const totalSweepInterval = 10

// connectRetries is how often joining a gateway is attempted before
// giving up.
const connectRetries = 3

// Options is the resolved configuration for one node.
type Options struct {
	// Folders to manage when bootstrapping a fresh network. Ignored when
	// Connect is set; the managed paths then come from the network.
	Folders []string
	// Connect is the overlay address of an existing member (the gateway).
	// Invalid/zero means bootstrap.
	Connect netip.Addr
	// Port for listening and for dialing the gateway.
	Port uint16
	// Root all managed paths resolve under. Defaults to the working
	// directory.
	Root string
}

// Node is the top-level runtime. Field order mirrors shutdown order.
type Node struct {
	opts   Options
	logger *slog.Logger

	overlay  *overlay.Node
	locks    *lockstore.Store
	peers    *p2p.PeerManager
	messages *msgmgr.Manager
	sweep    *sweeper.Sweeper

	// transport wiring, overridable before Setup for in-process testing
	localIP      netip.Addr
	dial         p2p.DialFunc
	wrapAccepted func(net.Conn) (net.Conn, error)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(opts Options, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	return &Node{
		opts:    opts,
		logger:  logger,
		overlay: overlay.NewNode(logger),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Setup starts the overlay runtime and brings the node into the mesh.
func (n *Node) Setup() error {
	if err := n.overlay.Setup(); err != nil {
		return err
	}
	n.localIP = n.overlay.IP()
	n.dial = n.overlay.Dial
	n.wrapAccepted = n.overlay.WrapAccepted
	n.logger.Info("node address", "ip", n.localIP)
	return n.setupWithTransport()
}

// setupWithTransport wires the service core onto whatever transport the
// localIP/dial/wrapAccepted fields describe. Split from Setup so tests
// can run nodes over plain loopback sockets.
func (n *Node) setupWithTransport() error {
	n.locks = lockstore.New(n.opts.Root)
	n.messages = msgmgr.New(n.localIP, n.opts.Root, n.locks, n.logger)

	n.peers = p2p.NewPeerManager(p2p.Options{
		LocalIP:      n.localIP,
		Port:         n.opts.Port,
		Dial:         n.dial,
		WrapAccepted: n.wrapAccepted,
		ManagedPaths: n.messages.ManagedPaths,
		Logger:       n.logger,
	})
	n.peers.SetSink(n.messages)
	n.messages.SetPeers(n.peers)

	n.sweep = sweeper.New(n.opts.Root, nil, n.sweeperCallbacks(), n.logger)
	n.messages.PathsChanged = n.sweep.SetFolders

	joining := n.opts.Connect.IsValid()
	if joining {
		n.messages.BeginJoin()
	} else {
		if len(n.opts.Folders) == 0 {
			return fmt.Errorf("bootstrapping requires at least one folder")
		}
		n.messages.Bootstrap(n.opts.Folders)
		n.sweep.SetFolders(n.opts.Folders)
		if err := n.sweep.Setup(); err != nil {
			return fmt.Errorf("seed mirror: %w", err)
		}
	}

	if err := n.peers.Listen(); err != nil {
		return err
	}

	if joining {
		if _, err := n.peers.ConnectPeer(n.opts.Connect, n.opts.Port, connectRetries, 100*time.Millisecond); err != nil {
			return fmt.Errorf("join via %s: %w", n.opts.Connect, err)
		}
		n.peers.SetGateway(n.opts.Connect)
		n.logger.Info("joined mesh", "gateway", n.opts.Connect)
	}
	return nil
}

// Run alternates sweeping and message processing: each pass runs one
// sweep, then drains messages for the rest of a one-second pacing window.
// Returns when Stop is called.
func (n *Node) Run() {
	defer close(n.done)
	for {
		select {
		case <-n.stop:
			return
		default:
		}

		n.sweep.TotalSweepEveryN(totalSweepInterval)

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			select {
			case <-n.stop:
				return
			default:
			}
			n.messages.ProcessNext()
		}
	}
}

// Stop asks the main loop to exit and tears everything down in order.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
	<-n.done
	n.peers.Stop()
	n.messages.Close()
	n.overlay.Close()
}

// sweeperCallbacks turn local filesystem activity into protocol traffic.
func (n *Node) sweeperCallbacks() sweeper.Callbacks {
	return sweeper.Callbacks{
		OnCreated:    n.onCreatedOrModified,
		OnModified:   n.onCreatedOrModified,
		OnDeleted:    n.onDeleted,
		OnLockHint:   n.onLockHint,
		OnUnlockHint: n.onUnlockHint,
	}
}

func (n *Node) abs(rel string) string {
	return filepath.Join(n.opts.Root, filepath.FromSlash(rel))
}

// onCreatedOrModified broadcasts new content — unless the file merely
// caught up with its mirror, which means the change came over the network
// and echoing it back would loop forever.
func (n *Node) onCreatedOrModified(path string) {
	content, err := os.ReadFile(n.abs(path))
	if err != nil {
		n.logger.Warn("unreadable changed file", "path", path, "err", err)
		return
	}

	mirrorPath := n.abs(lockstore.MirrorPath(path))
	if mirror, err := os.ReadFile(mirrorPath); err == nil && bytes.Equal(mirror, content) {
		return
	}

	info, err := os.Stat(n.abs(path))
	if err != nil {
		return
	}

	if err := os.MkdirAll(filepath.Dir(mirrorPath), 0755); err == nil {
		if err := os.WriteFile(mirrorPath, content, 0644); err != nil {
			n.logger.Warn("mirror refresh failed", "path", path, "err", err)
		}
	}

	change := &proto.Message{
		Type:       proto.TypeContentChange,
		TargetPath: path,
		Timestamp:  info.ModTime(),
		Content:    content,
	}
	// the local file already has this content; peers only
	if err := n.peers.Send(change, proto.Broadcast, false); err != nil {
		n.logger.Warn("content broadcast failed", "path", path, "err", err)
	}
}

func (n *Node) onDeleted(path string) {
	del := &proto.Message{
		Type:       proto.TypeDeleteFile,
		TargetPath: path,
		Timestamp:  time.Now(),
	}
	// self-delivery cleans up our own mirror and sidecar
	if err := n.peers.Send(del, proto.Broadcast, true); err != nil {
		n.logger.Warn("delete broadcast failed", "path", path, "err", err)
	}
}

// onLockHint fires when a file lost its write bits. If a sidecar already
// explains that, the protocol did it; otherwise the user is claiming the
// file, so take the lock network-wide.
func (n *Node) onLockHint(path string) {
	if n.locks.IsLocked(path) {
		return
	}
	lock := &proto.Message{
		Type:       proto.TypeLock,
		TargetPath: path,
		Timestamp:  time.Now(),
	}
	if err := n.peers.Send(lock, proto.Broadcast, true); err != nil {
		n.logger.Warn("lock broadcast failed", "path", path, "err", err)
	}
}

// onUnlockHint fires when write bits came back. Only meaningful when we
// hold the lock; anyone else's lock is not ours to release.
func (n *Node) onUnlockHint(path string) {
	held, _, err := n.locks.ReadLock(path)
	if err != nil || held.Originator != n.localIP {
		return
	}
	unlock := &proto.Message{
		Type:       proto.TypeUnlock,
		TargetPath: path,
		Timestamp:  time.Now(),
	}
	if err := n.peers.Send(unlock, proto.Broadcast, true); err != nil {
		n.logger.Warn("unlock broadcast failed", "path", path, "err", err)
	}
}
