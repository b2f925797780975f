package overlay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// ErrOverlayUnavailable means the overlay runtime could not start or join
// its network. Fatal: without the overlay there is no node identity.
var ErrOverlayUnavailable = errors.New("overlay unavailable")

// Node wraps the overlay runtime: the on-disk identity, the derived
// address, and the virtual interface carrying it. Setup blocks until the
// node is online and the service subnet is joined; IP is only meaningful
// afterwards.
type Node struct {
	identity *Identity
	ip       netip.Addr

	// runtime event flags, set by the bring-up goroutine
	online         atomic.Bool
	networksJoined atomic.Int32

	iface  runtimeInterface
	logger *slog.Logger
}

// runtimeInterface is whatever carries the overlay address; closing it
// detaches the node from the network.
type runtimeInterface interface {
	Close() error
}

func NewNode(logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{logger: logger}
}

// Setup loads the identity, starts the overlay runtime, and polls until
// the node reports online and at least one network joined.
func (n *Node) Setup() error {
	id, err := LoadOrCreateIdentity(IdentityPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOverlayUnavailable, err)
	}
	n.identity = id
	n.ip = id.Address()

	n.logger.Info("starting overlay runtime", "address", n.ip)

	errCh := make(chan error, 1)
	go n.bringUp(errCh)

	n.logger.Info("waiting for node to come online")
	for !n.online.Load() {
		select {
		case err := <-errCh:
			return fmt.Errorf("%w: %v", ErrOverlayUnavailable, err)
		case <-time.After(100 * time.Millisecond):
		}
	}

	n.logger.Info("waiting to join network")
	for n.networksJoined.Load() <= 0 {
		select {
		case err := <-errCh:
			return fmt.Errorf("%w: %v", ErrOverlayUnavailable, err)
		case <-time.After(1 * time.Second):
		}
	}

	n.logger.Info("overlay runtime started")
	return nil
}

// IP returns the joined overlay address.
func (n *Node) IP() netip.Addr { return n.ip }

// Close stops the runtime.
func (n *Node) Close() {
	if n.iface != nil {
		n.iface.Close()
	}
	n.online.Store(false)
	n.logger.Info("overlay runtime terminated")
}

// Dial opens an admitted connection to another overlay node. The local
// overlay address is bound as the source so the far side sees this node's
// identity, not whatever the kernel would pick.
func (n *Node) Dial(ip netip.Addr, port uint16) (net.Conn, error) {
	dialer := net.Dialer{Timeout: 3 * time.Second}
	if n.ip.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: n.ip.AsSlice()}
	}
	raw, err := dialer.Dial("tcp", netip.AddrPortFrom(ip, port).String())
	if err != nil {
		return nil, err
	}
	conn, err := Handshake(raw, true)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("admission handshake with %s: %w", ip, err)
	}
	return conn, nil
}

// WrapAccepted admits an inbound connection.
func (n *Node) WrapAccepted(raw net.Conn) (net.Conn, error) {
	conn, err := Handshake(raw, false)
	if err != nil {
		return nil, fmt.Errorf("admission handshake with %s: %w", raw.RemoteAddr(), err)
	}
	return conn, nil
}
