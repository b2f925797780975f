package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/joshuadahlunr/wnts/internal/proto"
)

// MessageSink is the capability the message-processing side exposes to the
// transport. PeerManager depends on this instead of the concrete manager
// so neither side holds the other singleton.
type MessageSink interface {
	// EnqueueFrame deserializes a frame body and queues it. sender is the
	// previous hop.
	EnqueueFrame(body []byte, sender netip.Addr)
	// EnqueueLinkLost queues the local-only link-lost notification.
	EnqueueLinkLost(remote netip.Addr)
	// RecordSent stores a successfully sent message for future resends.
	RecordSent(m *proto.Message)
}

// Options configures a PeerManager.
type Options struct {
	LocalIP netip.Addr
	Port    uint16
	// Dial opens an admitted connection to a node (overlay dial + handshake).
	Dial DialFunc
	// WrapAccepted admits an inbound connection (overlay handshake).
	WrapAccepted func(net.Conn) (net.Conn, error)
	// ManagedPaths yields the current managed path list offered to newcomers.
	ManagedPaths func() []string
	Logger       *slog.Logger
}

// PeerManager owns the peer list, the accept loop, and the gateway plus
// backup bookkeeping. Every outbound message funnels through Send, which
// serializes once and routes.
type PeerManager struct {
	opts  Options
	sink  MessageSink
	peers *Monitor[[]*Peer]

	listener net.Listener

	// gateway and backups are only ever touched from the message-processing
	// thread (failover, adoption) and read at join time before that thread
	// starts; the accept loop builds its backup offers from the peer list,
	// never from these.
	gateway netip.Addr
	backups []proto.HostPort

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	logger *slog.Logger
}

func NewPeerManager(opts Options) *PeerManager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PeerManager{
		opts:   opts,
		peers:  NewMonitor([]*Peer{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: opts.Logger,
	}
}

// SetSink wires the message-processing side in. Must happen before Listen.
func (pm *PeerManager) SetSink(sink MessageSink) { pm.sink = sink }

// LocalIP returns this node's overlay address.
func (pm *PeerManager) LocalIP() netip.Addr { return pm.opts.LocalIP }

// Gateway returns the current gateway address (unspecified when none).
func (pm *PeerManager) Gateway() netip.Addr { return pm.gateway }

// SetGateway records which peer this node entered the mesh through.
func (pm *PeerManager) SetGateway(ip netip.Addr) { pm.gateway = ip }

// Backups returns the current ordered backup list.
func (pm *PeerManager) Backups() []proto.HostPort { return pm.backups }

// AdoptBackups replaces the backup list (Connect message adoption).
func (pm *PeerManager) AdoptBackups(list []proto.HostPort) { pm.backups = list }

// RemoveBackup drops every backup entry for ip (Disconnect processing).
func (pm *PeerManager) RemoveBackup(ip netip.Addr) {
	kept := pm.backups[:0]
	for _, hp := range pm.backups {
		if hp.Addr != ip {
			kept = append(kept, hp)
		}
	}
	pm.backups = kept
}

// Listen binds the service socket and starts the accept loop.
func (pm *PeerManager) Listen() error {
	lc := net.ListenConfig{Control: setSocketReuseAddr}
	addr := netip.AddrPortFrom(pm.opts.LocalIP, pm.opts.Port)
	ln, err := lc.Listen(context.Background(), "tcp", addr.String())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	pm.listener = ln
	go pm.acceptLoop()
	pm.logger.Info("listening", "addr", addr)
	return nil
}

// Stop shuts the accept loop down, then stops and releases every peer.
func (pm *PeerManager) Stop() {
	pm.stopOnce.Do(func() { close(pm.stop) })
	if pm.listener != nil {
		<-pm.done
		pm.listener.Close()
	}
	pm.peers.Write(func(ps *[]*Peer) {
		for _, p := range *ps {
			p.Close()
		}
		*ps = nil
	})
}

type deadliner interface{ SetDeadline(time.Time) error }

// acceptLoop polls the listener with a 100 ms deadline so the stop request
// is seen promptly. On accept it admits the connection, snapshots the
// backup offers, appends the peer, and only after releasing the write lock
// sends the Connect message and queues the initial-sync request — Send
// takes the read lock and must not meet the accept lock.
func (pm *PeerManager) acceptLoop() {
	defer close(pm.done)

	for {
		select {
		case <-pm.stop:
			return
		default:
		}

		if d, ok := pm.listener.(deadliner); ok {
			d.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}
		conn, err := pm.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-pm.stop:
				return
			default:
			}
			pm.logger.Warn("accept error", "err", err)
			continue
		}

		admitted, err := pm.opts.WrapAccepted(conn)
		if err != nil {
			pm.logger.Warn("inbound admission failed", "remote", conn.RemoteAddr(), "err", err)
			conn.Close()
			continue
		}

		var (
			offers   []proto.HostPort
			remoteIP netip.Addr
		)
		pm.peers.Write(func(ps *[]*Peer) {
			for _, p := range *ps {
				// a connection's remote port is ephemeral; peers are
				// re-dialable on the shared service port
				offers = append(offers, proto.HostPort{Addr: p.RemoteIP(), Port: pm.opts.Port})
			}
			peer := newPeer(admitted, pm.routeFrame, pm.sink.EnqueueLinkLost, pm.logger)
			*ps = append(*ps, peer)
			remoteIP = peer.RemoteIP()
		})
		pm.logger.Info("accepted connection", "remote", remoteIP)

		connect := &proto.Message{
			Type:         proto.TypeConnect,
			Backups:      offers,
			ManagedPaths: pm.opts.ManagedPaths(),
		}
		if err := pm.Send(connect, remoteIP, true); err != nil {
			pm.logger.Warn("connect offer failed", "remote", remoteIP, "err", err)
		}

		// the newcomer "asks" for the initial state through us
		request := &proto.Message{
			Type:       proto.TypeInitialSyncRequest,
			Originator: remoteIP,
		}
		if err := pm.Send(request, proto.Loopback, true); err != nil {
			pm.logger.Warn("initial sync request failed", "remote", remoteIP, "err", err)
		}
	}
}

// ConnectPeer dials a node, admits the connection, and appends the
// resulting peer under the write lock.
func (pm *PeerManager) ConnectPeer(ip netip.Addr, port uint16, retries int, delay time.Duration) (*Peer, error) {
	conn, err := Connect(pm.opts.Dial, ip, port, retries, delay)
	if err != nil {
		return nil, err
	}
	peer := newPeer(conn, pm.routeFrame, pm.sink.EnqueueLinkLost, pm.logger)
	pm.peers.Write(func(ps *[]*Peer) {
		*ps = append(*ps, peer)
	})
	return peer, nil
}

// Send stamps the routing fields and integrity hash, serializes once, and
// routes. destination defaults to broadcast; toSelf controls whether a
// broadcast also lands on this node's own queue. After routing the message
// is recorded so later resend requests can be satisfied.
func (pm *PeerManager) Send(m *proto.Message, destination netip.Addr, toSelf bool) error {
	m.Receiver = destination
	m.Sender = pm.opts.LocalIP
	if !m.Originator.IsValid() {
		m.Originator = pm.opts.LocalIP
	}
	m.Hash = m.Sum()

	buf, err := proto.Marshal(m)
	if err != nil {
		return err
	}

	src := proto.Loopback
	if toSelf {
		src = proto.Broadcast
	}
	pm.route(buf, destination, src)

	pm.sink.RecordSent(m)
	return nil
}

// routeFrame handles a frame read off a peer socket: decode the routing
// header, default the sender to the connected peer, and route onward.
func (pm *PeerManager) routeFrame(from *Peer, body []byte) {
	h, err := proto.DecodeHeader(body)
	if err != nil {
		pm.logger.Error("undecodable frame", "from", from.RemoteIP(), "err", err)
		return
	}
	pm.route(body, h.Receiver, from.RemoteIP())
}

// route is pure routing: given the serialized body, the destination, and
// the source (the previous hop, or a sentinel for locally originated
// sends), decide which sockets get the bytes and whether this node's own
// queue does too.
func (pm *PeerManager) route(buf []byte, dst, src netip.Addr) {
	deliverLocal := func() {
		sender := src
		if proto.IsSelf(sender) || proto.IsBroadcast(sender) {
			sender = pm.opts.LocalIP
		}
		pm.sink.EnqueueFrame(buf, sender)
	}

	switch {
	case proto.IsBroadcast(dst):
		pm.broadcastExcept(buf, src)
		if !proto.IsSelf(src) {
			deliverLocal()
		}

	case proto.IsSelf(dst) || dst == pm.opts.LocalIP:
		deliverLocal()

	default:
		sent := false
		pm.peers.Read(func(ps []*Peer) {
			for _, p := range ps {
				if p.RemoteIP() == dst {
					if err := p.Send(buf); err != nil {
						pm.logger.Warn("send failed", "to", dst, "err", err)
					}
					sent = true
					return
				}
			}
		})
		if !sent {
			// destination is not a direct neighbor: flood it onward
			pm.broadcastExcept(buf, src)
		}
	}
}

func (pm *PeerManager) broadcastExcept(buf []byte, src netip.Addr) {
	pm.peers.Read(func(ps []*Peer) {
		for _, p := range ps {
			if p.RemoteIP() == src {
				continue
			}
			if err := p.Send(buf); err != nil {
				pm.logger.Warn("send failed", "to", p.RemoteIP(), "err", err)
			}
		}
	})
}

// HandleLinkLost removes the peer whose remote address matches origin. If
// that peer was the gateway, the backups are walked in order and the first
// one that answers becomes the new gateway (and stops being a backup). The
// removed address is reported so the caller can tell the network; the
// broadcast must happen after this returns, once the write lock is gone.
func (pm *PeerManager) HandleLinkLost(origin netip.Addr) (removed netip.Addr, ok bool) {
	pm.peers.Write(func(ps *[]*Peer) {
		idx := -1
		for i, p := range *ps {
			if p.RemoteIP() == origin {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		dead := (*ps)[idx]
		*ps = append((*ps)[:idx], (*ps)[idx+1:]...)
		dead.Close()
		removed, ok = origin, true

		if origin != pm.gateway {
			return
		}
		pm.gateway = netip.Addr{} // no gateway until a backup answers
		for i, hp := range pm.backups {
			if !hp.Addr.IsValid() {
				continue
			}
			conn, err := Connect(pm.opts.Dial, hp.Addr, hp.Port, 1, 100*time.Millisecond)
			if err != nil {
				continue
			}
			peer := newPeer(conn, pm.routeFrame, pm.sink.EnqueueLinkLost, pm.logger)
			*ps = append(*ps, peer)
			pm.gateway = hp.Addr
			pm.backups = append(pm.backups[:i], pm.backups[i+1:]...)
			pm.logger.Info("promoted backup to gateway", "gateway", hp.Addr)
			break
		}
	})
	return removed, ok
}
