package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"
)

// ErrConnectFailed means Connect exhausted its retries.
var ErrConnectFailed = errors.New("connect failed")

// readPollInterval bounds every blocking read so stop requests are
// observed within this window.
const readPollInterval = 100 * time.Millisecond

// maxFrameBytes caps how much a single length prefix may ask us to buffer.
const maxFrameBytes = 64 * 1024 * 1024

// DialFunc opens a stream socket to a node on the overlay. The returned
// connection is already admitted (handshake done).
type DialFunc func(ip netip.Addr, port uint16) (net.Conn, error)

// Peer owns one full-duplex connection to a directly connected node and
// the single goroutine that reads from it. Frames coming off the socket
// are handed to onFrame; a dead link is reported once through onLinkLost
// and then the reader returns.
type Peer struct {
	conn       net.Conn
	remoteIP   netip.Addr
	remotePort uint16

	writeMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	onFrame    func(p *Peer, body []byte)
	onLinkLost func(remote netip.Addr)
	logger     *slog.Logger
}

func newPeer(conn net.Conn, onFrame func(*Peer, []byte), onLinkLost func(netip.Addr), logger *slog.Logger) *Peer {
	remoteIP, remotePort := splitRemote(conn)
	p := &Peer{
		conn:       conn,
		remoteIP:   remoteIP,
		remotePort: remotePort,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		onFrame:    onFrame,
		onLinkLost: onLinkLost,
		logger:     logger.With("peer", remoteIP),
	}
	go p.readLoop()
	return p
}

func splitRemote(conn net.Conn) (netip.Addr, uint16) {
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		return ap.Addr().Unmap(), ap.Port()
	}
	return netip.Addr{}, 0
}

// RemoteIP returns the cached remote address, which is the peer's node
// identity.
func (p *Peer) RemoteIP() netip.Addr { return p.remoteIP }

// RemotePort returns the cached remote port of the connection.
func (p *Peer) RemotePort() uint16 { return p.remotePort }

// Send frames buf onto the wire: 8-byte little-endian length then the
// body, as one write under the peer's write mutex.
func (p *Peer) Send(buf []byte) error {
	frame := make([]byte, 8+len(buf))
	binary.LittleEndian.PutUint64(frame, uint64(len(buf)))
	copy(frame[8:], buf)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.conn.Write(frame); err != nil {
		return fmt.Errorf("send to %s: %w", p.remoteIP, err)
	}
	return nil
}

// Close cooperatively stops the reader, waits for it to exit, and only
// then releases the socket. The ordering is mandatory: closing the socket
// first would have the reader racing a read against a dead descriptor.
func (p *Peer) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
	p.conn.Close()
}

// isTerminal classifies errors that mean the link is gone for good (the
// not-connected and poll-error conditions). Everything else is transient.
func isTerminal(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// readLoop is a two-state machine: reading the 8-byte length, then reading
// the body. Partial reads accumulate in a growable buffer; surplus bytes
// past the current frame are shifted to the front so no frame is ever
// dropped on a state transition.
func (p *Peer) readLoop() {
	defer close(p.done)

	var (
		buf  []byte
		want uint64 // 0 while reading the next length prefix
		tmp  = make([]byte, 32*1024)
	)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := p.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}

		// Drain every complete frame currently buffered.
		for {
			if want == 0 {
				if len(buf) < 8 {
					break
				}
				want = binary.LittleEndian.Uint64(buf)
				if want > maxFrameBytes {
					p.logger.Error("frame length out of range, dropping link", "length", want)
					p.onLinkLost(p.remoteIP)
					return
				}
				buf = buf[:copy(buf, buf[8:])]
				continue
			}
			if uint64(len(buf)) < want {
				break
			}
			body := make([]byte, want)
			copy(body, buf[:want])
			buf = buf[:copy(buf, buf[want:])]
			want = 0
			p.onFrame(p, body)
		}

		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			// the socket was taken away under us during shutdown
			return
		}
		if isTerminal(err) {
			p.onLinkLost(p.remoteIP)
			return
		}
		p.logger.Warn("read error", "err", err)
	}
}

// Connect dials a node, retrying up to retries times (0 retries forever)
// with delay between attempts.
func Connect(dial DialFunc, ip netip.Addr, port uint16, retries int, delay time.Duration) (net.Conn, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if retries != 0 && attempt >= retries {
			return nil, fmt.Errorf("%w: %s:%d after %d attempts: %v", ErrConnectFailed, ip, port, attempt, lastErr)
		}
		conn, err := dial(ip, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(delay)
	}
}
