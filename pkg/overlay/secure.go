package overlay

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Admission to the overlay: an ephemeral X25519 exchange keyed to the
// connection transcript, then every byte runs through ChaCha20-Poly1305
// records. The service's own message frames ride inside the record layer;
// the rest of the code only ever sees a net.Conn.

// ErrAdmissionFailed means the key exchange with a peer did not complete;
// the connection is unusable and the caller should treat the peer as
// unreachable.
var ErrAdmissionFailed = errors.New("overlay admission failed")

const (
	// recordHeaderLen prefixes every encrypted record with its ciphertext
	// length, big endian.
	recordHeaderLen = 4
	// maxRecordPlaintext bounds how much cleartext a single record may
	// carry. Anything longer is split across records.
	maxRecordPlaintext = 16 * 1024

	labelDialer   = "wnts1 dialer->acceptor"
	labelAcceptor = "wnts1 acceptor->dialer"
)

// halfDuplex is one direction of a secured connection: its cipher and the
// record counter that doubles as the nonce. Counters start at zero and
// never repeat; the two directions are keyed independently, so neither
// side can be replayed into the other.
type halfDuplex struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	counter uint64
	// raw wire bytes accumulated toward the next record. Reads are driven
	// by pollers with short deadlines, so a record may arrive across many
	// interrupted reads and the partial state has to survive each timeout.
	raw []byte
	// plaintext already opened but not yet claimed by a Read
	pending []byte
}

// nonce renders the current counter as the 12-byte AEAD nonce and
// advances it. A wrapped counter would reuse nonces, which is fatal for
// the cipher, so the connection dies first.
func (h *halfDuplex) nonce() ([]byte, error) {
	if h.counter == ^uint64(0) {
		return nil, errors.New("record counter exhausted")
	}
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], h.counter)
	h.counter++
	return n[:], nil
}

// seal produces one framed record for up to maxRecordPlaintext bytes.
func (h *halfDuplex) seal(chunk []byte) ([]byte, error) {
	n, err := h.nonce()
	if err != nil {
		return nil, err
	}
	record := make([]byte, recordHeaderLen, recordHeaderLen+len(chunk)+h.aead.Overhead())
	record = h.aead.Seal(record, n, chunk, nil)
	binary.BigEndian.PutUint32(record[:recordHeaderLen], uint32(len(record)-recordHeaderLen))
	return record, nil
}

// takeRecord carves the next complete record out of the accumulated wire
// bytes and decrypts it into pending. Returns false when more bytes are
// needed; an error means the stream is poisoned and cannot recover.
func (h *halfDuplex) takeRecord() (bool, error) {
	if len(h.raw) < recordHeaderLen {
		return false, nil
	}
	size := binary.BigEndian.Uint32(h.raw[:recordHeaderLen])
	if size > maxRecordPlaintext+uint32(h.aead.Overhead()) {
		return false, fmt.Errorf("record of %d bytes exceeds the record limit", size)
	}
	if uint32(len(h.raw)-recordHeaderLen) < size {
		return false, nil
	}

	ciphertext := make([]byte, size)
	copy(ciphertext, h.raw[recordHeaderLen:recordHeaderLen+size])
	h.raw = h.raw[:copy(h.raw, h.raw[recordHeaderLen+size:])]

	n, err := h.nonce()
	if err != nil {
		return false, err
	}
	plaintext, err := h.aead.Open(ciphertext[:0], n, ciphertext, nil)
	if err != nil {
		return false, fmt.Errorf("record failed authentication: %w", err)
	}
	h.pending = plaintext
	return true, nil
}

// SecureConn is a net.Conn whose traffic is AEAD-protected in both
// directions.
type SecureConn struct {
	net.Conn
	tx halfDuplex
	rx halfDuplex
}

// Write splits p into records and sends them. The byte count reported is
// plaintext, like any net.Conn.
func (s *SecureConn) Write(p []byte) (int, error) {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()

	for written := 0; written < len(p); {
		chunk := p[written:]
		if len(chunk) > maxRecordPlaintext {
			chunk = chunk[:maxRecordPlaintext]
		}
		record, err := s.tx.seal(chunk)
		if err != nil {
			return written, err
		}
		if _, err := s.Conn.Write(record); err != nil {
			return written, fmt.Errorf("write record: %w", err)
		}
		written += len(chunk)
	}
	return len(p), nil
}

// Read hands out buffered plaintext first and works toward the next
// record only when the buffer runs dry. Transport errors (deadlines
// included) pass through with the partial record intact; decrypt and
// framing failures poison the stream, since the cipher state is out of
// step with the wire, and close the socket.
func (s *SecureConn) Read(p []byte) (int, error) {
	s.rx.mu.Lock()
	defer s.rx.mu.Unlock()

	buf := make([]byte, maxRecordPlaintext)
	for len(s.rx.pending) == 0 {
		complete, err := s.rx.takeRecord()
		if err != nil {
			s.Conn.Close()
			return 0, err
		}
		if complete {
			break
		}

		n, err := s.Conn.Read(buf)
		if n > 0 {
			s.rx.raw = append(s.rx.raw, buf[:n]...)
		}
		if err != nil && n == 0 {
			return 0, err
		}
	}

	n := copy(p, s.rx.pending)
	s.rx.pending = s.rx.pending[n:]
	return n, nil
}

// exchangeKeys swaps ephemeral public keys with the far side. The dialer
// speaks first and the acceptor answers, so neither end ever has both
// sides blocked on a read.
func exchangeKeys(conn net.Conn, outbound bool, ours []byte) ([]byte, error) {
	theirs := make([]byte, curve25519.PointSize)
	if outbound {
		if _, err := conn.Write(ours); err != nil {
			return nil, fmt.Errorf("offer key: %w", err)
		}
		if _, err := io.ReadFull(conn, theirs); err != nil {
			return nil, fmt.Errorf("read answer key: %w", err)
		}
	} else {
		if _, err := io.ReadFull(conn, theirs); err != nil {
			return nil, fmt.Errorf("read offered key: %w", err)
		}
		if _, err := conn.Write(ours); err != nil {
			return nil, fmt.Errorf("answer key: %w", err)
		}
	}
	return theirs, nil
}

// directionKey expands one direction's cipher key from the shared secret.
// The salt binds the keys to this connection's transcript and the label
// to the direction, so the two flows are cryptographically unrelated.
func directionKey(secret, transcript []byte, label string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	expand := hkdf.New(sha256.New, secret, transcript, []byte(label))
	if _, err := io.ReadFull(expand, key); err != nil {
		return nil, fmt.Errorf("expand %q key: %w", label, err)
	}
	return chacha20poly1305.New(key)
}

// Handshake admits a connection: ephemeral X25519 agreement, then a
// per-direction key schedule bound to the transcript of exchanged keys.
func Handshake(conn net.Conn, outbound bool) (*SecureConn, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrAdmissionFailed, err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionFailed, err)
	}

	peerPub, err := exchangeKeys(conn, outbound, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionFailed, err)
	}

	secret, err := curve25519.X25519(priv[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionFailed, err)
	}

	// both ends hash the keys in dialer-then-acceptor order, so the
	// transcript is shared while the roles stay distinguishable
	var transcript [blake2s.Size]byte
	if outbound {
		transcript = blake2s.Sum256(append(append([]byte{}, pub...), peerPub...))
	} else {
		transcript = blake2s.Sum256(append(append([]byte{}, peerPub...), pub...))
	}

	dialerAEAD, err := directionKey(secret, transcript[:], labelDialer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionFailed, err)
	}
	acceptorAEAD, err := directionKey(secret, transcript[:], labelAcceptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdmissionFailed, err)
	}

	s := &SecureConn{Conn: conn}
	if outbound {
		s.tx.aead, s.rx.aead = dialerAEAD, acceptorAEAD
	} else {
		s.tx.aead, s.rx.aead = acceptorAEAD, dialerAEAD
	}
	return s, nil
}
