package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Wire layout. Frames are length-prefixed by the transport (uint64 little
// endian); the body starts with the type tag at offset 0 followed by the
// base header and the variant fields in declaration order. Integers are
// little endian except IP address bytes, which stay in network order.

// ErrUnknownMessageType means a frame carried a tag we do not speak. This
// is a programming error on the sender, not a recoverable condition.
var ErrUnknownMessageType = errors.New("unknown message type")

// MaxFrameSize caps how much a single frame may ask us to allocate.
const MaxFrameSize = 64 * 1024 * 1024

const (
	familyIPv4 = 4
	familyIPv6 = 6
)

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) ip(a netip.Addr) {
	if a.Is4() || a.Is4In6() {
		w.u8(familyIPv4)
		b := a.Unmap().As4()
		w.buf = append(w.buf, b[:]...)
		return
	}
	w.u8(familyIPv6)
	b := a.As16()
	w.buf = append(w.buf, b[:]...)
}

// path writes a slash path as a vector of length-prefixed components.
func (w *writer) path(p string) {
	if p == "" {
		w.u32(0)
		return
	}
	parts := strings.Split(p, "/")
	w.u32(uint32(len(parts)))
	for _, part := range parts {
		w.bytes([]byte(part))
	}
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated frame reading %s at offset %d", what, r.off)
	}
}

func (r *reader) u8(what string) uint8 {
	if r.err != nil || r.off+1 > len(r.data) {
		r.fail(what)
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) u16(what string) uint16 {
	if r.err != nil || r.off+2 > len(r.data) {
		r.fail(what)
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32(what string) uint32 {
	if r.err != nil || r.off+4 > len(r.data) {
		r.fail(what)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64(what string) uint64 {
	if r.err != nil || r.off+8 > len(r.data) {
		r.fail(what)
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes(what string) []byte {
	n := r.u32(what)
	if r.err != nil || n > MaxFrameSize || r.off+int(n) > len(r.data) {
		r.fail(what)
		return nil
	}
	v := make([]byte, n)
	copy(v, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	return v
}

func (r *reader) ip(what string) netip.Addr {
	family := r.u8(what)
	switch family {
	case familyIPv4:
		if r.err != nil || r.off+4 > len(r.data) {
			r.fail(what)
			return netip.Addr{}
		}
		var b [4]byte
		copy(b[:], r.data[r.off:])
		r.off += 4
		return netip.AddrFrom4(b)
	case familyIPv6:
		if r.err != nil || r.off+16 > len(r.data) {
			r.fail(what)
			return netip.Addr{}
		}
		var b [16]byte
		copy(b[:], r.data[r.off:])
		r.off += 16
		return netip.AddrFrom16(b)
	default:
		if r.err == nil {
			r.err = fmt.Errorf("bad address family %d reading %s", family, what)
		}
		return netip.Addr{}
	}
}

func (r *reader) path(what string) string {
	n := r.u32(what)
	if n == 0 || r.err != nil {
		return ""
	}
	parts := make([]string, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		parts = append(parts, string(r.bytes(what)))
	}
	return strings.Join(parts, "/")
}

// Marshal encodes a message body (without the transport length prefix).
// LinkLost is local-only and refuses to serialize.
func Marshal(m *Message) ([]byte, error) {
	if m.Type == TypeLinkLost {
		return nil, fmt.Errorf("link-lost messages are local only")
	}

	w := &writer{buf: make([]byte, 0, 64+len(m.Content)+len(m.Payload))}
	w.u8(uint8(m.Type))
	w.ip(m.Receiver)
	w.ip(m.Originator)
	w.u64(m.Hash)

	switch m.Type {
	case TypePayload:
		w.bytes(m.Payload)
	case TypeResendRequest:
		w.u64(m.RequestedHash)
		w.ip(m.OriginalDest)
	case TypeLock, TypeUnlock, TypeDeleteFile:
		w.path(m.TargetPath)
		w.i64(m.Timestamp.Unix())
	case TypeContentChange:
		w.path(m.TargetPath)
		w.i64(m.Timestamp.Unix())
		w.bytes(m.Content)
	case TypeInitialSync:
		w.path(m.TargetPath)
		w.i64(m.Timestamp.Unix())
		w.bytes(m.Content)
		w.u64(m.Index)
		w.u64(m.Total)
	case TypeInitialSyncRequest, TypeDisconnect:
		// base header only
	case TypeConnect:
		w.u32(uint32(len(m.Backups)))
		for _, hp := range m.Backups {
			w.ip(hp.Addr)
			w.u16(hp.Port)
		}
		w.u32(uint32(len(m.ManagedPaths)))
		for _, p := range m.ManagedPaths {
			w.path(p)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, m.Type)
	}
	return w.buf, nil
}

// Header is the routing prefix of a frame, enough to route without
// touching the variant fields.
type Header struct {
	Type       Type
	Receiver   netip.Addr
	Originator netip.Addr
	Hash       uint64
}

// DecodeHeader reads just the base header off a frame body.
func DecodeHeader(data []byte) (Header, error) {
	r := &reader{data: data}
	h := Header{
		Type:       Type(r.u8("type")),
		Receiver:   r.ip("receiver"),
		Originator: r.ip("originator"),
		Hash:       r.u64("hash"),
	}
	if r.err != nil {
		return Header{}, r.err
	}
	if h.Type == TypeInvalid || h.Type >= TypeLinkLost {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, h.Type)
	}
	return h, nil
}

// Unmarshal decodes a full frame body.
func Unmarshal(data []byte) (*Message, error) {
	r := &reader{data: data}
	m := &Message{
		Type:       Type(r.u8("type")),
		Receiver:   r.ip("receiver"),
		Originator: r.ip("originator"),
		Hash:       r.u64("hash"),
	}

	switch m.Type {
	case TypePayload:
		m.Payload = r.bytes("payload")
	case TypeResendRequest:
		m.RequestedHash = r.u64("requestedHash")
		m.OriginalDest = r.ip("originalDest")
	case TypeLock, TypeUnlock, TypeDeleteFile:
		m.TargetPath = r.path("targetPath")
		m.Timestamp = time.Unix(int64(r.u64("timestamp")), 0)
	case TypeContentChange:
		m.TargetPath = r.path("targetPath")
		m.Timestamp = time.Unix(int64(r.u64("timestamp")), 0)
		m.Content = r.bytes("content")
	case TypeInitialSync:
		m.TargetPath = r.path("targetPath")
		m.Timestamp = time.Unix(int64(r.u64("timestamp")), 0)
		m.Content = r.bytes("content")
		m.Index = r.u64("index")
		m.Total = r.u64("total")
	case TypeInitialSyncRequest, TypeDisconnect:
		// base header only
	case TypeConnect:
		n := r.u32("backupCount")
		for i := uint32(0); i < n && r.err == nil; i++ {
			m.Backups = append(m.Backups, HostPort{
				Addr: r.ip("backupAddr"),
				Port: r.u16("backupPort"),
			})
		}
		n = r.u32("pathCount")
		for i := uint32(0); i < n && r.err == nil; i++ {
			m.ManagedPaths = append(m.ManagedPaths, r.path("managedPath"))
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, m.Type)
	}

	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}
