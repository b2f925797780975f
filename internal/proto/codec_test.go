package proto

import (
	"hash/fnv"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nodeA = netip.MustParseAddr("fd5c:9f3a::1")
	nodeB = netip.MustParseAddr("fd5c:9f3a::2")
)

func TestRoundTripContentChange(t *testing.T) {
	m := &Message{
		Type:       TypeContentChange,
		Receiver:   Broadcast,
		Originator: nodeA,
		TargetPath: "dir/sub/hello.txt",
		Timestamp:  time.Unix(1650000000, 0),
		Content:    []byte("hi there"),
	}
	m.Hash = m.Sum()

	buf, err := Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeContentChange), buf[0], "type tag must sit at offset 0")

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, m.TargetPath, got.TargetPath)
	assert.Equal(t, m.Timestamp.Unix(), got.Timestamp.Unix())
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.Hash, got.Hash)
	assert.Equal(t, m.Hash, got.Sum(), "hash must recompute identically after a round trip")
	assert.False(t, got.Sender.IsValid(), "sender must not survive serialization")
}

func TestRoundTripConnect(t *testing.T) {
	m := &Message{
		Type:       TypeConnect,
		Receiver:   nodeB,
		Originator: nodeA,
		Backups: []HostPort{
			{Addr: nodeA, Port: 12345},
			{Addr: netip.MustParseAddr("10.1.2.3"), Port: 4242},
		},
		ManagedPaths: []string{"dir", "other/tree"},
	}
	m.Hash = m.Sum()

	buf, err := Marshal(m)
	require.NoError(t, err)
	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, m.Backups, got.Backups)
	assert.Equal(t, m.ManagedPaths, got.ManagedPaths)
	assert.Equal(t, m.Hash, got.Sum())
}

func TestRoundTripResendRequest(t *testing.T) {
	m := &Message{
		Type:          TypeResendRequest,
		Receiver:      nodeB,
		Originator:    nodeA,
		RequestedHash: 0xdeadbeefcafe,
		OriginalDest:  Broadcast,
	}
	m.Hash = m.Sum()

	buf, err := Marshal(m)
	require.NoError(t, err)
	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, m.RequestedHash, got.RequestedHash)
	assert.Equal(t, m.OriginalDest, got.OriginalDest)
}

func TestDecodeHeader(t *testing.T) {
	m := &Message{
		Type:       TypeInitialSync,
		Receiver:   nodeB,
		Originator: nodeA,
		TargetPath: "dir/a.txt",
		Timestamp:  time.Unix(1650000123, 0),
		Content:    []byte("x"),
		Index:      3,
		Total:      7,
	}
	m.Hash = m.Sum()
	buf, err := Marshal(m)
	require.NoError(t, err)

	h, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, TypeInitialSync, h.Type)
	assert.Equal(t, nodeB, h.Receiver)
	assert.Equal(t, nodeA, h.Originator)
	assert.Equal(t, m.Hash, h.Hash)
}

func TestLinkLostRefusesToSerialize(t *testing.T) {
	_, err := Marshal(&Message{Type: TypeLinkLost, Originator: nodeA})
	assert.Error(t, err)
}

func TestFileClassHashOffset(t *testing.T) {
	// A file-scoped message hashes one higher than the raw digest of its
	// canonical string; base-class messages do not.
	lock := &Message{Type: TypeLock, Receiver: Broadcast, Originator: nodeA,
		TargetPath: "dir/f", Timestamp: time.Unix(100, 0)}
	disc := &Message{Type: TypeDisconnect, Receiver: Broadcast, Originator: nodeA}

	assert.Equal(t, fnv1a(lock.hashString())+1, lock.Sum())
	assert.Equal(t, fnv1a(disc.hashString()), disc.Sum())
}

func fnv1a(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func TestCorruptContentChangesHash(t *testing.T) {
	m := &Message{
		Type:       TypeContentChange,
		Receiver:   nodeB,
		Originator: nodeA,
		TargetPath: "dir/f",
		Timestamp:  time.Unix(100, 0),
		Content:    []byte("payload bytes"),
	}
	m.Hash = m.Sum()
	buf, err := Marshal(m)
	require.NoError(t, err)

	// flip one bit inside the content field
	buf[len(buf)-3] ^= 0x01

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, m.Hash, got.Hash, "carried hash still names the original frame")
	assert.NotEqual(t, got.Hash, got.Sum(), "recomputed hash must expose the corruption")
}

func TestTruncatedFrame(t *testing.T) {
	m := &Message{Type: TypeLock, Receiver: nodeB, Originator: nodeA,
		TargetPath: "dir/f", Timestamp: time.Unix(100, 0)}
	m.Hash = m.Sum()
	buf, err := Marshal(m)
	require.NoError(t, err)

	_, err = Unmarshal(buf[:len(buf)-4])
	assert.Error(t, err)
}

func TestUnknownType(t *testing.T) {
	buf := []byte{0xEE, 4, 127, 0, 0, 1}
	_, err := Unmarshal(buf)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}
