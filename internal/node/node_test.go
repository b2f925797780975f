package node

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuadahlunr/wnts/pkg/overlay"
)

// The integration tests run several real nodes in one process, each bound
// to its own 127/8 loopback address so the addresses double as node
// identities. Linux routes all of 127.0.0.0/8 on lo; other platforms
// don't, so these tests are Linux-only.

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("multi-address loopback only works on linux")
	}
}

// startTestNode brings up a full node over plain loopback TCP with the
// admission handshake, bypassing only the TUN interface.
func startTestNode(t *testing.T, ip string, port uint16, folders []string, connect netip.Addr) *Node {
	t.Helper()

	n := New(Options{
		Folders: folders,
		Connect: connect,
		Port:    port,
		Root:    t.TempDir(),
	}, nil)

	local := netip.MustParseAddr(ip)
	n.localIP = local
	n.dial = func(dst netip.Addr, dstPort uint16) (net.Conn, error) {
		dialer := net.Dialer{
			Timeout:   3 * time.Second,
			LocalAddr: &net.TCPAddr{IP: local.AsSlice()},
		}
		raw, err := dialer.Dial("tcp", netip.AddrPortFrom(dst, dstPort).String())
		if err != nil {
			return nil, err
		}
		return overlay.Handshake(raw, true)
	}
	n.wrapAccepted = func(raw net.Conn) (net.Conn, error) {
		return overlay.Handshake(raw, false)
	}

	require.NoError(t, n.setupWithTransport())
	go n.Run()
	t.Cleanup(n.Stop)
	return n
}

func write(t *testing.T, n *Node, rel, content string) {
	t.Helper()
	path := filepath.Join(n.opts.Root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func read(n *Node, rel string) (string, bool) {
	content, err := os.ReadFile(filepath.Join(n.opts.Root, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	return string(content), true
}

func waitForContent(t *testing.T, n *Node, rel, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got, ok := read(n, rel); ok && got == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	got, _ := read(n, rel)
	t.Fatalf("%s never reached %q on node %s (last: %q)", rel, want, n.localIP, got)
}

func TestBootstrapAndJoinSyncsInitialState(t *testing.T) {
	requireLinux(t)

	a := startTestNode(t, "127.0.1.1", 42101, []string{"dir"}, netip.Addr{})
	write(t, a, "dir/hello.txt", "hi")

	b := startTestNode(t, "127.0.1.2", 42101, nil, a.localIP)

	waitForContent(t, b, "dir/hello.txt", "hi", 3*time.Second)
	assert.Equal(t, []string{"dir"}, b.messages.ManagedPaths(), "the joiner adopts the managed paths")

	// the initial copy must also land in the joiner's mirror
	mirror, ok := read(b, "dir/.wnts/hello.txt")
	require.True(t, ok)
	assert.Equal(t, "hi", mirror)
}

func TestWritePropagates(t *testing.T) {
	requireLinux(t)

	a := startTestNode(t, "127.0.1.3", 42102, []string{"dir"}, netip.Addr{})
	write(t, a, "dir/hello.txt", "hi")

	b := startTestNode(t, "127.0.1.4", 42102, nil, a.localIP)
	waitForContent(t, b, "dir/hello.txt", "hi", 3*time.Second)

	write(t, a, "dir/hello.txt", "bye")
	waitForContent(t, b, "dir/hello.txt", "bye", 3*time.Second)

	// and the other direction
	write(t, b, "dir/hello.txt", "round trip")
	waitForContent(t, a, "dir/hello.txt", "round trip", 3*time.Second)
}

func TestCreateAndDeletePropagate(t *testing.T) {
	requireLinux(t)

	a := startTestNode(t, "127.0.1.5", 42103, []string{"dir"}, netip.Addr{})
	write(t, a, "dir/seed.txt", "seed")

	b := startTestNode(t, "127.0.1.6", 42103, nil, a.localIP)
	waitForContent(t, b, "dir/seed.txt", "seed", 3*time.Second)

	write(t, a, "dir/sub/fresh.txt", "brand new")
	waitForContent(t, b, "dir/sub/fresh.txt", "brand new", 3*time.Second)

	require.NoError(t, os.Remove(filepath.Join(a.opts.Root, "dir", "sub", "fresh.txt")))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := read(b, "dir/sub/fresh.txt"); !ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("deletion never propagated")
}

func TestGatewayFailover(t *testing.T) {
	requireLinux(t)

	a := startTestNode(t, "127.0.1.7", 42104, []string{"dir"}, netip.Addr{})
	write(t, a, "dir/f.txt", "x")

	b := startTestNode(t, "127.0.1.8", 42104, nil, a.localIP)
	waitForContent(t, b, "dir/f.txt", "x", 3*time.Second)

	c := startTestNode(t, "127.0.1.9", 42104, nil, a.localIP)
	waitForContent(t, c, "dir/f.txt", "x", 3*time.Second)

	// c joined after b, so a offered it b as a backup
	require.Eventually(t, func() bool {
		backups := c.peers.Backups()
		return len(backups) == 1 && backups[0].Addr == b.localIP
	}, 2*time.Second, 50*time.Millisecond, "c should know about b as a backup")

	// kill the gateway
	a.Stop()

	// c must fail over to b and forget it as a backup
	require.Eventually(t, func() bool {
		return c.peers.Gateway() == b.localIP
	}, 5*time.Second, 50*time.Millisecond, "c should promote b to gateway")

	// the promoted backup leaves the list, and the disconnect broadcast
	// scrubs the dead gateway from it
	require.Eventually(t, func() bool {
		for _, hp := range c.peers.Backups() {
			if hp.Addr == a.localIP || hp.Addr == b.localIP {
				return false
			}
		}
		return true
	}, 3*time.Second, 50*time.Millisecond, "a and b must leave c's backup list")

	// the survivors must still replicate
	waitForContent(t, c, "dir/f.txt", "x", 3*time.Second)
	write(t, b, "dir/f.txt", "after failover")
	waitForContent(t, c, "dir/f.txt", "after failover", 5*time.Second)
}
