//go:build linux

package overlay

import (
	"fmt"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

const interfaceName = "wnts0"

// bringUp creates the TUN interface, assigns the derived address, and
// raises the link. The event flags flip as each stage lands so Setup's
// polling barrier sees the same progression the runtime reports.
func (n *Node) bringUp(errCh chan<- error) {
	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: interfaceName},
	})
	if err != nil {
		errCh <- fmt.Errorf("create tun device: %w", err)
		return
	}
	n.iface = ifce
	n.online.Store(true)

	link, err := netlink.LinkByName(interfaceName)
	if err != nil {
		errCh <- fmt.Errorf("look up tun link: %w", err)
		return
	}

	addr, err := netlink.ParseAddr(n.ip.String() + "/8")
	if err != nil {
		errCh <- fmt.Errorf("parse overlay address: %w", err)
		return
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		errCh <- fmt.Errorf("assign overlay address: %w", err)
		return
	}
	if err := netlink.LinkSetUp(link); err != nil {
		errCh <- fmt.Errorf("bring tun device online: %w", err)
		return
	}

	// address assigned and link raised: the service subnet counts as joined
	n.networksJoined.Add(1)
}
