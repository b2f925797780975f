//go:build windows

package p2p

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// setSocketReuseAddr marks the service listener's port reusable, so a node
// restarting right after a crash can rebind before the old socket leaves
// TIME_WAIT. Windows implementation; there is no SO_REUSEPORT here.
func setSocketReuseAddr(network, address string, c syscall.RawConn) error {
	var optErr error
	err := c.Control(func(fd uintptr) {
		optErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return optErr
}
