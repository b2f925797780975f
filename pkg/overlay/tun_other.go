//go:build !linux

package overlay

import "fmt"

// The overlay interface is only implemented for Linux; other platforms
// never come online.
func (n *Node) bringUp(errCh chan<- error) {
	errCh <- fmt.Errorf("overlay interface not supported on this platform")
}
