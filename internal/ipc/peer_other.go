//go:build !linux && !darwin && !windows

package ipc

import "net"

// GetPeerCredentials is not available on this platform.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerUnsupported
}
