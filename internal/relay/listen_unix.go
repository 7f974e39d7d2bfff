//go:build !windows

package relay

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// listen creates the Unix socket, replacing a stale socket file but never
// one a live relay is serving.
func listen(socketPath string) (net.Listener, func(), error) {
	if conn, err := net.DialTimeout("unix", socketPath, time.Second); err == nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w at %s", ErrAlreadyRunning, socketPath)
	}
	os.Remove(socketPath)

	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", socketPath, err)
	}

	// Owner only: the relay and the UI always run as the same user.
	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return nil, nil, fmt.Errorf("chmod %s: %w", socketPath, err)
	}

	return listener, func() { os.Remove(socketPath) }, nil
}
