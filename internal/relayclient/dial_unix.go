//go:build !windows

package relayclient

import (
	"context"
	"fmt"
	"net"
)

func dialIPC(ctx context.Context, socketPath string) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("relayclient: connect to %s: %w", socketPath, err)
	}
	return conn, nil
}
