//go:build windows

package relay

import (
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// pipeSecurity grants SYSTEM and the current user full control.
func pipeSecurity() (string, error) {
	token := windows.GetCurrentProcessToken()
	user, err := token.GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("get token user: %w", err)
	}
	return fmt.Sprintf("D:P(A;;GA;;;SY)(A;;GA;;;%s)", user.User.Sid.String()), nil
}

func listen(pipePath string) (net.Listener, func(), error) {
	timeout := time.Second
	if conn, err := winio.DialPipe(pipePath, &timeout); err == nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w at %s", ErrAlreadyRunning, pipePath)
	}

	sddl, err := pipeSecurity()
	if err != nil {
		return nil, nil, err
	}
	cfg := &winio.PipeConfig{
		SecurityDescriptor: sddl,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}

	listener, err := winio.ListenPipe(pipePath, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("listen pipe %s: %w", pipePath, err)
	}
	log.Info("named pipe listener created", "pipe", pipePath)
	return listener, func() {}, nil
}
