//go:build darwin

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const localPeerPID = 0x002 // LOCAL_PEERPID

// GetPeerCredentials returns the peer PID via LOCAL_PEERPID and its UID via
// LOCAL_PEERCRED, then resolves the binary path.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, ErrPeerUnsupported
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("ipc: get syscall conn: %w", err)
	}

	var pid int
	var uid uint32
	var credErr error
	err = raw.Control(func(fd uintptr) {
		pid, credErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, localPeerPID)
		if credErr != nil {
			credErr = fmt.Errorf("getsockopt LOCAL_PEERPID: %w", credErr)
			return
		}
		xcred, err := unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if err != nil {
			credErr = fmt.Errorf("getsockopt LOCAL_PEERCRED: %w", err)
			return
		}
		uid = xcred.Uid
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("ipc: %w", credErr)
	}

	exePath, err := binaryPathForPID(pid)
	if err != nil {
		return nil, err
	}

	return &PeerCredentials{
		PID:        pid,
		UID:        uid,
		BinaryPath: exePath,
	}, nil
}
