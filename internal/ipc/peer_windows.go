//go:build windows

package ipc

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procGetNamedPipeClientProcessId = modkernel32.NewProc("GetNamedPipeClientProcessId")
)

// GetPeerCredentials resolves the client PID of a named pipe connection and
// reads the owning user's SID from its process token.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	hc, ok := conn.(interface{ Fd() uintptr })
	if !ok {
		return nil, ErrPeerUnsupported
	}

	var clientPID uint32
	r1, _, err := procGetNamedPipeClientProcessId.Call(hc.Fd(), uintptr(unsafe.Pointer(&clientPID)))
	if r1 == 0 {
		return nil, fmt.Errorf("ipc: GetNamedPipeClientProcessId: %w", err)
	}

	proc, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, clientPID)
	if err != nil {
		return nil, fmt.Errorf("ipc: OpenProcess(%d): %w", clientPID, err)
	}
	defer windows.CloseHandle(proc)

	var token windows.Token
	if err := windows.OpenProcessToken(proc, windows.TOKEN_QUERY, &token); err != nil {
		return nil, fmt.Errorf("ipc: OpenProcessToken: %w", err)
	}
	defer token.Close()

	tokenUser, err := token.GetTokenUser()
	if err != nil {
		return nil, fmt.Errorf("ipc: GetTokenUser: %w", err)
	}

	exePath, err := binaryPathForPID(int(clientPID))
	if err != nil {
		return nil, err
	}

	return &PeerCredentials{
		PID:        int(clientPID),
		SID:        tokenUser.User.Sid.String(),
		BinaryPath: exePath,
	}, nil
}
