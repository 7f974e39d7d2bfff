package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrPeerUnsupported is returned where the platform or connection type cannot
// report kernel-verified peer credentials (for example TCP in tests).
var ErrPeerUnsupported = errors.New("ipc: peer credentials unsupported")

// PeerCredentials holds the verified identity of an IPC peer.
type PeerCredentials struct {
	PID        int
	UID        uint32 // Always 0 on Windows; use SID instead
	SID        string // Windows Security Identifier
	BinaryPath string
}

// IdentityKey returns the platform identity key for this peer: the SID on
// Windows, the UID elsewhere.
func (p *PeerCredentials) IdentityKey() string {
	if p.SID != "" {
		return p.SID
	}
	return strconv.FormatUint(uint64(p.UID), 10)
}

// binaryPathForPID resolves a process image path through gopsutil.
func binaryPathForPID(pid int) (string, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("ipc: lookup pid %d: %w", pid, err)
	}
	exe, err := proc.Exe()
	if err != nil {
		return "", fmt.Errorf("ipc: resolve exe for pid %d: %w", pid, err)
	}
	return exe, nil
}

// VerifyBinaryPath reports whether binaryPath is the running executable.
// The UI and the relay are the same binary started with different commands.
func VerifyBinaryPath(binaryPath string) bool {
	expected, err := os.Executable()
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(expected); err == nil {
		expected = resolved
	}
	if resolved, err := filepath.EvalSymlinks(binaryPath); err == nil {
		binaryPath = resolved
	}
	expected = filepath.Clean(expected)
	binaryPath = filepath.Clean(binaryPath)
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return strings.EqualFold(expected, binaryPath)
	}
	return expected == binaryPath
}
