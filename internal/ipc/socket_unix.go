//go:build !windows

package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSocketPath returns the per-user relay socket path. XDG_RUNTIME_DIR
// is preferred when set.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "factlens", "relay.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("factlens-%d", os.Getuid()), "relay.sock")
}

// IsNamedPipePath is always false on Unix.
func IsNamedPipePath(string) bool { return false }
