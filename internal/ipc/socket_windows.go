//go:build windows

package ipc

import (
	"os"
	"strings"
)

// DefaultSocketPath returns the per-user relay named pipe.
func DefaultSocketPath() string {
	user := os.Getenv("USERNAME")
	if user == "" {
		user = "default"
	}
	return `\\.\pipe\factlens-relay-` + user
}

// IsNamedPipePath reports whether path names a Windows named pipe.
func IsNamedPipePath(path string) bool {
	return strings.HasPrefix(path, `\\.\pipe\`)
}
