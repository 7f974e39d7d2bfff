package relayclient

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// SpawnOptions controls EnsureRelay.
type SpawnOptions struct {
	SocketPath string
	Version    string
	// Spawn starts a relay when none is listening.
	Spawn bool
	// Args are passed to the current executable, for example
	// ["relay", "--linger", "5m"].
	Args []string
	// Wait bounds how long to wait for a spawned relay to accept.
	Wait time.Duration
}

// EnsureRelay connects to a running relay, starting one from the current
// executable when none answers and opts.Spawn is set.
func EnsureRelay(ctx context.Context, opts SpawnOptions) (*Client, error) {
	c, err := Dial(ctx, opts.SocketPath, opts.Version)
	if err == nil || !opts.Spawn {
		return c, err
	}
	log.Info("no relay listening, starting one", "path", opts.SocketPath, "error", err)

	pid, err := spawnRelay(opts.Args)
	if err != nil {
		return nil, err
	}
	log.Info("spawned relay", "pid", pid)

	wait := opts.Wait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	backoff := 50 * time.Millisecond
	for {
		c, err := Dial(ctx, opts.SocketPath, opts.Version)
		if err == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("relayclient: relay pid %d did not come up: %w", pid, err)
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// spawnRelay starts the relay detached from this process and its terminal.
func spawnRelay(args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("relayclient: os.Executable: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("relayclient: start %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	// The relay outlives the UI; reap it if it exits first.
	go cmd.Wait()
	return pid, nil
}
