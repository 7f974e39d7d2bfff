package capture

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu     sync.Mutex
	chunks [][]byte
	empty  int
}

func (c *collector) deliver(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(b) == 0 {
		c.empty++
		return
	}
	c.chunks = append(c.chunks, b)
}

func (c *collector) joined() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.chunks, nil)
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestCommandDeviceDeliversAndFlushesOnStop(t *testing.T) {
	skipWithoutShell(t)

	// Emits one block, then waits for "q" on stdin and emits a trailer.
	script := `printf 'head'; read -r line; printf 'tail'`
	d := NewCommandDevice(CommandOptions{
		Program:     "sh",
		Args:        []string{"-c", script},
		ContentType: "audio/webm",
		Interval:    20 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	})

	var c collector
	if err := d.Start(c.deliver, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(c.deliver, nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	time.Sleep(80 * time.Millisecond)
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := string(c.joined()); got != "headtail" {
		t.Fatalf("delivered %q, want %q", got, "headtail")
	}
	if d.ContentType() != "audio/webm" {
		t.Fatalf("ContentType = %q", d.ContentType())
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op: %v", err)
	}
}

func TestCommandDeviceKillsStuckRecorder(t *testing.T) {
	skipWithoutShell(t)

	d := NewCommandDevice(CommandOptions{
		Program:     "sh",
		Args:        []string{"-c", `printf 'x'; exec sleep 30 < /dev/null`},
		Interval:    20 * time.Millisecond,
		StopTimeout: 100 * time.Millisecond,
	})
	var c collector
	if err := d.Start(c.deliver, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	d.Stop()
	if time.Since(start) > 2*time.Second {
		t.Fatal("Stop should kill the recorder after StopTimeout")
	}
	if got := string(c.joined()); got != "x" {
		t.Fatalf("delivered %q", got)
	}
}

func TestCommandDeviceDenied(t *testing.T) {
	skipWithoutShell(t)

	d := NewCommandDevice(CommandOptions{
		Program: "sh",
		Args:    []string{"-c", `echo "default: Permission denied" >&2; exit 1`},
	})
	err := d.Start(func([]byte) {}, nil)
	if !errors.Is(err, ErrDeviceDenied) {
		t.Fatalf("Start = %v, want ErrDeviceDenied", err)
	}
}

func TestCommandDeviceUnavailable(t *testing.T) {
	skipWithoutShell(t)

	d := NewCommandDevice(CommandOptions{
		Program: "sh",
		Args:    []string{"-c", `echo "no such device" >&2; exit 1`},
	})
	if err := d.Start(func([]byte) {}, nil); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}

	missing := NewCommandDevice(CommandOptions{Program: "factlens-no-such-recorder"})
	if err := missing.Start(func([]byte) {}, nil); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start with missing program = %v, want ErrDeviceUnavailable", err)
	}
}

func TestFileDeviceReplaysWholeFile(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)
	path := filepath.Join(t.TempDir(), "clip.webm")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := &FileDevice{Path: path, Type: "audio/webm", Interval: time.Hour, ChunkSize: 64}
	var c collector
	if err := d.Start(c.deliver, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !bytes.Equal(c.joined(), data) {
		t.Fatalf("replayed %d bytes, want %d", len(c.joined()), len(data))
	}
	if len(c.chunks) != 16 {
		t.Fatalf("chunks = %d, want 16", len(c.chunks))
	}
}

func TestFileDeviceTicksUntilEOF(t *testing.T) {
	data := []byte("abcdefghij")
	path := filepath.Join(t.TempDir(), "clip.webm")
	os.WriteFile(path, data, 0600)

	d := &FileDevice{Path: path, Type: "audio/webm", Interval: 5 * time.Millisecond, ChunkSize: 4}
	var c collector
	if err := d.Start(c.deliver, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("file device did not reach EOF")
	}
	d.Stop()
	if string(c.joined()) != string(data) {
		t.Fatalf("replayed %q", c.joined())
	}
}

func TestFileDeviceMissingFile(t *testing.T) {
	d := &FileDevice{Path: filepath.Join(t.TempDir(), "nope.webm")}
	if err := d.Start(func([]byte) {}, nil); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
}

func TestCommandDeviceReportsRecorderDeath(t *testing.T) {
	skipWithoutShell(t)

	d := NewCommandDevice(CommandOptions{
		Program:  "sh",
		Args:     []string{"-c", `printf 'abc'; sleep 0.2; echo 'device unplugged' >&2; exit 1`},
		Interval: 20 * time.Millisecond,
	})
	var c collector
	failed := make(chan error, 2)
	if err := d.Start(c.deliver, func(err error) { failed <- err }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var err error
	select {
	case err = <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("recorder death was not reported")
	}
	if !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("fail(%v), want ErrDeviceLost", err)
	}
	if want := "capture: microphone lost: device unplugged"; err.Error() != want {
		t.Fatalf("fail message = %q, want %q", err.Error(), want)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop after recorder death: %v", err)
	}
	select {
	case err := <-failed:
		t.Fatalf("fail called twice: %v", err)
	default:
	}
	if got := string(c.joined()); got != "abc" {
		t.Fatalf("delivered %q, want %q", got, "abc")
	}
}

func TestCommandDeviceStopDoesNotReportFailure(t *testing.T) {
	skipWithoutShell(t)

	d := NewCommandDevice(CommandOptions{
		Program:  "sh",
		Args:     []string{"-c", `printf 'head'; read -r line`},
		Interval: 20 * time.Millisecond,
	})
	failed := make(chan error, 1)
	if err := d.Start(func([]byte) {}, func(err error) { failed <- err }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.Stop()
	select {
	case err := <-failed:
		t.Fatalf("fail called on a requested stop: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFileDeviceDoneBeforeStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.webm")
	os.WriteFile(path, []byte("abcdefgh"), 0600)

	d := &FileDevice{Path: path, Type: "audio/webm", Interval: 10 * time.Millisecond, ChunkSize: 4}
	done := d.Done()
	if done == nil {
		t.Fatal("Done() before Start returned nil")
	}
	var c collector
	if err := d.Start(c.deliver, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel from Done() before Start never closed after the file was replayed")
	}
	d.Stop()
	if got := string(c.joined()); got != "abcdefgh" {
		t.Fatalf("replayed %q", got)
	}
}
