package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// CommandOptions configures a CommandDevice.
type CommandOptions struct {
	Program     string
	Args        []string // nil selects DefaultArgs for the platform
	ContentType string
	Interval    time.Duration
	StopTimeout time.Duration
	// StartGrace is how long Start waits for the recorder to either produce
	// data or die before declaring the device acquired.
	StartGrace time.Duration
}

// DefaultArgs returns ffmpeg arguments that record the default microphone
// as Opus in a WebM container on stdout.
func DefaultArgs() []string {
	var input []string
	switch runtime.GOOS {
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", ":0"}
	case "windows":
		input = []string{"-f", "dshow", "-i", "audio=Microphone"}
	default:
		input = []string{"-f", "pulse", "-i", "default"}
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args, "-vn", "-ac", "1", "-c:a", "libopus", "-b:a", "64k", "-f", "webm", "pipe:1")
}

// CommandDevice captures audio by running an external recorder that writes
// the encoded stream to stdout. Stop writes "q" to the recorder's stdin,
// which ffmpeg treats as a request to finalize the container and exit.
type CommandDevice struct {
	opts CommandOptions

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	buf     bytes.Buffer
	stderr  *limitedBuffer
	deliver func([]byte)
	fail    func(error)
	stopped chan struct{} // closed by Stop to end the ticker
	tickEnd chan struct{} // closed when the ticker goroutine exits
	exited  chan struct{} // closed after cmd.Wait returns
	exitErr error
	running bool
}

// NewCommandDevice creates a device; nothing runs until Start.
func NewCommandDevice(opts CommandOptions) *CommandDevice {
	if opts.Args == nil {
		opts.Args = DefaultArgs()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 3 * time.Second
	}
	if opts.StartGrace <= 0 {
		opts.StartGrace = 750 * time.Millisecond
	}
	return &CommandDevice{opts: opts}
}

func (d *CommandDevice) ContentType() string {
	return d.opts.ContentType
}

func (d *CommandDevice) Start(deliver func([]byte), fail func(error)) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}

	cmd := exec.Command(d.opts.Program, d.opts.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: stdin pipe: %v", ErrDeviceUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: stdout pipe: %v", ErrDeviceUnavailable, err)
	}
	stderr := &limitedBuffer{limit: 8 * 1024}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: recorder %q not found", ErrDeviceUnavailable, d.opts.Program)
		}
		return fmt.Errorf("%w: start recorder: %v", ErrDeviceUnavailable, err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.stderr = stderr
	d.buf.Reset()
	d.deliver = deliver
	d.fail = fail
	d.stopped = make(chan struct{})
	d.tickEnd = make(chan struct{})
	d.exited = make(chan struct{})
	d.exitErr = nil
	d.running = true
	stopped, tickEnd, exited := d.stopped, d.tickEnd, d.exited
	d.mu.Unlock()

	firstData := make(chan struct{})
	go d.readLoop(cmd, stdout, firstData, exited)

	select {
	case <-firstData:
	case <-exited:
		d.mu.Lock()
		exitErr, buffered := d.exitErr, d.buf.Len()
		if exitErr != nil || buffered == 0 {
			d.running = false
			d.mu.Unlock()
			stdin.Close()
			return classifyExit(exitErr, stderr.String(), "recorder exited before producing audio")
		}
		d.mu.Unlock()
	case <-time.After(d.opts.StartGrace):
	}

	go d.tickLoop(stopped, tickEnd, exited)
	log.Info("recorder started", "program", d.opts.Program, "pid", cmd.Process.Pid)
	return nil
}

func (d *CommandDevice) readLoop(cmd *exec.Cmd, stdout io.Reader, firstData, exited chan struct{}) {
	var once sync.Once
	chunk := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			d.mu.Lock()
			d.buf.Write(chunk[:n])
			d.mu.Unlock()
			once.Do(func() { close(firstData) })
		}
		if err != nil {
			break
		}
	}

	// cmd.Wait must follow the last stdout read.
	err := cmd.Wait()
	d.mu.Lock()
	d.exitErr = err
	d.mu.Unlock()
	close(exited)
}

func (d *CommandDevice) tickLoop(stopped, tickEnd, exited chan struct{}) {
	lost := d.tick(stopped, exited)
	close(tickEnd)
	if lost && d.fail != nil {
		d.fail(d.lostError())
	}
}

// tick flushes once per interval. It reports whether the recorder exited
// before Stop.
func (d *CommandDevice) tick(stopped, exited chan struct{}) bool {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopped:
			return false
		case <-exited:
			select {
			case <-stopped:
				return false
			default:
			}
			log.Warn("recorder exited while capturing", "error", d.exitError(), "stderr", d.stderr.String())
			return true
		case <-ticker.C:
			d.flush()
		}
	}
}

// lostError describes a recorder that died mid-capture. Denial wording in
// stderr still maps to ErrDeviceDenied.
func (d *CommandDevice) lostError() error {
	err := classifyExit(d.exitError(), d.stderr.String(), "recorder exited")
	if errors.Is(err, ErrDeviceDenied) {
		return err
	}
	msg := strings.TrimPrefix(strings.TrimPrefix(err.Error(), ErrDeviceUnavailable.Error()), ": ")
	return fmt.Errorf("%w: %s", ErrDeviceLost, msg)
}

func (d *CommandDevice) flush() {
	d.mu.Lock()
	if d.buf.Len() == 0 {
		d.mu.Unlock()
		// Empty ticks still reach the caller, which discards them.
		d.deliver(nil)
		return
	}
	data := bytes.Clone(d.buf.Bytes())
	d.buf.Reset()
	d.mu.Unlock()
	d.deliver(data)
}

func (d *CommandDevice) exitError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitErr
}

func (d *CommandDevice) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopped)
	stdin, cmd, exited, tickEnd := d.stdin, d.cmd, d.exited, d.tickEnd
	d.mu.Unlock()

	<-tickEnd

	stdin.Write([]byte("q"))
	stdin.Close()

	var stopErr error
	select {
	case <-exited:
	case <-time.After(d.opts.StopTimeout):
		log.Warn("recorder did not exit in time, killing", "pid", cmd.Process.Pid)
		if err := cmd.Process.Kill(); err != nil {
			stopErr = fmt.Errorf("capture: kill recorder: %w", err)
		}
		<-exited
	}

	// Final partial chunk, after the recorder finalized the container.
	d.flush()
	log.Info("recorder stopped", "pid", cmd.Process.Pid)
	return stopErr
}

// classifyExit maps a recorder exit to a capture error. fallback is used
// when neither stderr nor the exit status says anything.
func classifyExit(err error, stderr, fallback string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" && err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = fallback
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "not authorized") ||
		strings.Contains(lower, "operation not permitted") {
		return fmt.Errorf("%w: %s", ErrDeviceDenied, msg)
	}
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, msg)
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := l.limit - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
