package capture

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"
)

// FileDevice replays an already-encoded audio file as if it were being
// captured: ChunkSize bytes per Interval. Stop delivers the unread remainder,
// so Start followed immediately by Stop yields the whole file.
type FileDevice struct {
	Path      string
	Type      string
	Interval  time.Duration
	ChunkSize int

	mu      sync.Mutex
	f       *os.File
	deliver func([]byte)
	fail    func(error)
	stopped chan struct{}
	tickEnd chan struct{}
	eof     chan struct{}
}

func (d *FileDevice) ContentType() string {
	return d.Type
}

// Done is closed once the whole file has been delivered by the ticker. It may
// be called before Start.
func (d *FileDevice) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eof == nil {
		d.eof = make(chan struct{})
	}
	return d.eof
}

func (d *FileDevice) Start(deliver func([]byte), fail func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f != nil {
		return ErrAlreadyRunning
	}

	f, err := os.Open(d.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrDeviceDenied, err)
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	if d.ChunkSize <= 0 {
		d.ChunkSize = 16 * 1024
	}
	if d.Interval <= 0 {
		d.Interval = time.Second
	}
	d.f = f
	d.deliver = deliver
	d.fail = fail
	d.stopped = make(chan struct{})
	d.tickEnd = make(chan struct{})
	if d.eof == nil || isClosed(d.eof) {
		d.eof = make(chan struct{})
	}

	go d.tickLoop(f, d.stopped, d.tickEnd, d.eof)
	return nil
}

func (d *FileDevice) tickLoop(f *os.File, stopped, tickEnd, eof chan struct{}) {
	err := d.replay(f, stopped, eof)
	close(tickEnd)
	if err != nil && d.fail != nil {
		d.fail(err)
	}
}

// replay delivers one chunk per tick until EOF or Stop. It returns a non-nil
// error only when reading fails before the end of the file.
func (d *FileDevice) replay(f *os.File, stopped, eof chan struct{}) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopped:
			return nil
		case <-ticker.C:
			buf := make([]byte, d.ChunkSize)
			n, err := io.ReadFull(f, buf)
			if n > 0 {
				d.deliver(buf[:n])
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				close(eof)
				return nil
			}
			if err != nil {
				log.Warn("file capture read failed", "path", d.Path, "error", err)
				return fmt.Errorf("%w: read %s: %v", ErrDeviceLost, d.Path, err)
			}
		}
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (d *FileDevice) Stop() error {
	d.mu.Lock()
	f := d.f
	if f == nil {
		d.mu.Unlock()
		return nil
	}
	d.f = nil
	close(d.stopped)
	tickEnd := d.tickEnd
	d.mu.Unlock()

	<-tickEnd

	buf := make([]byte, d.ChunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			d.deliver(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	return f.Close()
}
