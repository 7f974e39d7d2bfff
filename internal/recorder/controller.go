package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/factlens/desktop/internal/capture"
	"github.com/factlens/desktop/internal/logging"
	"github.com/factlens/desktop/pkg/models"
)

var log = logging.L("recorder")

var (
	ErrSessionActive = errors.New("recorder: a session is already active")
	ErrNotRecording  = errors.New("recorder: not recording")
	ErrNotProcessing = errors.New("recorder: no analysis in flight")
)

// Relay delivers a payload for analysis. Errors should be
// *models.TransportError; anything else is reported as ServerUnreachable.
type Relay interface {
	Analyze(ctx context.Context, payload *models.Payload) (*models.AnalysisResult, error)
}

// Options tunes a Controller. Zero values select defaults.
type Options struct {
	// Timeout bounds the Processing state.
	Timeout  time.Duration
	Listener func(Event)
	NewID    func() string
	Now      func() time.Time
}

// Controller drives the recording state machine:
// Idle -> Recording -> Processing -> Done|Failed -> Idle.
type Controller struct {
	device capture.Device
	relay  Relay
	opts   Options

	mu      sync.Mutex
	state   State
	session *Session
	message string
	wg      sync.WaitGroup
	// settling is closed once an abandoned device.Start has been undone.
	settling chan struct{}
}

// New creates a controller in the Idle state.
func New(device capture.Device, relay Relay, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		device: device,
		relay:  relay,
		opts:   opts,
		state:  StateIdle,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Active reports whether a session exists, in any state.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Controller) snapshotLocked() Status {
	st := Status{State: c.state, Message: c.message}
	if s := c.session; s != nil {
		st.SessionID = s.ID
		st.Chunks = s.count
		st.Bytes = s.bytes
		st.StartedAt = s.StartedAt
		end := c.opts.Now()
		if !s.StoppedAt.IsZero() {
			end = s.StoppedAt
		}
		st.Elapsed = end.Sub(s.StartedAt)
	}
	return st
}

func (c *Controller) emit(ev Event) {
	if c.opts.Listener != nil {
		c.opts.Listener(ev)
	}
}

// transition sets state and message for session s and notifies the listener.
// It is a no-op when s is no longer the current session.
func (c *Controller) transition(s *Session, state State, message string, ev Event) bool {
	c.mu.Lock()
	if c.session != s || (state == StateRecording && s.stopping) {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.message = message
	ev.Status = c.snapshotLocked()
	c.mu.Unlock()

	log.Debug("session state", logging.KeySessionID, s.ID, logging.KeyState, state)
	c.emit(ev)
	return true
}

// finish returns the controller to Idle after a terminal state, keeping the
// terminal message visible.
func (c *Controller) finish(s *Session) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.state = StateIdle
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventStatus, Status: st})
}

// Start begins a new session and acquires the microphone. It returns
// ErrSessionActive without touching the current session when one exists.
// A device failure ends the session as Failed{DeviceDenied} and the returned
// error is the *models.TransportError.
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle || c.session != nil {
		state := c.state
		c.mu.Unlock()
		log.Debug("start rejected", logging.KeyState, state)
		return "", ErrSessionActive
	}
	s := newSession(c.opts.NewID(), c.opts.Now())
	c.session = s
	c.message = "Requesting microphone..."
	settling := c.settling
	c.mu.Unlock()

	logger := logging.WithSession(log, s.ID)

	errCh := make(chan error, 1)
	go func() {
		if settling != nil {
			<-settling
		}
		errCh <- c.device.Start(c.deliverFor(s), c.failFor(s))
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		settled := make(chan struct{})
		go func() {
			defer close(settled)
			if <-errCh == nil {
				c.device.Stop()
			}
		}()
		c.mu.Lock()
		c.settling = settled
		if c.session == s {
			c.session = nil
			c.state = StateIdle
			c.message = "Recording cancelled"
		}
		st := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(Event{Type: EventCancelled, Status: st})
		return s.ID, ctx.Err()
	}

	if err != nil {
		te := deviceError(err)
		logger.Warn("microphone acquisition failed", logging.KeyError, err)
		c.transition(s, StateFailed, te.UserMessage(), Event{Type: EventFailure, Err: te})
		c.finish(s)
		return s.ID, te
	}

	if c.transition(s, StateRecording, "Recording...", Event{Type: EventStatus}) {
		logger.Info("recording started")
	}
	return s.ID, nil
}

// failFor handles a device that stops on its own. The session fails as
// DeviceDenied without sending anything; a Stop already in progress wins.
func (c *Controller) failFor(s *Session) func(error) {
	return func(err error) {
		c.mu.Lock()
		if c.session != s || s.stopping {
			c.mu.Unlock()
			log.Debug("ignoring device failure", logging.KeySessionID, s.ID, logging.KeyError, err)
			return
		}
		s.stopping = true
		s.sealed = true
		c.wg.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.wg.Done()
			if stopErr := c.device.Stop(); stopErr != nil {
				log.Warn("device stop", logging.KeySessionID, s.ID, logging.KeyError, stopErr)
			}
			te := deviceError(err)
			logging.WithSession(log, s.ID).Warn("capture lost", logging.KeyError, err)
			if c.transition(s, StateFailed, te.UserMessage(), Event{Type: EventFailure, Err: te}) {
				c.finish(s)
			}
		}()
	}
}

func (c *Controller) deliverFor(s *Session) func([]byte) {
	return func(data []byte) {
		c.mu.Lock()
		if c.session != s {
			c.mu.Unlock()
			log.Debug("dropping chunk for inactive session", logging.KeySessionID, s.ID)
			return
		}
		if !s.appendChunk(data) {
			c.mu.Unlock()
			return
		}
		st := c.snapshotLocked()
		c.mu.Unlock()

		c.emit(Event{Type: EventStatus, Status: st})
	}
}

// Stop ends capture, releases the microphone and hands the payload to the
// relay. It returns ErrNotRecording, changing nothing, outside Recording.
func (c *Controller) Stop() error {
	c.mu.Lock()
	s := c.session
	if c.state != StateRecording || s == nil || s.stopping {
		c.mu.Unlock()
		return ErrNotRecording
	}
	s.stopping = true
	c.mu.Unlock()

	// The device flushes its last partial chunk through deliverFor here.
	if err := c.device.Stop(); err != nil {
		log.Warn("device stop", logging.KeySessionID, s.ID, logging.KeyError, err)
	}

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return nil
	}
	payload := s.seal(c.device.ContentType(), c.opts.Now())
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	s.cancel = cancel
	c.state = StateProcessing
	c.message = "Analyzing..."
	st := c.snapshotLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	logging.WithSession(log, s.ID).Info("recording stopped",
		"chunks", s.count,
		logging.KeyBytes, len(payload.Data),
	)
	c.emit(Event{Type: EventStatus, Status: st})

	go c.dispatch(ctx, cancel, s, payload)
	return nil
}

func (c *Controller) dispatch(ctx context.Context, cancel context.CancelFunc, s *Session, payload *models.Payload) {
	defer c.wg.Done()
	defer cancel()

	logger := logging.WithSession(log, s.ID)
	start := time.Now()
	result, err := c.relay.Analyze(ctx, payload)
	elapsed := time.Since(start)

	if err == nil && result == nil {
		err = models.NewTransportError(models.KindProtocolError, "empty analysis result")
	}

	if err != nil {
		te := toTransportError(ctx, err, c.opts.Timeout)
		if c.transition(s, StateFailed, te.UserMessage(), Event{Type: EventFailure, Err: te}) {
			logger.Warn("analysis failed", "kind", te.Kind, "status", te.Status, logging.KeyDurationMs, elapsed.Milliseconds(), logging.KeyError, te.Message)
			c.finish(s)
		} else {
			logger.Info("discarding error for abandoned session", logging.KeyError, err)
		}
		return
	}

	if c.transition(s, StateDone, "Analysis complete", Event{Type: EventResult, Result: result}) {
		logger.Info("analysis complete", "statements", len(result.Statements), logging.KeyDurationMs, elapsed.Milliseconds())
		c.finish(s)
	} else {
		logger.Info("discarding result for abandoned session")
	}
}

// Cancel abandons the in-flight analysis and returns to Idle. A result that
// arrives later is discarded.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	s := c.session
	if c.state != StateProcessing || s == nil {
		c.mu.Unlock()
		return ErrNotProcessing
	}
	s.cancel()
	c.session = nil
	c.state = StateIdle
	c.message = "Analysis cancelled"
	st := c.snapshotLocked()
	c.mu.Unlock()

	logging.WithSession(log, s.ID).Info("analysis cancelled")
	c.emit(Event{Type: EventCancelled, Status: st})
	return nil
}

// Close stops any recording, cancels any analysis and waits for background
// work until ctx expires.
func (c *Controller) Close(ctx context.Context) error {
	switch c.State() {
	case StateRecording:
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		c.device.Stop()
		if s != nil {
			c.mu.Lock()
			if c.session == s {
				c.session = nil
				c.state = StateIdle
			}
			c.mu.Unlock()
		}
	case StateProcessing:
		c.Cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deviceError maps a capture failure onto the DeviceDenied kind.
func deviceError(err error) *models.TransportError {
	msg := err.Error()
	switch {
	case errors.Is(err, capture.ErrDeviceDenied):
		msg = strings.TrimPrefix(msg, capture.ErrDeviceDenied.Error())
	case errors.Is(err, capture.ErrDeviceUnavailable):
		msg = "no usable microphone" + strings.TrimPrefix(msg, capture.ErrDeviceUnavailable.Error())
	case errors.Is(err, capture.ErrDeviceLost):
		msg = "microphone lost while recording" + strings.TrimPrefix(msg, capture.ErrDeviceLost.Error())
	}
	msg = strings.TrimPrefix(msg, ": ")
	return &models.TransportError{Kind: models.KindDeviceDenied, Message: msg}
}

func toTransportError(ctx context.Context, err error, timeout time.Duration) *models.TransportError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &models.TransportError{
			Kind:    models.KindServerUnreachable,
			Message: fmt.Sprintf("no response within %s", timeout),
		}
	}
	var te *models.TransportError
	if errors.As(err, &te) {
		return te
	}
	return &models.TransportError{Kind: models.KindServerUnreachable, Message: err.Error()}
}
