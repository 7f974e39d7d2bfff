package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/factlens/desktop/internal/ipc"
	"github.com/factlens/desktop/internal/logging"
	"github.com/factlens/desktop/pkg/models"
)

var log = logging.L("relayclient")

var (
	ErrClosed         = errors.New("relayclient: connection closed")
	ErrRejected       = errors.New("relayclient: relay rejected hello")
	ErrRequestTimeout = errors.New("relayclient: request timed out")
)

const (
	// DialTimeout bounds connecting to the relay socket.
	DialTimeout = 5 * time.Second

	// KeepaliveInterval is how often an otherwise quiet connection pings.
	KeepaliveInterval = 30 * time.Second

	handshakeTimeout = 5 * time.Second
	pingTimeout      = 5 * time.Second
)

// Client is the UI side of the relay connection. It multiplexes requests over
// one IPC connection and satisfies recorder.Relay.
type Client struct {
	conn      *ipc.Conn
	serverURL string
	reqSeq    atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan *ipc.Envelope

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the relay at socketPath and completes the handshake.
func Dial(ctx context.Context, socketPath, version string) (*Client, error) {
	raw, err := dialIPC(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	return NewFromConn(raw, version)
}

// NewFromConn runs the handshake over an established connection and starts
// the receive loop. The client owns raw afterwards.
func NewFromConn(raw net.Conn, version string) (*Client, error) {
	c := &Client{
		conn:    ipc.NewConn(raw),
		pending: make(map[string]chan *ipc.Envelope),
		done:    make(chan struct{}),
	}
	if err := c.handshake(version); err != nil {
		c.conn.Close()
		return nil, err
	}

	go c.recvLoop()
	go c.keepalive()

	log.Info("connected to relay", "server", c.serverURL)
	return c, nil
}

func (c *Client) handshake(version string) error {
	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	hello := ipc.Hello{
		ProtocolVersion: ipc.ProtocolVersion,
		PID:             os.Getpid(),
		ClientVersion:   version,
	}
	if err := c.conn.SendTyped("hello", ipc.TypeHello, hello); err != nil {
		return fmt.Errorf("relayclient: send hello: %w", err)
	}

	env, err := c.conn.Recv()
	if err != nil {
		return fmt.Errorf("relayclient: recv hello_ack: %w", err)
	}
	if env.Type != ipc.TypeHelloAck {
		return fmt.Errorf("relayclient: expected hello_ack, got %s", env.Type)
	}

	var ack ipc.HelloAck
	if err := ipc.Decode(env, &ack); err != nil {
		return fmt.Errorf("relayclient: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
	}

	key, err := ipc.DecodeKey(ack.SessionKey)
	if err != nil {
		return fmt.Errorf("relayclient: %w", err)
	}
	c.conn.SetSessionKey(key)
	c.serverURL = ack.ServerURL
	return nil
}

// ServerURL returns the analysis service URL the relay reported.
func (c *Client) ServerURL() string {
	return c.serverURL
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close says goodbye to the relay and closes the connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.conn.SendTyped(c.nextID("disconnect"), ipc.TypeDisconnect, nil)
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
		c.closePending()
	})
}

func (c *Client) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, c.reqSeq.Add(1))
}

func (c *Client) recvLoop() {
	for {
		env, err := c.conn.Recv()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn("relay connection lost", logging.KeyError, err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		switch env.Type {
		case ipc.TypePing:
			c.conn.SendTyped(env.ID, ipc.TypePong, nil)
		case ipc.TypeDisconnect:
			log.Info("relay disconnected")
			c.shutdown(ErrClosed)
			return
		default:
			if !c.resolve(env) {
				log.Debug("dropping unsolicited message", "type", env.Type, "id", env.ID)
			}
		}
	}
}

func (c *Client) keepalive() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			err := c.Ping(ctx)
			cancel()
			if err != nil {
				log.Warn("keepalive ping failed", logging.KeyError, err)
				c.shutdown(fmt.Errorf("%w: keepalive: %v", ErrClosed, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) register(id string) chan *ipc.Envelope {
	ch := make(chan *ipc.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) unregister(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) resolve(env *ipc.Envelope) bool {
	c.pendingMu.Lock()
	ch := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.pendingMu.Unlock()
	if ch == nil {
		return false
	}
	ch <- env
	return true
}

func (c *Client) closePending() {
	c.pendingMu.Lock()
	chans := make([]chan *ipc.Envelope, 0, len(c.pending))
	for id, ch := range c.pending {
		delete(c.pending, id)
		chans = append(chans, ch)
	}
	c.pendingMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// roundTrip sends one request and waits for the envelope with the same ID.
func (c *Client) roundTrip(ctx context.Context, id, msgType string, payload any) (*ipc.Envelope, error) {
	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}

	ch := c.register(id)
	defer c.unregister(id)

	if err := c.conn.SendTyped(id, msgType, payload); err != nil {
		return nil, fmt.Errorf("relayclient: send %s: %w", msgType, err)
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, c.Err()
		}
		return env, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, msgType)
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

// maxAudioSize is a variable so tests can lower it.
var maxAudioSize = ipc.MaxAudioSize

// Analyze hands the payload to the relay and waits for its analysis_result.
// When ctx ends first the relay is told to cancel the request. Relay and
// service failures come back as *models.TransportError. A recording too big
// for one frame fails as ProtocolError before anything is sent.
func (c *Client) Analyze(ctx context.Context, p *models.Payload) (*models.AnalysisResult, error) {
	logger := logging.WithSession(log, p.SessionID)
	if len(p.Data) > maxAudioSize {
		logger.Warn("recording exceeds relay frame", logging.KeyBytes, len(p.Data))
		return nil, models.NewTransportError(models.KindProtocolError,
			"recording too large for the relay (%d bytes, limit %d)", len(p.Data), maxAudioSize)
	}
	msg := ipc.AudioData{SessionID: p.SessionID, ContentType: p.ContentType, Audio: p.Data}

	env, err := c.roundTrip(ctx, c.nextID("audio"), ipc.TypeAudioData, msg)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("cancelling relay request", logging.KeyError, ctx.Err())
			if sendErr := c.conn.SendTyped(c.nextID("cancel"), ipc.TypeCancel, ipc.Cancel{SessionID: p.SessionID}); sendErr != nil {
				logger.Debug("cancel not delivered", logging.KeyError, sendErr)
			}
			return nil, ctx.Err()
		}
		return nil, models.NewTransportError(models.KindServerUnreachable, "relay unavailable: %v", err)
	}

	var reply ipc.AnalysisReply
	if err := ipc.Decode(env, &reply); err != nil {
		return nil, models.NewTransportError(models.KindProtocolError, "%v", err)
	}
	if reply.SessionID != p.SessionID {
		return nil, models.NewTransportError(models.KindProtocolError, "reply for session %q, want %q", reply.SessionID, p.SessionID)
	}
	if reply.Failure != nil {
		return nil, reply.Failure
	}
	if reply.Result == nil {
		return nil, models.NewTransportError(models.KindProtocolError, "reply carries no result")
	}
	return reply.Result, nil
}

// Probe asks the relay to check the analysis service.
func (c *Client) Probe(ctx context.Context) (*ipc.ProbeResult, error) {
	env, err := c.roundTrip(ctx, c.nextID("probe"), ipc.TypeProbe, nil)
	if err != nil {
		return nil, err
	}
	var res ipc.ProbeResult
	if err := ipc.Decode(env, &res); err != nil {
		return nil, fmt.Errorf("relayclient: %w", err)
	}
	return &res, nil
}

// Ping checks that the relay is responsive.
func (c *Client) Ping(ctx context.Context) error {
	env, err := c.roundTrip(ctx, c.nextID("ping"), ipc.TypePing, nil)
	if err != nil {
		return err
	}
	if env.Type != ipc.TypePong {
		return fmt.Errorf("relayclient: expected pong, got %s", env.Type)
	}
	return nil
}
