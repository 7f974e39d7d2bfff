package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/factlens/desktop/internal/health"
	"github.com/factlens/desktop/internal/ipc"
	"github.com/factlens/desktop/internal/logging"
	"github.com/factlens/desktop/internal/workerpool"
	"github.com/factlens/desktop/pkg/models"
)

var log = logging.L("relay")

const (
	// HandshakeTimeout is the deadline for completing hello after connecting.
	HandshakeTimeout = 5 * time.Second

	// IdleTimeout disconnects clients that send nothing for this long.
	IdleTimeout = 10 * time.Minute

	// MaxConnectionsPerPeer limits concurrent connections per peer identity.
	MaxConnectionsPerPeer = 4

	// RateLimitAttempts is max connection attempts per peer per window.
	RateLimitAttempts = 10

	// RateLimitWindow is the sliding window for rate limiting.
	RateLimitWindow = 60 * time.Second

	// IdleCheckInterval is how often to scan for idle clients.
	IdleCheckInterval = 30 * time.Second

	// ProbeTimeout bounds one liveness check including retries.
	ProbeTimeout = 15 * time.Second

	drainTimeout = 5 * time.Second

	// ServiceComponent names the analysis service in the health monitor.
	ServiceComponent = "analysis_service"
)

// Analyzer is the HTTP side of the relay.
type Analyzer interface {
	Analyze(ctx context.Context, payload *models.Payload) (*models.AnalysisResult, error)
	Probe(ctx context.Context) error
}

// Options configures a Broker. Zero values select defaults.
type Options struct {
	SocketPath string
	// ServerURL is reported to clients; the Analyzer owns the real target.
	ServerURL      string
	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
	// VerifyPeer enforces kernel peer credentials and the binary path check
	// where the platform supports them.
	VerifyPeer bool
	// Linger stops the broker after this long with no clients. Zero keeps it
	// running until the context ends.
	Linger time.Duration
}

// Broker accepts UI connections and forwards their recordings to the
// analysis service, one request per audio_data message.
type Broker struct {
	analyzer    Analyzer
	opts        Options
	pool        *workerpool.Pool
	rateLimiter *ipc.RateLimiter
	health      *health.Monitor

	mu         sync.RWMutex
	listener   net.Listener
	cleanup    func()
	cancel     context.CancelFunc
	clients    map[string]*client
	byIdentity map[string]int
	closed     bool
	lastActive time.Time
}

// New creates a broker. Call Listen or Serve to start it.
func New(analyzer Analyzer, opts Options) *Broker {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 8
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	return &Broker{
		analyzer:    analyzer,
		opts:        opts,
		pool:        workerpool.New(opts.Workers, opts.QueueSize),
		rateLimiter: ipc.NewRateLimiter(RateLimitAttempts, RateLimitWindow),
		health:      health.NewMonitor(),
		clients:     make(map[string]*client),
		byIdentity:  make(map[string]int),
		lastActive:  time.Now(),
	}
}

// Listen binds the configured socket or named pipe and serves until ctx is
// done or the broker is closed.
func (b *Broker) Listen(ctx context.Context) error {
	l, cleanup, err := listen(b.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("relay: setup socket: %w", err)
	}
	b.mu.Lock()
	b.cleanup = cleanup
	b.mu.Unlock()

	log.Info("relay listening", "path", b.opts.SocketPath, "server", b.opts.ServerURL)
	return b.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done or the broker is closed.
func (b *Broker) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		l.Close()
		return ErrBrokerClosed
	}
	b.listener = l
	b.cancel = cancel
	b.mu.Unlock()

	go b.idleReaper(ctx)
	go func() {
		<-ctx.Done()
		b.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if b.isClosed() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("relay: accept: %w", err)
			}
			log.Warn("accept error", logging.KeyError, err)
			continue
		}
		go b.handleConnection(conn)
	}
}

// Close disconnects every client, stops the listener and drains in-flight
// requests.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	listener, cleanup, cancel := b.listener, b.cleanup, b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		listener.Close()
	}
	for _, c := range clients {
		c.close()
	}

	ctx, done := context.WithTimeout(context.Background(), drainTimeout)
	defer done()
	b.pool.Shutdown(ctx)

	if cleanup != nil {
		cleanup()
	}
	log.Info("relay closed")
}

func (b *Broker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Clients returns a summary of every connected client.
func (b *Broker) Clients() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	infos := make([]Info, 0, len(b.clients))
	for _, c := range b.clients {
		infos = append(infos, c.info())
	}
	return infos
}

// InFlight returns the number of queued or running analysis requests.
func (b *Broker) InFlight() int {
	return b.pool.InFlight()
}

// verifyPeer applies the kernel credential checks. It returns the identity
// used for rate limiting and the peer PID when known.
func (b *Broker) verifyPeer(rawConn net.Conn) (string, int, error) {
	fallback := "local"
	if addr := rawConn.RemoteAddr(); addr != nil {
		fallback = addr.Network()
	}
	if !b.opts.VerifyPeer {
		return fallback, 0, nil
	}

	creds, err := ipc.GetPeerCredentials(rawConn)
	if errors.Is(err, ipc.ErrPeerUnsupported) {
		log.Debug("peer credentials unavailable, skipping verification", logging.KeyError, err)
		return fallback, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrPeerRejected, err)
	}

	if creds.SID == "" && creds.UID != uint32(os.Getuid()) {
		return "", creds.PID, fmt.Errorf("%w: uid %d is not the relay owner", ErrPeerRejected, creds.UID)
	}
	if !ipc.VerifyBinaryPath(creds.BinaryPath) {
		return "", creds.PID, fmt.Errorf("%w: unexpected binary %q", ErrPeerRejected, creds.BinaryPath)
	}
	return creds.IdentityKey(), creds.PID, nil
}

func (b *Broker) handleConnection(rawConn net.Conn) {
	rawConn.SetDeadline(time.Now().Add(HandshakeTimeout))

	identity, pid, err := b.verifyPeer(rawConn)
	if err != nil {
		log.Warn("peer rejected", "pid", pid, logging.KeyError, err)
		rawConn.Close()
		return
	}

	if !b.rateLimiter.Allow(identity) {
		log.Warn("connection rate limited", "identity", identity)
		rawConn.Close()
		return
	}

	if count, ok := b.reserve(identity); !ok {
		log.Warn("max connections per peer exceeded", "identity", identity, "count", count)
		rawConn.Close()
		return
	}
	defer b.release(identity)

	conn := ipc.NewConn(rawConn)

	env, err := conn.Recv()
	if err != nil {
		log.Warn("hello read failed", logging.KeyError, err)
		conn.Close()
		return
	}
	if env.Type != ipc.TypeHello {
		log.Warn("expected hello", "type", env.Type)
		conn.Close()
		return
	}

	var hello ipc.Hello
	if err := ipc.Decode(env, &hello); err != nil {
		log.Warn("invalid hello payload", logging.KeyError, err)
		conn.Close()
		return
	}
	if hello.ProtocolVersion != ipc.ProtocolVersion {
		log.Warn("protocol version mismatch", "client", hello.ProtocolVersion, "relay", ipc.ProtocolVersion)
		conn.SendTyped(env.ID, ipc.TypeHelloAck, ipc.HelloAck{
			Accepted: false,
			Reason:   fmt.Sprintf("%v: client %d, relay %d", ErrProtocolVersion, hello.ProtocolVersion, ipc.ProtocolVersion),
		})
		conn.Close()
		return
	}
	if pid == 0 {
		pid = hello.PID
	}

	key, err := ipc.GenerateSessionKey()
	if err != nil {
		log.Error("failed to generate session key", logging.KeyError, err)
		conn.Close()
		return
	}
	ack := ipc.HelloAck{
		Accepted:   true,
		SessionKey: ipc.EncodeKey(key),
		ServerURL:  b.opts.ServerURL,
	}
	if err := conn.SendTyped(env.ID, ipc.TypeHelloAck, ack); err != nil {
		log.Warn("failed to send hello_ack", logging.KeyError, err)
		conn.Close()
		return
	}
	conn.SetSessionKey(key)
	rawConn.SetDeadline(time.Time{})

	c := newClient(uuid.NewString(), conn, pid, identity)
	if !b.register(c) {
		conn.Close()
		return
	}

	log.Info("client connected", "client", c.ID, "pid", pid, "version", hello.ClientVersion)

	b.recvLoop(c)

	b.unregister(c)
	for _, sessionID := range c.sessions() {
		b.pool.Cancel(c.ID + "/" + sessionID)
	}
	c.close()
	log.Info("client disconnected", "client", c.ID)
}

func (b *Broker) register(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c.ID] = c
	b.lastActive = time.Now()
	return true
}

func (b *Broker) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c.ID]; !ok {
		return
	}
	delete(b.clients, c.ID)
	b.lastActive = time.Now()
}

// reserve claims a connection slot for identity, counting handshakes in
// flight. It returns the current count and false when the peer is at its
// limit or the broker is closed.
func (b *Broker) reserve(identity string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.byIdentity[identity]
	if b.closed || n >= MaxConnectionsPerPeer {
		return n, false
	}
	b.byIdentity[identity] = n + 1
	return n + 1, true
}

func (b *Broker) release(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byIdentity[identity]--
	if b.byIdentity[identity] <= 0 {
		delete(b.byIdentity, identity)
	}
}

// recvLoop dispatches messages until the connection ends.
func (b *Broker) recvLoop(c *client) {
	for {
		env, err := c.conn.Recv()
		if err != nil {
			log.Debug("client recv loop ended", "client", c.ID, logging.KeyError, err)
			return
		}
		c.touch()

		switch env.Type {
		case ipc.TypePing:
			c.send(env.ID, ipc.TypePong, nil)
		case ipc.TypeAudioData:
			b.handleAudio(c, env)
		case ipc.TypeCancel:
			b.handleCancel(c, env)
		case ipc.TypeProbe:
			go b.handleProbe(c, env)
		case ipc.TypeDisconnect:
			log.Info("client disconnecting", "client", c.ID)
			return
		default:
			log.Warn("unsupported message type", "client", c.ID, "type", env.Type)
			c.conn.SendError(env.ID, env.Type, "unsupported message type")
		}
	}
}

// handleAudio queues one analysis request. Every audio_data gets exactly one
// analysis_result carrying the same envelope ID.
func (b *Broker) handleAudio(c *client, env *ipc.Envelope) {
	var msg ipc.AudioData
	if err := ipc.Decode(env, &msg); err != nil {
		b.reply(c, env.ID, "", nil, models.NewTransportError(models.KindProtocolError, "malformed audio_data: %v", err))
		return
	}
	if msg.SessionID == "" {
		b.reply(c, env.ID, "", nil, models.NewTransportError(models.KindProtocolError, "audio_data without session ID"))
		return
	}
	if msg.ContentType == "" {
		msg.ContentType = models.DefaultContentType
	}

	logger := logging.WithSession(log, msg.SessionID)
	if !c.track(msg.SessionID, env.ID) {
		logger.Warn("duplicate request for session in flight", "request", env.ID)
		b.reply(c, env.ID, msg.SessionID, nil, models.NewTransportError(models.KindProtocolError, "session already has a request in flight"))
		return
	}

	payload := msg.Payload()
	requestID := env.ID
	err := b.pool.Submit(c.ID+"/"+msg.SessionID, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
		defer cancel()

		start := time.Now()
		result, err := b.analyzer.Analyze(ctx, payload)
		c.untrack(payload.SessionID)

		var te *models.TransportError
		if err != nil && !errors.As(err, &te) {
			te = models.NewTransportError(models.KindServerUnreachable, "%v", err)
		}
		b.recordOutcome(ctx, te)
		if te != nil {
			logger.Warn("analysis request failed", "kind", te.Kind, "status", te.Status, logging.KeyDurationMs, time.Since(start).Milliseconds(), logging.KeyError, te.Message)
		} else {
			logger.Info("analysis request complete", logging.KeyDurationMs, time.Since(start).Milliseconds())
		}
		b.reply(c, requestID, payload.SessionID, result, te)
	})
	if err != nil {
		c.untrack(msg.SessionID)
		logger.Warn("analysis request rejected", logging.KeyError, err)
		b.reply(c, env.ID, msg.SessionID, nil, models.NewTransportError(models.KindServerUnreachable, "relay busy: %v", err))
		return
	}
	logger.Info("analysis request queued", "request", env.ID, logging.KeyBytes, len(payload.Data))
}

func (b *Broker) reply(c *client, requestID, sessionID string, result *models.AnalysisResult, failure *models.TransportError) {
	msg := ipc.AnalysisReply{SessionID: sessionID, Result: result, Failure: failure}
	if failure != nil {
		msg.Result = nil
	}
	if err := c.send(requestID, ipc.TypeAnalysisResult, msg); err != nil {
		log.Debug("analysis_result not delivered", "client", c.ID, logging.KeySessionID, sessionID, logging.KeyError, err)
	}
}

func (b *Broker) handleCancel(c *client, env *ipc.Envelope) {
	var msg ipc.Cancel
	if err := ipc.Decode(env, &msg); err != nil {
		log.Warn("malformed cancel", "client", c.ID, logging.KeyError, err)
		return
	}
	if b.pool.Cancel(c.ID + "/" + msg.SessionID) {
		logging.WithSession(log, msg.SessionID).Info("analysis request cancelled")
	}
}

// recordOutcome feeds one analysis outcome into the health monitor.
// Requests the client cancelled say nothing about the service.
func (b *Broker) recordOutcome(ctx context.Context, te *models.TransportError) {
	switch {
	case te == nil:
		b.health.Success(ServiceComponent)
	case errors.Is(ctx.Err(), context.Canceled):
	case te.Kind == models.KindServerUnreachable || te.Kind == models.KindServerError:
		b.health.Failure(ServiceComponent, te.UserMessage())
	}
}

// ServiceHealth reports how the analysis service has been answering.
func (b *Broker) ServiceHealth() health.Check {
	if c, ok := b.health.Get(ServiceComponent); ok {
		return c
	}
	return health.Check{Name: ServiceComponent, Status: health.Unknown}
}

func (b *Broker) handleProbe(c *client, env *ipc.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := b.analyzer.Probe(ctx)
	if err != nil {
		b.health.Failure(ServiceComponent, err.Error())
	} else {
		b.health.Success(ServiceComponent)
	}
	res := ipc.ProbeResult{
		Reachable: err == nil,
		ServerURL: b.opts.ServerURL,
		LatencyMs: time.Since(start).Milliseconds(),
		Health:    string(b.health.StatusOf(ServiceComponent)),
	}
	if err != nil {
		var te *models.TransportError
		if errors.As(err, &te) {
			res.Message = te.UserMessage()
		} else {
			res.Message = err.Error()
		}
	}
	if err := c.send(env.ID, ipc.TypeProbeResult, res); err != nil {
		log.Debug("probe_result not delivered", "client", c.ID, logging.KeyError, err)
	}
}

func (b *Broker) idleReaper(ctx context.Context) {
	ticker := time.NewTicker(IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if b.reapIdle() {
				log.Info("no clients, relay exiting", "linger", b.opts.Linger)
				b.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// reapIdle disconnects idle clients and reports whether the broker has
// lingered without clients past opts.Linger.
func (b *Broker) reapIdle() bool {
	b.mu.RLock()
	var idle []*client
	for _, c := range b.clients {
		if c.idleFor() > IdleTimeout {
			idle = append(idle, c)
		}
	}
	empty := len(b.clients) == 0 && b.pool.InFlight() == 0
	lastActive := b.lastActive
	b.mu.RUnlock()

	for _, c := range idle {
		log.Info("disconnecting idle client", "client", c.ID, "idle", c.idleFor())
		c.close()
	}

	return b.opts.Linger > 0 && empty && time.Since(lastActive) > b.opts.Linger
}
