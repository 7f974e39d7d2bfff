package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/factlens/desktop/internal/health"
	"github.com/factlens/desktop/internal/ipc"
	"github.com/factlens/desktop/pkg/models"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	payloads []*models.Payload
	result   *models.AnalysisResult
	err      error
	probeErr error
	block    chan struct{}
	started  chan string
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, p *models.Payload) (*models.AnalysisResult, error) {
	a.mu.Lock()
	a.payloads = append(a.payloads, p)
	block, started := a.block, a.started
	result, err := a.result, a.err
	a.mu.Unlock()
	if started != nil {
		started <- p.SessionID
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, models.NewTransportError(models.KindServerUnreachable, "request cancelled")
		}
	}
	return result, err
}

func (a *fakeAnalyzer) Probe(ctx context.Context) error { return a.probeErr }

func startBroker(t *testing.T, analyzer Analyzer) (*Broker, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := New(analyzer, Options{ServerURL: "http://analysis.test", Workers: 2, QueueSize: 4, RequestTimeout: 5 * time.Second})
	go b.Serve(context.Background(), l)
	t.Cleanup(b.Close)
	return b, l.Addr().String()
}

// connect dials the broker and completes the hello handshake.
func connect(t *testing.T, addr string) *ipc.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := ipc.NewConn(raw)
	t.Cleanup(func() { conn.Close() })

	if err := conn.SendTyped("hello-1", ipc.TypeHello, ipc.Hello{ProtocolVersion: ipc.ProtocolVersion, PID: 42, ClientVersion: "test"}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	env := recv(t, conn)
	var ack ipc.HelloAck
	if err := ipc.Decode(env, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Accepted {
		t.Fatalf("hello rejected: %s", ack.Reason)
	}
	if ack.ServerURL != "http://analysis.test" {
		t.Errorf("server URL = %q", ack.ServerURL)
	}
	key, err := ipc.DecodeKey(ack.SessionKey)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	conn.SetSessionKey(key)
	return conn
}

func recv(t *testing.T, conn *ipc.Conn) *ipc.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	env, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return env
}

func recvReply(t *testing.T, conn *ipc.Conn) (*ipc.Envelope, ipc.AnalysisReply) {
	t.Helper()
	env := recv(t, conn)
	if env.Type != ipc.TypeAnalysisResult {
		t.Fatalf("type = %s, want %s", env.Type, ipc.TypeAnalysisResult)
	}
	var reply ipc.AnalysisReply
	if err := ipc.Decode(env, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return env, reply
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBrokerForwardsAudio(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{Analysis: "X", Statements: []string{"a"}}}
	b, addr := startBroker(t, analyzer)
	conn := connect(t, addr)

	waitFor(t, func() bool { return b.ClientCount() == 1 })
	if infos := b.Clients(); infos[0].PID != 42 {
		t.Errorf("client pid = %d, want 42", infos[0].PID)
	}

	audio := []byte{0x1a, 0x45, 0xdf, 0xa3, 0x00}
	msg := ipc.AudioData{SessionID: "s1", ContentType: "audio/webm", Audio: audio}
	if err := conn.SendTyped("req-1", ipc.TypeAudioData, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	env, reply := recvReply(t, conn)
	if env.ID != "req-1" || reply.SessionID != "s1" {
		t.Fatalf("correlation: id=%s session=%s", env.ID, reply.SessionID)
	}
	if reply.Failure != nil || reply.Result == nil || reply.Result.Analysis != "X" {
		t.Fatalf("reply = %+v", reply)
	}

	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()
	if len(analyzer.payloads) != 1 {
		t.Fatalf("analyze calls = %d, want 1", len(analyzer.payloads))
	}
	p := analyzer.payloads[0]
	if string(p.Data) != string(audio) || p.ContentType != "audio/webm" || p.SessionID != "s1" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestBrokerRelaysTransportError(t *testing.T) {
	analyzer := &fakeAnalyzer{err: &models.TransportError{Kind: models.KindServerError, Status: 500, Message: "boom"}}
	_, addr := startBroker(t, analyzer)
	conn := connect(t, addr)

	conn.SendTyped("req-1", ipc.TypeAudioData, ipc.AudioData{SessionID: "s1"})
	_, reply := recvReply(t, conn)
	if reply.Result != nil || reply.Failure == nil {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Failure.Kind != models.KindServerError || reply.Failure.Status != 500 || reply.Failure.Message != "boom" {
		t.Fatalf("failure = %+v", reply.Failure)
	}
}

func TestBrokerTracksServiceHealth(t *testing.T) {
	analyzer := &fakeAnalyzer{err: &models.TransportError{Kind: models.KindServerError, Status: 502, Message: "bad gateway"}}
	b, addr := startBroker(t, analyzer)
	conn := connect(t, addr)

	if got := b.ServiceHealth().Status; got != health.Unknown {
		t.Fatalf("initial health = %q, want unknown", got)
	}
	for i := 0; i < health.UnhealthyAfter; i++ {
		conn.SendTyped(fmt.Sprintf("req-%d", i), ipc.TypeAudioData, ipc.AudioData{SessionID: fmt.Sprintf("s%d", i)})
		recvReply(t, conn)
	}
	if c := b.ServiceHealth(); c.Status != health.Unhealthy || c.Failures != health.UnhealthyAfter {
		t.Fatalf("health after failures = %+v", c)
	}

	analyzer.mu.Lock()
	analyzer.err = nil
	analyzer.result = &models.AnalysisResult{Analysis: "ok"}
	analyzer.mu.Unlock()
	conn.SendTyped("req-ok", ipc.TypeAudioData, ipc.AudioData{SessionID: "s-ok"})
	recvReply(t, conn)
	if got := b.ServiceHealth().Status; got != health.Healthy {
		t.Fatalf("health after success = %q, want healthy", got)
	}

	// Protocol errors are the client's fault.
	conn.SendTyped("req-bad", ipc.TypeAudioData, ipc.AudioData{})
	recvReply(t, conn)
	if got := b.ServiceHealth().Status; got != health.Healthy {
		t.Fatalf("health after protocol error = %q, want healthy", got)
	}
}

func TestBrokerWrapsPlainErrors(t *testing.T) {
	_, addr := startBroker(t, &fakeAnalyzer{err: errors.New("dial tcp: refused")})
	conn := connect(t, addr)

	conn.SendTyped("req-1", ipc.TypeAudioData, ipc.AudioData{SessionID: "s1"})
	_, reply := recvReply(t, conn)
	if reply.Failure == nil || reply.Failure.Kind != models.KindServerUnreachable {
		t.Fatalf("failure = %+v", reply.Failure)
	}
}

func TestBrokerRejectsMalformedAudio(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	_, addr := startBroker(t, analyzer)
	conn := connect(t, addr)

	conn.SendTyped("req-1", ipc.TypeAudioData, ipc.AudioData{})
	env, reply := recvReply(t, conn)
	if env.ID != "req-1" || reply.Failure == nil || reply.Failure.Kind != models.KindProtocolError {
		t.Fatalf("reply = %+v", reply)
	}
	if len(analyzer.payloads) != 0 {
		t.Fatal("analyzer must not be called for malformed audio")
	}
}

func TestBrokerRejectsDuplicateSession(t *testing.T) {
	analyzer := &fakeAnalyzer{
		result:  &models.AnalysisResult{},
		block:   make(chan struct{}),
		started: make(chan string, 4),
	}
	_, addr := startBroker(t, analyzer)
	conn := connect(t, addr)

	conn.SendTyped("req-1", ipc.TypeAudioData, ipc.AudioData{SessionID: "s1"})
	<-analyzer.started
	conn.SendTyped("req-2", ipc.TypeAudioData, ipc.AudioData{SessionID: "s1"})

	env, reply := recvReply(t, conn)
	if env.ID != "req-2" || reply.Failure == nil {
		t.Fatalf("duplicate reply: id=%s %+v", env.ID, reply)
	}

	close(analyzer.block)
	env, reply = recvReply(t, conn)
	if env.ID != "req-1" || reply.Failure != nil {
		t.Fatalf("first reply: id=%s %+v", env.ID, reply)
	}
}

func TestBrokerCancel(t *testing.T) {
	analyzer := &fakeAnalyzer{
		result:  &models.AnalysisResult{},
		block:   make(chan struct{}),
		started: make(chan string, 1),
	}
	defer close(analyzer.block)
	b, addr := startBroker(t, analyzer)
	conn := connect(t, addr)

	conn.SendTyped("req-1", ipc.TypeAudioData, ipc.AudioData{SessionID: "s1"})
	<-analyzer.started
	if b.InFlight() != 1 {
		t.Fatalf("in flight = %d, want 1", b.InFlight())
	}

	conn.SendTyped("cancel-1", ipc.TypeCancel, ipc.Cancel{SessionID: "s1"})
	env, reply := recvReply(t, conn)
	if env.ID != "req-1" || reply.Failure == nil || reply.Failure.Kind != models.KindServerUnreachable {
		t.Fatalf("reply after cancel: id=%s %+v", env.ID, reply)
	}
	waitFor(t, func() bool { return b.InFlight() == 0 })
}

func TestBrokerProbe(t *testing.T) {
	tests := []struct {
		name      string
		probeErr  error
		reachable bool
		message   string
		health    string
	}{
		{"up", nil, true, "", "healthy"},
		{"down", models.NewTransportError(models.KindServerUnreachable, "connection refused"), false, "Analysis service unreachable: connection refused", "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, addr := startBroker(t, &fakeAnalyzer{probeErr: tt.probeErr})
			conn := connect(t, addr)

			conn.SendTyped("probe-1", ipc.TypeProbe, nil)
			env := recv(t, conn)
			if env.Type != ipc.TypeProbeResult || env.ID != "probe-1" {
				t.Fatalf("envelope = %s/%s", env.Type, env.ID)
			}
			var res ipc.ProbeResult
			if err := ipc.Decode(env, &res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.Reachable != tt.reachable || res.Message != tt.message || res.ServerURL != "http://analysis.test" || res.Health != tt.health {
				t.Fatalf("probe result = %+v", res)
			}
		})
	}
}

func TestBrokerPingAndUnknownType(t *testing.T) {
	_, addr := startBroker(t, &fakeAnalyzer{})
	conn := connect(t, addr)

	conn.SendTyped("ping-1", ipc.TypePing, nil)
	if env := recv(t, conn); env.Type != ipc.TypePong || env.ID != "ping-1" {
		t.Fatalf("got %s/%s, want pong/ping-1", env.Type, env.ID)
	}

	conn.SendTyped("x-1", "bogus", nil)
	env := recv(t, conn)
	if err := ipc.Decode(env, &struct{}{}); err == nil {
		t.Fatal("expected error envelope for unknown type")
	}
}

func TestBrokerRejectsProtocolVersion(t *testing.T) {
	_, addr := startBroker(t, &fakeAnalyzer{})
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := ipc.NewConn(raw)
	defer conn.Close()

	conn.SendTyped("hello-1", ipc.TypeHello, ipc.Hello{ProtocolVersion: ipc.ProtocolVersion + 1})
	var ack ipc.HelloAck
	if err := ipc.Decode(recv(t, conn), &ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.Accepted || ack.SessionKey != "" || ack.Reason == "" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestBrokerRequiresHelloFirst(t *testing.T) {
	b, addr := startBroker(t, &fakeAnalyzer{})
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := ipc.NewConn(raw)
	defer conn.Close()

	conn.SendTyped("req-1", ipc.TypeAudioData, ipc.AudioData{SessionID: "s1"})
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Recv(); err == nil {
		t.Fatal("expected connection to be closed")
	}
	if b.ClientCount() != 0 {
		t.Fatalf("client count = %d, want 0", b.ClientCount())
	}
}

func TestBrokerCloseDisconnectsClients(t *testing.T) {
	b, addr := startBroker(t, &fakeAnalyzer{})
	conn := connect(t, addr)
	waitFor(t, func() bool { return b.ClientCount() == 1 })

	b.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Recv(); err == nil {
		t.Fatal("expected connection closed after broker Close")
	}
	waitFor(t, func() bool { return b.ClientCount() == 0 })

	if err := b.Serve(context.Background(), mustListen(t)); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("Serve after Close = %v, want ErrBrokerClosed", err)
	}
}

func TestReapIdleLinger(t *testing.T) {
	b := New(&fakeAnalyzer{}, Options{Linger: time.Millisecond})
	defer b.Close()

	b.mu.Lock()
	b.lastActive = time.Now().Add(-time.Second)
	b.mu.Unlock()
	if !b.reapIdle() {
		t.Fatal("empty broker past linger should stop")
	}

	b.opts.Linger = 0
	if b.reapIdle() {
		t.Fatal("zero linger never stops")
	}
}

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l
}

func TestReserveCapsConcurrentPeers(t *testing.T) {
	b := New(&fakeAnalyzer{}, Options{})
	defer b.Close()

	const attempts = MaxConnectionsPerPeer * 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := b.reserve("uid:501"); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if granted != MaxConnectionsPerPeer {
		t.Fatalf("granted %d slots, want %d", granted, MaxConnectionsPerPeer)
	}
	if _, ok := b.reserve("uid:501"); ok {
		t.Fatal("reserve succeeded past the limit")
	}
	if _, ok := b.reserve("uid:502"); !ok {
		t.Fatal("another peer should get its own slots")
	}

	b.release("uid:501")
	if n, ok := b.reserve("uid:501"); !ok || n != MaxConnectionsPerPeer {
		t.Fatalf("reserve after release = %d, %v", n, ok)
	}
}
