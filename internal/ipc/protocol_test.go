package ipc

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/factlens/desktop/pkg/models"
)

func TestConnSendRecv(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)
	client := NewConn(clientConn)

	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	env := &Envelope{
		ID:      "test-1",
		Type:    TypePing,
		Payload: payload,
	}

	done := make(chan error, 1)
	go func() {
		done <- client.Send(env)
	}()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	if recv.ID != "test-1" {
		t.Errorf("expected ID test-1, got %s", recv.ID)
	}
	if recv.Type != TypePing {
		t.Errorf("expected type %s, got %s", TypePing, recv.Type)
	}
	if recv.Seq != 1 {
		t.Errorf("expected seq 1, got %d", recv.Seq)
	}
}

func TestConnHMACMismatch(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	key1, _ := GenerateSessionKey()
	key2, _ := GenerateSessionKey()

	server := NewConn(serverConn)
	server.SetSessionKey(key1)

	client := NewConn(clientConn)
	client.SetSessionKey(key2)

	payload, _ := json.Marshal("test")
	go client.Send(&Envelope{ID: "hmac-mismatch", Type: TypePong, Payload: payload})

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := server.Recv()
	if !errors.Is(err, ErrHMACMismatch) {
		t.Fatalf("expected HMAC mismatch error, got %v", err)
	}
}

func TestConnErrorFieldIsSigned(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	key, _ := GenerateSessionKey()
	server := NewConn(serverConn)
	server.SetSessionKey(key)
	client := NewConn(clientConn)
	client.SetSessionKey(key)

	go client.SendError("e-1", TypeAnalysisResult, "relay busy")

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if recv.Error != "relay busy" {
		t.Fatalf("error = %q", recv.Error)
	}
	var reply AnalysisReply
	if err := Decode(recv, &reply); err == nil {
		t.Fatal("Decode should surface the envelope error")
	}
}

func TestConnSequenceReplay(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)
	client := NewConn(clientConn)

	payload, _ := json.Marshal("first")
	go client.Send(&Envelope{ID: "1", Type: TypePing, Payload: payload})

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); err != nil {
		t.Fatalf("first recv: %v", err)
	}

	payload2, _ := json.Marshal("second")
	go client.Send(&Envelope{ID: "2", Type: TypePing, Payload: payload2})

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv2, err := server.Recv()
	if err != nil {
		t.Fatalf("second recv: %v", err)
	}
	if recv2.Seq != 2 {
		t.Errorf("expected seq 2, got %d", recv2.Seq)
	}

	// A replayed frame carrying an old sequence number is rejected.
	replay := &Envelope{ID: "1", Seq: 1, Type: TypePing, Payload: payload}
	replay.HMAC = client.computeHMAC(replay)
	data, _ := json.Marshal(replay)
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	go clientConn.Write(frame)

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); err == nil {
		t.Fatal("expected replay to be rejected")
	}
}

func TestConnRejectsOversizedHeader(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(MaxMessageSize)+1)
	go clientConn.Write(header)

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Recv(); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestMaxAudioFitsInFrame(t *testing.T) {
	encoded := base64.StdEncoding.EncodedLen(MaxAudioSize)
	if encoded+1<<20 > MaxMessageSize {
		t.Fatalf("base64 of %d bytes is %d, leaving less than 1 MiB of %d", MaxAudioSize, encoded, MaxMessageSize)
	}
}

func TestAudioDataRoundTrip(t *testing.T) {
	serverConn, clientConn := createSocketPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server := NewConn(serverConn)
	client := NewConn(clientConn)

	audio := bytes.Repeat([]byte{0x1a, 0x45, 0xdf, 0xa3, 0x00}, 4096)
	done := make(chan error, 1)
	go func() {
		done <- client.SendTyped("req-1", TypeAudioData, AudioData{
			SessionID:   "sess-1",
			ContentType: models.DefaultContentType,
			Audio:       audio,
		})
	}()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv, err := server.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	var msg AudioData
	if err := Decode(recv, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := msg.Payload()
	if p.SessionID != "sess-1" || p.ContentType != "audio/webm" {
		t.Errorf("unexpected payload metadata: %+v", p)
	}
	if !bytes.Equal(p.Data, audio) {
		t.Error("audio bytes changed in transit")
	}
}

func TestSessionKeyEncoding(t *testing.T) {
	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(key))
	}

	decoded, err := DecodeKey(EncodeKey(key))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("key changed after encode/decode")
	}

	if _, err := DecodeKey("abcd"); err == nil {
		t.Error("short key should be rejected")
	}

	other, _ := GenerateSessionKey()
	if bytes.Equal(key, other) {
		t.Error("two generated keys should not be identical")
	}
}

func createSocketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	clientCh := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", listener.Addr().String())
		if err != nil {
			t.Errorf("dial: %v", err)
			return
		}
		clientCh <- conn
	}()

	serverConn, err := listener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	clientConn := <-clientCh
	return serverConn, clientConn
}
