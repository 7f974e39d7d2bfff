package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/factlens/desktop/internal/logging"
)

var log = logging.L("ipc")

// ErrHMACMismatch is returned by Recv when a message fails integrity checks.
var ErrHMACMismatch = errors.New("ipc: HMAC mismatch")

// zeroKey signs messages exchanged before the handshake completes.
var zeroKey = make([]byte, 32)

// Conn wraps a net.Conn with length-prefixed JSON framing, HMAC signing,
// and sequence number validation.
type Conn struct {
	conn    net.Conn
	keyMu   sync.RWMutex
	key     []byte
	sendSeq atomic.Uint64
	recvSeq atomic.Uint64
	mu      sync.Mutex // serializes writes
}

// NewConn wraps a raw connection. Messages are signed with the zero key
// until SetSessionKey is called.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// SetSessionKey sets the HMAC key once the handshake completes.
func (c *Conn) SetSessionKey(key []byte) {
	c.keyMu.Lock()
	c.key = key
	c.keyMu.Unlock()
}

// SessionKey returns the current session key.
func (c *Conn) SessionKey() []byte {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.key
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Raw returns the wrapped connection, for peer credential lookups.
func (c *Conn) Raw() net.Conn {
	return c.conn
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Send marshals an Envelope and writes it as [4-byte BE length][JSON].
// It computes the HMAC and sets the sequence number automatically.
func (c *Conn) Send(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	env.Seq = c.sendSeq.Add(1)
	env.HMAC = c.computeHMAC(env)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("ipc: message too large: %d > %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}

// Recv reads a length-prefixed JSON message, validates HMAC and sequence.
func (c *Conn) Recv() (*Envelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > uint32(MaxMessageSize) {
		return nil, fmt.Errorf("ipc: message too large: %d > %d", length, MaxMessageSize)
	}
	if length == 0 {
		return nil, fmt.Errorf("ipc: zero-length message")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}

	if !hmac.Equal([]byte(env.HMAC), []byte(c.computeHMAC(&env))) {
		log.Warn("rejecting message with bad HMAC", "type", env.Type, "id", env.ID)
		return nil, ErrHMACMismatch
	}

	// Sequence numbers must be strictly increasing.
	prevSeq := c.recvSeq.Load()
	if env.Seq <= prevSeq && prevSeq > 0 {
		return nil, fmt.Errorf("ipc: sequence number %d <= last %d (replay/duplicate)", env.Seq, prevSeq)
	}
	c.recvSeq.Store(env.Seq)

	return &env, nil
}

// SendTyped wraps a typed payload into an Envelope and sends it.
func (c *Conn) SendTyped(id, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return c.Send(&Envelope{
		ID:      id,
		Type:    msgType,
		Payload: raw,
	})
}

// SendError sends an error envelope.
func (c *Conn) SendError(id, msgType, errMsg string) error {
	return c.Send(&Envelope{
		ID:    id,
		Type:  msgType,
		Error: errMsg,
	})
}

// Decode unmarshals an envelope payload into v.
func Decode(env *Envelope, v any) error {
	if env.Error != "" {
		return fmt.Errorf("ipc: %s: %s", env.Type, env.Error)
	}
	if len(env.Payload) == 0 {
		return fmt.Errorf("ipc: %s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("ipc: decode %s: %w", env.Type, err)
	}
	return nil
}

// computeHMAC calculates HMAC-SHA256(key, id||seq||type||payload||error).
func (c *Conn) computeHMAC(env *Envelope) string {
	key := c.SessionKey()
	if key == nil {
		key = zeroKey
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(env.ID))
	mac.Write([]byte(strconv.FormatUint(env.Seq, 10)))
	mac.Write([]byte(env.Type))
	mac.Write(env.Payload)
	mac.Write([]byte(env.Error))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSessionKey creates a cryptographically random 256-bit key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ipc: generate session key: %w", err)
	}
	return key, nil
}

// EncodeKey and DecodeKey move session keys through HelloAck.
func EncodeKey(key []byte) string { return hex.EncodeToString(key) }

func DecodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ipc: decode session key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ipc: session key has %d bytes, want 32", len(key))
	}
	return key, nil
}
