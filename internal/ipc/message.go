package ipc

import (
	"encoding/json"

	"github.com/factlens/desktop/pkg/models"
)

// Message type constants for IPC communication.
const (
	TypeHello      = "hello"
	TypeHelloAck   = "hello_ack"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeDisconnect = "disconnect"

	TypeAudioData      = "audio_data"
	TypeAnalysisResult = "analysis_result"
	TypeCancel         = "cancel"
	TypeProbe          = "probe"
	TypeProbeResult    = "probe_result"
)

// MaxMessageSize bounds one framed JSON message. Audio travels base64-encoded
// inside a single envelope, so the ceiling sits well above any realistic
// recording and exists to reject corrupt length prefixes.
const MaxMessageSize = 256 * 1024 * 1024

// MaxAudioSize is the largest recording that still fits in one AudioData
// frame after base64 encoding, with 1 MiB left for the envelope.
const MaxAudioSize = (MaxMessageSize - 1<<20) / 4 * 3

// ProtocolVersion is the current IPC protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// Hello is the first message the UI process sends after connecting.
type Hello struct {
	ProtocolVersion int    `json:"protocolVersion"`
	PID             int    `json:"pid"`
	ClientVersion   string `json:"clientVersion"`
}

// HelloAck is the relay's answer to Hello.
type HelloAck struct {
	Accepted   bool   `json:"accepted"`
	SessionKey string `json:"sessionKey,omitempty"`
	ServerURL  string `json:"serverUrl,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AudioData carries one recording's payload to the relay. The envelope ID
// doubles as the request ID; SessionID ties it to the recording.
type AudioData struct {
	SessionID   string `json:"sessionId"`
	ContentType string `json:"contentType"`
	Audio       []byte `json:"audio"`
}

// Payload converts the message into the domain payload.
func (a *AudioData) Payload() *models.Payload {
	return &models.Payload{
		SessionID:   a.SessionID,
		ContentType: a.ContentType,
		Data:        a.Audio,
	}
}

// AnalysisReply is the relay's answer to AudioData. Exactly one of Result and
// Failure is set.
type AnalysisReply struct {
	SessionID string                 `json:"sessionId"`
	Result    *models.AnalysisResult `json:"result,omitempty"`
	Failure   *models.TransportError `json:"failure,omitempty"`
}

// Cancel asks the relay to abandon the in-flight request for a session.
type Cancel struct {
	SessionID string `json:"sessionId"`
}

// ProbeResult reports the analysis service liveness check.
type ProbeResult struct {
	Reachable bool   `json:"reachable"`
	ServerURL string `json:"serverUrl"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
	// Health summarizes recent request outcomes: unknown, healthy,
	// degraded or unhealthy.
	Health string `json:"health,omitempty"`
}
