package recorder

import (
	"time"

	"github.com/factlens/desktop/pkg/models"
)

// State is a recording session's position in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Session is one capture-to-result cycle. It is owned by the Controller and
// never shared; listeners receive Status snapshots instead.
type Session struct {
	ID        string
	StartedAt time.Time
	StoppedAt time.Time
	chunks    []models.Chunk
	count     int
	bytes     int
	stopping  bool // Stop is flushing the device
	sealed    bool // no more chunks accepted
	cancel    func()
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, StartedAt: now}
}

// appendChunk records a non-empty chunk in arrival order.
func (s *Session) appendChunk(data []byte) bool {
	if s.sealed || len(data) == 0 {
		return false
	}
	s.chunks = append(s.chunks, models.Chunk{
		Index: len(s.chunks),
		Data:  append([]byte(nil), data...),
	})
	s.count++
	s.bytes += len(data)
	return true
}

// seal stops chunk intake and builds the payload. The chunks are released.
func (s *Session) seal(contentType string, now time.Time) *models.Payload {
	s.sealed = true
	s.StoppedAt = now
	p := models.Concat(s.ID, contentType, s.chunks)
	s.chunks = nil
	return p
}

// Status is a snapshot of the controller for display.
type Status struct {
	SessionID string
	State     State
	Message   string
	Chunks    int
	Bytes     int
	StartedAt time.Time
	Elapsed   time.Duration
}

// EventType tags controller notifications.
type EventType int

const (
	EventStatus EventType = iota
	EventResult
	EventFailure
	EventCancelled
)

// Event is delivered to the controller's listener. Result is set for
// EventResult and Err for EventFailure.
type Event struct {
	Type   EventType
	Status Status
	Result *models.AnalysisResult
	Err    *models.TransportError
}
