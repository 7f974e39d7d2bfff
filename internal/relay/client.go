package relay

import (
	"sync"
	"time"

	"github.com/factlens/desktop/internal/ipc"
)

// client is one verified UI connection.
type client struct {
	ID          string
	PID         int
	IdentityKey string
	ConnectedAt time.Time

	conn *ipc.Conn

	mu       sync.Mutex
	lastSeen time.Time
	inflight map[string]string // recording session ID -> request envelope ID
}

func newClient(id string, conn *ipc.Conn, pid int, identity string) *client {
	now := time.Now()
	return &client{
		ID:          id,
		PID:         pid,
		IdentityKey: identity,
		ConnectedAt: now,
		conn:        conn,
		lastSeen:    now,
		inflight:    make(map[string]string),
	}
}

// track registers an in-flight request. It fails when the session already
// has one.
func (c *client) track(sessionID, requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[sessionID]; busy {
		return false
	}
	c.inflight[sessionID] = requestID
	return true
}

func (c *client) untrack(sessionID string) {
	c.mu.Lock()
	delete(c.inflight, sessionID)
	c.mu.Unlock()
}

func (c *client) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// sessions returns the session IDs with requests in flight.
func (c *client) sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// idleFor reports how long the client has sent nothing. A client with a
// request in flight is never idle.
func (c *client) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) > 0 {
		return 0
	}
	return time.Since(c.lastSeen)
}

func (c *client) send(id, msgType string, payload any) error {
	return c.conn.SendTyped(id, msgType, payload)
}

func (c *client) close() error {
	return c.conn.Close()
}

// Info is a summary of a connected client for status reporting.
type Info struct {
	ID          string    `json:"id"`
	PID         int       `json:"pid"`
	IdentityKey string    `json:"identityKey"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	InFlight    int       `json:"inFlight"`
}

func (c *client) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:          c.ID,
		PID:         c.PID,
		IdentityKey: c.IdentityKey,
		ConnectedAt: c.ConnectedAt,
		LastSeen:    c.lastSeen,
		InFlight:    len(c.inflight),
	}
}
