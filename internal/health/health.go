// Package health tracks how the relay's upstream components are doing, based
// on the outcome of the requests it forwards.
package health

import (
	"sync"
	"time"

	"github.com/factlens/desktop/internal/logging"
)

var log = logging.L("health")

// Status is the health of one component.
type Status string

const (
	Unknown   Status = "unknown"
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// UnhealthyAfter is the number of consecutive failures that turns a degraded
// component unhealthy.
const UnhealthyAfter = 3

// Check is the latest known state of a component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Failures  int       `json:"failures"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor records success and failure per component.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
		now:    time.Now,
	}
}

// Success marks name healthy and resets its failure count.
func (m *Monitor) Success(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, had := m.checks[name]
	m.checks[name] = Check{Name: name, Status: Healthy, UpdatedAt: m.now()}
	if had && prev.Status != Healthy {
		log.Info("component recovered", "component", name, "after", prev.Failures)
	}
}

// Failure records one failed request. The first failure degrades the
// component; UnhealthyAfter in a row make it unhealthy.
func (m *Monitor) Failure(name, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.checks[name]
	c.Name = name
	c.Failures++
	c.Message = message
	c.UpdatedAt = m.now()
	prev := c.Status
	if c.Failures >= UnhealthyAfter {
		c.Status = Unhealthy
	} else {
		c.Status = Degraded
	}
	m.checks[name] = c

	if c.Status != prev {
		log.Warn("component health changed", "component", name, "status", string(c.Status), "message", message)
	}
}

// Get returns the check for name.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// StatusOf returns the status of name, Unknown when never recorded.
func (m *Monitor) StatusOf(name string) Status {
	if c, ok := m.Get(name); ok {
		return c.Status
	}
	return Unknown
}

// Overall returns the worst status across all components, Unknown when none
// has been recorded.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of every check.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	return result
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 1
	case Degraded:
		return 2
	case Unhealthy:
		return 3
	}
	return 0
}
