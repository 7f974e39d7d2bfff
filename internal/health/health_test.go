package health

import (
	"sync"
	"testing"
	"time"
)

func TestEmptyMonitorIsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() = %q, want %q", got, Unknown)
	}
	if got := m.StatusOf("analysis"); got != Unknown {
		t.Fatalf("StatusOf() = %q, want %q", got, Unknown)
	}
}

func TestFailureEscalation(t *testing.T) {
	m := NewMonitor()
	tests := []struct {
		failures int
		want     Status
	}{
		{1, Degraded},
		{2, Degraded},
		{UnhealthyAfter, Unhealthy},
		{UnhealthyAfter + 2, Unhealthy},
	}
	n := 0
	for _, tt := range tests {
		for n < tt.failures {
			m.Failure("analysis", "connection refused")
			n++
		}
		c, ok := m.Get("analysis")
		if !ok {
			t.Fatal("check missing")
		}
		if c.Status != tt.want || c.Failures != tt.failures {
			t.Fatalf("after %d failures: status=%q failures=%d, want %q", tt.failures, c.Status, c.Failures, tt.want)
		}
		if c.Message != "connection refused" {
			t.Fatalf("Message = %q", c.Message)
		}
	}
}

func TestSuccessResets(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < UnhealthyAfter; i++ {
		m.Failure("analysis", "boom")
	}
	m.Success("analysis")

	c, _ := m.Get("analysis")
	if c.Status != Healthy || c.Failures != 0 || c.Message != "" {
		t.Fatalf("after success: %+v", c)
	}

	m.Failure("analysis", "again")
	if got := m.StatusOf("analysis"); got != Degraded {
		t.Fatalf("one failure after recovery = %q, want degraded", got)
	}
}

func TestOverallIsWorst(t *testing.T) {
	m := NewMonitor()
	m.Success("probe")
	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall() = %q, want healthy", got)
	}
	m.Failure("analysis", "x")
	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want degraded", got)
	}
	if got := len(m.All()); got != 2 {
		t.Fatalf("All() len = %d, want 2", got)
	}
}

func TestUpdatedAtUsesClock(t *testing.T) {
	m := NewMonitor()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	m.Failure("analysis", "x")
	if c, _ := m.Get("analysis"); !c.UpdatedAt.Equal(fixed) {
		t.Fatalf("UpdatedAt = %v, want %v", c.UpdatedAt, fixed)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Success("analysis")
			} else {
				m.Failure("analysis", "x")
			}
			m.Overall()
		}(i)
	}
	wg.Wait()
	if _, ok := m.Get("analysis"); !ok {
		t.Fatal("check missing")
	}
}
