package session

import (
	"sync"
	"time"
)

// Monitor derives keepalive and stall signals from the wall clock and
// transport idle time. The zero lastPing makes the first PingDue after
// connect fire immediately.
type Monitor struct {
	mu           sync.Mutex
	pingInterval time.Duration
	stallAfter   time.Duration
	lastPing     time.Time
	lastSend     time.Time
}

func NewMonitor(cfg Config) *Monitor {
	cfg = cfg.WithDefaults()
	return &Monitor{
		pingInterval: cfg.PingInterval,
		stallAfter:   cfg.StallAfter,
	}
}

// MarkSend stamps the most recent successful request send.
func (m *Monitor) MarkSend(at time.Time) {
	m.mu.Lock()
	m.lastSend = at
	m.mu.Unlock()
}

// PingDue reports whether the keepalive window elapsed. A true result
// opens the next window, so each window reports at most once.
func (m *Monitor) PingDue(at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.Sub(m.lastPing) <= m.pingInterval {
		return false
	}
	m.lastPing = at
	return true
}

// TimedOut reports a stalled conversation: requests in flight, nothing
// sent for longer than the stall window, and a transport idle for
// longer than the stall window.
func (m *Monitor) TimedOut(at time.Time, pending int, idle time.Duration) bool {
	m.mu.Lock()
	lastSend := m.lastSend
	m.mu.Unlock()
	if pending == 0 || lastSend.IsZero() {
		return false
	}
	return at.Sub(lastSend) > m.stallAfter && idle > m.stallAfter
}
