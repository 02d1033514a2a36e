package alerts

import (
	"sync"
	"time"
)

// Monitor tracks one connection and raises an alert once it has been down
// for longer than the delay, plus a recovery alert when it comes back.
type Monitor struct {
	reporter Reporter
	event    string
	name     string
	severity string
	delay    time.Duration
	now      func() time.Time

	mu        sync.Mutex
	downSince time.Time
	alerted   bool
}

func NewMonitor(reporter Reporter, event, name, severity string, delay time.Duration) *Monitor {
	return &Monitor{
		reporter: reporter,
		event:    event,
		name:     name,
		severity: severity,
		delay:    delay,
		now:      time.Now,
	}
}

// Observe records the current connection state.
func (m *Monitor) Observe(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if connected {
		if m.alerted {
			m.reporter.Report(m.event, SeverityInfo, "", m.name+" connection restored", map[string]interface{}{
				"recovered_at": now.UTC().Format(time.RFC3339),
			})
		}
		m.downSince = time.Time{}
		m.alerted = false
		return
	}

	if m.downSince.IsZero() {
		m.downSince = now
	}

	if !m.alerted {
		down := now.Sub(m.downSince)
		if down >= m.delay {
			m.alerted = true
			m.reporter.Report(m.event, m.severity, "", m.name+" unavailable", map[string]interface{}{
				"disconnected_since":   m.downSince.UTC().Format(time.RFC3339),
				"disconnected_seconds": int(down.Seconds()),
			})
		}
	}
}

// Run polls check on every interval until stop is closed.
func (m *Monitor) Run(interval time.Duration, check func() bool, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Observe(check())
		}
	}
}
