// Package liveness tracks how long a client has gone without progress
// events and decides locally when an upload should be treated as failed.
package liveness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/contact-bulk-upload-api/internal/models"
)

// Status is the liveness verdict at a point in time
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusTimedOut Status = "timed_out"
	// StatusFinished means a terminal event was received and monitoring stopped
	StatusFinished Status = "finished"
)

// Config holds the silence thresholds
type Config struct {
	WarnAfter time.Duration
	FailAfter time.Duration
}

// DefaultConfig warns after 30s and fails after 60s of silence
func DefaultConfig() Config {
	return Config{WarnAfter: 30 * time.Second, FailAfter: 60 * time.Second}
}

// Handler receives the transitions observed by Run. Either callback may be nil.
type Handler struct {
	OnWarning func(silence time.Duration)
	OnTimeout func(view models.ProgressEvent)
}

// Monitor measures silence since the last progress event
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	clock    func() time.Time
	lastSeen time.Time
	last     models.ProgressEvent
	// period increments on every event; a warning fires once per period
	period   uint64
	warned   uint64
	finished bool
	timedOut bool
}

// NewMonitor starts measuring silence from now. A nil clock uses time.Now.
func NewMonitor(cfg Config, clock func() time.Time) *Monitor {
	if clock == nil {
		clock = time.Now
	}
	defaults := DefaultConfig()
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = defaults.WarnAfter
	}
	if cfg.FailAfter <= 0 {
		cfg.FailAfter = defaults.FailAfter
	}
	return &Monitor{
		cfg:      cfg,
		clock:    clock,
		lastSeen: clock(),
		period:   1,
	}
}

// Observe records a progress event. Events after a local timeout are
// ignored; the local verdict stands.
func (m *Monitor) Observe(ev models.ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timedOut || m.finished {
		return
	}
	m.lastSeen = m.clock()
	m.last = ev
	m.period++
	if ev.Terminal() {
		m.finished = true
	}
}

// Check returns the verdict at now
func (m *Monitor) Check(now time.Time) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(now)
}

func (m *Monitor) check(now time.Time) Status {
	switch {
	case m.finished:
		return StatusFinished
	case m.timedOut:
		return StatusTimedOut
	}

	silence := now.Sub(m.lastSeen)
	switch {
	case silence >= m.cfg.FailAfter:
		m.timedOut = true
		return StatusTimedOut
	case silence >= m.cfg.WarnAfter:
		return StatusWarning
	}
	return StatusHealthy
}

// Silence returns the time elapsed since the last event
func (m *Monitor) Silence(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Sub(m.lastSeen)
}

// Last returns the most recent event observed
func (m *Monitor) Last() models.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// TimeoutMessage is the local failure message for a silence of d
func TimeoutMessage(d time.Duration) string {
	return fmt.Sprintf("No progress received for %ds; upload assumed failed", int(d.Seconds()))
}

// FailedView is the client's local view after a timeout: the last event
// seen, marked failed
func (m *Monitor) FailedView() models.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := m.last
	view.Errors = append([]string(nil), m.last.Errors...)
	view.Stage = models.StageFailed
	view.Message = TimeoutMessage(m.cfg.FailAfter)
	view.Timestamp = m.clock()
	return view
}

// poll checks the monitor and reports whether a warning should fire now
func (m *Monitor) poll() (Status, bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	status := m.check(now)
	if status == StatusWarning && m.warned != m.period {
		m.warned = m.period
		return status, true, now.Sub(m.lastSeen)
	}
	return status, false, now.Sub(m.lastSeen)
}

// Run polls every interval until the upload finishes, times out, or ctx is
// done, and returns the final status
func (m *Monitor) Run(ctx context.Context, interval time.Duration, h Handler) Status {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.Check(m.clock())
		case <-ticker.C:
		}

		status, warn, silence := m.poll()
		switch status {
		case StatusFinished:
			return status
		case StatusTimedOut:
			if h.OnTimeout != nil {
				h.OnTimeout(m.FailedView())
			}
			return status
		case StatusWarning:
			if warn && h.OnWarning != nil {
				h.OnWarning(silence)
			}
		}
	}
}
