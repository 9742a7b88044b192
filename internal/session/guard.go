// Package session enforces at most one running import per client session.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSessionBusy is returned when a session already has an active import
var ErrSessionBusy = errors.New("an upload is already in progress for this session")

// BusyError reports the job currently bound to a session
type BusyError struct {
	SessionID   string
	ActiveJobID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s (active job %s)", ErrSessionBusy.Error(), e.ActiveJobID)
}

// Is makes errors.Is(err, ErrSessionBusy) match
func (e *BusyError) Is(target error) bool {
	return target == ErrSessionBusy
}

// Binding ties a session to its active job
type Binding struct {
	SessionID string    `json:"sessionId"`
	JobID     string    `json:"jobId"`
	BoundAt   time.Time `json:"boundAt"`
}

// Guard holds the session bindings
type Guard struct {
	mu       sync.Mutex
	bindings map[string]Binding
	now      func() time.Time
}

// NewGuard creates an empty guard
func NewGuard() *Guard {
	return &Guard{
		bindings: make(map[string]Binding),
		now:      time.Now,
	}
}

// Acquire binds sessionID to jobID. It fails with a *BusyError when the
// session is bound to another job; acquiring twice for the same job is a no-op.
func (g *Guard) Acquire(sessionID, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.bindings[sessionID]; ok {
		if b.JobID == jobID {
			return nil
		}
		return &BusyError{SessionID: sessionID, ActiveJobID: b.JobID}
	}

	g.bindings[sessionID] = Binding{SessionID: sessionID, JobID: jobID, BoundAt: g.now()}
	return nil
}

// Release clears the binding only if it still belongs to jobID
func (g *Guard) Release(sessionID, jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.bindings[sessionID]; ok && b.JobID == jobID {
		delete(g.bindings, sessionID)
		return true
	}
	return false
}

// Reset clears the binding of a session regardless of its job and returns it
func (g *Guard) Reset(sessionID string) (Binding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.bindings[sessionID]
	delete(g.bindings, sessionID)
	return b, ok
}

// Active returns the current binding of a session
func (g *Guard) Active(sessionID string) (Binding, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.bindings[sessionID]
	return b, ok
}

// Len returns the number of bound sessions
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bindings)
}
