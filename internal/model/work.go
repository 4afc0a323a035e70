package model

import (
	"context"
	"sync"
	"time"
)

// Work status constants.
const (
	StatusCreated    = "created"
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusStopping   = "stopping"
	StatusStopped    = "stopped"
	StatusRestarting = "restarting"
	StatusFailed     = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusCreated: {
		StatusStarting: true,
		StatusFailed:   true,
		StatusStopped:  true,
	},
	StatusStarting: {
		StatusRunning:  true,
		StatusStopping: true,
		StatusStopped:  true,
		StatusFailed:   true,
	},
	StatusRunning: {
		StatusStopping:   true,
		StatusStopped:    true,
		StatusRestarting: true,
		StatusFailed:     true,
	},
	StatusStopping: {
		StatusStopped: true,
		StatusFailed:  true,
	},
	StatusStopped: {
		StatusStarting:   true,
		StatusRestarting: true,
	},
	StatusRestarting: {
		StatusStarting: true,
		StatusStopped:  true,
		StatusFailed:   true,
	},
	StatusFailed: {
		StatusRestarting: true,
		StatusStarting:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Args carries the named arguments of a remote call.
type Args map[string]any

// Result carries the named return values of a remote call.
type Result map[string]any

// EntryPoint is a work's active, remotely dispatched entry method. The run
// proxy installs one on first wrap; a non-nil entry point means the work's
// run method is already wrapped.
type EntryPoint interface {
	Call(ctx context.Context, args Args) (Result, error)
}

// Work is a named, stateful unit of remotely executable behavior. The name
// is assigned once when the work is attached to its parent and is immutable
// afterwards; a work with an empty name must never be run.
type Work struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name,omitempty"`
	Backend     string     `json:"backend,omitempty"`
	URL         string     `json:"url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`

	mu        sync.RWMutex
	status    string
	lastError string
	restarts  int
	entry     EntryPoint
}

// NewWork creates a work in the created status. The name may be empty at
// construction time; it must be assigned before any run is attempted.
func NewWork(name string) *Work {
	return &Work{
		Name:      name,
		CreatedAt: time.Now().UTC(),
		status:    StatusCreated,
	}
}

// Status returns the work's current lifecycle status.
func (w *Work) Status() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// SetStatus forces the status without transition validation. Used for
// terminal paths (failed, killed) where the current state is irrelevant.
func (w *Work) SetStatus(status string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

// Transition moves the work to the given status if the transition is valid,
// reporting whether it was applied.
func (w *Work) Transition(to string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !ValidTransition(w.status, to) {
		return false
	}
	w.status = to
	return true
}

// LastError returns the message of the most recent fatal error, if any.
func (w *Work) LastError() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastError
}

// SetLastError records the message of a fatal error for later query.
func (w *Work) SetLastError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastError = msg
}

// Restarts returns how many times the work has been restarted.
func (w *Work) Restarts() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.restarts
}

// IncRestarts increments the restart counter.
func (w *Work) IncRestarts() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restarts++
}

// Entry returns the work's active entry point, or nil if the run method has
// not been wrapped yet.
func (w *Work) Entry() EntryPoint {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.entry
}

// SetEntry installs the work's active entry point. The first non-nil value
// wins; later calls are ignored so that re-wrapping stays a no-op.
func (w *Work) SetEntry(e EntryPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.entry != nil && e != nil {
		return
	}
	w.entry = e
}
