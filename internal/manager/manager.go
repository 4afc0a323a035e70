// Package manager implements the per-work lifecycle controller and the
// supervision loop that consumes readiness and error signals.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/model"
)

// WorkManager controls one work's lifecycle on behalf of the app and UI
// layer.
type WorkManager interface {
	Start() error
	Kill() error
	Restart() error
	IsAlive() bool
}

// pendingCanceler is the capability a wrapped entry point exposes for
// resolving in-flight calls when the work is killed.
type pendingCanceler interface {
	CancelPending()
}

// sequenceResetter is the capability the coordinator exposes for rewinding
// a work's delta ordering state when a fresh execution context, whose
// sequence numbers start over, is provisioned.
type sequenceResetter interface {
	ResetDeltaSequence(workName string)
}

// Compile-time interface satisfaction check.
var _ WorkManager = (*Manager)(nil)

// Manager drives one work's state machine over its backend. Start, Kill,
// and Restart are serialized by a mutex so a concurrent IsAlive never
// observes a torn intermediate state beyond "not currently alive".
type Manager struct {
	mu     sync.Mutex
	work   *model.Work
	coord  backend.Coordinator
	be     backend.Backend
	logger *slog.Logger
}

// New creates a manager for the given work.
func New(c backend.Coordinator, b backend.Backend, w *model.Work, logger *slog.Logger) *Manager {
	return &Manager{
		work:   w,
		coord:  c,
		be:     b,
		logger: logger,
	}
}

// Work returns the managed work.
func (m *Manager) Work() *model.Work { return m.work }

// Backend returns the backend the work is bound to.
func (m *Manager) Backend() backend.Backend { return m.be }

// Start provisions the work's execution context and moves it to starting.
// The supervision loop promotes it to running once its readiness signal
// arrives. Starting an already-running work is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() error {
	status := m.work.Status()
	if status == model.StatusRunning || status == model.StatusStarting {
		return nil
	}

	if !m.work.Transition(model.StatusStarting) {
		return fmt.Errorf("cannot start work %q from status %q", m.work.Name, status)
	}

	if r, ok := m.coord.(sequenceResetter); ok {
		r.ResetDeltaSequence(m.work.Name)
	}

	if err := m.be.CreateWork(context.Background(), m.coord, m.work); err != nil {
		m.work.SetLastError(err.Error())
		m.work.SetStatus(model.StatusFailed)
		return err
	}

	m.logger.Info("work starting", "work", m.work.Name, "backend", m.work.Backend)
	return nil
}

// Kill forces the work to stopped, releasing its backend handle. An
// execution context that is already gone counts as stopped; killing twice
// is not an error. In-flight calls resolve with a cancellation error rather
// than hanging.
func (m *Manager) Kill() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killLocked()
}

func (m *Manager) killLocked() error {
	if m.work.Status() == model.StatusStopped {
		return nil
	}

	m.work.Transition(model.StatusStopping)

	if err := m.be.StopWork(context.Background(), m.coord, m.work); err != nil {
		m.work.SetLastError(err.Error())
		m.work.SetStatus(model.StatusFailed)
		return fmt.Errorf("stop work %q: %w", m.work.Name, err)
	}

	if entry := m.work.Entry(); entry != nil {
		if c, ok := entry.(pendingCanceler); ok {
			c.CancelPending()
		}
	}

	now := time.Now().UTC()
	m.work.StoppedAt = &now
	m.work.SetStatus(model.StatusStopped)
	m.logger.Info("work stopped", "work", m.work.Name)
	return nil
}

// Restart kills then starts the work under one lock, so concurrent status
// reads see at most a not-alive intermediate.
func (m *Manager) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.work.Transition(model.StatusRestarting)
	if err := m.killLocked(); err != nil {
		return err
	}
	m.work.IncRestarts()
	return m.startLocked()
}

// IsAlive reports whether the work is currently running. It is a pure read
// with no side effects.
func (m *Manager) IsAlive() bool {
	return m.work.Status() == model.StatusRunning
}
