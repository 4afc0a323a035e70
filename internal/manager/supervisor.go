package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
	"github.com/workmesh/workmesh/internal/store"
)

// DefaultPollInterval is the supervision loop's scheduling interval.
const DefaultPollInterval = 100 * time.Millisecond

// Supervisor polls the readiness and error queues and batches backend
// health checks, keeping every attached work's status current. Signals are
// consumed exactly once.
type Supervisor struct {
	readinessQ queue.Queue
	errorQ     queue.Queue
	st         store.Store
	logger     *slog.Logger
	interval   time.Duration

	mu       sync.Mutex
	managers map[string]*Manager
	backends map[backend.Backend][]*model.Work
}

// NewSupervisor creates a supervisor consuming the given signal queues.
// The store may be nil; status changes are then kept in memory only.
func NewSupervisor(readinessQ, errorQ queue.Queue, st store.Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		readinessQ: readinessQ,
		errorQ:     errorQ,
		st:         st,
		logger:     logger,
		interval:   DefaultPollInterval,
		managers:   make(map[string]*Manager),
		backends:   make(map[backend.Backend][]*model.Work),
	}
}

// SetInterval overrides the scheduling interval. Useful in tests.
func (s *Supervisor) SetInterval(d time.Duration) { s.interval = d }

// Attach puts a manager (and its work) under supervision.
func (s *Supervisor) Attach(m *Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers[m.work.Name] = m
	s.backends[m.be] = append(s.backends[m.be], m.work)
}

// Detach removes a work from supervision at teardown.
func (s *Supervisor) Detach(workName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.managers[workName]
	if !ok {
		return
	}
	delete(s.managers, workName)

	works := s.backends[m.be]
	for i, w := range works {
		if w.Name == workName {
			s.backends[m.be] = append(works[:i], works[i+1:]...)
			break
		}
	}
}

// Manager returns the manager supervising the named work.
func (s *Supervisor) Manager(workName string) (*Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[workName]
	return m, ok
}

// Run drives the supervision loop until the context is cancelled. Each tick
// drains both signal queues non-blockingly, then polls every backend's
// works in one batched pass.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one supervision pass. Exported so tests and the app's
// shutdown path can drive the loop deterministically.
func (s *Supervisor) Tick(ctx context.Context) {
	s.drainReadiness(ctx)
	s.drainErrors(ctx)
	s.pollBackends(ctx)
}

func (s *Supervisor) drainReadiness(ctx context.Context) {
	for {
		var sig model.Signal
		err := queue.PopJSON(s.readinessQ, 0, &sig)
		if errors.Is(err, queue.ErrEmpty) || errors.Is(err, queue.ErrClosed) {
			return
		}
		if err != nil {
			s.logger.Error("pop readiness queue", "error", err)
			return
		}

		m, ok := s.Manager(sig.WorkName)
		if !ok {
			s.logger.Warn("readiness signal for unknown work", "work", sig.WorkName)
			continue
		}

		w := m.Work()
		if w.Transition(model.StatusRunning) {
			now := time.Now().UTC()
			w.StartedAt = &now
			s.logger.Info("work running", "work", w.Name)
			s.persist(ctx, w)
		}
	}
}

func (s *Supervisor) drainErrors(ctx context.Context) {
	for {
		var sig model.Signal
		err := queue.PopJSON(s.errorQ, 0, &sig)
		if errors.Is(err, queue.ErrEmpty) || errors.Is(err, queue.ErrClosed) {
			return
		}
		if err != nil {
			s.logger.Error("pop error queue", "error", err)
			return
		}

		m, ok := s.Manager(sig.WorkName)
		if !ok {
			s.logger.Warn("error signal for unknown work", "work", sig.WorkName)
			continue
		}

		w := m.Work()
		w.SetLastError(sig.Message)
		w.SetStatus(model.StatusFailed)
		if entry := w.Entry(); entry != nil {
			if c, ok := entry.(pendingCanceler); ok {
				c.CancelPending()
			}
		}
		s.logger.Error("work failed", "work", w.Name, "error", sig.Message)
		s.persist(ctx, w)
	}
}

func (s *Supervisor) pollBackends(ctx context.Context) {
	s.mu.Lock()
	batches := make(map[backend.Backend][]*model.Work, len(s.backends))
	for b, works := range s.backends {
		batches[b] = append([]*model.Work(nil), works...)
	}
	s.mu.Unlock()

	for b, works := range batches {
		if len(works) == 0 {
			continue
		}
		before := make(map[string]string, len(works))
		for _, w := range works {
			before[w.Name] = w.Status()
		}

		b.UpdateWorkStatuses(ctx, works)

		for _, w := range works {
			if before[w.Name] != w.Status() {
				s.logger.Info("work status changed",
					"work", w.Name, "from", before[w.Name], "to", w.Status())
				s.persist(ctx, w)
			}
		}
	}
}

func (s *Supervisor) persist(ctx context.Context, w *model.Work) {
	if s.st == nil {
		return
	}
	if err := s.st.SaveWork(ctx, w); err != nil {
		s.logger.Error("persist work", "work", w.Name, "error", err)
	}
}
