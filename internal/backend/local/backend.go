// Package local implements the in-process execution backend: each work's
// runner loop is a goroutine wired through the shared fabric. It is the
// default backend and the one integration tests build on.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/runner"
)

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Backend runs each work's execution context as a goroutine.
type Backend struct {
	logger    *slog.Logger
	runnables *runner.Registry

	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a local backend serving runnables from the given registry.
func New(runnables *runner.Registry, logger *slog.Logger) *Backend {
	return &Backend{
		logger:    logger,
		runnables: runnables,
		handles:   make(map[string]*handle),
	}
}

// CreateWork registers the work's queues and launches its runner goroutine.
// Creating an already-created work is a no-op.
func (b *Backend) CreateWork(ctx context.Context, c backend.Coordinator, w *model.Work) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handles[w.Name]; ok {
		return nil
	}

	if err := c.RegisterWorkQueues(w.Name); err != nil {
		return &backend.ProvisioningError{WorkName: w.Name, Reason: "register queues", Err: err}
	}

	fn, ok := b.runnables.Lookup(w.Name)
	if !ok {
		return &backend.ProvisioningError{
			WorkName: w.Name,
			Reason:   fmt.Sprintf("no runnable registered for work %q", w.Name),
		}
	}

	r, err := runner.New(c.QueueID(), w.Name, c.Queues(), fn, b.logger)
	if err != nil {
		return &backend.ProvisioningError{WorkName: w.Name, Reason: "wire runner", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	b.handles[w.Name] = h

	go func() {
		defer close(h.done)
		if err := r.Serve(runCtx); err != nil && runCtx.Err() == nil {
			b.logger.Error("runner exited", "work", w.Name, "error", err)
		}
	}()

	w.Backend = backend.NameLocal
	return nil
}

// UpdateWorkStatuses marks works whose runner goroutine exited unexpectedly
// as failed. Works without a handle are left alone; they were stopped or
// never created.
func (b *Backend) UpdateWorkStatuses(ctx context.Context, works []*model.Work) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, w := range works {
		h, ok := b.handles[w.Name]
		if !ok {
			continue
		}
		select {
		case <-h.done:
			status := w.Status()
			if status == model.StatusRunning || status == model.StatusStarting {
				w.SetLastError("runner goroutine exited")
				w.SetStatus(model.StatusFailed)
			}
		default:
		}
	}
}

// StopWork cancels the work's runner goroutine. Stopping a work that is
// already gone is a no-op.
func (b *Backend) StopWork(ctx context.Context, c backend.Coordinator, w *model.Work) error {
	b.mu.Lock()
	h, ok := b.handles[w.Name]
	if ok {
		delete(b.handles, w.Name)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// StopAllWorks stops every given work, continuing past individual failures.
func (b *Backend) StopAllWorks(ctx context.Context, c backend.Coordinator, works []*model.Work) error {
	var firstErr error
	for _, w := range works {
		if err := b.StopWork(ctx, c, w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResolveURL reports no network surface; local works are in-process.
func (b *Backend) ResolveURL(w *model.Work, baseURL string) string {
	return ""
}
