// Package app implements the root coordinator. The app owns the queue
// fabric, the single-writer queue registries, the canonical state
// synchronizer, and the supervision loop; every other component reaches
// these through the app by reference, never through ambient globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/manager"
	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/proxy"
	"github.com/workmesh/workmesh/internal/queue"
	"github.com/workmesh/workmesh/internal/statesync"
	"github.com/workmesh/workmesh/internal/store"
)

// Compile-time check: the app is the coordinator backends work through.
var _ backend.Coordinator = (*App)(nil)

// App is the root coordinator of a workmesh deployment.
type App struct {
	queueID  string
	qs       *queue.System
	st       store.Store
	registry *backend.Registry
	sync     *statesync.Synchronizer
	sup      *manager.Supervisor
	logger   *slog.Logger
	baseURL  string

	// App-level queues, each opened exactly once at construction.
	deltaQ     queue.Queue
	readinessQ queue.Queue
	errorQ     queue.Queue
	apiStateQ  queue.Queue
	apiDeltaQ  queue.Queue

	mu         sync.Mutex
	works      map[string]*model.Work
	managers   map[string]*manager.Manager
	callerQs   map[string]queue.Queue
	requestQs  map[string]queue.Queue
	responseQs map[string]queue.Queue
	copyReqQs  map[string]queue.Queue
	copyRespQs map[string]queue.Queue

	// copyMu serializes artifact fetches so responses match requests by
	// sequence number without a dispatcher.
	copyMu  sync.Mutex
	copySeq uint64
}

// New creates an app over the given fabric, store, and backend registry.
// The store may be nil for fully in-memory deployments.
func New(queueID string, fab queue.Fabric, st store.Store, reg *backend.Registry, logger *slog.Logger) (*App, error) {
	qs := queue.NewSystem(fab)

	a := &App{
		queueID:    queueID,
		qs:         qs,
		st:         st,
		registry:   reg,
		logger:     logger,
		works:      make(map[string]*model.Work),
		managers:   make(map[string]*manager.Manager),
		callerQs:   make(map[string]queue.Queue),
		requestQs:  make(map[string]queue.Queue),
		responseQs: make(map[string]queue.Queue),
		copyReqQs:  make(map[string]queue.Queue),
		copyRespQs: make(map[string]queue.Queue),
	}

	var err error
	if a.deltaQ, err = qs.DeltaQueue(queueID); err != nil {
		return nil, fmt.Errorf("open delta queue: %w", err)
	}
	if a.readinessQ, err = qs.ReadinessQueue(queueID); err != nil {
		return nil, fmt.Errorf("open readiness queue: %w", err)
	}
	if a.errorQ, err = qs.ErrorQueue(queueID); err != nil {
		return nil, fmt.Errorf("open error queue: %w", err)
	}
	if a.apiStateQ, err = qs.APIStatePublishQueue(queueID); err != nil {
		return nil, fmt.Errorf("open api state publish queue: %w", err)
	}
	if a.apiDeltaQ, err = qs.APIDeltaQueue(queueID); err != nil {
		return nil, fmt.Errorf("open api delta queue: %w", err)
	}

	a.sync = statesync.New(a.deltaQ, st, logger)
	a.sync.PublishTo(a.apiStateQ, a.apiDeltaQ)
	a.sup = manager.NewSupervisor(a.readinessQ, a.errorQ, st, logger)

	return a, nil
}

// SetBaseURL sets the base URL joined with works' advertised URLs.
func (a *App) SetBaseURL(u string) { a.baseURL = u }

// QueueID returns the process-wide queue fabric key.
func (a *App) QueueID() string { return a.queueID }

// Queues returns the role-addressed view of the fabric.
func (a *App) Queues() *queue.System { return a.qs }

// Synchronizer returns the canonical state synchronizer.
func (a *App) Synchronizer() *statesync.Synchronizer { return a.sync }

// Supervisor returns the supervision loop.
func (a *App) Supervisor() *manager.Supervisor { return a.sup }

// Registry returns the backend registry.
func (a *App) Registry() *backend.Registry { return a.registry }

// Store returns the persistence layer, possibly nil.
func (a *App) Store() store.Store { return a.st }

// ResetDeltaSequence rewinds the synchronizer's ordering state for a work
// whose execution context is being provisioned anew, so the fresh context's
// deltas are not mistaken for duplicates of the old stream.
func (a *App) ResetDeltaSequence(workName string) {
	a.sync.ResetWork(workName)
}

// RegisterWork registers a named work with the app, binding it to the named
// backend (or the default when backendName is empty). The work's queues are
// not created until it is provisioned. Registering the same name twice is
// an error: names are unique within an app.
func (a *App) RegisterWork(name, backendName string) (*model.Work, error) {
	if name == "" {
		return nil, fmt.Errorf("register work: name must not be empty")
	}

	b, err := a.registry.Resolve(backendName)
	if err != nil {
		return nil, fmt.Errorf("register work %q: %w", name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.works[name]; ok {
		return nil, fmt.Errorf("register work: name %q already registered", name)
	}

	w := model.NewWork(name)
	m := manager.New(a, b, w, a.logger)
	a.works[name] = w
	a.managers[name] = m
	a.sup.Attach(m)
	a.sync.RegisterWork(name)

	if a.st != nil {
		if err := a.st.SaveWork(context.Background(), w); err != nil {
			a.logger.Error("persist registered work", "work", name, "error", err)
		}
	}

	a.logger.Info("work registered", "work", name, "backend", backendName)
	return w, nil
}

// DeregisterWork kills the work, drains and discards its queues, and drops
// it from every registry.
func (a *App) DeregisterWork(name string) error {
	a.mu.Lock()
	m, ok := a.managers[name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("deregister work: %w", store.ErrNotFound)
	}

	if err := m.Kill(); err != nil {
		return err
	}
	if entry := m.Work().Entry(); entry != nil {
		if p, ok := entry.(*proxy.RunProxy); ok {
			p.Close()
		}
	}

	a.sup.Detach(name)
	a.sync.RemoveWork(name)
	a.ReleaseWorkQueues(name)

	a.mu.Lock()
	delete(a.works, name)
	delete(a.managers, name)
	a.mu.Unlock()
	return nil
}

// RegisterWorkQueues creates the work's queue quadruple and caller queue.
// They are created exactly once; repeated calls while the work is alive are
// no-ops.
func (a *App) RegisterWorkQueues(workName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.callerQs[workName]; ok {
		return nil
	}

	open := func(dst map[string]queue.Queue, get func(string, string) (queue.Queue, error), role string) error {
		q, err := get(a.queueID, workName)
		if err != nil {
			return fmt.Errorf("open %s queue for work %q: %w", role, workName, err)
		}
		dst[workName] = q
		return nil
	}

	if err := open(a.requestQs, a.qs.RequestQueue, "request"); err != nil {
		return err
	}
	if err := open(a.responseQs, a.qs.ResponseQueue, "response"); err != nil {
		return err
	}
	if err := open(a.copyReqQs, a.qs.CopyRequestQueue, "copy-request"); err != nil {
		return err
	}
	if err := open(a.copyRespQs, a.qs.CopyResponseQueue, "copy-response"); err != nil {
		return err
	}
	if err := open(a.callerQs, a.qs.CallerQueue, "caller"); err != nil {
		return err
	}
	return nil
}

// ReleaseWorkQueues closes and drops the work's queues at teardown.
func (a *App) ReleaseWorkQueues(workName string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, reg := range []map[string]queue.Queue{
		a.callerQs, a.requestQs, a.responseQs, a.copyReqQs, a.copyRespQs,
	} {
		if q, ok := reg[workName]; ok {
			q.Close()
			delete(reg, workName)
		}
	}
}

// Work returns a registered work by name.
func (a *App) Work(name string) (*model.Work, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.works[name]
	return w, ok
}

// Manager returns the lifecycle manager of a registered work.
func (a *App) Manager(name string) (*manager.Manager, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.managers[name]
	return m, ok
}

// Works returns all registered works sorted by name.
func (a *App) Works() []*model.Work {
	a.mu.Lock()
	defer a.mu.Unlock()

	works := make([]*model.Work, 0, len(a.works))
	for _, w := range a.works {
		works = append(works, w)
	}
	sort.Slice(works, func(i, j int) bool { return works[i].Name < works[j].Name })
	return works
}

// WrapRun wraps the named work's entry method with a run proxy, provisioning
// the work if needed. Wrapping twice yields the same proxy.
func (a *App) WrapRun(ctx context.Context, name string, opts ...proxy.Option) (*proxy.RunProxy, error) {
	a.mu.Lock()
	w, ok := a.works[name]
	m := a.managers[name]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wrap run: work %q is not registered", name)
	}
	return proxy.Wrap(ctx, a, m.Backend(), w, opts...)
}

// fetchPoll bounds each copy-response poll so FetchArtifact can observe
// cancellation between messages; fetchTimeout caps a fetch whose context
// carries no deadline of its own.
const (
	fetchPoll    = 50 * time.Millisecond
	fetchTimeout = 5 * time.Second
)

// FetchArtifact retrieves an artifact payload from the work's execution
// context over its copy channel. A false return means the context holds no
// artifact under the key. Fetches are serialized so each response is matched
// to its request by sequence number.
func (a *App) FetchArtifact(ctx context.Context, workName, key string) ([]byte, bool, error) {
	a.mu.Lock()
	reqQ, okReq := a.copyReqQs[workName]
	respQ, okResp := a.copyRespQs[workName]
	a.mu.Unlock()
	if !okReq || !okResp {
		return nil, false, fmt.Errorf("fetch artifact %q: work %q has no copy channel", key, workName)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
	}

	a.copyMu.Lock()
	defer a.copyMu.Unlock()

	a.copySeq++
	seq := a.copySeq
	req := model.CopyRequest{Seq: seq, WorkName: workName, Key: key}
	if err := queue.PushJSON(reqQ, req); err != nil {
		return nil, false, fmt.Errorf("enqueue copy request for work %q: %w", workName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, false, fmt.Errorf("fetch artifact %q from work %q: %w", key, workName, ctx.Err())
		default:
		}

		var resp model.CopyResponse
		err := queue.PopJSON(respQ, fetchPoll, &resp)
		switch {
		case err == nil:
			if resp.Seq != seq {
				// Stale answer from an abandoned fetch; skip it.
				continue
			}
			return resp.Payload, resp.Found, nil
		case errors.Is(err, queue.ErrEmpty):
		default:
			return nil, false, fmt.Errorf("pop copy response for work %q: %w", workName, err)
		}
	}
}

// ResolveURL maps a work to a reachable endpoint through its backend.
func (a *App) ResolveURL(name string) string {
	a.mu.Lock()
	w, ok := a.works[name]
	m := a.managers[name]
	a.mu.Unlock()
	if !ok {
		return ""
	}
	return m.Backend().ResolveURL(w, a.baseURL)
}

// Run drives the synchronizer and the supervision loop until the context is
// cancelled, then stops all works.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.sync.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("synchronizer stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.sup.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("supervisor stopped", "error", err)
		}
	}()

	<-ctx.Done()
	wg.Wait()
	a.Shutdown()
	return ctx.Err()
}

// Shutdown kills every work and tears down its queues. Failures are logged,
// not propagated; a stuck work must not block sibling teardown.
func (a *App) Shutdown() {
	for _, w := range a.Works() {
		m, ok := a.Manager(w.Name)
		if !ok {
			continue
		}
		if err := m.Kill(); err != nil {
			a.logger.Error("kill work at shutdown", "work", w.Name, "error", err)
		}
		a.ReleaseWorkQueues(w.Name)
	}
	a.logger.Info("app shut down", "queue_id", a.queueID)
}
