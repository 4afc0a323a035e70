package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
)

type stubCoordinator struct{}

func (stubCoordinator) QueueID() string                 { return "mgrtest" }
func (stubCoordinator) Queues() *queue.System           { return nil }
func (stubCoordinator) RegisterWorkQueues(string) error { return nil }
func (stubCoordinator) ReleaseWorkQueues(string)        {}

type stubBackend struct {
	createErr error
	creates   int
	stops     int
}

func (b *stubBackend) CreateWork(_ context.Context, _ backend.Coordinator, _ *model.Work) error {
	if b.createErr != nil {
		return b.createErr
	}
	b.creates++
	return nil
}

func (b *stubBackend) UpdateWorkStatuses(context.Context, []*model.Work) {}

func (b *stubBackend) StopWork(context.Context, backend.Coordinator, *model.Work) error {
	b.stops++
	return nil
}

func (b *stubBackend) StopAllWorks(context.Context, backend.Coordinator, []*model.Work) error {
	return nil
}

func (b *stubBackend) ResolveURL(*model.Work, string) string { return "" }

type cancelableEntry struct {
	canceled int
}

func (e *cancelableEntry) Call(context.Context, model.Args) (model.Result, error) {
	return nil, nil
}

func (e *cancelableEntry) CancelPending() { e.canceled++ }

func newTestManager(t *testing.T, be *stubBackend) (*Manager, *model.Work) {
	t.Helper()
	w := model.NewWork("trainer")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(stubCoordinator{}, be, w, logger), w
}

func TestStartTransitionsToStarting(t *testing.T) {
	be := &stubBackend{}
	m, w := newTestManager(t, be)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w.Status() != model.StatusStarting {
		t.Errorf("status = %q, want starting", w.Status())
	}
	if be.creates != 1 {
		t.Errorf("CreateWork called %d times, want 1", be.creates)
	}
}

func TestStartWhileStartingIsNoop(t *testing.T) {
	be := &stubBackend{}
	m, _ := newTestManager(t, be)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start (second): %v", err)
	}
	if be.creates != 1 {
		t.Errorf("CreateWork called %d times for repeated Start, want 1", be.creates)
	}
}

func TestStartProvisioningFailure(t *testing.T) {
	cause := &backend.ProvisioningError{WorkName: "trainer", Reason: "no capacity"}
	be := &stubBackend{createErr: cause}
	m, w := newTestManager(t, be)

	err := m.Start()
	if !errors.Is(err, cause) {
		t.Fatalf("Start: err = %v, want provisioning error", err)
	}
	if w.Status() != model.StatusFailed {
		t.Errorf("status = %q, want failed", w.Status())
	}
	if w.LastError() == "" {
		t.Error("LastError not recorded on provisioning failure")
	}
}

func TestKillStopsWork(t *testing.T) {
	be := &stubBackend{}
	m, w := newTestManager(t, be)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Transition(model.StatusRunning)

	if err := m.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if w.Status() != model.StatusStopped {
		t.Errorf("status = %q, want stopped", w.Status())
	}
	if w.StoppedAt == nil {
		t.Error("StoppedAt not set after Kill")
	}
	if be.stops != 1 {
		t.Errorf("StopWork called %d times, want 1", be.stops)
	}
}

func TestKillTwiceIsIdempotent(t *testing.T) {
	be := &stubBackend{}
	m, w := newTestManager(t, be)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Transition(model.StatusRunning)

	if err := m.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := m.Kill(); err != nil {
		t.Fatalf("Kill (second): %v", err)
	}
	if be.stops != 1 {
		t.Errorf("StopWork called %d times for double Kill, want 1", be.stops)
	}
}

func TestKillCancelsPendingCalls(t *testing.T) {
	be := &stubBackend{}
	m, w := newTestManager(t, be)
	entry := &cancelableEntry{}
	w.SetEntry(entry)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Transition(model.StatusRunning)

	if err := m.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if entry.canceled != 1 {
		t.Errorf("CancelPending called %d times, want 1", entry.canceled)
	}
}

func TestRestart(t *testing.T) {
	be := &stubBackend{}
	m, w := newTestManager(t, be)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Transition(model.StatusRunning)

	if err := m.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if w.Restarts() != 1 {
		t.Errorf("Restarts = %d, want 1", w.Restarts())
	}
	if w.Status() != model.StatusStarting {
		t.Errorf("status after restart = %q, want starting", w.Status())
	}
	if be.stops != 1 || be.creates != 2 {
		t.Errorf("stops = %d creates = %d, want 1 and 2", be.stops, be.creates)
	}
}

func TestIsAlive(t *testing.T) {
	be := &stubBackend{}
	m, w := newTestManager(t, be)

	if m.IsAlive() {
		t.Error("IsAlive = true for created work")
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.IsAlive() {
		t.Error("IsAlive = true while still starting")
	}
	w.Transition(model.StatusRunning)
	if !m.IsAlive() {
		t.Error("IsAlive = false for running work")
	}
	if err := m.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if m.IsAlive() {
		t.Error("IsAlive = true after Kill")
	}
}
