package manager

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
)

func newTestSupervisor(t *testing.T) (*Supervisor, queue.Queue, queue.Queue) {
	t.Helper()
	f := queue.NewMemoryFabric()
	t.Cleanup(func() { f.Close() })

	qs := queue.NewSystem(f)
	readinessQ, err := qs.ReadinessQueue("suptest")
	if err != nil {
		t.Fatalf("ReadinessQueue: %v", err)
	}
	errorQ, err := qs.ErrorQueue("suptest")
	if err != nil {
		t.Fatalf("ErrorQueue: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewSupervisor(readinessQ, errorQ, nil, logger), readinessQ, errorQ
}

func TestReadinessSignalPromotesToRunning(t *testing.T) {
	sup, readinessQ, _ := newTestSupervisor(t)
	be := &stubBackend{}
	m, w := newTestManager(t, be)
	sup.Attach(m)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sig := model.Signal{Kind: model.SignalReadiness, WorkName: "trainer", Time: time.Now().UTC()}
	if err := queue.PushJSON(readinessQ, sig); err != nil {
		t.Fatalf("push readiness: %v", err)
	}

	sup.Tick(context.Background())

	if w.Status() != model.StatusRunning {
		t.Errorf("status = %q after readiness signal, want running", w.Status())
	}
	if w.StartedAt == nil {
		t.Error("StartedAt not set on readiness")
	}
}

func TestErrorSignalMarksFailed(t *testing.T) {
	sup, readinessQ, errorQ := newTestSupervisor(t)
	be := &stubBackend{}
	m, w := newTestManager(t, be)
	entry := &cancelableEntry{}
	w.SetEntry(entry)
	sup.Attach(m)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := queue.PushJSON(readinessQ, model.Signal{
		Kind: model.SignalReadiness, WorkName: "trainer", Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("push readiness: %v", err)
	}
	sup.Tick(context.Background())

	if err := queue.PushJSON(errorQ, model.Signal{
		Kind: model.SignalError, WorkName: "trainer", Message: "exploded", Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("push error: %v", err)
	}
	sup.Tick(context.Background())

	if w.Status() != model.StatusFailed {
		t.Errorf("status = %q after error signal, want failed", w.Status())
	}
	if w.LastError() != "exploded" {
		t.Errorf("LastError = %q, want %q", w.LastError(), "exploded")
	}
	if entry.canceled != 1 {
		t.Errorf("CancelPending called %d times on failure, want 1", entry.canceled)
	}
}

func TestSignalForUnknownWorkIgnored(t *testing.T) {
	sup, readinessQ, _ := newTestSupervisor(t)

	if err := queue.PushJSON(readinessQ, model.Signal{
		Kind: model.SignalReadiness, WorkName: "ghost", Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("push readiness: %v", err)
	}

	// Must not panic or loop; the signal is consumed and dropped.
	sup.Tick(context.Background())
}

func TestDetachStopsSupervision(t *testing.T) {
	sup, readinessQ, _ := newTestSupervisor(t)
	be := &stubBackend{}
	m, w := newTestManager(t, be)
	sup.Attach(m)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.Detach("trainer")

	if err := queue.PushJSON(readinessQ, model.Signal{
		Kind: model.SignalReadiness, WorkName: "trainer", Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("push readiness: %v", err)
	}
	sup.Tick(context.Background())

	if w.Status() == model.StatusRunning {
		t.Error("detached work was still promoted by the supervisor")
	}
	if _, ok := sup.Manager("trainer"); ok {
		t.Error("Manager still resolvable after Detach")
	}
}

// failingPollBackend flips running works to failed during health polls.
type failingPollBackend struct {
	stubBackend
}

func (b *failingPollBackend) UpdateWorkStatuses(_ context.Context, works []*model.Work) {
	for _, w := range works {
		if w.Status() == model.StatusRunning {
			w.SetLastError("process gone")
			w.SetStatus(model.StatusFailed)
		}
	}
}

func TestPollBackendsDetectsDeadWork(t *testing.T) {
	sup, readinessQ, _ := newTestSupervisor(t)
	be := &failingPollBackend{}
	w := model.NewWork("trainer")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	m := New(stubCoordinator{}, be, w, logger)
	sup.Attach(m)

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := queue.PushJSON(readinessQ, model.Signal{
		Kind: model.SignalReadiness, WorkName: "trainer", Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("push readiness: %v", err)
	}
	// One tick drains the readiness signal (promoting to running) and then
	// polls the backend, which finds the process gone.
	sup.Tick(context.Background())
	if w.Status() != model.StatusFailed {
		t.Errorf("status = %q after poll detected dead process, want failed", w.Status())
	}
	if w.LastError() != "process gone" {
		t.Errorf("LastError = %q, want %q", w.LastError(), "process gone")
	}
}
