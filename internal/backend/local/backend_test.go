package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
	"github.com/workmesh/workmesh/internal/runner"
)

type testCoordinator struct {
	qs *queue.System
}

func (c *testCoordinator) QueueID() string                 { return "localtest" }
func (c *testCoordinator) Queues() *queue.System           { return c.qs }
func (c *testCoordinator) RegisterWorkQueues(string) error { return nil }
func (c *testCoordinator) ReleaseWorkQueues(string)        {}

func newTestBackend(t *testing.T) (*Backend, *testCoordinator, *runner.Registry) {
	t.Helper()
	f := queue.NewMemoryFabric()
	t.Cleanup(func() { f.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	runnables := runner.NewRegistry()
	return New(runnables, logger), &testCoordinator{qs: queue.NewSystem(f)}, runnables
}

func TestCreateWorkServesCalls(t *testing.T) {
	b, c, runnables := newTestBackend(t)
	runnables.Register("echo", func(ctx context.Context, call *runner.Call) (model.Result, error) {
		return model.Result{"echo": call.Args["v"]}, nil
	})

	w := model.NewWork("echo")
	if err := b.CreateWork(context.Background(), c, w); err != nil {
		t.Fatalf("CreateWork: %v", err)
	}
	defer b.StopWork(context.Background(), c, w)

	if w.Backend != backend.NameLocal {
		t.Errorf("work backend = %q, want local", w.Backend)
	}

	// The runner announces readiness once its goroutine is serving.
	readyQ, err := c.qs.ReadinessQueue(c.QueueID())
	if err != nil {
		t.Fatalf("ReadinessQueue: %v", err)
	}
	var sig model.Signal
	if err := queue.PopJSON(readyQ, 2*time.Second, &sig); err != nil {
		t.Fatalf("pop readiness: %v", err)
	}

	callerQ, err := c.qs.CallerQueue(c.QueueID(), "echo")
	if err != nil {
		t.Fatalf("CallerQueue: %v", err)
	}
	respQ, err := c.qs.ResponseQueue(c.QueueID(), "echo")
	if err != nil {
		t.Fatalf("ResponseQueue: %v", err)
	}
	if err := queue.PushJSON(callerQ, model.CallRequest{Seq: 1, WorkName: "echo", Args: model.Args{"v": "hi"}}); err != nil {
		t.Fatalf("push request: %v", err)
	}

	var resp model.CallResponse
	if err := queue.PopJSON(respQ, 2*time.Second, &resp); err != nil {
		t.Fatalf("pop response: %v", err)
	}
	if resp.Result["echo"] != "hi" {
		t.Errorf("result = %v, want echo of args", resp.Result)
	}
}

func TestCreateWorkIdempotent(t *testing.T) {
	b, c, runnables := newTestBackend(t)
	runnables.Register("echo", func(ctx context.Context, call *runner.Call) (model.Result, error) {
		return model.Result{}, nil
	})

	w := model.NewWork("echo")
	if err := b.CreateWork(context.Background(), c, w); err != nil {
		t.Fatalf("CreateWork: %v", err)
	}
	defer b.StopWork(context.Background(), c, w)

	if err := b.CreateWork(context.Background(), c, w); err != nil {
		t.Fatalf("CreateWork (second): %v", err)
	}
}

func TestCreateWorkNoRunnable(t *testing.T) {
	b, c, _ := newTestBackend(t)

	w := model.NewWork("ghost")
	err := b.CreateWork(context.Background(), c, w)
	var pe *backend.ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("CreateWork without runnable: err = %v, want *ProvisioningError", err)
	}
	if pe.WorkName != "ghost" {
		t.Errorf("ProvisioningError.WorkName = %q, want ghost", pe.WorkName)
	}
}

func TestStopWorkIdempotent(t *testing.T) {
	b, c, runnables := newTestBackend(t)
	runnables.Register("echo", func(ctx context.Context, call *runner.Call) (model.Result, error) {
		return model.Result{}, nil
	})

	w := model.NewWork("echo")
	if err := b.CreateWork(context.Background(), c, w); err != nil {
		t.Fatalf("CreateWork: %v", err)
	}

	if err := b.StopWork(context.Background(), c, w); err != nil {
		t.Fatalf("StopWork: %v", err)
	}
	if err := b.StopWork(context.Background(), c, w); err != nil {
		t.Fatalf("StopWork (second): %v", err)
	}
	// Stopping a work that was never created is also a no-op.
	if err := b.StopWork(context.Background(), c, model.NewWork("never")); err != nil {
		t.Fatalf("StopWork (never created): %v", err)
	}
}

func TestUpdateWorkStatusesDetectsExit(t *testing.T) {
	b, c, runnables := newTestBackend(t)
	runnables.Register("flaky", func(ctx context.Context, call *runner.Call) (model.Result, error) {
		return model.Result{}, nil
	})

	w := model.NewWork("flaky")
	if err := b.CreateWork(context.Background(), c, w); err != nil {
		t.Fatalf("CreateWork: %v", err)
	}
	w.SetStatus(model.StatusRunning)

	// Closing the fabric makes the runner loop exit while the work is
	// nominally running.
	c.qs.Fabric().Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.UpdateWorkStatuses(context.Background(), []*model.Work{w})
		if w.Status() == model.StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if w.Status() != model.StatusFailed {
		t.Errorf("status = %q after runner exit, want failed", w.Status())
	}
	if w.LastError() == "" {
		t.Error("LastError not set after unexpected exit")
	}
}

func TestResolveURLEmpty(t *testing.T) {
	b, _, _ := newTestBackend(t)
	if got := b.ResolveURL(model.NewWork("echo"), "http://host"); got != "" {
		t.Errorf("ResolveURL = %q, want empty for in-process works", got)
	}
}
