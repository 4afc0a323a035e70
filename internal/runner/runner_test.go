package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
)

type runnerHarness struct {
	qs       *queue.System
	caller   queue.Queue
	response queue.Queue
	deltaQ   queue.Queue
	ready    queue.Queue
	errorQ   queue.Queue
	copyReq  queue.Queue
	copyResp queue.Queue
}

func newHarness(t *testing.T) *runnerHarness {
	t.Helper()
	f := queue.NewMemoryFabric()
	t.Cleanup(func() { f.Close() })
	qs := queue.NewSystem(f)

	h := &runnerHarness{qs: qs}
	var err error
	if h.caller, err = qs.CallerQueue("runtest", "worker"); err != nil {
		t.Fatal(err)
	}
	if h.response, err = qs.ResponseQueue("runtest", "worker"); err != nil {
		t.Fatal(err)
	}
	if h.deltaQ, err = qs.DeltaQueue("runtest"); err != nil {
		t.Fatal(err)
	}
	if h.ready, err = qs.ReadinessQueue("runtest"); err != nil {
		t.Fatal(err)
	}
	if h.errorQ, err = qs.ErrorQueue("runtest"); err != nil {
		t.Fatal(err)
	}
	if h.copyReq, err = qs.CopyRequestQueue("runtest", "worker"); err != nil {
		t.Fatal(err)
	}
	if h.copyResp, err = qs.CopyResponseQueue("runtest", "worker"); err != nil {
		t.Fatal(err)
	}
	return h
}

// serve starts a runner with fn and returns once its readiness signal has
// been consumed, so pushed calls are picked up immediately.
func (h *runnerHarness) serve(t *testing.T, fn RunFunc) *Runner {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	r, err := New("runtest", "worker", h.qs, fn, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("runner did not stop")
		}
	})

	var sig model.Signal
	if err := queue.PopJSON(h.ready, time.Second, &sig); err != nil {
		t.Fatalf("pop readiness signal: %v", err)
	}
	if sig.Kind != model.SignalReadiness || sig.WorkName != "worker" {
		t.Fatalf("unexpected readiness signal: %+v", sig)
	}
	return r
}

func (h *runnerHarness) call(t *testing.T, seq uint64, args model.Args) model.CallResponse {
	t.Helper()
	req := model.CallRequest{Seq: seq, WorkName: "worker", Args: args, SentAt: time.Now().UTC()}
	if err := queue.PushJSON(h.caller, req); err != nil {
		t.Fatalf("push call request: %v", err)
	}
	var resp model.CallResponse
	if err := queue.PopJSON(h.response, 2*time.Second, &resp); err != nil {
		t.Fatalf("pop call response: %v", err)
	}
	return resp
}

func TestServeAnswersCall(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(ctx context.Context, call *Call) (model.Result, error) {
		return model.Result{"doubled": call.Args["n"].(float64) * 2}, nil
	})

	resp := h.call(t, 1, model.Args{"n": 21})
	if resp.Seq != 1 {
		t.Errorf("response Seq = %d, want 1", resp.Seq)
	}
	if resp.ErrKind != model.CallErrNone {
		t.Fatalf("unexpected error: %s %s", resp.ErrType, resp.ErrMessage)
	}
	if resp.Result["doubled"] != 42.0 {
		t.Errorf("result = %v, want 42", resp.Result["doubled"])
	}
}

func TestServeReportsRunnableError(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(ctx context.Context, call *Call) (model.Result, error) {
		return nil, errors.New("bad input")
	})

	resp := h.call(t, 1, model.Args{})
	if resp.ErrKind != model.CallErrRemote {
		t.Fatalf("ErrKind = %q, want remote", resp.ErrKind)
	}
	if resp.ErrMessage != "bad input" {
		t.Errorf("ErrMessage = %q, want %q", resp.ErrMessage, "bad input")
	}
	if resp.ErrType == "" {
		t.Error("ErrType empty, want error classification")
	}
}

func TestServePanicIsFatal(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(ctx context.Context, call *Call) (model.Result, error) {
		panic("boom")
	})

	resp := h.call(t, 1, model.Args{})
	if resp.ErrKind != model.CallErrRemote || resp.ErrType != "panic" {
		t.Fatalf("panic response = %+v, want remote panic error", resp)
	}

	var sig model.Signal
	if err := queue.PopJSON(h.errorQ, 2*time.Second, &sig); err != nil {
		t.Fatalf("pop error signal: %v", err)
	}
	if sig.Kind != model.SignalError || sig.WorkName != "worker" {
		t.Errorf("unexpected error signal: %+v", sig)
	}
}

func TestEmitAndLogPublishDeltas(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(ctx context.Context, call *Call) (model.Result, error) {
		if err := call.Emit([]string{"progress"}, 0.5); err != nil {
			return nil, err
		}
		if err := call.Log("halfway"); err != nil {
			return nil, err
		}
		return model.Result{}, nil
	})

	h.call(t, 1, model.Args{})

	var first model.Delta
	if err := queue.PopJSON(h.deltaQ, 2*time.Second, &first); err != nil {
		t.Fatalf("pop first delta: %v", err)
	}
	if first.Seq != 1 {
		t.Errorf("first delta Seq = %d, want 1", first.Seq)
	}
	op := first.Ops[0]
	if op.Op != model.OpSet || len(op.Path) != 3 || op.Path[0] != "works" || op.Path[1] != "worker" || op.Path[2] != "progress" {
		t.Errorf("first delta op = %+v, want set at works/worker/progress", op)
	}

	var second model.Delta
	if err := queue.PopJSON(h.deltaQ, 2*time.Second, &second); err != nil {
		t.Fatalf("pop second delta: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("second delta Seq = %d, want 2", second.Seq)
	}
	if second.Ops[0].Op != model.OpAppend || second.Ops[0].Value != "halfway" {
		t.Errorf("second delta op = %+v, want append of log line", second.Ops[0])
	}
}

func TestCopyChannelServesArtifacts(t *testing.T) {
	h := newHarness(t)
	r := h.serve(t, func(ctx context.Context, call *Call) (model.Result, error) {
		return model.Result{}, nil
	})
	r.SetArtifact("model.bin", []byte("weights"))

	req := model.CopyRequest{Seq: 1, WorkName: "worker", Key: "model.bin"}
	if err := queue.PushJSON(h.copyReq, req); err != nil {
		t.Fatalf("push copy request: %v", err)
	}

	var resp model.CopyResponse
	if err := queue.PopJSON(h.copyResp, 2*time.Second, &resp); err != nil {
		t.Fatalf("pop copy response: %v", err)
	}
	if !resp.Found {
		t.Fatal("artifact not found")
	}
	if string(resp.Payload) != "weights" {
		t.Errorf("payload = %q, want %q", resp.Payload, "weights")
	}

	// Unknown keys come back not-found rather than erroring.
	if err := queue.PushJSON(h.copyReq, model.CopyRequest{Seq: 2, WorkName: "worker", Key: "missing"}); err != nil {
		t.Fatalf("push copy request: %v", err)
	}
	if err := queue.PopJSON(h.copyResp, 2*time.Second, &resp); err != nil {
		t.Fatalf("pop copy response: %v", err)
	}
	if resp.Found {
		t.Error("missing artifact reported as found")
	}
}
