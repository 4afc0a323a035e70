// Package runner implements the remote execution context of a work: a loop
// that pops call requests from the work's caller queue, invokes the bound
// runnable, and pushes responses, state deltas, and health signals back
// through the fabric.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
)

// pollTimeout bounds each queue poll so the serve loop can observe context
// cancellation between messages.
const pollTimeout = 50 * time.Millisecond

// RunFunc is the entry method a work executes remotely. Args arrive from
// the wrapped caller; the returned result travels back on the response
// queue. Errors are classified and re-raised on the caller side.
type RunFunc func(ctx context.Context, call *Call) (model.Result, error)

// Call is one invocation of a work's entry method, with helpers for
// emitting state deltas while the call runs.
type Call struct {
	WorkName string
	Seq      uint64
	Args     model.Args

	runner *Runner
}

// Emit publishes a single set operation against the work's state subtree.
// The path is relative to the work's node in the canonical tree.
func (c *Call) Emit(path []string, value any) error {
	full := append([]string{"works", c.WorkName}, path...)
	return c.runner.emitDelta([]model.DeltaOp{{Op: model.OpSet, Path: full, Value: value}})
}

// SetArtifact stores a payload under the key; the execution context serves
// it over the work's copy channel for as long as the context lives.
func (c *Call) SetArtifact(key string, payload []byte) {
	c.runner.SetArtifact(key, payload)
}

// Log appends a line to the work's log list in the canonical tree.
func (c *Call) Log(line string) error {
	return c.runner.emitDelta([]model.DeltaOp{{
		Op:    model.OpAppend,
		Path:  []string{"works", c.WorkName, "logs"},
		Value: line,
	}})
}

// Runner serves one work's caller queue inside its execution context.
type Runner struct {
	workName string
	fn       RunFunc
	logger   *slog.Logger

	caller    queue.Queue
	response  queue.Queue
	delta     queue.Queue
	readiness queue.Queue
	errorQ    queue.Queue
	copyReq   queue.Queue
	copyResp  queue.Queue

	deltaSeq uint64

	mu        sync.Mutex
	artifacts map[string][]byte
}

// New wires a runner to the fabric for the given work. The caller owns the
// fabric; the runner only holds queue handles.
func New(queueID, workName string, qs *queue.System, fn RunFunc, logger *slog.Logger) (*Runner, error) {
	r := &Runner{
		workName:  workName,
		fn:        fn,
		logger:    logger,
		artifacts: make(map[string][]byte),
	}

	var err error
	if r.caller, err = qs.CallerQueue(queueID, workName); err != nil {
		return nil, fmt.Errorf("open caller queue: %w", err)
	}
	if r.response, err = qs.ResponseQueue(queueID, workName); err != nil {
		return nil, fmt.Errorf("open response queue: %w", err)
	}
	if r.delta, err = qs.DeltaQueue(queueID); err != nil {
		return nil, fmt.Errorf("open delta queue: %w", err)
	}
	if r.readiness, err = qs.ReadinessQueue(queueID); err != nil {
		return nil, fmt.Errorf("open readiness queue: %w", err)
	}
	if r.errorQ, err = qs.ErrorQueue(queueID); err != nil {
		return nil, fmt.Errorf("open error queue: %w", err)
	}
	if r.copyReq, err = qs.CopyRequestQueue(queueID, workName); err != nil {
		return nil, fmt.Errorf("open copy-request queue: %w", err)
	}
	if r.copyResp, err = qs.CopyResponseQueue(queueID, workName); err != nil {
		return nil, fmt.Errorf("open copy-response queue: %w", err)
	}
	return r, nil
}

// SetArtifact stores a payload the runner will serve over the copy channel.
func (r *Runner) SetArtifact(key string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[key] = payload
}

// Serve announces readiness then processes call and copy requests until the
// context is cancelled or the fabric closes. A panicking runnable is fatal:
// the panic is reported on the error queue and Serve returns.
func (r *Runner) Serve(ctx context.Context) error {
	if err := queue.PushJSON(r.readiness, model.Signal{
		Kind:     model.SignalReadiness,
		WorkName: r.workName,
		Time:     time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("announce readiness: %w", err)
	}

	r.logger.Info("runner serving", "work", r.workName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var req model.CallRequest
		err := queue.PopJSON(r.caller, pollTimeout, &req)
		switch {
		case err == nil:
			if fatal := r.handleCall(ctx, &req); fatal != nil {
				r.reportFatal(fatal)
				return fatal
			}
		case errors.Is(err, queue.ErrEmpty):
			// Nothing to run; give the copy channel a turn.
		case errors.Is(err, queue.ErrClosed):
			return nil
		default:
			r.logger.Error("pop caller queue", "work", r.workName, "error", err)
		}

		r.serveCopyRequests()
	}
}

// handleCall executes one call request and pushes its response. A non-nil
// return means the runnable panicked and the runner must stop.
func (r *Runner) handleCall(ctx context.Context, req *model.CallRequest) (fatal error) {
	resp := model.CallResponse{
		Seq:      req.Seq,
		WorkName: r.workName,
	}

	result, err := r.invoke(ctx, req, &fatal)
	if fatal != nil {
		resp.ErrKind = model.CallErrRemote
		resp.ErrType = "panic"
		resp.ErrMessage = fatal.Error()
	} else if err != nil {
		resp.ErrKind = model.CallErrRemote
		resp.ErrType = errorTypeName(err)
		resp.ErrMessage = err.Error()
	} else {
		resp.Result = result
	}

	if pushErr := queue.PushJSON(r.response, resp); pushErr != nil {
		r.logger.Error("push response", "work", r.workName, "seq", req.Seq, "error", pushErr)
	}
	return fatal
}

// invoke runs the runnable with a panic guard.
func (r *Runner) invoke(ctx context.Context, req *model.CallRequest, fatal *error) (result model.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			*fatal = fmt.Errorf("runnable panicked: %v", rec)
		}
	}()

	call := &Call{
		WorkName: r.workName,
		Seq:      req.Seq,
		Args:     req.Args,
		runner:   r,
	}
	return r.fn(ctx, call)
}

// serveCopyRequests drains the copy-request queue, answering each request
// from the artifact map.
func (r *Runner) serveCopyRequests() {
	for {
		var req model.CopyRequest
		if err := queue.PopJSON(r.copyReq, 0, &req); err != nil {
			return
		}

		r.mu.Lock()
		payload, found := r.artifacts[req.Key]
		r.mu.Unlock()

		resp := model.CopyResponse{
			Seq:      req.Seq,
			WorkName: r.workName,
			Key:      req.Key,
			Found:    found,
			Payload:  payload,
		}
		if err := queue.PushJSON(r.copyResp, resp); err != nil {
			r.logger.Error("push copy response", "work", r.workName, "key", req.Key, "error", err)
		}
	}
}

// emitDelta wraps ops in a sequenced delta and pushes it to the delta queue.
func (r *Runner) emitDelta(ops []model.DeltaOp) error {
	r.mu.Lock()
	r.deltaSeq++
	seq := r.deltaSeq
	r.mu.Unlock()

	d := model.Delta{
		ID:        model.NewID(),
		WorkName:  r.workName,
		Seq:       seq,
		Ops:       ops,
		EmittedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	if err := r.delta.Push(data); err != nil {
		return fmt.Errorf("push delta: %w", err)
	}
	return nil
}

// reportFatal publishes a fatal error signal for the lifecycle manager.
func (r *Runner) reportFatal(err error) {
	sig := model.Signal{
		Kind:     model.SignalError,
		WorkName: r.workName,
		Message:  err.Error(),
		Time:     time.Now().UTC(),
	}
	if pushErr := queue.PushJSON(r.errorQ, sig); pushErr != nil {
		r.logger.Error("push error signal", "work", r.workName, "error", pushErr)
	}
}

// errorTypeName reports a stable classification for a remote error so the
// caller can re-raise it with the original type preserved.
func errorTypeName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	name := t.String()
	return strings.TrimPrefix(name, "*")
}
