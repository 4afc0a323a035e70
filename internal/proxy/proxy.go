// Package proxy implements the run proxy: the interception layer that turns
// a local call on a work's entry method into a sequence-numbered,
// queue-mediated remote call without changing the caller's programming
// model. Blocking wait is the default mode; CallAsync returns a pending
// handle instead.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
)

// dispatchPoll bounds each response queue poll so the dispatcher can
// observe proxy shutdown between messages.
const dispatchPoll = 20 * time.Millisecond

// Compile-time check: a run proxy is a work's entry point.
var _ model.EntryPoint = (*RunProxy)(nil)

// Option configures a RunProxy at wrap time.
type Option func(*RunProxy)

// WithTimeout bounds every blocking call. Zero (the default) waits
// indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(p *RunProxy) { p.timeout = d }
}

// WithLogger overrides the proxy's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *RunProxy) { p.logger = logger }
}

// RunProxy is a work's wrapped entry method. Calls are serialized into
// request envelopes tagged with a monotonically increasing sequence number
// and matched to responses by that number, so out-of-order responses across
// different calls resolve correctly.
type RunProxy struct {
	work    *model.Work
	caller  queue.Queue
	respQ   queue.Queue
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	nextSeq uint64
	waiters map[uint64]*waiter

	done      chan struct{}
	closeOnce sync.Once
}

type waiter struct {
	ch       chan model.CallResponse
	resolved chan struct{}
	canceled chan struct{}
}

// Wrap installs a run proxy as the work's active entry point. The work must
// already have a name; wrapping an unnamed work is a configuration error.
// Wrapping registers the work's queues and provisions its execution context
// through the backend; a provisioning failure marks the work failed and is
// surfaced to the caller. Re-wrapping an already-wrapped work returns the
// existing proxy.
func Wrap(ctx context.Context, c backend.Coordinator, b backend.Backend, w *model.Work, opts ...Option) (*RunProxy, error) {
	if w.Name == "" {
		return nil, &ConfigurationError{
			Msg: "work has no name: it was never attached to a parent; assign the work to a parent before calling run",
		}
	}

	if entry := w.Entry(); entry != nil {
		if p, ok := entry.(*RunProxy); ok {
			return p, nil
		}
	}

	if err := c.RegisterWorkQueues(w.Name); err != nil {
		return nil, fmt.Errorf("register queues for work %q: %w", w.Name, err)
	}

	// Readiness signals only promote starting works to running.
	w.Transition(model.StatusStarting)

	if err := b.CreateWork(ctx, c, w); err != nil {
		w.SetLastError(err.Error())
		w.SetStatus(model.StatusFailed)
		return nil, err
	}

	callerQ, err := c.Queues().CallerQueue(c.QueueID(), w.Name)
	if err != nil {
		return nil, fmt.Errorf("open caller queue for work %q: %w", w.Name, err)
	}
	respQ, err := c.Queues().ResponseQueue(c.QueueID(), w.Name)
	if err != nil {
		return nil, fmt.Errorf("open response queue for work %q: %w", w.Name, err)
	}

	p := &RunProxy{
		work:    w,
		caller:  callerQ,
		respQ:   respQ,
		logger:  slog.Default(),
		waiters: make(map[uint64]*waiter),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.dispatch()

	w.SetEntry(p)
	return p, nil
}

// Call invokes the work's entry method remotely and blocks until the
// matching response arrives. On remote failure it returns a
// *RemoteExecutionError; on timeout, an error matching ErrCallTimeout; if
// the work is killed mid-call, an error matching ErrCallCanceled.
func (p *RunProxy) Call(ctx context.Context, args model.Args) (model.Result, error) {
	pending, err := p.CallAsync(ctx, args)
	if err != nil {
		return nil, err
	}
	return pending.Await(ctx)
}

// CallAsync enqueues the call and returns a pending handle resolving when
// the matching response arrives.
func (p *RunProxy) CallAsync(ctx context.Context, args model.Args) (*Pending, error) {
	if p.work.Status() == model.StatusFailed {
		return nil, fmt.Errorf("call work %q: %w", p.work.Name, ErrWorkFailed)
	}
	select {
	case <-p.done:
		return nil, fmt.Errorf("call work %q: %w", p.work.Name, ErrCallCanceled)
	default:
	}

	wtr := &waiter{
		ch:       make(chan model.CallResponse, 1),
		resolved: make(chan struct{}),
		canceled: make(chan struct{}),
	}

	p.mu.Lock()
	p.nextSeq++
	seq := p.nextSeq
	p.waiters[seq] = wtr
	p.mu.Unlock()

	req := model.CallRequest{
		Seq:      seq,
		WorkName: p.work.Name,
		Args:     args,
		SentAt:   time.Now().UTC(),
	}
	if err := queue.PushJSON(p.caller, req); err != nil {
		p.removeWaiter(seq)
		return nil, fmt.Errorf("enqueue call %d to work %q: %w", seq, p.work.Name, err)
	}

	callsInFlight.Inc()
	return &Pending{proxy: p, seq: seq, waiter: wtr, started: time.Now()}, nil
}

// CancelPending resolves every in-flight call with ErrCallCanceled. The
// proxy stays usable; the lifecycle manager calls this when the work is
// killed so awaiting callers never hang.
func (p *RunProxy) CancelPending() {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[uint64]*waiter)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.canceled)
	}
}

// Close cancels in-flight calls and stops the dispatcher. Later calls fail
// with ErrCallCanceled.
func (p *RunProxy) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.CancelPending()
	})
}

// WorkName returns the name of the wrapped work.
func (p *RunProxy) WorkName() string { return p.work.Name }

func (p *RunProxy) removeWaiter(seq uint64) {
	p.mu.Lock()
	delete(p.waiters, seq)
	p.mu.Unlock()
}

// dispatch pops response envelopes and routes each to the waiter keyed by
// its sequence number. Responses with no waiter are dropped; at-least-once
// delivery can legitimately repeat an envelope.
func (p *RunProxy) dispatch() {
	for {
		select {
		case <-p.done:
			return
		default:
		}

		var resp model.CallResponse
		err := queue.PopJSON(p.respQ, dispatchPoll, &resp)
		switch {
		case err == nil:
			p.deliver(resp)
		case errors.Is(err, queue.ErrEmpty):
		case errors.Is(err, queue.ErrClosed):
			return
		default:
			p.logger.Error("pop response queue", "work", p.work.Name, "error", err)
		}
	}
}

func (p *RunProxy) deliver(resp model.CallResponse) {
	p.mu.Lock()
	w, ok := p.waiters[resp.Seq]
	if ok {
		delete(p.waiters, resp.Seq)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("dropping unmatched response", "work", p.work.Name, "seq", resp.Seq)
		return
	}

	w.ch <- resp
	close(w.resolved)
}

// Pending is a future for one remote call.
type Pending struct {
	proxy   *RunProxy
	seq     uint64
	waiter  *waiter
	started time.Time

	once   sync.Once
	result model.Result
	err    error
}

// Seq returns the call's sequence number.
func (f *Pending) Seq() uint64 { return f.seq }

// Done returns a channel closed once the matching response has arrived.
// Cancellation does not close it; Await reports cancellation instead.
func (f *Pending) Done() <-chan struct{} { return f.waiter.resolved }

// Await blocks until the call resolves and returns its result. Await is
// idempotent; subsequent calls return the first outcome.
func (f *Pending) Await(ctx context.Context) (model.Result, error) {
	f.once.Do(func() {
		f.result, f.err = f.wait(ctx)
		callsInFlight.Dec()
		callDuration.Observe(time.Since(f.started).Seconds())
	})
	return f.result, f.err
}

func (f *Pending) wait(ctx context.Context) (model.Result, error) {
	var timeout <-chan time.Time
	if f.proxy.timeout > 0 {
		timer := time.NewTimer(f.proxy.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-f.waiter.ch:
		if resp.ErrKind == model.CallErrRemote {
			remoteErrorsTotal.Inc()
			return nil, &RemoteExecutionError{
				WorkName: f.proxy.work.Name,
				Seq:      f.seq,
				Type:     resp.ErrType,
				Message:  resp.ErrMessage,
			}
		}
		return resp.Result, nil
	case <-f.waiter.canceled:
		return nil, fmt.Errorf("call %d to work %q: %w", f.seq, f.proxy.work.Name, ErrCallCanceled)
	case <-f.proxy.done:
		return nil, fmt.Errorf("call %d to work %q: %w", f.seq, f.proxy.work.Name, ErrCallCanceled)
	case <-timeout:
		f.proxy.removeWaiter(f.seq)
		timeoutsTotal.Inc()
		return nil, fmt.Errorf("call %d to work %q after %v: %w",
			f.seq, f.proxy.work.Name, f.proxy.timeout, ErrCallTimeout)
	case <-ctx.Done():
		f.proxy.removeWaiter(f.seq)
		return nil, ctx.Err()
	}
}
