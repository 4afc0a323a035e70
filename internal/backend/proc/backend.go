// Package proc implements the subprocess execution backend: each work's
// runner loop lives in a child process attached to the durable SQLite
// fabric, so calls, deltas, and signals cross the process boundary through
// the shared queue file.
package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
)

// stopGrace is how long StopWork waits after SIGTERM before SIGKILL.
const stopGrace = 3 * time.Second

// Bootstrap is the frame written to a runner child's stdin. It tells the
// child which fabric file to open and which work's caller queue to serve.
type Bootstrap struct {
	FabricPath string   `json:"fabric_path"`
	QueueID    string   `json:"queue_id"`
	WorkName   string   `json:"work_name"`
	Command    []string `json:"command,omitempty"`
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Backend provisions one runner subprocess per work.
type Backend struct {
	logger     *slog.Logger
	runnerBin  string
	fabricPath string

	mu       sync.Mutex
	handles  map[string]*handle
	commands map[string][]string
}

type handle struct {
	cmd  *exec.Cmd
	pid  int32
	done chan struct{}
}

// New creates a subprocess backend. runnerBin is the runner binary to
// spawn; fabricPath is the SQLite fabric file shared with children.
func New(runnerBin, fabricPath string, logger *slog.Logger) *Backend {
	return &Backend{
		logger:     logger,
		runnerBin:  runnerBin,
		fabricPath: fabricPath,
		handles:    make(map[string]*handle),
		commands:   make(map[string][]string),
	}
}

// RegisterCommand binds the command a work's runner child executes per
// call. Must be set before the work is created.
func (b *Backend) RegisterCommand(workName string, argv []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[workName] = argv
}

// CreateWork registers the work's queues, spawns its runner subprocess, and
// hands it a bootstrap frame over stdin. Creating an already-live work is a
// no-op; failure to spawn is a provisioning error surfaced to the app.
func (b *Backend) CreateWork(ctx context.Context, c backend.Coordinator, w *model.Work) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.handles[w.Name]; ok {
		select {
		case <-h.done:
			delete(b.handles, w.Name)
		default:
			return nil
		}
	}

	if err := c.RegisterWorkQueues(w.Name); err != nil {
		return &backend.ProvisioningError{WorkName: w.Name, Reason: "register queues", Err: err}
	}

	cmd := exec.Command(b.runnerBin)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &backend.ProvisioningError{WorkName: w.Name, Reason: "open stdin pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &backend.ProvisioningError{WorkName: w.Name, Reason: "start runner process", Err: err}
	}

	bs := Bootstrap{
		FabricPath: b.fabricPath,
		QueueID:    c.QueueID(),
		WorkName:   w.Name,
		Command:    b.commands[w.Name],
	}
	if err := queue.WriteFrame(stdin, bs); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return &backend.ProvisioningError{WorkName: w.Name, Reason: "write bootstrap frame", Err: err}
	}
	stdin.Close()

	h := &handle{
		cmd:  cmd,
		pid:  int32(cmd.Process.Pid),
		done: make(chan struct{}),
	}
	b.handles[w.Name] = h

	go func() {
		err := cmd.Wait()
		close(h.done)
		if err != nil {
			b.logger.Warn("runner process exited", "work", w.Name, "pid", h.pid, "error", err)
		}
	}()

	w.Backend = backend.NameProcess
	b.logger.Info("runner process started", "work", w.Name, "pid", h.pid)
	return nil
}

// UpdateWorkStatuses polls each work's runner process in one pass. A work
// whose process vanished while it was supposed to be up is marked failed;
// works with no handle are left alone.
func (b *Backend) UpdateWorkStatuses(ctx context.Context, works []*model.Work) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, w := range works {
		h, ok := b.handles[w.Name]
		if !ok {
			continue
		}
		if processAlive(ctx, h.pid) {
			continue
		}
		status := w.Status()
		if status == model.StatusRunning || status == model.StatusStarting {
			w.SetLastError(fmt.Sprintf("runner process %d exited", h.pid))
			w.SetStatus(model.StatusFailed)
		}
	}
}

// processAlive reports whether the pid refers to a live, non-zombie process.
func processAlive(ctx context.Context, pid int32) bool {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil {
		return false
	}
	return running
}

// StopWork terminates the work's runner process: SIGTERM, a grace period,
// then SIGKILL. A process that is already gone is treated as stopped.
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

	if err := h.cmd.Process.Signal(termSignal); err != nil {
		if isAlreadyFinished(err) {
			return nil
		}
		return fmt.Errorf("signal runner process %d: %w", h.pid, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(stopGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := h.cmd.Process.Kill(); err != nil && !isAlreadyFinished(err) {
		return fmt.Errorf("kill runner process %d: %w", h.pid, err)
	}
	<-h.done
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

// ResolveURL joins the work's advertised URL with the app base URL. Works
// that advertise nothing have no network surface.
func (b *Backend) ResolveURL(w *model.Work, baseURL string) string {
	if w.URL == "" {
		return ""
	}
	if baseURL == "" || strings.HasPrefix(w.URL, "http://") || strings.HasPrefix(w.URL, "https://") {
		return w.URL
	}
	u, err := url.JoinPath(baseURL, w.URL)
	if err != nil {
		return w.URL
	}
	return u
}

// isAlreadyFinished reports whether a process control error means the
// process had already exited.
func isAlreadyFinished(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		strings.Contains(err.Error(), "already finished") ||
		strings.Contains(err.Error(), "already released") ||
		strings.Contains(err.Error(), "no such process")
}
