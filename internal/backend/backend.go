package backend

import (
	"context"
	"fmt"

	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
)

// Coordinator is the surface of the app that backends need: the fabric, the
// process-wide queue ID, and the single-writer queue registries. The app is
// the only implementation; backends never mutate work state through it
// beyond the work they were handed.
type Coordinator interface {
	// QueueID returns the process-wide queue fabric key.
	QueueID() string

	// Queues returns the role-addressed view of the fabric.
	Queues() *queue.System

	// RegisterWorkQueues creates the work's queue quadruple and caller
	// queue in the app registry. Creating them is a once-only operation;
	// repeated calls for a live work are no-ops.
	RegisterWorkQueues(workName string) error

	// ReleaseWorkQueues drops and closes the work's queues at teardown.
	ReleaseWorkQueues(workName string)
}

// Backend provisions and controls execution environments for works. A
// backend is shared and immutable after construction; it owns execution
// context handles but never work state.
type Backend interface {
	// CreateWork provisions an execution context for the work and wires
	// its queues through the coordinator's registry. A provisioning
	// failure is surfaced as a *ProvisioningError, never retried here.
	CreateWork(ctx context.Context, c Coordinator, w *model.Work) error

	// UpdateWorkStatuses polls the health of all given works in one
	// batched pass, mutating each work's status. Safe to call repeatedly;
	// tolerates works whose execution context is already gone.
	UpdateWorkStatuses(ctx context.Context, works []*model.Work)

	// StopWork terminates the work's execution context. Stopping an
	// already-stopped work is a no-op, not an error.
	StopWork(ctx context.Context, c Coordinator, w *model.Work) error

	// StopAllWorks terminates every given work, continuing past
	// individual failures.
	StopAllWorks(ctx context.Context, c Coordinator, works []*model.Work) error

	// ResolveURL maps a work to a reachable endpoint, or returns the
	// empty string when the work exposes no network surface.
	ResolveURL(w *model.Work, baseURL string) string
}

// ProvisioningError reports that a backend could not create an execution
// context for a work. The app decides the retry policy.
type ProvisioningError struct {
	WorkName string
	Reason   string
	Err      error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision work %q: %s: %v", e.WorkName, e.Reason, e.Err)
	}
	return fmt.Sprintf("provision work %q: %s", e.WorkName, e.Reason)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
