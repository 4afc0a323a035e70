// Package queue implements the fabric of named, durable, point-to-point
// FIFO channels connecting the app, the run proxies, and the remote
// execution contexts. Channels are identified by (queue ID, work name, role)
// and provide at-least-once delivery between two fixed endpoints.
package queue

import (
	"errors"
	"time"
)

// Role identifies the purpose of a channel between two fixed endpoints.
type Role string

// Channel roles.
const (
	RoleCaller          Role = "caller"
	RoleRequest         Role = "orchestrator-request"
	RoleResponse        Role = "orchestrator-response"
	RoleCopyRequest     Role = "copy-request"
	RoleCopyResponse    Role = "copy-response"
	RoleDelta           Role = "delta"
	RoleReadiness       Role = "readiness"
	RoleError           Role = "error"
	RoleAPIStatePublish Role = "api-state-publish"
	RoleAPIDelta        Role = "api-delta"
)

// ErrEmpty is returned by Pop when no message arrives within the timeout.
var ErrEmpty = errors.New("queue empty")

// ErrClosed is returned when pushing to or popping from a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is one end of a point-to-point FIFO channel.
type Queue interface {
	// Push appends a message to the tail of the queue.
	Push(msg []byte) error

	// Pop removes and returns the head message. A negative timeout blocks
	// until a message arrives or the queue is closed; zero polls without
	// waiting. ErrEmpty is returned when the timeout expires empty.
	Pop(timeout time.Duration) ([]byte, error)

	// Close releases the handle. Blocked Pop calls return ErrClosed.
	Close() error
}

// Fabric hands out queue handles by identity. Opening the same identity
// twice yields handles backed by the same underlying channel.
type Fabric interface {
	Open(queueID, workName string, role Role) (Queue, error)
	Close() error
}

// System wraps a Fabric with one accessor per channel role.
type System struct {
	fabric Fabric
}

// NewSystem wraps the given fabric.
func NewSystem(f Fabric) *System {
	return &System{fabric: f}
}

// Fabric returns the underlying fabric.
func (s *System) Fabric() Fabric { return s.fabric }

// CallerQueue returns the channel the run proxy pushes call requests onto.
func (s *System) CallerQueue(queueID, workName string) (Queue, error) {
	return s.fabric.Open(queueID, workName, RoleCaller)
}

// RequestQueue returns the orchestrator request channel for a work.
func (s *System) RequestQueue(queueID, workName string) (Queue, error) {
	return s.fabric.Open(queueID, workName, RoleRequest)
}

// ResponseQueue returns the orchestrator response channel for a work.
func (s *System) ResponseQueue(queueID, workName string) (Queue, error) {
	return s.fabric.Open(queueID, workName, RoleResponse)
}

// CopyRequestQueue returns the artifact copy-request channel for a work.
func (s *System) CopyRequestQueue(queueID, workName string) (Queue, error) {
	return s.fabric.Open(queueID, workName, RoleCopyRequest)
}

// CopyResponseQueue returns the artifact copy-response channel for a work.
func (s *System) CopyResponseQueue(queueID, workName string) (Queue, error) {
	return s.fabric.Open(queueID, workName, RoleCopyResponse)
}

// DeltaQueue returns the app-wide channel carrying state deltas.
func (s *System) DeltaQueue(queueID string) (Queue, error) {
	return s.fabric.Open(queueID, "", RoleDelta)
}

// ReadinessQueue returns the app-wide channel carrying readiness signals.
func (s *System) ReadinessQueue(queueID string) (Queue, error) {
	return s.fabric.Open(queueID, "", RoleReadiness)
}

// ErrorQueue returns the app-wide channel carrying fatal error signals.
func (s *System) ErrorQueue(queueID string) (Queue, error) {
	return s.fabric.Open(queueID, "", RoleError)
}

// APIStatePublishQueue returns the channel full state snapshots are
// published on for the API layer.
func (s *System) APIStatePublishQueue(queueID string) (Queue, error) {
	return s.fabric.Open(queueID, "", RoleAPIStatePublish)
}

// APIDeltaQueue returns the channel applied deltas are republished on for
// the API layer.
func (s *System) APIDeltaQueue(queueID string) (Queue, error) {
	return s.fabric.Open(queueID, "", RoleAPIDelta)
}
