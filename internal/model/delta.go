package model

import "time"

// Delta operation kinds.
const (
	OpSet    = "set"
	OpDelete = "delete"
	OpAppend = "append"
)

// DeltaOp is a single path-scoped mutation of the canonical state tree.
// Path segments address nested map keys from the root; OpAppend targets a
// list value at the path, creating it if absent.
type DeltaOp struct {
	Op    string   `json:"op"`
	Path  []string `json:"path"`
	Value any      `json:"value,omitempty"`
}

// Delta is an ordered partial update to a work's externally observed state.
// Seq is per-work monotonic starting at 1; the synchronizer applies deltas
// strictly in Seq order and drops duplicates.
type Delta struct {
	ID        string    `json:"id"`
	WorkName  string    `json:"work_name"`
	Seq       uint64    `json:"seq"`
	Ops       []DeltaOp `json:"ops"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Signal kinds.
const (
	SignalReadiness = "readiness"
	SignalError     = "error"
)

// Signal is a health-transition or fatal-failure event emitted by a running
// work and consumed exactly once by its lifecycle manager.
type Signal struct {
	Kind     string    `json:"kind"`
	WorkName string    `json:"work_name"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}
