// Package store provides persistence for works, the applied-delta journal,
// and periodic state tree snapshots.
package store

import (
	"context"
	"errors"

	"github.com/workmesh/workmesh/internal/model"
)

// ErrInvalidTransition is returned when a work status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a work is not found.
var ErrNotFound = errors.New("work not found")

// WorkRecord is the persisted view of a work.
type WorkRecord struct {
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name,omitempty"`
	Backend     string  `json:"backend,omitempty"`
	Status      string  `json:"status"`
	LastError   string  `json:"last_error,omitempty"`
	URL         string  `json:"url,omitempty"`
	Restarts    int     `json:"restarts"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	StoppedAt   *string `json:"stopped_at,omitempty"`
}

// WorkStats holds aggregate orchestration statistics.
type WorkStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	TotalRestarts int            `json:"total_restarts"`
	DeltasApplied int            `json:"deltas_applied"`
}

// Store defines the persistence operations for the orchestration layer.
type Store interface {
	SaveWork(ctx context.Context, w *model.Work) error
	GetWork(ctx context.Context, name string) (*WorkRecord, error)
	ListWorks(ctx context.Context) ([]*WorkRecord, error)
	UpdateWorkStatus(ctx context.Context, name, status string) error
	GetWorkStats(ctx context.Context) (*WorkStats, error)

	// AppendDelta journals an applied delta. Re-journaling the same
	// (work, seq) pair is a no-op, reported via the duplicate return.
	AppendDelta(ctx context.Context, d *model.Delta) (duplicate bool, err error)
	ListDeltas(ctx context.Context, workName string) ([]*model.Delta, error)

	SaveSnapshot(ctx context.Context, tree []byte) error
	LatestSnapshot(ctx context.Context) ([]byte, error)

	Close() error
}
