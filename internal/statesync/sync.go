// Package statesync maintains the canonical state tree. The synchronizer is
// the single component permitted to mutate the tree: it consumes delta
// messages emitted by running works and applies them in per-work emission
// order, dropping duplicates and buffering gaps until predecessors arrive.
// All other components read snapshots or submit deltas.
package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
	"github.com/workmesh/workmesh/internal/store"
)

// pollTimeout bounds each delta queue poll so Run can observe context
// cancellation between messages.
const pollTimeout = 20 * time.Millisecond

// defaultSnapshotEvery is how many applied deltas pass between persisted
// state tree snapshots.
const defaultSnapshotEvery = 64

// Synchronizer owns the canonical state tree.
type Synchronizer struct {
	deltaQ        queue.Queue
	store         store.Store
	logger        *slog.Logger
	broker        *Broker
	apiStateQ     queue.Queue
	apiDeltaQ     queue.Queue
	snapshotEvery int

	mu         sync.RWMutex
	tree       map[string]any
	applied    map[string]uint64
	pending    map[string]map[uint64]*model.Delta
	known      map[string]bool
	applyCount int
}

// New creates a synchronizer consuming deltas from deltaQ. The store may be
// nil; journaling and snapshots are skipped without one.
func New(deltaQ queue.Queue, st store.Store, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		deltaQ:        deltaQ,
		store:         st,
		logger:        logger,
		broker:        NewBroker(),
		snapshotEvery: defaultSnapshotEvery,
		tree:          map[string]any{"works": map[string]any{}},
		applied:       make(map[string]uint64),
		pending:       make(map[string]map[uint64]*model.Delta),
		known:         make(map[string]bool),
	}
}

// Broker returns the synchronizer's delta broker for SSE subscription.
func (s *Synchronizer) Broker() *Broker { return s.broker }

// PublishTo wires the API publish queues: applied deltas are republished on
// apiDeltaQ and the full tree is pushed to apiStateQ after each snapshot.
func (s *Synchronizer) PublishTo(apiStateQ, apiDeltaQ queue.Queue) {
	s.apiStateQ = apiStateQ
	s.apiDeltaQ = apiDeltaQ
}

// RegisterWork seeds the work's node in the tree and marks its deltas as
// expected. Deltas for unregistered works are stale and dropped.
func (s *Synchronizer) RegisterWork(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.known[name] = true
	s.broker.Reopen(name)
	works := s.tree["works"].(map[string]any)
	if _, ok := works[name]; !ok {
		works[name] = map[string]any{}
	}
}

// ResetWork rewinds the work's delta ordering state. A fresh execution
// context numbers its deltas from 1 again, so without a reset everything it
// emits would sit at or below the old high-water mark and be dropped as a
// duplicate. The work's subtree is kept.
func (s *Synchronizer) ResetWork(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.applied, name)
	delete(s.pending, name)
}

// RemoveWork drops the work's subtree. Deltas still in flight for the work
// are subsequently dropped as stale.
func (s *Synchronizer) RemoveWork(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.known, name)
	delete(s.applied, name)
	delete(s.pending, name)
	works := s.tree["works"].(map[string]any)
	delete(works, name)
	s.broker.Close(name)
}

// Run consumes the delta queue until the context is cancelled or the fabric
// closes.
func (s *Synchronizer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var d model.Delta
		err := queue.PopJSON(s.deltaQ, pollTimeout, &d)
		switch {
		case err == nil:
			if applyErr := s.Apply(&d); applyErr != nil {
				s.logger.Error("apply delta", "work", d.WorkName, "seq", d.Seq, "error", applyErr)
			}
		case errors.Is(err, queue.ErrEmpty):
		case errors.Is(err, queue.ErrClosed):
			return nil
		default:
			s.logger.Error("pop delta queue", "error", err)
		}
	}
}

// Apply merges one delta into the tree, honoring per-work emission order.
// Duplicates are dropped; a delta arriving ahead of its predecessors is
// buffered; a delta for a removed work is dropped with a warning.
func (s *Synchronizer) Apply(d *model.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.known[d.WorkName] {
		s.logger.Warn("dropping stale delta for unknown work",
			"work", d.WorkName, "seq", d.Seq, "delta_id", d.ID)
		deltasStaleTotal.Inc()
		return nil
	}

	last := s.applied[d.WorkName]
	switch {
	case d.Seq <= last:
		deltasDuplicateTotal.Inc()
		return nil
	case d.Seq != last+1:
		if s.pending[d.WorkName] == nil {
			s.pending[d.WorkName] = make(map[uint64]*model.Delta)
		}
		s.pending[d.WorkName][d.Seq] = d
		deltasBuffered.Inc()
		return nil
	}

	if err := s.applyLocked(d); err != nil {
		return err
	}

	// Drain any buffered successors unblocked by this delta.
	for {
		next, ok := s.pending[d.WorkName][s.applied[d.WorkName]+1]
		if !ok {
			break
		}
		delete(s.pending[d.WorkName], next.Seq)
		deltasBuffered.Dec()
		if err := s.applyLocked(next); err != nil {
			return err
		}
	}
	return nil
}

// applyLocked merges a delta known to be next in sequence. Caller holds mu.
func (s *Synchronizer) applyLocked(d *model.Delta) error {
	for _, op := range d.Ops {
		s.applyOp(op)
	}
	s.applied[d.WorkName] = d.Seq
	s.applyCount++
	deltasAppliedTotal.Inc()

	if s.store != nil {
		if _, err := s.store.AppendDelta(context.Background(), d); err != nil {
			return fmt.Errorf("journal delta: %w", err)
		}
	}

	s.broker.Publish(d.WorkName, d)
	if s.apiDeltaQ != nil {
		if err := queue.PushJSON(s.apiDeltaQ, d); err != nil {
			s.logger.Error("publish delta to api queue", "work", d.WorkName, "error", err)
		}
	}

	if s.snapshotEvery > 0 && s.applyCount%s.snapshotEvery == 0 {
		s.snapshotLocked()
	}
	return nil
}

// applyOp performs one structural merge against the tree. Merges are
// path-scoped, never whole-tree overwrites, so concurrent updates to
// disjoint paths from different works cannot clobber each other.
func (s *Synchronizer) applyOp(op model.DeltaOp) {
	if len(op.Path) == 0 {
		return
	}

	node := s.tree
	for _, seg := range op.Path[:len(op.Path)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[seg] = child
		}
		node = child
	}

	leaf := op.Path[len(op.Path)-1]
	switch op.Op {
	case model.OpSet:
		node[leaf] = op.Value
	case model.OpDelete:
		delete(node, leaf)
	case model.OpAppend:
		list, _ := node[leaf].([]any)
		node[leaf] = append(list, op.Value)
	}
}

// snapshotLocked persists the current tree and publishes it to the API
// state queue. Caller holds mu.
func (s *Synchronizer) snapshotLocked() {
	data, err := json.Marshal(s.tree)
	if err != nil {
		s.logger.Error("marshal state snapshot", "error", err)
		return
	}
	if s.store != nil {
		if err := s.store.SaveSnapshot(context.Background(), data); err != nil {
			s.logger.Error("save state snapshot", "error", err)
		}
	}
	if s.apiStateQ != nil {
		if err := s.apiStateQ.Push(data); err != nil {
			s.logger.Error("publish state snapshot", "error", err)
		}
	}
}

// Snapshot returns a deep copy of the canonical state tree.
func (s *Synchronizer) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.tree)
}

// AppliedSeq returns the highest applied delta sequence for a work.
func (s *Synchronizer) AppliedSeq(workName string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[workName]
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
