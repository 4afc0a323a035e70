package statesync

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/workmesh/workmesh/internal/model"
)

func newTestSync(t *testing.T) *Synchronizer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(nil, nil, logger)
}

func delta(work string, seq uint64, ops ...model.DeltaOp) *model.Delta {
	return &model.Delta{
		ID:        model.NewID(),
		WorkName:  work,
		Seq:       seq,
		Ops:       ops,
		EmittedAt: time.Now().UTC(),
	}
}

func setOp(value any, path ...string) model.DeltaOp {
	return model.DeltaOp{Op: model.OpSet, Path: path, Value: value}
}

func TestApplyInOrder(t *testing.T) {
	s := newTestSync(t)
	s.RegisterWork("trainer")

	if err := s.Apply(delta("trainer", 1, setOp(0.1, "works", "trainer", "progress"))); err != nil {
		t.Fatalf("Apply seq 1: %v", err)
	}
	if err := s.Apply(delta("trainer", 2, setOp(0.2, "works", "trainer", "progress"))); err != nil {
		t.Fatalf("Apply seq 2: %v", err)
	}

	tree := s.Snapshot()
	got := tree["works"].(map[string]any)["trainer"].(map[string]any)["progress"]
	if got != 0.2 {
		t.Errorf("progress = %v, want 0.2", got)
	}
	if s.AppliedSeq("trainer") != 2 {
		t.Errorf("AppliedSeq = %d, want 2", s.AppliedSeq("trainer"))
	}
}

func TestDuplicateDropped(t *testing.T) {
	s := newTestSync(t)
	s.RegisterWork("trainer")

	if err := s.Apply(delta("trainer", 1, setOp("fresh", "works", "trainer", "value"))); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// A redelivered seq 1 with different content must not reapply.
	if err := s.Apply(delta("trainer", 1, setOp("stale", "works", "trainer", "value"))); err != nil {
		t.Fatalf("Apply duplicate: %v", err)
	}

	tree := s.Snapshot()
	got := tree["works"].(map[string]any)["trainer"].(map[string]any)["value"]
	if got != "fresh" {
		t.Errorf("value = %v, duplicate delta was applied", got)
	}
	if s.AppliedSeq("trainer") != 1 {
		t.Errorf("AppliedSeq = %d, want 1", s.AppliedSeq("trainer"))
	}
}

func TestResetWorkAcceptsFreshSequence(t *testing.T) {
	s := newTestSync(t)
	s.RegisterWork("trainer")

	if err := s.Apply(delta("trainer", 1, setOp("old-1", "works", "trainer", "value"))); err != nil {
		t.Fatalf("Apply seq 1: %v", err)
	}
	if err := s.Apply(delta("trainer", 2, setOp("old-2", "works", "trainer", "value"))); err != nil {
		t.Fatalf("Apply seq 2: %v", err)
	}

	// The work's execution context restarts: its sequence starts over at 1.
	s.ResetWork("trainer")

	if err := s.Apply(delta("trainer", 1, setOp("new-1", "works", "trainer", "value"))); err != nil {
		t.Fatalf("Apply post-reset seq 1: %v", err)
	}

	tree := s.Snapshot()
	got := tree["works"].(map[string]any)["trainer"].(map[string]any)["value"]
	if got != "new-1" {
		t.Errorf("value = %v, post-reset delta was dropped as duplicate", got)
	}
	if s.AppliedSeq("trainer") != 1 {
		t.Errorf("AppliedSeq = %d, want 1 after reset", s.AppliedSeq("trainer"))
	}

	// Reset also discards buffered gaps from the old context.
	s.Apply(delta("trainer", 5, setOp("orphan", "works", "trainer", "value")))
	s.ResetWork("trainer")
	if err := s.Apply(delta("trainer", 1, setOp("fresh", "works", "trainer", "value"))); err != nil {
		t.Fatalf("Apply after second reset: %v", err)
	}
	if err := s.Apply(delta("trainer", 2, setOp("fresh-2", "works", "trainer", "value"))); err != nil {
		t.Fatalf("Apply seq 2 after second reset: %v", err)
	}
	tree = s.Snapshot()
	got = tree["works"].(map[string]any)["trainer"].(map[string]any)["value"]
	if got != "fresh-2" {
		t.Errorf("value = %v, want fresh-2", got)
	}
}

func TestReregisteredWorkStreamsAgain(t *testing.T) {
	s := newTestSync(t)
	s.RegisterWork("trainer")
	s.RemoveWork("trainer")

	// Removal closes the work's topic; registering the same name again must
	// reopen it so new subscribers get live channels, not closed ones.
	s.RegisterWork("trainer")

	ch, unsub := s.Broker().Subscribe("trainer")
	defer unsub()

	if err := s.Apply(delta("trainer", 1, setOp("warm", "works", "trainer", "phase"))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed after re-registration")
		}
		if d.Seq != 1 {
			t.Errorf("streamed delta seq = %d, want 1", d.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no delta streamed after re-registration")
	}
}

func TestOutOfOrderBuffered(t *testing.T) {
	s := newTestSync(t)
	s.RegisterWork("trainer")

	// Seq 3 and 2 arrive before 1; nothing applies until 1 lands, then all
	// three apply in order.
	if err := s.Apply(delta("trainer", 3, setOp(3, "works", "trainer", "step"))); err != nil {
		t.Fatalf("Apply seq 3: %v", err)
	}
	if err := s.Apply(delta("trainer", 2, setOp(2, "works", "trainer", "step"))); err != nil {
		t.Fatalf("Apply seq 2: %v", err)
	}
	if s.AppliedSeq("trainer") != 0 {
		t.Fatalf("AppliedSeq = %d before predecessor, want 0", s.AppliedSeq("trainer"))
	}

	if err := s.Apply(delta("trainer", 1, setOp(1, "works", "trainer", "step"))); err != nil {
		t.Fatalf("Apply seq 1: %v", err)
	}
	if s.AppliedSeq("trainer") != 3 {
		t.Errorf("AppliedSeq = %d after drain, want 3", s.AppliedSeq("trainer"))
	}
	tree := s.Snapshot()
	got := tree["works"].(map[string]any)["trainer"].(map[string]any)["step"]
	if got != 3 {
		t.Errorf("step = %v, want 3", got)
	}
}

func TestStaleWorkDropped(t *testing.T) {
	s := newTestSync(t)

	if err := s.Apply(delta("ghost", 1, setOp("x", "works", "ghost", "value"))); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	tree := s.Snapshot()
	if _, ok := tree["works"].(map[string]any)["ghost"]; ok {
		t.Error("delta for unregistered work mutated the tree")
	}
}

func TestRemoveWorkDropsSubtree(t *testing.T) {
	s := newTestSync(t)
	s.RegisterWork("trainer")
	if err := s.Apply(delta("trainer", 1, setOp(1, "works", "trainer", "step"))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	s.RemoveWork("trainer")

	tree := s.Snapshot()
	if _, ok := tree["works"].(map[string]any)["trainer"]; ok {
		t.Error("RemoveWork left the work's subtree in place")
	}
	// Further deltas for the removed work are stale.
	if err := s.Apply(delta("trainer", 2, setOp(2, "works", "trainer", "step"))); err != nil {
		t.Fatalf("Apply after remove: %v", err)
	}
	tree = s.Snapshot()
	if _, ok := tree["works"].(map[string]any)["trainer"]; ok {
		t.Error("delta after RemoveWork recreated the subtree")
	}
}

func TestDeleteAndAppendOps(t *testing.T) {
	s := newTestSync(t)
	s.RegisterWork("trainer")

	apply := func(seq uint64, op model.DeltaOp) {
		t.Helper()
		if err := s.Apply(delta("trainer", seq, op)); err != nil {
			t.Fatalf("Apply seq %d: %v", seq, err)
		}
	}

	apply(1, setOp("v", "works", "trainer", "key"))
	apply(2, model.DeltaOp{Op: model.OpAppend, Path: []string{"works", "trainer", "logs"}, Value: "line1"})
	apply(3, model.DeltaOp{Op: model.OpAppend, Path: []string{"works", "trainer", "logs"}, Value: "line2"})
	apply(4, model.DeltaOp{Op: model.OpDelete, Path: []string{"works", "trainer", "key"}})

	tree := s.Snapshot()
	node := tree["works"].(map[string]any)["trainer"].(map[string]any)
	if _, ok := node["key"]; ok {
		t.Error("OpDelete left the key in place")
	}
	logs, _ := node["logs"].([]any)
	if len(logs) != 2 || logs[0] != "line1" || logs[1] != "line2" {
		t.Errorf("logs = %v, want [line1 line2]", logs)
	}
}

func TestDisjointPathsDoNotClobber(t *testing.T) {
	s := newTestSync(t)
	s.RegisterWork("a")
	s.RegisterWork("b")

	if err := s.Apply(delta("a", 1, setOp("va", "works", "a", "key"))); err != nil {
		t.Fatalf("Apply a: %v", err)
	}
	if err := s.Apply(delta("b", 1, setOp("vb", "works", "b", "key"))); err != nil {
		t.Fatalf("Apply b: %v", err)
	}

	tree := s.Snapshot()
	works := tree["works"].(map[string]any)
	if works["a"].(map[string]any)["key"] != "va" {
		t.Error("work a's value lost after work b's merge")
	}
	if works["b"].(map[string]any)["key"] != "vb" {
		t.Error("work b's value missing")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestSync(t)
	s.RegisterWork("trainer")
	if err := s.Apply(delta("trainer", 1, setOp("v", "works", "trainer", "key"))); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	snap := s.Snapshot()
	snap["works"].(map[string]any)["trainer"].(map[string]any)["key"] = "mutated"

	fresh := s.Snapshot()
	if fresh["works"].(map[string]any)["trainer"].(map[string]any)["key"] != "v" {
		t.Error("mutating a snapshot leaked into the canonical tree")
	}
}
