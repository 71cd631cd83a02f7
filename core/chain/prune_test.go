package chain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPruneDeletesOldTerminalChains(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	finished := te.dispatchChain("feed-horses")
	head := te.queue.Enqueued()[0]
	if err := te.engine.Advance(ctx, finished.ID, Completed(head.StepID)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	running := te.dispatchChain("close-gate")

	pruner := NewPruner(te.store, te.locks, 24*time.Hour, time.Hour)
	n, err := pruner.Prune(ctx, time.Now().UTC().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, err := te.store.GetChain(ctx, finished.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("finished chain survived prune: %v", err)
	}
	if got := te.chain(running.ID).Status; got != StatusRunning {
		t.Fatalf("running chain = %s, want running", got)
	}
}

func TestPruneKeepsRecentTerminalChains(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	c := te.dispatchChain("feed-horses")
	head := te.queue.Enqueued()[0]
	if err := te.engine.Advance(ctx, c.ID, Failed(head.StepID, "trough empty")); err != nil {
		t.Fatalf("advance: %v", err)
	}

	pruner := NewPruner(te.store, te.locks, 24*time.Hour, time.Hour)
	n, err := pruner.Prune(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 0 {
		t.Fatalf("pruned = %d, want 0", n)
	}
	if got := te.chain(c.ID).Status; got != StatusFailed {
		t.Fatalf("chain = %s, want failed", got)
	}
}
