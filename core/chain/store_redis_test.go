package chain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChainRoundTrip(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	resumeAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	c := &Chain{
		ID:         "c1",
		Name:       "morning-chores",
		Status:     StatusPaused,
		ResumeAt:   &resumeAt,
		Queue:      "barn",
		Connection: "database",
		Middleware: []MiddlewareRef{{Name: "audit"}},
	}
	steps := []*Step{
		{ID: "s1", Order: 0, Payload: PayloadRef{Name: "feed-horses"}},
		{ID: "s2", Order: 1, Payload: PayloadRef{Name: "close-gate"}},
	}
	if err := te.store.CreateChain(ctx, c, steps); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := te.store.GetChain(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "morning-chores" || got.Status != StatusPaused || got.Queue != "barn" {
		t.Fatalf("chain = %+v", got)
	}
	if got.ResumeAt == nil || !got.ResumeAt.Equal(resumeAt) {
		t.Fatalf("resume_at = %v, want %v", got.ResumeAt, resumeAt)
	}
	if len(got.Middleware) != 1 || got.Middleware[0].Name != "audit" {
		t.Fatalf("middleware = %+v", got.Middleware)
	}
	if n, _ := te.store.CountSteps(ctx, "c1"); n != 2 {
		t.Fatalf("step count = %d, want 2", n)
	}
}

func TestGetChainNotFound(t *testing.T) {
	te := newTestEnv(t)
	if _, err := te.store.GetChain(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateChainMovesStatusIndex(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	c := &Chain{ID: "c1", Status: StatusPending}
	if err := te.store.CreateChain(ctx, c, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	c.Status = StatusRunning
	if err := te.store.UpdateChain(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	pending, _ := te.store.ListChainIDsByStatus(ctx, StatusPending, 10)
	if len(pending) != 0 {
		t.Fatalf("pending index still holds %v", pending)
	}
	running, _ := te.store.ListChainIDsByStatus(ctx, StatusRunning, 10)
	if len(running) != 1 || running[0] != "c1" {
		t.Fatalf("running index = %v", running)
	}
}

func TestResumeIndexFollowsResumeAt(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &Chain{ID: "c1", Status: StatusRunning}
	if err := te.store.CreateChain(ctx, c, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	resumeAt := now.Add(-time.Minute)
	c.Status = StatusPaused
	c.ResumeAt = &resumeAt
	if err := te.store.UpdateChain(ctx, c); err != nil {
		t.Fatalf("pause update: %v", err)
	}
	due, err := te.store.ListResumable(ctx, now, 0)
	if err != nil {
		t.Fatalf("list resumable: %v", err)
	}
	if len(due) != 1 || due[0] != "c1" {
		t.Fatalf("due = %v, want [c1]", due)
	}

	c.Status = StatusRunning
	c.ResumeAt = nil
	if err := te.store.UpdateChain(ctx, c); err != nil {
		t.Fatalf("resume update: %v", err)
	}
	due, _ = te.store.ListResumable(ctx, now.Add(time.Hour), 0)
	if len(due) != 0 {
		t.Fatalf("resume index not cleared: %v", due)
	}
}

func TestHeadStepAndMaxOrder(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	c := &Chain{ID: "c1", Status: StatusRunning}
	steps := []*Step{
		{ID: "s1", Order: 0, Payload: PayloadRef{Name: "feed-horses"}},
		{ID: "s2", Order: 1, Payload: PayloadRef{Name: "close-gate"}},
	}
	if err := te.store.CreateChain(ctx, c, steps); err != nil {
		t.Fatalf("create: %v", err)
	}

	head, err := te.store.HeadStep(ctx, "c1")
	if err != nil || head == nil || head.ID != "s1" {
		t.Fatalf("head = %+v err=%v", head, err)
	}
	max, ok, err := te.store.MaxOrder(ctx, "c1")
	if err != nil || !ok || max != 1 {
		t.Fatalf("max order = %d ok=%v err=%v", max, ok, err)
	}

	if err := te.store.DeleteStep(ctx, "c1", "s1"); err != nil {
		t.Fatalf("delete step: %v", err)
	}
	head, _ = te.store.HeadStep(ctx, "c1")
	if head == nil || head.ID != "s2" {
		t.Fatalf("head after delete = %+v", head)
	}
	if _, err := te.store.GetStep(ctx, "c1", "s1"); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("deleted step err = %v, want ErrStepNotFound", err)
	}

	if err := te.store.DeleteAllSteps(ctx, "c1"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	head, _ = te.store.HeadStep(ctx, "c1")
	if head != nil {
		t.Fatalf("head after delete all = %+v", head)
	}
	if _, ok, _ := te.store.MaxOrder(ctx, "c1"); ok {
		t.Fatalf("max order reported for empty chain")
	}
}

func TestDeleteChainRemovesEverything(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	resumeAt := time.Now().UTC().Add(time.Hour)
	c := &Chain{ID: "c1", Status: StatusPaused, ResumeAt: &resumeAt}
	steps := []*Step{{ID: "s1", Order: 0, Payload: PayloadRef{Name: "feed-horses"}}}
	if err := te.store.CreateChain(ctx, c, steps); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := te.store.UpdateChain(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := te.store.DeleteChain(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := te.store.GetChain(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("chain survived delete: %v", err)
	}
	if n, _ := te.store.CountSteps(ctx, "c1"); n != 0 {
		t.Fatalf("steps survived delete: %d", n)
	}
	due, _ := te.store.ListResumable(ctx, resumeAt.Add(time.Hour), 0)
	if len(due) != 0 {
		t.Fatalf("resume index survived delete: %v", due)
	}
	paused, _ := te.store.ListChainIDsByStatus(ctx, StatusPaused, 10)
	if len(paused) != 0 {
		t.Fatalf("status index survived delete: %v", paused)
	}
}

func TestSaveStepUpserts(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	c := &Chain{ID: "c1", Status: StatusRunning}
	if err := te.store.CreateChain(ctx, c, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	step := &Step{ID: "s1", ChainID: "c1", Order: 0, Payload: PayloadRef{Name: "feed-horses"}}
	if err := te.store.SaveStep(ctx, step); err != nil {
		t.Fatalf("save: %v", err)
	}
	step.Attempts = 3
	if err := te.store.SaveStep(ctx, step); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, err := te.store.GetStep(ctx, "c1", "s1")
	if err != nil || got.Attempts != 3 {
		t.Fatalf("step = %+v err=%v", got, err)
	}
	if n, _ := te.store.CountSteps(ctx, "c1"); n != 1 {
		t.Fatalf("upsert duplicated index entry: %d", n)
	}
}
