package chain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// pump drains the in-memory queue to a fixed point: every new envelope is
// handed to the worker, every new result to the listener, until neither side
// produces more work. The cursor survives across calls so re-pumping after a
// resume does not re-deliver already-processed envelopes.
func (te *testEnv) pump(w *Worker) {
	te.t.Helper()
	if te.listener == nil {
		te.listener = NewListener(te.engine, te.queue)
	}
	for {
		progress := false
		envs := te.queue.Enqueued()
		for ; te.seenEnvs < len(envs); te.seenEnvs++ {
			progress = true
			if err := w.handle(envs[te.seenEnvs]); err != nil {
				te.t.Fatalf("worker handle: %v", err)
			}
		}
		results := te.queue.Results()
		for ; te.seenResults < len(results); te.seenResults++ {
			progress = true
			if err := te.listener.Handle(results[te.seenResults]); err != nil {
				te.t.Fatalf("listener handle: %v", err)
			}
		}
		if !progress {
			return
		}
	}
}

type recordingPayload struct {
	name   string
	trace  *[]string
	action func(ctx context.Context, sc *StepContext) error
}

func (p *recordingPayload) Execute(ctx context.Context, sc *StepContext) error {
	*p.trace = append(*p.trace, p.name)
	if p.action != nil {
		return p.action(ctx, sc)
	}
	return nil
}

func (te *testEnv) registerRecording(trace *[]string, name string, action func(ctx context.Context, sc *StepContext) error) {
	te.t.Helper()
	te.registry.RegisterPayload(name, func(json.RawMessage) (Stackable, error) {
		return &recordingPayload{name: name, trace: trace, action: action}, nil
	})
}

func TestAutomaticModeRunsChainInOrder(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, true)

	var trace []string
	te.registerRecording(&trace, "feed-sam", nil)
	te.registerRecording(&trace, "feed-gareth", nil)
	te.registerRecording(&trace, "close-gate", nil)

	c, err := te.engine.NewChain().
		AddStep("feed-sam", nil).
		AddStep("feed-gareth", nil).
		AddStep("close-gate", nil).
		Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	te.pump(worker)

	want := []string{"feed-sam", "feed-gareth", "close-gate"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
	if got := te.chain(c.ID).Status; got != StatusFinished {
		t.Fatalf("status = %s, want finished", got)
	}
}

func TestManualModeDoesNotAdvanceWithoutSignal(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, false)

	var trace []string
	te.registerRecording(&trace, "feed-sam", nil)
	te.registerRecording(&trace, "feed-gareth", nil)

	c, err := te.engine.NewChain().
		AddStep("feed-sam", nil).
		AddStep("feed-gareth", nil).
		Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	te.pump(worker)

	if len(trace) != 1 || trace[0] != "feed-sam" {
		t.Fatalf("trace = %v, want only feed-sam", trace)
	}
	got := te.chain(c.ID)
	if got.Status != StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if h := te.head(c.ID); h == nil || h.Payload.Name != "feed-sam" {
		t.Fatalf("head moved without signal: %+v", h)
	}
}

func TestManualModeNextAdvances(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, false)

	var trace []string
	explicitNext := func(ctx context.Context, sc *StepContext) error {
		sc.Next()
		return nil
	}
	te.registerRecording(&trace, "feed-sam", explicitNext)
	te.registerRecording(&trace, "feed-gareth", explicitNext)

	c, err := te.engine.NewChain().
		AddStep("feed-sam", nil).
		AddStep("feed-gareth", nil).
		Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	te.pump(worker)

	if len(trace) != 2 {
		t.Fatalf("trace = %v, want both steps", trace)
	}
	if got := te.chain(c.ID).Status; got != StatusFinished {
		t.Fatalf("status = %s, want finished", got)
	}
}

type failingPayload struct {
	hookFired *bool
}

func (failingPayload) Execute(ctx context.Context, sc *StepContext) error {
	return errors.New("trough empty")
}

func (p failingPayload) OnFailure(ctx context.Context, sc *StepContext, cause error) {
	*p.hookFired = true
}

func TestAutomaticFailureFiresHookAndCatch(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, true)

	hookFired := false
	te.registry.RegisterPayload("feed-sam", func(json.RawMessage) (Stackable, error) {
		return failingPayload{hookFired: &hookFired}, nil
	})
	var fired []string
	te.registry.RegisterCallback("catch-cb", func(context.Context, *Chain, json.RawMessage) error {
		fired = append(fired, "catch")
		return nil
	})

	c, err := te.engine.NewChain().
		AddStep("feed-sam", nil).
		Catch("catch-cb", nil).
		Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	te.pump(worker)

	got := te.chain(c.ID)
	if got.Status != StatusFailed || got.FailureReason != "trough empty" {
		t.Fatalf("chain = %s reason=%q", got.Status, got.FailureReason)
	}
	if !hookFired {
		t.Fatalf("failure hook not invoked")
	}
	if len(fired) != 1 || fired[0] != "catch" {
		t.Fatalf("catch callback = %v", fired)
	}
}

func TestBookkeepingSkipsWhenChainNotRunning(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, true)
	ctx := context.Background()

	var trace []string
	te.registerRecording(&trace, "feed-sam", nil)

	c, err := te.engine.NewChain().AddStep("feed-sam", nil).Dispatch(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	env := te.queue.Enqueued()[0]

	// Park the chain between enqueue and execution.
	parked := te.chain(c.ID)
	parked.Status = StatusPaused
	resumeAt := time.Now().UTC().Add(time.Hour)
	parked.ResumeAt = &resumeAt
	if err := te.store.UpdateChain(ctx, parked); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := worker.handle(env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(trace) != 0 {
		t.Fatalf("payload executed on a parked chain: %v", trace)
	}
	if got := len(te.queue.Results()); got != 0 {
		t.Fatalf("skipped step published %d results", got)
	}
	if got := te.chain(c.ID).Status; got != StatusPaused {
		t.Fatalf("status = %s, want paused", got)
	}
}

func TestBookkeepingSkipsWhenStepDeleted(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, true)
	ctx := context.Background()

	var trace []string
	te.registerRecording(&trace, "feed-sam", nil)

	c, err := te.engine.NewChain().AddStep("feed-sam", nil).Dispatch(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	step := te.head(c.ID)

	// A duplicate delivery can race the engine: the step is read, then the
	// engine deletes it. Recording the attempt must not recreate the key.
	if err := te.store.DeleteStep(ctx, c.ID, step.ID); err != nil {
		t.Fatalf("delete step: %v", err)
	}

	sc := newStepContext(te.chain(c.ID), step, nil)
	handler := worker.bookkeeping()(func(ctx context.Context, sc *StepContext) error {
		trace = append(trace, "executed")
		return nil
	})
	if err := handler(ctx, sc); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(trace) != 0 {
		t.Fatalf("payload executed for a deleted step: %v", trace)
	}
	if !sc.wasSkipped() {
		t.Fatalf("step context not marked skipped")
	}
	if _, err := te.store.GetStep(ctx, c.ID, step.ID); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("step key resurrected, GetStep err = %v", err)
	}
	if n, err := te.store.CountSteps(ctx, c.ID); err != nil || n != 0 {
		t.Fatalf("steps index = %d (err %v), want empty", n, err)
	}
}

func TestAttemptsRecordedOnEachDispatch(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, true)
	ctx := context.Background()

	attempt := 0
	te.registry.RegisterPayload("wait-for-vet", func(json.RawMessage) (Stackable, error) {
		return &recordingPayload{name: "wait-for-vet", trace: &[]string{}, action: func(ctx context.Context, sc *StepContext) error {
			attempt++
			if attempt == 1 {
				sc.LongRelease(time.Hour)
			}
			return nil
		}}, nil
	})

	c, err := te.engine.NewChain().AddStep("wait-for-vet", nil).Dispatch(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	te.pump(worker)

	if got := te.chain(c.ID).Status; got != StatusPaused {
		t.Fatalf("status = %s, want paused", got)
	}
	head := te.head(c.ID)
	if head == nil || head.Attempts != 1 {
		t.Fatalf("head attempts = %+v, want 1", head)
	}

	if err := te.engine.Resume(ctx, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	te.pump(worker)

	if got := te.chain(c.ID).Status; got != StatusFinished {
		t.Fatalf("status after resume = %s, want finished", got)
	}
	if attempt != 2 {
		t.Fatalf("payload ran %d times, want 2", attempt)
	}
}

func TestAppendFromRunningStep(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, true)

	var trace []string
	te.registerRecording(&trace, "muck-stalls", nil)
	te.registerRecording(&trace, "feed-sam", func(ctx context.Context, sc *StepContext) error {
		return sc.Append("muck-stalls", nil)
	})
	te.registerRecording(&trace, "close-gate", nil)

	c, err := te.engine.NewChain().
		AddStep("feed-sam", nil).
		AddStep("close-gate", nil).
		Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	te.pump(worker)

	want := []string{"feed-sam", "close-gate", "muck-stalls"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
	if got := te.chain(c.ID).Status; got != StatusFinished {
		t.Fatalf("status = %s, want finished", got)
	}
}

func TestCompleteAndPauseSkipsToNextOnResume(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, true)
	ctx := context.Background()

	var trace []string
	te.registerRecording(&trace, "feed-sam", func(ctx context.Context, sc *StepContext) error {
		sc.CompleteAndPause(time.Now().UTC().Add(time.Hour))
		return nil
	})
	te.registerRecording(&trace, "close-gate", nil)

	c, err := te.engine.NewChain().
		AddStep("feed-sam", nil).
		AddStep("close-gate", nil).
		Dispatch(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	te.pump(worker)

	if got := te.chain(c.ID).Status; got != StatusPaused {
		t.Fatalf("status = %s, want paused", got)
	}
	if h := te.head(c.ID); h == nil || h.Payload.Name != "close-gate" {
		t.Fatalf("head = %+v, want close-gate", h)
	}

	if err := te.engine.Resume(ctx, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	te.pump(worker)

	want := []string{"feed-sam", "close-gate"}
	if len(trace) != len(want) || trace[0] != want[0] || trace[1] != want[1] {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	if got := te.chain(c.ID).Status; got != StatusFinished {
		t.Fatalf("status = %s, want finished", got)
	}
}

func TestWorkerDropsStepsForMissingChain(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, true)
	ctx := context.Background()

	var trace []string
	te.registerRecording(&trace, "feed-sam", nil)
	c, err := te.engine.NewChain().AddStep("feed-sam", nil).Dispatch(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	env := te.queue.Enqueued()[0]

	if err := te.store.DeleteChain(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := worker.handle(env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(trace) != 0 || len(te.queue.Results()) != 0 {
		t.Fatalf("stale envelope was processed")
	}
}

func TestWorkerReportsUnresolvablePayloadAsFailure(t *testing.T) {
	te := newTestEnv(t)
	c := te.dispatchChain("feed-sam")
	env := te.queue.Enqueued()[0]

	// A worker without the payload registered cannot execute the step.
	worker := NewWorker(te.store, te.queue, NewRegistry(), true)
	if err := worker.handle(env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	results := te.queue.Results()
	if len(results) != 1 || results[0].Status != "failed" {
		t.Fatalf("results = %+v, want one failed", results)
	}
	if results[0].ChainID != c.ID {
		t.Fatalf("result chain = %s, want %s", results[0].ChainID, c.ID)
	}
}

func TestWorkerRunsMiddlewareFromEnvelope(t *testing.T) {
	te := newTestEnv(t)
	worker := NewWorker(te.store, te.queue, te.registry, true)

	var trace []string
	te.registry.RegisterMiddleware("audit", func(json.RawMessage) (Middleware, error) {
		return named("audit", &trace), nil
	})
	te.registerRecording(&trace, "feed-sam", nil)

	_, err := te.engine.NewChain().
		AddStep("feed-sam", nil).
		WithMiddleware("audit").
		Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	te.pump(worker)

	want := []string{"audit", "feed-sam"}
	if len(trace) != len(want) || trace[0] != want[0] || trace[1] != want[1] {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
}
