package chain

import (
	"context"
	"testing"
	"time"

	"github.com/haywire-io/haywire/core/infra/bus"
)

func TestListenerAdvancesOnCompletedResult(t *testing.T) {
	te := newTestEnv(t)
	c := te.dispatchChain("feed-horses", "close-gate")
	head := te.queue.Enqueued()[0]

	l := NewListener(te.engine, te.queue)
	err := l.Handle(&bus.Result{ChainID: c.ID, StepID: head.StepID, Status: bus.ResultCompleted})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	envs := te.queue.Enqueued()
	if len(envs) != 2 || envs[1].PayloadName != "close-gate" {
		t.Fatalf("next step not dispatched: %+v", envs)
	}
}

func TestListenerDropsResultForMissingChain(t *testing.T) {
	te := newTestEnv(t)
	l := NewListener(te.engine, te.queue)

	err := l.Handle(&bus.Result{ChainID: "ghost", StepID: "s1", Status: bus.ResultCompleted})
	if err != nil {
		t.Fatalf("missing chain should be dropped, got %v", err)
	}
}

func TestListenerDropsMalformedResults(t *testing.T) {
	te := newTestEnv(t)
	c := te.dispatchChain("feed-horses")
	head := te.queue.Enqueued()[0]
	l := NewListener(te.engine, te.queue)

	// Paused without a resume time and appended without a payload are both
	// invalid on the wire; neither may abort the result stream.
	cases := []*bus.Result{
		nil,
		{},
		{ChainID: c.ID, StepID: head.StepID, Status: bus.ResultPaused},
		{ChainID: c.ID, StepID: head.StepID, Status: bus.ResultAppended},
		{ChainID: c.ID, StepID: head.StepID, Status: "mystery"},
	}
	for _, res := range cases {
		if err := l.Handle(res); err != nil {
			t.Fatalf("malformed result %+v returned %v", res, err)
		}
	}
	if got := te.chain(c.ID).Status; got != StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}
}

func TestListenerMapsPausedResult(t *testing.T) {
	te := newTestEnv(t)
	c := te.dispatchChain("wait-for-vet")
	head := te.queue.Enqueued()[0]
	l := NewListener(te.engine, te.queue)

	resumeAt := time.Now().UTC().Add(time.Hour)
	err := l.Handle(&bus.Result{
		ChainID:  c.ID,
		StepID:   head.StepID,
		Status:   bus.ResultPaused,
		ResumeAt: &resumeAt,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := te.chain(c.ID)
	if got.Status != StatusPaused || got.ResumeAt == nil {
		t.Fatalf("chain = %s resume_at=%v", got.Status, got.ResumeAt)
	}
}

func TestListenerMapsAppendedResult(t *testing.T) {
	te := newTestEnv(t)
	c := te.dispatchChain("feed-horses")
	te.registerNoop("muck-stalls")
	head := te.queue.Enqueued()[0]
	l := NewListener(te.engine, te.queue)

	err := l.Handle(&bus.Result{
		ChainID: c.ID,
		StepID:  head.StepID,
		Status:  bus.ResultAppended,
		Append:  &bus.AppendSpec{PayloadName: "muck-stalls"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n, _ := te.store.CountSteps(context.Background(), c.ID); n != 2 {
		t.Fatalf("step count = %d, want 2", n)
	}
}
