package bus

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process Queue for tests and local development.
// Envelopes and results are recorded; delivery to subscribers is synchronous.
type MemoryQueue struct {
	mu         sync.Mutex
	steps      []*Envelope
	results    []*Result
	stepSubs   map[string][]func(*Envelope) error
	resultSubs []func(*Result) error
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{stepSubs: map[string][]func(*Envelope) error{}}
}

func (q *MemoryQueue) EnqueueStep(ctx context.Context, env *Envelope) error {
	if env == nil {
		return errNilEnvelope
	}
	subject := StepSubject("hay.steps."+env.Connection, env.Queue)
	q.mu.Lock()
	q.steps = append(q.steps, env)
	subs := append([]func(*Envelope) error(nil), q.stepSubs[subject]...)
	q.mu.Unlock()
	for _, handler := range subs {
		if err := handler(env); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemoryQueue) SubscribeSteps(subject, group string, handler func(*Envelope) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stepSubs[subject] = append(q.stepSubs[subject], handler)
	return nil
}

func (q *MemoryQueue) PublishResult(ctx context.Context, res *Result) error {
	if res == nil {
		return errNilResult
	}
	q.mu.Lock()
	q.results = append(q.results, res)
	subs := append([]func(*Result) error(nil), q.resultSubs...)
	q.mu.Unlock()
	for _, handler := range subs {
		if err := handler(res); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemoryQueue) SubscribeResults(group string, handler func(*Result) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resultSubs = append(q.resultSubs, handler)
	return nil
}

// Enqueued returns a snapshot of all step envelopes seen so far.
func (q *MemoryQueue) Enqueued() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Envelope(nil), q.steps...)
}

// Results returns a snapshot of all results seen so far.
func (q *MemoryQueue) Results() []*Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Result(nil), q.results...)
}
