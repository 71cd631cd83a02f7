package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haywire-io/haywire/core/infra/bus"
	"github.com/haywire-io/haywire/core/infra/locks"
	"github.com/haywire-io/haywire/core/infra/logging"
	"github.com/haywire-io/haywire/core/infra/metrics"
)

// OutcomeKind classifies an advance signal.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomePaused    OutcomeKind = "paused"
	OutcomeAppended  OutcomeKind = "appended"
	OutcomeResumed   OutcomeKind = "resumed"
)

// Outcome is the single typed inbound event the engine reacts to, whether it
// arrives from the result listener, a manual call, or the resume sweep.
type Outcome struct {
	Kind OutcomeKind
	// StepID identifies the step the signal refers to; signals referencing a
	// step that is no longer the head are treated as stale and ignored.
	StepID      string
	Reason      string
	ResumeAt    time.Time
	SkipCurrent bool
	Append      *AppendSpec
}

// Completed reports the head step as successfully processed.
func Completed(stepID string) Outcome {
	return Outcome{Kind: OutcomeCompleted, StepID: stepID}
}

// Failed reports the head step as failed, driving the chain terminal.
func Failed(stepID, reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, StepID: stepID, Reason: reason}
}

// Paused parks the chain until resumeAt, keeping the head step for
// re-dispatch on resume.
func Paused(stepID string, resumeAt time.Time) Outcome {
	return Outcome{Kind: OutcomePaused, StepID: stepID, ResumeAt: resumeAt}
}

// PausedSkipCurrent marks the head step done, then parks the chain until
// resumeAt before dispatching the next step.
func PausedSkipCurrent(stepID string, resumeAt time.Time) Outcome {
	return Outcome{Kind: OutcomePaused, StepID: stepID, ResumeAt: resumeAt, SkipCurrent: true}
}

// Appended inserts a new step after the current tail.
func Appended(spec AppendSpec) Outcome {
	return Outcome{Kind: OutcomeAppended, Append: &spec}
}

// Resumed transitions a paused chain back to running.
func Resumed() Outcome {
	return Outcome{Kind: OutcomeResumed}
}

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockWait = 5 * time.Second

	logComponent = "chain-engine"
)

// Engine is the step-advancement engine. All state transitions go through
// Advance, serialized per chain by a storage-level lock; the engine itself
// never runs payloads and never blocks on their execution.
type Engine struct {
	store    *RedisStore
	queue    bus.Queue
	locks    locks.Store
	registry *Registry
	metrics  metrics.Metrics
	lockTTL  time.Duration
	lockWait time.Duration

	// Optional observability hook, fired after a step is handed to the queue.
	OnStepDispatched func(chainID, stepID string)
}

// NewEngine creates an engine bound to a chain store, work queue, and lock
// store.
func NewEngine(store *RedisStore, queue bus.Queue, lockStore locks.Store, registry *Registry) *Engine {
	return &Engine{
		store:    store,
		queue:    queue,
		locks:    lockStore,
		registry: registry,
		metrics:  metrics.Noop{},
		lockTTL:  defaultLockTTL,
		lockWait: defaultLockWait,
	}
}

// WithMetrics sets the metrics sink.
func (e *Engine) WithMetrics(m metrics.Metrics) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// Registry returns the engine's registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Store returns the engine's chain store.
func (e *Engine) Store() *RedisStore { return e.store }

// NewChain returns a builder that persists and dispatches through this engine.
func (e *Engine) NewChain() *Builder {
	return newBuilder(e)
}

// Start transitions a pending chain to running and dispatches its first step.
// A chain with no steps finishes immediately. Starting a non-pending chain is
// a no-op.
func (e *Engine) Start(ctx context.Context, chainID string) error {
	return e.withChainLock(ctx, chainID, func(c *Chain) error {
		if c.Status != StatusPending {
			return nil
		}
		c.Status = StatusRunning
		if err := e.store.UpdateChain(ctx, c); err != nil {
			return err
		}
		e.metrics.IncChainsStarted()
		head, err := e.store.HeadStep(ctx, c.ID)
		if err != nil {
			return err
		}
		if head == nil {
			return e.finish(ctx, c)
		}
		return e.dispatch(ctx, c, head)
	})
}

// Resume forces a paused chain back to running regardless of its resume time.
func (e *Engine) Resume(ctx context.Context, chainID string) error {
	return e.Advance(ctx, chainID, Resumed())
}

// Advance applies one outcome to a chain under the per-chain lock. Duplicate
// or stale signals are safe no-ops; signals for terminal chains never re-fire
// callbacks or re-dispatch.
func (e *Engine) Advance(ctx context.Context, chainID string, out Outcome) error {
	e.metrics.IncSignals(string(out.Kind))
	return e.withChainLock(ctx, chainID, func(c *Chain) error {
		if c.Terminal() {
			logging.Info(logComponent, "signal for terminal chain ignored",
				"chain_id", c.ID, "status", c.Status, "kind", out.Kind)
			e.metrics.IncStaleSignals()
			return nil
		}
		switch out.Kind {
		case OutcomeCompleted:
			return e.advanceCompleted(ctx, c, out)
		case OutcomeFailed:
			return e.advanceFailed(ctx, c, out)
		case OutcomePaused:
			return e.advancePaused(ctx, c, out)
		case OutcomeAppended:
			return e.advanceAppended(ctx, c, out)
		case OutcomeResumed:
			return e.advanceResumed(ctx, c)
		default:
			return fmt.Errorf("%w: unknown outcome kind %q", ErrConfig, out.Kind)
		}
	})
}

func (e *Engine) withChainLock(ctx context.Context, chainID string, fn func(*Chain) error) error {
	if chainID == "" {
		return fmt.Errorf("%w: empty chain id", ErrNotFound)
	}
	owner := uuid.NewString()
	resource := "chain:" + chainID
	ok, err := locks.AcquireWait(ctx, e.locks, resource, owner, e.lockTTL, e.lockWait)
	if err != nil {
		return fmt.Errorf("acquire chain lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockBusy, chainID)
	}
	defer func() {
		if err := e.locks.Release(context.WithoutCancel(ctx), resource, owner); err != nil {
			logging.Error(logComponent, "release chain lock", "chain_id", chainID, "error", err)
		}
	}()

	c, err := e.store.GetChain(ctx, chainID)
	if err != nil {
		return err
	}
	return fn(c)
}

func (e *Engine) advanceCompleted(ctx context.Context, c *Chain, out Outcome) error {
	if c.Status != StatusRunning {
		logging.Info(logComponent, "completion signal for non-running chain ignored",
			"chain_id", c.ID, "status", c.Status)
		e.metrics.IncStaleSignals()
		return nil
	}
	head, err := e.store.HeadStep(ctx, c.ID)
	if err != nil {
		return err
	}
	if head == nil {
		return e.finish(ctx, c)
	}
	if e.stale(c, head, out.StepID) {
		return nil
	}
	if err := e.store.DeleteStep(ctx, c.ID, head.ID); err != nil {
		return err
	}
	next, err := e.store.HeadStep(ctx, c.ID)
	if err != nil {
		return err
	}
	if next == nil {
		return e.finish(ctx, c)
	}
	return e.dispatch(ctx, c, next)
}

func (e *Engine) advanceFailed(ctx context.Context, c *Chain, out Outcome) error {
	if c.Status != StatusRunning {
		logging.Info(logComponent, "failure signal for non-running chain ignored",
			"chain_id", c.ID, "status", c.Status)
		e.metrics.IncStaleSignals()
		return nil
	}
	head, err := e.store.HeadStep(ctx, c.ID)
	if err != nil {
		return err
	}
	if head != nil && e.stale(c, head, out.StepID) {
		return nil
	}
	return e.fail(ctx, c, out.Reason)
}

func (e *Engine) advancePaused(ctx context.Context, c *Chain, out Outcome) error {
	if out.ResumeAt.IsZero() {
		return fmt.Errorf("%w: pause requires a resume time", ErrConfig)
	}
	if c.Status != StatusRunning {
		logging.Info(logComponent, "pause signal for non-running chain ignored",
			"chain_id", c.ID, "status", c.Status)
		e.metrics.IncStaleSignals()
		return nil
	}
	head, err := e.store.HeadStep(ctx, c.ID)
	if err != nil {
		return err
	}
	if head != nil && e.stale(c, head, out.StepID) {
		return nil
	}
	if out.SkipCurrent && head != nil {
		if err := e.store.DeleteStep(ctx, c.ID, head.ID); err != nil {
			return err
		}
	}
	resumeAt := out.ResumeAt.UTC()
	c.Status = StatusPaused
	c.ResumeAt = &resumeAt
	if err := e.store.UpdateChain(ctx, c); err != nil {
		return err
	}
	e.fireCallback(ctx, c, c.OnPaused, "paused")
	return nil
}

func (e *Engine) advanceAppended(ctx context.Context, c *Chain, out Outcome) error {
	if out.Append == nil {
		return fmt.Errorf("%w: append requires a payload", ErrConfig)
	}
	if err := e.registry.ValidatePayload(out.Append.Payload); err != nil {
		return err
	}
	head, err := e.store.HeadStep(ctx, c.ID)
	if err != nil {
		return err
	}
	max, hasSteps, err := e.store.MaxOrder(ctx, c.ID)
	if err != nil {
		return err
	}
	order := int64(0)
	if hasSteps {
		order = max + 1
	}
	step := &Step{
		ID:         uuid.NewString(),
		ChainID:    c.ID,
		Order:      order,
		Payload:    out.Append.Payload,
		DelaySec:   out.Append.DelaySec,
		Queue:      out.Append.Queue,
		Connection: out.Append.Connection,
	}
	if err := e.store.SaveStep(ctx, step); err != nil {
		return err
	}
	// Nothing in flight means the appended step becomes the head and runs now.
	if c.Status == StatusRunning && head == nil {
		return e.dispatch(ctx, c, step)
	}
	return nil
}

func (e *Engine) advanceResumed(ctx context.Context, c *Chain) error {
	if c.Status != StatusPaused {
		logging.Info(logComponent, "resume signal for non-paused chain ignored",
			"chain_id", c.ID, "status", c.Status)
		e.metrics.IncStaleSignals()
		return nil
	}
	c.Status = StatusRunning
	c.ResumeAt = nil
	if err := e.store.UpdateChain(ctx, c); err != nil {
		return err
	}
	e.metrics.IncChainsResumed()
	head, err := e.store.HeadStep(ctx, c.ID)
	if err != nil {
		return err
	}
	if head == nil {
		return e.finish(ctx, c)
	}
	return e.dispatch(ctx, c, head)
}

// stale reports (and logs) a signal referencing a step that is no longer the
// chain's head, which happens on duplicate delivery of an already-processed
// signal.
func (e *Engine) stale(c *Chain, head *Step, stepID string) bool {
	if stepID == "" || stepID == head.ID {
		return false
	}
	logging.Info(logComponent, "stale signal ignored",
		"chain_id", c.ID, "step_id", stepID, "head_step_id", head.ID)
	e.metrics.IncStaleSignals()
	return true
}

// dispatch submits one step to the work queue with its composed middleware
// and effective delay/queue/connection.
func (e *Engine) dispatch(ctx context.Context, c *Chain, step *Step) error {
	now := time.Now().UTC()
	c.LastProcessedAt = &now
	if err := e.store.UpdateChain(ctx, c); err != nil {
		return err
	}

	queueName := step.EffectiveQueue(c)
	env := &bus.Envelope{
		ID:          uuid.NewString(),
		ChainID:     c.ID,
		StepID:      step.ID,
		Order:       step.Order,
		PayloadName: step.Payload.Name,
		PayloadArgs: step.Payload.Args,
		Middleware:  toMiddlewareSpecs(effectiveMiddleware(step, c)),
		Queue:       queueName,
		Connection:  step.EffectiveConnection(c),
	}
	if delay := step.EffectiveDelay(c); delay > 0 {
		env.NotBefore = now.Add(delay)
	}
	if err := e.queue.EnqueueStep(ctx, env); err != nil {
		return fmt.Errorf("enqueue step: %w", err)
	}
	e.metrics.IncStepsDispatched(queueName)
	if e.OnStepDispatched != nil {
		e.OnStepDispatched(c.ID, step.ID)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, c *Chain) error {
	c.Status = StatusFinished
	c.ResumeAt = nil
	if err := e.store.UpdateChain(ctx, c); err != nil {
		return err
	}
	if err := e.store.DeleteAllSteps(ctx, c.ID); err != nil {
		return err
	}
	e.metrics.IncChainsCompleted(string(StatusFinished))
	e.fireCallback(ctx, c, c.OnFinally, "finally")
	e.fireCallback(ctx, c, c.OnThen, "then")
	return nil
}

func (e *Engine) fail(ctx context.Context, c *Chain, reason string) error {
	c.Status = StatusFailed
	c.ResumeAt = nil
	c.FailureReason = reason
	if err := e.store.UpdateChain(ctx, c); err != nil {
		return err
	}
	if err := e.store.DeleteAllSteps(ctx, c.ID); err != nil {
		return err
	}
	e.metrics.IncChainsCompleted(string(StatusFailed))
	e.fireCallback(ctx, c, c.OnCatch, "catch")
	e.fireCallback(ctx, c, c.OnFinally, "finally")
	return nil
}

// fireCallback invokes a registered callback. Callback errors and panics are
// reported but never retried and never roll back the committed transition.
func (e *Engine) fireCallback(ctx context.Context, c *Chain, ref *CallbackRef, kind string) {
	if ref == nil {
		return
	}
	fn, err := e.registry.ResolveCallback(ref)
	if err != nil {
		logging.Error(logComponent, "resolve callback", "chain_id", c.ID, "kind", kind, "error", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error(logComponent, "callback panicked", "chain_id", c.ID, "kind", kind, "panic", r)
		}
	}()
	if err := fn(ctx, c, ref.Args); err != nil {
		logging.Error(logComponent, "callback failed", "chain_id", c.ID, "kind", kind, "error", err)
	}
}

func toMiddlewareSpecs(refs []MiddlewareRef) []bus.MiddlewareSpec {
	if len(refs) == 0 {
		return nil
	}
	out := make([]bus.MiddlewareSpec, 0, len(refs))
	for _, ref := range refs {
		out = append(out, bus.MiddlewareSpec{Name: ref.Name, Args: ref.Args})
	}
	return out
}
