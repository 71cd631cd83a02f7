package chain

import (
	"context"
	"errors"
	"time"

	"github.com/haywire-io/haywire/core/infra/bus"
	"github.com/haywire-io/haywire/core/infra/config"
	"github.com/haywire-io/haywire/core/infra/logging"
)

const workerComponent = "chain-worker"

// Worker consumes step envelopes from the work queue, runs payloads through
// the composed middleware stack, and publishes result signals. In automatic
// mode an Execute return is enough to advance the chain; in manual mode only
// explicit StepContext signals are reported.
type Worker struct {
	store       *RedisStore
	queue       bus.Queue
	registry    *Registry
	automatic   bool
	connections *config.ConnectionsConfig
	group       string
}

// NewWorker creates a worker. automatic selects automatic-processing mode.
func NewWorker(store *RedisStore, queue bus.Queue, registry *Registry, automatic bool) *Worker {
	return &Worker{
		store:     store,
		queue:     queue,
		registry:  registry,
		automatic: automatic,
		group:     "haywire-workers",
	}
}

// WithConnections sets the connection map used to resolve step subjects.
func (w *Worker) WithConnections(conns *config.ConnectionsConfig) *Worker {
	w.connections = conns
	return w
}

// Subscribe attaches the worker to one (connection, queue) pair.
func (w *Worker) Subscribe(connection, queueName string) error {
	subject := bus.StepSubject(w.connections.SubjectPrefix(connection), queueName)
	return w.queue.SubscribeSteps(subject, w.group, w.handle)
}

func (w *Worker) handle(env *bus.Envelope) error {
	if env == nil {
		return nil
	}
	// Native queue delay: defer the envelope until it is due. The timer is
	// process-local, so a worker restart drops parked envelopes; durable
	// delivery of delayed steps is the transport's responsibility. Longer
	// waits should use LongRelease, which goes through the resume sweep
	// instead.
	if wait := time.Until(env.NotBefore); wait > 0 {
		time.AfterFunc(wait, func() {
			if err := w.process(context.Background(), env); err != nil {
				logging.Error(workerComponent, "deferred step failed",
					"chain_id", env.ChainID, "step_id", env.StepID, "error", err)
			}
		})
		return nil
	}
	return w.process(context.Background(), env)
}

func (w *Worker) process(ctx context.Context, env *bus.Envelope) error {
	c, err := w.store.GetChain(ctx, env.ChainID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logging.Info(workerComponent, "chain gone, dropping step",
				"chain_id", env.ChainID, "step_id", env.StepID)
			return nil
		}
		return err
	}
	step, err := w.store.GetStep(ctx, env.ChainID, env.StepID)
	if err != nil {
		if errors.Is(err, ErrStepNotFound) {
			logging.Info(workerComponent, "step already processed, dropping",
				"chain_id", env.ChainID, "step_id", env.StepID)
			return nil
		}
		return err
	}

	payload, err := w.registry.ResolvePayload(PayloadRef{Name: env.PayloadName, Args: env.PayloadArgs})
	if err != nil {
		logging.Error(workerComponent, "resolve payload",
			"chain_id", env.ChainID, "payload", env.PayloadName, "error", err)
		return w.queue.PublishResult(ctx, &bus.Result{
			ChainID: env.ChainID,
			StepID:  env.StepID,
			Status:  bus.ResultFailed,
			Error:   err.Error(),
		})
	}

	sc := newStepContext(c, step, env.PayloadArgs)
	mws := []Middleware{w.bookkeeping()}
	for _, spec := range env.Middleware {
		mw, err := w.registry.ResolveMiddleware(MiddlewareRef{Name: spec.Name, Args: spec.Args})
		if err != nil {
			logging.Error(workerComponent, "resolve middleware",
				"chain_id", env.ChainID, "middleware", spec.Name, "error", err)
			return w.queue.PublishResult(ctx, &bus.Result{
				ChainID: env.ChainID,
				StepID:  env.StepID,
				Status:  bus.ResultFailed,
				Error:   err.Error(),
			})
		}
		mws = append(mws, mw)
	}

	handler := Compose(mws...)(func(ctx context.Context, sc *StepContext) error {
		return payload.Execute(ctx, sc)
	})
	execErr := handler(ctx, sc)

	if sc.wasSkipped() {
		return nil
	}
	return w.report(ctx, env, payload, sc, execErr)
}

// report publishes appends first, so appended steps exist before any
// completion signal advances past them, then the terminal signal.
func (w *Worker) report(ctx context.Context, env *bus.Envelope, payload Stackable, sc *StepContext, execErr error) error {
	for _, spec := range sc.takeAppends() {
		res := &bus.Result{
			ChainID: env.ChainID,
			StepID:  env.StepID,
			Status:  bus.ResultAppended,
			Append: &bus.AppendSpec{
				PayloadName: spec.Payload.Name,
				PayloadArgs: spec.Payload.Args,
				DelaySec:    spec.DelaySec,
				Queue:       spec.Queue,
				Connection:  spec.Connection,
			},
		}
		if err := w.queue.PublishResult(ctx, res); err != nil {
			return err
		}
	}

	sig := sc.takeSignal()
	switch {
	case sig != nil && sig.kind == signalNext:
		return w.queue.PublishResult(ctx, &bus.Result{
			ChainID: env.ChainID, StepID: env.StepID, Status: bus.ResultCompleted,
		})
	case sig != nil && sig.kind == signalFail:
		w.runFailureHook(ctx, payload, sc, sig.err)
		return w.queue.PublishResult(ctx, &bus.Result{
			ChainID: env.ChainID, StepID: env.StepID, Status: bus.ResultFailed,
			Error: errorString(sig.err),
		})
	case sig != nil && sig.kind == signalPause:
		resumeAt := sig.resumeAt.UTC()
		return w.queue.PublishResult(ctx, &bus.Result{
			ChainID: env.ChainID, StepID: env.StepID, Status: bus.ResultPaused,
			ResumeAt: &resumeAt, SkipCurrent: sig.skipCurrent,
		})
	case w.automatic && execErr != nil:
		w.runFailureHook(ctx, payload, sc, execErr)
		return w.queue.PublishResult(ctx, &bus.Result{
			ChainID: env.ChainID, StepID: env.StepID, Status: bus.ResultFailed,
			Error: execErr.Error(),
		})
	case w.automatic:
		return w.queue.PublishResult(ctx, &bus.Result{
			ChainID: env.ChainID, StepID: env.StepID, Status: bus.ResultCompleted,
		})
	default:
		// Manual mode without an explicit signal: the chain does not advance.
		if execErr != nil {
			logging.Error(workerComponent, "manual step errored without signaling",
				"chain_id", env.ChainID, "step_id", env.StepID, "error", execErr)
		}
		return nil
	}
}

func (w *Worker) runFailureHook(ctx context.Context, payload Stackable, sc *StepContext, cause error) {
	fh, ok := payload.(FailureHandler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error(workerComponent, "failure hook panicked",
				"chain_id", sc.chain.ID, "step_id", sc.step.ID, "panic", r)
		}
	}()
	fh.OnFailure(ctx, sc, cause)
}

// bookkeeping is the mandatory framework middleware. It runs before per-step
// and chain-global middleware: it re-reads the chain so a deletion or terminal
// transition between enqueue and execution skips the payload entirely, and it
// records the dispatch attempt.
func (w *Worker) bookkeeping() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, sc *StepContext) error {
			fresh, err := w.store.GetChain(ctx, sc.chain.ID)
			if err != nil || fresh.Status != StatusRunning {
				status := Status("gone")
				if fresh != nil {
					status = fresh.Status
				}
				logging.Info(workerComponent, "chain not running, skipping step",
					"chain_id", sc.chain.ID, "step_id", sc.step.ID, "status", status)
				sc.markSkipped()
				return nil
			}
			sc.chain = fresh
			// The engine may have deleted the step between enqueue and
			// execution; upserting the attempt then would resurrect the key.
			exists, err := w.store.StepExists(ctx, sc.step.ChainID, sc.step.ID)
			if err != nil || !exists {
				logging.Info(workerComponent, "step gone, skipping",
					"chain_id", sc.chain.ID, "step_id", sc.step.ID)
				sc.markSkipped()
				return nil
			}
			sc.step.Attempts++
			if err := w.store.SaveStep(ctx, sc.step); err != nil {
				logging.Error(workerComponent, "record attempt",
					"chain_id", sc.chain.ID, "step_id", sc.step.ID, "error", err)
			}
			return next(ctx, sc)
		}
	}
}

func errorString(err error) string {
	if err == nil {
		return "step failed"
	}
	return err.Error()
}
