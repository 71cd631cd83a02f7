package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/haywire-io/haywire/core/infra/bus"
	"github.com/haywire-io/haywire/core/infra/logging"
)

const listenerComponent = "chain-listener"

// Listener observes step results on the work queue and re-enters the advance
// engine on the caller's behalf. It is the automatic-processing collaborator;
// manual-mode signals travel the same path, published explicitly by the
// worker.
type Listener struct {
	engine *Engine
	queue  bus.Queue
	group  string
}

func NewListener(engine *Engine, queue bus.Queue) *Listener {
	return &Listener{engine: engine, queue: queue, group: "haywire-engine"}
}

// Start subscribes to the results subject. Handlers for different chains run
// fully concurrently; the engine's per-chain lock serializes the rest.
func (l *Listener) Start() error {
	return l.queue.SubscribeResults(l.group, l.Handle)
}

// Handle maps one result to an engine outcome. Results for missing chains are
// dropped so a batch of signals never aborts on one stale entry.
func (l *Listener) Handle(res *bus.Result) error {
	if res == nil || res.ChainID == "" {
		return nil
	}
	out, err := outcomeFromResult(res)
	if err != nil {
		logging.Error(listenerComponent, "malformed result dropped",
			"chain_id", res.ChainID, "status", res.Status, "error", err)
		return nil
	}
	ctx := context.Background()
	if err := l.engine.Advance(ctx, res.ChainID, out); err != nil {
		if errors.Is(err, ErrNotFound) {
			logging.Info(listenerComponent, "result for missing chain dropped",
				"chain_id", res.ChainID, "step_id", res.StepID)
			return nil
		}
		return err
	}
	return nil
}

func outcomeFromResult(res *bus.Result) (Outcome, error) {
	switch res.Status {
	case bus.ResultCompleted:
		return Completed(res.StepID), nil
	case bus.ResultFailed:
		return Failed(res.StepID, res.Error), nil
	case bus.ResultPaused:
		if res.ResumeAt == nil {
			return Outcome{}, fmt.Errorf("%w: paused result without resume time", ErrConfig)
		}
		if res.SkipCurrent {
			return PausedSkipCurrent(res.StepID, *res.ResumeAt), nil
		}
		return Paused(res.StepID, *res.ResumeAt), nil
	case bus.ResultAppended:
		if res.Append == nil {
			return Outcome{}, fmt.Errorf("%w: appended result without payload", ErrConfig)
		}
		return Appended(AppendSpec{
			Payload:    PayloadRef{Name: res.Append.PayloadName, Args: res.Append.PayloadArgs},
			DelaySec:   res.Append.DelaySec,
			Queue:      res.Append.Queue,
			Connection: res.Append.Connection,
		}), nil
	default:
		return Outcome{}, fmt.Errorf("%w: unknown result status %q", ErrConfig, res.Status)
	}
}
