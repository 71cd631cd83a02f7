package chain

import (
	"context"
	"errors"
	"time"

	"github.com/haywire-io/haywire/core/infra/locks"
	"github.com/haywire-io/haywire/core/infra/logging"
)

const resumerComponent = "chain-resumer"

// Sweep resumes every paused chain whose resume time has elapsed at now.
// It returns the number of chains resumed. A sweep racing a manual resume for
// the same chain is arbitrated by the engine's per-chain lock, so the head
// step is never dispatched twice.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := e.store.ListResumable(ctx, now, 0)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		if err := e.Advance(ctx, id, Resumed()); err != nil {
			if errors.Is(err, ErrNotFound) {
				logging.Info(resumerComponent, "resumable chain gone", "chain_id", id)
				continue
			}
			logging.Error(resumerComponent, "resume failed", "chain_id", id, "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Resumer periodically sweeps for due chains. A sweep-level lock keeps
// multiple resumer instances from scanning at once; correctness for a single
// chain never depends on it.
type Resumer struct {
	engine   *Engine
	locks    locks.Store
	interval time.Duration
	lockKey  string
	owner    string
}

func NewResumer(engine *Engine, lockStore locks.Store, interval time.Duration) *Resumer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Resumer{
		engine:   engine,
		locks:    lockStore,
		interval: interval,
		lockKey:  "sweep:resume",
		owner:    "resumer-" + time.Now().UTC().Format("20060102150405.000"),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Resumer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.locks.Acquire(ctx, r.lockKey, r.owner, r.interval*2)
			if err != nil {
				logging.Error(resumerComponent, "sweep lock acquisition failed", "error", err)
				continue
			}
			if !ok {
				continue
			}
			if n, err := r.engine.Sweep(ctx, time.Now().UTC()); err != nil {
				logging.Error(resumerComponent, "sweep failed", "error", err)
			} else if n > 0 {
				logging.Info(resumerComponent, "resumed chains", "count", n)
			}
			if err := r.locks.Release(ctx, r.lockKey, r.owner); err != nil {
				logging.Error(resumerComponent, "sweep lock release failed", "error", err)
			}
		}
	}
}
