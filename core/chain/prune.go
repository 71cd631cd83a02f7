package chain

import (
	"context"
	"errors"
	"time"

	"github.com/haywire-io/haywire/core/infra/locks"
	"github.com/haywire-io/haywire/core/infra/logging"
	"github.com/haywire-io/haywire/core/infra/metrics"
)

const prunerComponent = "chain-pruner"

// Pruner deletes terminal chains past the retention window. Steps are already
// deleted by the advance engine at terminal transitions, so this is
// bookkeeping cleanup of the chain rows themselves.
type Pruner struct {
	store     *RedisStore
	locks     locks.Store
	retention time.Duration
	interval  time.Duration
	metrics   metrics.Metrics
	lockKey   string
	owner     string
}

func NewPruner(store *RedisStore, lockStore locks.Store, retention, interval time.Duration) *Pruner {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		store:     store,
		locks:     lockStore,
		retention: retention,
		interval:  interval,
		metrics:   metrics.Noop{},
		lockKey:   "sweep:prune",
		owner:     "pruner-" + time.Now().UTC().Format("20060102150405.000"),
	}
}

// WithMetrics sets the metrics sink.
func (p *Pruner) WithMetrics(m metrics.Metrics) *Pruner {
	if m != nil {
		p.metrics = m
	}
	return p
}

// Prune deletes terminal chains whose last transition predates now minus the
// retention window. It returns the number of chains deleted.
func (p *Pruner) Prune(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-p.retention)
	ids, err := p.store.ListPrunable(ctx, cutoff, 0)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, id := range ids {
		if err := p.store.DeleteChain(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			logging.Error(prunerComponent, "prune failed", "chain_id", id, "error", err)
			continue
		}
		pruned++
	}
	p.metrics.AddChainsPruned(pruned)
	return pruned, nil
}

// Start runs the prune loop until the context is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.locks.Acquire(ctx, p.lockKey, p.owner, p.interval*2)
			if err != nil {
				logging.Error(prunerComponent, "prune lock acquisition failed", "error", err)
				continue
			}
			if !ok {
				continue
			}
			if n, err := p.Prune(ctx, time.Now().UTC()); err != nil {
				logging.Error(prunerComponent, "prune failed", "error", err)
			} else if n > 0 {
				logging.Info(prunerComponent, "pruned chains", "count", n)
			}
			if err := p.locks.Release(ctx, p.lockKey, p.owner); err != nil {
				logging.Error(prunerComponent, "prune lock release failed", "error", err)
			}
		}
	}
}
