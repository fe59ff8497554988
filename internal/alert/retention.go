package alert

import (
	"context"
	"time"

	"signal-engine/internal/logging"
	"signal-engine/internal/metrics"
)

// Retention deletes token state not seen for TTL and drops the matching
// in-memory history.
type Retention struct {
	store  Pruner
	engine *Engine
	ttl    time.Duration
	now    func() time.Time
}

func NewRetention(store Pruner, engine *Engine, ttl time.Duration) *Retention {
	return &Retention{store: store, engine: engine, ttl: ttl, now: time.Now}
}

// Sweep returns the number of pruned tokens. Tokens re-observed after
// being listed as stale are kept.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	if r.ttl <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-r.ttl)
	stale, err := r.store.StaleTokens(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, token := range stale {
		var removed bool
		if r.engine != nil {
			removed, err = r.engine.prune(ctx, r.store, token, cutoff)
		} else {
			removed, err = r.store.Prune(ctx, token, cutoff)
		}
		if err != nil {
			return pruned, err
		}
		if removed {
			pruned++
		}
	}
	if n, err := r.store.Count(ctx); err == nil {
		metrics.TrackedTokens.Set(float64(n))
	}
	if pruned > 0 {
		logging.Infof("retention: pruned %d tokens not seen for %s", pruned, r.ttl)
	}
	return pruned, nil
}
