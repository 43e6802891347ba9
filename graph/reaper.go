package graph

import (
	"context"
	"errors"
	"time"
)

// Reaper abandons suspended instances whose checkpoints outlived their TTL.
//
// Resume already rejects stale checkpoints on arrival; the reaper makes sure
// instances nobody ever answers are failed too, so they show up in metrics
// and outcome records instead of waiting forever.
type Reaper struct {
	exec  *Executor
	batch int
}

// NewReaper creates a Reaper sweeping at most batch checkpoints per pass.
// A batch below 1 uses 100.
func NewReaper(exec *Executor, batch int) *Reaper {
	if batch < 1 {
		batch = 100
	}
	return &Reaper{exec: exec, batch: batch}
}

// Sweep abandons every expired checkpoint and returns how many it abandoned.
// Checkpoints claimed by a live resume are skipped; claims older than the
// executor's claim lease are abandoned with the rest.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	e := r.exec
	abandoned := 0
	for {
		now := e.cfg.clock()
		expired, err := e.store.ExpiredCheckpoints(ctx, now, e.cfg.staleClaimBefore(now), r.batch)
		if err != nil {
			return abandoned, err
		}
		if len(expired) == 0 {
			return abandoned, nil
		}

		progressed := false
		for _, cp := range expired {
			if err := ctx.Err(); err != nil {
				return abandoned, err
			}
			unlock := e.tokens.lock(cp.Token)
			_, err := e.abandon(ctx, cp, now)
			unlock()

			var stale *StaleCheckpointError
			switch {
			case errors.As(err, &stale):
				abandoned++
				progressed = true
			case errors.Is(err, ErrResumeInProgress), errors.Is(err, ErrCheckpointNotFound):
				continue
			default:
				return abandoned, err
			}
		}
		if !progressed || len(expired) < r.batch {
			return abandoned, nil
		}
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.exec.cfg.logger.Error("checkpoint sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.exec.cfg.logger.Info("abandoned stale checkpoints", "count", n)
			}
		}
	}
}
