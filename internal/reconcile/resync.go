package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"DelegateLedger/internal/ledger"
	"DelegateLedger/internal/observability"
)

const resyncResolveParallelism = 8

// Resync periodically re-resolves every stored delegate's balance against
// the indexer and re-normalizes, catching drift from notifications the
// process never saw. Disabled when the interval is zero or negative.
type Resync struct {
	resolver Resolver
	store    Store
	locks    *KeyedMutex
	interval time.Duration
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewResync(
	resolver Resolver,
	store Store,
	locks *KeyedMutex,
	interval time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Resync {
	return &Resync{
		resolver: resolver,
		store:    store,
		locks:    locks,
		interval: interval,
		log:      log,
		metrics:  metrics,
	}
}

// Run blocks until ctx is cancelled. Sweep failures are logged and the next
// tick tries again; they never terminate the loop.
func (r *Resync) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.log.Info().Msg("periodic resync disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	r.log.Info().Dur("interval", r.interval).Msg("periodic resync enabled")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				if r.metrics != nil {
					r.metrics.ResyncRuns.WithLabelValues("failed").Inc()
				}
				r.log.Error().Err(err).Msg("resync sweep failed")
				continue
			}
			if r.metrics != nil {
				r.metrics.ResyncRuns.WithLabelValues("ok").Inc()
			}
		}
	}
}

func (r *Resync) sweep(ctx context.Context) error {
	start := time.Now()

	records, err := r.store.ReadAll(ctx)
	if err != nil {
		return err
	}

	var refreshed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resyncResolveParallelism)
	for _, rec := range records {
		g.Go(func() error {
			vp, found := r.resolver.Resolve(gctx, rec.ID)
			if !found {
				return nil
			}
			unlock := r.locks.Lock(rec.ID)
			err := r.store.UpsertBalance(gctx, rec.ID, vp)
			unlock()
			if err != nil {
				r.log.Warn().Err(err).Str("delegate", rec.ID).Msg("resync upsert failed")
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	g.Wait()

	sharesSet, sharesFailed := 0, 0
	if len(records) > 0 {
		all, err := r.store.ReadAll(ctx)
		if err != nil {
			return err
		}
		sharesSet, sharesFailed, err = r.store.BulkSetShares(ctx, ledger.ComputeShares(all))
		if err != nil {
			return err
		}
		if sharesFailed > 0 {
			r.log.Warn().
				Int("updated", sharesSet).
				Int("failed", sharesFailed).
				Msg("resync share update partially applied")
		}
	}

	r.log.Info().
		Int("records", len(records)).
		Int64("refreshed", refreshed.Load()).
		Int("shares_updated", sharesSet).
		Dur("took", time.Since(start)).
		Msg("resync sweep complete")

	if r.metrics != nil {
		r.metrics.ResyncDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}
