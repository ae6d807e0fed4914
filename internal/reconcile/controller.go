package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"DelegateLedger/internal/event"
	"DelegateLedger/internal/ledger"
	"DelegateLedger/internal/observability"
)

// RunState is the per-notification reconciliation state machine.
type RunState int32

const (
	StateReceived RunState = iota
	StateResolving
	StatePersisting
	StateNormalizing
	StateConfirmed
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateResolving:
		return "resolving"
	case StatePersisting:
		return "persisting"
	case StateNormalizing:
		return "normalizing"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Resolver answers point balance lookups. found=false covers both unknown
// identifiers and lookup failures; the controller treats them the same way.
type Resolver interface {
	Resolve(ctx context.Context, id string) (votingPower float64, found bool)
}

// Store is the ledger persistence consumed by the controller.
// BulkSetShares tolerates partial application: failed counts rows whose
// update did not land, and err is non-nil only when nothing was applied.
type Store interface {
	UpsertBalance(ctx context.Context, id string, votingPower float64) error
	ReadAll(ctx context.Context) ([]ledger.Delegate, error)
	ReadOne(ctx context.Context, id string) (*ledger.Delegate, bool, error)
	BulkSetShares(ctx context.Context, shares map[string]float64) (updated, failed int, err error)
}

// Result summarizes one finished reconciliation for downstream consumers.
type Result struct {
	RunID       uuid.UUID `json:"run_id"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	State       string    `json:"state"`
	Affected    []string  `json:"affected"`
	Persisted   int       `json:"persisted"`
	SharesSet   int       `json:"shares_set"`
	DurationMs  int64     `json:"duration_ms"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Controller runs one reconciliation per delegation-change notification:
// resolve the affected delegates' balances in parallel, persist them, run a
// full-table normalization pass, and read the affected records back for the
// log. Notifications are handled one at a time in delivery order; the
// per-delegate locks additionally serialize balance writes against the
// resync loop, which shares them.
type Controller struct {
	resolver Resolver
	store    Store
	locks    *KeyedMutex
	seen     *seenCache
	results  chan<- Result // nil disables outbound publishing
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewController(
	resolver Resolver,
	store Store,
	locks *KeyedMutex,
	dedupCapacity int,
	results chan<- Result,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Controller {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &Controller{
		resolver: resolver,
		store:    store,
		locks:    locks,
		seen:     newSeenCache(dedupCapacity),
		results:  results,
		log:      log,
		metrics:  metrics,
	}
}

// Handle processes a single notification end to end. The returned error is
// non-nil only for runs that terminated in the failed state; the ledger is
// left in whatever partially-applied state existed at the point of failure,
// to be superseded by the next completed normalization pass.
func (c *Controller) Handle(ctx context.Context, evt *event.DelegationChanged) error {
	start := time.Now()
	runID := uuid.New()

	logger := c.log.With().
		Str("run_id", runID.String()).
		Str("tx", evt.TxHash).
		Uint64("block", evt.BlockNumber).
		Logger()

	if c.seen.Contains(evt.IdempotencyKey()) {
		if c.metrics != nil {
			c.metrics.ReconcileRuns.WithLabelValues("duplicate").Inc()
		}
		logger.Debug().Msg("duplicate notification skipped")
		return nil
	}

	logger.Info().
		Str("delegator", evt.Delegator).
		Str("from", evt.FromDelegate).
		Str("to", evt.ToDelegate).
		Msg("delegation change received")

	ids := evt.Affected()
	if len(ids) == 0 {
		// Nothing balance-bearing in this notification.
		c.seen.Add(evt.IdempotencyKey())
		return nil
	}

	// RESOLVING: parallel lookups, joined before persisting.
	balances, found := c.resolveAll(ctx, ids)
	if ctx.Err() != nil {
		return c.fail(logger, runID, evt, ids, StateResolving, start, ctx.Err())
	}

	// PERSISTING: per-identifier upserts, serialized per delegate.
	// A missing external answer never erases known state: unresolved
	// identifiers are skipped, not zeroed.
	persisted := 0
	storeErrs := 0
	for i, id := range ids {
		if !found[i] {
			logger.Info().Str("delegate", id).Msg("balance unresolved, keeping stored state")
			continue
		}

		unlock := c.locks.Lock(id)
		err := c.store.UpsertBalance(ctx, id, balances[i])
		unlock()
		if err != nil {
			// This identifier's update is abandoned; updates already
			// applied for the other identifier are not rolled back.
			storeErrs++
			logger.Error().Err(err).Str("delegate", id).Msg("balance upsert failed")
			continue
		}
		persisted++
		logger.Info().
			Str("delegate", id).
			Float64("voting_power", balances[i]).
			Msg("balance persisted")
	}
	if c.metrics != nil {
		c.metrics.BalancesPersisted.Add(float64(persisted))
	}
	if persisted == 0 && storeErrs > 0 {
		return c.fail(logger, runID, evt, ids, StatePersisting, start,
			fmt.Errorf("no balance update could be persisted (%d errors)", storeErrs))
	}

	// NORMALIZING: full-table recompute, then bulk share write.
	sharesSet, err := c.normalize(ctx)
	if err != nil {
		return c.fail(logger, runID, evt, ids, StateNormalizing, start, err)
	}

	// CONFIRMED: read the affected records back. Observability only; a
	// failed read-back is logged, never fatal.
	for _, id := range ids {
		rec, ok, err := c.store.ReadOne(ctx, id)
		if err != nil {
			logger.Warn().Err(err).Str("delegate", id).Msg("confirmation read failed")
			continue
		}
		if !ok {
			logger.Debug().Str("delegate", id).Msg("no stored record for delegate")
			continue
		}
		logger.Info().
			Str("delegate", rec.ID).
			Float64("voting_power", rec.VotingPower).
			Str("share", fmt.Sprintf("%.5f%%", rec.SharePercent)).
			Msg("delegate reconciled")
	}

	c.seen.Add(evt.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.ReconcileRuns.WithLabelValues("confirmed").Inc()
		c.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}

	c.emit(Result{
		RunID:       runID,
		TxHash:      evt.TxHash,
		BlockNumber: evt.BlockNumber,
		State:       StateConfirmed.String(),
		Affected:    ids,
		Persisted:   persisted,
		SharesSet:   sharesSet,
		DurationMs:  time.Since(start).Milliseconds(),
		FinishedAt:  time.Now(),
	})
	return nil
}

// resolveAll looks up every identifier concurrently and joins the results.
// Lookups never abort the group: each answer is independent.
func (c *Controller) resolveAll(ctx context.Context, ids []string) ([]float64, []bool) {
	balances := make([]float64, len(ids))
	found := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			balances[i], found[i] = c.resolver.Resolve(gctx, id)
			return nil
		})
	}
	g.Wait()

	return balances, found
}

// normalize recomputes every delegate's share from the current table and
// applies the result. Partial bulk application is tolerated: the next
// triggering event recomputes the full table again, healing the gap.
func (c *Controller) normalize(ctx context.Context) (int, error) {
	start := time.Now()

	records, err := c.store.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read ledger for normalization: %w", err)
	}

	shares := ledger.ComputeShares(records)

	updated, failed, err := c.store.BulkSetShares(ctx, shares)
	if err != nil {
		return 0, fmt.Errorf("apply shares: %w", err)
	}
	if failed > 0 {
		c.log.Warn().
			Int("updated", updated).
			Int("failed", failed).
			Msg("share update partially applied, next pass will self-heal")
	}

	if c.metrics != nil {
		c.metrics.NormalizeDuration.Observe(time.Since(start).Seconds())
		c.metrics.NormalizeRecords.Set(float64(len(records)))
	}
	return updated, nil
}

func (c *Controller) fail(
	logger zerolog.Logger,
	runID uuid.UUID,
	evt *event.DelegationChanged,
	ids []string,
	stage RunState,
	start time.Time,
	err error,
) error {
	if c.metrics != nil {
		c.metrics.ReconcileRuns.WithLabelValues("failed").Inc()
		c.metrics.ReconcileFailures.WithLabelValues(stage.String()).Inc()
	}
	logger.Error().Err(err).
		Str("stage", stage.String()).
		Str("delegator", evt.Delegator).
		Str("from", evt.FromDelegate).
		Str("to", evt.ToDelegate).
		Msg("reconciliation failed")

	c.emit(Result{
		RunID:       runID,
		TxHash:      evt.TxHash,
		BlockNumber: evt.BlockNumber,
		State:       StateFailed.String(),
		Affected:    ids,
		DurationMs:  time.Since(start).Milliseconds(),
		FinishedAt:  time.Now(),
	})
	return fmt.Errorf("reconcile %s at %s: %w", evt.IdempotencyKey(), stage, err)
}

// emit hands a result to the outbound publisher without blocking: results
// are informational and downstream consumers can always re-read the ledger.
func (c *Controller) emit(r Result) {
	if c.results == nil {
		return
	}
	select {
	case c.results <- r:
	default:
		if c.metrics != nil {
			c.metrics.ResultDrops.Inc()
		}
	}
}
