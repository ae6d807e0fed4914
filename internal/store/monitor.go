package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"DelegateLedger/internal/observability"
)

// Monitor supervises the storage connection. database/sql re-establishes
// connections on demand, so the monitor's job is to probe, gate readiness,
// and keep retrying on a fixed delay while the database is unreachable.
// Notifications arriving during an outage fail at the persisting stage;
// nothing is queued on their behalf.
type Monitor struct {
	db         *sql.DB
	health     *observability.HealthChecker
	interval   time.Duration // probe cadence while healthy
	retryDelay time.Duration // fixed delay between attempts while down
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewMonitor(
	db *sql.DB,
	health *observability.HealthChecker,
	interval, retryDelay time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Monitor{
		db:         db,
		health:     health,
		interval:   interval,
		retryDelay: retryDelay,
		log:        log,
		metrics:    metrics,
	}
}

// Run probes the database until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	wasDown := false

	for {
		err := m.ping(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			m.health.SetStorageOK(false)
			if m.metrics != nil {
				m.metrics.StorageReconnects.Inc()
			}
			m.log.Error().Err(err).
				Dur("retry_in", m.retryDelay).
				Msg("storage unreachable, scheduling reconnect")
			wasDown = true

			if !sleep(ctx, m.retryDelay) {
				return ctx.Err()
			}
			continue
		}

		m.health.SetStorageOK(true)
		if wasDown {
			m.log.Info().Msg("storage connection recovered")
			wasDown = false
		}

		if !sleep(ctx, m.interval) {
			return ctx.Err()
		}
	}
}

func (m *Monitor) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.db.PingContext(pctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
