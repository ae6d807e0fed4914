package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"DelegateLedger/internal/event"
	"DelegateLedger/internal/ledger"
	"DelegateLedger/internal/observability"
)

// LedgerStore is the durable voting-power ledger, one row per delegate.
// It is the single source of truth: there is no shadow in-memory copy of the
// delegate table anywhere in the process.
//
// Writers to the same delegate are serialized by the reconciliation
// controller; the store itself only guarantees that each statement is atomic.
type LedgerStore struct {
	db       *sql.DB
	pageSize int
	log      zerolog.Logger
	metrics  *observability.Metrics
}

// Connect opens the Postgres pool and verifies the connection.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// NewLedgerStore wraps an open pool. pageSize bounds the number of rows
// touched by a single bulk-update statement.
func NewLedgerStore(db *sql.DB, pageSize int, log zerolog.Logger, metrics *observability.Metrics) *LedgerStore {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &LedgerStore{db: db, pageSize: pageSize, log: log, metrics: metrics}
}

// UpsertBalance creates or updates exactly one delegate's raw balance.
// A new record starts with share 0 until the next normalization pass; an
// existing record keeps its share: the balance write must never clobber a
// derived field it does not own.
func (s *LedgerStore) UpsertBalance(ctx context.Context, id string, votingPower float64) error {
	id = event.NormalizeID(id)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegates (delegate_id, voting_power, share_percent, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (delegate_id) DO UPDATE
		SET voting_power = EXCLUDED.voting_power,
		    updated_at   = NOW()
	`, id, votingPower)
	if err != nil {
		if s.metrics != nil {
			s.metrics.StoreErrors.WithLabelValues("upsert").Inc()
		}
		return fmt.Errorf("upsert balance %s: %w", id, err)
	}
	return nil
}

// ReadAll returns the full delegate table. Snapshot isolation is not
// required: the caller treats each normalization pass as a best-effort
// snapshot, not a transaction.
func (s *LedgerStore) ReadAll(ctx context.Context) ([]ledger.Delegate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT delegate_id, voting_power, share_percent, updated_at
		FROM delegates
	`)
	if err != nil {
		if s.metrics != nil {
			s.metrics.StoreErrors.WithLabelValues("read_all").Inc()
		}
		return nil, fmt.Errorf("read all delegates: %w", err)
	}
	defer rows.Close()

	var records []ledger.Delegate
	for rows.Next() {
		var d ledger.Delegate
		if err := rows.Scan(&d.ID, &d.VotingPower, &d.SharePercent, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delegate: %w", err)
		}
		records = append(records, d)
	}
	return records, rows.Err()
}

// ReadOne returns a single delegate record, with found=false when the
// identifier is unknown.
func (s *LedgerStore) ReadOne(ctx context.Context, id string) (*ledger.Delegate, bool, error) {
	id = event.NormalizeID(id)

	var d ledger.Delegate
	err := s.db.QueryRowContext(ctx, `
		SELECT delegate_id, voting_power, share_percent, updated_at
		FROM delegates
		WHERE delegate_id = $1
	`, id).Scan(&d.ID, &d.VotingPower, &d.SharePercent, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.StoreErrors.WithLabelValues("read_one").Inc()
		}
		return nil, false, fmt.Errorf("read delegate %s: %w", id, err)
	}
	return &d, true, nil
}

// BulkSetShares applies a full set of share updates in pageSize chunks.
// A failed chunk is logged and counted but does not abort the pass; partial
// application is acceptable because the next triggering event recomputes the
// whole table anyway. The returned error is non-nil only when no chunk could
// be applied at all.
func (s *LedgerStore) BulkSetShares(ctx context.Context, shares map[string]float64) (updated, failed int, err error) {
	if len(shares) == 0 {
		return 0, 0, nil
	}

	// Deterministic chunking keeps retries and logs stable.
	ids := make([]string, 0, len(shares))
	for id := range shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var firstErr error
	for start := 0; start < len(ids); start += s.pageSize {
		end := start + s.pageSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		n, chunkErr := s.setSharesChunk(ctx, chunk, shares)
		if chunkErr != nil {
			if firstErr == nil {
				firstErr = chunkErr
			}
			failed += len(chunk)
			if s.metrics != nil {
				s.metrics.StoreErrors.WithLabelValues("bulk_shares").Inc()
				s.metrics.ShareWriteErrors.Add(float64(len(chunk)))
			}
			s.log.Warn().Err(chunkErr).Int("rows", len(chunk)).Msg("share chunk update failed")
			continue
		}
		updated += n
	}

	if s.metrics != nil {
		s.metrics.SharesUpdated.Add(float64(updated))
	}
	if updated == 0 && failed > 0 {
		return 0, failed, fmt.Errorf("bulk share update applied nothing: %w", firstErr)
	}
	return updated, failed, nil
}

// setSharesChunk updates one page of rows in a single statement:
// UPDATE ... FROM (VALUES ...) joined on delegate_id.
func (s *LedgerStore) setSharesChunk(ctx context.Context, ids []string, shares map[string]float64) (int, error) {
	values := make([]string, 0, len(ids))
	args := make([]interface{}, 0, len(ids)*2)

	for i, id := range ids {
		base := i * 2
		values = append(values, fmt.Sprintf("($%d::text, $%d::float8)", base+1, base+2))
		args = append(args, id, shares[id])
	}

	query := `
		UPDATE delegates AS d
		SET share_percent = v.share_percent,
		    updated_at    = NOW()
		FROM (VALUES ` + strings.Join(values, ", ") + `) AS v(delegate_id, share_percent)
		WHERE d.delegate_id = v.delegate_id
	`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
