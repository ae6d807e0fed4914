package query

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"DelegateLedger/internal/event"
)

// DelegateView is the read-model shape served to clients. Voting power and
// share are rounded for display; the stored values keep full precision.
type DelegateView struct {
	ID           string    `json:"id"`
	VotingPower  float64   `json:"voting_power"`
	SharePercent float64   `json:"share_percent"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Service answers read-only ledger queries.
type Service struct {
	db       *sql.DB
	maxLimit int
	log      zerolog.Logger
}

func NewService(db *sql.DB, maxLimit int, log zerolog.Logger) *Service {
	if maxLimit <= 0 {
		maxLimit = 5000
	}
	return &Service{db: db, maxLimit: maxLimit, log: log}
}

// TopDelegates returns the highest-powered delegates in descending order.
// The limit is clamped to the configured ceiling.
func (s *Service) TopDelegates(ctx context.Context, limit int) ([]DelegateView, error) {
	if limit <= 0 || limit > s.maxLimit {
		limit = s.maxLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT delegate_id, voting_power, share_percent, updated_at
		FROM delegates
		ORDER BY voting_power DESC, delegate_id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top delegates: %w", err)
	}
	defer rows.Close()

	var out []DelegateView
	for rows.Next() {
		var v DelegateView
		if err := rows.Scan(&v.ID, &v.VotingPower, &v.SharePercent, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delegate row: %w", err)
		}
		out = append(out, roundForDisplay(v))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delegate rows: %w", err)
	}
	return out, nil
}

// GetDelegate returns a single delegate's record, or false when the
// identifier has never been observed.
func (s *Service) GetDelegate(ctx context.Context, id string) (*DelegateView, bool, error) {
	id = event.NormalizeID(id)
	if id == "" {
		return nil, false, nil
	}

	var v DelegateView
	err := s.db.QueryRowContext(ctx, `
		SELECT delegate_id, voting_power, share_percent, updated_at
		FROM delegates
		WHERE delegate_id = $1`, id).
		Scan(&v.ID, &v.VotingPower, &v.SharePercent, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query delegate %s: %w", id, err)
	}
	rounded := roundForDisplay(v)
	return &rounded, true, nil
}

func roundForDisplay(v DelegateView) DelegateView {
	v.VotingPower = round(v.VotingPower, 2)
	v.SharePercent = round(v.SharePercent, 5)
	return v
}

func round(x float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(x*pow) / pow
}
