package ledger

import "time"

// Delegate is one participant record in the voting-power ledger.
// ID is the unique, lower-cased delegate identifier. VotingPower is the raw
// balance in whole-token units, set only from resolved external data.
// SharePercent is derived: it is recomputed by a full-table normalization
// pass whenever any delegate's balance changes, and is never written from
// external input directly.
type Delegate struct {
	ID           string
	VotingPower  float64
	SharePercent float64
	UpdatedAt    time.Time
}
