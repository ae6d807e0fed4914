package event

import (
	"fmt"
	"strings"
)

// DelegationChanged is a typed delegation-change notification decoded from
// the chain transport. Delegator is provenance only; it never carries voting
// power and is never resolved. FromDelegate and ToDelegate are the affected
// participants.
type DelegationChanged struct {
	Delegator    string
	FromDelegate string
	ToDelegate   string

	// Provenance, used for logging and dedup.
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// IdempotencyKey returns the stable dedup key for this notification.
// A log is uniquely identified by its transaction hash and log index.
func (e *DelegationChanged) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// Affected returns the case-normalized set of identifiers whose balance this
// notification may have changed: the from- and to-delegates, deduplicated.
// Self-delegation events yield a single identifier.
func (e *DelegationChanged) Affected() []string {
	from := NormalizeID(e.FromDelegate)
	to := NormalizeID(e.ToDelegate)

	ids := make([]string, 0, 2)
	if from != "" {
		ids = append(ids, from)
	}
	if to != "" && to != from {
		ids = append(ids, to)
	}
	return ids
}

// NormalizeID lower-cases a delegate identifier. Every entry point into the
// ledger goes through this: two identifiers differing only in case must never
// produce two records.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
