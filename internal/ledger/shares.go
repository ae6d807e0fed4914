package ledger

import "math"

// ComputeShares recomputes every delegate's percentage share of total voting
// power. The pass is always full-table: shares are a zero-sum relationship
// across all delegates, so a localized update would be unsound.
//
// If the total is zero every share is zero, not NaN.
// Non-finite or negative balances (which should never reach storage) are
// excluded from the total and normalize to a zero share, so a single bad
// record cannot poison the whole table with NaN.
//
// Shares are stored unrounded; rounding is a presentation concern. The result
// depends only on the set of records, not their order.
func ComputeShares(records []Delegate) map[string]float64 {
	total := 0.0
	for _, r := range records {
		if !validPower(r.VotingPower) {
			continue
		}
		total += r.VotingPower
	}

	shares := make(map[string]float64, len(records))
	for _, r := range records {
		if total <= 0 || !validPower(r.VotingPower) {
			shares[r.ID] = 0
			continue
		}
		shares[r.ID] = r.VotingPower / total * 100
	}
	return shares
}

func validPower(vp float64) bool {
	return vp >= 0 && !math.IsNaN(vp) && !math.IsInf(vp, 0)
}
