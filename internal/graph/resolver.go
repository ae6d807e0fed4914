package graph

import (
	"context"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/machinebox/graphql"
	"github.com/rs/zerolog"

	"DelegateLedger/internal/event"
	"DelegateLedger/internal/observability"
)

// balanceScale is the fixed-point scale of subgraph balances (18 decimals).
var balanceScale = big.NewFloat(1e18)

const delegateQuery = `
	query GetDelegateData($delegateId: String!) {
		delegate(id: $delegateId) {
			id
			latestBalance
		}
	}`

// Resolver answers point lookups of a delegate's current raw balance against
// the governance subgraph. It is stateless and uncached: every call is a
// fresh query, and concurrent calls for distinct delegates are independent.
type Resolver struct {
	client  *graphql.Client
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewResolver(subgraphURL string, log zerolog.Logger, metrics *observability.Metrics) *Resolver {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &Resolver{
		client:  graphql.NewClient(subgraphURL, graphql.WithHTTPClient(httpClient)),
		log:     log,
		metrics: metrics,
	}
}

type delegateResponse struct {
	Delegate *struct {
		ID            string `json:"id"`
		LatestBalance string `json:"latestBalance"`
	} `json:"delegate"`
}

// Resolve returns the delegate's current voting power in whole-token units.
// Any failure (network error, malformed response, unknown identifier) is
// reported as found=false rather than an error: the caller decides whether a
// missing answer is fatal for its reconciliation, and a missing answer must
// never be mistaken for a zero balance.
func (r *Resolver) Resolve(ctx context.Context, id string) (float64, bool) {
	id = event.NormalizeID(id)

	// Failed and not-found lookups cost latency too; measure every call.
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ResolveDuration.Observe(time.Since(start).Seconds())
		}
	}()

	req := graphql.NewRequest(delegateQuery)
	req.Var("delegateId", id)

	var resp delegateResponse
	if err := r.client.Run(ctx, req, &resp); err != nil {
		if r.metrics != nil {
			r.metrics.ResolveErrors.Inc()
		}
		r.log.Warn().Err(err).Str("delegate", id).Msg("subgraph lookup failed")
		return 0, false
	}

	if resp.Delegate == nil {
		if r.metrics != nil {
			r.metrics.ResolveNotFound.Inc()
		}
		r.log.Debug().Str("delegate", id).Msg("delegate unknown to subgraph")
		return 0, false
	}

	vp, ok := parseBalance(resp.Delegate.LatestBalance)
	if !ok {
		if r.metrics != nil {
			r.metrics.ResolveErrors.Inc()
		}
		r.log.Warn().
			Str("delegate", id).
			Str("latest_balance", resp.Delegate.LatestBalance).
			Msg("malformed balance in subgraph response")
		return 0, false
	}

	return vp, true
}

// parseBalance converts a raw fixed-point balance string into whole-token
// units. big.Float keeps precision through the 10^18 division; the final
// float64 is what the ledger stores.
func parseBalance(raw string) (float64, bool) {
	f, ok := new(big.Float).SetString(raw)
	if !ok {
		return 0, false
	}

	vp, _ := new(big.Float).Quo(f, balanceScale).Float64()
	if math.IsNaN(vp) || math.IsInf(vp, 0) || vp < 0 {
		return 0, false
	}
	return vp, true
}
