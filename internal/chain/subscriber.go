package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"DelegateLedger/internal/event"
	"DelegateLedger/internal/observability"
)

// DelegateChangedTopic is the event signature hash of
// DelegateChanged(address indexed delegator, address indexed fromDelegate,
// address indexed toDelegate) on the governance token contract.
var DelegateChangedTopic = crypto.Keccak256Hash([]byte("DelegateChanged(address,address,address)"))

// Subscriber owns the chain-side half of the connection supervision: it keeps
// a streaming log subscription open against the websocket provider, decodes
// DelegateChanged logs into typed notifications, and re-establishes the
// subscription on error after a fixed delay. Reconnection never replays
// history; it only restores the ability to receive future notifications,
// and notifications already handed to the controller are unaffected.
type Subscriber struct {
	wsURL      string
	contract   common.Address
	out        chan<- *event.DelegationChanged
	retryDelay time.Duration
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewSubscriber(
	wsURL string,
	contract common.Address,
	out chan<- *event.DelegationChanged,
	retryDelay time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Subscriber {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Subscriber{
		wsURL:      wsURL,
		contract:   contract,
		out:        out,
		retryDelay: retryDelay,
		log:        log,
		metrics:    metrics,
	}
}

// Run maintains the subscription until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	first := true
	for {
		if !first {
			if s.metrics != nil {
				s.metrics.SubscriptionReconnects.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
		first = false

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error().Err(err).
			Dur("retry_in", s.retryDelay).
			Msg("chain subscription lost, reconnecting")
	}
}

func (s *Subscriber) runOnce(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, s.wsURL)
	if err != nil {
		return fmt.Errorf("dial provider: %w", err)
	}
	defer client.Close()

	logs := make(chan types.Log, 256)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{DelegateChangedTopic}},
	}

	sub, err := client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()

	s.log.Info().
		Str("contract", s.contract.Hex()).
		Msg("subscribed to DelegateChanged logs")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			return fmt.Errorf("subscription: %w", err)

		case l := <-logs:
			evt, err := DecodeDelegateChanged(l)
			if err != nil {
				if s.metrics != nil {
					s.metrics.NotificationsInvalid.Inc()
				}
				s.log.Warn().Err(err).
					Str("tx", l.TxHash.Hex()).
					Msg("undecodable log on DelegateChanged filter")
				continue
			}

			if s.metrics != nil {
				s.metrics.NotificationsReceived.Inc()
			}

			// Blocking send: the controller processes notifications in
			// delivery order, and backpressure belongs here, not in a
			// buffer that silently grows.
			select {
			case s.out <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// DecodeDelegateChanged extracts a typed notification from a raw log.
// All three parameters are indexed, so the addresses live in topics 1-3 and
// the data segment is empty.
func DecodeDelegateChanged(l types.Log) (*event.DelegationChanged, error) {
	if len(l.Topics) != 4 {
		return nil, fmt.Errorf("expected 4 topics, got %d", len(l.Topics))
	}
	if l.Topics[0] != DelegateChangedTopic {
		return nil, fmt.Errorf("unexpected topic0 %s", l.Topics[0].Hex())
	}

	return &event.DelegationChanged{
		Delegator:    event.NormalizeID(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		FromDelegate: event.NormalizeID(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		ToDelegate:   event.NormalizeID(common.BytesToAddress(l.Topics[3].Bytes()).Hex()),
		TxHash:       l.TxHash.Hex(),
		BlockNumber:  l.BlockNumber,
		LogIndex:     l.Index,
	}, nil
}
