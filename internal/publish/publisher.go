package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"DelegateLedger/internal/observability"
	"DelegateLedger/internal/reconcile"
)

const (
	StreamName    = "DELEGATE_LEDGER"
	SubjectPrefix = "delegate.ledger.updates"
)

// Connect dials NATS with unlimited reconnects and wires connection state
// changes into the logger.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Warn().Msg("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", url, err)
	}
	return nc, nil
}

// EnsureStream creates the outbound stream if it does not exist yet.
func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("stream info %s: %w", StreamName, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Publisher drains reconciliation results and publishes each to JetStream
// under a per-outcome subject. Publishing is best effort: consumers that
// need authoritative state read the ledger, not the stream.
type Publisher struct {
	js      nats.JetStreamContext
	results <-chan reconcile.Result
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(
	js nats.JetStreamContext,
	results <-chan reconcile.Result,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Publisher {
	return &Publisher{js: js, results: results, log: log, metrics: metrics}
}

// Run drains the result channel until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-p.results:
			if !ok {
				return nil
			}
			p.publish(r)
		}
	}
}

func (p *Publisher) publish(r reconcile.Result) {
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, r.State)

	payload, err := json.Marshal(r)
	if err != nil {
		p.log.Error().Err(err).Str("run_id", r.RunID.String()).Msg("marshal result")
		return
	}

	if _, err := p.js.Publish(subject, payload); err != nil {
		if p.metrics != nil {
			p.metrics.PublishErrors.Inc()
		}
		p.log.Error().Err(err).
			Str("subject", subject).
			Str("run_id", r.RunID.String()).
			Msg("publish result")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("run_id", r.RunID.String()).
		Msg("result published")
}
