package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
)

// ProtectedTransport wraps any dispatch.Transport with a CircuitBreaker.
// When the downstream delivery service (SES, SNS, push relay) starts
// failing, the circuit opens and batches fail fast instead of piling up.
//
// This is the Decorator pattern — transparently adds resilience
// without modifying the underlying transport implementation.
type ProtectedTransport struct {
	transport dispatch.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps a transport with circuit breaker protection.
func NewProtectedTransport(transport dispatch.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

// Send attempts to deliver a batch through the circuit breaker.
// If the circuit is open, returns ErrCircuitOpen immediately (fail fast).
// A transport-level error trips the breaker; per-recipient failures in
// the outcomes do not, since the downstream itself responded.
func (p *ProtectedTransport) Send(ctx context.Context, batch []*db.Recipient, payload dispatch.Payload) ([]dispatch.Outcome, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected batch, failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("campaign_id", payload.CampaignID.String()),
			zap.Int("recipients", len(batch)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	outcomes, err := p.transport.Send(ctx, batch, payload)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return nil, err
	}

	p.breaker.RecordSuccess()
	return outcomes, nil
}

// SupportsChannel delegates to the underlying transport.
func (p *ProtectedTransport) SupportsChannel(channel string) bool {
	return p.transport.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
