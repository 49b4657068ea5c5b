// Package dispatch implements the campaign dispatch engine: validation,
// the atomic status transition that serializes sends, audience fan-out in
// bounded batches through a transport collaborator, per-recipient outcome
// recording, and read-side send stats.
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// Payload is the rendered campaign message handed to a transport.
type Payload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	ImageURL   string    `json:"image_url,omitempty"`
	ActionURL  string    `json:"action_url,omitempty"`
}

// Outcome is the per-recipient result of one transport call.
type Outcome struct {
	SubscriberID uuid.UUID
	Status       string // db.DeliveryDelivered or db.DeliveryFailed
	Reason       string
}

// Transport delivers one batch and reports per-recipient outcomes. It is
// treated as an opaque, possibly-partially-failing remote call: a non-nil
// error means the whole batch failed; otherwise every recipient should
// appear in the returned outcomes.
type Transport interface {
	Send(ctx context.Context, batch []*db.Recipient, payload Payload) ([]Outcome, error)
	SupportsChannel(channel string) bool
}

// MultiTransport routes each recipient to the first transport supporting
// its channel. Recipients on a channel nobody supports come back failed,
// not dropped.
type MultiTransport struct {
	transports []Transport
	logger     *zap.Logger
}

// NewMultiTransport creates a channel router over the given transports.
func NewMultiTransport(logger *zap.Logger, transports ...Transport) *MultiTransport {
	return &MultiTransport{transports: transports, logger: logger}
}

// Send splits the batch by channel and forwards each sub-batch. A
// sub-batch transport error is folded into failed outcomes so the other
// channels' results survive.
func (m *MultiTransport) Send(ctx context.Context, batch []*db.Recipient, payload Payload) ([]Outcome, error) {
	byTransport := make(map[Transport][]*db.Recipient)
	outcomes := make([]Outcome, 0, len(batch))

	for _, rec := range batch {
		t := m.transportFor(rec.Channel)
		if t == nil {
			outcomes = append(outcomes, Outcome{
				SubscriberID: rec.SubscriberID,
				Status:       db.DeliveryFailed,
				Reason:       fmt.Sprintf("no transport for channel %q", rec.Channel),
			})
			continue
		}
		byTransport[t] = append(byTransport[t], rec)
	}

	for t, sub := range byTransport {
		subOutcomes, err := t.Send(ctx, sub, payload)
		if err != nil {
			m.logger.Warn("transport sub-batch failed",
				zap.Int("recipients", len(sub)),
				zap.Error(err),
			)
			for _, rec := range sub {
				outcomes = append(outcomes, Outcome{
					SubscriberID: rec.SubscriberID,
					Status:       db.DeliveryFailed,
					Reason:       err.Error(),
				})
			}
			continue
		}
		outcomes = append(outcomes, subOutcomes...)
	}
	return outcomes, nil
}

// SupportsChannel reports whether any underlying transport handles it.
func (m *MultiTransport) SupportsChannel(channel string) bool {
	return m.transportFor(channel) != nil
}

func (m *MultiTransport) transportFor(channel string) Transport {
	for _, t := range m.transports {
		if t.SupportsChannel(channel) {
			return t
		}
	}
	return nil
}

// LogTransport delivers nothing and reports everything delivered. Used in
// development and tests.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, batch []*db.Recipient, payload Payload) ([]Outcome, error) {
	outcomes := make([]Outcome, len(batch))
	for i, rec := range batch {
		t.logger.Info("delivering notification (development mode)",
			zap.String("campaign_id", payload.CampaignID.String()),
			zap.String("subscriber_id", rec.SubscriberID.String()),
			zap.String("channel", rec.Channel),
		)
		outcomes[i] = Outcome{SubscriberID: rec.SubscriberID, Status: db.DeliveryDelivered}
	}
	return outcomes, nil
}

func (t *LogTransport) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebPush || channel == db.ChannelMobile || channel == db.ChannelEmail
}
