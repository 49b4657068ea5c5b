package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// WebPushTransport delivers browser push notifications through an HTTP
// relay that holds the VAPID keys and subscription state.
type WebPushTransport struct {
	client   *http.Client
	relayURL string
	logger   *zap.Logger
}

type WebPushConfig struct {
	RelayURL string
	Timeout  time.Duration
}

// NewWebPushTransport creates a web push transport
func NewWebPushTransport(cfg WebPushConfig, logger *zap.Logger) *WebPushTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebPushTransport{
		client:   &http.Client{Timeout: timeout},
		relayURL: cfg.RelayURL,
		logger:   logger,
	}
}

type webPushRequest struct {
	CampaignID uuid.UUID          `json:"campaign_id"`
	Title      string             `json:"title"`
	Body       string             `json:"body"`
	ImageURL   string             `json:"image_url,omitempty"`
	ActionURL  string             `json:"action_url,omitempty"`
	Recipients []webPushRecipient `json:"recipients"`
}

type webPushRecipient struct {
	SubscriberID uuid.UUID `json:"subscriber_id"`
	Token        string    `json:"token"`
}

type webPushResponse struct {
	Results []struct {
		SubscriberID uuid.UUID `json:"subscriber_id"`
		Delivered    bool      `json:"delivered"`
		Reason       string    `json:"reason,omitempty"`
	} `json:"results"`
}

// Send posts the whole batch to the relay in one request. A request
// failure or non-2xx response is a transport error for the batch; the
// relay reports per-recipient results otherwise.
func (t *WebPushTransport) Send(ctx context.Context, batch []*db.Recipient, payload Payload) ([]Outcome, error) {
	reqBody := webPushRequest{
		CampaignID: payload.CampaignID,
		Title:      payload.Title,
		Body:       payload.Body,
		ImageURL:   payload.ImageURL,
		ActionURL:  payload.ActionURL,
		Recipients: make([]webPushRecipient, 0, len(batch)),
	}
	for _, rec := range batch {
		reqBody.Recipients = append(reqBody.Recipients, webPushRecipient{
			SubscriberID: rec.SubscriberID,
			Token:        rec.PushToken,
		})
	}

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.relayURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Beacon/1.0.0")
	req.Header.Set("X-Beacon-Campaign-ID", payload.CampaignID.String())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("push relay returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	var relayResp webPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&relayResp); err != nil {
		return nil, fmt.Errorf("failed to decode push relay response: %w", err)
	}

	outcomes := make([]Outcome, 0, len(relayResp.Results))
	for _, res := range relayResp.Results {
		out := Outcome{SubscriberID: res.SubscriberID, Status: db.DeliveryDelivered}
		if !res.Delivered {
			out.Status = db.DeliveryFailed
			out.Reason = res.Reason
		}
		outcomes = append(outcomes, out)
	}

	t.logger.Debug("push batch delivered to relay",
		zap.String("campaign_id", payload.CampaignID.String()),
		zap.Int("recipients", len(batch)),
		zap.Int("results", len(outcomes)),
	)
	return outcomes, nil
}

// SupportsChannel checks if this transport supports web push
func (t *WebPushTransport) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebPush
}
