package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// SNSTransport delivers mobile push notifications through AWS SNS
// platform endpoints.
type SNSTransport struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSTransport creates an SNS transport for mobile push delivery
func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSTransport{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes the campaign message to each recipient's platform
// endpoint. Per-recipient publish errors become failed outcomes; only a
// cancelled or expired context aborts the batch.
func (t *SNSTransport) Send(ctx context.Context, batch []*db.Recipient, payload Payload) ([]Outcome, error) {
	message, err := json.Marshal(map[string]string{
		"title":      payload.Title,
		"body":       payload.Body,
		"image_url":  payload.ImageURL,
		"action_url": payload.ActionURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push message: %w", err)
	}

	outcomes := make([]Outcome, 0, len(batch))
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rec.PushToken == "" {
			outcomes = append(outcomes, Outcome{
				SubscriberID: rec.SubscriberID,
				Status:       db.DeliveryFailed,
				Reason:       "missing push token",
			})
			continue
		}

		input := &sns.PublishInput{
			TargetArn: aws.String(rec.PushToken),
			Message:   aws.String(string(message)),
		}
		result, err := t.client.Publish(ctx, input)
		if err != nil {
			outcomes = append(outcomes, Outcome{
				SubscriberID: rec.SubscriberID,
				Status:       db.DeliveryFailed,
				Reason:       err.Error(),
			})
			continue
		}

		outcomes = append(outcomes, Outcome{SubscriberID: rec.SubscriberID, Status: db.DeliveryDelivered})
		t.logger.Debug("push sent via SNS",
			zap.String("subscriber_id", rec.SubscriberID.String()),
			zap.String("message_id", aws.ToString(result.MessageId)),
		)
	}
	return outcomes, nil
}

// SupportsChannel checks if this transport supports mobile push
func (t *SNSTransport) SupportsChannel(channel string) bool {
	return channel == db.ChannelMobile
}
