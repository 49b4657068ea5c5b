package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// SESTransport delivers campaign messages to email subscribers via AWS SES.
type SESTransport struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESTransport(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESTransport{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send emails the campaign message to each recipient. Per-recipient SES
// errors become failed outcomes; only a cancelled or expired context
// aborts the batch.
func (t *SESTransport) Send(ctx context.Context, batch []*db.Recipient, payload Payload) ([]Outcome, error) {
	body := payload.Body
	if payload.ActionURL != "" {
		body = fmt.Sprintf("%s\n\n%s", payload.Body, payload.ActionURL)
	}

	outcomes := make([]Outcome, 0, len(batch))
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rec.Email == "" {
			outcomes = append(outcomes, Outcome{
				SubscriberID: rec.SubscriberID,
				Status:       db.DeliveryFailed,
				Reason:       "missing email address",
			})
			continue
		}

		input := &ses.SendEmailInput{
			Source: aws.String(t.from),
			Destination: &types.Destination{
				ToAddresses: []string{rec.Email},
			},
			Message: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(payload.Title),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		}
		result, err := t.client.SendEmail(ctx, input)
		if err != nil {
			outcomes = append(outcomes, Outcome{
				SubscriberID: rec.SubscriberID,
				Status:       db.DeliveryFailed,
				Reason:       err.Error(),
			})
			continue
		}

		outcomes = append(outcomes, Outcome{SubscriberID: rec.SubscriberID, Status: db.DeliveryDelivered})
		t.logger.Debug("email sent via SES",
			zap.String("subscriber_id", rec.SubscriberID.String()),
			zap.String("message_id", aws.ToString(result.MessageId)),
		)
	}
	return outcomes, nil
}

// SupportsChannel checks if this transport supports the email channel
func (t *SESTransport) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
