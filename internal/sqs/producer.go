// Package sqs carries campaign dispatch jobs between the API and the
// queue worker. A job is just a pointer at a campaign; the worker
// re-reads campaign state from the database when it picks the job up.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	DLQURL   string
}

// DispatchJob is the payload sent to SQS when a campaign send is
// requested asynchronously.
type DispatchJob struct {
	CampaignID string `json:"campaign_id"`
	MerchantID string `json:"merchant_id"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Producer enqueues dispatch jobs.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// EnqueueDispatch queues a campaign send for asynchronous processing.
// Returns the message ID for tracking.
func (p *Producer) EnqueueDispatch(ctx context.Context, campaignID, merchantID string) (string, error) {
	job := DispatchJob{
		CampaignID: campaignID,
		MerchantID: merchantID,
		Attempt:    0,
		EnqueuedAt: time.Now().UnixNano(),
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dispatch job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send dispatch job to sqs",
			zap.Error(err),
			zap.String("campaign_id", campaignID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}

// Close closes the SQS producer.
func (p *Producer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}

// Consumer reads dispatch jobs from SQS.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	dlqURL   string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		dlqURL:   cfg.DLQURL,
		logger:   logger,
	}, nil
}

// ReceiveJob retrieves a dispatch job from SQS with long polling.
func (c *Consumer) ReceiveJob(ctx context.Context) (*DispatchJob, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   120,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msgData := result.Messages[0]

	var job DispatchJob
	if err := json.Unmarshal([]byte(*msgData.Body), &job); err != nil {
		c.logger.Error("failed to unmarshal dispatch job", zap.Error(err))
		return nil, "", fmt.Errorf("invalid message format: %w", err)
	}

	return &job, *msgData.ReceiptHandle, nil
}

// DeleteJob removes a job from SQS after successful processing.
func (c *Consumer) DeleteJob(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// DeadLetter moves an unprocessable job to the dead-letter queue so it
// can be inspected later. No-op when no DLQ is configured.
func (c *Consumer) DeadLetter(ctx context.Context, job *DispatchJob) error {
	if c.dlqURL == "" {
		return nil
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.dlqURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := c.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs dead-letter send failed: %w", err)
	}

	c.logger.Warn("dispatch job moved to dead-letter queue",
		zap.String("campaign_id", job.CampaignID),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}

// ChangeVisibility extends the visibility timeout for a job still being
// processed.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	_, err := c.client.ChangeMessageVisibility(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}

// Close closes the SQS consumer.
func (c *Consumer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
