// Package sqs carries dispatch jobs through an SQS queue so notification
// delivery survives restarts and runs apart from the read path.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/notify"
	"github.com/JuyeonYu/readit/internal/worker"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service URL, for LocalStack.
	Endpoint string
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer sends dispatch jobs to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized", zap.String("queue_url", queueURL))
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue sends a job for asynchronous processing.
func (p *Producer) Enqueue(ctx context.Context, job notify.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("message_id", job.MessageID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// Consumer long-polls SQS for dispatch jobs. It implements worker.JobSource.
type Consumer struct {
	client            API
	queueURL          string
	logger            *zap.Logger
	batchSize         int32
	waitSeconds       int32
	visibilitySeconds int32
}

func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized", zap.String("queue_url", queueURL))
	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		logger:            logger,
		batchSize:         10,
		waitSeconds:       20,
		visibilitySeconds: 60,
	}
}

// Receive returns up to ten jobs. Bodies that do not decode are deleted
// so they stop redelivering.
func (c *Consumer) Receive(ctx context.Context) ([]worker.Envelope, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.batchSize,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	envs := make([]worker.Envelope, 0, len(result.Messages))
	for _, m := range result.Messages {
		receipt := aws.ToString(m.ReceiptHandle)
		var job notify.Job
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &job); err != nil {
			c.logger.Error("failed to unmarshal job, deleting", zap.Error(err), zap.String("sqs_message_id", aws.ToString(m.MessageId)))
			if derr := c.delete(ctx, receipt); derr != nil {
				c.logger.Warn("failed to delete malformed message", zap.Error(derr))
			}
			continue
		}
		envs = append(envs, worker.Envelope{Job: job, Receipt: receipt})
	}
	return envs, nil
}

// Ack deletes a processed message.
func (c *Consumer) Ack(ctx context.Context, env worker.Envelope) error {
	return c.delete(ctx, env.Receipt)
}

func (c *Consumer) delete(ctx context.Context, receipt string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility extends the visibility timeout for a message.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
