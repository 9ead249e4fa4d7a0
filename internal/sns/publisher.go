// Package sns publishes read events to an SNS topic for downstream
// consumers such as analytics.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/JuyeonYu/readit/internal/reads"
)

// EventMessageRead is the only event type published today.
const EventMessageRead = "message.read"

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes read notices to one topic.
type Publisher struct {
	client   API
	topicARN string
	now      func() time.Time
}

// Message is the SNS message body.
type Message struct {
	Event      string           `json:"event"`
	OccurredAt time.Time        `json:"occurred_at"`
	Data       reads.ReadNotice `json:"data"`
}

// NewPublisher creates an SNS publisher for the given topic. A non-empty
// endpoint overrides the service URL, for LocalStack.
func NewPublisher(ctx context.Context, topicARN, region, endpoint string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewPublisherWithClient(client, topicARN), nil
}

func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, now: time.Now}
}

// PublishRead implements reads.Publisher.
func (p *Publisher) PublishRead(ctx context.Context, notice reads.ReadNotice) error {
	payload, err := json.Marshal(Message{
		Event:      EventMessageRead,
		OccurredAt: p.now().UTC(),
		Data:       notice,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventMessageRead),
			},
			"owner_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notice.OwnerID.String()),
			},
		},
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}
