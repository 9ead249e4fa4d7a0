package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"

	"github.com/JuyeonYu/readit/internal/reads"
)

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("id")}, nil
}

var _ reads.Publisher = (*Publisher)(nil)

func TestPublishRead(t *testing.T) {
	client := &fakeSNS{}
	p := NewPublisherWithClient(client, "arn:aws:sns:us-east-1:000000000000:reads")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	notice := reads.ReadNotice{
		MessageID: uuid.New(),
		OwnerID:   uuid.New(),
		Token:     "tok",
		ReadCount: 3,
		ReadAt:    fixed,
	}
	if err := p.PublishRead(context.Background(), notice); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if aws.ToString(client.input.TopicArn) != "arn:aws:sns:us-east-1:000000000000:reads" {
		t.Errorf("unexpected topic %s", aws.ToString(client.input.TopicArn))
	}
	attrs := client.input.MessageAttributes
	if aws.ToString(attrs["event"].StringValue) != EventMessageRead {
		t.Errorf("unexpected event attribute %v", attrs["event"])
	}
	if aws.ToString(attrs["owner_id"].StringValue) != notice.OwnerID.String() {
		t.Errorf("unexpected owner attribute %v", attrs["owner_id"])
	}

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(client.input.Message)), &msg); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if msg.Event != EventMessageRead || msg.Data.ReadCount != 3 || !msg.OccurredAt.Equal(fixed) {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestPublishRead_Error(t *testing.T) {
	p := NewPublisherWithClient(&fakeSNS{err: errors.New("denied")}, "arn")
	if err := p.PublishRead(context.Background(), reads.ReadNotice{}); err == nil {
		t.Error("expected publish error")
	}
}
