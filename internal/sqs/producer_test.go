package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/notify"
	"github.com/JuyeonYu/readit/internal/worker"
)

// fakeSQS keeps sent bodies and serves them back on receive.
type fakeSQS struct {
	sent     []string
	deleted  []string
	extra    []types.Message
	sendErr  error
	received *sqs.ReceiveMessageInput
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	out := &sqs.ReceiveMessageOutput{}
	for i, body := range f.sent {
		out.Messages = append(out.Messages, types.Message{
			Body:          aws.String(body),
			ReceiptHandle: aws.String("r" + string(rune('0'+i))),
		})
	}
	out.Messages = append(out.Messages, f.extra...)
	return out, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

var _ worker.JobSource = (*Consumer)(nil)

func TestProducerConsumerRoundTrip(t *testing.T) {
	client := &fakeSQS{}
	ctx := context.Background()
	producer := NewProducer(client, "https://sqs.local/q", zap.NewNop())
	consumer := NewConsumer(client, "https://sqs.local/q", zap.NewNop())

	job := notify.Job{MessageID: uuid.New(), ViewerTokenHash: "abc", EnqueuedAt: time.Now().UTC().Truncate(time.Second)}
	if err := producer.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	envs, err := consumer.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envs))
	}
	if envs[0].Job.MessageID != job.MessageID || !envs[0].Job.EnqueuedAt.Equal(job.EnqueuedAt) {
		t.Errorf("job mismatch: got %+v, want %+v", envs[0].Job, job)
	}
	if client.received.WaitTimeSeconds != 20 || client.received.MaxNumberOfMessages != 10 {
		t.Errorf("expected long polling for 10 messages, got %+v", client.received)
	}

	if err := consumer.Ack(ctx, envs[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != envs[0].Receipt {
		t.Errorf("expected ack to delete receipt %s, got %v", envs[0].Receipt, client.deleted)
	}
}

func TestProducerWireFormat(t *testing.T) {
	client := &fakeSQS{}
	producer := NewProducer(client, "q", zap.NewNop())
	id := uuid.New()

	if err := producer.Enqueue(context.Background(), notify.Job{MessageID: id, ViewerTokenHash: "v"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(client.sent[0]), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["message_id"] != id.String() || body["viewer_token_hash"] != "v" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestProducerErrors(t *testing.T) {
	client := &fakeSQS{}
	producer := NewProducer(client, "q", zap.NewNop())

	if err := producer.Enqueue(context.Background(), notify.Job{}); err == nil {
		t.Error("expected invalid job to be rejected")
	}

	client.sendErr = errors.New("throttled")
	if err := producer.Enqueue(context.Background(), notify.Job{MessageID: uuid.New(), ViewerTokenHash: "v"}); err == nil {
		t.Error("expected send error")
	}
}

func TestConsumerDeletesMalformedBodies(t *testing.T) {
	client := &fakeSQS{extra: []types.Message{{Body: aws.String("not json"), ReceiptHandle: aws.String("bad")}}}
	consumer := NewConsumer(client, "q", zap.NewNop())

	envs, err := consumer.Receive(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("expected malformed body to be skipped, got %d envelopes", len(envs))
	}
	if len(client.deleted) != 1 || client.deleted[0] != "bad" {
		t.Errorf("expected malformed message deleted, got %v", client.deleted)
	}
}
