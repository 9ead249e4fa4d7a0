package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/notify"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func emailDelivery() *notify.Delivery {
	return &notify.Delivery{
		NotificationID: uuid.New(),
		Channel:        db.ChannelEmail,
		Recipient:      "owner@example.com",
		Subject:        "hello - Opened by recipient",
		Body:           "Your message was opened.\nSee details.",
	}
}

func TestMultiSenderRouting(t *testing.T) {
	logger := zap.NewNop()
	emailSender := NewSESSenderWithClient(&fakeSES{}, "noreply@example.com", logger)
	webhookSender := NewWebhookSender(logger, WebhookConfig{})
	multiSender := NewMultiSender(logger, emailSender, webhookSender)

	tests := []struct {
		name    string
		channel string
		should  bool
	}{
		{"email_supported", db.ChannelEmail, true},
		{"webhook_supported", db.ChannelWebhook, true},
		{"slack_supported", db.ChannelSlack, true},
		{"web_not_supported", db.ChannelWeb, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			supports := multiSender.SupportsChannel(tt.channel)
			if supports != tt.should {
				t.Errorf("SupportsChannel(%s) = %v, want %v", tt.channel, supports, tt.should)
			}
		})
	}

	err := multiSender.Send(context.Background(), &notify.Delivery{Channel: db.ChannelWeb})
	if err == nil {
		t.Error("expected error for unsupported channel")
	}
}

func TestSESSender(t *testing.T) {
	client := &fakeSES{}
	sender := NewSESSenderWithClient(client, "noreply@example.com", zap.NewNop())

	if err := sender.Send(context.Background(), emailDelivery()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := client.input.Destination.ToAddresses[0]; got != "owner@example.com" {
		t.Errorf("expected recipient owner@example.com, got %s", got)
	}
	if aws.ToString(client.input.Source) != "noreply@example.com" {
		t.Errorf("unexpected source %s", aws.ToString(client.input.Source))
	}

	missing := emailDelivery()
	missing.Subject = ""
	if err := sender.Send(context.Background(), missing); err == nil {
		t.Error("expected error for missing subject")
	}

	client.err = errors.New("throttled")
	if err := sender.Send(context.Background(), emailDelivery()); err == nil {
		t.Error("expected SES error to propagate")
	}
}

func TestSMTPSender(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "user",
		Password: "pass",
		From:     "noreply@example.com",
	}, zap.NewNop())

	var gotAddr string
	var gotAuth sasl.Client
	var gotMsg []byte
	sender.send = func(addr string, a sasl.Client, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotMsg = addr, a, msg
		return nil
	}

	if err := sender.Send(context.Background(), emailDelivery()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Errorf("unexpected addr %s", gotAddr)
	}
	if gotAuth == nil {
		t.Error("expected PLAIN auth when username is set")
	}

	msg := string(gotMsg)
	for _, want := range []string{
		"From: noreply@example.com\r\n",
		"To: owner@example.com\r\n",
		"Subject: hello - Opened by recipient\r\n",
		"Content-Type: text/plain; charset=UTF-8\r\n",
		"\r\n\r\nYour message was opened.\r\nSee details.\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestSMTPSender_ContextCancelled(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: 25}, zap.NewNop())
	block := make(chan struct{})
	defer close(block)
	sender.send = func(string, sasl.Client, string, []string, []byte) error {
		<-block
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sender.Send(ctx, emailDelivery()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestWebhookSenderSupportsChannel(t *testing.T) {
	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{})

	tests := []struct {
		channel string
		want    bool
	}{
		{db.ChannelWebhook, true},
		{db.ChannelSlack, true},
		{db.ChannelEmail, false},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			if got := sender.SupportsChannel(tt.channel); got != tt.want {
				t.Errorf("SupportsChannel(%s) = %v, want %v", tt.channel, got, tt.want)
			}
		})
	}
}

func TestWebhookSenderHTTPCall(t *testing.T) {
	var gotUA, gotType string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gotUA = r.Header.Get("User-Agent")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{ReadTimeout: 2 * time.Second})
	d := &notify.Delivery{
		NotificationID: uuid.New(),
		Channel:        db.ChannelWebhook,
		Recipient:      server.URL,
		Kind:           notify.KindGeneric,
		Payload:        json.RawMessage(`{"event":"message.read"}`),
	}

	if err := sender.Send(context.Background(), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUA != "Readit-Webhook/1.0" {
		t.Errorf("unexpected user agent %q", gotUA)
	}
	if gotType != "application/json" {
		t.Errorf("unexpected content type %q", gotType)
	}
	if gotBody["event"] != "message.read" {
		t.Errorf("unexpected body %v", gotBody)
	}
}

func TestWebhookSenderNon2xx(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"redirect", http.StatusFound},
		{"client_error", http.StatusBadRequest},
		{"server_error", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sender := NewWebhookSender(zap.NewNop(), WebhookConfig{})
			err := sender.Send(context.Background(), &notify.Delivery{
				Channel:   db.ChannelWebhook,
				Recipient: server.URL,
				Payload:   json.RawMessage(`{}`),
			})
			if err == nil {
				t.Error("expected non-2xx to fail")
			}
		})
	}
}

func TestWebhookSenderValidation(t *testing.T) {
	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{})

	tests := []struct {
		name string
		d    *notify.Delivery
	}{
		{"wrong_channel", &notify.Delivery{Channel: db.ChannelEmail, Recipient: "http://x", Payload: json.RawMessage(`{}`)}},
		{"missing_url", &notify.Delivery{Channel: db.ChannelWebhook, Payload: json.RawMessage(`{}`)}},
		{"missing_payload", &notify.Delivery{Channel: db.ChannelWebhook, Recipient: "http://x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sender.Send(context.Background(), tt.d); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
