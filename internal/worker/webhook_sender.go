package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/metrics"
	"github.com/JuyeonYu/readit/internal/notify"
)

const webhookUserAgent = "Readit-Webhook/1.0"

// WebhookSender posts rendered payloads to owner-configured endpoints.
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}

	return &WebhookSender{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		logger: logger,
	}
}

func (s *WebhookSender) Send(ctx context.Context, d *notify.Delivery) error {
	if !s.SupportsChannel(d.Channel) {
		return fmt.Errorf("webhook sender only supports webhooks, got: %s", d.Channel)
	}
	if d.Recipient == "" {
		return fmt.Errorf("webhook delivery missing url")
	}
	if len(d.Payload) == 0 {
		return fmt.Errorf("webhook delivery missing payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Recipient, bytes.NewReader(d.Payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	req.Header.Set("X-Readit-Notification-ID", d.NotificationID.String())

	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.ObserveWebhookDelivery(string(d.Kind), time.Since(start))
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	// Webhook URLs embed credentials; only the host is logged.
	s.logger.Info("webhook delivered",
		zap.String("id", d.NotificationID.String()),
		zap.String("kind", string(d.Kind)),
		zap.String("host", hostOf(d.Recipient)),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebhook || channel == db.ChannelSlack
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
