package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/notify"
)

// MultiSender routes deliveries to the first sender that supports the
// channel.
type MultiSender struct {
	senders []notify.Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given senders.
func NewMultiSender(logger *zap.Logger, senders ...notify.Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

func (m *MultiSender) Send(ctx context.Context, d *notify.Delivery) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(d.Channel) {
			m.logger.Debug("routing delivery to sender",
				zap.String("channel", d.Channel),
				zap.String("notification_id", d.NotificationID.String()),
			)
			return sender.Send(ctx, d)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", d.Channel)
}

func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs deliveries instead of sending them. Used in development.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, d *notify.Delivery) error {
	fields := []zap.Field{
		zap.String("id", d.NotificationID.String()),
		zap.String("channel", d.Channel),
	}
	if d.Channel == db.ChannelEmail {
		fields = append(fields, zap.String("subject", d.Subject))
	} else {
		fields = append(fields, zap.String("kind", string(d.Kind)), zap.Int("payload_bytes", len(d.Payload)))
	}
	s.logger.Info("logging notification (development mode)", fields...)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail || channel == db.ChannelWebhook || channel == db.ChannelSlack
}
