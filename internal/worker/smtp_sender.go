package worker

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/notify"
)

// SMTPConfig addresses a submission server. Auth is skipped when Username
// is empty.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	cfg    SMTPConfig
	logger *zap.Logger
	send   func(addr string, a sasl.Client, from string, to []string, msg []byte) error
	now    func() time.Time
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		logger: logger,
		send: func(addr string, a sasl.Client, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, a, from, to, bytes.NewReader(msg))
		},
		now: time.Now,
	}
}

func (s *SMTPSender) Send(ctx context.Context, d *notify.Delivery) error {
	if d.Channel != db.ChannelEmail {
		return fmt.Errorf("SMTP sender only supports email, got: %s", d.Channel)
	}
	if err := validateEmail(d); err != nil {
		return err
	}

	var auth sasl.Client
	if s.cfg.Username != "" {
		auth = sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	msg := s.compose(d)

	// SendMail takes no context; run it aside so cancellation still returns.
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.send(addr, auth, s.cfg.From, []string{d.Recipient}, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
	}

	s.logger.Info("email sent via SMTP",
		zap.String("id", d.NotificationID.String()),
		zap.String("host", s.cfg.Host),
	)
	return nil
}

func (s *SMTPSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}

func (s *SMTPSender) compose(d *notify.Delivery) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", s.cfg.From)
	header("To", d.Recipient)
	header("Subject", mime.QEncoding.Encode("utf-8", d.Subject))
	header("Date", s.now().UTC().Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.NewString()+"@readit>")
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.Write(bytes.ReplaceAll(
		bytes.ReplaceAll([]byte(d.Body), []byte("\r\n"), []byte("\n")),
		[]byte("\n"), []byte("\r\n")))
	b.WriteString("\r\n")
	return b.Bytes()
}
