package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/notify"
)

// KeyFunc picks the breaker a delivery goes through. Deliveries with the
// same key share failure counts.
type KeyFunc func(d *notify.Delivery) string

// ByHost keys webhook deliveries by endpoint host, so one broken endpoint
// does not open the circuit for every owner.
func ByHost(d *notify.Delivery) string {
	u, err := url.Parse(d.Recipient)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}

// ProtectedSender wraps a notify.Sender with circuit breakers. While a
// circuit is open, Send fails fast with ErrCircuitOpen.
type ProtectedSender struct {
	sender notify.Sender
	config Config
	keyFn  KeyFunc
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures a ProtectedSender.
type Option func(*ProtectedSender)

func WithKeyFunc(fn KeyFunc) Option {
	return func(p *ProtectedSender) { p.keyFn = fn }
}

func NewProtectedSender(sender notify.Sender, cfg Config, logger *zap.Logger, opts ...Option) *ProtectedSender {
	p := &ProtectedSender{
		sender:   sender,
		config:   cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ProtectedSender) Send(ctx context.Context, d *notify.Delivery) error {
	breaker := p.breaker(d)

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, p.sender.Send(ctx, d)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", breaker.Name()),
			zap.String("notification_id", d.NotificationID.String()),
			zap.String("channel", d.Channel),
			zap.String("state", breaker.State().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, breaker.Name())
	}
	return err
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// State reports the state of the breaker a delivery would use.
func (p *ProtectedSender) State(d *notify.Delivery) gobreaker.State {
	return p.breaker(d).State()
}

func (p *ProtectedSender) breaker(d *notify.Delivery) *gobreaker.CircuitBreaker {
	name := p.config.Name
	if p.keyFn != nil {
		name = p.config.Name + ":" + p.keyFn(d)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[name]; ok {
		return b
	}
	cfg := p.config
	cfg.Name = name
	b := New(cfg, p.logger)
	p.breakers[name] = b
	return b
}
