package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/notify"
)

type flakySender struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (s *flakySender) Send(ctx context.Context, d *notify.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("503 from upstream")
	}
	return nil
}

func (s *flakySender) SupportsChannel(channel string) bool { return channel == db.ChannelWebhook }

func (s *flakySender) set(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func hook(url string) *notify.Delivery {
	return &notify.Delivery{Channel: db.ChannelWebhook, Recipient: url}
}

func TestProtectedSender_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakySender{fail: true}
	p := NewProtectedSender(inner, Config{Name: "webhook", MaxFailures: 3, RecoveryTimeout: time.Hour}, zap.NewNop())
	ctx := context.Background()
	d := hook("https://example.com/a")

	for i := 0; i < 3; i++ {
		if err := p.Send(ctx, d); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("attempt %d: expected downstream error, got %v", i, err)
		}
	}

	if err := p.Send(ctx, d); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("expected open circuit to skip the sender, got %d calls", inner.calls)
	}
	if p.State(d) != gobreaker.StateOpen {
		t.Errorf("expected open state, got %s", p.State(d))
	}
}

func TestProtectedSender_HalfOpenProbe(t *testing.T) {
	inner := &flakySender{fail: true}
	p := NewProtectedSender(inner, Config{Name: "email", MaxFailures: 1, RecoveryTimeout: 20 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()
	d := hook("https://example.com/a")

	_ = p.Send(ctx, d)
	if p.State(d) != gobreaker.StateOpen {
		t.Fatalf("expected open, got %s", p.State(d))
	}

	time.Sleep(40 * time.Millisecond)
	inner.set(false)
	if err := p.Send(ctx, d); err != nil {
		t.Fatalf("expected the half-open request to succeed, got %v", err)
	}
	if p.State(d) != gobreaker.StateClosed {
		t.Errorf("expected closed after a successful half-open request, got %s", p.State(d))
	}
}

func TestProtectedSender_ByHostIsolatesEndpoints(t *testing.T) {
	inner := &flakySender{fail: true}
	p := NewProtectedSender(inner, Config{Name: "webhook", MaxFailures: 2, RecoveryTimeout: time.Hour}, zap.NewNop(), WithKeyFunc(ByHost))
	ctx := context.Background()

	bad := hook("https://broken.example.com/hook")
	for i := 0; i < 2; i++ {
		_ = p.Send(ctx, bad)
	}
	if err := p.Send(ctx, bad); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected broken host to be open, got %v", err)
	}

	inner.set(false)
	if err := p.Send(ctx, hook("https://hooks.slack.com/services/x")); err != nil {
		t.Errorf("expected other host to pass, got %v", err)
	}
}

func TestProtectedSender_CancellationDoesNotTrip(t *testing.T) {
	inner := &cancelSender{}
	p := NewProtectedSender(inner, Config{Name: "webhook", MaxFailures: 1, RecoveryTimeout: time.Hour}, zap.NewNop())
	d := hook("https://example.com/a")

	for i := 0; i < 3; i++ {
		_ = p.Send(context.Background(), d)
	}
	if p.State(d) != gobreaker.StateClosed {
		t.Errorf("expected cancellation to leave the circuit closed, got %s", p.State(d))
	}
}

type cancelSender struct{}

func (cancelSender) Send(ctx context.Context, d *notify.Delivery) error { return context.Canceled }

func (cancelSender) SupportsChannel(string) bool { return true }

func TestByHost(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://discord.com/api/webhooks/1/abc", "discord.com"},
		{"http://localhost:8080/hook", "localhost:8080"},
		{"not a url", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := ByHost(hook(tt.url)); got != tt.want {
				t.Errorf("ByHost(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
