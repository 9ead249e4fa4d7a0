package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewFromRedis(rdb, zap.NewNop())

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "owner-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "owner-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "owner-1", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReserveThenStore(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "owner-1", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	if err := svc.Store(ctx, "owner-1", "key-1", &IdempotencyResult{MessageID: "msg-789", StatusCode: 201}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "owner-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.MessageID != "msg-789" || cached.StatusCode != 201 {
		t.Errorf("expected cached msg-789, got %+v", cached)
	}
	if ttl := mr.TTL("idempotency:owner-1:key-1"); ttl != IdempotencyTTL {
		t.Errorf("expected TTL %s, got %s", IdempotencyTTL, ttl)
	}
}

func TestIdempotencyService_OwnerIsolation(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "owner-A", "same-key"); err != nil {
		t.Fatalf("owner A failed: %v", err)
	}
	result, err := svc.CheckOrReserve(ctx, "owner-B", "same-key")
	if err != nil {
		t.Fatalf("owner B should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("owner B should get nil (new request)")
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "owner-1", "key-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Release(ctx, "owner-1", "key-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "owner-1", "key-1"); err != nil {
		t.Fatalf("expected key to be reusable after release, got %v", err)
	}

	// A stored result survives Release.
	_ = svc.Store(ctx, "owner-1", "key-1", &IdempotencyResult{MessageID: "m", StatusCode: 201})
	_ = svc.Release(ctx, "owner-1", "key-1")
	if !mr.Exists("idempotency:owner-1:key-1") {
		t.Error("expected stored result to be kept")
	}
}

func TestIdempotencyService_ReservationExpires(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	_, _ = svc.CheckOrReserve(ctx, "owner-1", "key-1")
	mr.FastForward(2 * time.Minute)

	if _, err := svc.CheckOrReserve(ctx, "owner-1", "key-1"); err != nil {
		t.Fatalf("expected expired reservation to be reusable, got %v", err)
	}
}
