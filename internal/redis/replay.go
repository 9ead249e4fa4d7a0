package redis

import (
	"context"
	"fmt"
	"time"
)

// ReplayGuard remembers event identifiers for a TTL so a redelivered
// webhook is applied once.
type ReplayGuard struct {
	client *Client
	prefix string
	ttl    time.Duration
}

func NewReplayGuard(client *Client, prefix string, ttl time.Duration) *ReplayGuard {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &ReplayGuard{client: client, prefix: prefix, ttl: ttl}
}

// FirstSeen records id and reports whether this is the first time it was
// seen within the TTL.
func (g *ReplayGuard) FirstSeen(ctx context.Context, id string) (bool, error) {
	set, err := g.client.rdb.SetNX(ctx, "replay:"+g.prefix+":"+id, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Forget removes id so a failed application can be retried.
func (g *ReplayGuard) Forget(ctx context.Context, id string) error {
	if err := g.client.rdb.Del(ctx, "replay:"+g.prefix+":"+id).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
