package memstore

import (
	"context"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/JuyeonYu/readit/internal/db"
)

const shardCount = 64

// shardedLocks is a fixed table of one-slot semaphores keyed by record id.
// Unrelated ids may share a shard; that only costs contention.
type shardedLocks struct {
	shards [shardCount]chan struct{}
}

func newShardedLocks() *shardedLocks {
	l := &shardedLocks{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// acquire blocks until the shard for id is free or ctx is done.
func (l *shardedLocks) acquire(ctx context.Context, id uuid.UUID) (release func(), err error) {
	ch := l.shards[shardFor(id)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, db.ErrLockTimeout
	}
}

func shardFor(id uuid.UUID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return h.Sum32() % shardCount
}
