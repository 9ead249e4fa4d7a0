package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a client-provided Idempotency-Key on
	// message creation is honoured.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is being processed.
	processingTTL = time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the key is held by a request still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult identifies the message an earlier request created.
type IdempotencyResult struct {
	MessageID  string `json:"message_id"`
	Token      string `json:"token"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService makes message creation safe to retry using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(ownerID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", ownerID, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, ownerID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(ownerID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("owner_id", ownerID),
		zap.String("message_id", result.MessageID),
	)
	return &result, nil
}

// Store saves the result of a successfully processed request, replacing
// the processing marker.
func (s *IdempotencyService) Store(ctx context.Context, ownerID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(ownerID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve acquires an idempotency lock using SET NX.
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, ownerID, idempotencyKey string) (bool, error) {
	key := s.buildKey(ownerID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation after a failed request so the client can
// retry with the same key.
func (s *IdempotencyService) Release(ctx context.Context, ownerID, idempotencyKey string) error {
	key := s.buildKey(ownerID, idempotencyKey)
	// Only a processing marker is removed; a stored result stays.
	script := redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)
	if err := script.Run(ctx, s.client.rdb, []string{key}, processingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a cached result if found, nil if the key was
// reserved for this request, or ErrDuplicateRequest.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, ownerID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, ownerID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, ownerID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
