package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript increments the window counter and stamps the window TTL in a
// single atomic round trip. Setting the expiry only on the first increment is
// what makes the window fixed rather than sliding: later hits never push the
// reset boundary out.
//
// KEYS[1]: counter key
// ARGV[1]: points to charge
// ARGV[2]: window duration in milliseconds
// Returns {consumed, pttl_ms}.
var consumeScript = redis.NewScript(`
	local consumed = redis.call("INCRBY", KEYS[1], ARGV[1])
	if consumed == tonumber(ARGV[1]) then
		redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl < 0 then
		redis.call("PEXPIRE", KEYS[1], ARGV[2])
		ttl = tonumber(ARGV[2])
	end
	return {consumed, ttl}
`)

// RedisStore is a Store backed by a shared Redis instance. Physical eviction
// of expired windows is Redis's TTL mechanism; this layer never sweeps.
type RedisStore struct {
	client         redis.UniversalClient
	capacity       int64
	windowDuration time.Duration

	// now allows tests to pin the clock for ResetAt computation.
	now func() time.Time
}

// NewRedisStore creates a store enforcing capacity points per windowDuration
// on the given client. The client can be a *redis.Client, *redis.ClusterClient,
// or *redis.Ring.
func NewRedisStore(client redis.UniversalClient, capacity int64, windowDuration time.Duration) *RedisStore {
	return &RedisStore{
		client:         client,
		capacity:       capacity,
		windowDuration: windowDuration,
		now:            time.Now,
	}
}

func (s *RedisStore) Consume(ctx context.Context, key Key, points int64) (Result, error) {
	values, err := consumeScript.Run(ctx, s.client,
		[]string{key.String()},
		points,
		s.windowDuration.Milliseconds(),
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis consume failed: %w", err)
	}

	consumed, ttlMs, err := parsePair(values)
	if err != nil {
		return Result{}, err
	}

	result := s.result(consumed, ttlMs)
	if consumed > s.capacity {
		return result, &LimitExceededError{Result: result}
	}
	return result, nil
}

func (s *RedisStore) Peek(ctx context.Context, key Key) (Result, bool, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key.String())
	ttlCmd := pipe.PTTL(ctx, key.String())
	if _, err := pipe.Exec(ctx); err != nil {
		if err == redis.Nil {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("redis peek failed: %w", err)
	}

	consumed, err := getCmd.Int64()
	if err != nil {
		return Result{}, false, fmt.Errorf("redis peek failed: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		return Result{}, false, nil
	}

	return s.result(consumed, ttl.Milliseconds()), true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Close is a no-op: the client is shared and owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) result(consumed, ttlMs int64) Result {
	remaining := s.capacity - consumed
	if remaining < 0 {
		remaining = 0
	}
	retryAfter := time.Duration(ttlMs) * time.Millisecond
	return Result{
		ConsumedPoints:  consumed,
		RemainingPoints: remaining,
		RetryAfter:      retryAfter,
		ResetAt:         s.now().Add(retryAfter),
	}
}

func parsePair(values []interface{}) (int64, int64, error) {
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply length: %d", len(values))
	}
	consumed, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected script reply type %T", values[0])
	}
	ttl, ok := values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected script reply type %T", values[1])
	}
	return consumed, ttl, nil
}
