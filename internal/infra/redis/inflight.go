package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/admission"
	goredis "github.com/redis/go-redis/v9"
)

const (
	inFlightKey        = "inflight:gateway"
	defaultInFlightTTL = 5 * time.Minute
)

var enterScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

var leaveScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)

var _ admission.Gate = (*InFlightGate)(nil)

// InFlightGate caps gateway calls in flight across every worker and batch. The counter
// key expires after ttl without activity so a crashed worker cannot leak slots forever.
type InFlightGate struct {
	client *goredis.Client
	limit  int64
	ttl    time.Duration
	key    string
}

func NewInFlightGate(client *goredis.Client, limit int) (*InFlightGate, error) {
	return newInFlightGate(client, int64(limit), defaultInFlightTTL)
}

func newInFlightGate(client *goredis.Client, limit int64, ttl time.Duration) (*InFlightGate, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("in-flight limit must be positive")
	}
	if ttl < time.Second {
		ttl = defaultInFlightTTL
	}

	return &InFlightGate{
		client: client,
		limit:  limit,
		ttl:    ttl,
		key:    inFlightKey,
	}, nil
}

func (g *InFlightGate) TryEnter(ctx context.Context, _ string) (bool, error) {
	if g == nil || g.client == nil {
		return false, fmt.Errorf("in-flight gate is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := enterScript.Run(ctx, g.client, []string{g.key}, g.limit, int64(g.ttl/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate in-flight gate: %w", err)
	}
	return result == 1, nil
}

func (g *InFlightGate) Leave(ctx context.Context, _ string) error {
	if g == nil || g.client == nil {
		return fmt.Errorf("in-flight gate is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := leaveScript.Run(ctx, g.client, []string{g.key}).Err(); err != nil {
		return fmt.Errorf("failed to release in-flight slot: %w", err)
	}
	return nil
}

// InFlight returns the current number of admitted gateway calls.
func (g *InFlightGate) InFlight(ctx context.Context) (int64, error) {
	n, err := g.client.Get(ctx, g.key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return n, err
}
