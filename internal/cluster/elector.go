package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/telemetryd/internal/metrics"
	"github.com/redis/go-redis/v9"
)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Elector holds a single-owner lease so only one distributor sweeps at a time.
type Elector struct {
	rdb  *redis.Client
	node string
	ttl  time.Duration
}

func NewElector(rdb *redis.Client, node string, ttl time.Duration) *Elector {
	return &Elector{rdb: rdb, node: node, ttl: ttl}
}

// Acquire takes the lease if it is free or extends it if this node holds it.
func (e *Elector) Acquire(ctx context.Context) (bool, error) {
	ok, err := e.rdb.SetNX(ctx, leaderKey, e.node, e.ttl).Result()
	if err != nil {
		metrics.SetLeader(false)
		return false, fmt.Errorf("failed to acquire leadership: %w", err)
	}
	if ok {
		metrics.SetLeader(true)
		return true, nil
	}

	return e.Renew(ctx)
}

// Renew extends the lease only while this node still owns it.
func (e *Elector) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, e.rdb, []string{leaderKey}, e.node, e.ttl.Milliseconds()).Int()
	if err != nil {
		metrics.SetLeader(false)
		return false, fmt.Errorf("failed to renew leadership: %w", err)
	}

	held := n == 1
	metrics.SetLeader(held)
	return held, nil
}

func (e *Elector) Release(ctx context.Context) error {
	metrics.SetLeader(false)
	if err := releaseScript.Run(ctx, e.rdb, []string{leaderKey}, e.node).Err(); err != nil {
		return fmt.Errorf("failed to release leadership: %w", err)
	}
	return nil
}

// Leader returns the current lease holder, or "" when nobody holds it.
func (e *Elector) Leader(ctx context.Context) (string, error) {
	id, err := e.rdb.Get(ctx, leaderKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read leader: %w", err)
	}
	return id, nil
}
