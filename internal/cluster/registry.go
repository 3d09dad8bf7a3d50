// Package cluster tracks live worker nodes and the distributor leader lease
// in Redis.
package cluster

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/nadmax/telemetryd/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "telemetryd:cluster:"
	nodesKey  = keyPrefix + "nodes"
	leaderKey = keyPrefix + "leader"
)

// Registry keeps one heartbeat score per node in a sorted set.
type Registry struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb, now: time.Now}
}

// Heartbeat marks node as alive now.
func (r *Registry) Heartbeat(ctx context.Context, node string) error {
	err := r.rdb.ZAdd(ctx, nodesKey, redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: node,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to heartbeat %s: %w", node, err)
	}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, node string) error {
	if err := r.rdb.ZRem(ctx, nodesKey, node).Err(); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", node, err)
	}
	return nil
}

// LiveNodes returns the nodes seen within deadTimeout, sorted by name.
func (r *Registry) LiveNodes(ctx context.Context, deadTimeout time.Duration) ([]string, error) {
	cutoff := r.now().Add(-deadTimeout).UnixMilli()

	nodes, err := r.rdb.ZRangeByScore(ctx, nodesKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list live nodes: %w", err)
	}

	slices.Sort(nodes)
	metrics.SetLiveNodes(len(nodes))
	return nodes, nil
}

// Prune drops nodes not seen for longer than deadTimeout and returns them.
func (r *Registry) Prune(ctx context.Context, deadTimeout time.Duration) ([]string, error) {
	upper := "(" + strconv.FormatInt(r.now().Add(-deadTimeout).UnixMilli(), 10)

	dead, err := r.rdb.ZRangeByScore(ctx, nodesKey, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead nodes: %w", err)
	}
	if len(dead) == 0 {
		return nil, nil
	}

	members := make([]any, len(dead))
	for i, n := range dead {
		members[i] = n
	}
	if err := r.rdb.ZRem(ctx, nodesKey, members...).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune dead nodes: %w", err)
	}
	return dead, nil
}
