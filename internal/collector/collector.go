// Package collector binds persisted task methods to executable collection
// logic through a registry populated at start-up.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownCollector = errors.New("collector: unknown method")
	ErrNoDriver         = errors.New("collector: no driver for storage")
)

type Metric struct {
	StorageID string  `json:"storage_id"`
	Resource  string  `json:"resource"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	// Timestamp is in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Collector fetches metrics for one storage over [startMs, endMs].
type Collector interface {
	Collect(ctx context.Context, storageID string, args map[string]any, startMs, endMs int64) ([]Metric, error)
}

type CollectorFunc func(ctx context.Context, storageID string, args map[string]any, startMs, endMs int64) ([]Metric, error)

func (f CollectorFunc) Collect(ctx context.Context, storageID string, args map[string]any, startMs, endMs int64) ([]Metric, error) {
	return f(ctx, storageID, args, startMs, endMs)
}

type Factory func(ctx context.Context) (Collector, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds key to f, replacing any previous binding.
func (r *Registry) Register(key string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// RegisterCollector binds key to a shared instance.
func (r *Registry) RegisterCollector(key string, c Collector) {
	r.Register(key, func(context.Context) (Collector, error) { return c, nil })
}

// GetInstance resolves the collector bound to key.
func (r *Registry) GetInstance(ctx context.Context, key string) (Collector, error) {
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollector, key)
	}

	c, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build collector %q: %w", key, err)
	}

	return c, nil
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
