package collector

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/telemetryd/internal/metrics"
)

// PerformanceMethod is the registry key of the array performance collector.
const PerformanceMethod = "performance"

// Driver is the vendor-specific glue that talks to one kind of array.
type Driver interface {
	CollectPerfMetrics(ctx context.Context, storageID string, resourceMetrics map[string]any, startMs, endMs int64) ([]Metric, error)
}

type DriverResolver interface {
	Driver(ctx context.Context, storageID string) (Driver, error)
}

// Sink receives collected samples.
type Sink interface {
	Export(ctx context.Context, samples []Metric) error
}

type PerformanceCollector struct {
	drivers DriverResolver
	sink    Sink
}

func NewPerformanceCollector(drivers DriverResolver, sink Sink) *PerformanceCollector {
	return &PerformanceCollector{drivers: drivers, sink: sink}
}

func (c *PerformanceCollector) Collect(ctx context.Context, storageID string, args map[string]any, startMs, endMs int64) ([]Metric, error) {
	d, err := c.drivers.Driver(ctx, storageID)
	if err != nil {
		return nil, err
	}

	samples, err := d.CollectPerfMetrics(ctx, storageID, args, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("failed to collect performance metrics: %w", err)
	}

	if c.sink != nil && len(samples) > 0 {
		if err := c.sink.Export(ctx, samples); err != nil {
			return nil, fmt.Errorf("failed to export samples: %w", err)
		}
	}

	return samples, nil
}

// StaticDrivers resolves drivers from a fixed map, falling back to Default.
type StaticDrivers struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	Default Driver
}

func NewStaticDrivers(def Driver) *StaticDrivers {
	return &StaticDrivers{drivers: make(map[string]Driver), Default: def}
}

func (s *StaticDrivers) Set(storageID string, d Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[storageID] = d
}

func (s *StaticDrivers) Driver(ctx context.Context, storageID string) (Driver, error) {
	s.mu.RLock()
	d, ok := s.drivers[storageID]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}
	if s.Default != nil {
		return s.Default, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDriver, storageID)
}

// GaugeSink publishes the latest sample per resource metric as a Prometheus gauge.
type GaugeSink struct{}

func (GaugeSink) Export(ctx context.Context, samples []Metric) error {
	for _, m := range samples {
		metrics.RecordStorageSample(m.StorageID, m.Resource, m.Name, m.Value)
	}
	return nil
}
