package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var errSimulatedOutage = errors.New("simulated array outage")

// SimulatedDriver fabricates samples for every requested resource metric.
// It stands in for vendor drivers in development clusters.
type SimulatedDriver struct {
	Latency time.Duration
	// FailureRate is the probability in [0, 1] that a collection fails.
	FailureRate float64
}

func (d SimulatedDriver) CollectPerfMetrics(ctx context.Context, storageID string, resourceMetrics map[string]any, startMs, endMs int64) ([]Metric, error) {
	if d.Latency > 0 {
		select {
		case <-time.After(d.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if d.FailureRate > 0 && rand.Float64() < d.FailureRate {
		return nil, fmt.Errorf("%w: %s", errSimulatedOutage, storageID)
	}

	var out []Metric
	for resource, names := range resourceMetrics {
		for _, name := range metricNames(names) {
			out = append(out, Metric{
				StorageID: storageID,
				Resource:  resource,
				Name:      name,
				Value:     rand.Float64() * 1000,
				Timestamp: endMs,
			})
		}
	}
	return out, nil
}

func metricNames(v any) []string {
	switch names := v.(type) {
	case []string:
		return names
	case []any:
		out := make([]string, 0, len(names))
		for _, n := range names {
			if s, ok := n.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case map[string]any:
		out := make([]string, 0, len(names))
		for n := range names {
			out = append(out, n)
		}
		return out
	case string:
		return []string{names}
	default:
		return nil
	}
}
