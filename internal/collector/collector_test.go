package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	samples []Metric
	err     error
	calls   int
}

func (d *fakeDriver) CollectPerfMetrics(ctx context.Context, storageID string, resourceMetrics map[string]any, startMs, endMs int64) ([]Metric, error) {
	d.calls++
	return d.samples, d.err
}

type recordingSink struct {
	exported []Metric
	err      error
}

func (s *recordingSink) Export(ctx context.Context, samples []Metric) error {
	s.exported = append(s.exported, samples...)
	return s.err
}

func TestRegistry_GetInstance(t *testing.T) {
	r := NewRegistry()
	want := CollectorFunc(func(ctx context.Context, storageID string, args map[string]any, startMs, endMs int64) ([]Metric, error) {
		return []Metric{{StorageID: storageID}}, nil
	})
	r.RegisterCollector("custom", want)

	c, err := r.GetInstance(context.Background(), "custom")
	require.NoError(t, err)

	out, err := c.Collect(context.Background(), "storage-1", nil, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "storage-1", out[0].StorageID)
}

func TestRegistry_UnknownKey(t *testing.T) {
	r := NewRegistry()

	_, err := r.GetInstance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownCollector)
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(context.Context) (Collector, error) {
		return nil, errors.New("no credentials")
	})

	_, err := r.GetInstance(context.Background(), "broken")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestRegistry_Keys(t *testing.T) {
	r := NewRegistry()
	r.RegisterCollector("b", nil)
	r.RegisterCollector("a", nil)

	assert.Equal(t, []string{"a", "b"}, r.Keys())
}

func TestPerformanceCollector(t *testing.T) {
	ctx := context.Background()

	t.Run("exports samples", func(t *testing.T) {
		d := &fakeDriver{samples: []Metric{{StorageID: "storage-1", Resource: "pool", Name: "iops", Value: 10}}}
		sink := &recordingSink{}
		c := NewPerformanceCollector(NewStaticDrivers(d), sink)

		out, err := c.Collect(ctx, "storage-1", nil, 0, 60000)
		require.NoError(t, err)
		assert.Len(t, out, 1)
		assert.Len(t, sink.exported, 1)
	})

	t.Run("driver failure", func(t *testing.T) {
		d := &fakeDriver{err: errors.New("array unreachable")}
		c := NewPerformanceCollector(NewStaticDrivers(d), &recordingSink{})

		_, err := c.Collect(ctx, "storage-1", nil, 0, 60000)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "array unreachable")
	})

	t.Run("sink failure", func(t *testing.T) {
		d := &fakeDriver{samples: []Metric{{Name: "iops"}}}
		c := NewPerformanceCollector(NewStaticDrivers(d), &recordingSink{err: errors.New("full")})

		_, err := c.Collect(ctx, "storage-1", nil, 0, 60000)
		assert.Error(t, err)
	})

	t.Run("no driver", func(t *testing.T) {
		c := NewPerformanceCollector(NewStaticDrivers(nil), GaugeSink{})

		_, err := c.Collect(ctx, "storage-9", nil, 0, 60000)
		assert.ErrorIs(t, err, ErrNoDriver)
	})
}

func TestStaticDrivers_PerStorage(t *testing.T) {
	def := &fakeDriver{}
	special := &fakeDriver{}
	drivers := NewStaticDrivers(def)
	drivers.Set("storage-2", special)

	got, err := drivers.Driver(context.Background(), "storage-2")
	require.NoError(t, err)
	assert.Same(t, special, got)

	got, err = drivers.Driver(context.Background(), "storage-1")
	require.NoError(t, err)
	assert.Same(t, def, got)
}

func TestSimulatedDriver(t *testing.T) {
	d := SimulatedDriver{}
	samples, err := d.CollectPerfMetrics(context.Background(), "storage-1", map[string]any{
		"pool":   []any{"iops", "throughput"},
		"volume": "latency",
	}, 1000, 61000)
	require.NoError(t, err)

	assert.Len(t, samples, 3)
	for _, s := range samples {
		assert.Equal(t, "storage-1", s.StorageID)
		assert.Equal(t, int64(61000), s.Timestamp)
	}
}

func TestSimulatedDriver_Failure(t *testing.T) {
	d := SimulatedDriver{FailureRate: 1}
	_, err := d.CollectPerfMetrics(context.Background(), "storage-1", map[string]any{"pool": "iops"}, 0, 1)
	assert.ErrorIs(t, err, errSimulatedOutage)
}

func TestSimulatedDriver_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := SimulatedDriver{Latency: time.Hour}
	_, err := d.CollectPerfMetrics(ctx, "storage-1", nil, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
