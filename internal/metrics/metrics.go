// Package metrics provides Prometheus metrics for the telemetry job control plane.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScheduledEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryd_scheduled_entries",
			Help: "Number of live entries in this node's interval scheduler",
		},
	)
	TicksMissed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_ticks_missed_total",
			Help: "Scheduler ticks that were skipped",
		},
		[]string{"reason"},
	)
	Collections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_collections_total",
			Help: "Total number of periodic collection attempts",
		},
		[]string{"method", "result"},
	)
	CollectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetryd_collection_duration_seconds",
			Help:    "Collection duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method", "result"},
	)
	Backfills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_backfills_total",
			Help: "Total number of historic backfill collections",
		},
		[]string{"result"},
	)
	FailedTasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_failed_tasks_created_total",
			Help: "Total number of failed collection attempts recorded for retry",
		},
		[]string{"method"},
	)
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_retry_attempts_total",
			Help: "Total number of retry attempts by outcome",
		},
		[]string{"result"},
	)
	FailedTasksReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_failed_tasks_reaped_total",
			Help: "Failed tasks deleted by the reconciler",
		},
		[]string{"reason"},
	)
	RetriesRescheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryd_retries_rescheduled_total",
			Help: "Failed tasks given a fresh schedule by the reconciler",
		},
	)
	Assignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_assignments_total",
			Help: "Task assignments made by the distributor",
		},
		[]string{"result"},
	)
	RemovalsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_removals_relayed_total",
			Help: "Task removals relayed by the distributor",
		},
		[]string{"result"},
	)
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetryd_sweep_duration_seconds",
			Help:    "Duration of periodic sweeps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryd_is_leader",
			Help: "1 when this process holds the distributor lease",
		},
	)
	LiveNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryd_live_nodes",
			Help: "Number of worker nodes with a recent heartbeat",
		},
	)
	RPCMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_rpc_messages_total",
			Help: "RPC messages by method, direction and result",
		},
		[]string{"method", "direction", "result"},
	)
	StorageSamples = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetryd_storage_metric",
			Help: "Latest collected performance sample per storage resource",
		},
		[]string{"storage_id", "resource", "metric"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetryd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func SetScheduledEntries(n int) {
	ScheduledEntries.Set(float64(n))
}

func RecordTickMissed(reason string) {
	TicksMissed.WithLabelValues(reason).Inc()
}

func RecordCollection(method, result string, duration time.Duration) {
	Collections.WithLabelValues(method, result).Inc()
	CollectionDuration.WithLabelValues(method, result).Observe(duration.Seconds())
}

func RecordBackfill(result string) {
	Backfills.WithLabelValues(result).Inc()
}

func RecordFailedTaskCreated(method string) {
	FailedTasksCreated.WithLabelValues(method).Inc()
}

func RecordRetryAttempt(result string) {
	RetryAttempts.WithLabelValues(result).Inc()
}

func RecordFailedTaskReaped(reason string) {
	FailedTasksReaped.WithLabelValues(reason).Inc()
}

func RecordRetryRescheduled() {
	RetriesRescheduled.Inc()
}

func RecordAssignment(result string) {
	Assignments.WithLabelValues(result).Inc()
}

func RecordRemovalRelayed(result string) {
	RemovalsRelayed.WithLabelValues(result).Inc()
}

func RecordSweep(sweep string, duration time.Duration) {
	SweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

func SetLeader(leader bool) {
	if leader {
		IsLeader.Set(1)
		return
	}
	IsLeader.Set(0)
}

func SetLiveNodes(n int) {
	LiveNodes.Set(float64(n))
}

func RecordRPC(method, direction string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	RPCMessages.WithLabelValues(method, direction, result).Inc()
}

func RecordStorageSample(storageID, resource, metric string, value float64) {
	StorageSamples.WithLabelValues(storageID, resource, metric).Set(value)
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
