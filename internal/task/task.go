// Package task defines the telemetry job descriptors shared by the scheduler,
// the handlers and the persistence layer.
package task

import (
	"time"

	"github.com/google/uuid"
)

type (
	Result string
	Task   struct {
		ID        string         `json:"id"`
		StorageID string         `json:"storage_id"`
		Method    string         `json:"method"`
		Args      map[string]any `json:"args"`
		// Interval is the collection period in seconds.
		Interval int `json:"interval"`
		// JobID is the scheduler handle; empty when no live schedule exists.
		JobID string `json:"job_id,omitempty"`
		// Executor is the owning node id; empty while unassigned.
		Executor string `json:"executor,omitempty"`
		// LastRunTime is in epoch seconds; zero when the task never ran.
		LastRunTime int64     `json:"last_run_time,omitempty"`
		Deleted     bool      `json:"deleted"`
		CreatedAt   time.Time `json:"created_at"`
		UpdatedAt   time.Time `json:"updated_at"`
	}
	FailedTask struct {
		ID         string `json:"id"`
		TaskID     string `json:"task_id"`
		JobID      string `json:"job_id,omitempty"`
		Method     string `json:"method"`
		RetryCount int    `json:"retry_count"`
		Result     Result `json:"result"`
		// StartTime and EndTime bound the failed collection window in epoch milliseconds.
		StartTime int64     `json:"start_time"`
		EndTime   int64     `json:"end_time"`
		Interval  int       `json:"interval"`
		Executor  string    `json:"executor,omitempty"`
		Deleted   bool      `json:"deleted"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

const (
	ResultInit    Result = "Init"
	ResultStarted Result = "Started"
	ResultSuccess Result = "Success"
)

func NewTask(storageID, method string, args map[string]any, interval int) *Task {
	now := time.Now()
	return &Task{
		ID:        uuid.New().String(),
		StorageID: storageID,
		Method:    method,
		Args:      args,
		Interval:  interval,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewFailedTask records a failed collection of t over [startMs, endMs] owned by executor.
func NewFailedTask(t *Task, startMs, endMs int64, interval int, executor string) *FailedTask {
	now := time.Now()
	return &FailedTask{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		Method:    t.Method,
		Result:    ResultInit,
		StartTime: startMs,
		EndTime:   endMs,
		Interval:  interval,
		Executor:  executor,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (t *Task) IntervalDuration() time.Duration {
	return time.Duration(t.Interval) * time.Second
}

// IsTerminal reports whether no further retry attempts may run.
func (f *FailedTask) IsTerminal(maxRetry int) bool {
	return f.Result == ResultSuccess || f.RetryCount >= maxRetry
}

func (f *FailedTask) IntervalDuration() time.Duration {
	return time.Duration(f.Interval) * time.Second
}
