package rpc

import "encoding/json"

const (
	MethodAssignJob        = "assign_job"
	MethodRemoveJob        = "remove_job"
	MethodRemoveFailedJob  = "remove_failed_job"
	MethodCollectTelemetry = "collect_telemetry"
)

type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
)

// Envelope is one message on a node queue. Casts leave ReplyTo empty.
type Envelope struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Body    json.RawMessage `json:"body"`
	SentAt  int64           `json:"sent_at"`
}

type Reply struct {
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

type AssignJobArgs struct {
	TaskID string `json:"task_id"`
}

type RemoveJobArgs struct {
	TaskID   string `json:"task_id"`
	Executor string `json:"executor"`
}

type RemoveFailedJobArgs struct {
	FailedTaskID string `json:"failed_task_id"`
	Executor     string `json:"executor"`
}

type CollectTelemetryArgs struct {
	Method    string         `json:"method"`
	StorageID string         `json:"storage_id"`
	Args      map[string]any `json:"args"`
	// Start and End are epoch milliseconds.
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type CollectTelemetryReply struct {
	Status  Status `json:"status"`
	Samples int    `json:"samples"`
	Error   string `json:"error,omitempty"`
}
