// Package events names the pub/sub channels shared by the job handlers,
// the job queue and the realtime gateway.
package events

import "fmt"

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Entities are the brand-scoped record types whose mutations are broadcast.
var Entities = []string{
	"transactions",
	"products",
	"stores",
	"stock_movements",
	"sku_mappings",
}

const (
	BulkProgress  = "bulk:progress"
	BulkCompleted = "bulk:completed"
	BulkFailed    = "bulk:failed"

	JobProgress  = "jobs:progress"
	JobCompleted = "jobs:completed"
	JobFailed    = "jobs:failed"
)

// Record returns the channel for a record mutation, e.g. "products:created".
func Record(entity string, action Action) string {
	return fmt.Sprintf("%s:%s", entity, action)
}

// WellKnownChannels lists every channel the gateway relays to clients.
func WellKnownChannels() []string {
	channels := make([]string, 0, len(Entities)*3+6)
	for _, entity := range Entities {
		for _, action := range []Action{ActionCreated, ActionUpdated, ActionDeleted} {
			channels = append(channels, Record(entity, action))
		}
	}
	return append(channels,
		BulkProgress, BulkCompleted, BulkFailed,
		JobProgress, JobCompleted, JobFailed,
	)
}

// RecordEvent is published after a single-record mutation is durable.
type RecordEvent struct {
	Entity  string `json:"entity"`
	Action  Action `json:"action"`
	BrandID string `json:"brand_id"`
	ID      any    `json:"id,omitempty"`
	Record  any    `json:"record,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

type BulkProgressEvent struct {
	BatchID         string  `json:"batch_id"`
	Entity          string  `json:"entity"`
	BrandID         string  `json:"brand_id"`
	ChunksCompleted int     `json:"chunks_completed"`
	TotalChunks     int     `json:"total_chunks"`
	Processed       int     `json:"processed"`
	Total           int     `json:"total"`
	Progress        float64 `json:"progress"`
}

type BulkCompletedEvent struct {
	BatchID  string `json:"batch_id"`
	Entity   string `json:"entity"`
	BrandID  string `json:"brand_id"`
	Inserted int64  `json:"inserted"`
	Total    int    `json:"total"`
}

type BulkFailedEvent struct {
	BatchID         string `json:"batch_id"`
	Entity          string `json:"entity"`
	BrandID         string `json:"brand_id"`
	ChunksCompleted int    `json:"chunks_completed"`
	Processed       int    `json:"processed"`
	Error           string `json:"error"`
}

// JobEvent is published on job progress and terminal transitions.
type JobEvent struct {
	Queue    string  `json:"queue"`
	JobID    string  `json:"job_id"`
	Type     string  `json:"type"`
	Progress float64 `json:"progress,omitempty"`
	Attempts int     `json:"attempts,omitempty"`
	Error    string  `json:"error,omitempty"`
	Terminal bool    `json:"terminal,omitempty"`
	Result   any     `json:"result,omitempty"`
}
