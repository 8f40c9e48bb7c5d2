package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/alihesham01/chronizer/errors"
	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a snapshot of a job record. Jobs handed to a Processor are live:
// UpdateProgress writes through to the broker.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	Options      JobOptions      `json:"options"`
	Submitter    string          `json:"submitter,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	AttemptsMade int             `json:"attempts_made"`
	Progress     float64         `json:"progress"`
	State        State           `json:"state"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	ErrorCode    int64           `json:"error_code,omitempty"`
	ProcessedOn  time.Time       `json:"processed_on,omitzero"`
	FinishedOn   time.Time       `json:"finished_on,omitzero"`
	DelayUntil   time.Time       `json:"delay_until,omitzero"`

	svc   *Service
	token string
}

// Result is what a Processor reports. Success false is a retryable failure
// described by Error.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Processor handles one job. A returned error, an unsuccessful Result and a
// panic are all retryable unless the error is wrapped with Permanent.
type Processor func(ctx context.Context, job *Job) (*Result, error)

// BulkJob is one entry of an AddBulk call.
type BulkJob struct {
	Type    string
	Data    any
	Options *JobOptions
}

func (j *Job) JobID() string { return j.ID }

func (j *Job) JobType() string { return j.Type }

func (j *Job) MaxAttempts() int { return j.Options.Attempts }

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return Permanent(apperrors.NewError(apperrors.CodeValidation, "malformed job payload", err))
	}
	return nil
}

// UpdateProgress records pct (clamped to 0..100) on the job and publishes a
// progress event. Only valid while the job is being processed.
func (j *Job) UpdateProgress(ctx context.Context, pct float64) error {
	if j.svc == nil || j.token == "" {
		return ErrJobNotActive
	}
	pct = clampProgress(pct)

	key := j.svc.jobKey(j.ID)
	err := j.svc.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.HSet(ctx, key, "progress", pct).Err()
	})
	if err != nil {
		return fmt.Errorf("update progress of job %s: %w", j.ID, err)
	}
	j.Progress = pct
	j.svc.emitProgress(ctx, j, pct)
	return nil
}

func clampProgress(pct float64) float64 {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

type fields map[string]any

// toHash renders the job as broker hash fields. wscore orders the wait set.
func (j *Job) toHash(seq int64) (fields, error) {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return nil, err
	}
	return fields{
		"id":           j.ID,
		"queue":        j.Queue,
		"type":         j.Type,
		"data":         string(j.Data),
		"opts":         string(opts),
		"submitter":    j.Submitter,
		"timestamp":    j.Timestamp.UnixMilli(),
		"attemptsMade": 0,
		"maxAttempts":  j.Options.Attempts,
		"progress":     0,
		"state":        string(j.State),
		"wscore":       waitScore(j.Options.Priority, seq),
	}, nil
}

func waitScore(priority int, seq int64) int64 {
	return int64(priority)*1_000_000_000_000 + seq
}

func parseJob(svc *Service, h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	j := &Job{
		ID:           h["id"],
		Queue:        h["queue"],
		Type:         h["type"],
		Data:         json.RawMessage(h["data"]),
		Submitter:    h["submitter"],
		State:        State(h["state"]),
		FailedReason: h["failedReason"],
		svc:          svc,
	}
	if opts := h["opts"]; opts != "" {
		if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
			return nil, fmt.Errorf("decode options of job %s: %w", j.ID, err)
		}
	}
	if rv := h["returnvalue"]; rv != "" {
		j.ReturnValue = json.RawMessage(rv)
	}
	j.AttemptsMade, _ = strconv.Atoi(h["attemptsMade"])
	j.Progress, _ = strconv.ParseFloat(h["progress"], 64)
	j.ErrorCode, _ = strconv.ParseInt(h["errorCode"], 10, 64)
	j.Timestamp = parseMillis(h["timestamp"])
	j.ProcessedOn = parseMillis(h["processedOn"])
	j.FinishedOn = parseMillis(h["finishedOn"])
	j.DelayUntil = parseMillis(h["delayUntil"])
	return j, nil
}

// parseFlat converts a HGETALL script reply into a map.
func parseFlat(reply any) (map[string]string, error) {
	items, ok := reply.([]any)
	if !ok || len(items)%2 != 0 {
		return nil, fmt.Errorf("unexpected job reply %T", reply)
	}
	h := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, _ := items[i].(string)
		v, _ := items[i+1].(string)
		h[k] = v
	}
	return h, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// JobStatus is the caller-facing view of a job. Failures are reported as a
// coded error, never as a raw trace.
type JobStatus struct {
	ID          string           `json:"id"`
	Queue       string           `json:"queue"`
	Type        string           `json:"type"`
	State       State            `json:"state"`
	Progress    float64          `json:"progress"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       *apperrors.Error `json:"error,omitempty"`
}

func (j *Job) Status() *JobStatus {
	s := &JobStatus{
		ID:          j.ID,
		Queue:       j.Queue,
		Type:        j.Type,
		State:       j.State,
		Progress:    j.Progress,
		Attempts:    j.AttemptsMade,
		MaxAttempts: j.Options.Attempts,
		Result:      j.ReturnValue,
	}
	if j.FailedReason != "" && j.State != StateCompleted {
		code := j.ErrorCode
		if code == 0 {
			code = apperrors.CodeHandler
		}
		s.Error = apperrors.NewError(code, j.FailedReason, nil)
	}
	return s
}
