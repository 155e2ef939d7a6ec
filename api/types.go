package api

import (
	"encoding/json"
	"time"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/event"
	"github.com/xraph/courier/job"
)

// EnqueueRequest is the body of POST /v1/queues/{queue}/jobs. Delay and
// Timeout use time.ParseDuration syntax.
type EnqueueRequest struct {
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"min=0"`
	Delay       string          `json:"delay,omitempty" validate:"excluded_with=RunAt"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	Timeout     string          `json:"timeout,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty" validate:"max=256"`
}

// JobResponse is the API view of a job.
type JobResponse struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	State       job.State       `json:"state"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	AvailableAt time.Time       `json:"available_at"`
	LeasedBy    string          `json:"leased_by,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func jobResponse(j *job.Job) JobResponse {
	return JobResponse{
		ID:          j.ID.String(),
		Queue:       j.Queue,
		State:       j.State,
		Payload:     payloadJSON(j.Payload),
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		DedupeKey:   j.DedupeKey,
		LastError:   j.LastError,
		AvailableAt: j.AvailableAt,
		LeasedBy:    j.LeasedBy,
		FinishedAt:  j.FinishedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// DeadLetterResponse is the API view of a dead letter.
type DeadLetterResponse struct {
	JobID       string          `json:"job_id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Error       string          `json:"error"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	FailedAt    time.Time       `json:"failed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

func deadLetterResponse(e *dlq.Entry) DeadLetterResponse {
	return DeadLetterResponse{
		JobID:       e.JobID.String(),
		Queue:       e.Queue,
		Payload:     payloadJSON(e.Payload),
		Error:       e.Error,
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
		FailedAt:    e.FailedAt,
		CreatedAt:   e.CreatedAt,
	}
}

// payloadJSON returns a JSON payload as is and anything else as a base64
// string.
func payloadJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return event.JSONPayload(b)
}

// DeadLetterListResponse is the body of GET /v1/deadletters.
type DeadLetterListResponse struct {
	Entries []DeadLetterResponse `json:"entries"`
	Total   int64                `json:"total"`
}

// PurgeResponse is the body of DELETE /v1/deadletters.
type PurgeResponse struct {
	Purged int `json:"purged"`
}

// PublishRequest is the body of POST /v1/events. Payloads that are not
// JSON travel base64 encoded in PayloadBase64.
type PublishRequest struct {
	Channel       string          `json:"channel" validate:"required"`
	Type          string          `json:"type" validate:"required"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBase64 []byte          `json:"payload_base64,omitempty" validate:"excluded_with=Payload"`
}

func (req PublishRequest) payload() []byte {
	if len(req.PayloadBase64) > 0 {
		return req.PayloadBase64
	}
	return req.Payload
}

// PublishResponse reports the id and position of a published event.
type PublishResponse struct {
	EventID string `json:"event_id"`
	Origin  string `json:"origin"`
	Seq     uint64 `json:"seq"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	Leader     bool   `json:"leader"`
	Running    bool   `json:"running"`
	Error      string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
