// Package stream is the local transport of a courier instance. It keeps a
// topic registry of connected subscribers and hands each event to the
// ones on its topic with credit-based, non-blocking sends.
//
// Two producers feed the broker. The event bus calls [Broker.Deliver] for
// every bus event arriving on a channel this instance listens to, and the
// broker registered as an ext.Extension turns job lifecycle hooks into
// events on the jobs, queue:<name>, job:<id> and deadletters topics.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event.
type EventType string

// Job lifecycle event types. Bus events keep the type they were published
// with.
const (
	EventJobEnqueued     EventType = "job.enqueued"
	EventJobStarted      EventType = "job.started"
	EventJobCompleted    EventType = "job.completed"
	EventJobFailed       EventType = "job.failed"
	EventJobRetrying     EventType = "job.retrying"
	EventJobDeadLettered EventType = "job.dead_lettered"
	EventJobsReclaimed   EventType = "jobs.reclaimed"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// ID is the bus event id. Lifecycle events leave it empty.
	ID string `json:"id,omitempty" msgpack:"id,omitempty"`

	Type EventType `json:"type" msgpack:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts" msgpack:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic" msgpack:"topic"`

	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID     string `json:"job_id"`
	Queue     string `json:"queue"`
	Attempts  int    `json:"attempts"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	NextRunAt string `json:"next_run_at,omitempty"`
}

// ReclaimEventData is the payload of EventJobsReclaimed.
type ReclaimEventData struct {
	Queue string `json:"queue"`
	Count int    `json:"count"`
}
