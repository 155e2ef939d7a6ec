package relayhook

// Lifecycle event types used as the bus event type.
const (
	EventJobEnqueued     = "job.enqueued"
	EventJobStarted      = "job.started"
	EventJobCompleted    = "job.completed"
	EventJobFailed       = "job.failed"
	EventJobRetrying     = "job.retrying"
	EventJobDeadLettered = "job.dead_lettered"
	EventJobsReclaimed   = "jobs.reclaimed"
)

// ChannelPrefix is prepended to the queue name by the default channel
// function.
const ChannelPrefix = "ops:"

// AllEvents returns every event type the extension can relay.
func AllEvents() []string {
	return []string{
		EventJobEnqueued,
		EventJobStarted,
		EventJobCompleted,
		EventJobFailed,
		EventJobRetrying,
		EventJobDeadLettered,
		EventJobsReclaimed,
	}
}

// QueueChannel is the default channel for lifecycle events of queue.
func QueueChannel(queue string) string { return ChannelPrefix + queue }
