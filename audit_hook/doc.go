// Package audithook is a courier extension that turns job lifecycle hooks
// into audit records.
//
// Each hook builds an [AuditEvent] with a severity (info for normal
// progress, warning for retries and reclaims, critical for terminal
// failures) and metadata such as queue, attempt and elapsed time, then
// hands it to a [Recorder]. [RepositoryRecorder] stores the records as
// documents, so the audit trail lives next to the data the handlers write.
//
// # Selective filtering
//
//	audithook.New(audithook.RepositoryRecorder(repo, "audit"),
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionJobDeadLettered,
//	    ),
//	)
package audithook
