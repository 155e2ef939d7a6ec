package courier

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("courier: no store configured")
	ErrStoreClosed     = errors.New("courier: store closed")
	ErrMigrationFailed = errors.New("courier: migration failed")

	// Not found errors.
	ErrJobNotFound      = errors.New("courier: job not found")
	ErrInstanceNotFound = errors.New("courier: instance not found")
	ErrDocumentNotFound = errors.New("courier: document not found")

	// Enqueue errors. Both are rejected synchronously and never queued.
	ErrValidation       = errors.New("courier: validation failed")
	ErrInvalidQueueName = errors.New("courier: invalid queue name")

	// Execution errors.
	ErrNoHandler    = errors.New("courier: no handler registered")
	ErrHandler      = errors.New("courier: handler failed")
	ErrTimeout      = errors.New("courier: handler timed out")
	ErrStaleLease   = errors.New("courier: stale lease")
	ErrDeadLettered = errors.New("courier: job dead-lettered")

	// Lifecycle errors.
	ErrPoolRunning   = errors.New("courier: worker pool already running")
	ErrBusClosed     = errors.New("courier: event bus closed")
	ErrEngineStopped = errors.New("courier: engine stopped")

	// Event bus errors.
	ErrTransportUnavailable = errors.New("courier: event transport unavailable")
)
