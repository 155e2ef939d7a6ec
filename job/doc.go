// Package job defines the job entity, its state machine, the store
// contract and the handler registry.
//
// # States
//
//	waiting ──lease──► active ──success──► completed
//	                     ├──failure, attempts < max──► delayed ──due──► waiting
//	                     ├──failure, attempts == max──► dead_lettered
//	                     ├──permanent failure──► failed
//	                     └──lease expired──► waiting
//
// A job enqueued with a future RunAt starts delayed. Attempts count
// reported executions, successful or not, so a job that fails twice and
// then succeeds ends completed with three attempts. A lease that expires
// without a report does not count.
//
// # Handlers
//
// Handlers receive the raw payload. [Definition] adapts a typed handler
// over a JSON payload:
//
//	var SendEmail = job.NewDefinition("email",
//	    func(ctx context.Context, in EmailInput) error {
//	        return mailer.Send(ctx, in.To, in.Subject, in.HTML)
//	    },
//	)
//
//	job.RegisterDefinition(registry, SendEmail)
//
// Returning an error wrapped with [Permanent] skips the remaining retries.
package job
