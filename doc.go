// Package courier is the asynchronous-work and real-time fan-out core of a
// social backend. It offers a lease-based job queue with retry, backoff
// and dead-lettering, a worker pool that executes registered handlers,
// and a cross-instance event bus that keeps locally connected clients of
// every server instance in sync.
//
// Courier is a library. Import it, configure a store and a broadcast
// medium, declare queues, and register handlers as ordinary Go functions.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithJobStore(redisstore.New(rdb)),
//	    engine.WithMedium(redisstore.NewMedium(rdb)),
//	    engine.WithQueues(queue.Config{Name: "email"}),
//	)
//	engine.Register(eng, job.NewDefinition("email", sendEmail))
//	_ = eng.Start(ctx)
//
// # Architecture
//
// Every subsystem (job, cluster, event) defines its own contract and the
// store/<backend> packages implement them. The engine package wires the
// subsystems together.
//
// Jobs move through waiting, delayed, active, completed, failed and
// dead_lettered. Exclusivity comes from a lease token that is rotated on
// every lease and checked on every report, so a worker whose lease was
// reclaimed can never overwrite the new holder's outcome. Delivery is
// at-least-once.
//
// Events carry the publishing instance id and a per-origin sequence
// number. Receivers drop their own events and anything at or below the
// last sequence seen for that origin.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package courier
