// Package queue declares named job queues on top of a job.Store.
//
// A [Queue] validates and enqueues jobs, leases them for workers, and
// reports outcomes back to the store. [Queue.Poll] is the only place a
// worker slot waits: it retries the lease whenever the local
// availability signal fires (a local enqueue, a promotion, a reclaim)
// and otherwise every poll interval so work enqueued on other instances
// is picked up too.
//
// Queues are declared once at startup through a [Manager]:
//
//	m := queue.NewManager(store)
//	m.Declare(queue.Config{Name: "email", Concurrency: 8})
//	m.Declare(queue.Config{Name: "image", RateLimit: 5, RateBurst: 10})
//
// A per-queue token bucket (golang.org/x/time/rate) caps how fast this
// instance leases from a queue.
//
// The [Sweeper] promotes due delayed jobs and returns expired leases to
// waiting on a fixed interval. The [Janitor] purges completed and failed
// jobs past the queue retention on a cron schedule, only on the cluster
// leader when gated with [WithLeaderCheck].
package queue
