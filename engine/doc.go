// Package engine wires the courier subsystems together. It owns the queue
// manager, worker pool, sweeper, janitor, instance membership, event bus,
// local stream broker, WebSocket gateway and dead-letter service, and
// starts and stops them in order.
//
// The engine exists to break import cycles: subsystems define their own
// contracts and never import each other's implementations. Engine sits
// above all of them and below the application.
//
// # Building an Engine
//
//	eng, err := engine.New(
//	    engine.WithJobStore(redisstore.New(rdb)),
//	    engine.WithMedium(redisstore.NewMedium(rdb)),
//	    engine.WithQueues(queue.Config{Name: "email", Concurrency: 2}),
//	    engine.WithChannels("chat:*", "post:*"),
//	)
//
// # Registering and Enqueuing Work
//
//	engine.Register(eng, job.NewDefinition("email", sendEmail))
//	engine.Enqueue(ctx, eng, "email", Email{To: "ada@example.com"})
//
// # Lifecycle
//
// [Engine.Start] registers the instance, subscribes the configured bus
// channels to the stream broker, and starts the sweeper, janitor and
// worker pool. [Engine.Stop] reverses it, draining busy workers for up to
// the shutdown grace.
package engine
