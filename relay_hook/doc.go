// Package relayhook relays job lifecycle events onto the cross-instance
// event bus. Every instance subscribed to the ops channels, and every
// gateway client watching them, sees failures and dead letters no matter
// which instance ran the job.
//
// Usage:
//
//	hook := relayhook.New(eng.Bus())
//	engine.WithExtension(hook)
//
// Events land on "ops:<queue>" by default. To restrict which events are
// relayed:
//
//	hook := relayhook.New(bus,
//	    relayhook.WithEvents(
//	        relayhook.EventJobFailed,
//	        relayhook.EventJobDeadLettered,
//	    ),
//	)
package relayhook
