// Package audit records every mutation of grants and plan templates.
//
// Services emit events through a Dispatcher, which fills in the actor and
// request metadata and delivers to a Logger sink in the background. Sinks:
// DBLogger (audit_events table), FileLogger (rotating JSON lines),
// RedisLogger (stream) and MultiLogger to combine them.
//
// Delivery is best effort. A sink failure is logged and counted but never
// fails or rolls back the operation that produced the event.
package audit
