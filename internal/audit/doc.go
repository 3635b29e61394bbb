// Package audit relays security events from the Provider and the MFA manager
// to a [Sink] without blocking the login path.
//
// A [Dispatcher] buffers events in a bounded channel and delivers them from a
// single goroutine. When the buffer is full it either drops the event and
// counts it, or blocks until the caller's context ends. [Dispatcher.Close]
// drains what is left.
//
// Which events exist and when they fire is decided by the callers. Sinks
// provided here write to a channel, to an io.Writer as JSON lines, or nowhere.
package audit
