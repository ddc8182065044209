// Package cerrors defines the error-kind taxonomy collab-core uses
// end to end. Callers
// classify failures with errors.Is against these sentinels rather than by
// inspecting dynamic types; every sentinel is wrapped with fmt.Errorf(...,
// "%w", ...) to retain context.
package cerrors

import "errors"

var (
	// ErrNotFound: an unknown object or absent snapshot. Surfaced verbatim
	// to the client, never retried.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied: the access controller refused the operation.
	// Silent on the broadcast path, explicit on synchronous operations.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvariantViolation: e.g. workspace-id mismatch, msg-id regression,
	// merged payload exceeding max. Fatal to the offending operation; the
	// group continues.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrTimeout: an outbound-sink ack timed out. Not fatal; the message
	// re-enters the queue as Timeout and is retried by the runner.
	ErrTimeout = errors.New("timeout")

	// ErrCancelled: the caller gave up. Persistence and broadcast already
	// proceed independently of a cancelled caller.
	ErrCancelled = errors.New("cancelled")

	// ErrTransient: a durable-log or transport hiccup, or a full group
	// command queue. It is returned to the caller as is; nothing in this
	// module retries it.
	ErrTransient = errors.New("transient I/O error")
)
