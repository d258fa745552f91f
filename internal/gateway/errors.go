package gateway

import "errors"

// Sentinel errors returned by command operations. Callers match them
// with errors.Is to distinguish transport failures from protocol ones.
var (
	// ErrAgentOffline means the target agent has no registered connection,
	// or the write to it failed.
	ErrAgentOffline = errors.New("agent offline")

	// ErrTimeout means the request deadline passed without a response.
	ErrTimeout = errors.New("command timed out")

	// ErrMaxRetries means the request was re-sent the maximum number of
	// times without a response.
	ErrMaxRetries = errors.New("max retries exceeded")

	// ErrDecode means the agent responded but the payload did not match
	// the expected shape.
	ErrDecode = errors.New("malformed response payload")

	// ErrNotFound means no pending request exists for a correlation id.
	ErrNotFound = errors.New("unknown correlation id")
)
