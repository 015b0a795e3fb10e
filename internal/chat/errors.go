package chat

import "errors"

var (
	// ErrNotConnected means the transport to the agent is down. Surfaced as-is;
	// recovery happens through the normal reconnect path, not per-call retries.
	ErrNotConnected = errors.New("agent not connected")

	// ErrNotConfigured means the agent reports no usable AI/model configuration.
	ErrNotConfigured = errors.New("ai not configured")

	// ErrPermissionDenied means the session lacks the read/write/execute
	// capability required for the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrThreadBusy means a run is already active on the thread and could not
	// be driven to a terminal state in time.
	ErrThreadBusy = errors.New("thread already active")

	// ErrRequestFailed is the generic backend failure for start/cancel/patch.
	// Wrapped with the server message where available.
	ErrRequestFailed = errors.New("request failed")

	// ErrThreadNotFound means the thread is unknown to the agent.
	ErrThreadNotFound = errors.New("thread not found")
)
