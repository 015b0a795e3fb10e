package chat

import "context"

// Gateway is the engine's view of the agent's AI surface.
//
// Implementations map errors onto the package taxonomy (ErrNotConnected,
// ErrNotConfigured, ErrPermissionDenied, ErrThreadBusy, ErrThreadNotFound,
// ErrRequestFailed). The production implementation lives in internal/remote;
// tests substitute fakes.
type Gateway interface {
	// Connected reports whether the transport is currently up.
	Connected() bool

	GetModels(ctx context.Context) (*ModelsView, error)

	CreateThread(ctx context.Context, title string, modelID string) (*ThreadSummary, error)
	ListThreads(ctx context.Context, limit int, cursor string) (*ThreadsPage, error)
	GetThread(ctx context.Context, threadID string) (*ThreadSummary, error)
	PatchThread(ctx context.Context, threadID string, patch ThreadPatch) error
	// DeleteThread removes a thread. When force is false and a run is active,
	// it fails with ErrThreadBusy.
	DeleteThread(ctx context.Context, threadID string, force bool) error

	// ListMessages pulls persisted transcript rows after the given row id.
	// tail=true requests the most recent window instead (baseline loads).
	ListMessages(ctx context.Context, threadID string, afterRowID int64, tail bool, limit int) (*TranscriptPage, error)

	// StartRun starts a run and returns the server-assigned run id.
	StartRun(ctx context.Context, req RunStartRequest) (string, error)
	// CancelRun cancels by run id when known, else by thread id. Advisory:
	// the run is not terminal until a terminal event is observed.
	CancelRun(ctx context.Context, runID string, threadID string) error

	GetThreadTodos(ctx context.Context, threadID string) (*ThreadTodosView, error)

	// SetToolCollapsed persists a UI-only collapse toggle on a tool-call block.
	SetToolCollapsed(ctx context.Context, threadID string, messageID string, toolID string, collapsed bool) error
}
