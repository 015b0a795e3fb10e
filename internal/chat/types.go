package chat

import (
	"encoding/json"
	"strings"
)

// This package implements the client side of the Redeven AI chat feature:
// the run-synchronization engine that keeps a locally rendered transcript
// consistent with the agent's server-authoritative runs.
//
// Design notes:
// - The agent is the source of truth for persisted transcript order (row ids).
// - The engine reconciles three inputs: optimistic local state, the realtime
//   notify stream, and on-demand pulls. Every mutation is an idempotent merge
//   keyed by stable identity (message_id, run_id, thread_id).

type Model struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

type ModelsView struct {
	DefaultModel string  `json:"default_model"`
	Models       []Model `json:"models"`
}

// Allowed reports whether the model id is in the current allow-list.
func (m *ModelsView) Allowed(modelID string) bool {
	if m == nil {
		return false
	}
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return false
	}
	for _, it := range m.Models {
		if strings.TrimSpace(it.ID) == modelID {
			return true
		}
	}
	return false
}

// ThreadSummary is the directory-level view of a persisted thread.
type ThreadSummary struct {
	ThreadID            string `json:"thread_id"`
	Title               string `json:"title"`
	ModelID             string `json:"model_id"`
	RunStatus           string `json:"run_status"`
	RunUpdatedAtUnixMs  int64  `json:"run_updated_at_unix_ms"`
	RunError            string `json:"run_error,omitempty"`
	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
}

type ThreadsPage struct {
	Threads    []ThreadSummary `json:"threads"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ThreadPatch struct {
	Title   *string `json:"title,omitempty"`
	ModelID *string `json:"model_id,omitempty"`
}

// TranscriptItem is a persisted message plus its server-assigned ordering key.
type TranscriptItem struct {
	RowID       int64           `json:"row_id"`
	MessageJSON json.RawMessage `json:"message_json"`
}

type TranscriptPage struct {
	Messages       []TranscriptItem `json:"messages"`
	NextAfterRowID int64            `json:"next_after_row_id,omitempty"`
	HasMore        bool             `json:"has_more,omitempty"`
}

type RunInput struct {
	MessageID   string          `json:"message_id,omitempty"`
	Text        string          `json:"text"`
	Attachments []RunAttachment `json:"attachments,omitempty"`
}

type RunAttachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
}

type RunOptions struct {
	MaxSteps int    `json:"max_steps,omitempty"`
	Mode     string `json:"mode,omitempty"` // act|plan
}

type RunStartRequest struct {
	ThreadID string     `json:"thread_id"`
	Model    string     `json:"model,omitempty"`
	Input    RunInput   `json:"input"`
	Options  RunOptions `json:"options"`
}

// RunState mirrors the agent's normalized run state machine.
type RunState string

const (
	RunStateIdle        RunState = "idle"
	RunStateAccepted    RunState = "accepted"
	RunStateRunning     RunState = "running"
	RunStateRecovering  RunState = "recovering"
	RunStateWaitingUser RunState = "waiting_user"
	RunStateSuccess     RunState = "success"
	RunStateFailed      RunState = "failed"
	RunStateCanceled    RunState = "canceled"
	RunStateTimedOut    RunState = "timed_out"
)

func NormalizeRunState(raw string) RunState {
	v := strings.TrimSpace(strings.ToLower(raw))
	switch RunState(v) {
	case RunStateAccepted, RunStateRunning, RunStateRecovering, RunStateWaitingUser,
		RunStateSuccess, RunStateFailed, RunStateCanceled, RunStateTimedOut:
		return RunState(v)
	default:
		return RunStateIdle
	}
}

func IsActiveRunState(raw string) bool {
	switch NormalizeRunState(raw) {
	case RunStateAccepted, RunStateRunning, RunStateRecovering:
		return true
	default:
		return false
	}
}

func IsTerminalRunState(raw string) bool {
	switch NormalizeRunState(raw) {
	case RunStateSuccess, RunStateFailed, RunStateCanceled, RunStateTimedOut, RunStateWaitingUser:
		return true
	default:
		return false
	}
}

// RealtimeEventType is the high-level AI event category received over the
// Flowersec notify channel.
type RealtimeEventType string

const (
	RealtimeEventTypeStream        RealtimeEventType = "stream_event"
	RealtimeEventTypeThreadState   RealtimeEventType = "thread_state"
	RealtimeEventTypeTranscript    RealtimeEventType = "transcript_message"
	RealtimeEventTypeThreadSummary RealtimeEventType = "thread_summary"
)

type RealtimeStreamKind string

const (
	RealtimeStreamKindLifecycle RealtimeStreamKind = "lifecycle"
	RealtimeStreamKindAssistant RealtimeStreamKind = "assistant"
	RealtimeStreamKindTool      RealtimeStreamKind = "tool"
)

// RealtimeEvent is the notify payload emitted by the agent.
//
// JSON fields use snake_case; this payload must stay in sync with the agent's
// realtime sink wire contract.
type RealtimeEvent struct {
	EventType  RealtimeEventType  `json:"event_type"`
	EndpointID string             `json:"endpoint_id"`
	ThreadID   string             `json:"thread_id"`
	RunID      string             `json:"run_id"`
	AtUnixMs   int64              `json:"at_unix_ms"`
	StreamKind RealtimeStreamKind `json:"stream_kind,omitempty"`
	Phase      string             `json:"phase,omitempty"`
	Diag       map[string]any     `json:"diag,omitempty"`

	// Stream events are presentation-only; the engine forwards them opaque.
	StreamEvent json.RawMessage `json:"stream_event,omitempty"`

	// Thread state / summary fields.
	RunStatus           string `json:"run_status,omitempty"`
	RunError            string `json:"run_error,omitempty"`
	Title               string `json:"title,omitempty"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms,omitempty"`
	LastMessagePreview  string `json:"last_message_preview,omitempty"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms,omitempty"`
	ActiveRunID         string `json:"active_run_id,omitempty"`

	// Transcript message fields.
	MessageRowID int64           `json:"message_row_id,omitempty"`
	MessageJSON  json.RawMessage `json:"message_json,omitempty"`
}

// ActiveThreadRun is returned in subscribe snapshots so a reconnecting client
// can discover currently running threads before live events arrive.
type ActiveThreadRun struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

const (
	TodoStatusPending    = "pending"
	TodoStatusInProgress = "in_progress"
	TodoStatusCompleted  = "completed"
	TodoStatusCancelled  = "cancelled"
)

type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
	Note    string `json:"note,omitempty"`
}

type ThreadTodosView struct {
	Version         int64      `json:"version"`
	UpdatedAtUnixMs int64      `json:"updated_at_unix_ms"`
	Todos           []TodoItem `json:"todos"`
}
