package remote

import (
	"encoding/json"

	"github.com/floegence/redeven-console/internal/chat"
)

// RPC type IDs for the agent's AI surface. These must stay in sync with the
// agent's internal/ai registration table. 6005 is the agent's tool-approval
// message; the console does not speak it.
const (
	TypeID_AI_RUN_START     uint32 = 6001
	TypeID_AI_RUN_CANCEL    uint32 = 6002
	TypeID_AI_SUBSCRIBE     uint32 = 6003
	TypeID_AI_EVENT_NOTIFY  uint32 = 6004 // notify (agent -> client)
	TypeID_AI_MESSAGES_LIST uint32 = 6006

	TypeID_AI_MODELS_GET    uint32 = 6007
	TypeID_AI_THREAD_CREATE uint32 = 6008
	TypeID_AI_THREADS_LIST  uint32 = 6009
	TypeID_AI_THREAD_GET    uint32 = 6010
	TypeID_AI_THREAD_PATCH  uint32 = 6011
	TypeID_AI_THREAD_DELETE uint32 = 6012
	TypeID_AI_THREAD_TODOS  uint32 = 6013
	TypeID_AI_TOOL_COLLAPSE uint32 = 6014
)

type aiRunStartReq struct {
	ThreadID string          `json:"thread_id"`
	Model    string          `json:"model,omitempty"`
	Input    chat.RunInput   `json:"input"`
	Options  chat.RunOptions `json:"options"`
}

type aiRunStartResp struct {
	RunID string `json:"run_id"`
}

type aiRunCancelReq struct {
	RunID    string `json:"run_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

type aiRunCancelResp struct {
	OK bool `json:"ok"`
}

type aiSubscribeReq struct{}

type aiSubscribeResp struct {
	ActiveRuns []chat.ActiveThreadRun `json:"active_runs"`
}

type aiListMessagesReq struct {
	ThreadID   string `json:"thread_id"`
	AfterRowID int64  `json:"after_row_id,omitempty"`
	Tail       bool   `json:"tail,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type aiListMessagesResp struct {
	Messages       []aiTranscriptMessageItem `json:"messages"`
	NextAfterRowID int64                     `json:"next_after_row_id,omitempty"`
	HasMore        bool                      `json:"has_more,omitempty"`
}

type aiTranscriptMessageItem struct {
	RowID       int64           `json:"row_id"`
	MessageJSON json.RawMessage `json:"message_json"`
}

type aiModelsGetReq struct{}

type aiModelsGetResp struct {
	DefaultModel string       `json:"default_model"`
	Models       []chat.Model `json:"models"`
}

type aiThreadCreateReq struct {
	Title   string `json:"title,omitempty"`
	ModelID string `json:"model_id,omitempty"`
}

type aiThreadsListReq struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

type aiThreadsListResp struct {
	Threads    []chat.ThreadSummary `json:"threads"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type aiThreadGetReq struct {
	ThreadID string `json:"thread_id"`
}

type aiThreadPatchReq struct {
	ThreadID string  `json:"thread_id"`
	Title    *string `json:"title,omitempty"`
	ModelID  *string `json:"model_id,omitempty"`
}

type aiThreadPatchResp struct {
	OK bool `json:"ok"`
}

type aiThreadDeleteReq struct {
	ThreadID string `json:"thread_id"`
	Force    bool   `json:"force,omitempty"`
}

type aiThreadDeleteResp struct {
	OK bool `json:"ok"`
}

type aiThreadTodosReq struct {
	ThreadID string `json:"thread_id"`
}

type aiThreadTodosResp struct {
	Version         int64           `json:"version"`
	UpdatedAtUnixMs int64           `json:"updated_at_unix_ms"`
	Todos           []chat.TodoItem `json:"todos"`
}

type aiToolCollapseReq struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	ToolID    string `json:"tool_id"`
	Collapsed bool   `json:"collapsed"`
}

type aiToolCollapseResp struct {
	OK bool `json:"ok"`
}
