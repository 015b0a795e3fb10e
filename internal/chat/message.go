package chat

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Message is one transcript entry.
//
// Persisted messages carry the server-assigned RowID; optimistic local
// messages have RowID 0 until the matching persisted copy arrives and are
// reconciled by message id, never by position.
type Message struct {
	ID    string
	RowID int64
	JSON  string

	// Local marks a client-created message that has not been persisted yet.
	Local bool

	// seq is the insertion order, used to keep unmatched local messages at
	// their original relative position.
	seq int64

	// collapsed holds UI-only collapse toggles keyed by tool id. It is carried
	// forward when an incoming snapshot replaces JSON.
	collapsed map[string]bool
}

func newMessage(rowID int64, raw string) (*Message, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	id := strings.TrimSpace(gjson.Get(raw, "id").String())
	if id == "" {
		return nil, false
	}
	return &Message{ID: id, RowID: rowID, JSON: raw}, true
}

func (m *Message) Role() string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(gjson.Get(m.JSON, "role").String())
}

func (m *Message) Status() string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(gjson.Get(m.JSON, "status").String())
}

func (m *Message) TimestampUnixMs() int64 {
	if m == nil {
		return 0
	}
	return gjson.Get(m.JSON, "timestamp").Int()
}

// Preview returns the first markdown/text block content, single-line.
func (m *Message) Preview() string {
	if m == nil {
		return ""
	}
	out := ""
	gjson.Get(m.JSON, "blocks").ForEach(func(_, blk gjson.Result) bool {
		switch strings.TrimSpace(blk.Get("type").String()) {
		case "markdown", "text":
			out = blk.Get("content").String()
			return false
		}
		return true
	})
	out = strings.TrimSpace(strings.ReplaceAll(out, "\n", " "))
	return out
}

// applySnapshot replaces content fields from an incoming persisted copy while
// keeping UI-only ephemeral state (collapse toggles) from the existing copy.
func (m *Message) applySnapshot(rowID int64, raw string) {
	if m == nil {
		return
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	for toolID, v := range m.collapsed {
		raw = setToolCollapsedJSON(raw, toolID, v)
	}
	m.JSON = raw
	if rowID > 0 {
		m.RowID = rowID
		m.Local = false
	}
}

// SetToolCollapsed records a collapse toggle locally and patches the rendered
// JSON in place. Persistence to the agent is the session's concern.
func (m *Message) SetToolCollapsed(toolID string, collapsed bool) bool {
	if m == nil {
		return false
	}
	toolID = strings.TrimSpace(toolID)
	if toolID == "" {
		return false
	}
	next := setToolCollapsedJSON(m.JSON, toolID, collapsed)
	if next == m.JSON {
		return false
	}
	if m.collapsed == nil {
		m.collapsed = make(map[string]bool, 1)
	}
	m.collapsed[toolID] = collapsed
	m.JSON = next
	return true
}

func setToolCollapsedJSON(raw string, toolID string, collapsed bool) string {
	toolID = strings.TrimSpace(toolID)
	if strings.TrimSpace(raw) == "" || toolID == "" {
		return raw
	}
	idx := -1
	gjson.Get(raw, "blocks").ForEach(func(key, blk gjson.Result) bool {
		if strings.TrimSpace(blk.Get("type").String()) != "tool-call" {
			return true
		}
		id := strings.TrimSpace(blk.Get("toolId").String())
		if id == "" {
			id = strings.TrimSpace(blk.Get("tool_id").String())
		}
		if id == toolID {
			idx = int(key.Int())
			return false
		}
		return true
	})
	if idx < 0 {
		return raw
	}
	next, err := sjson.Set(raw, "blocks."+strconv.Itoa(idx)+".collapsed", collapsed)
	if err != nil {
		return raw
	}
	return next
}
