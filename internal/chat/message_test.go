package chat

import (
	"strings"
	"testing"
)

func TestNewMessageRequiresID(t *testing.T) {
	t.Parallel()

	if _, ok := newMessage(1, `{"role":"user"}`); ok {
		t.Fatalf("message without id accepted")
	}
	if _, ok := newMessage(1, "   "); ok {
		t.Fatalf("blank payload accepted")
	}
	m, ok := newMessage(3, msgJSON("m_1", "user", "hi"))
	if !ok {
		t.Fatalf("valid message rejected")
	}
	if m.ID != "m_1" || m.RowID != 3 {
		t.Fatalf("got id=%q row=%d", m.ID, m.RowID)
	}
}

func TestMessageAccessors(t *testing.T) {
	t.Parallel()

	m, ok := newMessage(1, `{"id":"m_1","role":"assistant","status":"streaming","timestamp":1234,"blocks":[{"type":"tool-call","toolId":"t1"},{"type":"markdown","content":"first\nline"}]}`)
	if !ok {
		t.Fatalf("newMessage rejected payload")
	}
	if got := m.Role(); got != "assistant" {
		t.Fatalf("Role=%q", got)
	}
	if got := m.Status(); got != "streaming" {
		t.Fatalf("Status=%q", got)
	}
	if got := m.TimestampUnixMs(); got != 1234 {
		t.Fatalf("Timestamp=%d", got)
	}
	// Preview skips non-text blocks and flattens newlines.
	if got := m.Preview(); got != "first line" {
		t.Fatalf("Preview=%q", got)
	}
}

func TestSetToolCollapsedPatchesMatchingBlockOnly(t *testing.T) {
	t.Parallel()

	raw := `{"id":"m_1","role":"assistant","status":"complete","timestamp":1,"blocks":[{"type":"tool-call","toolId":"t1"},{"type":"tool-call","toolId":"t2"}]}`
	m, ok := newMessage(1, raw)
	if !ok {
		t.Fatalf("newMessage rejected payload")
	}

	if !m.SetToolCollapsed("t2", true) {
		t.Fatalf("SetToolCollapsed reported no change")
	}
	if strings.Count(m.JSON, `"collapsed":true`) != 1 {
		t.Fatalf("collapse applied to wrong block count: %s", m.JSON)
	}
	if m.SetToolCollapsed("missing", true) {
		t.Fatalf("unknown tool id reported a change")
	}
	if m.SetToolCollapsed("", true) {
		t.Fatalf("empty tool id reported a change")
	}
}

func TestApplySnapshotKeepsCollapseToggles(t *testing.T) {
	t.Parallel()

	raw := `{"id":"m_1","role":"assistant","status":"streaming","timestamp":1,"blocks":[{"type":"tool-call","toolId":"t1"}]}`
	m, _ := newMessage(0, raw)
	m.Local = true
	m.SetToolCollapsed("t1", true)

	// The persisted copy arrives without the client-side toggle.
	m.applySnapshot(7, `{"id":"m_1","role":"assistant","status":"complete","timestamp":1,"blocks":[{"type":"tool-call","toolId":"t1","status":"success"}]}`)

	if m.RowID != 7 || m.Local {
		t.Fatalf("row=%d local=%v after snapshot, want 7/false", m.RowID, m.Local)
	}
	if m.Status() != "complete" {
		t.Fatalf("status=%q, want replaced content", m.Status())
	}
	if !strings.Contains(m.JSON, `"collapsed":true`) {
		t.Fatalf("collapse toggle lost: %s", m.JSON)
	}
}
