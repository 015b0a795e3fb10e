package chat

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
)

// HandleRealtimeEvent consumes one push event from the agent's notify channel.
//
// The stream is ordered per thread but not guaranteed gap-free or
// duplicate-free; every application below is an idempotent merge keyed by
// stable identity, and a detected gap triggers a backfill pull before the
// cursor advances.
func (s *Session) HandleRealtimeEvent(ev RealtimeEvent) {
	if s == nil {
		return
	}
	ev.ThreadID = trimID(ev.ThreadID)
	ev.RunID = trimID(ev.RunID)
	if ev.ThreadID == "" {
		return
	}

	switch ev.EventType {
	case RealtimeEventTypeTranscript:
		s.handleTranscriptEvent(ev)
	case RealtimeEventTypeStream:
		s.handleStreamEvent(ev)
	case RealtimeEventTypeThreadState:
		s.handleThreadStateEvent(ev)
	case RealtimeEventTypeThreadSummary:
		s.handleThreadSummaryEvent(ev)
	default:
		s.log.Debug("chat.event.unknown_type", "event_type", string(ev.EventType), "thread_id", ev.ThreadID)
	}
}

// handleTranscriptEvent applies one persisted row pushed by the agent.
//
// Gap rule: once the baseline is loaded, a row id more than one ahead of the
// cursor means rows were missed; they are recovered by an incremental pull
// from the cursor before this row's position is trusted. Without the pull the
// skipped rows would be lost until the next hard reload.
func (s *Session) handleTranscriptEvent(ev RealtimeEvent) {
	if ev.MessageRowID <= 0 || len(ev.MessageJSON) == 0 {
		return
	}
	s.touchRunActivity(ev.ThreadID, ev.RunID)

	s.mu.Lock()
	tr := s.transcriptLocked(ev.ThreadID)
	gap := tr.baselineLoaded && ev.MessageRowID > tr.cursor+1
	s.mu.Unlock()

	backfilled := true
	if gap {
		s.log.Debug("chat.transcript.gap_detected", "thread_id", ev.ThreadID, "row_id", ev.MessageRowID)
		ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
		err := s.pullDelta(ctx, ev.ThreadID)
		cancel()
		backfilled = err == nil
	}

	s.mu.Lock()
	changed := tr.upsert(ev.MessageRowID, string(ev.MessageJSON))
	// A failed backfill leaves rows between the cursor and this one missing.
	// Moving the cursor here would hide the gap forever, so it stays put and
	// a hard reload recovers the skipped rows instead.
	if backfilled && ev.MessageRowID > tr.cursor {
		tr.cursor = ev.MessageRowID
	}
	s.mu.Unlock()

	s.mirrorMessages(ev.ThreadID, []TranscriptItem{{RowID: ev.MessageRowID, MessageJSON: ev.MessageJSON}})
	if !backfilled {
		s.scheduleHardReload(ev.ThreadID)
	}
	if changed {
		s.notify()
	}
}

// handleStreamEvent forwards sub-message deltas to the live-rendering sink.
// Stream events never affect persisted order; the engine only extracts the
// lifecycle phase label and watches for todo-list tool completions.
func (s *Session) handleStreamEvent(ev RealtimeEvent) {
	s.touchRunActivity(ev.ThreadID, ev.RunID)
	if len(ev.StreamEvent) == 0 {
		return
	}

	raw := string(ev.StreamEvent)
	switch strings.TrimSpace(gjson.Get(raw, "type").String()) {
	case "lifecycle-phase":
		label := phaseLabel(gjson.Get(raw, "phase").String())
		s.mu.Lock()
		if label == "" {
			delete(s.phases, ev.ThreadID)
		} else {
			s.phases[ev.ThreadID] = label
		}
		s.mu.Unlock()
		s.notify()
	case "block-set":
		if isTodoToolCompletion(raw) {
			go s.refreshTodos(ev.ThreadID)
		}
	}

	s.mu.Lock()
	sink := s.streamSink
	s.mu.Unlock()
	if sink != nil {
		sink(ev.ThreadID, ev.StreamEvent)
	}
}

// handleThreadStateEvent processes run lifecycle notifications: active states
// keep (or adopt) the tracked run; a terminal status is the one fact that ends
// it, from whatever source observes it first.
func (s *Session) handleThreadStateEvent(ev RealtimeEvent) {
	status := NormalizeRunState(ev.RunStatus)
	switch {
	case IsActiveRunState(string(status)):
		s.touchRunActivity(ev.ThreadID, ev.RunID)
		if ev.RunID != "" {
			s.adoptRemoteRun(ev.ThreadID, ev.RunID)
		}
	case IsTerminalRunState(string(status)):
		s.markRunTerminal(ev.ThreadID, ev.RunID, status, ev.RunError, "push")
	}
}

// handleThreadSummaryEvent merges a directory-level update pushed after
// run completion, renames, or new messages.
func (s *Session) handleThreadSummaryEvent(ev RealtimeEvent) {
	s.mu.Lock()
	cur := s.threads[ev.ThreadID]
	var snap ThreadSummary
	if cur != nil {
		snap = *cur
	}
	s.mu.Unlock()

	snap.ThreadID = ev.ThreadID
	if strings.TrimSpace(ev.Title) != "" {
		snap.Title = strings.TrimSpace(ev.Title)
	}
	if ev.UpdatedAtUnixMs > 0 {
		snap.UpdatedAtUnixMs = ev.UpdatedAtUnixMs
	}
	if ev.LastMessageAtUnixMs > 0 {
		snap.LastMessageAtUnixMs = ev.LastMessageAtUnixMs
	}
	if strings.TrimSpace(ev.LastMessagePreview) != "" {
		snap.LastMessagePreview = strings.TrimSpace(ev.LastMessagePreview)
	}
	if strings.TrimSpace(ev.RunStatus) != "" {
		snap.RunStatus = strings.TrimSpace(ev.RunStatus)
		snap.RunError = strings.TrimSpace(ev.RunError)
		if ev.AtUnixMs > 0 {
			snap.RunUpdatedAtUnixMs = ev.AtUnixMs
		}
	}
	s.applyThreadSnapshot(snap)

	if trimID(ev.ActiveRunID) != "" {
		s.adoptRemoteRun(ev.ThreadID, ev.ActiveRunID)
	}
}

func phaseLabel(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "planning":
		return "Planning"
	case "executing_tools", "executing-tools", "tools":
		return "Executing tools"
	case "synthesizing":
		return "Synthesizing"
	case "finalizing":
		return "Finalizing"
	case "", "end", "done":
		return ""
	default:
		return strings.TrimSpace(raw)
	}
}

// isTodoToolCompletion recognizes a finished write_todos tool call so the
// thread's task list can be refreshed without waiting for the next poll.
func isTodoToolCompletion(raw string) bool {
	blk := gjson.Get(raw, "block")
	if !blk.Exists() {
		return false
	}
	if strings.TrimSpace(blk.Get("type").String()) != "tool-call" {
		return false
	}
	if strings.TrimSpace(blk.Get("toolName").String()) != "write_todos" {
		return false
	}
	switch strings.TrimSpace(blk.Get("status").String()) {
	case "success", "error":
		return true
	default:
		return false
	}
}
