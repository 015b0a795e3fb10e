package chat

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestStreamEventUpdatesPhaseAndForwardsToSink(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestSession(t, gw, nil)

	var mu sync.Mutex
	var forwarded []string
	s.SetStreamSink(func(threadID string, ev json.RawMessage) {
		mu.Lock()
		forwarded = append(forwarded, threadID+":"+string(ev))
		mu.Unlock()
	})

	s.HandleRealtimeEvent(RealtimeEvent{
		EventType:   RealtimeEventTypeStream,
		ThreadID:    "th_1",
		StreamEvent: json.RawMessage(`{"type":"lifecycle-phase","phase":"executing_tools"}`),
	})
	if got := s.Phase("th_1"); got != "Executing tools" {
		t.Fatalf("phase=%q, want Executing tools", got)
	}

	s.HandleRealtimeEvent(RealtimeEvent{
		EventType:   RealtimeEventTypeStream,
		ThreadID:    "th_1",
		StreamEvent: json.RawMessage(`{"type":"lifecycle-phase","phase":"end"}`),
	})
	if got := s.Phase("th_1"); got != "" {
		t.Fatalf("phase=%q after end, want cleared", got)
	}

	mu.Lock()
	n := len(forwarded)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("sink received %d events, want 2", n)
	}
}

func TestPhaseLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"planning", "Planning"},
		{"executing_tools", "Executing tools"},
		{"EXECUTING-TOOLS", "Executing tools"},
		{"synthesizing", "Synthesizing"},
		{"finalizing", "Finalizing"},
		{"end", ""},
		{"done", ""},
		{"", ""},
		{"custom_phase", "custom_phase"},
	}
	for _, tc := range cases {
		if got := phaseLabel(tc.in); got != tc.want {
			t.Fatalf("phaseLabel(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTodoToolCompletionTriggersRefresh(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.mu.Lock()
	gw.todos = &ThreadTodosView{Version: 1, Todos: []TodoItem{{ID: "1", Content: "a", Status: TodoStatusPending}}}
	gw.mu.Unlock()
	s := newTestSession(t, gw, nil)

	s.HandleRealtimeEvent(RealtimeEvent{
		EventType:   RealtimeEventTypeStream,
		ThreadID:    "th_1",
		StreamEvent: json.RawMessage(`{"type":"block-set","block":{"type":"tool-call","toolName":"write_todos","status":"success"}}`),
	})

	if !waitUntil(t, time.Second, func() bool { return s.Todos("th_1") != nil }) {
		t.Fatalf("todos not refreshed after write_todos completion")
	}
}

func TestIsTodoToolCompletion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"success", `{"block":{"type":"tool-call","toolName":"write_todos","status":"success"}}`, true},
		{"error", `{"block":{"type":"tool-call","toolName":"write_todos","status":"error"}}`, true},
		{"still running", `{"block":{"type":"tool-call","toolName":"write_todos","status":"running"}}`, false},
		{"other tool", `{"block":{"type":"tool-call","toolName":"read_file","status":"success"}}`, false},
		{"not a tool block", `{"block":{"type":"markdown","content":"x"}}`, false},
		{"no block", `{"type":"block-set"}`, false},
	}
	for _, tc := range cases {
		if got := isTodoToolCompletion(tc.raw); got != tc.want {
			t.Fatalf("%s: isTodoToolCompletion=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestThreadStateActiveAdoptsRemoteRun(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestSession(t, gw, func(o *Options) {
		o.PollInterval = time.Hour
		o.RunIdleTimeout = time.Hour
	})

	// A run started from another client becomes tracked here.
	s.HandleRealtimeEvent(RealtimeEvent{
		EventType: RealtimeEventTypeThreadState,
		ThreadID:  "th_1",
		RunID:     "run_remote",
		RunStatus: string(RunStateRunning),
	})
	if got := s.ActiveRunID("th_1"); got != "run_remote" {
		t.Fatalf("run id=%q, want adopted run_remote", got)
	}

	// A newer run on the same thread supersedes the adopted one.
	s.HandleRealtimeEvent(RealtimeEvent{
		EventType: RealtimeEventTypeThreadState,
		ThreadID:  "th_1",
		RunID:     "run_next",
		RunStatus: string(RunStateRunning),
	})
	if got := s.ActiveRunID("th_1"); got != "run_next" {
		t.Fatalf("run id=%q, want superseding run_next", got)
	}
}

func TestThreadStateTerminalForOtherRunIgnored(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestSession(t, gw, func(o *Options) {
		o.PollInterval = time.Hour
		o.RunIdleTimeout = time.Hour
	})

	r := s.trackPendingRun("th_1")
	s.confirmRun(r, "run_current")

	s.HandleRealtimeEvent(RealtimeEvent{
		EventType: RealtimeEventTypeThreadState,
		ThreadID:  "th_1",
		RunID:     "run_stale",
		RunStatus: string(RunStateSuccess),
	})
	if !s.RunActive("th_1") {
		t.Fatalf("terminal event for a different run ended the tracked one")
	}
}

func TestThreadSummaryEventMergesIntoDirectory(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestSession(t, gw, nil)
	s.applyThreadSnapshot(ThreadSummary{
		ThreadID:        "th_1",
		Title:           "Original title",
		ModelID:         "model-a",
		UpdatedAtUnixMs: 100,
	})

	s.HandleRealtimeEvent(RealtimeEvent{
		EventType:           RealtimeEventTypeThreadSummary,
		ThreadID:            "th_1",
		Title:               "Renamed",
		UpdatedAtUnixMs:     200,
		LastMessagePreview:  "latest answer",
		LastMessageAtUnixMs: 190,
	})

	th := s.Thread("th_1")
	if th == nil {
		t.Fatalf("thread missing")
	}
	if th.Title != "Renamed" {
		t.Fatalf("title=%q, want Renamed", th.Title)
	}
	if th.ModelID != "model-a" {
		t.Fatalf("model=%q, fields absent from the event must survive", th.ModelID)
	}
	if th.UpdatedAtUnixMs != 200 || th.LastMessagePreview != "latest answer" {
		t.Fatalf("merge incomplete: %+v", th)
	}
}

func TestEventsWithoutThreadIDAreDropped(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestSession(t, gw, nil)

	s.HandleRealtimeEvent(RealtimeEvent{
		EventType:    RealtimeEventTypeTranscript,
		MessageRowID: 1,
		MessageJSON:  json.RawMessage(msgJSON("m_1", "user", "x")),
	})
	if len(s.Threads()) != 0 {
		t.Fatalf("threadless event created directory state")
	}
}
