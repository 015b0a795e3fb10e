package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxDraftTitleLen = 80

// Send starts a run for the user's message. An empty thread id means the
// draft path: a thread is created first, from the draft model selection and a
// title derived from the message.
//
// Sends are strictly serialized. If the target thread already has a tracked
// run, it is canceled and awaited first; a thread never carries two runs. The
// returned thread id is the one the run landed on (new for drafts).
func (s *Session) Send(ctx context.Context, threadID string, text string) (string, error) {
	if s == nil {
		return "", errors.New("nil session")
	}
	text = strings.TrimRight(text, " \t\r\n")
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty message")
	}
	if !s.gw.Connected() {
		return "", ErrNotConnected
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	threadID = trimID(threadID)
	if threadID == "" {
		created, err := s.createThreadForDraft(ctx, text)
		if err != nil {
			return "", err
		}
		threadID = created
	}

	if err := s.cancelAndWait(ctx, threadID); err != nil {
		return threadID, err
	}

	model := s.ResolvedModel(threadID)
	if model == "" {
		// No model catalog from the agent yet, or nothing usable in it.
		// Starting a run with an empty model would only bounce off the server.
		return threadID, fmt.Errorf("%w: no model available", ErrNotConfigured)
	}

	s.mu.Lock()
	s.sendBusy[threadID] = true
	s.mu.Unlock()
	defer s.settleSend(threadID)

	msgID := "local_" + uuid.NewString()
	s.insertOptimisticUserMessage(threadID, msgID, text)

	r := s.trackPendingRun(threadID)
	runID, err := s.gw.StartRun(ctx, RunStartRequest{
		ThreadID: threadID,
		Model:    model,
		Input: RunInput{
			MessageID: msgID,
			Text:      text,
		},
	})
	if err != nil {
		s.abandonPendingRun(r, msgID)
		return threadID, fmt.Errorf("start run: %w", err)
	}

	s.confirmRun(r, runID)
	s.log.Info("chat.run.started", "thread_id", threadID, "run_id", runID, "model", model)
	return threadID, nil
}

// createThreadForDraft materializes a thread from the draft state.
func (s *Session) createThreadForDraft(ctx context.Context, text string) (string, error) {
	title := draftTitle(text)

	s.mu.Lock()
	model := s.draftModel
	if !s.models.Allowed(model) {
		model = ""
	}
	if model == "" && s.models != nil {
		model = strings.TrimSpace(s.models.DefaultModel)
	}
	s.mu.Unlock()
	if model == "" {
		return "", fmt.Errorf("%w: no model available", ErrNotConfigured)
	}

	th, err := s.gw.CreateThread(ctx, title, model)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if th == nil || trimID(th.ThreadID) == "" {
		return "", fmt.Errorf("%w: create thread returned no id", ErrRequestFailed)
	}

	s.applyThreadSnapshot(*th)
	s.mu.Lock()
	s.activeID = th.ThreadID
	s.draftModel = ""
	// A just-created thread has no history; its baseline is trivially loaded.
	tr := s.transcriptLocked(th.ThreadID)
	tr.baselineLoaded = true
	s.mu.Unlock()

	s.log.Info("chat.thread.created", "thread_id", th.ThreadID, "model", model)
	s.notify()
	return th.ThreadID, nil
}

// insertOptimisticUserMessage shows the user's turn immediately; the persisted
// copy later merges into it by message id.
func (s *Session) insertOptimisticUserMessage(threadID string, msgID string, text string) {
	raw, err := json.Marshal(map[string]any{
		"id":        msgID,
		"role":      "user",
		"status":    "complete",
		"timestamp": s.now().UnixMilli(),
		"blocks":    []any{map[string]any{"type": "markdown", "content": text}},
	})
	if err != nil {
		return
	}
	m, ok := newMessage(0, string(raw))
	if !ok {
		return
	}
	s.mu.Lock()
	s.transcriptLocked(threadID).insertLocal(m)
	s.mu.Unlock()
	s.notify()
}

// abandonPendingRun rolls back a start that the server rejected: the tracked
// run is dropped and the optimistic message removed so the composer can
// restore the text for retry.
func (s *Session) abandonPendingRun(r *trackedRun, msgID string) {
	s.mu.Lock()
	if cur := s.runs[r.threadID]; cur == r {
		delete(s.runs, r.threadID)
	}
	removed := s.transcripts[r.threadID].removeByID(msgID)
	s.mu.Unlock()

	r.stopWatch()
	if removed {
		s.notify()
	}
	s.log.Warn("chat.run.start_rejected", "thread_id", r.threadID)
}

// settleSend clears the in-flight flag and performs any hard reload that was
// deferred while the send was racing it.
func (s *Session) settleSend(threadID string) {
	s.mu.Lock()
	delete(s.sendBusy, threadID)
	deferred := s.pendingHard[threadID]
	delete(s.pendingHard, threadID)
	s.mu.Unlock()
	if deferred {
		s.scheduleHardReload(threadID)
	}
}

// draftTitle derives a thread title from the first line of the message.
func draftTitle(text string) string {
	line := text
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "New chat"
	}
	runes := []rune(line)
	if len(runes) > maxDraftTitleLen {
		line = strings.TrimSpace(string(runes[:maxDraftTitleLen])) + "…"
	}
	return line
}
