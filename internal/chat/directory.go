package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// RefreshDirectory pulls the thread list and merges it. Threads that
// disappeared server-side are dropped, along with their dependent state.
func (s *Session) RefreshDirectory(ctx context.Context) error {
	if s == nil {
		return errors.New("nil session")
	}
	page, err := s.gw.ListThreads(ctx, directoryPageSize, "")
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(page.Threads))
	for _, th := range page.Threads {
		seen[trimID(th.ThreadID)] = struct{}{}
		s.applyThreadSnapshot(th)
	}

	s.mu.Lock()
	var removed []string
	for id := range s.threads {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(s.threads, id)
		delete(s.transcripts, id)
		delete(s.todos, id)
		delete(s.overrides, id)
		delete(s.healAt, id)
	}
	s.mu.Unlock()

	if s.mirror != nil {
		mctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
		for _, id := range removed {
			_ = s.mirror.DeleteThread(mctx, id)
		}
		cancel()
	}
	s.notify()
	return nil
}

// applyThreadSnapshot merges one pulled/pushed thread summary.
//
// The server's run_status is subordinate to the locally tracked run: when the
// snapshot claims the thread is not running but a run is tracked locally, the
// snapshot is trusted only if its run_updated_at is at least as recent as the
// local run's start (minus a small clock-skew tolerance). A stale status read
// must not clear a run that only just started.
func (s *Session) applyThreadSnapshot(th ThreadSummary) {
	th.ThreadID = trimID(th.ThreadID)
	if th.ThreadID == "" {
		return
	}

	var endRun bool
	var endRunID string

	s.mu.Lock()
	r := s.runs[th.ThreadID]
	if r != nil && !IsActiveRunState(th.RunStatus) {
		cutoff := r.startedAt.Add(-runStatusSkewTolerance).UnixMilli()
		if th.RunUpdatedAtUnixMs >= cutoff && IsTerminalRunState(th.RunStatus) {
			endRun = true
			endRunID = r.runID
		} else {
			// Snapshot predates the run; keep the local view of run state.
			th.RunStatus = string(RunStateRunning)
			th.RunError = ""
		}
	}
	cur := s.threads[th.ThreadID]
	if cur == nil {
		cp := th
		s.threads[th.ThreadID] = &cp
	} else {
		*cur = th
	}
	persistedModel := th.ModelID
	s.mu.Unlock()

	if endRun {
		s.markRunTerminal(th.ThreadID, endRunID, NormalizeRunState(th.RunStatus), th.RunError, "pull")
	}

	s.reconcileModelOverride(th.ThreadID, persistedModel)

	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
		if err := s.mirror.UpsertThread(ctx, mirrorThread(th)); err != nil {
			s.log.Debug("chat.mirror.thread_upsert_failed", "thread_id", th.ThreadID, "error", err)
		}
		cancel()
	}
	s.notify()
}

// Thread returns the directory entry for one thread.
func (s *Session) Thread(threadID string) *ThreadSummary {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threads[trimID(threadID)]
	if th == nil {
		return nil
	}
	cp := *th
	return &cp
}

// Threads returns the directory ordered most-recently-updated first.
func (s *Session) Threads() []ThreadSummary {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]ThreadSummary, 0, len(s.threads))
	for _, th := range s.threads {
		out = append(out, *th)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAtUnixMs == out[j].UpdatedAtUnixMs {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].UpdatedAtUnixMs > out[j].UpdatedAtUnixMs
	})
	return out
}

// FilterThreads fuzzy-matches the directory by title and preview for the
// sidebar filter box. An empty query returns the full ordered directory.
func (s *Session) FilterThreads(query string) []ThreadSummary {
	all := s.Threads()
	query = strings.TrimSpace(query)
	if query == "" {
		return all
	}
	haystack := make([]string, len(all))
	for i, th := range all {
		haystack[i] = th.Title + " " + th.LastMessagePreview
	}
	matches := fuzzy.Find(query, haystack)
	out := make([]ThreadSummary, 0, len(matches))
	for _, m := range matches {
		out = append(out, all[m.Index])
	}
	return out
}

// RenameThread persists a new title with optimistic local apply and
// compensating rollback on failure.
func (s *Session) RenameThread(ctx context.Context, threadID string, title string) error {
	if s == nil {
		return errors.New("nil session")
	}
	threadID = trimID(threadID)
	title = strings.TrimSpace(title)
	if threadID == "" || title == "" {
		return fmt.Errorf("%w: missing thread or title", ErrRequestFailed)
	}

	s.mu.Lock()
	th := s.threads[threadID]
	if th == nil {
		s.mu.Unlock()
		return ErrThreadNotFound
	}
	prev := th.Title
	th.Title = title
	s.mu.Unlock()
	s.notify()

	if err := s.gw.PatchThread(ctx, threadID, ThreadPatch{Title: &title}); err != nil {
		s.mu.Lock()
		if cur := s.threads[threadID]; cur != nil && cur.Title == title {
			cur.Title = prev
		}
		s.mu.Unlock()
		s.notify()
		return err
	}
	return nil
}

// DeleteThread removes a thread. When a run is tracked locally and force is
// set, the run is driven to terminal first so the delete does not race with
// message persistence; without force the delete fails with ErrThreadBusy.
func (s *Session) DeleteThread(ctx context.Context, threadID string, force bool) error {
	if s == nil {
		return errors.New("nil session")
	}
	threadID = trimID(threadID)
	if threadID == "" {
		return fmt.Errorf("%w: missing thread id", ErrRequestFailed)
	}

	s.mu.Lock()
	running := s.runs[threadID] != nil
	s.mu.Unlock()
	if running {
		if !force {
			return ErrThreadBusy
		}
		if err := s.cancelAndWait(ctx, threadID); err != nil {
			return err
		}
	}

	if err := s.gw.DeleteThread(ctx, threadID, force); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.threads, threadID)
	delete(s.transcripts, threadID)
	delete(s.todos, threadID)
	delete(s.overrides, threadID)
	delete(s.healAt, threadID)
	delete(s.phases, threadID)
	if s.activeID == threadID {
		s.activeID = ""
	}
	s.mu.Unlock()

	if s.mirror != nil {
		mctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
		_ = s.mirror.DeleteThread(mctx, threadID)
		cancel()
	}
	s.notify()
	return nil
}

const directoryPageSize = 100
