package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type runPhase int

const (
	runPending runPhase = iota
	runConfirmed
	runTerminal
)

// trackedRun is the locally tracked active run for one thread.
//
// Lifecycle: pending (start requested) -> confirmed (run_id known) ->
// terminal (first terminal observation from push, pull, or watchdog).
// A terminal run is simply no longer tracked for its thread.
type trackedRun struct {
	threadID string
	runID    string
	phase    runPhase

	startedAt   time.Time
	lastEventAt time.Time

	activityCh chan struct{}
	doneCh     chan struct{}

	watchCtx    context.Context
	watchCancel context.CancelFunc

	terminalStatus RunState
	terminalError  string

	noticeOnce sync.Once
}

func newTrackedRun(threadID string, now time.Time) *trackedRun {
	ctx, cancel := context.WithCancel(context.Background())
	return &trackedRun{
		threadID:    trimID(threadID),
		phase:       runPending,
		startedAt:   now,
		lastEventAt: now,
		activityCh:  make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		watchCtx:    ctx,
		watchCancel: cancel,
	}
}

func (r *trackedRun) stopWatch() {
	if r == nil {
		return
	}
	r.watchCancel()
}

func (r *trackedRun) signalActivity() {
	if r == nil {
		return
	}
	select {
	case r.activityCh <- struct{}{}:
	default:
	}
}

func trimID(raw string) string {
	return strings.TrimSpace(raw)
}

// RunActive reports whether a run is locally tracked for the thread.
func (s *Session) RunActive(threadID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[trimID(threadID)] != nil
}

// ActiveRunID returns the tracked run id for the thread (empty while pending
// or when no run is tracked).
func (s *Session) ActiveRunID(threadID string) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.runs[trimID(threadID)]; r != nil {
		return r.runID
	}
	return ""
}

// trackPendingRun registers the not-yet-acknowledged run for a thread.
// Callers hold sendMu so at most one start is in flight session-wide.
func (s *Session) trackPendingRun(threadID string) *trackedRun {
	r := newTrackedRun(threadID, s.now())
	s.mu.Lock()
	s.runs[r.threadID] = r
	s.mu.Unlock()
	return r
}

// confirmRun records the server-assigned run id and starts the watchdog and
// the supplemental poll loop, both tied to the run's lifetime.
func (s *Session) confirmRun(r *trackedRun, runID string) {
	runID = trimID(runID)
	s.mu.Lock()
	r.runID = runID
	r.phase = runConfirmed
	r.lastEventAt = s.now()
	s.mu.Unlock()

	s.log.Debug("chat.run.confirmed", "thread_id", r.threadID, "run_id", runID)
	go s.runWatchdog(r)
	go s.runPoller(r)
	s.notify()
}

// adoptRemoteRun tracks a run that was started elsewhere (another browser
// session, or discovered via a subscribe snapshot after reconnect).
func (s *Session) adoptRemoteRun(threadID string, runID string) {
	if s == nil {
		return
	}
	threadID = trimID(threadID)
	runID = trimID(runID)
	if threadID == "" || runID == "" {
		return
	}

	s.mu.Lock()
	if existing := s.runs[threadID]; existing != nil {
		if existing.runID == "" && existing.phase == runPending {
			// Our own pending start; the ack will confirm it.
			s.mu.Unlock()
			return
		}
		if existing.runID == runID {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		// A different run replaced the one we tracked; ours must be over.
		s.markRunTerminal(threadID, existing.runID, RunStateSuccess, "", "superseded")
		s.mu.Lock()
	}
	r := newTrackedRun(threadID, s.now())
	r.runID = runID
	r.phase = runConfirmed
	s.runs[threadID] = r
	s.mu.Unlock()

	s.log.Debug("chat.run.adopted", "thread_id", threadID, "run_id", runID)
	go s.runWatchdog(r)
	go s.runPoller(r)
	s.notify()
}

// touchRunActivity feeds the watchdog. Any event scoped to the thread counts.
func (s *Session) touchRunActivity(threadID string, runID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	r := s.runs[trimID(threadID)]
	if r != nil && (runID == "" || r.runID == "" || r.runID == trimID(runID)) {
		r.lastEventAt = s.now()
	} else {
		r = nil
	}
	s.mu.Unlock()
	r.signalActivity()
}

// markRunTerminal applies the first terminal observation for a run, from any
// source (push, pull, or watchdog). Later observations are absorbed silently.
func (s *Session) markRunTerminal(threadID string, runID string, status RunState, runErr string, source string) {
	if s == nil {
		return
	}
	threadID = trimID(threadID)
	runID = trimID(runID)

	s.mu.Lock()
	r := s.runs[threadID]
	if r == nil || r.phase == runTerminal {
		s.mu.Unlock()
		return
	}
	// A terminal notice for a different run does not end the tracked one.
	if runID != "" && r.runID != "" && r.runID != runID {
		s.mu.Unlock()
		return
	}
	r.phase = runTerminal
	r.terminalStatus = status
	r.terminalError = strings.TrimSpace(runErr)
	delete(s.runs, threadID)
	delete(s.phases, threadID)
	if th := s.threads[threadID]; th != nil {
		th.RunStatus = string(status)
		th.RunError = strings.TrimSpace(runErr)
		th.RunUpdatedAtUnixMs = s.now().UnixMilli()
	}
	sendBusy := s.sendBusy[threadID]
	s.mu.Unlock()

	r.stopWatch()
	close(r.doneCh)

	s.log.Info("chat.run.terminal",
		"thread_id", threadID,
		"run_id", r.runID,
		"status", string(status),
		"source", source,
	)

	go s.refreshTodos(threadID)
	// Self-heal against dropped frames: reload the persisted transcript.
	// While a send is in flight the reload is deferred (see scheduleHardReload).
	if sendBusy {
		s.mu.Lock()
		s.pendingHard[threadID] = true
		s.mu.Unlock()
	} else {
		s.scheduleHardReload(threadID)
	}
	s.notify()
}

// StopRun requests cancellation of the tracked run for a thread. Advisory:
// the run stays tracked until a terminal event is observed or the watchdog fires.
func (s *Session) StopRun(ctx context.Context, threadID string) error {
	if s == nil {
		return ErrRequestFailed
	}
	threadID = trimID(threadID)

	s.mu.Lock()
	r := s.runs[threadID]
	runID := ""
	if r != nil {
		runID = r.runID
	}
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return s.gw.CancelRun(ctx, runID, threadID)
}

// cancelAndWait drives the tracked run for a thread to terminal before a new
// start. On timeout the caller must fail the new send rather than racing two
// runs on one thread.
func (s *Session) cancelAndWait(ctx context.Context, threadID string) error {
	threadID = trimID(threadID)

	s.mu.Lock()
	r := s.runs[threadID]
	runID := ""
	if r != nil {
		runID = r.runID
	}
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	if err := s.gw.CancelRun(ctx, runID, threadID); err != nil {
		// Cancel can fail silently server-side anyway; the wait below decides.
		s.log.Debug("chat.run.cancel_request_failed", "thread_id", threadID, "run_id", runID, "error", err)
	}

	timer := time.NewTimer(s.cancelWait)
	defer timer.Stop()
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: prior run did not stop in time", ErrThreadBusy)
	}
}

// runWatchdog guarantees the UI never shows "running" forever when push
// delivery silently stops: after the idle window, or past the wall-clock
// budget, the run is forced terminal locally.
func (s *Session) runWatchdog(r *trackedRun) {
	wallTimer := time.NewTimer(s.runMaxWallTime)
	idleTimer := time.NewTimer(s.runIdleTimeout)
	defer wallTimer.Stop()
	defer idleTimer.Stop()

	for {
		select {
		case <-r.watchCtx.Done():
			return
		case <-r.activityCh:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(s.runIdleTimeout)
		case <-wallTimer.C:
			s.watchdogExpire(r, "wall_clock")
			return
		case <-idleTimer.C:
			s.watchdogExpire(r, "idle")
			return
		}
	}
}

func (s *Session) watchdogExpire(r *trackedRun, reason string) {
	s.log.Warn("chat.run.watchdog_expired", "thread_id", r.threadID, "run_id", r.runID, "reason", reason)

	// Best-effort server-side cancellation; the run may genuinely still be alive.
	ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	defer cancel()
	if err := s.gw.CancelRun(ctx, r.runID, r.threadID); err != nil {
		s.log.Debug("chat.run.watchdog_cancel_failed", "thread_id", r.threadID, "error", err)
	}

	// The run may still be executing server-side; the notice records that
	// ambiguity in the transcript. Appended exactly once per run.
	r.noticeOnce.Do(func() {
		s.appendLocalNotice(r.threadID, "The assistant stopped responding and the run was timed out locally. It may still be finishing on the agent; refresh to pick up any late messages.")
	})

	s.markRunTerminal(r.threadID, r.runID, RunStateTimedOut, "no events received within the idle window", "watchdog")
}

// appendLocalNotice adds a client-only system message to the transcript.
func (s *Session) appendLocalNotice(threadID string, text string) {
	raw, err := json.Marshal(map[string]any{
		"id":        "notice_" + uuid.NewString(),
		"role":      "system",
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

// runPoller supplements the push stream while the run is active: periodic
// delta pulls plus a thread snapshot pull, stopped when the run goes terminal.
// Stale responses are safe: everything merges idempotently by identity.
func (s *Session) runPoller(r *trackedRun) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.watchCtx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
		s.pullDelta(ctx, r.threadID)
		if th, err := s.gw.GetThread(ctx, r.threadID); err == nil && th != nil {
			s.applyThreadSnapshot(*th)
		}
		cancel()
	}
}

// pullDelta fetches persisted rows after the thread's cursor and merges them.
func (s *Session) pullDelta(ctx context.Context, threadID string) error {
	threadID = trimID(threadID)

	s.mu.Lock()
	tr := s.transcriptLocked(threadID)
	after := tr.cursor
	loaded := tr.baselineLoaded
	s.mu.Unlock()
	if !loaded {
		return nil
	}

	for {
		page, err := s.gw.ListMessages(ctx, threadID, after, false, deltaPageSize)
		if err != nil {
			s.log.Debug("chat.transcript.delta_pull_failed", "thread_id", threadID, "error", err)
			return err
		}
		if len(page.Messages) == 0 {
			return nil
		}
		s.mu.Lock()
		changed := tr.mergeDelta(page.Messages)
		after = tr.cursor
		s.mu.Unlock()
		s.mirrorMessages(threadID, page.Messages)
		if changed {
			s.notify()
		}
		if !page.HasMore {
			return nil
		}
	}
}
