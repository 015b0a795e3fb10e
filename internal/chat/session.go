package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/floegence/redeven-console/internal/chat/mirror"
)

type Options struct {
	Logger  *slog.Logger
	Gateway Gateway

	// Mirror is the optional local sqlite cache used for warm starts.
	Mirror *mirror.Store

	// RunIdleTimeout forces a tracked run terminal when no event of any kind
	// arrives for the window. Defaults to 2 minutes.
	RunIdleTimeout time.Duration
	// RunMaxWallTime is the hard cap for a tracked run's lifetime. Defaults to 15 minutes.
	RunMaxWallTime time.Duration
	// CancelWait bounds the cancel-and-wait step before a new send. Defaults to 12 seconds.
	CancelWait time.Duration
	// PollInterval is the supplemental pull cadence while a run is active. Defaults to 5 seconds.
	PollInterval time.Duration

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

const (
	defaultRunIdleTimeout = 2 * time.Minute
	defaultRunMaxWallTime = 15 * time.Minute
	defaultCancelWait     = 12 * time.Second
	defaultPollInterval   = 5 * time.Second

	// directoryRefreshInterval is the idle-state directory pull cadence.
	// Push events keep the directory current; the pull recovers dropped frames.
	directoryRefreshInterval = time.Minute

	// modelHealWindow rate-limits silent model self-heal patches per thread.
	modelHealWindow = 10 * time.Second

	// runStatusSkewTolerance guards against a pulled thread snapshot that
	// predates the locally tracked run (slow or cached status reads).
	runStatusSkewTolerance = 250 * time.Millisecond
)

// Session owns all chat synchronization state for one agent connection:
// the thread directory, per-thread transcripts and cursors, tracked runs,
// model overrides and todo views. It is safe for concurrent use.
//
// The UI layer reads snapshots and subscribes to Updates; all writes flow
// through Session methods and the realtime event handler.
type Session struct {
	log    *slog.Logger
	gw     Gateway
	mirror *mirror.Store
	now    func() time.Time

	runIdleTimeout time.Duration
	runMaxWallTime time.Duration
	cancelWait     time.Duration
	pollInterval   time.Duration

	mu          sync.Mutex
	models      *ModelsView
	threads     map[string]*ThreadSummary
	transcripts map[string]*transcript
	runs        map[string]*trackedRun // thread_id -> active tracked run
	overrides   map[string]string      // thread_id -> optimistic model id
	healAt      map[string]time.Time   // thread_id -> last self-heal attempt
	todos       map[string]*ThreadTodosView
	phases      map[string]string // thread_id -> lifecycle phase label
	sendBusy    map[string]bool   // thread_id -> send currently in flight
	pendingHard map[string]bool   // thread_id -> hard reload deferred until send settles
	draftModel  string
	activeID    string // thread displayed by the UI

	// sendMu strictly serializes run starts so two rapid sends never race
	// into two concurrent runs on one thread.
	sendMu sync.Mutex

	updatesCh  chan struct{}
	streamSink func(threadID string, ev json.RawMessage)

	closed    chan struct{}
	closeOnce sync.Once
}

func NewSession(opts Options) (*Session, error) {
	if opts.Gateway == nil {
		return nil, errors.New("missing Gateway")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	idleTO := opts.RunIdleTimeout
	if idleTO <= 0 {
		idleTO = defaultRunIdleTimeout
	}
	maxWall := opts.RunMaxWallTime
	if maxWall <= 0 {
		maxWall = defaultRunMaxWallTime
	}
	cancelWait := opts.CancelWait
	if cancelWait <= 0 {
		cancelWait = defaultCancelWait
	}
	pollEvery := opts.PollInterval
	if pollEvery <= 0 {
		pollEvery = defaultPollInterval
	}

	s := &Session{
		log:            logger,
		gw:             opts.Gateway,
		mirror:         opts.Mirror,
		now:            nowFn,
		runIdleTimeout: idleTO,
		runMaxWallTime: maxWall,
		cancelWait:     cancelWait,
		pollInterval:   pollEvery,
		threads:        make(map[string]*ThreadSummary),
		transcripts:    make(map[string]*transcript),
		runs:           make(map[string]*trackedRun),
		overrides:      make(map[string]string),
		healAt:         make(map[string]time.Time),
		todos:          make(map[string]*ThreadTodosView),
		phases:         make(map[string]string),
		sendBusy:       make(map[string]bool),
		pendingHard:    make(map[string]bool),
		updatesCh:      make(chan struct{}, 1),
		closed:         make(chan struct{}),
	}
	go s.directoryRefresher()
	return s, nil
}

func (s *Session) directoryRefresher() {
	t := time.NewTicker(directoryRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
		}
		if !s.gw.Connected() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
		if err := s.RefreshDirectory(ctx); err != nil {
			s.log.Debug("chat.directory.refresh_failed", "error", err)
		}
		cancel()
	}
}

func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	runs := make([]*trackedRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()
	for _, r := range runs {
		r.stopWatch()
	}
}

// Updates is a coalescing change signal for the UI layer.
func (s *Session) Updates() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.updatesCh
}

func (s *Session) notify() {
	if s == nil {
		return
	}
	select {
	case s.updatesCh <- struct{}{}:
	default:
	}
}

// SetStreamSink installs the live-rendering hook. Stream events are
// presentation-only and forwarded unconditionally.
func (s *Session) SetStreamSink(fn func(threadID string, ev json.RawMessage)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.streamSink = fn
	s.mu.Unlock()
}

// WarmStart seeds the directory and transcripts from the local mirror so the
// UI has content before the first network pull. Mirrored transcripts are not
// trusted incrementally: the baseline flag stays unset, forcing a full load.
func (s *Session) WarmStart(ctx context.Context) error {
	if s == nil {
		return errors.New("nil session")
	}
	if s.mirror == nil {
		return nil
	}
	threads, err := s.mirror.ListThreads(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, mt := range threads {
		if mt.ThreadID == "" {
			continue
		}
		th := threadFromMirror(mt)
		s.threads[th.ThreadID] = &th
	}
	s.mu.Unlock()

	for _, mt := range threads {
		rows, err := s.mirror.ListMessages(ctx, mt.ThreadID, 0, 200)
		if err != nil {
			continue
		}
		s.mu.Lock()
		tr := s.transcriptLocked(mt.ThreadID)
		for _, row := range rows {
			tr.upsert(row.RowID, row.MessageJSON)
		}
		// Keep cursor at 0: the mirror may be stale, so the first network
		// load must be a baseline.
		tr.cursor = 0
		tr.baselineLoaded = false
		s.mu.Unlock()
	}
	s.notify()
	return nil
}

// Bootstrap performs the initial pulls after (re)connect: model allow-list and
// thread directory. Transcript baselines load lazily per opened thread.
func (s *Session) Bootstrap(ctx context.Context) error {
	if s == nil {
		return errors.New("nil session")
	}
	models, err := s.gw.GetModels(ctx)
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		return err
	}
	s.mu.Lock()
	s.models = models
	s.mu.Unlock()

	if err := s.RefreshDirectory(ctx); err != nil {
		return err
	}
	s.notify()
	return nil
}

// HandleConnected reconciles state after the event channel (re)establishes.
// The subscribe snapshot names currently running threads; everything else is
// unprovable, so active threads get a hard refresh.
func (s *Session) HandleConnected(ctx context.Context, activeRuns []ActiveThreadRun) {
	if s == nil {
		return
	}
	for _, ar := range activeRuns {
		s.adoptRemoteRun(ar.ThreadID, ar.RunID)
	}
	if err := s.Bootstrap(ctx); err != nil {
		s.log.Warn("chat.reconnect.bootstrap_failed", "error", err)
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.transcripts))
	for id, tr := range s.transcripts {
		if tr.baselineLoaded {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	// A reconnect means pushed rows may have been dropped; reload baselines.
	for _, id := range ids {
		s.scheduleHardReload(id)
	}
}

// ActiveThreadID returns the thread currently displayed by the UI.
func (s *Session) ActiveThreadID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// OpenThread makes the thread the displayed one and ensures its transcript
// baseline is loaded. Switching away from a running thread does not cancel
// the run: per-thread state stays live regardless of what is displayed.
func (s *Session) OpenThread(ctx context.Context, threadID string) error {
	if s == nil {
		return errors.New("nil session")
	}
	threadID = trimID(threadID)

	s.mu.Lock()
	s.activeID = threadID
	var needBaseline bool
	var runActive bool
	if threadID != "" {
		tr := s.transcriptLocked(threadID)
		needBaseline = !tr.baselineLoaded
		runActive = s.runs[threadID] != nil
	}
	s.mu.Unlock()
	s.notify()

	if threadID == "" {
		return nil
	}
	if needBaseline {
		return s.loadBaseline(ctx, threadID)
	}
	if runActive {
		// A run was active while this thread was in the background; the engine
		// cannot prove push completeness for it, so reload.
		s.scheduleHardReload(threadID)
	}
	return nil
}

// Messages returns the ordered transcript snapshot for a thread.
func (s *Session) Messages(threadID string) []*Message {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.transcripts[trimID(threadID)]
	return tr.snapshot()
}

// HasMessages supports empty-state rendering.
func (s *Session) HasMessages(threadID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcripts[trimID(threadID)].hasMessages()
}

// Phase returns the human-readable lifecycle phase label for a thread
// (planning / executing tools / synthesizing / finalizing), empty when idle.
func (s *Session) Phase(threadID string) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phases[trimID(threadID)]
}

// ToggleToolCollapsed flips a UI-only collapse toggle and persists it
// best-effort; the toggle survives incoming snapshot merges either way.
func (s *Session) ToggleToolCollapsed(ctx context.Context, threadID string, messageID string, toolID string, collapsed bool) error {
	if s == nil {
		return errors.New("nil session")
	}
	threadID = trimID(threadID)

	s.mu.Lock()
	m := s.transcripts[threadID].get(messageID)
	changed := m.SetToolCollapsed(toolID, collapsed)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	if m == nil || m.Local {
		return nil
	}
	return s.gw.SetToolCollapsed(ctx, threadID, m.ID, toolID, collapsed)
}

func (s *Session) transcriptLocked(threadID string) *transcript {
	threadID = trimID(threadID)
	tr := s.transcripts[threadID]
	if tr == nil {
		tr = newTranscript(threadID)
		s.transcripts[threadID] = tr
	}
	return tr
}

// loadBaseline fetches the most recent transcript window and establishes the
// cursor for incremental pulls.
func (s *Session) loadBaseline(ctx context.Context, threadID string) error {
	page, err := s.gw.ListMessages(ctx, threadID, 0, true, baselinePageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	tr := s.transcriptLocked(threadID)
	tr.mergeBaseline(page.Messages)
	s.mu.Unlock()
	s.mirrorMessages(threadID, page.Messages)
	s.notify()
	return nil
}

// scheduleHardReload re-establishes the baseline in the background. Used when
// the engine cannot prove it has seen every event for a thread. If a send is
// in flight the reload is deferred until the send settles, so the optimistic
// message the send just added is not clobbered.
func (s *Session) scheduleHardReload(threadID string) {
	if s == nil {
		return
	}
	threadID = trimID(threadID)
	if threadID == "" {
		return
	}

	s.mu.Lock()
	if s.sendBusy[threadID] {
		s.pendingHard[threadID] = true
		s.mu.Unlock()
		return
	}
	tr := s.transcriptLocked(threadID)
	tr.reset()
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
		defer cancel()
		if err := s.loadBaseline(ctx, threadID); err != nil {
			s.log.Warn("chat.transcript.hard_reload_failed", "thread_id", threadID, "error", err)
		}
		if th, err := s.gw.GetThread(ctx, threadID); err == nil && th != nil {
			s.applyThreadSnapshot(*th)
		}
	}()
}

func (s *Session) mirrorMessages(threadID string, items []TranscriptItem) {
	if s == nil || s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()
	for _, it := range items {
		if it.RowID <= 0 {
			continue
		}
		if err := s.mirror.UpsertMessage(ctx, threadID, it.RowID, string(it.MessageJSON)); err != nil {
			s.log.Debug("chat.mirror.message_upsert_failed", "thread_id", threadID, "row_id", it.RowID, "error", err)
			return
		}
	}
}

const (
	baselinePageSize = 200
	deltaPageSize    = 200
	pullTimeout      = 10 * time.Second
	mirrorOpTimeout  = 3 * time.Second
)

func threadFromMirror(t mirror.Thread) ThreadSummary {
	return ThreadSummary{
		ThreadID:            t.ThreadID,
		Title:               t.Title,
		ModelID:             t.ModelID,
		RunStatus:           t.RunStatus,
		RunUpdatedAtUnixMs:  t.RunUpdatedAtUnixMs,
		RunError:            t.RunError,
		CreatedAtUnixMs:     t.CreatedAtUnixMs,
		UpdatedAtUnixMs:     t.UpdatedAtUnixMs,
		LastMessageAtUnixMs: t.LastMessageAtUnixMs,
		LastMessagePreview:  t.LastMessagePreview,
	}
}

func mirrorThread(th ThreadSummary) mirror.Thread {
	return mirror.Thread{
		ThreadID:            th.ThreadID,
		Title:               th.Title,
		ModelID:             th.ModelID,
		RunStatus:           th.RunStatus,
		RunUpdatedAtUnixMs:  th.RunUpdatedAtUnixMs,
		RunError:            th.RunError,
		CreatedAtUnixMs:     th.CreatedAtUnixMs,
		UpdatedAtUnixMs:     th.UpdatedAtUnixMs,
		LastMessageAtUnixMs: th.LastMessageAtUnixMs,
		LastMessagePreview:  th.LastMessagePreview,
	}
}
