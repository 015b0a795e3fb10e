package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeGateway is an in-memory Gateway for engine tests. Behavior is
// configurable per call site; all fields are guarded by mu.
type fakeGateway struct {
	mu sync.Mutex

	connected bool
	models    *ModelsView

	threads map[string]*ThreadSummary

	createdThread *ThreadSummary
	createErr     error

	listMessagesFn func(threadID string, afterRowID int64, tail bool, limit int) (*TranscriptPage, error)

	startRunID string
	startErr   error
	startCalls []RunStartRequest

	cancelCalls int
	cancelErr   error

	patchCalls []ThreadPatch
	patchErr   error

	todos    *ThreadTodosView
	todosErr error

	collapseCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		connected: true,
		models: &ModelsView{
			DefaultModel: "model-a",
			Models: []Model{
				{ID: "model-a", Label: "Model A"},
				{ID: "model-b", Label: "Model B"},
			},
		},
		threads:    make(map[string]*ThreadSummary),
		startRunID: "run_1",
	}
}

func (g *fakeGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) GetModels(_ context.Context) (*ModelsView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.models, nil
}

func (g *fakeGateway) CreateThread(_ context.Context, title string, modelID string) (*ThreadSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	th := g.createdThread
	if th == nil {
		th = &ThreadSummary{
			ThreadID:        fmt.Sprintf("th_%d", len(g.threads)+1),
			Title:           title,
			ModelID:         modelID,
			RunStatus:       string(RunStateIdle),
			CreatedAtUnixMs: time.Now().UnixMilli(),
			UpdatedAtUnixMs: time.Now().UnixMilli(),
		}
	}
	cp := *th
	g.threads[cp.ThreadID] = &cp
	return &cp, nil
}

func (g *fakeGateway) ListThreads(_ context.Context, _ int, _ string) (*ThreadsPage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	page := &ThreadsPage{}
	for _, th := range g.threads {
		page.Threads = append(page.Threads, *th)
	}
	return page, nil
}

func (g *fakeGateway) GetThread(_ context.Context, threadID string) (*ThreadSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	th := g.threads[threadID]
	if th == nil {
		return nil, ErrThreadNotFound
	}
	cp := *th
	return &cp, nil
}

func (g *fakeGateway) PatchThread(_ context.Context, threadID string, patch ThreadPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.patchCalls = append(g.patchCalls, patch)
	if g.patchErr != nil {
		return g.patchErr
	}
	if th := g.threads[threadID]; th != nil {
		if patch.Title != nil {
			th.Title = *patch.Title
		}
		if patch.ModelID != nil {
			th.ModelID = *patch.ModelID
		}
	}
	return nil
}

func (g *fakeGateway) DeleteThread(_ context.Context, threadID string, _ bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.threads, threadID)
	return nil
}

func (g *fakeGateway) ListMessages(_ context.Context, threadID string, afterRowID int64, tail bool, limit int) (*TranscriptPage, error) {
	g.mu.Lock()
	fn := g.listMessagesFn
	g.mu.Unlock()
	if fn != nil {
		return fn(threadID, afterRowID, tail, limit)
	}
	return &TranscriptPage{}, nil
}

func (g *fakeGateway) StartRun(_ context.Context, req RunStartRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startCalls = append(g.startCalls, req)
	if g.startErr != nil {
		return "", g.startErr
	}
	return g.startRunID, nil
}

func (g *fakeGateway) CancelRun(_ context.Context, _ string, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	return g.cancelErr
}

func (g *fakeGateway) GetThreadTodos(_ context.Context, _ string) (*ThreadTodosView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.todosErr != nil {
		return nil, g.todosErr
	}
	return g.todos, nil
}

func (g *fakeGateway) SetToolCollapsed(_ context.Context, _ string, _ string, _ string, _ bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collapseCalls++
	return nil
}

func (g *fakeGateway) cancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelCalls
}

func (g *fakeGateway) patchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.patchCalls)
}

func (g *fakeGateway) startCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.startCalls)
}

func (g *fakeGateway) putThread(th ThreadSummary) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := th
	g.threads[th.ThreadID] = &cp
}

func newTestSession(t *testing.T, gw *fakeGateway, tweak func(*Options)) *Session {
	t.Helper()
	opts := Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		Gateway: gw,
	}
	if tweak != nil {
		tweak(&opts)
	}
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func msgJSON(id string, role string, text string) string {
	return fmt.Sprintf(`{"id":%q,"role":%q,"status":"complete","timestamp":%d,"blocks":[{"type":"markdown","content":%q}]}`,
		id, role, time.Now().UnixMilli(), text)
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
