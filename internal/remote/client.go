package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	fsclient "github.com/floegence/flowersec/flowersec-go/client"
	directv1 "github.com/floegence/flowersec/flowersec-go/gen/flowersec/direct/v1"
	"github.com/floegence/flowersec/flowersec-go/origin"
	fsrpc "github.com/floegence/flowersec/flowersec-go/rpc"
	rpctyped "github.com/floegence/flowersec/flowersec-go/rpc/typed"

	"github.com/floegence/redeven-console/internal/chat"
)

const (
	// TypeID_SYS_PING mirrors the agent's health check RPC.
	TypeID_SYS_PING uint32 = 4001

	keepaliveInterval = 15 * time.Second
	pingInterval      = 10 * time.Second
	rpcCallTimeout    = 30 * time.Second
)

type pingReq struct{}

type pingResp struct {
	ServerTimeMs    int64  `json:"server_time_ms,omitempty"`
	AgentInstanceID string `json:"agent_instance_id,omitempty"`
	Version         string `json:"version,omitempty"`
	Commit          string `json:"commit,omitempty"`
	BuildTime       string `json:"build_time,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	Direct *directv1.DirectConnectInfo

	// OnEvent receives every decoded AI notify payload.
	OnEvent func(chat.RealtimeEvent)
	// OnConnected fires after each successful subscribe, with the snapshot of
	// currently active runs.
	OnConnected func(ctx context.Context, activeRuns []chat.ActiveThreadRun)
	// OnDisconnected fires when an established channel drops.
	OnDisconnected func(err error)
}

// Client maintains the Flowersec channel to the agent and implements
// chat.Gateway on top of it. It reconnects with backoff until the run
// context is canceled; calls made while disconnected fail fast with
// chat.ErrNotConnected.
type Client struct {
	log    *slog.Logger
	direct *directv1.DirectConnectInfo

	onEvent        func(chat.RealtimeEvent)
	onConnected    func(ctx context.Context, activeRuns []chat.ActiveThreadRun)
	onDisconnected func(err error)

	mu   sync.Mutex
	rpcC *fsrpc.Client
}

func NewClient(opts Options) (*Client, error) {
	if opts.Direct == nil {
		return nil, errors.New("missing direct connect info")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		log:            logger,
		direct:         opts.Direct,
		onEvent:        opts.OnEvent,
		onConnected:    opts.OnConnected,
		onDisconnected: opts.OnDisconnected,
	}, nil
}

// Run connects and keeps reconnecting until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	backoff := newBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("remote.channel_disconnected", "error", err)
		if c.onDisconnected != nil {
			c.onDisconnected(err)
		}

		d := backoff.Next()
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	org, err := origin.FromWSURL(c.direct.WsUrl)
	if err != nil {
		return err
	}

	conn, err := fsclient.ConnectDirect(ctx, c.direct,
		fsclient.WithOrigin(org),
		fsclient.WithKeepaliveInterval(keepaliveInterval),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	rpcC := conn.RPC()
	if rpcC == nil {
		return errors.New("missing rpc client")
	}

	unsub := rpcC.OnNotify(TypeID_AI_EVENT_NOTIFY, func(payload json.RawMessage) {
		c.handleEventNotify(payload)
	})
	defer unsub()

	resp, err := rpctyped.Call[aiSubscribeReq, aiSubscribeResp](ctx, rpcC, TypeID_AI_SUBSCRIBE, &aiSubscribeReq{})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.rpcC = rpcC
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.rpcC = nil
		c.mu.Unlock()
	}()

	c.log.Info("remote.channel_established", "active_runs", len(resp.ActiveRuns))
	if c.onConnected != nil {
		c.onConnected(ctx, resp.ActiveRuns)
	}

	// The ping loop doubles as liveness detection: a dead channel surfaces
	// here as a call error, which tears the connection down for reconnect.
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := rpctyped.Call[pingReq, pingResp](ctx, rpcC, TypeID_SYS_PING, &pingReq{}); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleEventNotify(payload json.RawMessage) {
	var ev chat.RealtimeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Warn("remote.event_decode_failed", "error", err)
		return
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// Connected reports whether the channel is established and subscribed.
func (c *Client) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpcC != nil
}

func (c *Client) rpc() (*fsrpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcC == nil {
		return nil, chat.ErrNotConnected
	}
	return c.rpcC, nil
}

func call[Req any, Resp any](ctx context.Context, c *Client, typeID uint32, req *Req) (*Resp, error) {
	rpcC, err := c.rpc()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rpcCallTimeout)
		defer cancel()
	}
	resp, err := rpctyped.Call[Req, Resp](ctx, rpcC, typeID, req)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

// --- chat.Gateway ---

func (c *Client) GetModels(ctx context.Context) (*chat.ModelsView, error) {
	resp, err := call[aiModelsGetReq, aiModelsGetResp](ctx, c, TypeID_AI_MODELS_GET, &aiModelsGetReq{})
	if err != nil {
		return nil, err
	}
	return &chat.ModelsView{DefaultModel: resp.DefaultModel, Models: resp.Models}, nil
}

func (c *Client) CreateThread(ctx context.Context, title string, modelID string) (*chat.ThreadSummary, error) {
	return call[aiThreadCreateReq, chat.ThreadSummary](ctx, c, TypeID_AI_THREAD_CREATE, &aiThreadCreateReq{
		Title:   strings.TrimSpace(title),
		ModelID: strings.TrimSpace(modelID),
	})
}

func (c *Client) ListThreads(ctx context.Context, limit int, cursor string) (*chat.ThreadsPage, error) {
	resp, err := call[aiThreadsListReq, aiThreadsListResp](ctx, c, TypeID_AI_THREADS_LIST, &aiThreadsListReq{
		Limit:  limit,
		Cursor: strings.TrimSpace(cursor),
	})
	if err != nil {
		return nil, err
	}
	return &chat.ThreadsPage{Threads: resp.Threads, NextCursor: resp.NextCursor}, nil
}

func (c *Client) GetThread(ctx context.Context, threadID string) (*chat.ThreadSummary, error) {
	return call[aiThreadGetReq, chat.ThreadSummary](ctx, c, TypeID_AI_THREAD_GET, &aiThreadGetReq{
		ThreadID: strings.TrimSpace(threadID),
	})
}

func (c *Client) PatchThread(ctx context.Context, threadID string, patch chat.ThreadPatch) error {
	_, err := call[aiThreadPatchReq, aiThreadPatchResp](ctx, c, TypeID_AI_THREAD_PATCH, &aiThreadPatchReq{
		ThreadID: strings.TrimSpace(threadID),
		Title:    patch.Title,
		ModelID:  patch.ModelID,
	})
	return err
}

func (c *Client) DeleteThread(ctx context.Context, threadID string, force bool) error {
	_, err := call[aiThreadDeleteReq, aiThreadDeleteResp](ctx, c, TypeID_AI_THREAD_DELETE, &aiThreadDeleteReq{
		ThreadID: strings.TrimSpace(threadID),
		Force:    force,
	})
	return err
}

func (c *Client) ListMessages(ctx context.Context, threadID string, afterRowID int64, tail bool, limit int) (*chat.TranscriptPage, error) {
	resp, err := call[aiListMessagesReq, aiListMessagesResp](ctx, c, TypeID_AI_MESSAGES_LIST, &aiListMessagesReq{
		ThreadID:   strings.TrimSpace(threadID),
		AfterRowID: afterRowID,
		Tail:       tail,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	out := &chat.TranscriptPage{
		NextAfterRowID: resp.NextAfterRowID,
		HasMore:        resp.HasMore,
	}
	for _, m := range resp.Messages {
		if m.RowID <= 0 || len(m.MessageJSON) == 0 {
			continue
		}
		out.Messages = append(out.Messages, chat.TranscriptItem{RowID: m.RowID, MessageJSON: m.MessageJSON})
	}
	return out, nil
}

func (c *Client) StartRun(ctx context.Context, req chat.RunStartRequest) (string, error) {
	resp, err := call[aiRunStartReq, aiRunStartResp](ctx, c, TypeID_AI_RUN_START, &aiRunStartReq{
		ThreadID: strings.TrimSpace(req.ThreadID),
		Model:    strings.TrimSpace(req.Model),
		Input:    req.Input,
		Options:  req.Options,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.RunID), nil
}

func (c *Client) CancelRun(ctx context.Context, runID string, threadID string) error {
	_, err := call[aiRunCancelReq, aiRunCancelResp](ctx, c, TypeID_AI_RUN_CANCEL, &aiRunCancelReq{
		RunID:    strings.TrimSpace(runID),
		ThreadID: strings.TrimSpace(threadID),
	})
	return err
}

func (c *Client) GetThreadTodos(ctx context.Context, threadID string) (*chat.ThreadTodosView, error) {
	resp, err := call[aiThreadTodosReq, aiThreadTodosResp](ctx, c, TypeID_AI_THREAD_TODOS, &aiThreadTodosReq{
		ThreadID: strings.TrimSpace(threadID),
	})
	if err != nil {
		return nil, err
	}
	return &chat.ThreadTodosView{
		Version:         resp.Version,
		UpdatedAtUnixMs: resp.UpdatedAtUnixMs,
		Todos:           resp.Todos,
	}, nil
}

func (c *Client) SetToolCollapsed(ctx context.Context, threadID string, messageID string, toolID string, collapsed bool) error {
	_, err := call[aiToolCollapseReq, aiToolCollapseResp](ctx, c, TypeID_AI_TOOL_COLLAPSE, &aiToolCollapseReq{
		ThreadID:  strings.TrimSpace(threadID),
		MessageID: strings.TrimSpace(messageID),
		ToolID:    strings.TrimSpace(toolID),
		Collapsed: collapsed,
	})
	return err
}

// --- helper: backoff ---

type backoff struct {
	attempt int
}

func newBackoff() *backoff { return &backoff{} }

func (b *backoff) Next() time.Duration {
	// 250ms, 450ms, 810ms, ... capped at 10s
	if b.attempt < 0 {
		b.attempt = 0
	}
	base := 250 * time.Millisecond
	d := time.Duration(float64(base) * pow(1.8, b.attempt))
	b.attempt++
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
