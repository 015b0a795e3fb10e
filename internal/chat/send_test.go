package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDraftTitle(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 120)
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"single line", "Fix the build", "Fix the build"},
		{"first line only", "Fix the build\nand the tests too", "Fix the build"},
		{"crlf", "Fix the build\r\nmore", "Fix the build"},
		{"whitespace trimmed", "   padded   \nrest", "padded"},
		{"blank falls back", "   \n\n", "New chat"},
		{"long line truncated", long, strings.Repeat("x", 80) + "…"},
	}
	for _, tc := range cases {
		if got := draftTitle(tc.in); got != tc.want {
			t.Fatalf("%s: draftTitle=%q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestSession(t, gw, nil)
	if _, err := s.Send(context.Background(), "th_1", "   \n\t"); err == nil {
		t.Fatalf("Send accepted whitespace-only text")
	}
	if gw.startCount() != 0 {
		t.Fatalf("startCalls=%d, want 0", gw.startCount())
	}
}

func TestSendRequiresConnection(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.mu.Lock()
	gw.connected = false
	gw.mu.Unlock()
	s := newTestSession(t, gw, nil)

	if _, err := s.Send(context.Background(), "th_1", "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
}

func TestSendWithoutModelCatalogFailsLocally(t *testing.T) {
	t.Parallel()

	// No bootstrap has run, so no model catalog is available yet. The send
	// must fail before anything reaches the agent.
	gw := newFakeGateway()
	s := newTestSession(t, gw, nil)

	if _, err := s.Send(context.Background(), "th_1", "hello"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v, want ErrNotConfigured", err)
	}
	if got := gw.startCount(); got != 0 {
		t.Fatalf("StartRun calls=%d, want 0", got)
	}

	// The draft path refuses to create a thread without a model either.
	if _, err := s.Send(context.Background(), "", "hello"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("draft err=%v, want ErrNotConfigured", err)
	}
	gw.mu.Lock()
	created := len(gw.threads)
	gw.mu.Unlock()
	if created != 0 {
		t.Fatalf("threads created=%d, want 0", created)
	}
}

func TestCreateThreadFailureSurfacesError(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	gw.createErr = errors.New("agent unavailable")
	s := newTestSession(t, gw, nil)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, err := s.Send(context.Background(), "", "hello"); err == nil {
		t.Fatalf("Send succeeded with failing thread creation")
	}
	if got := s.ActiveThreadID(); got != "" {
		t.Fatalf("active thread=%q after failed creation, want empty", got)
	}
}
