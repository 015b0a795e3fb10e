package mirror

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestThreadUpsertAndList(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertThread(ctx, Thread{ThreadID: "th_1", Title: "first", UpdatedAtUnixMs: 100}); err != nil {
		t.Fatalf("UpsertThread: %v", err)
	}
	if err := s.UpsertThread(ctx, Thread{ThreadID: "th_2", Title: "second", UpdatedAtUnixMs: 300}); err != nil {
		t.Fatalf("UpsertThread: %v", err)
	}
	// Re-upsert replaces in place, no duplicate row.
	if err := s.UpsertThread(ctx, Thread{ThreadID: "th_1", Title: "renamed", ModelID: "model-a", UpdatedAtUnixMs: 200}); err != nil {
		t.Fatalf("UpsertThread: %v", err)
	}

	got, err := s.ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("threads=%d, want 2", len(got))
	}
	// Most recently updated first.
	if got[0].ThreadID != "th_2" || got[1].ThreadID != "th_1" {
		t.Fatalf("order=%s,%s, want th_2,th_1", got[0].ThreadID, got[1].ThreadID)
	}
	if got[1].Title != "renamed" || got[1].ModelID != "model-a" {
		t.Fatalf("upsert did not replace: %+v", got[1])
	}
}

func TestMessageUpsertAndPagination(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := s.UpsertMessage(ctx, "th_1", i, `{"id":"m"}`); err != nil {
			t.Fatalf("UpsertMessage(%d): %v", i, err)
		}
	}
	if err := s.UpsertMessage(ctx, "th_1", 3, `{"id":"m","edited":true}`); err != nil {
		t.Fatalf("UpsertMessage overwrite: %v", err)
	}

	rows, err := s.ListMessages(ctx, "th_1", 0, 100)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("rows=%d, want 5", len(rows))
	}
	for i, r := range rows {
		if r.RowID != int64(i+1) {
			t.Fatalf("rows out of order: %v", rows)
		}
	}
	if rows[2].MessageJSON != `{"id":"m","edited":true}` {
		t.Fatalf("overwrite lost: %s", rows[2].MessageJSON)
	}

	rows, err = s.ListMessages(ctx, "th_1", 3, 100)
	if err != nil {
		t.Fatalf("ListMessages after=3: %v", err)
	}
	if len(rows) != 2 || rows[0].RowID != 4 {
		t.Fatalf("after=3 rows=%v, want 4,5", rows)
	}

	rows, err = s.ListMessages(ctx, "th_1", 0, 2)
	if err != nil {
		t.Fatalf("ListMessages limit=2: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("limit not applied: %d rows", len(rows))
	}
}

func TestDeleteThreadRemovesMessages(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertThread(ctx, Thread{ThreadID: "th_1"}); err != nil {
		t.Fatalf("UpsertThread: %v", err)
	}
	if err := s.UpsertMessage(ctx, "th_1", 1, `{"id":"m"}`); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	if err := s.DeleteThread(ctx, "th_1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	threads, err := s.ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 0 {
		t.Fatalf("threads=%d after delete, want 0", len(threads))
	}
	rows, err := s.ListMessages(ctx, "th_1", 0, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows=%d after delete, want 0", len(rows))
	}
}

func TestOpenIsReentrant(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mirror.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.UpsertThread(context.Background(), Thread{ThreadID: "th_1", Title: "t"}); err != nil {
		t.Fatalf("UpsertThread: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	threads, err := s2.ListThreads(context.Background())
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 1 || threads[0].Title != "t" {
		t.Fatalf("persisted state lost: %v", threads)
	}
}
