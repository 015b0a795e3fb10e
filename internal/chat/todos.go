package chat

import "context"

// Todos returns the latest known task list for a thread, nil when none.
func (s *Session) Todos(threadID string) *ThreadTodosView {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.todos[trimID(threadID)]
}

// refreshTodos pulls the thread's task list in the background. Responses merge
// by version so a stale pull never replaces a newer view.
func (s *Session) refreshTodos(threadID string) {
	if s == nil {
		return
	}
	threadID = trimID(threadID)
	if threadID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	defer cancel()
	view, err := s.gw.GetThreadTodos(ctx, threadID)
	if err != nil {
		s.log.Debug("chat.todos.refresh_failed", "thread_id", threadID, "error", err)
		return
	}
	if view == nil {
		return
	}

	s.mu.Lock()
	cur := s.todos[threadID]
	if cur != nil && cur.Version > view.Version {
		s.mu.Unlock()
		return
	}
	s.todos[threadID] = view
	s.mu.Unlock()
	s.notify()
}
