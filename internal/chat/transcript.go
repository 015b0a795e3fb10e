package chat

import "strings"

// transcript is the per-thread message log plus the seen cursor.
//
// Ordering invariant: persisted messages ascend by row id; unmatched local
// optimistic messages keep their original relative position. The cursor never
// regresses, and duplicate message ids never produce duplicate entries,
// regardless of whether a row arrives via push, baseline pull, or delta pull.
type transcript struct {
	threadID string

	messages []*Message
	byID     map[string]*Message

	// cursor is the highest persisted row id incorporated so far.
	cursor int64
	// baselineLoaded marks that a full (non-incremental) load has happened;
	// gap detection is meaningful only after that.
	baselineLoaded bool

	nextSeq int64
}

func newTranscript(threadID string) *transcript {
	return &transcript{
		threadID: strings.TrimSpace(threadID),
		byID:     make(map[string]*Message),
	}
}

func (t *transcript) hasMessages() bool {
	return t != nil && len(t.messages) > 0
}

func (t *transcript) get(id string) *Message {
	if t == nil {
		return nil
	}
	return t.byID[strings.TrimSpace(id)]
}

func (t *transcript) snapshot() []*Message {
	if t == nil {
		return nil
	}
	out := make([]*Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// insertLocal appends a client-only optimistic message.
func (t *transcript) insertLocal(m *Message) {
	if t == nil || m == nil || strings.TrimSpace(m.ID) == "" {
		return
	}
	if existing := t.byID[m.ID]; existing != nil {
		return
	}
	m.Local = true
	m.RowID = 0
	t.nextSeq++
	m.seq = t.nextSeq
	t.byID[m.ID] = m
	t.messages = append(t.messages, m)
}

// removeByID drops a message (used to roll back a failed optimistic send).
func (t *transcript) removeByID(id string) bool {
	if t == nil {
		return false
	}
	id = strings.TrimSpace(id)
	if id == "" || t.byID[id] == nil {
		return false
	}
	delete(t.byID, id)
	for i, m := range t.messages {
		if m.ID == id {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			break
		}
	}
	return true
}

// upsert applies one persisted row. It returns whether the visible transcript
// changed. The cursor is advanced by the caller (gap handling lives there).
func (t *transcript) upsert(rowID int64, raw string) bool {
	if t == nil {
		return false
	}
	incoming, ok := newMessage(rowID, raw)
	if !ok {
		return false
	}
	if existing := t.byID[incoming.ID]; existing != nil {
		wasLocal := existing.Local
		existing.applySnapshot(rowID, raw)
		if wasLocal && !existing.Local {
			t.reposition(existing)
		}
		return true
	}
	t.nextSeq++
	incoming.seq = t.nextSeq
	t.byID[incoming.ID] = incoming
	t.insertByRow(incoming)
	return true
}

// insertByRow places a persisted message after the last persisted message
// with a smaller row id, leaving local messages where they are.
func (t *transcript) insertByRow(m *Message) {
	if m.RowID <= 0 {
		t.messages = append(t.messages, m)
		return
	}
	at := len(t.messages)
	for i := len(t.messages) - 1; i >= 0; i-- {
		cur := t.messages[i]
		if cur.RowID > 0 && cur.RowID <= m.RowID {
			at = i + 1
			break
		}
		if cur.RowID > 0 && cur.RowID > m.RowID {
			at = i
		}
	}
	t.messages = append(t.messages, nil)
	copy(t.messages[at+1:], t.messages[at:])
	t.messages[at] = m
}

// reposition re-places a message that just acquired a row id (an optimistic
// message matched by its persisted copy).
func (t *transcript) reposition(m *Message) {
	for i, cur := range t.messages {
		if cur == m {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			break
		}
	}
	t.insertByRow(m)
}

// mergeBaseline replaces the thread view wholesale while preserving unmatched
// local optimistic messages. It establishes the cursor.
func (t *transcript) mergeBaseline(items []TranscriptItem) {
	if t == nil {
		return
	}
	prev := t.byID
	var locals []*Message
	for _, m := range t.messages {
		if m.Local && m.RowID <= 0 {
			locals = append(locals, m)
		}
	}

	t.messages = t.messages[:0]
	t.byID = make(map[string]*Message, len(items)+len(locals))

	maxRow := int64(0)
	for _, it := range items {
		incoming, ok := newMessage(it.RowID, string(it.MessageJSON))
		if !ok {
			continue
		}
		if dup := t.byID[incoming.ID]; dup != nil {
			dup.applySnapshot(it.RowID, string(it.MessageJSON))
			if it.RowID > maxRow {
				maxRow = it.RowID
			}
			continue
		}
		m := incoming
		// A message we already held keeps its object: content comes from the
		// incoming snapshot, UI-only ephemeral state (collapse toggles)
		// carries forward from the existing copy.
		if old := prev[incoming.ID]; old != nil {
			old.applySnapshot(it.RowID, string(it.MessageJSON))
			m = old
		}
		t.nextSeq++
		m.seq = t.nextSeq
		t.byID[m.ID] = m
		t.insertByRow(m)
		if it.RowID > maxRow {
			maxRow = it.RowID
		}
	}

	// Locals persisted since our last view were matched by id above; only
	// still-unmatched ones are re-added.
	for _, lm := range locals {
		if t.byID[lm.ID] != nil {
			continue
		}
		t.byID[lm.ID] = lm
		t.messages = append(t.messages, lm)
	}

	if maxRow > t.cursor {
		t.cursor = maxRow
	}
	t.baselineLoaded = true
}

// mergeDelta applies incremental rows without discarding anything.
func (t *transcript) mergeDelta(items []TranscriptItem) bool {
	if t == nil {
		return false
	}
	changed := false
	for _, it := range items {
		if t.upsert(it.RowID, string(it.MessageJSON)) {
			changed = true
		}
		if it.RowID > t.cursor {
			t.cursor = it.RowID
		}
	}
	return changed
}

// reset invalidates the incremental view so the next load is a baseline.
func (t *transcript) reset() {
	if t == nil {
		return
	}
	t.cursor = 0
	t.baselineLoaded = false
}
