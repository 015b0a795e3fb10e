package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Models returns the current allow-list, nil when the agent has no AI config.
func (s *Session) Models() *ModelsView {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.models == nil {
		return nil
	}
	cp := *s.models
	cp.Models = append([]Model(nil), s.models.Models...)
	return &cp
}

// ResolvedModel resolves the model in effect for a thread:
// pending local override (if allowed) -> persisted thread model (if allowed)
// -> configured default. An empty thread id resolves the draft selection.
func (s *Session) ResolvedModel(threadID string) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvedModelLocked(trimID(threadID))
}

func (s *Session) resolvedModelLocked(threadID string) string {
	if s.models == nil {
		return ""
	}
	if threadID == "" {
		if s.models.Allowed(s.draftModel) {
			return s.draftModel
		}
		return strings.TrimSpace(s.models.DefaultModel)
	}
	if ov := s.overrides[threadID]; ov != "" && s.models.Allowed(ov) {
		return ov
	}
	if th := s.threads[threadID]; th != nil && s.models.Allowed(th.ModelID) {
		return strings.TrimSpace(th.ModelID)
	}
	return strings.TrimSpace(s.models.DefaultModel)
}

// SetDraftModel records the model preference for a not-yet-created thread.
func (s *Session) SetDraftModel(modelID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.draftModel = trimID(modelID)
	s.mu.Unlock()
	s.notify()
}

// SelectModel applies a model change for an existing thread optimistically,
// persists it, and rolls the override back if persistence fails.
func (s *Session) SelectModel(ctx context.Context, threadID string, modelID string) error {
	if s == nil {
		return errors.New("nil session")
	}
	threadID = trimID(threadID)
	modelID = trimID(modelID)
	if threadID == "" {
		s.SetDraftModel(modelID)
		return nil
	}

	s.mu.Lock()
	if s.models == nil {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	if !s.models.Allowed(modelID) {
		s.mu.Unlock()
		return fmt.Errorf("%w: model %q is not available", ErrRequestFailed, modelID)
	}
	prevOverride, hadOverride := s.overrides[threadID], s.overrides[threadID] != ""
	s.overrides[threadID] = modelID
	s.mu.Unlock()
	s.notify()

	if err := s.gw.PatchThread(ctx, threadID, ThreadPatch{ModelID: &modelID}); err != nil {
		s.mu.Lock()
		if s.overrides[threadID] == modelID {
			if hadOverride {
				s.overrides[threadID] = prevOverride
			} else {
				delete(s.overrides, threadID)
			}
		}
		s.mu.Unlock()
		s.notify()
		return err
	}
	return nil
}

// reconcileModelOverride runs on every pulled/pushed thread snapshot:
// overrides are cleared once the server-visible value matches, and an absent
// or no-longer-allowed persisted model is silently self-healed to the default,
// rate-limited per thread so a misconfigured backend is not hammered.
func (s *Session) reconcileModelOverride(threadID string, persistedModel string) {
	threadID = trimID(threadID)
	persistedModel = trimID(persistedModel)
	if threadID == "" {
		return
	}

	s.mu.Lock()
	if ov := s.overrides[threadID]; ov != "" && ov == persistedModel {
		delete(s.overrides, threadID)
	}
	models := s.models
	needHeal := models != nil && !models.Allowed(persistedModel)
	healDefault := ""
	if needHeal {
		healDefault = strings.TrimSpace(models.DefaultModel)
		if healDefault == "" || healDefault == persistedModel {
			needHeal = false
		}
	}
	if needHeal {
		if last, ok := s.healAt[threadID]; ok && s.now().Sub(last) < modelHealWindow {
			needHeal = false
		} else {
			s.healAt[threadID] = s.now()
		}
	}
	s.mu.Unlock()

	if !needHeal {
		return
	}

	s.log.Debug("chat.model.self_heal", "thread_id", threadID, "from", persistedModel, "to", healDefault)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
		defer cancel()
		// A failed heal stays silent and is retried on the next heal window.
		if err := s.gw.PatchThread(ctx, threadID, ThreadPatch{ModelID: &healDefault}); err != nil {
			s.log.Debug("chat.model.self_heal_failed", "thread_id", threadID, "error", err)
			return
		}
		s.mu.Lock()
		if th := s.threads[threadID]; th != nil && trimID(th.ModelID) == persistedModel {
			th.ModelID = healDefault
		}
		s.mu.Unlock()
		s.notify()
	}()
}
