// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/jeranaias/chatcore/internal/model"
	"github.com/jeranaias/chatcore/internal/storage"
)

// DefaultConversationTitle is the placeholder title given to conversations
// created without one.
const DefaultConversationTitle = "New Conversation"

// maxAutoTitleLen is the rune budget for titles derived from message content.
const maxAutoTitleLen = 50

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// ConversationObserver receives a defensive copy of the conversation list
// after every mutation, most recently updated first.
type ConversationObserver func(convs []*model.Conversation)

// ConversationUpdate carries the fields a conversation update may change.
// Nil fields are left untouched; updated_at is always refreshed.
type ConversationUpdate struct {
	Title        *string
	MessageCount *int
}

// ConversationStore is the in-memory cache of conversation records mirrored
// to durable storage. It owns "current conversation" selection and keeps the
// denormalized message counts visible to observers.
type ConversationStore struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	backing      *storage.Store
	defaultTitle string

	// conversations is ordered most recently updated first.
	conversations []*model.Conversation
	currentID     int64

	subscribers map[int]ConversationObserver
	nextSubID   int
}

// NewConversationStore creates a conversation store over the given backing
// storage. An empty defaultTitle falls back to DefaultConversationTitle.
func NewConversationStore(backing *storage.Store, defaultTitle string) *ConversationStore {
	if defaultTitle == "" {
		defaultTitle = DefaultConversationTitle
	}
	return &ConversationStore{
		backing:      backing,
		defaultTitle: defaultTitle,
		subscribers:  make(map[int]ConversationObserver),
	}
}

// Subscribe registers an observer and returns its unsubscribe function.
func (s *ConversationStore) Subscribe(fn ConversationObserver) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// publishLocked snapshots state and claims the notification slot while the
// store lock is still held, so notification order matches mutation order.
// The returned function delivers the snapshot and must be called after the
// store lock is released.
func (s *ConversationStore) publishLocked() func() {
	snap := model.CloneConversations(s.conversations)
	subs := make([]ConversationObserver, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.notifyMu.Lock()
	return func() {
		defer s.notifyMu.Unlock()
		for _, fn := range subs {
			fn(snap)
		}
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Init loads all conversations ordered by updated_at descending. If none
// exist, a default conversation is created; otherwise the most recently
// updated one becomes current.
func (s *ConversationStore) Init(ctx context.Context) error {
	convs, err := s.backing.ListConversations(ctx)
	if err != nil {
		return err
	}

	if len(convs) == 0 {
		_, err := s.CreateConversation(ctx, "")
		return err
	}

	s.mu.Lock()
	s.conversations = convs
	s.currentID = convs[0].ID
	deliver := s.publishLocked()
	s.mu.Unlock()
	deliver()
	return nil
}

// CreateConversation inserts a conversation with a zero message count,
// prepends it to the list, and selects it as current.
func (s *ConversationStore) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	if title == "" {
		title = s.defaultTitle
	}

	conv, err := s.backing.InsertConversation(ctx, title)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conversations = append([]*model.Conversation{conv}, s.conversations...)
	s.currentID = conv.ID
	deliver := s.publishLocked()
	s.mu.Unlock()
	deliver()
	return conv.Clone(), nil
}

// UpdateConversation merges the update into the conversation, refreshes
// updated_at, persists, and updates the cache entry in place.
func (s *ConversationStore) UpdateConversation(ctx context.Context, id int64, update ConversationUpdate) error {
	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return storage.ErrConversationNotFound
	}
	merged := conv.Clone()
	s.mu.Unlock()

	if update.Title != nil {
		merged.Title = *update.Title
	}
	if update.MessageCount != nil {
		merged.MessageCount = *update.MessageCount
		if merged.MessageCount < 0 {
			merged.MessageCount = 0
		}
	}
	merged.Touch()

	if err := s.backing.UpdateConversation(ctx, merged); err != nil {
		return err
	}

	s.mu.Lock()
	if conv := s.findLocked(id); conv != nil {
		*conv = *merged
		s.resortLocked(id)
	}
	deliver := s.publishLocked()
	s.mu.Unlock()
	deliver()
	return nil
}

// DeleteConversation deletes the conversation and all its messages. If it
// was current, selection falls back to the next most recent conversation,
// or a fresh default conversation if none remain.
func (s *ConversationStore) DeleteConversation(ctx context.Context, id int64) error {
	if err := s.backing.DeleteConversation(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	for i, c := range s.conversations {
		if c.ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	wasCurrent := s.currentID == id
	if wasCurrent {
		if len(s.conversations) > 0 {
			s.currentID = s.conversations[0].ID
		} else {
			s.currentID = 0
		}
	}
	empty := len(s.conversations) == 0
	deliver := s.publishLocked()
	s.mu.Unlock()
	deliver()

	if wasCurrent && empty {
		_, err := s.CreateConversation(ctx, "")
		return err
	}
	return nil
}

// SwitchConversation validates the target exists (warns and no-ops when
// missing), sets it as current, and touches updated_at.
func (s *ConversationStore) SwitchConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		log.Printf("WARNING: switch to unknown conversation %d ignored", id)
		return nil
	}
	merged := conv.Clone()
	s.mu.Unlock()

	merged.Touch()
	if err := s.backing.UpdateConversation(ctx, merged); err != nil {
		return err
	}

	s.mu.Lock()
	s.currentID = id
	if conv := s.findLocked(id); conv != nil {
		conv.UpdatedAt = merged.UpdatedAt
		s.resortLocked(id)
	}
	deliver := s.publishLocked()
	s.mu.Unlock()
	deliver()
	return nil
}

// =============================================================================
// MESSAGE COUNT MAINTENANCE
// =============================================================================

// UpdateMessageCount applies a delta to a conversation's message count,
// floored at zero, and persists via UpdateConversation.
func (s *ConversationStore) UpdateMessageCount(ctx context.Context, id int64, delta int) error {
	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return storage.ErrConversationNotFound
	}
	count := conv.MessageCount + delta
	s.mu.Unlock()

	if count < 0 {
		count = 0
	}
	return s.UpdateConversation(ctx, id, ConversationUpdate{MessageCount: &count})
}

// applyMessageCount refreshes the cached count after MessageStore already
// bumped the durable counter inside its message transaction. Cache-only;
// no second durable write.
func (s *ConversationStore) applyMessageCount(id int64, count int) {
	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return
	}
	conv.MessageCount = count
	conv.Touch()
	s.resortLocked(id)
	deliver := s.publishLocked()
	s.mu.Unlock()
	deliver()
}

// autoTitle derives a title from the first user message when the
// conversation still carries the default placeholder.
func (s *ConversationStore) autoTitle(ctx context.Context, id int64, content string) {
	s.mu.Lock()
	conv := s.findLocked(id)
	needsTitle := conv != nil && conv.Title == s.defaultTitle && content != ""
	s.mu.Unlock()
	if !needsTitle {
		return
	}

	title := deriveTitle(content)
	if err := s.UpdateConversation(ctx, id, ConversationUpdate{Title: &title}); err != nil {
		log.Printf("WARNING: failed to auto-title conversation %d: %v", id, err)
	}
}

// =============================================================================
// READS
// =============================================================================

// GetCurrentConversationID returns the current conversation id, 0 if none.
func (s *ConversationStore) GetCurrentConversationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// GetCurrentConversation returns a copy of the current conversation record,
// or nil if none is selected.
func (s *ConversationStore) GetCurrentConversation() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv := s.findLocked(s.currentID); conv != nil {
		return conv.Clone()
	}
	return nil
}

// Conversations returns a copy of the cached list, most recent first.
func (s *ConversationStore) Conversations() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneConversations(s.conversations)
}

// =============================================================================
// HELPERS
// =============================================================================

// findLocked returns the cached conversation for id. Caller holds s.mu.
func (s *ConversationStore) findLocked(id int64) *model.Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// resortLocked moves a freshly touched conversation to the front, keeping
// the updated_at descending order. Caller holds s.mu.
func (s *ConversationStore) resortLocked(id int64) {
	for i, c := range s.conversations {
		if c.ID == id {
			if i == 0 {
				return
			}
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			s.conversations = append([]*model.Conversation{c}, s.conversations...)
			return
		}
	}
}

// deriveTitle builds a title from message content: newlines stripped,
// truncated to maxAutoTitleLen runes.
func deriveTitle(content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	content = strings.ReplaceAll(content, "\r", "")
	runes := []rune(content)
	if len(runes) > maxAutoTitleLen {
		return string(runes[:maxAutoTitleLen-3]) + "..."
	}
	return content
}
