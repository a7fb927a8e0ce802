// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/chatcore/internal/model"
	"github.com/jeranaias/chatcore/internal/storage"
)

// =============================================================================
// OBSERVER TYPES
// =============================================================================

// OrderState tells observers whether a published order has been durably
// renumbered yet. Reorder publishes twice: a Proposed snapshot immediately
// for responsiveness, then a Committed snapshot once timestamps are
// reassigned and persisted.
type OrderState int

const (
	// OrderCommitted means the snapshot matches durable state.
	OrderCommitted OrderState = iota

	// OrderProposed means the snapshot is an in-memory reorder that has not
	// been renumbered and persisted yet.
	OrderProposed
)

// Snapshot is what observers receive after every mutation: a defensive copy
// of the full message list plus its order state.
type Snapshot struct {
	Messages []*model.Message
	Order    OrderState
}

// MessageObserver receives store snapshots. The message list is a deep copy;
// mutating it cannot affect store state.
type MessageObserver func(Snapshot)

// MessageUpdate carries the fields an edit may change. Nil fields are left
// untouched.
type MessageUpdate struct {
	Role     *model.Role
	Content  *string
	Files    []model.FileRef
	Logprobs []model.Logprob
}

// =============================================================================
// MESSAGE STORE
// =============================================================================

// MessageStore is the authoritative in-memory cache of messages in the
// current conversation, mirrored to durable storage. Edits to the same
// message id are serialized through a keyed mutex; edits to different ids
// proceed concurrently.
type MessageStore struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	backing       *storage.Store
	conversations *ConversationStore

	messages  []*model.Message
	currentID int64

	edits      *KeyedMutex
	reordering atomic.Bool

	subscribers map[int]MessageObserver
	nextSubID   int
}

// NewMessageStore creates a message store over the given backing storage and
// conversation store.
func NewMessageStore(backing *storage.Store, conversations *ConversationStore) *MessageStore {
	return &MessageStore{
		backing:       backing,
		conversations: conversations,
		edits:         NewKeyedMutex(),
		subscribers:   make(map[int]MessageObserver),
	}
}

// Subscribe registers an observer and returns its unsubscribe function.
func (s *MessageStore) Subscribe(fn MessageObserver) func() {
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

// publishLocked snapshots the cache and claims the notification slot while
// the store lock is held, so delivery order matches mutation order. The
// returned function performs delivery and must be called after s.mu is
// released.
func (s *MessageStore) publishLocked(order OrderState) func() {
	snap := Snapshot{Messages: model.CloneMessages(s.messages), Order: order}
	subs := make([]MessageObserver, 0, len(s.subscribers))
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

// Init resolves the current conversation from the conversation store and
// loads its messages ordered by timestamp ascending.
func (s *MessageStore) Init(ctx context.Context) error {
	return s.SwitchConversation(ctx, s.conversations.GetCurrentConversationID())
}

// SwitchConversation changes the active conversation and replaces the whole
// in-memory cache from durable storage. Nothing is merged from the previous
// conversation.
func (s *MessageStore) SwitchConversation(ctx context.Context, id int64) error {
	msgs, err := s.backing.ListMessages(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.currentID = id
	s.messages = msgs
	deliver := s.publishLocked(OrderCommitted)
	s.mu.Unlock()
	deliver()
	return nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// AddMessage assigns the current conversation and a fresh timestamp to the
// message, appends it in-memory, notifies, then writes durably and bumps the
// conversation's message count. Without a current conversation the call is a
// warned no-op. Append order matches notification order.
//
// The cache stores a clone, never the caller's pointer: the caller may keep
// mutating its message without holding the store lock, and later edits write
// through the cached object.
func (s *MessageStore) AddMessage(ctx context.Context, msg *model.Message) error {
	if !msg.Role.Valid() {
		log.Printf("WARNING: addMessage with invalid role %q, dropped", msg.Role)
		return nil
	}

	s.mu.Lock()
	if s.currentID == 0 {
		s.mu.Unlock()
		log.Printf("WARNING: addMessage with no current conversation, dropped")
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.ConversationID = s.currentID
	msg.Timestamp = time.Now().UnixMilli()
	convID := s.currentID

	s.messages = append(s.messages, msg.Clone())
	deliver := s.publishLocked(OrderCommitted)
	s.mu.Unlock()
	deliver()

	count, err := s.backing.InsertMessage(ctx, msg)
	if err != nil {
		return err
	}
	s.conversations.applyMessageCount(convID, count)

	if msg.Role == model.RoleUser {
		s.conversations.autoTitle(ctx, convID, msg.Content)
	}
	return nil
}

// EditMessage merges an update into a message. Edits to the same id are
// serialized: a later edit waits for the in-flight one before its
// read-modify-write, so racing edits cannot lose updates. The durable row is
// re-read and merged with the cached object, which may have advanced since
// the durable write (streaming appends), before the update is applied.
func (s *MessageStore) EditMessage(ctx context.Context, id string, update MessageUpdate) error {
	s.edits.Lock(id)
	defer s.edits.Unlock(id)

	merged, err := s.backing.GetMessage(ctx, id)
	if err == storage.ErrMessageNotFound {
		log.Printf("WARNING: edit of unknown message %s ignored", id)
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if cached := s.findLocked(id); cached != nil {
		clone := cached.Clone()
		merged.Role = clone.Role
		merged.Content = clone.Content
		merged.Files = clone.Files
		merged.Logprobs = clone.Logprobs
	}
	s.mu.Unlock()

	if update.Role != nil {
		merged.Role = *update.Role
	}
	if update.Content != nil {
		merged.Content = *update.Content
	}
	if update.Files != nil {
		merged.Files = update.Files
	}
	if update.Logprobs != nil {
		merged.Logprobs = update.Logprobs
	}

	if err := s.backing.UpdateMessage(ctx, merged); err != nil {
		return err
	}

	s.mu.Lock()
	if cached := s.findLocked(id); cached != nil {
		*cached = *merged
	}
	deliver := s.publishLocked(OrderCommitted)
	s.mu.Unlock()
	deliver()
	return nil
}

// EditMessageContent is shorthand for an edit that only replaces content.
func (s *MessageStore) EditMessageContent(ctx context.Context, id, content string) error {
	return s.EditMessage(ctx, id, MessageUpdate{Content: &content})
}

// DeleteMessage removes one message. It first waits for any in-flight edit
// on the same id, so a stale edit cannot resurrect the row after deletion.
func (s *MessageStore) DeleteMessage(ctx context.Context, id string) error {
	s.edits.Wait(id)

	s.mu.Lock()
	msg := s.findLocked(id)
	if msg == nil {
		s.mu.Unlock()
		log.Printf("WARNING: delete of unknown message %s ignored", id)
		return nil
	}
	convID := msg.ConversationID
	s.mu.Unlock()

	count, err := s.backing.DeleteMessage(ctx, id, convID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.removeLocked(id)
	deliver := s.publishLocked(OrderCommitted)
	s.mu.Unlock()
	deliver()

	s.conversations.applyMessageCount(convID, count)
	return nil
}

// DeleteMessagesFrom removes the message at id and every message after it in
// current display order — the tail truncation used when regenerating from a
// point. It waits for all in-flight edits first.
func (s *MessageStore) DeleteMessagesFrom(ctx context.Context, id string) error {
	s.edits.WaitAll()

	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		log.Printf("WARNING: deleteMessagesFrom unknown message %s ignored", id)
		return nil
	}
	convID := s.currentID
	ids := make([]string, 0, len(s.messages)-idx)
	for _, m := range s.messages[idx:] {
		ids = append(ids, m.ID)
	}
	s.mu.Unlock()

	count, err := s.backing.DeleteMessages(ctx, ids, convID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.messages = s.messages[:i]
	}
	deliver := s.publishLocked(OrderCommitted)
	s.mu.Unlock()
	deliver()

	s.conversations.applyMessageCount(convID, count)
	return nil
}

// Clear deletes all messages in the current conversation after waiting for
// in-flight edits, and resets the conversation's message count.
func (s *MessageStore) Clear(ctx context.Context) error {
	s.edits.WaitAll()

	s.mu.Lock()
	convID := s.currentID
	s.mu.Unlock()
	if convID == 0 {
		log.Printf("WARNING: clear with no current conversation, dropped")
		return nil
	}

	if _, err := s.backing.ClearMessages(ctx, convID); err != nil {
		return err
	}

	s.mu.Lock()
	s.messages = nil
	deliver := s.publishLocked(OrderCommitted)
	s.mu.Unlock()
	deliver()

	s.conversations.applyMessageCount(convID, 0)
	return nil
}

// ReorderMessages moves activeID to overID's position. The reordered cache
// is published immediately so a drag-and-drop does not wait on storage; the
// canonical order is then renumbered (timestamp = base + index), persisted in
// one transaction, and republished. A reorder arriving while one is already
// running is dropped, not queued.
func (s *MessageStore) ReorderMessages(ctx context.Context, activeID, overID string) error {
	if !s.reordering.CompareAndSwap(false, true) {
		log.Printf("WARNING: reorder already in flight, dropped")
		return nil
	}
	defer s.reordering.Store(false)

	s.mu.Lock()
	from := s.indexLocked(activeID)
	to := s.indexLocked(overID)
	if from < 0 || to < 0 || from == to {
		s.mu.Unlock()
		if from < 0 || to < 0 {
			log.Printf("WARNING: reorder with unknown message ignored")
		}
		return nil
	}

	// Standard array move: remove, then reinsert at the target position.
	moved := s.messages[from]
	s.messages = append(s.messages[:from], s.messages[from+1:]...)
	s.messages = append(s.messages[:to], append([]*model.Message{moved}, s.messages[to:]...)...)

	deliver := s.publishLocked(OrderProposed)
	s.mu.Unlock()
	deliver()

	s.edits.WaitAll()

	s.mu.Lock()
	base := time.Now().UnixMilli()
	for i, m := range s.messages {
		m.Timestamp = base + int64(i)
	}
	toPersist := model.CloneMessages(s.messages)
	s.mu.Unlock()

	if err := s.backing.UpdateMessages(ctx, toPersist); err != nil {
		return err
	}

	s.mu.Lock()
	deliver = s.publishLocked(OrderCommitted)
	s.mu.Unlock()
	deliver()
	return nil
}

// =============================================================================
// READS
// =============================================================================

// GetAllMessages returns the cache when it holds anything, otherwise falls
// back to a durable scan of the current conversation ordered by timestamp.
func (s *MessageStore) GetAllMessages(ctx context.Context) ([]*model.Message, error) {
	s.mu.Lock()
	if len(s.messages) > 0 {
		msgs := model.CloneMessages(s.messages)
		s.mu.Unlock()
		return msgs, nil
	}
	convID := s.currentID
	s.mu.Unlock()

	return s.backing.ListMessages(ctx, convID)
}

// GetMessage returns a copy of the cached message, nil if absent.
func (s *MessageStore) GetMessage(id string) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findLocked(id); m != nil {
		return m.Clone()
	}
	return nil
}

// CurrentConversationID returns the conversation the store is bound to.
func (s *MessageStore) CurrentConversationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// =============================================================================
// HELPERS
// =============================================================================

// findLocked returns the cached message for id. Caller holds s.mu.
func (s *MessageStore) findLocked(id string) *model.Message {
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// indexLocked returns the display-order index of id, -1 if absent.
// Caller holds s.mu.
func (s *MessageStore) indexLocked(id string) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// removeLocked deletes id from the cache. Caller holds s.mu.
func (s *MessageStore) removeLocked(id string) {
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}
