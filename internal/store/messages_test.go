// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jeranaias/chatcore/internal/model"
	"github.com/jeranaias/chatcore/internal/storage"
)

func newTestStores(t *testing.T) (*storage.Store, *ConversationStore, *MessageStore) {
	t.Helper()
	backing, err := storage.Open(filepath.Join(t.TempDir(), "chatcore.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { backing.Close() })

	convs := NewConversationStore(backing, "")
	if err := convs.Init(context.Background()); err != nil {
		t.Fatalf("ConversationStore.Init failed: %v", err)
	}
	msgs := NewMessageStore(backing, convs)
	if err := msgs.Init(context.Background()); err != nil {
		t.Fatalf("MessageStore.Init failed: %v", err)
	}
	return backing, convs, msgs
}

// =============================================================================
// ADD / NOTIFY
// =============================================================================

func TestAddMessageAppendsInOrder(t *testing.T) {
	_, _, msgs := newTestStores(t)
	ctx := context.Background()

	var snapshots []Snapshot
	msgs.Subscribe(func(s Snapshot) { snapshots = append(snapshots, s) })

	for _, content := range []string{"one", "two", "three"} {
		if err := msgs.AddMessage(ctx, model.NewUserMessage(content)); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	if len(snapshots) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snapshots))
	}
	for i, snap := range snapshots {
		if len(snap.Messages) != i+1 {
			t.Errorf("snapshot %d has %d messages, want %d", i, len(snap.Messages), i+1)
		}
		if snap.Order != OrderCommitted {
			t.Errorf("snapshot %d order = %v, want committed", i, snap.Order)
		}
	}

	all, _ := msgs.GetAllMessages(ctx)
	for i, want := range []string{"one", "two", "three"} {
		if all[i].Content != want {
			t.Errorf("messages[%d].Content = %q, want %q", i, all[i].Content, want)
		}
	}
}

func TestAddMessageAssignsIDAndConversation(t *testing.T) {
	_, convs, msgs := newTestStores(t)
	ctx := context.Background()

	m := model.NewUserMessage("hi")
	m.ID = ""
	if err := msgs.AddMessage(ctx, m); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if m.ID == "" {
		t.Error("expected a generated id")
	}
	if m.ConversationID != convs.GetCurrentConversationID() {
		t.Error("message not assigned to the current conversation")
	}
	if m.Timestamp == 0 {
		t.Error("expected a timestamp")
	}
}

func TestAddMessageCacheIsolatedFromCaller(t *testing.T) {
	backing, _, msgs := newTestStores(t)
	ctx := context.Background()

	m := model.NewUserMessage("original")
	msgs.AddMessage(ctx, m)

	// The caller keeps its pointer. Mutating it after the add must not
	// reach the store's cache or the durable row.
	m.Content = "tampered"

	if cached := msgs.GetMessage(m.ID); cached.Content != "original" {
		t.Errorf("cached Content = %q, want %q", cached.Content, "original")
	}
	durable, _ := backing.GetMessage(ctx, m.ID)
	if durable.Content != "original" {
		t.Errorf("durable Content = %q, want %q", durable.Content, "original")
	}
}

func TestCallerMutationDoesNotRaceWithEdits(t *testing.T) {
	_, _, msgs := newTestStores(t)
	ctx := context.Background()

	m := model.NewUserMessage("base")
	msgs.AddMessage(ctx, m)
	id := m.ID

	// The caller writes to its own copy while the store applies edits to
	// the same id. The cache holds a clone, so neither side can see the
	// other's writes.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			m.Content = "caller"
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if err := msgs.EditMessageContent(ctx, id, "edited"); err != nil {
				t.Errorf("EditMessageContent failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if got := msgs.GetMessage(id); got.Content != "edited" {
		t.Errorf("Content = %q, want %q", got.Content, "edited")
	}
}

func TestAddMessageWithInvalidRoleIsDropped(t *testing.T) {
	_, _, msgs := newTestStores(t)
	ctx := context.Background()

	if err := msgs.AddMessage(ctx, model.NewMessage(model.Role("robot"), "beep")); err != nil {
		t.Fatalf("AddMessage should no-op, got %v", err)
	}
	all, _ := msgs.GetAllMessages(ctx)
	if len(all) != 0 {
		t.Errorf("got %d messages, want 0", len(all))
	}
}

func TestAddMessageWithoutConversationIsNoOp(t *testing.T) {
	backing, err := storage.Open(filepath.Join(t.TempDir(), "chatcore.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { backing.Close() })

	// Stores deliberately not initialized: no current conversation.
	convs := NewConversationStore(backing, "")
	msgs := NewMessageStore(backing, convs)

	if err := msgs.AddMessage(context.Background(), model.NewUserMessage("lost")); err != nil {
		t.Fatalf("AddMessage should no-op, got %v", err)
	}
	all, _ := msgs.GetAllMessages(context.Background())
	if len(all) != 0 {
		t.Errorf("got %d messages, want 0", len(all))
	}
}

func TestAddMessageBumpsConversationCount(t *testing.T) {
	backing, convs, msgs := newTestStores(t)
	ctx := context.Background()

	msgs.AddMessage(ctx, model.NewUserMessage("a"))
	msgs.AddMessage(ctx, model.NewAssistantMessage("b"))

	conv := convs.GetCurrentConversation()
	if conv.MessageCount != 2 {
		t.Errorf("cached MessageCount = %d, want 2", conv.MessageCount)
	}

	// Counter matches live rows durably too.
	live, _ := backing.MessageCount(ctx, conv.ID)
	loaded, _ := backing.GetConversation(ctx, conv.ID)
	if live != loaded.MessageCount {
		t.Errorf("live rows = %d, counter = %d", live, loaded.MessageCount)
	}
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	_, _, msgs := newTestStores(t)
	ctx := context.Background()

	var got Snapshot
	msgs.Subscribe(func(s Snapshot) { got = s })
	msgs.AddMessage(ctx, model.NewUserMessage("original"))

	got.Messages[0].Content = "tampered"

	all, _ := msgs.GetAllMessages(ctx)
	if all[0].Content != "original" {
		t.Error("observer mutation leaked into store state")
	}
}

// =============================================================================
// EDIT
// =============================================================================

func TestEditMessageContent(t *testing.T) {
	backing, _, msgs := newTestStores(t)
	ctx := context.Background()

	m := model.NewUserMessage("draft")
	msgs.AddMessage(ctx, m)

	if err := msgs.EditMessageContent(ctx, m.ID, "final"); err != nil {
		t.Fatalf("EditMessageContent failed: %v", err)
	}

	if cached := msgs.GetMessage(m.ID); cached.Content != "final" {
		t.Errorf("cached Content = %q, want %q", cached.Content, "final")
	}
	durable, _ := backing.GetMessage(ctx, m.ID)
	if durable.Content != "final" {
		t.Errorf("durable Content = %q, want %q", durable.Content, "final")
	}
}

func TestEditUnknownMessageIgnored(t *testing.T) {
	_, _, msgs := newTestStores(t)

	if err := msgs.EditMessageContent(context.Background(), "no-such-id", "x"); err != nil {
		t.Errorf("edit of unknown message should no-op, got %v", err)
	}
}

func TestConcurrentEditsDoNotLoseUpdates(t *testing.T) {
	_, _, msgs := newTestStores(t)
	ctx := context.Background()

	m := model.NewUserMessage("base")
	msgs.AddMessage(ctx, m)

	// Two racing edits touch different fields. Serialization per id means
	// both survive regardless of interleaving.
	content := "edited"
	role := model.RoleSystem

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := msgs.EditMessage(ctx, m.ID, MessageUpdate{Content: &content}); err != nil {
			t.Errorf("content edit failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := msgs.EditMessage(ctx, m.ID, MessageUpdate{Role: &role}); err != nil {
			t.Errorf("role edit failed: %v", err)
		}
	}()
	wg.Wait()

	got := msgs.GetMessage(m.ID)
	if got.Content != "edited" {
		t.Errorf("Content = %q, want %q", got.Content, "edited")
	}
	if got.Role != model.RoleSystem {
		t.Errorf("Role = %q, want %q", got.Role, model.RoleSystem)
	}
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteMessage(t *testing.T) {
	_, convs, msgs := newTestStores(t)
	ctx := context.Background()

	a := model.NewUserMessage("a")
	b := model.NewUserMessage("b")
	msgs.AddMessage(ctx, a)
	msgs.AddMessage(ctx, b)

	if err := msgs.DeleteMessage(ctx, a.ID); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}

	all, _ := msgs.GetAllMessages(ctx)
	if len(all) != 1 || all[0].ID != b.ID {
		t.Errorf("unexpected survivors: %+v", all)
	}
	if convs.GetCurrentConversation().MessageCount != 1 {
		t.Error("count not decremented")
	}
}

func TestDeleteUnknownMessageIgnored(t *testing.T) {
	_, _, msgs := newTestStores(t)
	if err := msgs.DeleteMessage(context.Background(), "ghost"); err != nil {
		t.Errorf("delete of unknown message should no-op, got %v", err)
	}
}

func TestDeleteMessagesFromTruncatesTail(t *testing.T) {
	_, convs, msgs := newTestStores(t)
	ctx := context.Background()

	var added []*model.Message
	for _, c := range []string{"q1", "a1", "q2", "a2"} {
		m := model.NewUserMessage(c)
		msgs.AddMessage(ctx, m)
		added = append(added, m)
	}

	// Truncate from q2: q2 and a2 go, q1 and a1 stay.
	if err := msgs.DeleteMessagesFrom(ctx, added[2].ID); err != nil {
		t.Fatalf("DeleteMessagesFrom failed: %v", err)
	}

	all, _ := msgs.GetAllMessages(ctx)
	if len(all) != 2 {
		t.Fatalf("got %d messages, want 2", len(all))
	}
	if all[0].Content != "q1" || all[1].Content != "a1" {
		t.Errorf("wrong survivors: %q, %q", all[0].Content, all[1].Content)
	}
	if convs.GetCurrentConversation().MessageCount != 2 {
		t.Error("count not adjusted after truncation")
	}
}

func TestClearMessages(t *testing.T) {
	_, convs, msgs := newTestStores(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msgs.AddMessage(ctx, model.NewUserMessage("m"))
	}
	if err := msgs.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	all, _ := msgs.GetAllMessages(ctx)
	if len(all) != 0 {
		t.Errorf("got %d messages, want 0", len(all))
	}
	if convs.GetCurrentConversation().MessageCount != 0 {
		t.Error("count not reset")
	}
}

// =============================================================================
// REORDER
// =============================================================================

func TestReorderPublishesProposedThenCommitted(t *testing.T) {
	backing, convs, msgs := newTestStores(t)
	ctx := context.Background()

	var added []*model.Message
	for _, c := range []string{"a", "b", "c"} {
		m := model.NewUserMessage(c)
		msgs.AddMessage(ctx, m)
		added = append(added, m)
	}

	var snapshots []Snapshot
	msgs.Subscribe(func(s Snapshot) { snapshots = append(snapshots, s) })

	// Move "c" to the front.
	if err := msgs.ReorderMessages(ctx, added[2].ID, added[0].ID); err != nil {
		t.Fatalf("ReorderMessages failed: %v", err)
	}

	if len(snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snapshots))
	}
	if snapshots[0].Order != OrderProposed || snapshots[1].Order != OrderCommitted {
		t.Errorf("orders = %v, %v; want proposed then committed",
			snapshots[0].Order, snapshots[1].Order)
	}
	for _, snap := range snapshots {
		got := []string{snap.Messages[0].Content, snap.Messages[1].Content, snap.Messages[2].Content}
		if got[0] != "c" || got[1] != "a" || got[2] != "b" {
			t.Errorf("order = %v, want [c a b]", got)
		}
	}

	// A fresh store over the same file sees the committed order.
	reload := NewMessageStore(backing, convs)
	if err := reload.Init(ctx); err != nil {
		t.Fatalf("reload Init failed: %v", err)
	}
	all, _ := reload.GetAllMessages(ctx)
	if all[0].Content != "c" || all[1].Content != "a" || all[2].Content != "b" {
		t.Errorf("reloaded order = [%s %s %s], want [c a b]",
			all[0].Content, all[1].Content, all[2].Content)
	}
}

func TestReorderWhileInFlightIsDropped(t *testing.T) {
	_, _, msgs := newTestStores(t)
	ctx := context.Background()

	a := model.NewUserMessage("a")
	b := model.NewUserMessage("b")
	msgs.AddMessage(ctx, a)
	msgs.AddMessage(ctx, b)

	msgs.reordering.Store(true)
	defer msgs.reordering.Store(false)

	if err := msgs.ReorderMessages(ctx, b.ID, a.ID); err != nil {
		t.Fatalf("dropped reorder should return nil, got %v", err)
	}
	all, _ := msgs.GetAllMessages(ctx)
	if all[0].ID != a.ID {
		t.Error("dropped reorder must not change the order")
	}
}

func TestReorderUnknownMessageIgnored(t *testing.T) {
	_, _, msgs := newTestStores(t)
	ctx := context.Background()

	a := model.NewUserMessage("a")
	msgs.AddMessage(ctx, a)

	if err := msgs.ReorderMessages(ctx, "ghost", a.ID); err != nil {
		t.Errorf("reorder with unknown id should no-op, got %v", err)
	}
}

// =============================================================================
// SWITCHING
// =============================================================================

func TestSwitchConversationReplacesCache(t *testing.T) {
	_, convs, msgs := newTestStores(t)
	ctx := context.Background()

	msgs.AddMessage(ctx, model.NewUserMessage("first conv"))

	second, err := convs.CreateConversation(ctx, "second")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if err := msgs.SwitchConversation(ctx, second.ID); err != nil {
		t.Fatalf("SwitchConversation failed: %v", err)
	}

	all, _ := msgs.GetAllMessages(ctx)
	if len(all) != 0 {
		t.Errorf("new conversation should start empty, got %d messages", len(all))
	}

	msgs.AddMessage(ctx, model.NewUserMessage("second conv"))
	all, _ = msgs.GetAllMessages(ctx)
	if len(all) != 1 || all[0].Content != "second conv" {
		t.Errorf("unexpected messages after switch: %+v", all)
	}
}
