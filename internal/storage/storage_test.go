// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jeranaias/chatcore/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "chatcore.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestInsertAndGetConversation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.InsertConversation(ctx, "First chat")
	if err != nil {
		t.Fatalf("InsertConversation failed: %v", err)
	}
	if conv.ID == 0 {
		t.Error("expected store-assigned id")
	}
	if conv.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", conv.MessageCount)
	}

	loaded, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if loaded.Title != "First chat" {
		t.Errorf("Title = %q, want %q", loaded.Title, "First chat")
	}
}

func TestConversationIDsMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, _ := store.InsertConversation(ctx, "a")
	b, _ := store.InsertConversation(ctx, "b")
	if b.ID <= a.ID {
		t.Errorf("ids not monotonic: %d then %d", a.ID, b.ID)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetConversation(context.Background(), 999)
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.InsertConversation(ctx, "doomed")
	msg := model.NewUserMessage("hi")
	msg.ConversationID = conv.ID
	if _, err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}

	if _, err := store.GetConversation(ctx, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Error("conversation should be gone")
	}
	if _, err := store.GetMessage(ctx, msg.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Error("owned messages should be cascaded away")
	}
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestInsertMessageBumpsCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.InsertConversation(ctx, "chat")

	msg := model.NewUserMessage("hello")
	msg.ConversationID = conv.ID
	count, err := store.InsertMessage(ctx, msg)
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	// Denormalized counter matches live rows
	live, _ := store.MessageCount(ctx, conv.ID)
	loaded, _ := store.GetConversation(ctx, conv.ID)
	if live != loaded.MessageCount {
		t.Errorf("live rows = %d, counter = %d", live, loaded.MessageCount)
	}
}

func TestMessageRoundTripWithExtras(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.InsertConversation(ctx, "chat")
	msg := model.NewMessage(model.RoleAssistant, "answer")
	msg.ConversationID = conv.ID
	msg.Files = []model.FileRef{{URL: "blob:1", Kind: "image", Name: "x.png", Size: 42}}
	msg.Logprobs = []model.Logprob{{Token: "an", Logprob: -0.5}}

	if _, err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	loaded, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if len(loaded.Files) != 1 || loaded.Files[0].Name != "x.png" {
		t.Errorf("Files not preserved: %+v", loaded.Files)
	}
	if len(loaded.Logprobs) != 1 || loaded.Logprobs[0].Token != "an" {
		t.Errorf("Logprobs not preserved: %+v", loaded.Logprobs)
	}
}

func TestListMessagesOrderedByTimestamp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.InsertConversation(ctx, "chat")
	for i, ts := range []int64{300, 100, 200} {
		msg := model.NewUserMessage("m")
		msg.ID = []string{"c", "a", "b"}[i]
		msg.ConversationID = conv.ID
		msg.Timestamp = ts
		if _, err := store.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	msgs, err := store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %q, want %q", i, msgs[i].ID, want)
		}
	}
}

func TestDeleteMessagesClampsCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.InsertConversation(ctx, "chat")
	msg := model.NewUserMessage("only")
	msg.ConversationID = conv.ID
	store.InsertMessage(ctx, msg)

	// Deleting a mix of real and unknown ids only decrements for real rows.
	count, err := store.DeleteMessages(ctx, []string{msg.ID, "ghost"}, conv.ID)
	if err != nil {
		t.Fatalf("DeleteMessages failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestClearMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.InsertConversation(ctx, "chat")
	for i := 0; i < 3; i++ {
		msg := model.NewUserMessage("m")
		msg.ConversationID = conv.ID
		store.InsertMessage(ctx, msg)
	}

	removed, err := store.ClearMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	loaded, _ := store.GetConversation(ctx, conv.ID)
	if loaded.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", loaded.MessageCount)
	}
}

func TestReorderSurvivesReload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.InsertConversation(ctx, "chat")
	var msgs []*model.Message
	for i := 0; i < 3; i++ {
		msg := model.NewUserMessage("m")
		msg.ID = string(rune('a' + i))
		msg.ConversationID = conv.ID
		msg.Timestamp = int64(100 * (i + 1))
		store.InsertMessage(ctx, msg)
		msgs = append(msgs, msg)
	}

	// Renumber in reversed order
	base := int64(10_000)
	reversed := []*model.Message{msgs[2], msgs[1], msgs[0]}
	for i, m := range reversed {
		m.Timestamp = base + int64(i)
	}
	if err := store.UpdateMessages(ctx, reversed); err != nil {
		t.Fatalf("UpdateMessages failed: %v", err)
	}

	loaded, _ := store.ListMessages(ctx, conv.ID)
	for i, want := range []string{"c", "b", "a"} {
		if loaded[i].ID != want {
			t.Errorf("loaded[%d].ID = %q, want %q", i, loaded[i].ID, want)
		}
	}
}

func TestUnicodeContentPreserved(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.InsertConversation(ctx, "日本語のテスト")
	msg := model.NewUserMessage("こんにちは世界!")
	msg.ConversationID = conv.ID
	store.InsertMessage(ctx, msg)

	loaded, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if loaded.Content != "こんにちは世界!" {
		t.Error("unicode content should be preserved")
	}
}
