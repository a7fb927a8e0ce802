// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLES
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the recognized values.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// FileRef describes an attachment owned by a single message.
// Attachments are never shared between messages.
type FileRef struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Logprob is a per-token probability annotation. It is attached only to
// assistant messages, written once when a stream completes.
type Logprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

// Message is a single chat message. The ID is an opaque caller-supplied
// string, stable across edits. ConversationID is assigned when the message
// is added to a store and never changes afterwards.
type Message struct {
	ID             string `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`

	// Timestamp is the ordering key within a conversation, in millisecond
	// epoch time. Reorder operations reassign it so sort order survives a
	// storage reload.
	Timestamp int64 `json:"timestamp"`

	Files    []FileRef `json:"files,omitempty"`
	Logprobs []Logprob `json:"logprobs,omitempty"`
}

// NewMessage creates a message with a generated ID and the current time.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) *Message {
	return NewMessage(RoleAssistant, content)
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// AppendContent appends a streamed delta to the message content.
func (m *Message) AppendContent(delta string) {
	m.Content += delta
}

// Preview returns the content truncated to maxLen runes.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone creates a deep copy of the message, including attachments and
// logprob annotations.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Files != nil {
		clone.Files = make([]FileRef, len(m.Files))
		copy(clone.Files, m.Files)
	}
	if m.Logprobs != nil {
		clone.Logprobs = make([]Logprob, len(m.Logprobs))
		copy(clone.Logprobs, m.Logprobs)
	}
	return &clone
}

// CloneMessages deep-copies a message list. Stores hand this to observers so
// subscribers can never mutate store-internal state.
func CloneMessages(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
