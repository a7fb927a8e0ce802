// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is a persisted conversation record. The ID is assigned by the
// backing store on insert (monotonic, unique).
type Conversation struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`

	// Millisecond epoch timestamps. UpdatedAt is refreshed on every
	// mutation, including message-count changes and explicit selection.
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	// MessageCount is a denormalized counter of live message rows owned by
	// this conversation. Never negative.
	MessageCount int `json:"message_count"`
}

// Touch refreshes the updated timestamp.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().UnixMilli()
}

// Clone creates a copy of the conversation record.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	return &clone
}

// CloneConversations copies a conversation list for observer delivery.
func CloneConversations(convs []*Conversation) []*Conversation {
	out := make([]*Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.Clone()
	}
	return out
}
