// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generate

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/jeranaias/chatcore/internal/model"
)

// messageOverheadTokens approximates the per-message framing cost in the
// chat-completions format.
const messageOverheadTokens = 4

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer, a reasonable approximation for
// most chat models.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for the given text.
// Falls back to a bytes/4 heuristic when the tokenizer is unavailable.
func EstimateTokens(text string) int {
	c, err := getCodec()
	if err != nil {
		return len(text) / 4
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

// EstimateMessages estimates the prompt budget for a full history, including
// per-message framing overhead.
func EstimateMessages(history []*model.Message) int {
	total := 0
	for _, m := range history {
		total += EstimateTokens(m.Content) + messageOverheadTokens
	}
	return total
}
