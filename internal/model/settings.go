// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// GENERATION SETTINGS
// =============================================================================

// GenerationSettings carries the caller-owned options consumed by a
// generation run. A non-empty APIKey is a precondition for starting one.
type GenerationSettings struct {
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	Provider string `json:"provider"`

	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	MaxTokens        int     `json:"max_tokens"`

	// StreamMode selects the streaming endpoint. When false, generation
	// routes to the non-streaming completion source instead.
	StreamMode bool `json:"stream_mode"`
}

// HasCredential reports whether the settings resolve to a usable API key.
func (s GenerationSettings) HasCredential() bool {
	return s.APIKey != ""
}
