// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for chatcore.
//
// Configuration is read from a TOML file (default ~/.chatcore/config.toml)
// layered over built-in defaults, with environment variable overrides
// applied last. The file can be watched for live reload via Watcher.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/chatcore/internal/model"
	"github.com/jeranaias/chatcore/internal/util"
)

// DefaultFileName is the config file name inside the config directory.
const DefaultFileName = "config.toml"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete chatcore configuration.
type Config struct {
	Provider   ProviderConfig   `toml:"provider"`
	Generation GenerationConfig `toml:"generation"`
	Store      StoreConfig      `toml:"store"`
}

// ProviderConfig identifies the chat-completions endpoint and credential.
type ProviderConfig struct {
	// BaseURL is the API base, e.g. "https://api.openai.com/v1".
	BaseURL string `toml:"base_url"`
	// APIKey is the bearer credential. Usually supplied via CHATCORE_API_KEY
	// rather than the file.
	APIKey string `toml:"api_key"`
	// Model is the target model identifier.
	Model string `toml:"model"`
	// Locale selects localized provider error messages ("en", "zh", "ja").
	Locale string `toml:"locale"`
}

// GenerationConfig carries the sampling parameters sent with each request.
type GenerationConfig struct {
	// SystemPrompt, when set, is prepended to the history of every request
	// without being persisted.
	SystemPrompt string `toml:"system_prompt"`

	Temperature      float64 `toml:"temperature"`
	TopP             float64 `toml:"top_p"`
	FrequencyPenalty float64 `toml:"frequency_penalty"`
	PresencePenalty  float64 `toml:"presence_penalty"`
	MaxTokens        int     `toml:"max_tokens"`
	StreamMode       bool    `toml:"stream_mode"`
}

// StoreConfig locates the durable store.
type StoreConfig struct {
	// DatabasePath is the SQLite file path. Empty means
	// <config dir>/chatcore.db.
	DatabasePath string `toml:"database_path"`
	// DefaultTitle is the placeholder title for new conversations.
	DefaultTitle string `toml:"default_title"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Locale:  "en",
		},
		Generation: GenerationConfig{
			Temperature: 0.7,
			TopP:        1.0,
			StreamMode:  true,
		},
		Store: StoreConfig{
			DefaultTitle: "New Conversation",
		},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// Dir returns the chatcore config directory (~/.chatcore).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".chatcore"), nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultFileName), nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the config from the default path. A missing file yields the
// defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the config from an explicit path, layering the file
// over defaults and applying environment overrides.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path atomically with owner-only permissions
// (the file may hold a credential).
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// ApplyEnvOverrides overlays CHATCORE_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CHATCORE_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("CHATCORE_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("CHATCORE_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("CHATCORE_LOCALE"); v != "" {
		c.Provider.Locale = v
	}
	if v := os.Getenv("CHATCORE_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("CHATCORE_STREAM"); v != "" {
		if stream, err := strconv.ParseBool(v); err == nil {
			c.Generation.StreamMode = stream
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks field ranges and the provider URL.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Provider.BaseURL); err != nil {
		return fmt.Errorf("invalid provider base_url %q: %w", c.Provider.BaseURL, err)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0, 2]", c.Generation.Temperature)
	}
	if c.Generation.TopP < 0 || c.Generation.TopP > 1 {
		return fmt.Errorf("top_p %v out of range [0, 1]", c.Generation.TopP)
	}
	if c.Generation.MaxTokens < 0 {
		return fmt.Errorf("max_tokens %d must not be negative", c.Generation.MaxTokens)
	}
	return nil
}

// DatabasePath resolves the SQLite file path, defaulting to the config
// directory.
func (c *Config) DatabasePath() (string, error) {
	if c.Store.DatabasePath != "" {
		return c.Store.DatabasePath, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chatcore.db"), nil
}

// Settings converts the config into per-request generation settings.
func (c *Config) Settings() model.GenerationSettings {
	return model.GenerationSettings{
		Model:            c.Provider.Model,
		APIKey:           c.Provider.APIKey,
		Provider:         c.Provider.BaseURL,
		Temperature:      c.Generation.Temperature,
		TopP:             c.Generation.TopP,
		FrequencyPenalty: c.Generation.FrequencyPenalty,
		PresencePenalty:  c.Generation.PresencePenalty,
		MaxTokens:        c.Generation.MaxTokens,
		StreamMode:       c.Generation.StreamMode,
	}
}
