// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generate

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/chatcore/internal/model"
	"github.com/jeranaias/chatcore/internal/sse"
)

// readChunkSize is the buffer size for reading the streaming response body.
const readChunkSize = 4 * 1024

// ErrGenerationActive is returned by Start while a generation is already
// running on the same controller.
var ErrGenerationActive = errors.New("a generation is already running")

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is the controller's lifecycle state:
// Idle -> Running -> {Completed, Stopped, Failed}.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateStopped
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of a generation run. Content reflects
// everything accumulated up to completion or stop.
type Result struct {
	ID       string
	Content  string
	Logprobs []model.Logprob
}

// Stats holds statistics collected during a run.
type Stats struct {
	PromptTokens   int
	DeltaCount     int
	FirstTokenTime time.Duration
	TotalTime      time.Duration
}

// DeltaFunc receives the updated ephemeral assistant message after each
// delta. The message id is stable for the whole run.
type DeltaFunc func(msg *model.Message)

// ErrorFunc receives the user-facing message of a failed generation.
// Caller-initiated stops never reach it.
type ErrorFunc func(msg string)

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller runs exactly one generation at a time: it issues the provider
// request, pumps the streaming body through the frame parser, publishes
// incremental snapshots, and classifies terminal outcomes. Stop is
// cooperative and preserves partial content.
type Controller struct {
	mu      sync.Mutex
	client  *Client
	state   State
	cancel  context.CancelFunc
	stopped atomic.Bool
	stats   Stats

	onDelta DeltaFunc
	onError ErrorFunc
}

// NewController creates a controller over the given provider client. Either
// callback may be nil.
func NewController(client *Client, onDelta DeltaFunc, onError ErrorFunc) *Controller {
	return &Controller{client: client, onDelta: onDelta, onError: onError}
}

// SetClient swaps the provider client, e.g. after a config reload. An
// in-flight run keeps the client it started with.
func (c *Controller) SetClient(client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns statistics from the most recent run.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Stop requests cooperative cancellation of the in-flight generation. Safe
// to call at any point and idempotent; the run's accumulated content is
// still returned by Start.
func (c *Controller) Stop() {
	c.stopped.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start runs one generation to its terminal state and blocks until done.
// On completion or caller stop it returns the accumulated result; on failure
// it returns nil after surfacing a classified user-facing message through
// the error callback. Starting while a run is active returns
// ErrGenerationActive.
func (c *Controller) Start(ctx context.Context, history []*model.Message, settings model.GenerationSettings) (*Result, error) {
	if !settings.HasCredential() {
		return nil, ErrMissingAPIKey
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		cancel()
		return nil, ErrGenerationActive
	}
	c.state = StateRunning
	c.cancel = cancel
	c.stats = Stats{PromptTokens: EstimateMessages(history)}
	client := c.client
	c.mu.Unlock()
	c.stopped.Store(false)

	start := time.Now()
	var result *Result
	var err error
	if settings.StreamMode {
		result, err = c.runStream(runCtx, client, history, settings, start)
	} else {
		result, err = c.runComplete(runCtx, client, history, settings)
	}

	c.mu.Lock()
	c.cancel = nil
	c.stats.TotalTime = time.Since(start)
	switch {
	case err != nil:
		c.state = StateFailed
	case c.stopped.Load() || ctx.Err() != nil:
		// A canceled parent context ends the run the same way Stop does:
		// the caller went away before the stream finished.
		c.state = StateStopped
	default:
		c.state = StateCompleted
	}
	c.mu.Unlock()

	if err != nil {
		c.surface(err)
		return nil, err
	}
	return result, nil
}

// runComplete executes the non-streaming path.
func (c *Controller) runComplete(ctx context.Context, client *Client, history []*model.Message, settings model.GenerationSettings) (*Result, error) {
	resp, err := client.Complete(ctx, history, settings)
	if err != nil {
		if c.aborted(ctx, err) {
			return &Result{ID: uuid.New().String()}, nil
		}
		return nil, err
	}

	result := &Result{ID: uuid.New().String(), Content: resp.GetContent()}
	if c.onDelta != nil {
		msg := model.NewAssistantMessage(result.Content)
		msg.ID = result.ID
		c.onDelta(msg)
	}
	c.mu.Lock()
	c.stats.DeltaCount = 1
	c.mu.Unlock()
	return result, nil
}

// runStream executes the streaming path: read the body in chunks, feed the
// frame parser, accumulate deltas, and publish an updated snapshot per
// delta. The stop flag is checked before each read.
func (c *Controller) runStream(ctx context.Context, client *Client, history []*model.Message, settings model.GenerationSettings, start time.Time) (*Result, error) {
	runID := uuid.New().String()
	acc := model.NewAssistantMessage("")
	acc.ID = runID

	body, err := client.Stream(ctx, history, settings)
	if err != nil {
		if c.aborted(ctx, err) {
			return &Result{ID: runID}, nil
		}
		return nil, err
	}
	defer body.Close()

	parser := sse.NewFrameParser()
	buf := make([]byte, readChunkSize)

	for !parser.Done() {
		// Cooperative stop: check the flag before each read, then abort the
		// transport. Already-buffered content is preserved.
		if c.stopped.Load() {
			break
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if ev.Type != sse.EventDelta {
					continue
				}
				acc.AppendContent(ev.Delta)
				c.recordDelta(start)
				if c.onDelta != nil {
					c.onDelta(acc.Clone())
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF || c.aborted(ctx, readErr) {
				break
			}
			return nil, readErr
		}
	}
	parser.Close()

	return &Result{ID: runID, Content: acc.Content}, nil
}

// recordDelta updates streaming statistics for one delta.
func (c *Controller) recordDelta(start time.Time) {
	c.mu.Lock()
	if c.stats.DeltaCount == 0 {
		c.stats.FirstTokenTime = time.Since(start)
	}
	c.stats.DeltaCount++
	c.mu.Unlock()
}

// aborted reports whether err is the echo of a caller-initiated stop rather
// than an independent failure.
func (c *Controller) aborted(ctx context.Context, err error) bool {
	if c.stopped.Load() {
		return true
	}
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}

// surface delivers a single user-facing message for a failed generation.
func (c *Controller) surface(err error) {
	log.Printf("WARNING: generation failed: %v", err)
	if c.onError == nil {
		return
	}
	msg := err.Error()
	if msg == "" {
		msg = "generation failed"
	}
	c.onError(msg)
}
