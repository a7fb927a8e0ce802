// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse parses server-sent-event style streaming responses into typed
// protocol events.
package sse

import (
	"bytes"
	"encoding/json"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventType identifies a parsed protocol event.
type EventType int

const (
	// EventDelta carries an incremental fragment of assistant text.
	EventDelta EventType = iota

	// EventCompleted signals the [DONE] sentinel was received.
	EventCompleted
)

// Event is a single typed event produced from the frame stream.
type Event struct {
	Type  EventType
	Delta string
}

// framePrefix marks a protocol frame line.
var framePrefix = []byte("data: ")

// doneSentinel terminates the stream.
var doneSentinel = []byte("[DONE]")

// deltaFrame mirrors the OpenAI chat-completion streaming shape. The parser
// consumes exactly this shape and no other.
type deltaFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// =============================================================================
// FRAME PARSER
// =============================================================================

// FrameParser converts raw byte chunks into ordered Delta/Completed events.
// A parser holds per-connection line-buffer state; use a fresh one for every
// connection. It produces the same event sequence regardless of how the byte
// stream is split into chunks.
type FrameParser struct {
	buf  []byte
	done bool

	// finishReason records the last observed finish_reason field. It is
	// informational only; it does not terminate the stream.
	finishReason string
}

// NewFrameParser creates a parser with an empty line buffer.
func NewFrameParser() *FrameParser {
	return &FrameParser{}
}

// Feed appends a chunk to the line buffer and returns the events for every
// complete line it contains. The trailing (possibly incomplete) fragment is
// held back for the next chunk.
func (p *FrameParser) Feed(chunk []byte) []Event {
	if p.done || len(chunk) == 0 {
		return nil
	}

	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]

		ev, ok := p.parseLine(line)
		if !ok {
			continue
		}
		events = append(events, ev)
		if ev.Type == EventCompleted {
			// No further processing after the sentinel.
			p.done = true
			p.buf = nil
			break
		}
	}
	return events
}

// Close signals true end of stream. A trailing partial line is discarded,
// never emitted as a dangling frame. The parser cannot be reused afterwards.
func (p *FrameParser) Close() {
	p.done = true
	p.buf = nil
}

// Done reports whether the sentinel was seen or the parser was closed.
func (p *FrameParser) Done() bool {
	return p.done
}

// FinishReason returns the last observed finish_reason, if any.
func (p *FrameParser) FinishReason() string {
	return p.finishReason
}

// parseLine parses one complete line into an event. Lines without the frame
// prefix and malformed JSON payloads are skipped without error; upstream
// providers occasionally emit heartbeat or non-JSON lines.
func (p *FrameParser) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r")

	if !bytes.HasPrefix(line, framePrefix) {
		return Event{}, false
	}
	payload := line[len(framePrefix):]

	if bytes.Equal(payload, doneSentinel) {
		return Event{Type: EventCompleted}, true
	}

	var frame deltaFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		// Skip malformed frames
		return Event{}, false
	}

	if len(frame.Choices) == 0 {
		return Event{}, false
	}
	choice := frame.Choices[0]
	if choice.FinishReason != "" {
		p.finishReason = choice.FinishReason
	}
	if choice.Delta.Content == "" {
		return Event{}, false
	}
	return Event{Type: EventDelta, Delta: choice.Delta.Content}, true
}
