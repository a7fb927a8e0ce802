// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the in-memory session stores mirrored to durable
// storage: MessageStore for messages in the current conversation and
// ConversationStore for conversation records and selection.
package store

import "sync"

// =============================================================================
// KEYED MUTEX
// =============================================================================

// KeyedMutex serializes operations per key. Operations on the same key run
// one at a time in acquisition order; operations on different keys proceed
// concurrently. Wait and WaitAll drain in-flight holders without taking the
// lock for longer than an instant.
//
// MessageStore uses it to serialize edits per message id, so two racing
// read-modify-write edits can never lose an update.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// Lock acquires the mutex for key, blocking while another holder has it.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. The entry is dropped once the last
// waiter is gone, so the map never grows unbounded.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Do runs fn while holding the mutex for key.
func (k *KeyedMutex) Do(key string, fn func() error) error {
	k.Lock(key)
	defer k.Unlock(key)
	return fn()
}

// Wait blocks until no operation holds the mutex for key.
func (k *KeyedMutex) Wait(key string) {
	k.Lock(key)
	k.Unlock(key)
}

// WaitAll blocks until every in-flight operation at the time of the call has
// finished. Operations started afterwards are not waited for.
func (k *KeyedMutex) WaitAll() {
	k.mu.Lock()
	keys := make([]string, 0, len(k.entries))
	for key := range k.entries {
		keys = append(keys, key)
	}
	k.mu.Unlock()

	for _, key := range keys {
		k.Wait(key)
	}
}
