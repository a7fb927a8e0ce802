// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/chatcore/internal/model"
)

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// Message mutations that change a conversation's row count also bump the
// denormalized message_count inside the same transaction, so the counter can
// never diverge from the live rows across a crash. Each returns the new count.

// GetMessage loads a single message row by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, timestamp, files, logprobs
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns all messages for a conversation ordered by timestamp
// ascending. Rowid breaks ties so same-millisecond inserts keep their
// insertion order across reloads.
func (s *Store) ListMessages(ctx context.Context, conversationID int64) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, timestamp, files, logprobs
		 FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of live message rows for a conversation.
func (s *Store) MessageCount(ctx context.Context, conversationID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// InsertMessage inserts a message row and increments the owning
// conversation's message count. Returns the new count.
func (s *Store) InsertMessage(ctx context.Context, m *model.Message) (int, error) {
	files, logprobs, err := encodeExtras(m)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, timestamp, files, logprobs)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.Timestamp, files, logprobs); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	count, err := bumpCount(ctx, tx, m.ConversationID, 1)
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// UpdateMessage persists all mutable fields of a message row.
func (s *Store) UpdateMessage(ctx context.Context, m *model.Message) error {
	files, logprobs, err := encodeExtras(m)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET role = ?, content = ?, timestamp = ?, files = ?, logprobs = ?
		 WHERE id = ?`,
		string(m.Role), m.Content, m.Timestamp, files, logprobs, m.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// UpdateMessages persists a batch of message rows in one transaction.
// Used by reorder to renumber timestamps atomically with respect to readers.
func (s *Store) UpdateMessages(ctx context.Context, msgs []*model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update messages: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE messages SET role = ?, content = ?, timestamp = ?, files = ?, logprobs = ?
		 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("update messages: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		files, logprobs, err := encodeExtras(m)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			string(m.Role), m.Content, m.Timestamp, files, logprobs, m.ID); err != nil {
			return fmt.Errorf("update message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteMessage deletes one message row and decrements the owning
// conversation's count. Returns the new count.
func (s *Store) DeleteMessage(ctx context.Context, id string, conversationID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete message: %w", err)
	}
	if n == 0 {
		return 0, ErrMessageNotFound
	}

	count, err := bumpCount(ctx, tx, conversationID, -1)
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// DeleteMessages deletes a batch of message rows and decrements the count by
// the number actually removed. Returns the new count.
func (s *Store) DeleteMessages(ctx context.Context, ids []string, conversationID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM messages WHERE id = ?`)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("delete message %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("delete message %s: %w", id, err)
		}
		removed += int(n)
	}

	count, err := bumpCount(ctx, tx, conversationID, -removed)
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// ClearMessages deletes every message owned by a conversation and zeroes its
// count. Returns the number of rows removed.
func (s *Store) ClearMessages(ctx context.Context, conversationID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}

	// Every row is gone, so the counter resets outright even if it had
	// drifted from the live row count.
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = 0, updated_at = ? WHERE id = ?`,
		now, conversationID); err != nil {
		return 0, fmt.Errorf("reset message count: %w", err)
	}
	return int(removed), tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

// bumpCount applies a delta to a conversation's message_count, clamped at
// zero, and refreshes updated_at.
func bumpCount(ctx context.Context, tx *sql.Tx, conversationID int64, delta int) (int, error) {
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET message_count = MAX(message_count + ?, 0), updated_at = ?
		 WHERE id = ?`,
		delta, now, conversationID); err != nil {
		return 0, fmt.Errorf("update message count: %w", err)
	}

	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT message_count FROM conversations WHERE id = ?`, conversationID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConversationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read message count: %w", err)
	}
	return count, nil
}

// rowScanner lets scanMessage work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var role string
	var files, logprobs sql.NullString

	err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Timestamp, &files, &logprobs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = model.Role(role)

	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &m.Files); err != nil {
			return nil, fmt.Errorf("decode message files: %w", err)
		}
	}
	if logprobs.Valid && logprobs.String != "" {
		if err := json.Unmarshal([]byte(logprobs.String), &m.Logprobs); err != nil {
			return nil, fmt.Errorf("decode message logprobs: %w", err)
		}
	}
	return &m, nil
}

// encodeExtras marshals the optional attachment and logprob columns.
// Nil slices become NULL rather than empty JSON arrays.
func encodeExtras(m *model.Message) (files, logprobs sql.NullString, err error) {
	if m.Files != nil {
		data, err := json.Marshal(m.Files)
		if err != nil {
			return files, logprobs, fmt.Errorf("encode message files: %w", err)
		}
		files = sql.NullString{String: string(data), Valid: true}
	}
	if m.Logprobs != nil {
		data, err := json.Marshal(m.Logprobs)
		if err != nil {
			return files, logprobs, fmt.Errorf("encode message logprobs: %w", err)
		}
		logprobs = sql.NullString{String: string(data), Valid: true}
	}
	return files, logprobs, nil
}
