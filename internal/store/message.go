package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

const messageColumns = `msg_id, conversation_id, author, composed_at, received_at, body,
	direction, is_read, message_type, status, attachments_count`

// SaveMessage appends a new message to its conversation and updates the
// conversation's counters in the same transaction. It returns the updated
// conversation with LastMessage set to m. Saving an id that already exists
// leaves the counters untouched.
func (db *DB) SaveMessage(ctx context.Context, m *model.Message) (*model.Conversation, error) {
	var conv *model.Conversation
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getConversation(ctx, tx, m.ConversationID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(msg_id) DO NOTHING`, messageArgs(m)...)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := replaceAttachments(ctx, tx, m); err != nil {
				return err
			}
			unread := 0
			if m.CountsUnread() {
				unread = 1
			}
			var active int64
			if m.MovesActivity() {
				active = activity(m)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversations SET
					messages_count = messages_count + 1,
					unread_count = unread_count + ?,
					last_active_at = MAX(last_active_at, ?),
					last_message_id = ?,
					updated_at = ?
				WHERE id = ?`,
				unread, active, m.ID, time.Now().UnixMilli(), m.ConversationID); err != nil {
				return fmt.Errorf("bump conversation %q: %w", m.ConversationID, err)
			}
		}

		conv, err = getConversation(ctx, tx, m.ConversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	conv.LastMessage = m
	return conv, nil
}

// UpsertMessage inserts or updates a message without touching conversation
// counters (idempotent on msg_id). Attachments are replaced.
func (db *DB) UpsertMessage(ctx context.Context, m *model.Message) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(msg_id) DO UPDATE SET
				author = excluded.author,
				body = excluded.body,
				is_read = excluded.is_read,
				status = excluded.status,
				attachments_count = excluded.attachments_count`, messageArgs(m)...); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
		return replaceAttachments(ctx, tx, m)
	})
}

// HasMessage reports whether a message id is stored.
func (db *DB) HasMessage(ctx context.Context, id string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE msg_id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check message %s: %w", id, err)
	}
	return n > 0, nil
}

// GetMessage returns a message with its attachments.
func (db *DB) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE msg_id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get message %s: %w", id, ErrMessageNotFound)
	}
	if err != nil {
		return nil, err
	}
	if m.Attachments, err = loadAttachments(ctx, db, id); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns up to limit messages of a conversation received
// before beforeTs, oldest first. beforeTs <= 0 means "now".
func (db *DB) ListMessages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND received_at < ?
		ORDER BY received_at DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for _, m := range msgs {
		if m.AttachmentsCount == 0 {
			continue
		}
		if m.Attachments, err = loadAttachments(ctx, db, m.ID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// UpdateMessageStatus sets the delivery status of a message.
func (db *DB) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus) error {
	res, err := db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE msg_id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status of %s: %w", id, ErrMessageNotFound)
	}
	return nil
}

// UpdateAttachmentStatus sets the upload status of the attachment at position.
func (db *DB) UpdateAttachmentStatus(ctx context.Context, msgID string, position int, status model.AttachmentStatus) error {
	res, err := db.ExecContext(ctx, `UPDATE attachments SET status = ? WHERE msg_id = ? AND position = ?`,
		string(status), msgID, position)
	if err != nil {
		return fmt.Errorf("update attachment %s/%d: %w", msgID, position, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update attachment %s/%d: %w", msgID, position, ErrMessageNotFound)
	}
	return nil
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func messageArgs(m *model.Message) []any {
	typ := m.Type
	if typ == "" {
		typ = model.TypeNormal
	}
	status := m.Status
	if status == "" {
		status = model.StatusPending
	}
	count := m.AttachmentsCount
	if len(m.Attachments) > count {
		count = len(m.Attachments)
	}
	return []any{
		m.ID, m.ConversationID, m.Author, m.ComposedTimestamp, m.ReceivedTimestamp, m.Content,
		string(m.Direction), boolInt(m.Read), string(typ), string(status), count, time.Now().UnixMilli(),
	}
}

func activity(m *model.Message) int64 {
	if m.ReceivedTimestamp > 0 {
		return m.ReceivedTimestamp
	}
	return m.ComposedTimestamp
}

func scanMessage(s scanner) (*model.Message, error) {
	var (
		m                        model.Message
		direction, typ, status string
		read                     int
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.Author, &m.ComposedTimestamp, &m.ReceivedTimestamp, &m.Content,
		&direction, &read, &typ, &status, &m.AttachmentsCount); err != nil {
		return nil, err
	}
	m.Direction = model.Direction(direction)
	m.Read = read != 0
	m.Type = model.MessageType(typ)
	m.Status = model.MessageStatus(status)
	return &m, nil
}

func replaceAttachments(ctx context.Context, q querier, m *model.Message) error {
	if len(m.Attachments) == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM attachments WHERE msg_id = ?`, m.ID); err != nil {
		return fmt.Errorf("clear attachments of %s: %w", m.ID, err)
	}
	for i, a := range m.Attachments {
		status := a.Status
		if status == "" {
			status = model.AttachmentPending
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO attachments (msg_id, position, content_type, size, file_name, status, key, digest, storage_id, upload_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, i, a.ContentType, a.Size, a.FileName, string(status), a.Key, a.Digest, a.StorageID, a.UploadID); err != nil {
			return fmt.Errorf("insert attachment %s/%d: %w", m.ID, i, err)
		}
	}
	return nil
}

func loadAttachments(ctx context.Context, q querier, msgID string) ([]*model.Attachment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT content_type, size, file_name, status, key, digest, storage_id, upload_id
		FROM attachments WHERE msg_id = ? ORDER BY position`, msgID)
	if err != nil {
		return nil, fmt.Errorf("load attachments of %s: %w", msgID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Attachment
	for rows.Next() {
		var a model.Attachment
		var status string
		if err := rows.Scan(&a.ContentType, &a.Size, &a.FileName, &status, &a.Key, &a.Digest, &a.StorageID, &a.UploadID); err != nil {
			return nil, err
		}
		a.Status = model.AttachmentStatus(status)
		out = append(out, &a)
	}
	return out, rows.Err()
}
