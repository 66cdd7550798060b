package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/model"
)

const conversationColumns = `id, kind, display_name, last_active_at, last_message_id, last_seen_message_id,
	last_seen_index, messages_count, unread_count, can_receive, color`

// UpsertConversation inserts or replaces a conversation snapshot, including
// group memberships.
func (db *DB) UpsertConversation(ctx context.Context, c *model.Conversation) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return upsertConversation(ctx, tx, c)
	})
}

// UpsertConversations writes a batch of snapshots in one transaction.
func (db *DB) UpsertConversations(ctx context.Context, convs []*model.Conversation) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range convs {
			if err := upsertConversation(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertConversation(ctx context.Context, q querier, c *model.Conversation) error {
	kind := c.Kind
	if kind == "" {
		kind = model.KindContact
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			display_name = excluded.display_name,
			last_active_at = excluded.last_active_at,
			last_message_id = excluded.last_message_id,
			last_seen_message_id = excluded.last_seen_message_id,
			last_seen_index = excluded.last_seen_index,
			messages_count = excluded.messages_count,
			unread_count = excluded.unread_count,
			can_receive = excluded.can_receive,
			color = excluded.color,
			updated_at = excluded.updated_at`,
		c.ID, string(kind), c.DisplayName, c.LastActiveTimestamp, messageID(c.LastMessage), messageID(c.LastSeenMessage),
		c.LastSeenMessageIndex, c.MessagesCount, c.UnreadCount, boolInt(c.CanReceive), c.Color, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
	}

	if kind != model.KindGroup {
		return nil
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear members of %q: %w", c.ID, err)
	}
	for i, m := range c.Members {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO group_members (group_id, contact_id, display_name, position)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(group_id, contact_id) DO NOTHING`,
			c.ID, m.ContactID, m.DisplayName, i); err != nil {
			return fmt.Errorf("insert member %q of %q: %w", m.ContactID, c.ID, err)
		}
	}
	return nil
}

// GetConversation returns a conversation by id, or model.ErrNotFound.
func (db *DB) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return getConversation(ctx, db, id)
}

func getConversation(ctx context.Context, q querier, id string) (*model.Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get conversation %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if c.IsGroup() {
		members, err := loadMembers(ctx, q, id)
		if err != nil {
			return nil, err
		}
		c.Members = members[id]
	}
	return c, nil
}

// ListConversations returns all conversations, most recently active first.
func (db *DB) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY last_active_at DESC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	members, err := loadMembers(ctx, db, "")
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		if c.IsGroup() {
			c.Members = members[c.ID]
		}
	}
	return convs, nil
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*model.Conversation, error) {
	var (
		c                   model.Conversation
		kind, lastID, seenID string
		canReceive          int
	)
	if err := s.Scan(&c.ID, &kind, &c.DisplayName, &c.LastActiveTimestamp, &lastID, &seenID,
		&c.LastSeenMessageIndex, &c.MessagesCount, &c.UnreadCount, &canReceive, &c.Color); err != nil {
		return nil, err
	}
	c.Kind = model.Kind(kind)
	c.CanReceive = canReceive != 0
	c.LastMessage = messageRef(lastID, c.ID)
	c.LastSeenMessage = messageRef(seenID, c.ID)
	return &c, nil
}

// loadMembers returns memberships keyed by group id; groupID "" loads all groups.
func loadMembers(ctx context.Context, q querier, groupID string) (map[string][]model.GroupMembership, error) {
	query := `SELECT group_id, contact_id, display_name FROM group_members`
	var args []any
	if groupID != "" {
		query += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY group_id, position`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]model.GroupMembership)
	for rows.Next() {
		var gid string
		var m model.GroupMembership
		if err := rows.Scan(&gid, &m.ContactID, &m.DisplayName); err != nil {
			return nil, err
		}
		out[gid] = append(out[gid], m)
	}
	return out, rows.Err()
}

// messageRef builds a reference-only message for a stored id.
func messageRef(id, conversationID string) *model.Message {
	if id == "" {
		return nil
	}
	return &model.Message{ID: id, ConversationID: conversationID}
}

func messageID(m *model.Message) string {
	if m == nil {
		return ""
	}
	return m.ID
}
