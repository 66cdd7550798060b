package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/convsync/internal/model"
)

// SearchResult is a message matching a full-text query.
type SearchResult struct {
	Message *model.Message
	Snippet string
}

// SearchMessages performs a full-text search on message bodies, newest first.
// An empty conversationID searches all conversations.
func (db *DB) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.msg_id, m.conversation_id, m.author, m.composed_at, m.received_at, m.body,
		       m.direction, m.is_read, m.message_type, m.status, m.attachments_count,
		       snippet(messages_fts, '<<', '>>', '...', 0, 16)
		FROM messages_fts f
		JOIN messages m ON m.id = f.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY m.received_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var snippet string
		m, err := scanMessage(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &snippet)...)
		}))
		if err != nil {
			return nil, err
		}
		r.Message = m
		r.Snippet = snippet
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }
