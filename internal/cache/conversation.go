package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confideapp/confide/internal/model"
)

// UpsertConversation writes a conversation, replacing any existing row.
func (db *DB) UpsertConversation(ctx context.Context, conv model.Conversation) error {
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (id, confession_id, participants, last_message_preview, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			confession_id = excluded.confession_id,
			participants = excluded.participants,
			last_message_preview = excluded.last_message_preview,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at
	`, conv.ID, conv.ConfessionID, string(participants), conv.LastMessagePreview, conv.UnreadCount, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// ListConversations returns all cached conversations, most recently
// updated first.
func (db *DB) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, confession_id, participants, last_message_preview, unread_count, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		var participants string
		if err := rows.Scan(&conv.ID, &conv.ConfessionID, &participants, &conv.LastMessagePreview, &conv.UnreadCount, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
			return nil, fmt.Errorf("unmarshal participants: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}
