package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/confideapp/confide/internal/model"
)

var errUnconfirmed = errors.New("cache: message has no server id")

// UpsertMessage writes a confirmed message, replacing any existing row.
// Optimistic entries never reach the cache.
func (db *DB) UpsertMessage(ctx context.Context, msg model.Message) error {
	if !msg.Confirmed() {
		return errUnconfirmed
	}

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_username, content, attachments,
			reply_to_id, status, is_edited, is_pinned, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			content = excluded.content,
			attachments = excluded.attachments,
			reply_to_id = excluded.reply_to_id,
			status = excluded.status,
			is_edited = excluded.is_edited,
			is_pinned = excluded.is_pinned,
			is_deleted = excluded.is_deleted,
			updated_at = excluded.updated_at
	`, msg.ConversationID, msg.ID, msg.Sender.ID, msg.Sender.Username, msg.Content, string(attachments),
		msg.ReplyToID, string(msg.Status), msg.IsEdited, msg.IsPinned, msg.IsDeleted, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message row entirely.
func (db *DB) DeleteMessage(ctx context.Context, conversationID, msgID int64) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?
	`, conversationID, msgID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages for a conversation created
// strictly before beforeMillis, oldest first. A beforeMillis of zero
// means no upper bound.
func (db *DB) ListMessages(ctx context.Context, conversationID, beforeMillis int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMillis <= 0 {
		beforeMillis = 1<<63 - 1
	}

	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, msg_id, sender_id, sender_username, content, attachments,
			reply_to_id, status, is_edited, is_pinned, is_deleted, created_at, updated_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, msg_id DESC
		LIMIT ?
	`, conversationID, beforeMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var msg model.Message
		var attachments, status string
		if err := rows.Scan(&msg.ConversationID, &msg.ID, &msg.Sender.ID, &msg.Sender.Username, &msg.Content, &attachments,
			&msg.ReplyToID, &status, &msg.IsEdited, &msg.IsPinned, &msg.IsDeleted, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
		msg.Status = model.Status(status)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query order is newest first for the limit; callers want ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
