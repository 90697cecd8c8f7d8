package store

import (
	"context"
	"fmt"
	"time"
)

// Message is one turn of a chat conversation.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Role      string    `json:"role"` // user|assistant
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveMessage appends one conversation turn for a chat.
func (s *Store) SaveMessage(ctx context.Context, chatID int64, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (chat_id, role, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		chatID, role, content, time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("save message failed", "chat_id", chatID, "role", role, "error", err)
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// RecentContext returns the last limit messages for a chat in
// chronological order (oldest first).
func (s *Store) RecentContext(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, created_at
		 FROM conversations
		 WHERE chat_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent context: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.Unix(created, 0)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ClearConversation deletes all stored turns for a chat.
func (s *Store) ClearConversation(ctx context.Context, chatID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("conversation cleared", "chat_id", chatID, "deleted", n)
	return nil
}
