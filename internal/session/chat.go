package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"riverthello/internal/domain"
)

// AppendChat persists one chat line to the game's append-only list and
// returns the stored record.
func (m *Manager) AppendChat(ctx context.Context, gameID, userID int64, message string) (*domain.ChatMessage, error) {
	message = strings.TrimSpace(message)
	id, err := m.rdb.Incr(ctx, "rvt:seq:chat").Result()
	if err != nil {
		return nil, err
	}
	msg := &domain.ChatMessage{
		ID:        id,
		GameID:    gameID,
		UserID:    userID,
		Message:   message,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := m.rdb.RPush(ctx, chatKey(gameID), raw).Err(); err != nil {
		return nil, err
	}
	return msg, nil
}

// ChatHistory returns every chat line of a game in creation order.
func (m *Manager) ChatHistory(ctx context.Context, gameID int64) ([]*domain.ChatMessage, error) {
	raws, err := m.rdb.LRange(ctx, chatKey(gameID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]*domain.ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}
