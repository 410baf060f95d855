package storage

import (
	"errors"
	"fmt"
)

// CreateConversation inserts a conversation with its participant set.
func (s *Store) CreateConversation(name string, participantIDs []int64) (int64, error) {
	if len(participantIDs) == 0 {
		return 0, errors.New("at least one participant is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin conversation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.Exec(
		`INSERT INTO conversations (name, created_at) VALUES (?, ?)`,
		name, nowUnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	conversationID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("conversation insert id: %w", err)
	}

	for _, userID := range participantIDs {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
			conversationID, userID,
		); err != nil {
			return 0, fmt.Errorf("insert participant %d: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit conversation transaction: %w", err)
	}
	return conversationID, nil
}

// ListParticipants returns the userIds participating in a conversation.
func (s *Store) ListParticipants(conversationID int64) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants for conversation %d: %w", conversationID, err)
	}
	defer rows.Close()

	participants := make([]int64, 0)
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, userID)
	}
	return participants, rows.Err()
}
