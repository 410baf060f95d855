package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SendMessageIfNotExists persists a chat message keyed by its client-side
// idempotency key. If a row with the same clientMessageId already exists the
// original row's id is returned with created=false; retried sends therefore
// produce at most one durable message.
func (s *Store) SendMessageIfNotExists(conversationID, senderID int64, content, clientMessageID string) (int64, bool, error) {
	if clientMessageID == "" {
		return 0, false, errors.New("client_message_id is required")
	}

	result, err := s.db.Exec(
		`INSERT INTO messages (conversation_id, sender_id, content, client_message_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_message_id) DO NOTHING`,
		conversationID, senderID, content, clientMessageID, StatusPending, nowUnixMilli(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert message %q: %w", clientMessageID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 1 {
		id, err := result.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("message insert id: %w", err)
		}
		return id, true, nil
	}

	existing, err := s.GetMessageByClientID(clientMessageID)
	if err != nil {
		return 0, false, err
	}
	return existing.ID, false, nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(id int64) (Message, error) {
	return s.getMessage(`SELECT id, conversation_id, sender_id, content, client_message_id, status, retry_count, created_at
		FROM messages WHERE id = ?`, id)
}

// GetMessageByClientID returns one message by its idempotency key.
func (s *Store) GetMessageByClientID(clientMessageID string) (Message, error) {
	return s.getMessage(`SELECT id, conversation_id, sender_id, content, client_message_id, status, retry_count, created_at
		FROM messages WHERE client_message_id = ?`, clientMessageID)
}

func (s *Store) getMessage(query string, arg any) (Message, error) {
	var m Message
	err := s.db.QueryRow(query, arg).Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
		&m.ClientMessageID, &m.Status, &m.RetryCount, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// UpdateMessageStatus transitions one message to the given status.
func (s *Store) UpdateMessageStatus(messageID int64, status string) error {
	if err := validateMessageStatus(status); err != nil {
		return err
	}
	result, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, messageID)
	if err != nil {
		return fmt.Errorf("update message %d status: %w", messageID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("message status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementMessageRetry bumps the bounded retry counter and returns the new
// count.
func (s *Store) IncrementMessageRetry(messageID int64) (int, error) {
	if _, err := s.db.Exec(
		`UPDATE messages SET retry_count = retry_count + 1 WHERE id = ?`, messageID,
	); err != nil {
		return 0, fmt.Errorf("increment message %d retry: %w", messageID, err)
	}

	var count int
	err := s.db.QueryRow(`SELECT retry_count FROM messages WHERE id = ?`, messageID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read message %d retry count: %w", messageID, err)
	}
	return count, nil
}

// ListRetryableMessages returns the local user's messages eligible for a
// delivery retry: pending ones, plus failed ones still under the retry
// budget. Records at or past the budget stay failed permanently.
func (s *Store) ListRetryableMessages(senderID int64, maxRetries int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, sender_id, content, client_message_id, status, retry_count, created_at
		 FROM messages
		 WHERE sender_id = ?
		   AND (status = ? OR (status = ? AND retry_count < ?))
		 ORDER BY created_at ASC`,
		senderID, StatusPending, StatusFailed, maxRetries,
	)
	if err != nil {
		return nil, fmt.Errorf("list retryable messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
			&m.ClientMessageID, &m.Status, &m.RetryCount, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan retryable message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkMessageSeen records that userID has seen messageID. Repeated marks are
// no-ops.
func (s *Store) MarkMessageSeen(messageID, userID int64) error {
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO message_seen (message_id, user_id, seen_at) VALUES (?, ?, ?)`,
		messageID, userID, nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("mark message %d seen by %d: %w", messageID, userID, err)
	}
	return nil
}

// MessageSeenBy reports whether userID has seen messageID.
func (s *Store) MessageSeenBy(messageID, userID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM message_seen WHERE message_id = ? AND user_id = ?`,
		messageID, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query message %d seen: %w", messageID, err)
	}
	return count > 0, nil
}
