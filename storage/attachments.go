package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveFileAttachment persists one file-transfer record, keyed by fileId and
// deduplicated on clientMessageId so a retried transfer never creates a
// second row. It reports whether a new row was created.
func (s *Store) SaveFileAttachment(att Attachment) (bool, error) {
	if att.FileID == "" {
		return false, errors.New("file_id is required")
	}
	if att.ClientMessageID == "" {
		return false, errors.New("client_message_id is required")
	}
	if att.Status == "" {
		att.Status = StatusPending
	}
	if err := validateAttachmentStatus(att.Status); err != nil {
		return false, err
	}
	if att.CreatedAt == 0 {
		att.CreatedAt = nowUnixMilli()
	}

	result, err := s.db.Exec(
		`INSERT INTO attachments (
			file_id, conversation_id, sender_id, receiver_id,
			file_name, file_size, checksum, stored_path,
			client_message_id, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		att.FileID, att.ConversationID, att.SenderID, att.ReceiverID,
		att.FileName, att.FileSize, att.Checksum, att.StoredPath,
		att.ClientMessageID, att.Status, att.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert attachment %q: %w", att.FileID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attachment rows affected: %w", err)
	}
	return affected == 1, nil
}

// GetAttachment returns one attachment by fileId.
func (s *Store) GetAttachment(fileID string) (Attachment, error) {
	var att Attachment
	err := s.db.QueryRow(
		`SELECT file_id, conversation_id, sender_id, receiver_id,
			file_name, file_size, checksum, stored_path,
			client_message_id, status, retry_count, created_at
		 FROM attachments WHERE file_id = ?`, fileID,
	).Scan(
		&att.FileID, &att.ConversationID, &att.SenderID, &att.ReceiverID,
		&att.FileName, &att.FileSize, &att.Checksum, &att.StoredPath,
		&att.ClientMessageID, &att.Status, &att.RetryCount, &att.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Attachment{}, ErrNotFound
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("get attachment %q: %w", fileID, err)
	}
	return att, nil
}

// UpdateAttachmentStatus transitions one attachment to the given status.
func (s *Store) UpdateAttachmentStatus(fileID, status string) error {
	if err := validateAttachmentStatus(status); err != nil {
		return err
	}
	result, err := s.db.Exec(`UPDATE attachments SET status = ? WHERE file_id = ?`, status, fileID)
	if err != nil {
		return fmt.Errorf("update attachment %q status: %w", fileID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("attachment status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementAttachmentRetry bumps the bounded retry counter and returns the
// new count.
func (s *Store) IncrementAttachmentRetry(fileID string) (int, error) {
	if _, err := s.db.Exec(
		`UPDATE attachments SET retry_count = retry_count + 1 WHERE file_id = ?`, fileID,
	); err != nil {
		return 0, fmt.Errorf("increment attachment %q retry: %w", fileID, err)
	}

	var count int
	err := s.db.QueryRow(`SELECT retry_count FROM attachments WHERE file_id = ?`, fileID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read attachment %q retry count: %w", fileID, err)
	}
	return count, nil
}

// ListRetryableAttachments returns the local user's uploads eligible for a
// whole-transfer retry: pending or uploading ones, plus failed ones still
// under the retry budget.
func (s *Store) ListRetryableAttachments(senderID int64, maxRetries int) ([]Attachment, error) {
	rows, err := s.db.Query(
		`SELECT file_id, conversation_id, sender_id, receiver_id,
			file_name, file_size, checksum, stored_path,
			client_message_id, status, retry_count, created_at
		 FROM attachments
		 WHERE sender_id = ?
		   AND (status IN (?, ?) OR (status = ? AND retry_count < ?))
		 ORDER BY created_at ASC`,
		senderID, StatusPending, StatusUploading, StatusFailed, maxRetries,
	)
	if err != nil {
		return nil, fmt.Errorf("list retryable attachments: %w", err)
	}
	defer rows.Close()

	attachments := make([]Attachment, 0)
	for rows.Next() {
		var att Attachment
		if err := rows.Scan(
			&att.FileID, &att.ConversationID, &att.SenderID, &att.ReceiverID,
			&att.FileName, &att.FileSize, &att.Checksum, &att.StoredPath,
			&att.ClientMessageID, &att.Status, &att.RetryCount, &att.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan retryable attachment: %w", err)
		}
		attachments = append(attachments, att)
	}
	return attachments, rows.Err()
}
