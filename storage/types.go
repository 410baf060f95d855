package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

const (
	// StatusPending marks a record awaiting first delivery.
	StatusPending = "pending"
	// StatusSent marks a message delivered to every participant.
	StatusSent = "sent"
	// StatusFailed marks a record whose delivery failed; it stays retryable
	// until its retry count exceeds the budget.
	StatusFailed = "failed"
	// StatusCanceled marks a record withdrawn by its owner.
	StatusCanceled = "canceled"
	// StatusUploading marks an attachment whose chunk stream is in flight.
	StatusUploading = "uploading"
	// StatusCompleted marks an attachment fully transferred and verified.
	StatusCompleted = "completed"
)

// User is one account known to this node.
type User struct {
	ID        int64
	Username  string
	CreatedAt int64
}

// Conversation groups participants exchanging messages.
type Conversation struct {
	ID        int64
	Name      string
	CreatedAt int64
}

// Message is the SQLite representation of a chat message. ClientMessageID is
// the client-generated idempotency key; retried sends reuse it so the row is
// written at most once.
type Message struct {
	ID              int64
	ConversationID  int64
	SenderID        int64
	Content         string
	ClientMessageID string
	Status          string
	RetryCount      int
	CreatedAt       int64
}

// Attachment is the SQLite representation of one file transfer.
type Attachment struct {
	FileID          string
	ConversationID  int64
	SenderID        int64
	ReceiverID      int64
	FileName        string
	FileSize        int64
	Checksum        string
	StoredPath      string
	ClientMessageID string
	Status          string
	RetryCount      int
	CreatedAt       int64
}

func validateMessageStatus(status string) error {
	switch status {
	case StatusPending, StatusSent, StatusFailed, StatusCanceled:
		return nil
	default:
		return fmt.Errorf("invalid message status %q", status)
	}
}

func validateAttachmentStatus(status string) error {
	switch status {
	case StatusPending, StatusUploading, StatusCompleted, StatusFailed, StatusCanceled:
		return nil
	default:
		return fmt.Errorf("invalid attachment status %q", status)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
