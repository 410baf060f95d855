// Package retry implements the reliability services: periodic scanners that
// re-attempt delivery of persisted messages and uploads whose recipients
// were unreachable, under a bounded retry budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"peerchat/storage"
	"peerchat/wire"
)

const (
	// DefaultMessageInterval is the message scanner period.
	DefaultMessageInterval = 30 * time.Second
	// DefaultFileInterval is the file scanner period.
	DefaultFileInterval = 60 * time.Second
	// DefaultMaxRetries bounds automatic delivery attempts per record.
	DefaultMaxRetries = 3
)

// ErrNotRetryable indicates a manual retry was requested for a record in a
// state that cannot be replayed.
var ErrNotRetryable = errors.New("retry: record not retryable")

// Presence answers reachability questions; implemented by the peer
// directory.
type Presence interface {
	Online(userID int64) bool
}

// Conversations resolves participant sets; implemented by the storage
// collaborator.
type Conversations interface {
	ListParticipants(conversationID int64) ([]int64, error)
}

// runLoop drives one scanner: a scan at startup, then one per tick, until
// the context is cancelled. Scans are read-then-act over independent
// records, so abandoning a pass mid-way on shutdown is safe.
func runLoop(ctx context.Context, interval time.Duration, scan func()) error {
	scan()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			scan()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// allRecipientsOnline reports whether every non-self participant is
// currently present in the directory. Candidates with absent recipients are
// deferred, not failed.
func allRecipientsOnline(presence Presence, participants []int64, selfID int64) bool {
	for _, participantID := range participants {
		if participantID == selfID {
			continue
		}
		if !presence.Online(participantID) {
			return false
		}
	}
	return true
}

// MessageSender is the router primitive the message scanner replays through.
type MessageSender interface {
	SendToConversation(conversationID int64, build func(participantID int64) *wire.Envelope) (bool, error)
}

// MessageStore is the durable message state the scanner reads and advances.
type MessageStore interface {
	Conversations
	ListRetryableMessages(senderID int64, maxRetries int) ([]storage.Message, error)
	GetMessage(id int64) (storage.Message, error)
	UpdateMessageStatus(messageID int64, status string) error
	IncrementMessageRetry(messageID int64) (int, error)
}

// MessageOptions configures the message retry service.
type MessageOptions struct {
	LocalUserID int64
	Store       MessageStore
	Sender      MessageSender
	Presence    Presence

	Interval   time.Duration
	MaxRetries int
	Logger     *logrus.Logger
}

// MessageService periodically rescans pending and failed-under-budget
// messages and re-invokes the normal send path with the original
// clientMessageId, relying on idempotent persistence downstream.
type MessageService struct {
	options MessageOptions
	logger  *logrus.Logger
}

// NewMessageService creates a message retry service.
func NewMessageService(options MessageOptions) (*MessageService, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if options.Presence == nil {
		return nil, errors.New("presence is required")
	}
	if options.Interval <= 0 {
		options.Interval = DefaultMessageInterval
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = DefaultMaxRetries
	}
	if options.Logger == nil {
		options.Logger = logrus.New()
	}
	return &MessageService{options: options, logger: options.Logger}, nil
}

// Run blocks scanning until ctx is cancelled.
func (s *MessageService) Run(ctx context.Context) error {
	return runLoop(ctx, s.options.Interval, s.Scan)
}

// Scan performs one pass over retryable messages.
func (s *MessageService) Scan() {
	candidates, err := s.options.Store.ListRetryableMessages(s.options.LocalUserID, s.options.MaxRetries)
	if err != nil {
		s.logger.WithError(err).Error("retry: list retryable messages")
		return
	}

	for _, message := range candidates {
		participants, err := s.options.Store.ListParticipants(message.ConversationID)
		if err != nil {
			s.logger.WithError(err).WithField("conversation", message.ConversationID).Error("retry: resolve participants")
			continue
		}
		if !allRecipientsOnline(s.options.Presence, participants, s.options.LocalUserID) {
			continue
		}
		s.attempt(message)
	}
}

// RetryNow replays one message immediately regardless of its retry budget;
// it remains available after automatic retries have been exhausted.
func (s *MessageService) RetryNow(messageID int64) error {
	message, err := s.options.Store.GetMessage(messageID)
	if err != nil {
		return err
	}
	switch message.Status {
	case storage.StatusPending, storage.StatusFailed:
	default:
		return fmt.Errorf("%w: message %d is %s", ErrNotRetryable, messageID, message.Status)
	}
	return s.attempt(message)
}

func (s *MessageService) attempt(message storage.Message) error {
	allDelivered, err := s.options.Sender.SendToConversation(message.ConversationID, func(int64) *wire.Envelope {
		envelope := wire.NewChatMessage(message.SenderID, message.ConversationID, message.Content, message.ClientMessageID)
		return envelope
	})
	if err == nil && allDelivered {
		if err := s.options.Store.UpdateMessageStatus(message.ID, storage.StatusSent); err != nil {
			s.logger.WithError(err).WithField("message", message.ID).Error("retry: mark sent")
		}
		return nil
	}
	if err != nil {
		s.logger.WithError(err).WithField("message", message.ID).Info("retry: delivery attempt failed")
	}

	count, retryErr := s.options.Store.IncrementMessageRetry(message.ID)
	if retryErr != nil {
		s.logger.WithError(retryErr).WithField("message", message.ID).Error("retry: bump retry count")
		return retryErr
	}
	if statusErr := s.options.Store.UpdateMessageStatus(message.ID, storage.StatusFailed); statusErr != nil {
		s.logger.WithError(statusErr).WithField("message", message.ID).Error("retry: mark failed")
	}
	if count >= s.options.MaxRetries {
		s.logger.WithFields(logrus.Fields{
			"message": message.ID,
			"retries": count,
		}).Warn("retry: message permanently failed")
	}
	return fmt.Errorf("retry: message %d not fully delivered", message.ID)
}
