package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"peerchat/storage"
)

// Uploader restarts a stored transfer from the beginning with its original
// identifiers; implemented by the transfer manager.
type Uploader interface {
	ResendStored(att storage.Attachment) error
}

// FileStore is the durable attachment state the file scanner reads and
// advances.
type FileStore interface {
	ListRetryableAttachments(senderID int64, maxRetries int) ([]storage.Attachment, error)
	GetAttachment(fileID string) (storage.Attachment, error)
	UpdateAttachmentStatus(fileID, status string) error
	IncrementAttachmentRetry(fileID string) (int, error)
}

// FileOptions configures the file retry service.
type FileOptions struct {
	LocalUserID int64
	Store       FileStore
	Uploader    Uploader
	Presence    Presence

	Interval   time.Duration
	MaxRetries int
	Logger     *logrus.Logger
}

// FileService rescans interrupted uploads and restarts each whole transfer
// from chunk zero; partial progress on the receiving side is discarded when
// the metadata envelope arrives again.
type FileService struct {
	options FileOptions
	logger  *logrus.Logger
}

// NewFileService creates a file retry service.
func NewFileService(options FileOptions) (*FileService, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if options.Presence == nil {
		return nil, errors.New("presence is required")
	}
	if options.Interval <= 0 {
		options.Interval = DefaultFileInterval
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = DefaultMaxRetries
	}
	if options.Logger == nil {
		options.Logger = logrus.New()
	}
	return &FileService{options: options, logger: options.Logger}, nil
}

// Run blocks scanning until ctx is cancelled.
func (s *FileService) Run(ctx context.Context) error {
	return runLoop(ctx, s.options.Interval, s.Scan)
}

// Scan performs one pass over retryable attachments.
func (s *FileService) Scan() {
	candidates, err := s.options.Store.ListRetryableAttachments(s.options.LocalUserID, s.options.MaxRetries)
	if err != nil {
		s.logger.WithError(err).Error("retry: list retryable attachments")
		return
	}

	for _, attachment := range candidates {
		if !s.options.Presence.Online(attachment.ReceiverID) {
			continue
		}
		s.attempt(attachment)
	}
}

// RetryNow restarts one upload immediately regardless of its retry budget.
func (s *FileService) RetryNow(fileID string) error {
	attachment, err := s.options.Store.GetAttachment(fileID)
	if err != nil {
		return err
	}
	switch attachment.Status {
	case storage.StatusPending, storage.StatusUploading, storage.StatusFailed:
	default:
		return fmt.Errorf("%w: attachment %s is %s", ErrNotRetryable, fileID, attachment.Status)
	}
	return s.attempt(attachment)
}

func (s *FileService) attempt(attachment storage.Attachment) error {
	err := s.options.Uploader.ResendStored(attachment)
	if err == nil {
		return nil
	}
	s.logger.WithError(err).WithField("file_id", attachment.FileID).Info("retry: upload attempt failed")

	count, retryErr := s.options.Store.IncrementAttachmentRetry(attachment.FileID)
	if retryErr != nil {
		s.logger.WithError(retryErr).WithField("file_id", attachment.FileID).Error("retry: bump retry count")
		return retryErr
	}
	if statusErr := s.options.Store.UpdateAttachmentStatus(attachment.FileID, storage.StatusFailed); statusErr != nil {
		s.logger.WithError(statusErr).WithField("file_id", attachment.FileID).Error("retry: mark failed")
	}
	if count >= s.options.MaxRetries {
		s.logger.WithFields(logrus.Fields{
			"file_id": attachment.FileID,
			"retries": count,
		}).Warn("retry: upload permanently failed")
	}
	return err
}
