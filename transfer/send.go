package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"peerchat/storage"
	"peerchat/wire"
)

// SendFile starts an outbound transfer of sourcePath to receiverID within a
// conversation. The whole-file checksum is computed before transmission, the
// attachment record is persisted, and the chunk stream runs synchronously;
// a failed chunk aborts the remainder. Whole-transfer retry belongs to the
// reliability layer, which replays via ResendStored with the same ids.
func (m *Manager) SendFile(conversationID, receiverID int64, sourcePath string) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %q", ErrSourceMissing, sourcePath)
		}
		return "", fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %q is a directory", ErrSourceMissing, sourcePath)
	}

	checksum, err := ChecksumFile(sourcePath)
	if err != nil {
		return "", err
	}

	att := storage.Attachment{
		FileID:          uuid.NewString(),
		ConversationID:  conversationID,
		SenderID:        m.options.LocalUserID,
		ReceiverID:      receiverID,
		FileName:        filepath.Base(sourcePath),
		FileSize:        info.Size(),
		Checksum:        checksum,
		StoredPath:      sourcePath,
		ClientMessageID: uuid.NewString(),
		Status:          storage.StatusUploading,
	}
	if _, err := m.options.Store.SaveFileAttachment(att); err != nil {
		return "", err
	}

	return att.FileID, m.transmit(att)
}

// ResendStored replays a persisted outbound transfer with its original
// fileId and clientMessageId, so downstream idempotent persistence absorbs
// the duplicate effects.
func (m *Manager) ResendStored(att storage.Attachment) error {
	if att.SenderID != m.options.LocalUserID {
		return fmt.Errorf("transfer: attachment %q is not a local upload", att.FileID)
	}
	if existing := m.get(att.FileID); existing != nil {
		if !existing.IsUpload || !existing.isAwaitingAck() {
			// A chunk stream is still running; leave it alone.
			return nil
		}
		// The completion signal went out but the ack never came back:
		// discard the stalled context and restart, the receiver resets
		// its state when the metadata envelope arrives again.
		m.remove(att.FileID)
	}
	if err := m.options.Store.UpdateAttachmentStatus(att.FileID, storage.StatusUploading); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return m.transmit(att)
}

func (m *Manager) transmit(att storage.Attachment) error {
	ctx := &Context{
		FileID:          att.FileID,
		ConversationID:  att.ConversationID,
		SenderID:        att.SenderID,
		ReceiverID:      att.ReceiverID,
		FileName:        att.FileName,
		FileSize:        att.FileSize,
		Checksum:        att.Checksum,
		ClientMessageID: att.ClientMessageID,
		IsUpload:        true,
	}
	m.put(ctx)

	if err := m.streamChunks(ctx, att.StoredPath); err != nil {
		if errors.Is(err, ErrCanceled) {
			return err
		}
		m.remove(ctx.FileID)
		if statusErr := m.options.Store.UpdateAttachmentStatus(ctx.FileID, storage.StatusFailed); statusErr != nil && !errors.Is(statusErr, storage.ErrNotFound) {
			m.logger.WithError(statusErr).WithField("file_id", ctx.FileID).Error("transfer: mark failed")
		}
		m.emitEvent(Event{Kind: EventFailed, FileID: ctx.FileID, PeerID: ctx.ReceiverID, FileName: ctx.FileName, IsUpload: true, Reason: err.Error()})
		return err
	}
	return nil
}

// streamChunks sends the metadata envelope, every chunk, and the completion
// signal. The context stays registered afterward: the sender finalizes only
// on the receiver's FILE_ACK or FILE_NACK.
func (m *Manager) streamChunks(ctx *Context, sourcePath string) error {
	request := wire.NewFileRequest(
		m.options.LocalUserID, ctx.ReceiverID, ctx.ConversationID,
		ctx.FileID, ctx.FileName, ctx.FileSize, ctx.Checksum, ctx.ClientMessageID,
	)
	if err := m.options.Sender.SendToPeer(ctx.ReceiverID, request); err != nil {
		return fmt.Errorf("send transfer metadata: %w", err)
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrSourceMissing, sourcePath)
		}
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	totalChunks := chunkCount(ctx.FileSize, m.options.ChunkSize)
	buffer := make([]byte, m.options.ChunkSize)
	var sent int64

	for chunkIndex := 0; chunkIndex < totalChunks; chunkIndex++ {
		if ctx.isCanceled() {
			return ErrCanceled
		}

		n, err := io.ReadFull(file, buffer)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read chunk %d: %w", chunkIndex, err)
		}
		if n == 0 {
			break
		}

		chunk := wire.NewFileChunk(
			m.options.LocalUserID, ctx.ReceiverID, ctx.FileID,
			chunkIndex, totalChunks,
			base64.StdEncoding.EncodeToString(buffer[:n]),
		)
		if err := m.options.Sender.SendToPeer(ctx.ReceiverID, chunk); err != nil {
			return fmt.Errorf("send chunk %d: %w", chunkIndex, err)
		}

		sent += int64(n)
		m.emitProgress(Progress{
			FileID:      ctx.FileID,
			PeerID:      ctx.ReceiverID,
			IsUpload:    true,
			ChunkIndex:  chunkIndex,
			TotalChunks: totalChunks,
			Percent:     float64(chunkIndex+1) / float64(totalChunks) * 100,
			Bytes:       sent,
			TotalBytes:  ctx.FileSize,
		})
	}

	if ctx.isCanceled() {
		return ErrCanceled
	}
	if err := m.options.Sender.SendToPeer(ctx.ReceiverID, wire.NewFileComplete(m.options.LocalUserID, ctx.ReceiverID, ctx.FileID)); err != nil {
		return fmt.Errorf("send transfer completion: %w", err)
	}
	ctx.markAwaitingAck()
	return nil
}

// handleAck finalizes an outbound transfer exactly once: the attachment is
// marked completed and the file message is persisted under the transfer's
// idempotency key.
func (m *Manager) handleAck(remoteID int64, fileID string) {
	ctx := m.get(fileID)
	if ctx == nil || !ctx.IsUpload {
		return
	}
	if !ctx.markCompleted() {
		return
	}
	m.remove(fileID)

	if err := m.options.Store.UpdateAttachmentStatus(fileID, storage.StatusCompleted); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.WithError(err).WithField("file_id", fileID).Error("transfer: mark completed")
	}
	if _, _, err := m.options.Store.SendMessageIfNotExists(ctx.ConversationID, ctx.SenderID, ctx.FileName, ctx.ClientMessageID); err != nil {
		m.logger.WithError(err).WithField("file_id", fileID).Error("transfer: persist file message")
	}

	m.emitEvent(Event{Kind: EventCompleted, FileID: fileID, PeerID: remoteID, FileName: ctx.FileName, IsUpload: true})
}

// handleNack aborts an outbound transfer after the receiver rejected it.
func (m *Manager) handleNack(remoteID int64, fileID, reason string) {
	ctx := m.get(fileID)
	if ctx == nil || !ctx.IsUpload {
		return
	}
	m.remove(fileID)

	if err := m.options.Store.UpdateAttachmentStatus(fileID, storage.StatusFailed); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.WithError(err).WithField("file_id", fileID).Error("transfer: mark failed")
	}
	m.emitEvent(Event{Kind: EventFailed, FileID: fileID, PeerID: remoteID, FileName: ctx.FileName, IsUpload: true, Reason: reason})
}
