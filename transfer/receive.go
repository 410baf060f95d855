package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"peerchat/storage"
	"peerchat/wire"
)

// HandleFileEnvelope is the router's entry point for every file-transfer
// envelope. Malformed payloads are logged and dropped; a broken transfer
// never affects other in-flight transfers.
func (m *Manager) HandleFileEnvelope(remoteID int64, e *wire.Envelope) {
	switch e.Type {
	case wire.TypeFileRequest:
		var payload wire.FileRequestPayload
		if err := wire.DecodeData(e, &payload); err != nil {
			m.logger.WithError(err).Warn("transfer: dropping file request")
			return
		}
		m.handleRequest(remoteID, e.ConversationID, payload)
	case wire.TypeFileChunk:
		var payload wire.FileChunkPayload
		if err := wire.DecodeData(e, &payload); err != nil {
			m.logger.WithError(err).Warn("transfer: dropping file chunk")
			return
		}
		m.handleChunk(remoteID, payload)
	case wire.TypeFileComplete:
		var payload wire.FileControlPayload
		if err := wire.DecodeData(e, &payload); err != nil {
			m.logger.WithError(err).Warn("transfer: dropping file completion")
			return
		}
		m.handleComplete(remoteID, payload.FileID)
	case wire.TypeFileCancel:
		var payload wire.FileControlPayload
		if err := wire.DecodeData(e, &payload); err != nil {
			m.logger.WithError(err).Warn("transfer: dropping file cancel")
			return
		}
		m.handleRemoteCancel(remoteID, payload.FileID, payload.Reason)
	case wire.TypeFileAck:
		var payload wire.FileControlPayload
		if err := wire.DecodeData(e, &payload); err != nil {
			m.logger.WithError(err).Warn("transfer: dropping file ack")
			return
		}
		m.handleAck(remoteID, payload.FileID)
	case wire.TypeFileNack:
		var payload wire.FileControlPayload
		if err := wire.DecodeData(e, &payload); err != nil {
			m.logger.WithError(err).Warn("transfer: dropping file nack")
			return
		}
		m.handleNack(remoteID, payload.FileID, payload.Reason)
	case wire.TypeFileAccept, wire.TypeFileReject:
		// The push protocol does not negotiate; these round-trip for
		// clients that surface them but carry no core behavior.
	default:
		m.logger.WithField("type", e.Type).Warn("transfer: unexpected envelope type")
	}
}

// handleRequest initializes the receive-side TransferContext from the
// transfer's metadata envelope and opens the temp file the chunk stream
// appends to.
func (m *Manager) handleRequest(remoteID, conversationID int64, payload wire.FileRequestPayload) {
	if payload.FileID == "" || payload.FileSize < 0 {
		return
	}
	if existing := m.get(payload.FileID); existing != nil {
		// A whole-transfer retry restarts the stream from scratch.
		m.discardPartial(existing)
		m.remove(payload.FileID)
	}

	tempPath := filepath.Join(m.options.DownloadsDir, payload.FileID+".part")
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		m.logger.WithError(err).WithField("file_id", payload.FileID).Error("transfer: open temp file")
		m.nack(remoteID, payload.FileID, "temp file creation failed")
		return
	}

	ctx := &Context{
		FileID:          payload.FileID,
		ConversationID:  conversationID,
		SenderID:        remoteID,
		ReceiverID:      m.options.LocalUserID,
		FileName:        payload.FileName,
		FileSize:        payload.FileSize,
		Checksum:        payload.Checksum,
		ClientMessageID: payload.ClientMessageID,
		tempPath:        tempPath,
		tempFile:        tempFile,
		totalChunk:      chunkCount(payload.FileSize, m.options.ChunkSize),
	}
	m.put(ctx)

	m.emitEvent(Event{Kind: EventOffered, FileID: ctx.FileID, PeerID: remoteID, FileName: ctx.FileName})
}

// handleChunk appends one chunk to the transfer's temp file. Chunks arrive
// in wire order on one transport, so the expected index advances strictly.
func (m *Manager) handleChunk(remoteID int64, payload wire.FileChunkPayload) {
	ctx := m.get(payload.FileID)
	if ctx == nil || ctx.IsUpload {
		m.nack(remoteID, payload.FileID, "unknown transfer")
		return
	}

	data, err := base64.StdEncoding.DecodeString(payload.ChunkData)
	if err != nil {
		m.failReceive(ctx, remoteID, "invalid chunk encoding")
		return
	}

	ctx.mu.Lock()
	if ctx.canceled || ctx.completed {
		ctx.mu.Unlock()
		return
	}
	if payload.ChunkIndex != ctx.nextChunk {
		ctx.mu.Unlock()
		m.failReceive(ctx, remoteID, fmt.Sprintf("chunk %d out of order, expected %d", payload.ChunkIndex, ctx.nextChunk))
		return
	}
	if _, err := ctx.tempFile.Write(data); err != nil {
		ctx.mu.Unlock()
		m.failReceive(ctx, remoteID, "chunk write failed")
		return
	}
	ctx.nextChunk++
	ctx.bytesGot += int64(len(data))
	bytesGot := ctx.bytesGot
	if payload.TotalChunks > 0 {
		ctx.totalChunk = payload.TotalChunks
	}
	totalChunks := ctx.totalChunk
	ctx.mu.Unlock()

	m.emitProgress(Progress{
		FileID:      ctx.FileID,
		PeerID:      remoteID,
		ChunkIndex:  payload.ChunkIndex,
		TotalChunks: totalChunks,
		Percent:     float64(payload.ChunkIndex+1) / float64(totalChunks) * 100,
		Bytes:       bytesGot,
		TotalBytes:  ctx.FileSize,
	})
}

// handleComplete verifies and finalizes an inbound transfer. The completion
// guard makes this run at most once per fileId no matter how many times the
// completion signal arrives; duplicate completions must not produce a second
// persisted message, attachment, or ack.
func (m *Manager) handleComplete(remoteID int64, fileID string) {
	ctx := m.get(fileID)
	if ctx == nil || ctx.IsUpload {
		return
	}
	if !ctx.markCompleted() {
		return
	}

	ctx.mu.Lock()
	bytesGot := ctx.bytesGot
	tempFile := ctx.tempFile
	ctx.tempFile = nil
	ctx.mu.Unlock()

	if tempFile != nil {
		if err := tempFile.Close(); err != nil {
			m.abortReceive(ctx, remoteID, "temp file close failed")
			return
		}
	}

	// The sender's completion signal is not trusted on its own: a truncated
	// stream must not be mistaken for a whole file.
	if bytesGot != ctx.FileSize {
		m.abortReceive(ctx, remoteID, fmt.Sprintf("incomplete transfer: got %d of %d bytes", bytesGot, ctx.FileSize))
		return
	}

	checksum, err := ChecksumFile(ctx.tempPath)
	if err != nil {
		m.abortReceive(ctx, remoteID, "checksum computation failed")
		return
	}
	if !strings.EqualFold(checksum, ctx.Checksum) {
		m.abortReceive(ctx, remoteID, "checksum mismatch")
		return
	}

	finalPath := uniquePath(m.options.DownloadsDir, ctx.FileName)
	if err := os.Rename(ctx.tempPath, finalPath); err != nil {
		m.abortReceive(ctx, remoteID, "finalize file failed")
		return
	}

	if _, err := m.options.Store.SaveFileAttachment(storage.Attachment{
		FileID:          ctx.FileID,
		ConversationID:  ctx.ConversationID,
		SenderID:        ctx.SenderID,
		ReceiverID:      ctx.ReceiverID,
		FileName:        ctx.FileName,
		FileSize:        ctx.FileSize,
		Checksum:        ctx.Checksum,
		StoredPath:      finalPath,
		ClientMessageID: ctx.ClientMessageID,
		Status:          storage.StatusCompleted,
	}); err != nil {
		m.logger.WithError(err).WithField("file_id", ctx.FileID).Error("transfer: persist attachment")
	}
	if _, _, err := m.options.Store.SendMessageIfNotExists(ctx.ConversationID, ctx.SenderID, ctx.FileName, ctx.ClientMessageID); err != nil {
		m.logger.WithError(err).WithField("file_id", ctx.FileID).Error("transfer: persist file message")
	}

	m.remove(fileID)
	if err := m.options.Sender.SendToPeer(remoteID, wire.NewFileAck(m.options.LocalUserID, remoteID, fileID)); err != nil {
		m.logger.WithError(err).WithField("file_id", fileID).Warn("transfer: deliver ack")
	}
	m.emitEvent(Event{Kind: EventCompleted, FileID: fileID, PeerID: remoteID, FileName: ctx.FileName, Path: finalPath})
}

// handleRemoteCancel reacts to the other side withdrawing the transfer.
func (m *Manager) handleRemoteCancel(remoteID int64, fileID, reason string) {
	ctx := m.get(fileID)
	if ctx == nil {
		return
	}
	if !ctx.markCanceled() {
		return
	}
	if !ctx.IsUpload {
		m.discardPartial(ctx)
	}
	m.remove(fileID)
	if err := m.options.Store.UpdateAttachmentStatus(fileID, storage.StatusCanceled); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.WithError(err).WithField("file_id", fileID).Error("transfer: mark canceled")
	}
	m.emitEvent(Event{Kind: EventCanceled, FileID: fileID, PeerID: remoteID, FileName: ctx.FileName, IsUpload: ctx.IsUpload, Reason: reason})
}

// abortReceive discards a finalizing transfer and nacks the sender.
func (m *Manager) abortReceive(ctx *Context, remoteID int64, reason string) {
	m.discardPartial(ctx)
	m.remove(ctx.FileID)
	m.nack(remoteID, ctx.FileID, reason)
	m.emitEvent(Event{Kind: EventFailed, FileID: ctx.FileID, PeerID: remoteID, FileName: ctx.FileName, Reason: reason})
}

// failReceive aborts a mid-stream transfer: the guard keeps a late
// completion signal from resurrecting it.
func (m *Manager) failReceive(ctx *Context, remoteID int64, reason string) {
	if !ctx.markCompleted() {
		return
	}
	m.abortReceive(ctx, remoteID, reason)
}

func (m *Manager) discardPartial(ctx *Context) {
	ctx.mu.Lock()
	tempFile := ctx.tempFile
	ctx.tempFile = nil
	tempPath := ctx.tempPath
	ctx.mu.Unlock()

	if tempFile != nil {
		_ = tempFile.Close()
	}
	if tempPath != "" {
		_ = os.Remove(tempPath)
	}
}

func (m *Manager) nack(remoteID int64, fileID, reason string) {
	if fileID == "" {
		return
	}
	if err := m.options.Sender.SendToPeer(remoteID, wire.NewFileNack(m.options.LocalUserID, remoteID, fileID, reason)); err != nil {
		m.logger.WithError(err).WithField("file_id", fileID).Warn("transfer: deliver nack")
	}
}
