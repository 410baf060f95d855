package wire

import (
	"encoding/json"
	"fmt"
)

// Payload structs are the strongly typed views of an envelope's generic data
// bag. The bag stays schemaless on the wire for forward compatibility; handlers
// decode into one of these immediately after validation and never index the
// raw map themselves.

// ChatPayload is the data of a CHAT_MESSAGE envelope.
type ChatPayload struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

// FileRequestPayload is the data of a FILE_REQUEST envelope.
type FileRequestPayload struct {
	FileID          string `json:"fileId"`
	FileName        string `json:"fileName"`
	FileSize        int64  `json:"fileSize"`
	Checksum        string `json:"checksum"`
	ClientMessageID string `json:"clientMessageId"`
}

// FileChunkPayload is the data of a FILE_CHUNK envelope. ChunkData holds the
// chunk bytes base64 encoded.
type FileChunkPayload struct {
	FileID      string `json:"fileId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	ChunkData   string `json:"chunkData"`
}

// FileControlPayload is the data of FILE_COMPLETE, FILE_CANCEL, FILE_ACK and
// FILE_NACK envelopes. Reason is set for cancel and nack.
type FileControlPayload struct {
	FileID string `json:"fileId"`
	Reason string `json:"reason,omitempty"`
}

// SeenPayload is the data of a MESSAGE_SEEN envelope.
type SeenPayload struct {
	MessageID int64 `json:"messageId"`
}

// DecodeData decodes an envelope's data bag into the typed payload struct
// for its message type.
func DecodeData(e *Envelope, out any) error {
	if e == nil || e.Data == nil {
		return fmt.Errorf("%w: missing data for %s", ErrInvalidEnvelope, typeName(e))
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("re-marshal envelope data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s data: %v", ErrInvalidEnvelope, e.Type, err)
	}
	return nil
}

func typeName(e *Envelope) MessageType {
	if e == nil {
		return ""
	}
	return e.Type
}
