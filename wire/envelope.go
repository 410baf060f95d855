package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType enumerates the envelope types exchanged between peers.
type MessageType string

const (
	TypeChatMessage  MessageType = "CHAT_MESSAGE"
	TypeTypingStart  MessageType = "TYPING_START"
	TypeTypingStop   MessageType = "TYPING_STOP"
	TypeFileRequest  MessageType = "FILE_REQUEST"
	TypeFileAccept   MessageType = "FILE_ACCEPT"
	TypeFileReject   MessageType = "FILE_REJECT"
	TypeFileChunk    MessageType = "FILE_CHUNK"
	TypeFileComplete MessageType = "FILE_COMPLETE"
	TypeFileCancel   MessageType = "FILE_CANCEL"
	TypeFileAck      MessageType = "FILE_ACK"
	TypeFileNack     MessageType = "FILE_NACK"
	TypeMessageSeen  MessageType = "MESSAGE_SEEN"
	TypePing         MessageType = "PING"
	TypePong         MessageType = "PONG"

	// Voice-call signaling and audio types round-trip through the codec but
	// carry no core handler; the audio pump is a separate collaborator.
	TypeAudioOffer MessageType = "AUDIO_OFFER"
	TypeAudioData  MessageType = "AUDIO_DATA"
	TypeAudioStop  MessageType = "AUDIO_STOP"
	TypeCallOffer  MessageType = "CALL_OFFER"
	TypeCallAnswer MessageType = "CALL_ANSWER"
	TypeCallHangup MessageType = "CALL_HANGUP"
)

var knownTypes = map[MessageType]bool{
	TypeChatMessage: true, TypeTypingStart: true, TypeTypingStop: true,
	TypeFileRequest: true, TypeFileAccept: true, TypeFileReject: true,
	TypeFileChunk: true, TypeFileComplete: true, TypeFileCancel: true,
	TypeFileAck: true, TypeFileNack: true, TypeMessageSeen: true,
	TypePing: true, TypePong: true,
	TypeAudioOffer: true, TypeAudioData: true, TypeAudioStop: true,
	TypeCallOffer: true, TypeCallAnswer: true, TypeCallHangup: true,
}

// Known reports whether t is a recognized envelope type.
func (t MessageType) Known() bool {
	return knownTypes[t]
}

var (
	// ErrDecode indicates a malformed wire payload.
	ErrDecode = errors.New("wire: malformed envelope payload")
	// ErrInvalidEnvelope indicates a decoded envelope missing required fields.
	ErrInvalidEnvelope = errors.New("wire: invalid envelope")
)

// Envelope is the typed message unit exchanged between peers. Chat messages
// address a conversation rather than a peer, so To may be zero.
type Envelope struct {
	Type           MessageType    `json:"type"`
	From           int64          `json:"from"`
	To             int64          `json:"to,omitempty"`
	ConversationID int64          `json:"conversationId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      int64          `json:"timestamp"`
}

// Valid reports whether the envelope carries every required field.
func (e *Envelope) Valid() bool {
	return e != nil && e.Type != "" && e.From != 0 && e.Timestamp != 0
}

// Encode marshals the envelope as a single JSON line, newline terminated.
func Encode(e *Envelope) ([]byte, error) {
	if !e.Valid() {
		return nil, ErrInvalidEnvelope
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append(payload, '\n'), nil
}

// Decode unmarshals one JSON line into an envelope. A malformed payload is
// reported as ErrDecode so readers can skip it without tearing the link down.
func Decode(payload []byte) (*Envelope, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, ErrDecode
	}
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &e, nil
}

func now() int64 {
	return time.Now().UnixMilli()
}

func base(t MessageType, from int64) *Envelope {
	return &Envelope{Type: t, From: from, Timestamp: now()}
}

// NewChatMessage builds a chat text envelope addressed to a conversation.
func NewChatMessage(from, conversationID int64, content, clientMessageID string) *Envelope {
	e := base(TypeChatMessage, from)
	e.ConversationID = conversationID
	e.Data = map[string]any{
		"content":         content,
		"clientMessageId": clientMessageID,
	}
	return e
}

// NewTyping builds a TYPING_START or TYPING_STOP envelope.
func NewTyping(from, conversationID int64, typing bool) *Envelope {
	t := TypeTypingStop
	if typing {
		t = TypeTypingStart
	}
	e := base(t, from)
	e.ConversationID = conversationID
	return e
}

// NewFileRequest announces an incoming transfer with its metadata.
func NewFileRequest(from, to, conversationID int64, fileID, fileName string, fileSize int64, checksum, clientMessageID string) *Envelope {
	e := base(TypeFileRequest, from)
	e.To = to
	e.ConversationID = conversationID
	e.Data = map[string]any{
		"fileId":          fileID,
		"fileName":        fileName,
		"fileSize":        fileSize,
		"checksum":        checksum,
		"clientMessageId": clientMessageID,
	}
	return e
}

// NewFileChunk carries one base64-encoded chunk of a transfer.
func NewFileChunk(from, to int64, fileID string, chunkIndex, totalChunks int, chunkData string) *Envelope {
	e := base(TypeFileChunk, from)
	e.To = to
	e.Data = map[string]any{
		"fileId":      fileID,
		"chunkIndex":  chunkIndex,
		"totalChunks": totalChunks,
		"chunkData":   chunkData,
	}
	return e
}

// NewFileComplete signals the sender finished transmitting all chunks.
func NewFileComplete(from, to int64, fileID string) *Envelope {
	e := base(TypeFileComplete, from)
	e.To = to
	e.Data = map[string]any{"fileId": fileID}
	return e
}

// NewFileCancel aborts an in-flight transfer from either side.
func NewFileCancel(from, to int64, fileID, reason string) *Envelope {
	e := base(TypeFileCancel, from)
	e.To = to
	e.Data = map[string]any{"fileId": fileID, "reason": reason}
	return e
}

// NewFileAck confirms a verified, finalized transfer.
func NewFileAck(from, to int64, fileID string) *Envelope {
	e := base(TypeFileAck, from)
	e.To = to
	e.Data = map[string]any{"fileId": fileID}
	return e
}

// NewFileNack rejects a transfer with a reason.
func NewFileNack(from, to int64, fileID, reason string) *Envelope {
	e := base(TypeFileNack, from)
	e.To = to
	e.Data = map[string]any{"fileId": fileID, "reason": reason}
	return e
}

// NewMessageSeen marks a persisted message as seen by the sender's peer.
func NewMessageSeen(from, conversationID, messageID int64) *Envelope {
	e := base(TypeMessageSeen, from)
	e.ConversationID = conversationID
	e.Data = map[string]any{"messageId": messageID}
	return e
}

// NewPing builds a keep-alive probe.
func NewPing(from int64) *Envelope {
	return base(TypePing, from)
}

// NewPong answers a keep-alive probe.
func NewPong(from int64) *Envelope {
	return base(TypePong, from)
}
