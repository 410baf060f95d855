// Package transfer implements the chunked file-transfer protocol on top of
// the connection router's send primitive: checksum computation, chunk
// streaming, completion verification, and the cancellation handshake.
package transfer

import (
	"errors"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"peerchat/storage"
	"peerchat/wire"
)

const (
	// DefaultChunkSize is the fixed chunk size before base64 encoding.
	DefaultChunkSize = 256 * 1024
)

var (
	// ErrSourceMissing indicates the file to send does not exist.
	ErrSourceMissing = errors.New("transfer: source file missing")
	// ErrTransferUnknown indicates no in-flight transfer matches a fileId.
	ErrTransferUnknown = errors.New("transfer: unknown fileId")
	// ErrCanceled indicates the transfer was canceled mid-flight.
	ErrCanceled = errors.New("transfer: canceled")
)

// Sender is the outbound primitive the protocol rides on; implemented by the
// connection router.
type Sender interface {
	SendToPeer(peerID int64, e *wire.Envelope) error
}

// Store is the durable-state collaborator for transfers.
type Store interface {
	SendMessageIfNotExists(conversationID, senderID int64, content, clientMessageID string) (int64, bool, error)
	SaveFileAttachment(att storage.Attachment) (bool, error)
	UpdateAttachmentStatus(fileID, status string) error
}

// Progress reports one transfer's advancement as chunks move.
type Progress struct {
	FileID      string
	PeerID      int64
	IsUpload    bool
	ChunkIndex  int
	TotalChunks int
	Percent     float64
	Bytes       int64
	TotalBytes  int64
}

// EventKind classifies terminal and notification transfer events.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCanceled  EventKind = "canceled"
	EventOffered   EventKind = "offered"
)

// Event surfaces a transfer state change to observers.
type Event struct {
	Kind     EventKind
	FileID   string
	PeerID   int64
	FileName string
	Path     string
	IsUpload bool
	Reason   string
}

// Context tracks one in-flight transfer. The completed flag is guarded so
// completion handling runs exactly once even when the completion signal
// arrives more than once.
type Context struct {
	mu sync.Mutex

	FileID          string
	ConversationID  int64
	SenderID        int64
	ReceiverID      int64
	FileName        string
	FileSize        int64
	Checksum        string
	ClientMessageID string
	IsUpload        bool

	completed bool
	canceled  bool

	// upload side: set once the completion signal went out, cleared never;
	// a context stuck in this state is safe to discard and restart.
	awaitingAck bool

	// receive side
	tempPath   string
	tempFile   *os.File
	bytesGot   int64
	nextChunk  int
	totalChunk int
}

// markCompleted flips the completion guard, reporting whether this caller
// won the transition.
func (c *Context) markCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return false
	}
	c.completed = true
	return true
}

func (c *Context) markCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled || c.completed {
		return false
	}
	c.canceled = true
	return true
}

func (c *Context) markAwaitingAck() {
	c.mu.Lock()
	c.awaitingAck = true
	c.mu.Unlock()
}

func (c *Context) isAwaitingAck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingAck
}

func (c *Context) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// Options configures a transfer manager.
type Options struct {
	LocalUserID  int64
	Sender       Sender
	Store        Store
	DownloadsDir string
	ChunkSize    int
	Logger       *logrus.Logger

	OnProgress func(Progress)
	OnEvent    func(Event)
}

func (o Options) withDefaults() Options {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	if out.DownloadsDir == "" {
		out.DownloadsDir = "./downloads"
	}
	return out
}

// Manager owns the in-flight transfer map for one node, both directions.
type Manager struct {
	options Options
	logger  *logrus.Logger

	mu        sync.Mutex
	transfers map[string]*Context

	obsMu       sync.RWMutex
	progressObs []func(Progress)
	eventObs    []func(Event)
}

// NewManager creates a transfer manager.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if opts.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if err := os.MkdirAll(opts.DownloadsDir, 0o700); err != nil {
		return nil, err
	}

	m := &Manager{
		options:   opts,
		logger:    opts.Logger,
		transfers: make(map[string]*Context),
	}
	if opts.OnProgress != nil {
		m.progressObs = append(m.progressObs, opts.OnProgress)
	}
	if opts.OnEvent != nil {
		m.eventObs = append(m.eventObs, opts.OnEvent)
	}
	return m, nil
}

// OnProgress registers a progress observer.
func (m *Manager) OnProgress(fn func(Progress)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.progressObs = append(m.progressObs, fn)
}

// OnEvent registers a transfer event observer.
func (m *Manager) OnEvent(fn func(Event)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.eventObs = append(m.eventObs, fn)
}

// Active reports whether fileID has an in-flight context.
func (m *Manager) Active(fileID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.transfers[fileID]
	return ok
}

func (m *Manager) get(fileID string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers[fileID]
}

func (m *Manager) put(ctx *Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[ctx.FileID] = ctx
}

func (m *Manager) remove(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transfers, fileID)
}

func (m *Manager) emitProgress(p Progress) {
	m.obsMu.RLock()
	observers := m.progressObs
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(p)
	}
}

func (m *Manager) emitEvent(e Event) {
	m.obsMu.RLock()
	observers := m.eventObs
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(e)
	}
}

// Cancel aborts an in-flight transfer from the local side: the remote end is
// notified, partial receive state is deleted, and the persisted record is
// marked canceled.
func (m *Manager) Cancel(fileID, reason string) error {
	ctx := m.get(fileID)
	if ctx == nil {
		return ErrTransferUnknown
	}
	if !ctx.markCanceled() {
		return nil
	}

	remote := ctx.ReceiverID
	if !ctx.IsUpload {
		remote = ctx.SenderID
	}
	_ = m.options.Sender.SendToPeer(remote, wire.NewFileCancel(m.options.LocalUserID, remote, fileID, reason))

	if !ctx.IsUpload {
		m.discardPartial(ctx)
	}
	if err := m.options.Store.UpdateAttachmentStatus(fileID, storage.StatusCanceled); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.WithError(err).WithField("file_id", fileID).Error("transfer: mark canceled")
	}
	m.remove(fileID)
	m.emitEvent(Event{Kind: EventCanceled, FileID: fileID, PeerID: remote, FileName: ctx.FileName, IsUpload: ctx.IsUpload, Reason: reason})
	return nil
}
