package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerchat/directory"
	"peerchat/wire"
)

// ErrPeerUnknown indicates the peer directory has no entry for a userId.
var ErrPeerUnknown = errors.New("network: peer not in directory")

// Persistence is the narrow durable-state collaborator the router invokes
// for inbound effects. The router never caches durable state beyond a single
// operation.
type Persistence interface {
	ListParticipants(conversationID int64) ([]int64, error)
	// SendMessageIfNotExists persists a chat message keyed by its
	// clientMessageId; created is false when the key was already recorded.
	SendMessageIfNotExists(conversationID, senderID int64, content, clientMessageID string) (messageID int64, created bool, err error)
	MarkMessageSeen(messageID, userID int64) error
}

// FileEnvelopeHandler consumes file-transfer envelopes dispatched by the
// router. Implemented by the transfer manager.
type FileEnvelopeHandler interface {
	HandleFileEnvelope(remoteID int64, e *wire.Envelope)
}

// ChatEvent is raised for every inbound chat message, including duplicates
// suppressed by idempotent persistence.
type ChatEvent struct {
	MessageID      int64
	ConversationID int64
	SenderID       int64
	Content        string
	Duplicate      bool
}

// TypingEvent is raised for typing start/stop notifications.
type TypingEvent struct {
	ConversationID int64
	UserID         int64
	Typing         bool
}

// RouterOptions configures a connection router.
type RouterOptions struct {
	LocalUserID int64
	Directory   *directory.Directory
	Store       Persistence

	Logger            *logrus.Logger
	ConnectTimeout    time.Duration
	DispatchQueueSize int
}

func (o RouterOptions) withDefaults() RouterOptions {
	out := o
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	return out
}

// Router owns the pool of active peer transports for a local node: it opens
// them lazily for outbound sends, adopts inbound sessions, fans envelopes out
// to conversation participants, and dispatches inbound envelopes by type.
type Router struct {
	options RouterOptions
	logger  *logrus.Logger

	poolMu sync.RWMutex
	pool   map[int64]*Transport

	anonMu    sync.Mutex
	anonymous map[*Transport]bool

	fileMu      sync.RWMutex
	fileHandler FileEnvelopeHandler

	obsMu         sync.RWMutex
	chatObservers []func(ChatEvent)
	typingObs     []func(TypingEvent)
	seenObs       []func(messageID, userID int64)
	peerLostObs   []func(userID int64)
	signalingObs  []func(e *wire.Envelope)

	stopOnce sync.Once
}

// NewRouter creates a router over the given directory and persistence
// collaborator.
func NewRouter(options RouterOptions) (*Router, error) {
	opts := options.withDefaults()
	if opts.Directory == nil {
		return nil, errors.New("directory is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	return &Router{
		options:   opts,
		logger:    opts.Logger,
		pool:      make(map[int64]*Transport),
		anonymous: make(map[*Transport]bool),
	}, nil
}

// SetFileHandler wires the transfer manager in after construction; the
// manager needs the router's send primitive, so the two are linked late.
func (r *Router) SetFileHandler(handler FileEnvelopeHandler) {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	r.fileHandler = handler
}

// TransportOptions returns the options inbound listeners must create their
// transports with, so every session shares the router's dispatch path.
func (r *Router) TransportOptions() TransportOptions {
	return TransportOptions{
		LocalUserID:       r.options.LocalUserID,
		Logger:            r.logger,
		DispatchQueueSize: r.options.DispatchQueueSize,
		Handler:           r.handleInbound,
		OnClosed:          r.handleTransportClosed,
	}
}

// OnChat registers an observer for inbound chat messages.
func (r *Router) OnChat(fn func(ChatEvent)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.chatObservers = append(r.chatObservers, fn)
}

// OnTyping registers an observer for typing notifications.
func (r *Router) OnTyping(fn func(TypingEvent)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.typingObs = append(r.typingObs, fn)
}

// OnSeen registers an observer for message-seen notifications.
func (r *Router) OnSeen(fn func(messageID, userID int64)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.seenObs = append(r.seenObs, fn)
}

// OnPeerLost registers an observer for transport loss, raised once per drop.
func (r *Router) OnPeerLost(fn func(userID int64)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.peerLostObs = append(r.peerLostObs, fn)
}

// OnSignaling registers an observer for call/audio envelopes, which the core
// routes but does not interpret.
func (r *Router) OnSignaling(fn func(e *wire.Envelope)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.signalingObs = append(r.signalingObs, fn)
}

// Connect ensures a live transport to peerID exists, dialing through the
// directory if needed. A second connect to an already-connected peer is a
// no-op returning success.
func (r *Router) Connect(peerID int64) error {
	_, err := r.GetOrCreate(peerID)
	return err
}

// GetOrCreate returns the pooled transport for peerID, dialing one if absent.
// All outbound send paths go through here so callers never manage transport
// lifecycle directly.
func (r *Router) GetOrCreate(peerID int64) (*Transport, error) {
	r.poolMu.RLock()
	existing := r.pool[peerID]
	r.poolMu.RUnlock()
	if existing != nil && existing.State() == StateConnected {
		return existing, nil
	}

	peer, ok := r.options.Directory.Lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPeerUnknown, peerID)
	}

	transport, err := Dial(peer, r.options.ConnectTimeout, r.TransportOptions())
	if err != nil {
		return nil, err
	}
	return r.register(transport), nil
}

// Disconnect removes and closes the transport for peerID, if present.
func (r *Router) Disconnect(peerID int64) {
	r.poolMu.Lock()
	transport := r.pool[peerID]
	delete(r.pool, peerID)
	r.poolMu.Unlock()
	if transport != nil {
		_ = transport.Close()
	}
}

// Connected reports whether a live pooled transport to peerID exists.
func (r *Router) Connected(peerID int64) bool {
	r.poolMu.RLock()
	defer r.poolMu.RUnlock()
	transport := r.pool[peerID]
	return transport != nil && transport.State() == StateConnected
}

// SendToPeer delivers one envelope to peerID, opening a transport if needed.
func (r *Router) SendToPeer(peerID int64, e *wire.Envelope) error {
	transport, err := r.GetOrCreate(peerID)
	if err != nil {
		return err
	}
	return transport.Send(e)
}

// SendToConversation resolves the participant list, excludes the local user,
// and attempts delivery to everyone else. It reports false when any
// participant could not be reached; partial sends are not rolled back, the
// reliability layer compensates.
func (r *Router) SendToConversation(conversationID int64, build func(participantID int64) *wire.Envelope) (bool, error) {
	participants, err := r.options.Store.ListParticipants(conversationID)
	if err != nil {
		return false, fmt.Errorf("list participants for conversation %d: %w", conversationID, err)
	}

	allDelivered := true
	for _, participantID := range participants {
		if participantID == r.options.LocalUserID {
			continue
		}
		if err := r.SendToPeer(participantID, build(participantID)); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"conversation": conversationID,
				"peer":         participantID,
			}).Info("network: participant unreachable")
			allDelivered = false
		}
	}
	return allDelivered, nil
}

// AdmitInbound adopts a listener-accepted transport. Anonymous sessions stay
// out of the pool until their first valid envelope binds a userId.
func (r *Router) AdmitInbound(transport *Transport) {
	if transport.PeerID() != 0 {
		r.register(transport)
		return
	}
	r.anonMu.Lock()
	r.anonymous[transport] = true
	r.anonMu.Unlock()
}

// Stop closes every pooled and anonymous transport.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.poolMu.Lock()
		pooled := make([]*Transport, 0, len(r.pool))
		for _, transport := range r.pool {
			pooled = append(pooled, transport)
		}
		r.pool = make(map[int64]*Transport)
		r.poolMu.Unlock()

		r.anonMu.Lock()
		for transport := range r.anonymous {
			pooled = append(pooled, transport)
		}
		r.anonymous = make(map[*Transport]bool)
		r.anonMu.Unlock()

		for _, transport := range pooled {
			_ = transport.Close()
		}
	})
}

// register puts a transport in the pool, closing any prior one for the same
// peer. It returns the transport now pooled for that peer.
func (r *Router) register(transport *Transport) *Transport {
	peerID := transport.PeerID()

	r.poolMu.Lock()
	prior := r.pool[peerID]
	if prior == transport {
		r.poolMu.Unlock()
		return transport
	}
	r.pool[peerID] = transport
	r.poolMu.Unlock()

	if prior != nil {
		_ = prior.Close()
	}
	return transport
}

func (r *Router) handleInbound(transport *Transport, e *wire.Envelope) {
	if transport.PeerID() == 0 {
		transport.BindPeer(e.From)
		r.anonMu.Lock()
		delete(r.anonymous, transport)
		r.anonMu.Unlock()
		r.register(transport)
	}

	switch e.Type {
	case wire.TypeChatMessage:
		r.handleChat(e)
	case wire.TypeTypingStart, wire.TypeTypingStop:
		r.notifyTyping(TypingEvent{
			ConversationID: e.ConversationID,
			UserID:         e.From,
			Typing:         e.Type == wire.TypeTypingStart,
		})
	case wire.TypeMessageSeen:
		r.handleSeen(e)
	case wire.TypeFileRequest, wire.TypeFileAccept, wire.TypeFileReject,
		wire.TypeFileChunk, wire.TypeFileComplete, wire.TypeFileCancel,
		wire.TypeFileAck, wire.TypeFileNack:
		r.fileMu.RLock()
		handler := r.fileHandler
		r.fileMu.RUnlock()
		if handler == nil {
			r.logger.WithField("type", e.Type).Warn("network: no file handler registered")
			return
		}
		handler.HandleFileEnvelope(e.From, e)
	case wire.TypeCallOffer, wire.TypeCallAnswer, wire.TypeCallHangup,
		wire.TypeAudioOffer, wire.TypeAudioData, wire.TypeAudioStop:
		r.notifySignaling(e)
	case wire.TypePong:
		// Keep-alive answer, nothing to do.
	default:
		r.logger.WithFields(logrus.Fields{
			"type": e.Type,
			"peer": e.From,
		}).Warn("network: dropping envelope of unknown type")
	}
}

func (r *Router) handleChat(e *wire.Envelope) {
	var payload wire.ChatPayload
	if err := wire.DecodeData(e, &payload); err != nil {
		r.logger.WithError(err).Warn("network: dropping chat envelope")
		return
	}

	messageID, created, err := r.options.Store.SendMessageIfNotExists(e.ConversationID, e.From, payload.Content, payload.ClientMessageID)
	if err != nil {
		r.logger.WithError(err).WithField("conversation", e.ConversationID).Error("network: persist chat message")
		return
	}

	r.notifyChat(ChatEvent{
		MessageID:      messageID,
		ConversationID: e.ConversationID,
		SenderID:       e.From,
		Content:        payload.Content,
		Duplicate:      !created,
	})
}

func (r *Router) handleSeen(e *wire.Envelope) {
	var payload wire.SeenPayload
	if err := wire.DecodeData(e, &payload); err != nil {
		r.logger.WithError(err).Warn("network: dropping seen envelope")
		return
	}
	if err := r.options.Store.MarkMessageSeen(payload.MessageID, e.From); err != nil {
		r.logger.WithError(err).WithField("message", payload.MessageID).Error("network: mark message seen")
		return
	}
	r.obsMu.RLock()
	observers := r.seenObs
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(payload.MessageID, e.From)
	}
}

func (r *Router) handleTransportClosed(transport *Transport, err error) {
	r.anonMu.Lock()
	delete(r.anonymous, transport)
	r.anonMu.Unlock()

	peerID := transport.PeerID()
	if peerID == 0 {
		return
	}

	r.poolMu.Lock()
	current := r.pool[peerID]
	owned := current == transport
	if owned {
		delete(r.pool, peerID)
	}
	r.poolMu.Unlock()

	// A replaced transport closing later must not re-announce the loss.
	if !owned {
		return
	}

	if err != nil {
		r.logger.WithError(err).WithField("peer", peerID).Info("network: peer connection lost")
	}

	r.obsMu.RLock()
	observers := r.peerLostObs
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(peerID)
	}
}

func (r *Router) notifyChat(event ChatEvent) {
	r.obsMu.RLock()
	observers := r.chatObservers
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(event)
	}
}

func (r *Router) notifyTyping(event TypingEvent) {
	r.obsMu.RLock()
	observers := r.typingObs
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(event)
	}
}

func (r *Router) notifySignaling(e *wire.Envelope) {
	r.obsMu.RLock()
	observers := r.signalingObs
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(e)
	}
}
