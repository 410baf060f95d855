// Package network implements the peer-to-peer transport layer: one framed
// TCP session per remote peer, a listener for inbound sessions, and the
// connection router that owns the pool and dispatches inbound envelopes.
package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"peerchat/directory"
	"peerchat/wire"
)

const (
	// MaxLineSize is the maximum accepted envelope line (8 MB): a base64
	// file chunk at the default chunk size fits with ample headroom.
	MaxLineSize = 8 * 1024 * 1024
	// DefaultConnectTimeout bounds the TCP dial to a peer.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultDispatchQueueSize is the per-transport inbound handler queue.
	DefaultDispatchQueueSize = 128
)

// ErrTransportClosed indicates a send was attempted on a closed transport.
var ErrTransportClosed = errors.New("network: transport closed")

// TransportState is the lifecycle state of one peer transport.
type TransportState string

const (
	StateConnected    TransportState = "CONNECTED"
	StateDisconnected TransportState = "DISCONNECTED"
)

// Handler consumes one valid inbound envelope from a transport. Handlers run
// on the transport's dispatch worker, in wire order, off the read goroutine.
type Handler func(t *Transport, e *wire.Envelope)

// TransportOptions configures one peer transport.
type TransportOptions struct {
	LocalUserID int64
	// PeerUserID is the remote user this transport serves. Zero for inbound
	// sessions until the router binds them on the first valid envelope.
	PeerUserID int64

	Logger            *logrus.Logger
	DispatchQueueSize int

	// Handler receives valid inbound envelopes. Required.
	Handler Handler
	// OnClosed is invoked exactly once when the transport tears down,
	// after every envelope already read off the wire has been handled.
	OnClosed func(t *Transport, err error)
}

func (o TransportOptions) withDefaults() TransportOptions {
	out := o
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	if out.DispatchQueueSize <= 0 {
		out.DispatchQueueSize = DefaultDispatchQueueSize
	}
	return out
}

// Transport owns exactly one socket to one remote peer: a single read loop,
// a mutex-serialized write path, and a dispatch worker that keeps handler
// execution off the read goroutine.
type Transport struct {
	conn    net.Conn
	options TransportOptions
	logger  *logrus.Logger

	peerID atomic.Int64

	sendMu sync.Mutex

	dispatch chan *wire.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	errMu    sync.Mutex
	closeErr error
}

// Dial opens a transport to a peer within timeout. Connect failures are
// reported, never retried here; retry policy belongs to the reliability layer.
func Dial(peer directory.PeerInfo, timeout time.Duration, options TransportOptions) (*Transport, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	address := directory.FormatAddress(peer)
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial peer %d at %q: %w", peer.UserID, address, err)
	}
	options.PeerUserID = peer.UserID
	return newTransport(conn, options), nil
}

func newTransport(conn net.Conn, options TransportOptions) *Transport {
	opts := options.withDefaults()
	t := &Transport{
		conn:     conn,
		options:  opts,
		logger:   opts.Logger,
		dispatch: make(chan *wire.Envelope, opts.DispatchQueueSize),
		closed:   make(chan struct{}),
	}
	t.peerID.Store(opts.PeerUserID)

	t.wg.Add(2)
	go t.readLoop()
	go t.dispatchLoop()
	return t
}

// PeerID returns the remote userId this transport is bound to, or zero for
// an inbound session not yet identified.
func (t *Transport) PeerID() int64 {
	return t.peerID.Load()
}

// BindPeer records the remote userId for an inbound session.
func (t *Transport) BindPeer(userID int64) {
	t.peerID.Store(userID)
}

// State reports whether the transport is still connected.
func (t *Transport) State() TransportState {
	select {
	case <-t.closed:
		return StateDisconnected
	default:
		return StateConnected
	}
}

// RemoteAddr returns the remote socket address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Done is closed when the transport has fully torn down.
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}

// Send serializes and writes one envelope as a single frame. Concurrent
// senders are serialized so frames never interleave mid-line.
func (t *Transport) Send(e *wire.Envelope) error {
	payload, err := wire.Encode(e)
	if err != nil {
		return err
	}

	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if _, err := t.conn.Write(payload); err != nil {
		t.closeWithError(fmt.Errorf("write envelope: %w", err))
		return err
	}
	return nil
}

// Close tears the transport down. Idempotent and safe to call concurrently
// with an in-progress read-loop teardown.
func (t *Transport) Close() error {
	t.closeWithError(nil)
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	for scanner.Scan() {
		envelope, err := wire.Decode(scanner.Bytes())
		if err != nil {
			// Malformed frames are skipped, not connection-ending.
			t.logger.WithError(err).WithField("peer", t.PeerID()).Warn("network: skipping malformed envelope")
			continue
		}
		if !envelope.Valid() {
			t.logger.WithFields(logrus.Fields{
				"peer": t.PeerID(),
				"type": envelope.Type,
			}).Warn("network: skipping invalid envelope")
			continue
		}

		if envelope.Type == wire.TypePing {
			_ = t.Send(wire.NewPong(t.options.LocalUserID))
			continue
		}

		select {
		case t.dispatch <- envelope:
		case <-t.closed:
			return
		}
	}

	err := scanner.Err()
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		t.closeWithError(fmt.Errorf("read envelope: %w", err))
		return
	}
	t.closeWithError(nil)
}

func (t *Transport) dispatchLoop() {
	defer t.wg.Done()

	for {
		select {
		case envelope := <-t.dispatch:
			if t.options.Handler != nil {
				t.options.Handler(t, envelope)
			}
		case <-t.closed:
			// Drain envelopes already read off the wire, then report the
			// loss: no handler runs after OnClosed.
			for {
				select {
				case envelope := <-t.dispatch:
					if t.options.Handler != nil {
						t.options.Handler(t, envelope)
					}
				default:
					if t.options.OnClosed != nil {
						t.options.OnClosed(t, t.LastError())
					}
					return
				}
			}
		}
	}
}

// LastError returns the terminal transport error, if any.
func (t *Transport) LastError() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.closeErr
}

func (t *Transport) closeWithError(err error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.closeErr = err
		t.errMu.Unlock()

		_ = t.conn.Close()
		close(t.closed)
	})
}
