// Package dirserver implements the rendezvous directory server: peers log in
// over plaintext TCP commands and receive JSON presence updates in return.
// The newcomer gets the full peer snapshot, everyone else gets deltas.
package dirserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"peerchat/directory"
)

const maxCommandLineSize = 64 * 1024

// UserResolver maps usernames to stable user ids. Unknown usernames reject
// the login.
type UserResolver interface {
	ResolveUsername(username string) (int64, error)
}

// Options configures a directory server.
type Options struct {
	// ListenAddress is the TCP address to bind, e.g. ":9090".
	ListenAddress string

	Users  UserResolver
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":9090"
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}

// client is one logged-in session. Writes are serialized by mu so snapshot
// and broadcast lines never interleave.
type client struct {
	conn net.Conn
	peer directory.PeerInfo

	mu sync.Mutex
}

func (c *client) writeLine(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(append(line, '\n'))
	return err
}

// Server accepts directory sessions and keeps the authoritative online set.
type Server struct {
	options  Options
	logger   *logrus.Logger
	listener net.Listener

	mu      sync.Mutex
	clients map[int64]*client

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// event is the delta broadcast to already-connected peers.
type event struct {
	Event string             `json:"event"`
	Peer  directory.PeerInfo `json:"peer"`
}

type serverError struct {
	Error string `json:"error"`
}

// Listen binds the server and starts accepting sessions.
func Listen(options Options) (*Server, error) {
	opts := options.withDefaults()
	if opts.Users == nil {
		return nil, errors.New("user resolver is required")
	}

	listener, err := net.Listen("tcp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.ListenAddress, err)
	}

	server := &Server{
		options:  opts,
		logger:   opts.Logger,
		listener: listener,
		clients:  make(map[int64]*client),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()

	server.logger.WithField("address", listener.Addr().String()).Info("directory server listening")
	return server, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting and disconnects every session.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.listener.Close()

		s.mu.Lock()
		for _, cl := range s.clients {
			_ = cl.conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

// Online returns the current peer set, for inspection.
func (s *Server) Online() []directory.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]directory.PeerInfo, 0, len(s.clients))
	for _, cl := range s.clients {
		peers = append(peers, cl.peer)
	}
	return peers
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.WithError(err).Error("directory server: accept")
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn owns one TCP session from LOGIN to disconnect. Dropping the
// connection without LOGOUT still removes the peer.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxCommandLineSize)

	var session *client
	defer func() {
		if session != nil {
			s.logout(session)
		}
	}()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		command := line
		if i := strings.IndexByte(line, ','); i >= 0 {
			command = line[:i]
		}

		switch command {
		case "LOGIN":
			if session != nil {
				s.reject(conn, "already logged in")
				continue
			}
			logged, err := s.login(conn, line)
			if err != nil {
				s.reject(conn, err.Error())
				return
			}
			session = logged
		case "LOGOUT":
			return
		default:
			s.reject(conn, fmt.Sprintf("unknown command %q", command))
		}
	}
}

// login parses LOGIN,<username>,<p2pPort>, registers the peer, replies with
// the full snapshot, and broadcasts the addition to everyone else.
func (s *Server) login(conn net.Conn, line string) (*client, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return nil, errors.New("malformed login, expected LOGIN,<username>,<port>")
	}
	username := strings.TrimSpace(parts[1])
	port, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid p2p port %q", parts[2])
	}

	userID, err := s.options.Users.ResolveUsername(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %q", username)
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, fmt.Errorf("resolve remote address: %w", err)
	}

	session := &client{
		conn: conn,
		peer: directory.PeerInfo{UserID: userID, IP: host, Port: port},
	}

	s.mu.Lock()
	if prior, ok := s.clients[userID]; ok {
		// A fresh login for the same user supersedes the stale session.
		_ = prior.conn.Close()
	}
	s.clients[userID] = session
	snapshot := make([]directory.PeerInfo, 0, len(s.clients))
	for _, cl := range s.clients {
		snapshot = append(snapshot, cl.peer)
	}
	s.mu.Unlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := session.writeLine(payload); err != nil {
		s.logout(session)
		return nil, fmt.Errorf("send snapshot: %w", err)
	}

	s.broadcast(event{Event: "addNewPeer", Peer: session.peer}, userID)
	s.logger.WithFields(logrus.Fields{
		"user": username,
		"peer": userID,
		"addr": directory.FormatAddress(session.peer),
	}).Info("peer logged in")
	return session, nil
}

// logout removes the session if it is still the registered one for its user
// id and broadcasts the removal. Safe to call for superseded sessions.
func (s *Server) logout(session *client) {
	userID := session.peer.UserID

	s.mu.Lock()
	current, ok := s.clients[userID]
	if ok && current == session {
		delete(s.clients, userID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.broadcast(event{Event: "removePeer", Peer: session.peer}, userID)
	s.logger.WithField("peer", userID).Info("peer logged out")
}

// broadcast sends a delta to every session except the one it is about.
func (s *Server) broadcast(ev event, exceptUserID int64) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WithError(err).Error("directory server: encode event")
		return
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for id, cl := range s.clients {
		if id == exceptUserID {
			continue
		}
		targets = append(targets, cl)
	}
	s.mu.Unlock()

	for _, cl := range targets {
		if err := cl.writeLine(payload); err != nil {
			s.logger.WithError(err).WithField("peer", cl.peer.UserID).Debug("directory server: broadcast write failed")
		}
	}
}

func (s *Server) reject(conn net.Conn, message string) {
	payload, err := json.Marshal(serverError{Error: message})
	if err != nil {
		return
	}
	_, _ = conn.Write(append(payload, '\n'))
}
