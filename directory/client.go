package directory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultDialTimeout bounds the TCP dial to the directory server.
	DefaultDialTimeout = 10 * time.Second
	// DefaultLoginTimeout bounds the wait for the initial peer snapshot.
	DefaultLoginTimeout = 10 * time.Second
	// maxUpdateLineSize caps one directory update line.
	maxUpdateLineSize = 1 * 1024 * 1024
)

// ErrLoginRejected indicates the directory server refused the login.
var ErrLoginRejected = errors.New("directory: login rejected")

// ClientOptions configures a directory-server client.
type ClientOptions struct {
	ServerAddress string
	Username      string
	LocalUserID   int64
	P2PPort       int

	DialTimeout  time.Duration
	LoginTimeout time.Duration

	Logger *logrus.Logger

	// OnSync observes every non-empty reconciliation result.
	OnSync func(SyncResult)
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.LoginTimeout <= 0 {
		out.LoginTimeout = DefaultLoginTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}

// Client holds the session with the directory server and feeds every update
// it reads into the Directory reconciler.
type Client struct {
	options   ClientOptions
	directory *Directory
	logger    *logrus.Logger

	conn net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Connect dials the directory server, logs in, and waits for the initial
// peer snapshot before returning.
func Connect(directory *Directory, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()
	if directory == nil {
		return nil, errors.New("directory is required")
	}
	if opts.Username == "" {
		return nil, errors.New("username is required")
	}
	if opts.P2PPort <= 0 {
		return nil, errors.New("p2p port must be > 0")
	}

	conn, err := net.DialTimeout("tcp", opts.ServerAddress, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial directory server %q: %w", opts.ServerAddress, err)
	}

	if _, err := fmt.Fprintf(conn, "LOGIN,%s,%d\n", opts.Username, opts.P2PPort); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send login: %w", err)
	}

	reader := bufio.NewReaderSize(conn, maxUpdateLineSize)

	// The first line is either the full peer snapshot or an error object.
	if err := conn.SetReadDeadline(time.Now().Add(opts.LoginTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set login deadline: %w", err)
	}
	first, err := reader.ReadBytes('\n')
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read login response: %w", err)
	}
	if msg := decodeServerError(first); msg != "" {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLoginRejected, msg)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear login deadline: %w", err)
	}

	client := &Client{
		options:   opts,
		directory: directory,
		logger:    opts.Logger,
		conn:      conn,
		closed:    make(chan struct{}),
	}
	client.apply(first)

	client.wg.Add(1)
	go client.readLoop(reader)

	return client, nil
}

// Close sends LOGOUT and tears down the session. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_, _ = fmt.Fprintln(c.conn, "LOGOUT")
		_ = c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

// Done is closed once the directory session has ended.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Run blocks until the session ends or ctx is cancelled, closing the client
// on the way out. It exists so a node can supervise the session lifecycle.
func (c *Client) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	case <-c.closed:
		return nil
	}
}

func (c *Client) readLoop(reader *bufio.Reader) {
	defer c.wg.Done()
	defer c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.WithError(err).Info("directory: session ended")
			}
			return
		}
		c.apply(line)
	}
}

func (c *Client) apply(line []byte) {
	result := c.directory.ProcessDirectoryMessage(line, c.options.LocalUserID)
	if result.Empty() {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"added":   len(result.Added),
		"updated": len(result.Updated),
		"removed": len(result.Removed),
	}).Debug("directory: peer set reconciled")
	if c.options.OnSync != nil {
		c.options.OnSync(result)
	}
}

func decodeServerError(line []byte) string {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return ""
	}
	return resp.Error
}

// FormatAddress joins a peer's IP and port into a dialable address.
func FormatAddress(peer PeerInfo) string {
	return net.JoinHostPort(peer.IP, strconv.Itoa(peer.Port))
}
