package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// Listener accepts inbound TCP sessions and wraps them as transports.
// Inbound transports are anonymous until the first valid envelope binds them
// to a userId in the router pool.
type Listener struct {
	listener  net.Listener
	transport TransportOptions

	incoming chan *Transport
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener for peer sessions.
func Listen(address string, options TransportOptions) (*Listener, error) {
	if address == "" {
		address = ":0"
	}
	tcpListener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener:  tcpListener,
		transport: options,
		incoming:  make(chan *Transport, 16),
		errs:      make(chan error, 16),
		closed:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns accepted peer transports.
func (l *Listener) Incoming() <-chan *Transport {
	return l.incoming
}

// Errors returns asynchronous accept errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and closes the listener channels.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.incoming)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case l.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		transport := newTransport(conn, l.transport)
		select {
		case l.incoming <- transport:
		case <-l.closed:
			_ = transport.Close()
			return
		}
	}
}
