package network

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peerchat/wire"
)

func pipeTransport(t *testing.T, options TransportOptions) (*Transport, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	transport := newTransport(local, options)
	t.Cleanup(func() {
		transport.Close()
		remote.Close()
	})
	return transport, remote
}

func TestTransportSkipsMalformedFrames(t *testing.T) {
	received := make(chan *wire.Envelope, 4)
	transport, remote := pipeTransport(t, TransportOptions{
		LocalUserID: 1,
		Handler: func(_ *Transport, e *wire.Envelope) {
			received <- e
		},
	})
	_ = transport

	go func() {
		fmt.Fprintln(remote, "{this is not json")
		fmt.Fprintln(remote, `{"type":"CHAT_MESSAGE"}`) // missing from/timestamp
		payload, _ := wire.Encode(wire.NewChatMessage(2, 7, "still here", "c1"))
		remote.Write(payload)
	}()

	select {
	case envelope := <-received:
		if envelope.Type != wire.TypeChatMessage || envelope.Data["content"] != "still here" {
			t.Fatalf("unexpected envelope: %+v", envelope)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid envelope never dispatched")
	}

	select {
	case envelope := <-received:
		t.Fatalf("malformed frame dispatched: %+v", envelope)
	default:
	}
}

func TestTransportAnswersPingInline(t *testing.T) {
	received := make(chan *wire.Envelope, 1)
	_, remote := pipeTransport(t, TransportOptions{
		LocalUserID: 1,
		Handler: func(_ *Transport, e *wire.Envelope) {
			received <- e
		},
	})

	go func() {
		payload, _ := wire.Encode(wire.NewPing(2))
		remote.Write(payload)
	}()

	reader := bufio.NewReader(remote)
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read pong failed: %v", err)
	}
	pong, err := wire.Decode(line)
	if err != nil {
		t.Fatalf("decode pong failed: %v", err)
	}
	if pong.Type != wire.TypePong || pong.From != 1 {
		t.Fatalf("unexpected reply: %+v", pong)
	}

	select {
	case envelope := <-received:
		t.Fatalf("ping should not reach the handler, got %+v", envelope)
	default:
	}
}

func TestTransportOnClosedFiresExactlyOnce(t *testing.T) {
	var closedCalls atomic.Int32
	done := make(chan struct{})
	transport, remote := pipeTransport(t, TransportOptions{
		LocalUserID: 1,
		PeerUserID:  2,
		Handler:     func(*Transport, *wire.Envelope) {},
		OnClosed: func(*Transport, error) {
			if closedCalls.Add(1) == 1 {
				close(done)
			}
		},
	})

	remote.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired")
	}

	// Redundant closes from both paths must not re-fire the callback.
	transport.Close()
	transport.Close()
	time.Sleep(50 * time.Millisecond)
	if got := closedCalls.Load(); got != 1 {
		t.Fatalf("OnClosed fired %d times", got)
	}
	if transport.State() != StateDisconnected {
		t.Fatalf("expected disconnected state")
	}
}

func TestQueuedEnvelopesDispatchBeforeOnClosed(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	var mu sync.Mutex
	var sequence []string

	_, remote := pipeTransport(t, TransportOptions{
		LocalUserID: 1,
		PeerUserID:  2,
		Handler: func(_ *Transport, e *wire.Envelope) {
			<-release
			mu.Lock()
			sequence = append(sequence, "envelope")
			mu.Unlock()
		},
		OnClosed: func(*Transport, error) {
			mu.Lock()
			sequence = append(sequence, "closed")
			mu.Unlock()
			close(done)
		},
	})

	// Queue several envelopes behind a blocked handler, then drop the
	// connection while they are still undelivered.
	for i := 0; i < 3; i++ {
		payload, _ := wire.Encode(wire.NewChatMessage(2, 7, "queued", fmt.Sprintf("c%d", i)))
		if _, err := remote.Write(payload); err != nil {
			t.Fatalf("write envelope %d: %v", i, err)
		}
	}
	remote.Close()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sequence) != 4 {
		t.Fatalf("sequence = %v, want three envelopes then closed", sequence)
	}
	for i := 0; i < 3; i++ {
		if sequence[i] != "envelope" {
			t.Fatalf("entry %d = %q, want envelope before closed: %v", i, sequence[i], sequence)
		}
	}
	if sequence[3] != "closed" {
		t.Fatalf("closed not last: %v", sequence)
	}
}

func TestSendOnClosedTransportFails(t *testing.T) {
	transport, _ := pipeTransport(t, TransportOptions{
		LocalUserID: 1,
		Handler:     func(*Transport, *wire.Envelope) {},
	})
	transport.Close()

	err := transport.Send(wire.NewChatMessage(1, 7, "late", "c1"))
	if err == nil {
		t.Fatal("expected send on closed transport to fail")
	}
}

func TestConcurrentSendsDoNotInterleaveFrames(t *testing.T) {
	transport, remote := pipeTransport(t, TransportOptions{
		LocalUserID: 1,
		Handler:     func(*Transport, *wire.Envelope) {},
	})

	const senders = 8
	var wg sync.WaitGroup
	wg.Add(senders)
	for i := 0; i < senders; i++ {
		go func(i int) {
			defer wg.Done()
			_ = transport.Send(wire.NewChatMessage(1, 7, fmt.Sprintf("message %d", i), fmt.Sprintf("c%d", i)))
		}(i)
	}

	reader := bufio.NewReader(remote)
	for i := 0; i < senders; i++ {
		_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read frame %d failed: %v", i, err)
		}
		if _, err := wire.Decode(line); err != nil {
			t.Fatalf("frame %d corrupted: %v", i, err)
		}
	}
	wg.Wait()
}
