package network

import (
	"sync"
	"testing"
	"time"

	"peerchat/directory"
	"peerchat/wire"
)

// memoryStore is an in-memory Persistence double with the same
// clientMessageId idempotency the real store has.
type memoryStore struct {
	mu           sync.Mutex
	participants map[int64][]int64
	nextID       int64
	byClientID   map[string]int64
	contents     map[int64]string
	seen         map[int64][]int64
}

func newMemoryStore(participants map[int64][]int64) *memoryStore {
	return &memoryStore{
		participants: participants,
		byClientID:   make(map[string]int64),
		contents:     make(map[int64]string),
		seen:         make(map[int64][]int64),
	}
}

func (s *memoryStore) ListParticipants(conversationID int64) ([]int64, error) {
	return s.participants[conversationID], nil
}

func (s *memoryStore) SendMessageIfNotExists(conversationID, senderID int64, content, clientMessageID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byClientID[clientMessageID]; ok {
		return id, false, nil
	}
	s.nextID++
	s.byClientID[clientMessageID] = s.nextID
	s.contents[s.nextID] = content
	return s.nextID, true, nil
}

func (s *memoryStore) MarkMessageSeen(messageID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[messageID] = append(s.seen[messageID], userID)
	return nil
}

func (s *memoryStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contents)
}

// testNode is one routed endpoint: directory, store, router, and listener.
type testNode struct {
	userID   int64
	dir      *directory.Directory
	store    *memoryStore
	router   *Router
	listener *Listener
}

func startTestNode(t *testing.T, userID int64, participants map[int64][]int64) *testNode {
	t.Helper()
	dir := directory.New(nil)
	store := newMemoryStore(participants)
	router, err := NewRouter(RouterOptions{
		LocalUserID: userID,
		Directory:   dir,
		Store:       store,
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	listener, err := Listen("127.0.0.1:0", router.TransportOptions())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go func() {
		for transport := range listener.Incoming() {
			router.AdmitInbound(transport)
		}
	}()
	t.Cleanup(func() {
		router.Stop()
		listener.Close()
	})
	return &testNode{userID: userID, dir: dir, store: store, router: router, listener: listener}
}

func (n *testNode) peerInfo() directory.PeerInfo {
	return directory.PeerInfo{UserID: n.userID, IP: "127.0.0.1", Port: n.listener.Port()}
}

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func TestConversationDeliveryAndIdempotentPersistence(t *testing.T) {
	participants := map[int64][]int64{1: {1, 2}}
	alice := startTestNode(t, 1, participants)
	bob := startTestNode(t, 2, participants)
	alice.dir.AddPeer(bob.peerInfo())

	var eventsMu sync.Mutex
	var events []ChatEvent
	bob.router.OnChat(func(event ChatEvent) {
		eventsMu.Lock()
		events = append(events, event)
		eventsMu.Unlock()
	})

	build := func(int64) *wire.Envelope {
		return wire.NewChatMessage(1, 1, "hi", "m1")
	}

	allDelivered, err := alice.router.SendToConversation(1, build)
	if err != nil {
		t.Fatalf("SendToConversation failed: %v", err)
	}
	if !allDelivered {
		t.Fatal("expected full delivery")
	}

	waitUntil(t, 2*time.Second, func() bool {
		eventsMu.Lock()
		defer eventsMu.Unlock()
		return len(events) == 1
	})
	eventsMu.Lock()
	first := events[0]
	eventsMu.Unlock()
	if first.SenderID != 1 || first.Content != "hi" || first.Duplicate {
		t.Fatalf("unexpected chat event: %+v", first)
	}

	// A replayed message with the same clientMessageId is flagged as a
	// duplicate and stored once.
	if _, err := alice.router.SendToConversation(1, build); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		eventsMu.Lock()
		defer eventsMu.Unlock()
		return len(events) == 2
	})
	eventsMu.Lock()
	second := events[1]
	eventsMu.Unlock()
	if !second.Duplicate {
		t.Fatal("expected replay to be flagged as duplicate")
	}
	if bob.store.messageCount() != 1 {
		t.Fatalf("expected one stored message, got %d", bob.store.messageCount())
	}
}

func TestTypingNotificationsCarryDirection(t *testing.T) {
	participants := map[int64][]int64{1: {1, 2}}
	alice := startTestNode(t, 1, participants)
	bob := startTestNode(t, 2, participants)
	alice.dir.AddPeer(bob.peerInfo())

	var eventsMu sync.Mutex
	var events []TypingEvent
	bob.router.OnTyping(func(event TypingEvent) {
		eventsMu.Lock()
		events = append(events, event)
		eventsMu.Unlock()
	})

	if err := alice.router.SendToPeer(2, wire.NewTyping(1, 1, true)); err != nil {
		t.Fatalf("send typing start: %v", err)
	}
	if err := alice.router.SendToPeer(2, wire.NewTyping(1, 1, false)); err != nil {
		t.Fatalf("send typing stop: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		eventsMu.Lock()
		defer eventsMu.Unlock()
		return len(events) == 2
	})
	eventsMu.Lock()
	start, stop := events[0], events[1]
	eventsMu.Unlock()
	if start.ConversationID != 1 || start.UserID != 1 || !start.Typing {
		t.Fatalf("unexpected start event: %+v", start)
	}
	if stop.Typing {
		t.Fatalf("expected stop event to clear the typing flag, got %+v", stop)
	}
}

func TestInboundTransportIsBoundAndReused(t *testing.T) {
	participants := map[int64][]int64{1: {1, 2}}
	alice := startTestNode(t, 1, participants)
	bob := startTestNode(t, 2, participants)
	alice.dir.AddPeer(bob.peerInfo())

	if err := alice.router.SendToPeer(2, wire.NewChatMessage(1, 1, "hello", "m1")); err != nil {
		t.Fatalf("SendToPeer failed: %v", err)
	}

	// Bob's side binds the anonymous inbound session to userId 1 on the
	// first envelope, so bob can answer without dialing back.
	waitUntil(t, 2*time.Second, func() bool { return bob.router.Connected(1) })

	var seen sync.WaitGroup
	seen.Add(1)
	var got ChatEvent
	alice.router.OnChat(func(event ChatEvent) {
		got = event
		seen.Done()
	})

	if err := bob.router.SendToPeer(1, wire.NewChatMessage(2, 1, "hello back", "m2")); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	waitDone(t, &seen, 2*time.Second)
	if got.SenderID != 2 || got.Content != "hello back" {
		t.Fatalf("unexpected reply event: %+v", got)
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	alice := startTestNode(t, 1, map[int64][]int64{1: {1, 99}})

	allDelivered, err := alice.router.SendToConversation(1, func(int64) *wire.Envelope {
		return wire.NewChatMessage(1, 1, "hi", "m1")
	})
	if err != nil {
		t.Fatalf("SendToConversation failed: %v", err)
	}
	if allDelivered {
		t.Fatal("expected delivery to an unknown peer to be reported as incomplete")
	}
}

func TestPeerLostRaisedOncePerDrop(t *testing.T) {
	participants := map[int64][]int64{1: {1, 2}}
	alice := startTestNode(t, 1, participants)
	bob := startTestNode(t, 2, participants)
	alice.dir.AddPeer(bob.peerInfo())

	var lostMu sync.Mutex
	var lost []int64
	alice.router.OnPeerLost(func(userID int64) {
		lostMu.Lock()
		lost = append(lost, userID)
		lostMu.Unlock()
	})

	if err := alice.router.Connect(2); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Bob tears everything down; alice's pooled transport drops once.
	bob.router.Stop()
	bob.listener.Close()

	waitUntil(t, 2*time.Second, func() bool {
		lostMu.Lock()
		defer lostMu.Unlock()
		return len(lost) >= 1
	})
	time.Sleep(100 * time.Millisecond)
	lostMu.Lock()
	defer lostMu.Unlock()
	if len(lost) != 1 || lost[0] != 2 {
		t.Fatalf("expected one loss event for peer 2, got %v", lost)
	}
	if alice.router.Connected(2) {
		t.Fatal("expected pooled transport to be removed")
	}
}

func TestSeenNotificationPersists(t *testing.T) {
	participants := map[int64][]int64{1: {1, 2}}
	alice := startTestNode(t, 1, participants)
	bob := startTestNode(t, 2, participants)
	alice.dir.AddPeer(bob.peerInfo())

	if err := alice.router.SendToPeer(2, wire.NewMessageSeen(1, 1, 41)); err != nil {
		t.Fatalf("SendToPeer failed: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		bob.store.mu.Lock()
		defer bob.store.mu.Unlock()
		return len(bob.store.seen[41]) == 1 && bob.store.seen[41][0] == 1
	})
}

func waitDone(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("wait group never finished")
	}
}
