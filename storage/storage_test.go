package storage

import (
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedConversation(t *testing.T, store *Store) (alice, bob User, conversationID int64) {
	t.Helper()
	a, err := store.CreateUser("alice")
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	b, err := store.CreateUser("bob")
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	conversationID, err = store.CreateConversation("pair", []int64{a.ID, b.ID})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return a, b, conversationID
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	first, err := store.EnsureUser("alice")
	if err != nil {
		t.Fatalf("first EnsureUser failed: %v", err)
	}
	second, err := store.EnsureUser("alice")
	if err != nil {
		t.Fatalf("second EnsureUser failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected stable user id, got %d then %d", first.ID, second.ID)
	}

	if _, err := store.ResolveUsername("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown username, got %v", err)
	}
}

func TestConversationParticipants(t *testing.T) {
	store := openTestStore(t)
	alice, bob, conversationID := seedConversation(t, store)

	participants, err := store.ListParticipants(conversationID)
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected two participants, got %v", participants)
	}
	found := map[int64]bool{}
	for _, id := range participants {
		found[id] = true
	}
	if !found[alice.ID] || !found[bob.ID] {
		t.Fatalf("participants missing expected users: %v", participants)
	}
}

func TestSendMessageIfNotExistsIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	alice, _, conversationID := seedConversation(t, store)

	id1, created, err := store.SendMessageIfNotExists(conversationID, alice.ID, "hi", "client-1")
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if !created {
		t.Fatal("expected first insert to create a row")
	}

	id2, created, err := store.SendMessageIfNotExists(conversationID, alice.ID, "hi", "client-1")
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate clientMessageId to be suppressed")
	}
	if id1 != id2 {
		t.Fatalf("expected the same row, got %d and %d", id1, id2)
	}

	message, err := store.GetMessage(id1)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if message.Content != "hi" || message.Status != StatusPending {
		t.Fatalf("unexpected message state: %+v", message)
	}
}

func TestMessageStatusAndRetryProgression(t *testing.T) {
	store := openTestStore(t)
	alice, _, conversationID := seedConversation(t, store)

	id, _, err := store.SendMessageIfNotExists(conversationID, alice.ID, "hi", "client-1")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := store.UpdateMessageStatus(id, "bogus"); err == nil {
		t.Fatal("expected invalid status to be rejected")
	}
	if err := store.UpdateMessageStatus(id, StatusFailed); err != nil {
		t.Fatalf("UpdateMessageStatus failed: %v", err)
	}
	if err := store.UpdateMessageStatus(9999, StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing message, got %v", err)
	}

	for want := 1; want <= 3; want++ {
		count, err := store.IncrementMessageRetry(id)
		if err != nil {
			t.Fatalf("IncrementMessageRetry failed: %v", err)
		}
		if count != want {
			t.Fatalf("expected retry count %d, got %d", want, count)
		}
	}
}

func TestListRetryableMessagesHonorsBudgetAndSender(t *testing.T) {
	store := openTestStore(t)
	alice, bob, conversationID := seedConversation(t, store)

	pendingID, _, _ := store.SendMessageIfNotExists(conversationID, alice.ID, "pending", "c-pending")

	failedID, _, _ := store.SendMessageIfNotExists(conversationID, alice.ID, "failed", "c-failed")
	_ = store.UpdateMessageStatus(failedID, StatusFailed)
	_, _ = store.IncrementMessageRetry(failedID)

	exhaustedID, _, _ := store.SendMessageIfNotExists(conversationID, alice.ID, "exhausted", "c-exhausted")
	_ = store.UpdateMessageStatus(exhaustedID, StatusFailed)
	for i := 0; i < 3; i++ {
		_, _ = store.IncrementMessageRetry(exhaustedID)
	}

	sentID, _, _ := store.SendMessageIfNotExists(conversationID, alice.ID, "sent", "c-sent")
	_ = store.UpdateMessageStatus(sentID, StatusSent)

	// Bob's messages never show up in alice's scan.
	_, _, _ = store.SendMessageIfNotExists(conversationID, bob.ID, "other", "c-bob")

	retryable, err := store.ListRetryableMessages(alice.ID, 3)
	if err != nil {
		t.Fatalf("ListRetryableMessages failed: %v", err)
	}
	got := map[int64]bool{}
	for _, message := range retryable {
		got[message.ID] = true
	}
	if len(got) != 2 || !got[pendingID] || !got[failedID] {
		t.Fatalf("expected pending and under-budget failed messages, got %+v", retryable)
	}
}

func TestMarkMessageSeenIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	alice, bob, conversationID := seedConversation(t, store)

	id, _, _ := store.SendMessageIfNotExists(conversationID, alice.ID, "hi", "client-1")

	if err := store.MarkMessageSeen(id, bob.ID); err != nil {
		t.Fatalf("first MarkMessageSeen failed: %v", err)
	}
	if err := store.MarkMessageSeen(id, bob.ID); err != nil {
		t.Fatalf("repeat MarkMessageSeen failed: %v", err)
	}
	seen, err := store.MessageSeenBy(id, bob.ID)
	if err != nil {
		t.Fatalf("MessageSeenBy failed: %v", err)
	}
	if !seen {
		t.Fatal("expected message to be marked seen")
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	store := openTestStore(t)
	alice, bob, conversationID := seedConversation(t, store)

	att := Attachment{
		FileID:          "file-1",
		ConversationID:  conversationID,
		SenderID:        alice.ID,
		ReceiverID:      bob.ID,
		FileName:        "report.pdf",
		FileSize:        4096,
		Checksum:        "abc123",
		ClientMessageID: "c-file-1",
		Status:          StatusUploading,
	}

	created, err := store.SaveFileAttachment(att)
	if err != nil {
		t.Fatalf("SaveFileAttachment failed: %v", err)
	}
	if !created {
		t.Fatal("expected first save to create a row")
	}

	created, err = store.SaveFileAttachment(att)
	if err != nil {
		t.Fatalf("duplicate save failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate clientMessageId to be suppressed")
	}

	if err := store.UpdateAttachmentStatus("file-1", StatusCompleted); err != nil {
		t.Fatalf("UpdateAttachmentStatus failed: %v", err)
	}
	loaded, err := store.GetAttachment("file-1")
	if err != nil {
		t.Fatalf("GetAttachment failed: %v", err)
	}
	if loaded.Status != StatusCompleted || loaded.Checksum != "abc123" {
		t.Fatalf("unexpected attachment state: %+v", loaded)
	}

	if _, err := store.GetAttachment("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRetryableAttachments(t *testing.T) {
	store := openTestStore(t)
	alice, bob, conversationID := seedConversation(t, store)

	save := func(fileID, clientID, status string) {
		t.Helper()
		_, err := store.SaveFileAttachment(Attachment{
			FileID:          fileID,
			ConversationID:  conversationID,
			SenderID:        alice.ID,
			ReceiverID:      bob.ID,
			FileName:        fileID + ".bin",
			FileSize:        10,
			Checksum:        "x",
			ClientMessageID: clientID,
			Status:          status,
		})
		if err != nil {
			t.Fatalf("save %s failed: %v", fileID, err)
		}
	}

	save("f-uploading", "c1", StatusUploading)
	save("f-pending", "c2", StatusPending)
	save("f-completed", "c3", StatusCompleted)

	save("f-failed", "c4", StatusUploading)
	_ = store.UpdateAttachmentStatus("f-failed", StatusFailed)
	_, _ = store.IncrementAttachmentRetry("f-failed")

	save("f-exhausted", "c5", StatusUploading)
	_ = store.UpdateAttachmentStatus("f-exhausted", StatusFailed)
	for i := 0; i < 3; i++ {
		_, _ = store.IncrementAttachmentRetry("f-exhausted")
	}

	retryable, err := store.ListRetryableAttachments(alice.ID, 3)
	if err != nil {
		t.Fatalf("ListRetryableAttachments failed: %v", err)
	}
	got := map[string]bool{}
	for _, attachment := range retryable {
		got[attachment.FileID] = true
	}
	if len(got) != 3 || !got["f-uploading"] || !got["f-pending"] || !got["f-failed"] {
		t.Fatalf("unexpected retryable set: %v", got)
	}
}
