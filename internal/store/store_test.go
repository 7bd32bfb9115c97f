package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertChatNeverRollsBack(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "c1", CounterpartName: "Ana", LastMessagePreview: "new", LastMessageAt: 2000}); err != nil {
		t.Fatal(err)
	}
	// Stale write with an older last message.
	if err := db.UpsertChat(&Chat{ID: "c1", LastMessagePreview: "old", LastMessageAt: 1000}); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats", len(chats))
	}
	if chats[0].LastMessagePreview != "new" || chats[0].LastMessageAt != 2000 {
		t.Errorf("stale write won: %+v", chats[0])
	}
	if chats[0].CounterpartName != "Ana" {
		t.Errorf("empty fields clobbered existing: %+v", chats[0])
	}
}

func TestListChatsOrder(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertChat(&Chat{ID: "a", LastMessageAt: 100})
	_ = db.UpsertChat(&Chat{ID: "b", LastMessageAt: 300})
	_ = db.UpsertChat(&Chat{ID: "c", LastMessageAt: 200})

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 3 || chats[0].ID != "b" || chats[2].ID != "a" {
		t.Errorf("order = %+v", chats)
	}

	if err := db.DeleteChat("b"); err != nil {
		t.Fatal(err)
	}
	chats, _ = db.ListChats(10, 0)
	if len(chats) != 2 {
		t.Errorf("got %d chats after delete", len(chats))
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("tmp-1", "c1", "hello", ""); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].TempID != "tmp-1" || pending[0].Attempts != 0 {
		t.Fatalf("got %+v", pending)
	}
	if pending[0].CreatedAt <= 0 {
		t.Errorf("creation time not recorded: %+v", pending[0])
	}

	if err := db.MarkOutboxSending("tmp-1"); err != nil {
		t.Fatal(err)
	}
	if pending, _ = db.PendingOutbox(); len(pending) != 0 {
		t.Error("sending entry still listed as pending")
	}

	if err := db.MarkOutboxSent("tmp-1", "srv-1"); err != nil {
		t.Fatal(err)
	}
	unsent, err := db.UnsentOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(unsent) != 0 {
		t.Errorf("sent entry reported as unsent: %+v", unsent)
	}
}

func TestOutboxFailRequeueAttempts(t *testing.T) {
	db := testDB(t)
	_ = db.QueueOutbox("tmp-1", "c1", "hello", "/tmp/p.jpg")

	_ = db.MarkOutboxSending("tmp-1")
	_ = db.MarkOutboxFailed("tmp-1", "server said no")

	unsent, _ := db.UnsentOutbox()
	if len(unsent) != 1 || unsent[0].Status != "failed" || unsent[0].ErrorMessage != "server said no" {
		t.Fatalf("got %+v", unsent)
	}
	if unsent[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", unsent[0].Attempts)
	}

	if err := db.RequeueOutbox("tmp-1"); err != nil {
		t.Fatal(err)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].ErrorMessage != "" {
		t.Fatalf("requeue: %+v", pending)
	}
	// Attempts survive a requeue, the sender uses them for its cap.
	if pending[0].Attempts != 1 {
		t.Errorf("attempts reset on requeue: %d", pending[0].Attempts)
	}
}

func TestOutboxAttachmentIDPersisted(t *testing.T) {
	db := testDB(t)
	_ = db.QueueOutbox("tmp-1", "c1", "", "/tmp/p.jpg")
	if err := db.SetOutboxAttachment("tmp-1", "att-7"); err != nil {
		t.Fatal(err)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].AttachmentID != "att-7" {
		t.Fatalf("got %+v", pending)
	}
}

func TestDeleteOutbox(t *testing.T) {
	db := testDB(t)
	_ = db.QueueOutbox("tmp-1", "c1", "x", "")
	if err := db.DeleteOutbox("tmp-1"); err != nil {
		t.Fatal(err)
	}
	if pending, _ := db.PendingOutbox(); len(pending) != 0 {
		t.Error("entry survived delete")
	}
}
