package cache

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/adchat/adchat/internal/bus"
)

func msg(id, tempID string, ts int64) Message {
	return Message{ID: id, TempID: tempID, ConversationID: "c1", Sender: Counterpart, Body: "b-" + id + tempID, CreatedAt: ts, State: Sent}
}

func assertSortedNoDupes(t *testing.T, list []Message) {
	t.Helper()
	seen := make(map[string]bool)
	for i, m := range list {
		if i > 0 && list[i-1].CreatedAt > m.CreatedAt {
			t.Fatalf("list not sorted at %d: %d > %d", i, list[i-1].CreatedAt, m.CreatedAt)
		}
		if m.ID != "" {
			if seen[m.ID] {
				t.Fatalf("duplicate canonical id %q", m.ID)
			}
			seen[m.ID] = true
		}
	}
}

func TestUpsertConversationMergeKeepsNewer(t *testing.T) {
	c := New(nil)
	c.UpsertConversation(Conversation{ID: "c1", LastMessagePreview: "newer", LastMessageAt: 2000, CounterpartName: "Ana"})
	c.UpsertConversation(Conversation{ID: "c1", LastMessagePreview: "older", LastMessageAt: 1000})

	got, ok := c.Conversation("c1")
	if !ok {
		t.Fatal("conversation missing")
	}
	if got.LastMessagePreview != "newer" || got.LastMessageAt != 2000 {
		t.Errorf("stale merge won: %+v", got)
	}
	if got.CounterpartName != "Ana" {
		t.Errorf("merge dropped counterpart name: %+v", got)
	}
}

func TestConversationsSortedByLastMessageDesc(t *testing.T) {
	c := New(nil)
	c.UpsertConversation(Conversation{ID: "a", LastMessageAt: 100})
	c.UpsertConversation(Conversation{ID: "b", LastMessageAt: 300})
	c.UpsertConversation(Conversation{ID: "c", LastMessageAt: 200})

	convs := c.Conversations()
	if len(convs) != 3 || convs[0].ID != "b" || convs[1].ID != "c" || convs[2].ID != "a" {
		t.Errorf("order = %v", convs)
	}
}

func TestAppendOrReconcileStaysSortedUnderAnyOrder(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		c := New(nil)
		perm := r.Perm(30)
		for _, i := range perm {
			c.AppendOrReconcileMessage("c1", msg(fmt.Sprintf("m%d", i), "", int64(1000+i*10)))
		}
		// Replay a few duplicates.
		for _, i := range perm[:5] {
			c.AppendOrReconcileMessage("c1", msg(fmt.Sprintf("m%d", i), "", int64(1000+i*10)))
		}
		list := c.Messages("c1")
		if len(list) != 30 {
			t.Fatalf("trial %d: got %d messages, want 30", trial, len(list))
		}
		assertSortedNoDupes(t, list)
	}
}

func TestReconcileReplacesInPlace(t *testing.T) {
	c := New(nil)
	c.AppendOrReconcileMessage("c1", msg("m1", "", 1000))
	pending := Message{TempID: "tmp-1", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1500, State: Pending}
	c.AppendOrReconcileMessage("c1", pending)
	c.AppendOrReconcileMessage("c1", msg("m2", "", 2000))

	ack := Message{ID: "srv-9", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1500}
	c.ReconcileMessage("c1", "tmp-1", ack)

	list := c.Messages("c1")
	if len(list) != 3 {
		t.Fatalf("got %d messages, want 3", len(list))
	}
	if list[1].ID != "srv-9" || list[1].State != Sent || list[1].TempID != "tmp-1" {
		t.Errorf("slot not replaced in place: %+v", list[1])
	}
	assertSortedNoDupes(t, list)
}

func TestReconcileIdempotent(t *testing.T) {
	c := New(nil)
	pending := Message{TempID: "tmp-1", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1500, State: Pending}
	c.AppendOrReconcileMessage("c1", pending)

	ack := Message{ID: "srv-9", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1500}
	c.ReconcileMessage("c1", "tmp-1", ack)
	once := c.Messages("c1")

	c.ReconcileMessage("c1", "tmp-1", ack)
	twice := c.Messages("c1")

	if len(once) != 1 || len(twice) != 1 {
		t.Fatalf("got %d then %d messages, want 1 and 1", len(once), len(twice))
	}
	if once[0] != twice[0] {
		t.Errorf("double reconcile changed the entry: %+v vs %+v", once[0], twice[0])
	}
}

func TestStreamEchoOfOwnMessageDeduped(t *testing.T) {
	c := New(nil)
	pending := Message{TempID: "tmp-1", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1500, State: Pending}
	c.AppendOrReconcileMessage("c1", pending)

	// REST ack lands first, then the stream delivers the same message.
	c.ReconcileMessage("c1", "tmp-1", Message{ID: "srv-9", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1500})
	c.AppendOrReconcileMessage("c1", Message{ID: "srv-9", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1500, State: Sent})

	list := c.Messages("c1")
	if len(list) != 1 {
		t.Fatalf("got %d messages, want 1", len(list))
	}
}

func TestStreamEchoBeforeAckReconcilesViaClientRef(t *testing.T) {
	c := New(nil)
	c.AppendOrReconcileMessage("c1", Message{TempID: "tmp-1", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1500, State: Pending})

	// Stream copy carries the echoed client ref and wins the race.
	c.AppendOrReconcileMessage("c1", Message{ID: "srv-9", TempID: "tmp-1", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1501})
	// Late REST ack for the same send.
	c.ReconcileMessage("c1", "tmp-1", Message{ID: "srv-9", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1501})

	list := c.Messages("c1")
	if len(list) != 1 || list[0].ID != "srv-9" || list[0].State != Sent {
		t.Fatalf("got %+v", list)
	}
}

func TestMarkFailedKeepsMessageVisible(t *testing.T) {
	c := New(nil)
	c.AppendOrReconcileMessage("c1", Message{TempID: "tmp-1", ConversationID: "c1", Sender: Self, Body: "hi", CreatedAt: 1500, State: Pending})
	c.MarkFailed("c1", "tmp-1")

	list := c.Messages("c1")
	if len(list) != 1 || list[0].State != Failed {
		t.Fatalf("got %+v", list)
	}

	c.MarkPending("c1", "tmp-1")
	if got := c.Messages("c1")[0].State; got != Pending {
		t.Errorf("retry state = %s, want pending", got)
	}
}

func TestDiscardRemovesOnlyFailed(t *testing.T) {
	c := New(nil)
	c.AppendOrReconcileMessage("c1", Message{TempID: "tmp-1", ConversationID: "c1", CreatedAt: 1500, State: Pending})
	c.DiscardMessage("c1", "tmp-1")
	if len(c.Messages("c1")) != 1 {
		t.Fatal("pending message discarded")
	}
	c.MarkFailed("c1", "tmp-1")
	c.DiscardMessage("c1", "tmp-1")
	if len(c.Messages("c1")) != 0 {
		t.Fatal("failed message not discarded")
	}
}

func TestSetMessagesFirstPagePreservesPending(t *testing.T) {
	c := New(nil)
	c.AppendOrReconcileMessage("c1", Message{TempID: "tmp-1", ConversationID: "c1", Body: "in flight", CreatedAt: 5000, State: Pending})

	page := []Message{msg("m1", "", 1000), msg("m2", "", 2000), msg("m3", "", 3000)}
	c.SetMessages("c1", page, true)

	list := c.Messages("c1")
	if len(list) != 4 {
		t.Fatalf("got %d messages, want 4 (pending survived)", len(list))
	}
	if list[3].TempID != "tmp-1" {
		t.Errorf("pending not at tail: %+v", list)
	}
	assertSortedNoDupes(t, list)
	if !c.HasHistory("c1") {
		t.Error("HasHistory false after first page")
	}
}

func TestSetMessagesOlderPagePrepends(t *testing.T) {
	c := New(nil)
	c.SetMessages("c1", []Message{msg("m3", "", 3000), msg("m4", "", 4000)}, true)
	c.SetMessages("c1", []Message{msg("m1", "", 1000), msg("m2", "", 2000)}, false)

	list := c.Messages("c1")
	want := []string{"m1", "m2", "m3", "m4"}
	if len(list) != 4 {
		t.Fatalf("got %d messages", len(list))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("pos %d = %s, want %s", i, list[i].ID, id)
		}
	}
	assertSortedNoDupes(t, list)
}

func TestSetMessagesFirstPageIsAuthoritative(t *testing.T) {
	c := New(nil)
	c.SetMessages("c1", []Message{msg("gone", "", 1000), msg("m2", "", 2000)}, true)
	// Refetch after reconnect: the server no longer has "gone".
	c.SetMessages("c1", []Message{msg("m2", "", 2000), msg("m3", "", 3000)}, true)

	list := c.Messages("c1")
	if len(list) != 2 || list[0].ID != "m2" || list[1].ID != "m3" {
		t.Errorf("refetch not authoritative: %+v", list)
	}
}

func TestRemoveAndRestoreConversation(t *testing.T) {
	c := New(nil)
	c.UpsertConversation(Conversation{ID: "c1", LastMessageAt: 100})
	c.SetMessages("c1", []Message{msg("m1", "", 1000)}, true)

	conv, msgs, ok := c.RemoveConversation("c1")
	if !ok {
		t.Fatal("remove failed")
	}
	if _, ok := c.Conversation("c1"); ok {
		t.Fatal("conversation still present")
	}
	if len(c.Messages("c1")) != 0 {
		t.Fatal("messages still present")
	}

	c.RestoreConversation(conv, msgs)
	if _, ok := c.Conversation("c1"); !ok {
		t.Fatal("rollback lost the conversation")
	}
	if got := c.Messages("c1"); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("rollback lost messages: %+v", got)
	}
}

func TestMutationsPublishChangeEvents(t *testing.T) {
	b := bus.New()
	c := New(b)
	ch, unsub := b.Subscribe("cache.", 32)
	defer unsub()

	c.UpsertConversation(Conversation{ID: "c1"})
	c.SetMessages("c1", []Message{msg("m1", "", 1000)}, true)

	kinds := make(map[string]int)
	timeout := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			kinds[evt.Kind]++
		case <-timeout:
			t.Fatal("timeout waiting for cache events")
		}
	}
	if kinds["cache.conversations_changed"] != 1 || kinds["cache.messages_changed"] != 1 {
		t.Errorf("got %v", kinds)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	c := New(nil)
	c.SetMessages("c1", []Message{msg("m1", "", 1000)}, true)

	snap := c.Messages("c1")
	snap[0].Body = "mutated"
	if c.Messages("c1")[0].Body == "mutated" {
		t.Error("snapshot mutation reached the cache")
	}

	c.UpsertConversation(Conversation{ID: "c2", CounterpartName: "Ana"})
	convs := c.Conversations()
	convs[0].CounterpartName = "mutated"
	fresh := c.Conversations()
	for _, cv := range fresh {
		if cv.CounterpartName == "mutated" {
			t.Error("conversation snapshot mutation reached the cache")
		}
	}
}
