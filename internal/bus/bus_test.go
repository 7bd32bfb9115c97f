package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	b.Publish(NewEvent("channel.status_changed", "connected"))

	select {
	case evt := <-ch:
		if evt.Kind != "channel.status_changed" {
			t.Errorf("got kind %q, want channel.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("stream.", 10)
	defer unsub()

	b.Publish(NewEvent("cache.messages_changed", nil))
	b.Publish(NewEvent("stream.message_created", nil))

	select {
	case evt := <-ch:
		if evt.Kind != "stream.message_created" {
			t.Errorf("got kind %q, want stream.message_created", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 10)
	unsub()

	b.Publish(NewEvent("outbox.send_ack", nil))

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(NewEvent("test.one", nil))
	b.Publish(NewEvent("test.two", nil))

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
