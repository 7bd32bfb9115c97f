package cache

import (
	"sort"
	"sync"

	"github.com/adchat/adchat/internal/bus"
)

// Cache is the canonical in-memory store of the chat list and per-
// conversation message history. All mutation goes through its methods;
// readers get snapshot copies and learn about changes via "cache.*" bus
// events. The synchronization controller is the single writer.
type Cache struct {
	mu   sync.RWMutex
	bus  *bus.Bus
	conv map[string]*Conversation
	msgs map[string][]Message

	// canonical tracks server ids present per conversation, for
	// duplicate suppression on replayed or re-fetched messages.
	canonical map[string]map[string]bool

	// tempToCanonical is the reconciliation mapping table: temporary
	// client id -> canonical server id, recorded when a pending message
	// is acknowledged. Matching is by id only, never by body or time.
	tempToCanonical map[string]string

	// fetched marks conversations whose history has been loaded at
	// least once. Stream events for unfetched conversations are held
	// back by the controller until then.
	fetched map[string]bool
}

// New creates an empty cache publishing change events on b.
func New(b *bus.Bus) *Cache {
	return &Cache{
		bus:             b,
		conv:            make(map[string]*Conversation),
		msgs:            make(map[string][]Message),
		canonical:       make(map[string]map[string]bool),
		tempToCanonical: make(map[string]string),
		fetched:         make(map[string]bool),
	}
}

// UpsertConversation inserts or merges a conversation by id. A merge
// keeps the newer of the two last-message timestamps, so a stale list
// fetch can never roll back a conversation that advanced via the stream.
func (c *Cache) UpsertConversation(in Conversation) {
	c.mu.Lock()
	existing, ok := c.conv[in.ID]
	if !ok {
		cp := in
		c.conv[in.ID] = &cp
	} else {
		if in.LastMessageAt >= existing.LastMessageAt {
			existing.LastMessagePreview = in.LastMessagePreview
			existing.LastMessageAt = in.LastMessageAt
		}
		if in.CounterpartName != "" {
			existing.CounterpartName = in.CounterpartName
		}
		if in.CounterpartAvatar != "" {
			existing.CounterpartAvatar = in.CounterpartAvatar
		}
		if in.CounterpartID != "" {
			existing.CounterpartID = in.CounterpartID
		}
		if in.AdID != "" {
			existing.AdID = in.AdID
		}
	}
	c.mu.Unlock()
	c.publish("cache.conversations_changed", in.ID)
}

// RemoveConversation deletes a conversation and its messages, returning
// the removed state so an optimistic delete can be rolled back.
func (c *Cache) RemoveConversation(id string) (Conversation, []Message, bool) {
	c.mu.Lock()
	existing, ok := c.conv[id]
	if !ok {
		c.mu.Unlock()
		return Conversation{}, nil, false
	}
	removed := *existing
	removedMsgs := append([]Message(nil), c.msgs[id]...)
	delete(c.conv, id)
	delete(c.msgs, id)
	delete(c.canonical, id)
	delete(c.fetched, id)
	c.mu.Unlock()
	c.publish("cache.conversations_changed", id)
	return removed, removedMsgs, true
}

// RestoreConversation reinserts a conversation removed optimistically.
func (c *Cache) RestoreConversation(conv Conversation, msgs []Message) {
	c.mu.Lock()
	cp := conv
	c.conv[conv.ID] = &cp
	if len(msgs) > 0 {
		c.msgs[conv.ID] = append([]Message(nil), msgs...)
		ids := make(map[string]bool)
		for _, m := range msgs {
			if m.ID != "" {
				ids[m.ID] = true
			}
		}
		c.canonical[conv.ID] = ids
		c.fetched[conv.ID] = true
	}
	c.mu.Unlock()
	c.publish("cache.conversations_changed", conv.ID)
}

// SetMessages stores a fetched history page. The first page replaces the
// cached history (it is authoritative after a reconnect); older pages
// prepend. Local pending and failed messages survive a first-page
// replace: they are re-merged in sorted position rather than dropped.
func (c *Cache) SetMessages(convID string, page []Message, isFirstPage bool) {
	sorted := append([]Message(nil), page...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })

	c.mu.Lock()
	if isFirstPage {
		var local []Message
		for _, m := range c.msgs[convID] {
			if m.State == Pending || m.State == Failed {
				if canon, ok := c.tempToCanonical[m.TempID]; !ok || canon == "" {
					local = append(local, m)
				}
			}
		}
		c.msgs[convID] = nil
		c.canonical[convID] = make(map[string]bool)
		c.appendPageLocked(convID, sorted)
		for _, m := range local {
			c.insertSortedLocked(convID, m)
		}
	} else {
		// Older page: history is requested oldest-needed-first, so a
		// simple prepend never reorders.
		existing := c.msgs[convID]
		merged := make([]Message, 0, len(sorted)+len(existing))
		for _, m := range sorted {
			if m.ID != "" && c.canonical[convID][m.ID] {
				continue
			}
			merged = append(merged, m)
			c.markCanonicalLocked(convID, m.ID)
		}
		c.msgs[convID] = append(merged, existing...)
	}
	c.fetched[convID] = true
	c.mu.Unlock()
	c.publish("cache.messages_changed", convID)
}

// AppendOrReconcileMessage applies a single message, typically from the
// realtime stream. A canonical id already present updates in place
// (idempotent). A message matching a pending entry (by the temp-id
// mapping or the echoed client ref) replaces it in its slot and marks it
// sent. Anything else is appended at the tail, or sorted in if it
// arrived out of order after a reconnect.
func (c *Cache) AppendOrReconcileMessage(convID string, msg Message) {
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		c.publish("cache.messages_changed", convID)
	}()

	list := c.msgs[convID]

	if msg.ID != "" && c.canonical[convID][msg.ID] {
		for i := range list {
			if list[i].ID == msg.ID {
				list[i].Seen = msg.Seen
				if list[i].State == Pending {
					list[i].State = Sent
				}
				break
			}
		}
		return
	}

	tempID := msg.TempID
	if tempID == "" && msg.ID != "" {
		// Reverse lookup through the mapping table: the stream copy of a
		// message we sent carries the canonical id we already mapped.
		for t, canon := range c.tempToCanonical {
			if canon == msg.ID {
				tempID = t
				break
			}
		}
	}
	if tempID != "" {
		for i := range list {
			if list[i].TempID == tempID {
				msg.TempID = tempID
				msg.State = Sent
				list[i] = msg
				c.markCanonicalLocked(convID, msg.ID)
				c.tempToCanonical[tempID] = msg.ID
				return
			}
		}
		if canon, ok := c.tempToCanonical[tempID]; ok && canon == msg.ID {
			// Already reconciled and the slot re-used the canonical id.
			return
		}
	}

	c.insertSortedLocked(convID, msg)
}

// ReconcileMessage replaces the pending message identified by tempID with
// its server-acknowledged form, in the same list slot. Applying the same
// acknowledgement twice is a no-op.
func (c *Cache) ReconcileMessage(convID, tempID string, msg Message) {
	msg.TempID = tempID
	msg.State = Sent
	c.mu.Lock()
	list := c.msgs[convID]
	done := false
	for i := range list {
		if list[i].TempID == tempID {
			list[i] = msg
			done = true
			break
		}
	}
	if !done {
		if canon, ok := c.tempToCanonical[tempID]; !ok || canon != msg.ID {
			// Pending slot is gone (e.g. history not loaded); keep the
			// acknowledged message rather than losing it.
			c.insertSortedLocked(convID, msg)
		}
	}
	c.tempToCanonical[tempID] = msg.ID
	c.markCanonicalLocked(convID, msg.ID)
	c.mu.Unlock()
	c.publish("cache.messages_changed", convID)
}

// MarkFailed marks a pending message failed. Failed messages stay in the
// list until the user explicitly retries or discards them.
func (c *Cache) MarkFailed(convID, tempID string) {
	c.mu.Lock()
	list := c.msgs[convID]
	for i := range list {
		if list[i].TempID == tempID && list[i].State == Pending {
			list[i].State = Failed
			break
		}
	}
	c.mu.Unlock()
	c.publish("cache.messages_changed", convID)
}

// MarkPending flips a failed message back to pending for a retry.
func (c *Cache) MarkPending(convID, tempID string) {
	c.mu.Lock()
	list := c.msgs[convID]
	for i := range list {
		if list[i].TempID == tempID && list[i].State == Failed {
			list[i].State = Pending
			break
		}
	}
	c.mu.Unlock()
	c.publish("cache.messages_changed", convID)
}

// DiscardMessage removes a failed message on explicit user request.
func (c *Cache) DiscardMessage(convID, tempID string) {
	c.mu.Lock()
	list := c.msgs[convID]
	for i := range list {
		if list[i].TempID == tempID && list[i].State == Failed {
			c.msgs[convID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.publish("cache.messages_changed", convID)
}

// HasHistory reports whether a conversation's history was fetched at
// least once this run.
func (c *Cache) HasHistory(convID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetched[convID]
}

// Conversations returns a snapshot of the chat list sorted by last
// message time, newest first.
func (c *Cache) Conversations() []Conversation {
	c.mu.RLock()
	out := make([]Conversation, 0, len(c.conv))
	for _, cv := range c.conv {
		out = append(out, *cv)
	}
	c.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastMessageAt > out[j].LastMessageAt })
	return out
}

// Conversation returns a snapshot of a single conversation.
func (c *Cache) Conversation(id string) (Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, ok := c.conv[id]
	if !ok {
		return Conversation{}, false
	}
	return *cv, true
}

// Messages returns a snapshot copy of a conversation's message list.
func (c *Cache) Messages(convID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.msgs[convID]...)
}

// Reset drops everything. Called on logout.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.conv = make(map[string]*Conversation)
	c.msgs = make(map[string][]Message)
	c.canonical = make(map[string]map[string]bool)
	c.tempToCanonical = make(map[string]string)
	c.fetched = make(map[string]bool)
	c.mu.Unlock()
	c.publish("cache.conversations_changed", "")
}

func (c *Cache) publish(kind, convID string) {
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(kind, convID))
	}
}

func (c *Cache) markCanonicalLocked(convID, id string) {
	if id == "" {
		return
	}
	if c.canonical[convID] == nil {
		c.canonical[convID] = make(map[string]bool)
	}
	c.canonical[convID][id] = true
}

func (c *Cache) appendPageLocked(convID string, sorted []Message) {
	for _, m := range sorted {
		if m.ID != "" && c.canonical[convID][m.ID] {
			continue
		}
		c.msgs[convID] = append(c.msgs[convID], m)
		c.markCanonicalLocked(convID, m.ID)
	}
}

func (c *Cache) insertSortedLocked(convID string, msg Message) {
	if msg.ID != "" && c.canonical[convID][msg.ID] {
		return
	}
	list := c.msgs[convID]
	if n := len(list); n == 0 || msg.CreatedAt >= list[n-1].CreatedAt {
		c.msgs[convID] = append(list, msg)
	} else {
		// Out-of-order delivery after a reconnect: insert in sorted
		// position instead of appending blindly.
		i := sort.Search(n, func(i int) bool { return list[i].CreatedAt > msg.CreatedAt })
		list = append(list, Message{})
		copy(list[i+1:], list[i:])
		list[i] = msg
		c.msgs[convID] = list
	}
	c.markCanonicalLocked(convID, msg.ID)
}
