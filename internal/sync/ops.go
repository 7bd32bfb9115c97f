package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adchat/adchat/internal/bus"
	"github.com/adchat/adchat/internal/cache"
	"github.com/adchat/adchat/internal/rest"
	"github.com/adchat/adchat/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// chatListKey is the pagination bookkeeping key for the chat list itself.
const chatListKey = ""

// SelectConversation makes convID the active conversation and fetches its
// first history page if it was never loaded this run. A fetch still in
// flight for a previously selected conversation is fenced out: its result
// is discarded, not merged.
func (ctl *Controller) SelectConversation(ctx context.Context, convID string) error {
	ctl.mu.Lock()
	// The generation only advances when the selection actually changes:
	// re-selecting the same conversation must not invalidate its own
	// in-flight first-page fetch.
	if ctl.selected != convID {
		ctl.fetchGen++
	}
	ctl.selected = convID
	ctl.mu.Unlock()

	if ctl.cache.HasHistory(convID) {
		return nil
	}
	return ctl.fetchMessagePage(ctx, convID, 1)
}

// Selected returns the id of the active conversation, or "".
func (ctl *Controller) Selected() string {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.selected
}

// LoadMoreMessages fetches the next older history page of the active
// conversation. A full page means more may be available.
func (ctl *Controller) LoadMoreMessages(ctx context.Context) error {
	ctl.mu.Lock()
	convID := ctl.selected
	if convID == "" {
		ctl.mu.Unlock()
		return ErrNoSelection
	}
	if ctl.pages[convID] > 0 && !ctl.hasMore[convID] {
		ctl.mu.Unlock()
		return nil
	}
	page := ctl.pages[convID] + 1
	ctl.mu.Unlock()

	return ctl.fetchMessagePage(ctx, convID, page)
}

// HasMoreMessages reports whether older history pages may exist.
func (ctl *Controller) HasMoreMessages(convID string) bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.pages[convID] == 0 || ctl.hasMore[convID]
}

// RefreshChats fetches the first chat list page and merges it.
func (ctl *Controller) RefreshChats(ctx context.Context) error {
	return ctl.fetchChatPage(ctx, 1)
}

// LoadMoreChats fetches the next chat list page.
func (ctl *Controller) LoadMoreChats(ctx context.Context) error {
	ctl.mu.Lock()
	if ctl.pages[chatListKey] > 0 && !ctl.hasMore[chatListKey] {
		ctl.mu.Unlock()
		return nil
	}
	page := ctl.pages[chatListKey] + 1
	ctl.mu.Unlock()

	return ctl.fetchChatPage(ctx, page)
}

// HasMoreChats reports whether further chat list pages may exist.
func (ctl *Controller) HasMoreChats() bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.pages[chatListKey] == 0 || ctl.hasMore[chatListKey]
}

// SendMessage creates an optimistic pending message in the active
// conversation and journals it for delivery. It returns the temporary id
// identifying the message until the server acknowledges it. Sending to a
// counterpart the user has blocked is rejected here, before any network
// or journal write.
func (ctl *Controller) SendMessage(text, attachmentPath string) (string, error) {
	ctl.mu.Lock()
	convID := ctl.selected
	ctl.mu.Unlock()
	if convID == "" {
		return "", ErrNoSelection
	}
	if strings.TrimSpace(text) == "" && attachmentPath == "" {
		return "", ErrEmptyMessage
	}
	if ctl.blocks.YouBlocked(convID) {
		return "", ErrBlocked
	}

	tempID := uuid.NewString()
	msg := cache.Message{
		TempID:         tempID,
		ConversationID: convID,
		Sender:         cache.Self,
		Body:           text,
		CreatedAt:      time.Now().UnixMilli(),
		State:          cache.Pending,
	}
	ctl.cache.AppendOrReconcileMessage(convID, msg)

	if err := ctl.db.QueueOutbox(tempID, convID, text, attachmentPath); err != nil {
		ctl.cache.MarkFailed(convID, tempID)
		return tempID, fmt.Errorf("queue message: %w", err)
	}
	ctl.touchConversation(convID, msg)
	return tempID, nil
}

// RetryMessage requeues a failed message. A message whose send has not
// resolved yet cannot be retried.
func (ctl *Controller) RetryMessage(convID, tempID string) error {
	for _, m := range ctl.cache.Messages(convID) {
		if m.TempID != tempID {
			continue
		}
		switch m.State {
		case cache.Failed:
			ctl.cache.MarkPending(convID, tempID)
			return ctl.db.RequeueOutbox(tempID)
		case cache.Pending:
			return ErrSendInFlight
		default:
			return nil
		}
	}
	return fmt.Errorf("sync: unknown message %q", tempID)
}

// DiscardMessage drops a failed message from the conversation and the journal.
func (ctl *Controller) DiscardMessage(convID, tempID string) error {
	for _, m := range ctl.cache.Messages(convID) {
		if m.TempID != tempID {
			continue
		}
		if m.State != cache.Failed {
			return ErrSendInFlight
		}
		ctl.cache.DiscardMessage(convID, tempID)
		return ctl.db.DeleteOutbox(tempID)
	}
	return fmt.Errorf("sync: unknown message %q", tempID)
}

// OpenChatForAd opens (or returns the existing) conversation for an ad.
// The server treats an already-open conversation as success, so calling
// this twice never duplicates a chat list entry.
func (ctl *Controller) OpenChatForAd(ctx context.Context, adID string) (ConversationView, error) {
	c, err := ctl.client.OpenChat(ctx, adID)
	if err != nil {
		return ConversationView{}, err
	}
	ctl.applyConversation(*c)
	return ctl.view(toCacheConversation(*c)), nil
}

// DeleteChat removes a conversation optimistically and confirms with the
// server. On failure the removed state is restored exactly as it was.
func (ctl *Controller) DeleteChat(ctx context.Context, convID string) error {
	removed, msgs, had := ctl.cache.RemoveConversation(convID)

	if err := ctl.client.DeleteChat(ctx, convID); err != nil {
		if had {
			ctl.cache.RestoreConversation(removed, msgs)
		}
		return err
	}

	ctl.blocks.Forget(convID)
	if err := ctl.db.DeleteChat(convID); err != nil {
		ctl.logger.Warn("failed to delete chat snapshot", zap.Error(err), zap.String("chat_id", convID))
	}

	ctl.mu.Lock()
	if ctl.selected == convID {
		ctl.selected = ""
		ctl.fetchGen++
	}
	delete(ctl.pages, convID)
	delete(ctl.hasMore, convID)
	delete(ctl.buffered, convID)
	ctl.mu.Unlock()
	return nil
}

// BlockUser blocks the counterpart of a conversation. The flag flips
// optimistically and rolls back if the call fails.
func (ctl *Controller) BlockUser(ctx context.Context, convID string) error {
	return ctl.setBlocked(ctx, convID, true)
}

// UnblockUser lifts the user's own block on the counterpart.
func (ctl *Controller) UnblockUser(ctx context.Context, convID string) error {
	return ctl.setBlocked(ctx, convID, false)
}

func (ctl *Controller) setBlocked(ctx context.Context, convID string, blocked bool) error {
	cv, ok := ctl.cache.Conversation(convID)
	if !ok {
		return fmt.Errorf("sync: unknown conversation %q", convID)
	}

	prev := ctl.blocks.YouBlocked(convID)
	ctl.blocks.SetYouBlocked(convID, blocked)
	ctl.bus.Publish(bus.NewEvent("sync.block_changed", convID))

	call := ctl.client.BlockUser
	if !blocked {
		call = ctl.client.UnblockUser
	}
	rel, err := call(ctx, cv.CounterpartID)
	if err != nil {
		ctl.blocks.SetYouBlocked(convID, prev)
		ctl.bus.Publish(bus.NewEvent("sync.block_changed", convID))
		return err
	}

	// The acknowledged relationship is authoritative over the optimistic flip.
	ctl.blocks.SetYouBlocked(convID, rel.YouBlocked)
	ctl.blocks.SetTheyBlockedYou(convID, rel.TheyBlockedYou)
	ctl.bus.Publish(bus.NewEvent("sync.block_changed", convID))
	return nil
}

// SearchMessages runs a server-side text search over a conversation's
// history. Results are returned directly and never merged into the cache.
func (ctl *Controller) SearchMessages(ctx context.Context, convID, text string) ([]cache.Message, error) {
	msgs, err := ctl.client.ListMessages(ctx, convID, ctl.msgPageSize, 1, text)
	if err != nil {
		return nil, err
	}
	out := make([]cache.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toCacheMessage(convID, m))
	}
	return out, nil
}

// Conversations returns the chat list with presence and block state merged in.
func (ctl *Controller) Conversations() []ConversationView {
	convs := ctl.cache.Conversations()
	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, ctl.view(c))
	}
	return out
}

// SelectedConversation returns the view of the active conversation.
func (ctl *Controller) SelectedConversation() (ConversationView, bool) {
	ctl.mu.Lock()
	convID := ctl.selected
	ctl.mu.Unlock()
	if convID == "" {
		return ConversationView{}, false
	}
	c, ok := ctl.cache.Conversation(convID)
	if !ok {
		return ConversationView{}, false
	}
	return ctl.view(c), true
}

// Messages returns the message snapshot of a conversation.
func (ctl *Controller) Messages(convID string) []cache.Message {
	return ctl.cache.Messages(convID)
}

func (ctl *Controller) view(c cache.Conversation) ConversationView {
	rec, _ := ctl.presence.Get(c.CounterpartID)
	return ConversationView{
		Conversation: c,
		Online:       rec.Online,
		LastSeen:     rec.LastSeen,
		BlockState:   ctl.blocks.Effective(c.ID),
	}
}

func (ctl *Controller) fetchMessagePage(ctx context.Context, convID string, page int) error {
	key := fmt.Sprintf("messages:%s:%d", convID, page)
	if !ctl.begin(key) {
		return nil
	}
	defer ctl.end(key)

	ctl.mu.Lock()
	gen := ctl.fetchGen
	ctl.mu.Unlock()

	msgs, err := ctl.client.ListMessages(ctx, convID, ctl.msgPageSize, page, "")
	if err != nil {
		return err
	}

	ctl.mu.Lock()
	if ctl.fetchGen != gen {
		// Selection changed while the fetch was in flight.
		ctl.mu.Unlock()
		return nil
	}
	if page > ctl.pages[convID] {
		ctl.pages[convID] = page
	}
	ctl.hasMore[convID] = len(msgs) == ctl.msgPageSize
	ctl.mu.Unlock()

	converted := make([]cache.Message, 0, len(msgs))
	for _, m := range msgs {
		converted = append(converted, toCacheMessage(convID, m))
	}
	ctl.cache.SetMessages(convID, converted, page == 1)
	if page == 1 {
		ctl.replayBuffered(convID)
	}
	return nil
}

func (ctl *Controller) fetchChatPage(ctx context.Context, page int) error {
	key := fmt.Sprintf("chats:%d", page)
	if !ctl.begin(key) {
		return nil
	}
	defer ctl.end(key)

	chats, err := ctl.client.ListChats(ctx, ctl.chatPageSize, page)
	if err != nil {
		return err
	}
	for _, c := range chats {
		ctl.applyConversation(c)
	}

	ctl.mu.Lock()
	if page > ctl.pages[chatListKey] {
		ctl.pages[chatListKey] = page
	}
	ctl.hasMore[chatListKey] = len(chats) == ctl.chatPageSize
	ctl.mu.Unlock()
	return nil
}

// applyConversation merges one fetched chat list entry: cache row,
// presence snapshot, server-declared block flags and the persisted copy.
func (ctl *Controller) applyConversation(c rest.Conversation) {
	cv := toCacheConversation(c)
	ctl.cache.UpsertConversation(cv)

	var lastSeen time.Time
	if c.LastSeenAt > 0 {
		lastSeen = time.UnixMilli(c.LastSeenAt)
	}
	ctl.presence.Set(c.User.ID, c.Online, lastSeen)
	ctl.blocks.SetYouBlocked(c.ID, c.YouBlocked)
	ctl.blocks.SetTheyBlockedYou(c.ID, c.TheyBlockedYou)

	if err := ctl.db.UpsertChat(&store.Chat{
		ID:                 cv.ID,
		AdID:               cv.AdID,
		CounterpartID:      cv.CounterpartID,
		CounterpartName:    cv.CounterpartName,
		CounterpartAvatar:  cv.CounterpartAvatar,
		LastMessagePreview: cv.LastMessagePreview,
		LastMessageAt:      cv.LastMessageAt,
	}); err != nil {
		ctl.logger.Warn("failed to persist chat", zap.Error(err), zap.String("chat_id", cv.ID))
	}
}

func (ctl *Controller) begin(key string) bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.inflight[key] {
		return false
	}
	ctl.inflight[key] = true
	return true
}

func (ctl *Controller) end(key string) {
	ctl.mu.Lock()
	delete(ctl.inflight, key)
	ctl.mu.Unlock()
}
