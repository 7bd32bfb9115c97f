// Package sync implements the synchronization controller: the single
// public API that UI collaborators use to read and mutate conversation
// state. It feeds REST results, realtime stream events and outbox
// acknowledgements into the conversation cache.
package sync

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adchat/adchat/internal/block"
	"github.com/adchat/adchat/internal/bus"
	"github.com/adchat/adchat/internal/cache"
	"github.com/adchat/adchat/internal/outbox"
	"github.com/adchat/adchat/internal/presence"
	"github.com/adchat/adchat/internal/realtime"
	"github.com/adchat/adchat/internal/rest"
	"github.com/adchat/adchat/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrBlocked is returned synchronously by SendMessage when the user
	// has blocked the counterpart. No network call is made.
	ErrBlocked = errors.New("sync: you blocked this user")
	// ErrNoSelection is returned by operations that need a selected conversation.
	ErrNoSelection = errors.New("sync: no conversation selected")
	// ErrEmptyMessage is returned for a send with no text and no attachment.
	ErrEmptyMessage = errors.New("sync: empty message")
	// ErrSendInFlight is returned when retrying a message whose send has
	// not resolved yet.
	ErrSendInFlight = errors.New("sync: send already in flight")
)

const (
	// bufferCap bounds the per-conversation queue of stream events held
	// for conversations whose history has not been fetched yet.
	bufferCap = 64
	// bufferWindow is how long a buffered event waits to be claimed.
	bufferWindow = 2 * time.Minute
)

// Transport is the subset of the REST client the controller drives
// directly. Sending goes through the outbox instead.
type Transport interface {
	ListChats(ctx context.Context, limit, page int) ([]rest.Conversation, error)
	OpenChat(ctx context.Context, adID string) (*rest.Conversation, error)
	DeleteChat(ctx context.Context, chatID string) error
	ListMessages(ctx context.Context, chatID string, limit, page int, search string) ([]rest.Message, error)
	BlockUser(ctx context.Context, userID string) (*rest.Relationship, error)
	UnblockUser(ctx context.Context, userID string) (*rest.Relationship, error)
}

// ConversationView is a read-only conversation snapshot with the derived
// presence and block state merged in.
type ConversationView struct {
	cache.Conversation
	Online     bool
	LastSeen   time.Time
	BlockState block.State
}

type bufferedEvent struct {
	msg cache.Message
	at  time.Time
}

// Controller orchestrates the cache, transport, presence tracker, block
// machine and outbox. All cache writes flow through it.
type Controller struct {
	client   Transport
	cache    *cache.Cache
	db       *store.DB
	presence *presence.Tracker
	blocks   *block.Machine
	bus      *bus.Bus
	logger   *zap.Logger

	chatPageSize int
	msgPageSize  int

	mu       sync.Mutex
	selected string
	fetchGen int
	// pages and hasMore track pagination per conversation id; the chat
	// list uses the reserved key "".
	pages    map[string]int
	hasMore  map[string]bool
	inflight map[string]bool
	buffered map[string][]bufferedEvent

	cancel context.CancelFunc
}

// NewController creates a controller. Start must be called before use.
func NewController(client Transport, c *cache.Cache, db *store.DB, pt *presence.Tracker, bm *block.Machine, b *bus.Bus, chatPageSize, msgPageSize int, logger *zap.Logger) *Controller {
	return &Controller{
		client:       client,
		cache:        c,
		db:           db,
		presence:     pt,
		blocks:       bm,
		bus:          b,
		logger:       logger,
		chatPageSize: chatPageSize,
		msgPageSize:  msgPageSize,
		pages:        make(map[string]int),
		hasMore:      make(map[string]bool),
		inflight:     make(map[string]bool),
		buffered:     make(map[string][]bufferedEvent),
	}
}

// Start loads the persisted snapshot and begins consuming bus events.
func (ctl *Controller) Start(ctx context.Context) {
	ctx, ctl.cancel = context.WithCancel(ctx)

	ctl.loadSnapshot()

	ch, unsub := ctl.bus.Subscribe("stream.", 256)
	obCh, obUnsub := ctl.bus.Subscribe("outbox.", 256)
	sessCh, sessUnsub := ctl.bus.Subscribe("session.logged_out", 8)

	go func() {
		defer unsub()
		defer obUnsub()
		defer sessUnsub()
		for {
			select {
			case evt := <-ch:
				ctl.handleStreamEvent(ctx, evt)
			case evt := <-obCh:
				ctl.handleOutboxEvent(evt)
			case <-sessCh:
				ctl.resetAll()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the event loop.
func (ctl *Controller) Stop() {
	if ctl.cancel != nil {
		ctl.cancel()
	}
}

// loadSnapshot warms the cache from the persisted chat list and rebuilds
// optimistic messages for journaled sends that never completed.
func (ctl *Controller) loadSnapshot() {
	chats, err := ctl.db.ListChats(500, 0)
	if err != nil {
		ctl.logger.Warn("failed to load chat snapshot", zap.Error(err))
	}
	for _, c := range chats {
		ctl.cache.UpsertConversation(cache.Conversation{
			ID:                 c.ID,
			AdID:               c.AdID,
			CounterpartID:      c.CounterpartID,
			CounterpartName:    c.CounterpartName,
			CounterpartAvatar:  c.CounterpartAvatar,
			LastMessagePreview: c.LastMessagePreview,
			LastMessageAt:      c.LastMessageAt,
		})
	}

	unsent, err := ctl.db.UnsentOutbox()
	if err != nil {
		ctl.logger.Warn("failed to load outbox", zap.Error(err))
		return
	}
	for _, e := range unsent {
		state := cache.Pending
		if e.Status == "failed" {
			state = cache.Failed
		} else if e.Status == "sending" {
			// Interrupted mid-send on a previous run; queue it again.
			if err := ctl.db.RequeueOutbox(e.TempID); err != nil {
				ctl.logger.Warn("failed to requeue interrupted send", zap.Error(err), zap.String("temp_id", e.TempID))
			}
		}
		ctl.cache.AppendOrReconcileMessage(e.ChatID, cache.Message{
			TempID:         e.TempID,
			ConversationID: e.ChatID,
			Sender:         cache.Self,
			Body:           e.Body,
			CreatedAt:      e.CreatedAt,
			State:          state,
		})
	}
}

func (ctl *Controller) handleStreamEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "stream.connected":
		// No ordering is assumed across a reconnect boundary: the next
		// fetch is authoritative and merged, never appended blindly.
		go ctl.refetchAfterConnect(ctx)

	case "stream.message_created":
		mc, ok := evt.Payload.(realtime.MessageCreated)
		if !ok {
			return
		}
		ctl.applyIncomingMessage(mc.ConversationID, toCacheMessage(mc.ConversationID, mc.Message))

	case "stream.presence_changed":
		pc, ok := evt.Payload.(realtime.PresenceChanged)
		if !ok {
			return
		}
		var lastSeen time.Time
		if pc.LastSeenAt > 0 {
			lastSeen = time.UnixMilli(pc.LastSeenAt)
		}
		ctl.presence.Set(pc.UserID, pc.Online, lastSeen)
		ctl.bus.Publish(bus.NewEvent("sync.presence_changed", pc.UserID))

	case "stream.relationship_changed":
		rc, ok := evt.Payload.(realtime.RelationshipChanged)
		if !ok {
			return
		}
		// Flags are applied only when the server declared them.
		if rc.YouBlocked != nil {
			ctl.blocks.SetYouBlocked(rc.ConversationID, *rc.YouBlocked)
		}
		if rc.TheyBlockedYou != nil {
			ctl.blocks.SetTheyBlockedYou(rc.ConversationID, *rc.TheyBlockedYou)
		}
		ctl.bus.Publish(bus.NewEvent("sync.block_changed", rc.ConversationID))
	}
}

func (ctl *Controller) handleOutboxEvent(evt bus.Event) {
	switch evt.Kind {
	case "outbox.send_ack":
		ack, ok := evt.Payload.(outbox.SendAck)
		if !ok {
			return
		}
		msg := toCacheMessage(ack.ChatID, ack.Message)
		ctl.cache.ReconcileMessage(ack.ChatID, ack.TempID, msg)
		ctl.touchConversation(ack.ChatID, msg)

	case "outbox.send_failed":
		f, ok := evt.Payload.(outbox.SendFailure)
		if !ok {
			return
		}
		ctl.cache.MarkFailed(f.ChatID, f.TempID)
	}
}

// applyIncomingMessage merges a live message, or buffers it when the
// conversation's history has not been fetched yet.
func (ctl *Controller) applyIncomingMessage(convID string, msg cache.Message) {
	if ctl.cache.HasHistory(convID) {
		ctl.cache.AppendOrReconcileMessage(convID, msg)
		ctl.touchConversation(convID, msg)
		return
	}

	ctl.mu.Lock()
	q := ctl.buffered[convID]
	now := time.Now()
	// Drop entries that were never claimed within the window.
	for len(q) > 0 && now.Sub(q[0].at) > bufferWindow {
		q = q[1:]
	}
	if len(q) < bufferCap {
		q = append(q, bufferedEvent{msg: msg, at: now})
	}
	ctl.buffered[convID] = q
	ctl.mu.Unlock()

	// The chat list entry still advances even though the message body
	// waits for a history fetch.
	if _, known := ctl.cache.Conversation(convID); known {
		ctl.touchConversation(convID, msg)
	}
}

// replayBuffered applies buffered stream events for a conversation after
// its first history fetch, in arrival order.
func (ctl *Controller) replayBuffered(convID string) {
	ctl.mu.Lock()
	q := ctl.buffered[convID]
	delete(ctl.buffered, convID)
	ctl.mu.Unlock()

	now := time.Now()
	for _, be := range q {
		if now.Sub(be.at) > bufferWindow {
			continue
		}
		ctl.cache.AppendOrReconcileMessage(convID, be.msg)
	}
}

// touchConversation advances the chat-list entry for a new message and
// persists the snapshot row.
func (ctl *Controller) touchConversation(convID string, msg cache.Message) {
	preview := truncate(msg.Body, 100)
	if preview == "" && msg.Attachment != nil {
		preview = "[attachment]"
	}
	ctl.cache.UpsertConversation(cache.Conversation{
		ID:                 convID,
		LastMessagePreview: preview,
		LastMessageAt:      msg.CreatedAt,
	})
	if err := ctl.db.UpsertChat(&store.Chat{
		ID:                 convID,
		LastMessagePreview: preview,
		LastMessageAt:      msg.CreatedAt,
	}); err != nil {
		ctl.logger.Warn("failed to persist chat", zap.Error(err), zap.String("chat_id", convID))
	}
}

// refetchAfterConnect re-reads the first chat page and, when a
// conversation is selected, its first message page.
func (ctl *Controller) refetchAfterConnect(ctx context.Context) {
	if err := ctl.RefreshChats(ctx); err != nil {
		ctl.logger.Warn("post-connect chat refresh failed", zap.Error(err))
	}

	ctl.mu.Lock()
	selected := ctl.selected
	ctl.mu.Unlock()
	if selected == "" {
		return
	}
	if err := ctl.fetchMessagePage(ctx, selected, 1); err != nil {
		ctl.logger.Warn("post-connect message refresh failed", zap.Error(err), zap.String("chat_id", selected))
	}
}

func (ctl *Controller) resetAll() {
	ctl.mu.Lock()
	ctl.selected = ""
	ctl.fetchGen++
	ctl.pages = make(map[string]int)
	ctl.hasMore = make(map[string]bool)
	ctl.inflight = make(map[string]bool)
	ctl.buffered = make(map[string][]bufferedEvent)
	ctl.mu.Unlock()
	ctl.cache.Reset()
	ctl.presence.Reset()
	ctl.blocks.Reset()
}

func toCacheMessage(convID string, m rest.Message) cache.Message {
	role := cache.Counterpart
	if m.FromMe {
		role = cache.Self
	}
	out := cache.Message{
		ID:             m.ID,
		TempID:         m.ClientRef,
		ConversationID: convID,
		Sender:         role,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
		State:          cache.Sent,
		Seen:           m.Seen,
	}
	if m.Attachment != nil {
		out.Attachment = &cache.Attachment{
			ID:       m.Attachment.ID,
			URL:      m.Attachment.URL,
			ThumbURL: m.Attachment.ThumbURL,
		}
	}
	return out
}

func toCacheConversation(c rest.Conversation) cache.Conversation {
	return cache.Conversation{
		ID:                 c.ID,
		AdID:               c.AdID,
		CounterpartID:      c.User.ID,
		CounterpartName:    c.User.Name,
		CounterpartAvatar:  c.User.Avatar,
		LastMessagePreview: truncate(c.LastMessage.Text, 100),
		LastMessageAt:      c.LastMessage.CreatedAt,
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Back up to a rune boundary so the cut never splits a code point.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
