package rest

// Conversation is a chat list entry as it appears on the wire.
type Conversation struct {
	ID             string      `json:"id"`
	AdID           string      `json:"ad_id"`
	User           Counterpart `json:"user"`
	LastMessage    LastMessage `json:"last_message"`
	Online         bool        `json:"online"`
	LastSeenAt     int64       `json:"last_seen_at"`
	YouBlocked     bool        `json:"you_blocked"`
	TheyBlockedYou bool        `json:"they_blocked_you"`
}

// Counterpart identifies the other party of a conversation.
type Counterpart struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// LastMessage is the preview shown in the chat list.
type LastMessage struct {
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}

// Message is a conversation message as it appears on the wire.
// CreatedAt is unix milliseconds.
type Message struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chat_id"`
	ClientRef  string      `json:"client_ref,omitempty"`
	FromMe     bool        `json:"from_me"`
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	Seen       bool        `json:"seen"`
}

// Attachment is an uploaded file reference.
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	ThumbURL string `json:"thumb_url,omitempty"`
}

// Relationship is the block state acknowledged by block/unblock calls.
type Relationship struct {
	UserID         string `json:"user_id"`
	YouBlocked     bool   `json:"you_blocked"`
	TheyBlockedYou bool   `json:"they_blocked_you"`
}
