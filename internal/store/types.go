package store

// Chat is a persisted chat-list snapshot row.
type Chat struct {
	ID                 string
	AdID               string
	CounterpartID      string
	CounterpartName    string
	CounterpartAvatar  string
	LastMessagePreview string
	LastMessageAt      int64
}

// OutboxEntry is a journaled outgoing message.
type OutboxEntry struct {
	ID             int64
	TempID         string
	ChatID         string
	Body           string
	AttachmentPath string
	AttachmentID   string
	Status         string // queued, sending, sent, failed
	Attempts       int
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      int64 // unix milliseconds
}
