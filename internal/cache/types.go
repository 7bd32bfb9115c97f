package cache

// SenderRole distinguishes the two sides of a conversation without
// leaking raw user ids into rendering code.
type SenderRole string

const (
	Self        SenderRole = "self"
	Counterpart SenderRole = "counterpart"
)

// DeliveryState is the lifecycle of an outgoing message.
type DeliveryState string

const (
	Pending DeliveryState = "pending"
	Sent    DeliveryState = "sent"
	Failed  DeliveryState = "failed"
)

// Conversation is a chat list entry. Online and block flags are derived
// state owned by the presence tracker and block machine; they are merged
// into snapshots by the controller, never stored here.
type Conversation struct {
	ID                 string
	AdID               string
	CounterpartID      string
	CounterpartName    string
	CounterpartAvatar  string
	LastMessagePreview string
	LastMessageAt      int64 // unix milliseconds
}

// Attachment is a server-side file reference carried by a message.
type Attachment struct {
	ID       string
	URL      string
	ThumbURL string
}

// Message is one entry of a conversation's message list. ID is the
// canonical server id, empty while the message is still in flight;
// TempID is the client-generated placeholder assigned at creation.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	Sender         SenderRole
	Body           string
	Attachment     *Attachment
	CreatedAt      int64 // unix milliseconds
	State          DeliveryState
	Seen           bool
}
