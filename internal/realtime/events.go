package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/adchat/adchat/internal/rest"
	"github.com/tidwall/gjson"
)

// Server event names on the wire.
const (
	wireAuthOK              = "auth.ok"
	wireAuthErr             = "auth.error"
	wireMessageCreated      = "message.created"
	wirePresenceChanged     = "presence.changed"
	wireRelationshipChanged = "relationship.changed"
)

// MessageCreated is the payload for "stream.message_created" bus events.
type MessageCreated struct {
	ConversationID string
	Message        rest.Message
}

// PresenceChanged is the payload for "stream.presence_changed" bus events.
type PresenceChanged struct {
	UserID     string
	Online     bool
	LastSeenAt int64
}

// RelationshipChanged is the payload for "stream.relationship_changed"
// bus events. Nil flags were absent from the event and must not be
// applied; the server only declares the flags that changed.
type RelationshipChanged struct {
	ConversationID string
	YouBlocked     *bool
	TheyBlockedYou *bool
}

// eventName extracts the event name from a raw frame.
func eventName(raw []byte) string {
	return gjson.GetBytes(raw, "event").String()
}

// decodeEvent parses one raw frame into a bus kind and typed payload.
// Unknown event names return ("", nil, nil) and are skipped; a frame
// that names a known event but fails to parse is an error.
func decodeEvent(raw []byte) (kind string, payload any, err error) {
	name := gjson.GetBytes(raw, "event").String()
	data := gjson.GetBytes(raw, "data")

	switch name {
	case wireMessageCreated:
		var msg rest.Message
		if err := json.Unmarshal([]byte(data.Get("message").Raw), &msg); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", name, err)
		}
		convID := data.Get("conversation_id").String()
		if convID == "" {
			convID = msg.ChatID
		}
		return "stream.message_created", MessageCreated{ConversationID: convID, Message: msg}, nil

	case wirePresenceChanged:
		return "stream.presence_changed", PresenceChanged{
			UserID:     data.Get("user_id").String(),
			Online:     data.Get("online").Bool(),
			LastSeenAt: data.Get("last_seen_at").Int(),
		}, nil

	case wireRelationshipChanged:
		evt := RelationshipChanged{ConversationID: data.Get("conversation_id").String()}
		if v := data.Get("you_blocked"); v.Exists() {
			b := v.Bool()
			evt.YouBlocked = &b
		}
		if v := data.Get("they_blocked_you"); v.Exists() {
			b := v.Bool()
			evt.TheyBlockedYou = &b
		}
		return "stream.relationship_changed", evt, nil
	}

	return "", nil, nil
}
