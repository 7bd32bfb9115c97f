package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// ListChats fetches one page of the chat list. Page numbering starts at 1.
// The server ordering is not guaranteed stable; callers re-sort by last
// message time.
func (c *Client) ListChats(ctx context.Context, limit, page int) ([]Conversation, error) {
	if limit <= 0 || page <= 0 {
		return nil, &Error{Kind: KindValidation, Op: "list chats", Message: "limit and page must be positive"}
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))

	var convs []Conversation
	if err := c.do(ctx, "list chats", http.MethodGet, "/chats", q, nil, "", &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// OpenChat creates (or finds) the conversation for an ad. The server's
// conflict response for an already-open chat is normalized to success:
// opening an existing conversation is idempotent.
func (c *Client) OpenChat(ctx context.Context, adID string) (*Conversation, error) {
	if adID == "" {
		return nil, &Error{Kind: KindValidation, Op: "open chat", Message: "ad id required"}
	}
	var conv Conversation
	err := c.postJSON(ctx, "open chat", "/chats/open", map[string]string{"ad_id": adID}, &conv)
	if err != nil && KindOf(err) != KindConflict {
		return nil, err
	}
	return &conv, nil
}

// DeleteChat removes a conversation server-side.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return &Error{Kind: KindValidation, Op: "delete chat", Message: "chat id required"}
	}
	return c.do(ctx, "delete chat", http.MethodDelete, "/chats/"+url.PathEscape(chatID), nil, nil, "", nil)
}
