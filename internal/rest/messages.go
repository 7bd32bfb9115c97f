package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
)

// ListMessages fetches one page of a conversation's history, newest page
// first (same pagination semantics as the chat list). search filters
// server-side and may be empty.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit, page int, search string) ([]Message, error) {
	if chatID == "" {
		return nil, &Error{Kind: KindValidation, Op: "list messages", Message: "chat id required"}
	}
	if limit <= 0 || page <= 0 {
		return nil, &Error{Kind: KindValidation, Op: "list messages", Message: "limit and page must be positive"}
	}
	q := url.Values{}
	q.Set("chat_id", chatID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	if search != "" {
		q.Set("search", search)
	}

	var msgs []Message
	if err := c.do(ctx, "list messages", http.MethodGet, "/messages", q, nil, "", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a message. clientRef is the client-generated temporary
// id; the server echoes it back so the sender can be reconciled against
// the canonical id. attachmentID may be empty.
func (c *Client) SendMessage(ctx context.Context, chatID, body, attachmentID, clientRef string) (*Message, error) {
	if chatID == "" || clientRef == "" {
		return nil, &Error{Kind: KindValidation, Op: "send message", Message: "chat id and client ref required"}
	}
	if body == "" && attachmentID == "" {
		return nil, &Error{Kind: KindValidation, Op: "send message", Message: "empty message"}
	}
	payload := map[string]string{
		"chat_id":    chatID,
		"body":       body,
		"client_ref": clientRef,
	}
	if attachmentID != "" {
		payload["attachment_id"] = attachmentID
	}
	var msg Message
	if err := c.postJSON(ctx, "send message", "/messages", payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UploadAttachment uploads a file for a chat via multipart POST and
// returns the attachment reference used to complete a pending message.
func (c *Client) UploadAttachment(ctx context.Context, chatID, filename string, file io.Reader) (*Attachment, error) {
	if chatID == "" || filename == "" {
		return nil, &Error{Kind: KindValidation, Op: "upload attachment", Message: "chat id and filename required"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: "upload attachment", Err: err}
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "upload attachment", Err: fmt.Errorf("read file: %w", err)}
	}
	if err := w.Close(); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "upload attachment", Err: err}
	}

	var att Attachment
	path := "/chats/" + url.PathEscape(chatID) + "/attachments"
	if err := c.do(ctx, "upload attachment", http.MethodPost, path, nil, &buf, w.FormDataContentType(), &att); err != nil {
		return nil, err
	}
	return &att, nil
}
