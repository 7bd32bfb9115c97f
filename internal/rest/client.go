package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adchat/adchat/internal/session"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// Client is a stateless REST wrapper for the marketplace chat endpoints.
// Every request carries the session bearer token and the locale header.
type Client struct {
	baseURL string
	locale  string
	tokens  session.TokenSource
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a transport client against baseURL.
func NewClient(baseURL, locale string, tokens session.TokenSource, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		locale:  locale,
		tokens:  tokens,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// do issues a request and decodes the uniform envelope into out (which may
// be nil for ack-only endpoints). A success:false envelope becomes a
// KindServer error; op names the operation for error context.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Err: err}
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return &Error{Kind: KindAuth, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept-Language", c.locale)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &Error{Kind: KindAuth, Op: op, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}

	var env struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return &Error{Kind: KindServer, Op: op, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if resp.StatusCode == http.StatusConflict {
		// "Already exists". The payload still carries the existing entity,
		// so decode it before reporting the conflict to the caller.
		if out != nil && len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, out)
		}
		return &Error{Kind: KindConflict, Op: op, Message: env.Message}
	}
	if !env.Success {
		return &Error{Kind: KindServer, Op: op, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Kind: KindServer, Op: op, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Err: err}
	}
	return c.do(ctx, op, http.MethodPost, path, nil, bytes.NewReader(body), "application/json", out)
}
