package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adchat/adchat/internal/bus"
	"github.com/adchat/adchat/internal/session"
	"github.com/adchat/adchat/internal/status"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	reconnectMin     = 1 * time.Second
	reconnectMax     = 2 * time.Minute
)

var errAuthRejected = errors.New("realtime: auth rejected by server")

// Conn abstracts the websocket connection so the channel can be tested
// without a real server. *websocket.Conn satisfies it directly.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a connection to the event stream endpoint.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial is the production DialFunc.
func Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Channel manages the single persistent event connection of a session.
// It authenticates at handshake, demultiplexes server events onto the
// bus as "stream.*" and reconnects with capped exponential backoff until
// the context is cancelled (logout or shutdown). The channel is
// receive-only after the handshake; message sending goes over REST.
type Channel struct {
	url     string
	tokens  session.TokenSource
	dial    DialFunc
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
}

// NewChannel creates a channel manager. It does not connect until Run.
func NewChannel(url string, tokens session.TokenSource, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Channel {
	return &Channel{
		url:     url,
		tokens:  tokens,
		dial:    Dial,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Run connects and serves events until ctx is cancelled. It returns nil
// on cancellation and an error only when the token is gone (forced
// logout); transient failures never escape, they feed the backoff loop.
func (c *Channel) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectMin
	bo.MaxInterval = reconnectMax
	bo.MaxElapsedTime = 0 // retry until cancelled

	for {
		if ctx.Err() != nil {
			c.down()
			return nil
		}

		tok, err := c.tokens.Token()
		if err != nil {
			c.down()
			if errors.Is(err, session.ErrNoToken) {
				c.bus.Publish(bus.NewEvent("session.logged_out", nil))
				return err
			}
			return fmt.Errorf("read token: %w", err)
		}

		_ = c.machine.Transition(status.Connecting)
		conn, err := c.connect(ctx, tok)
		if err != nil {
			if ctx.Err() != nil {
				c.down()
				return nil
			}
			if errors.Is(err, errAuthRejected) {
				// Expired or revoked token: propagate upward to force
				// logout, never retry.
				c.down()
				c.bus.Publish(bus.NewEvent("session.logged_out", nil))
				return err
			}
			c.logger.Warn("stream connect failed", zap.Error(err))
			_ = c.machine.Transition(status.Reconnecting)
			if !c.sleep(ctx, bo.NextBackOff()) {
				c.down()
				return nil
			}
			continue
		}

		_ = c.machine.Transition(status.Connected)
		bo.Reset()
		// Ordering holds within this connection only; the controller
		// refetches authoritatively when it sees this event.
		c.bus.Publish(bus.NewEvent("stream.connected", nil))

		err = c.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		c.bus.Publish(bus.NewEvent("stream.disconnected", nil))
		if ctx.Err() != nil {
			c.down()
			return nil
		}
		c.logger.Warn("stream dropped", zap.Error(err))
		_ = c.machine.Transition(status.Degraded)
		_ = c.machine.Transition(status.Reconnecting)
		if !c.sleep(ctx, bo.NextBackOff()) {
			c.down()
			return nil
		}
	}
}

// connect dials and performs the auth handshake: the bearer token is
// presented once per connection, not per message.
func (c *Channel) connect(ctx context.Context, token string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, c.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	frame, err := json.Marshal(map[string]any{
		"event": "auth",
		"data":  map[string]string{"token": token},
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, frame); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send auth: %w", err)
	}

	_, raw, err := conn.Read(dialCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("await auth ack: %w", err)
	}
	switch name := eventName(raw); name {
	case wireAuthOK:
		return conn, nil
	case wireAuthErr:
		_ = conn.Close(websocket.StatusPolicyViolation, "auth rejected")
		return nil, errAuthRejected
	default:
		_ = conn.Close(websocket.StatusProtocolError, "unexpected handshake frame")
		return nil, fmt.Errorf("unexpected handshake frame %q", name)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		kind, payload, err := decodeEvent(raw)
		if err != nil {
			c.logger.Warn("bad stream frame", zap.Error(err))
			continue
		}
		if kind == "" {
			continue
		}
		c.bus.Publish(bus.NewEvent(kind, payload))
	}
}

func (c *Channel) down() {
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
}

// sleep waits d or until ctx is cancelled; returns false on cancellation.
func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
