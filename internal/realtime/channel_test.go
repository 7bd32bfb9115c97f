package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/adchat/adchat/internal/bus"
	"github.com/adchat/adchat/internal/session"
	"github.com/adchat/adchat/internal/status"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// fakeConn replays scripted frames and records writes.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	writes [][]byte
	closed bool
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return 0, nil, io.EOF
	}
	frame := f.frames[0]
	f.frames = f.frames[1:]
	return websocket.MessageText, frame, nil
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func authOK() []byte { return []byte(`{"event":"auth.ok"}`) }

func newTestChannel(dial DialFunc, b *bus.Bus) (*Channel, *status.Machine) {
	m := status.NewMachine(b)
	c := NewChannel("wss://test/events", session.StaticTokenSource("tok"), b, m, zap.NewNop())
	c.dial = dial
	return c, m
}

func TestHandshakeSendsToken(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{authOK()}}
	b := bus.New()
	c, _ := newTestChannel(func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	}, b)

	got, err := c.connect(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	if got != conn {
		t.Fatal("wrong conn returned")
	}
	if len(conn.writes) != 1 {
		t.Fatalf("wrote %d frames, want 1 auth frame", len(conn.writes))
	}
	var frame struct {
		Event string `json:"event"`
		Data  struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(conn.writes[0], &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Event != "auth" || frame.Data.Token != "tok" {
		t.Errorf("auth frame = %s", conn.writes[0])
	}
}

func TestAuthRejectedForcesLogout(t *testing.T) {
	conn := &fakeConn{frames: [][]byte{[]byte(`{"event":"auth.error"}`)}}
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	c, m := newTestChannel(func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	}, b)

	err := c.Run(context.Background())
	if !errors.Is(err, errAuthRejected) {
		t.Fatalf("err = %v, want auth rejection", err)
	}
	if m.Current() != status.Disconnected {
		t.Errorf("state = %s, want Disconnected", m.Current())
	}
	select {
	case evt := <-ch:
		if evt.Kind != "session.logged_out" {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no logout signal published")
	}
}

func TestMissingTokenStopsChannel(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	c := NewChannel("wss://test", session.StaticTokenSource(""), b, m, zap.NewNop())

	if err := c.Run(context.Background()); !errors.Is(err, session.ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestEventsReachTheBus(t *testing.T) {
	frames := [][]byte{
		authOK(),
		[]byte(`{"event":"message.created","data":{"conversation_id":"c1","message":{"id":"m1","chat_id":"c1","body":"hey","created_at":1}}}`),
		[]byte(`{"event":"presence.changed","data":{"user_id":"u1","online":true}}`),
		[]byte(`{"event":"relationship.changed","data":{"conversation_id":"c1","they_blocked_you":true}}`),
	}
	b := bus.New()
	ch, unsub := b.Subscribe("stream.", 32)
	defer unsub()

	dials := 0
	c, _ := newTestChannel(func(ctx context.Context, url string) (Conn, error) {
		dials++
		if dials > 1 {
			return nil, context.Canceled
		}
		return &fakeConn{frames: frames}, nil
	}, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	want := []string{"stream.connected", "stream.message_created", "stream.presence_changed", "stream.relationship_changed", "stream.disconnected"}
	for _, k := range want {
		select {
		case evt := <-ch:
			if evt.Kind != k {
				t.Errorf("got %q, want %q", evt.Kind, k)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %q", k)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("stream.connected", 8)
	defer unsub()

	var mu sync.Mutex
	dials := 0
	c, m := newTestChannel(func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 2 {
			// One failed dial between the two successful connections.
			return nil, errors.New("connection refused")
		}
		return &fakeConn{frames: [][]byte{authOK()}}, nil
	}, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(10 * time.Second):
			t.Fatalf("timeout waiting for connection %d", i+1)
		}
	}

	cancel()
	<-done
	if m.Current() != status.Disconnected {
		t.Errorf("state = %s, want Disconnected after shutdown", m.Current())
	}
	mu.Lock()
	if dials < 3 {
		t.Errorf("dials = %d, want at least 3 (connect, fail, reconnect)", dials)
	}
	mu.Unlock()
}
