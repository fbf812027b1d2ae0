package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/kbilling/internal/device"
	"github.com/goodtune/kbilling/internal/session"
	"github.com/goodtune/kbilling/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type chanSubmitter struct {
	obs chan session.Observation
}

func (s *chanSubmitter) Submit(ctx context.Context, obs session.Observation) error {
	select {
	case s.obs <- obs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newPushServer starts a websocket server that hands every accepted
// connection to handle.
func newPushServer(t *testing.T, handle func(conn *websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connections.Add(1)
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &connections
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		Identity:          device.New("9f3c2a", "", "TV 3", "Lounge"),
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectMaxDelay: 50 * time.Millisecond,
		ReconnectAttempts: 3,
		HandshakeTimeout:  time.Second,
	}
}

func TestClientAuthenticatesAndForwardsEvents(t *testing.T) {
	authFrames := make(chan authFrame, 1)
	url, _ := newPushServer(t, func(conn *websocket.Conn) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame authFrame
		if err := wire.Json.Unmarshal(raw, &frame); err == nil {
			select {
			case authFrames <- frame:
			default:
			}
		}

		frames := []string{
			`{"event":"authenticated","data":{"success":true}}`,
			`{"event":"session_ended","data":`,
			`{"event":"time_added","data":{"device_id":"9f3c2a","additional_minutes":15,"new_duration":75}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Keep the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sub := &chanSubmitter{obs: make(chan session.Observation, 4)}
	client := NewClient(testConfig(url), sub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case frame := <-authFrames:
		if frame.Event != "authenticate" {
			t.Errorf("expected authenticate event, got %q", frame.Event)
		}
		u := frame.Data.User
		if u.ID != "9f3c2a" || u.Username != "android_tv_9f3c2a" || u.Role != "device" || u.DeviceType != "android_tv" || u.AppVersion != "1.0.0" {
			t.Errorf("unexpected auth user %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no authenticate frame received")
	}

	select {
	case obs := <-sub.obs:
		if obs.Kind != session.KindTimeAdded || obs.Minutes != 15 {
			t.Errorf("unexpected observation %+v", obs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no observation forwarded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClientReconnects(t *testing.T) {
	url, connections := newPushServer(t, func(conn *websocket.Conn) {
		// Read the authenticate frame, then drop the connection
		_, _, _ = conn.ReadMessage()
	})

	sub := &chanSubmitter{obs: make(chan session.Observation, 1)}
	client := NewClient(testConfig(url), sub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for connections.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 connections, got %d", connections.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClientStopsWhileServerDown(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	client := NewClient(cfg, &chanSubmitter{obs: make(chan session.Observation)}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := client.Run(ctx); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run took %v to stop", elapsed)
	}
}
