package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/goodtune/kbilling/internal/device"
	"github.com/goodtune/kbilling/internal/metrics"
	"github.com/goodtune/kbilling/internal/session"
	"github.com/goodtune/kbilling/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultReconnectDelay    = time.Second
	DefaultReconnectMaxDelay = 30 * time.Second
	DefaultReconnectAttempts = 10
	DefaultHandshakeTimeout  = 10 * time.Second

	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Submitter accepts observations for reconciliation.
type Submitter interface {
	Submit(ctx context.Context, obs session.Observation) error
}

// Config holds push channel settings.
type Config struct {
	URL               string
	Identity          device.Identity
	AppVersion        string
	DeviceType        string
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectAttempts uint
	HandshakeTimeout  time.Duration
}

// Client keeps a websocket to the billing server open and forwards session
// events as observations. Disconnects never end a session; the poller keeps
// the countdown honest while the channel is down.
type Client struct {
	cfg    Config
	submit Submitter
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewClient creates a push client.
func NewClient(cfg Config, submit Submitter, logger zerolog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "1.0.0"
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = "android_tv"
	}

	return &Client{
		cfg:    cfg,
		submit: submit,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With().Str("component", "push").Str("url", cfg.URL).Logger(),
	}
}

// Run connects, reads events and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info().Msg("Push client started")
	defer metrics.PushConnected.Set(0)

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("Push client stopped")
				return nil
			}
			c.logger.Warn().Err(err).Dur("pause", c.cfg.ReconnectMaxDelay).Msg("Push channel unavailable")
			select {
			case <-ctx.Done():
				c.logger.Info().Msg("Push client stopped")
				return nil
			case <-time.After(c.cfg.ReconnectMaxDelay):
			}
			continue
		}

		err = c.serve(ctx, conn)
		metrics.PushConnected.Set(0)
		if ctx.Err() != nil {
			c.logger.Info().Msg("Push client stopped")
			return nil
		}
		c.logger.Warn().Err(err).Msg("Push channel disconnected")
	}
}

// connect dials with exponential backoff and authenticates.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn

	err := retry.Do(
		func() error {
			ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
			if err != nil {
				return err
			}
			if err := c.authenticate(ws); err != nil {
				_ = ws.Close()
				return err
			}
			conn = ws
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.ReconnectAttempts),
		retry.Delay(c.cfg.ReconnectDelay),
		retry.MaxDelay(c.cfg.ReconnectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			metrics.PushReconnects.Inc()
			c.logger.Debug().Err(err).Uint("attempt", n+1).Msg("Push connect failed, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect push channel: %w", err)
	}

	metrics.PushConnected.Set(1)
	c.logger.Info().Msg("Push channel connected")
	return conn, nil
}

type authUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	AppVersion string `json:"app_version"`
}

type authFrame struct {
	Event string `json:"event"`
	Data  struct {
		User authUser `json:"user"`
	} `json:"data"`
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	var frame authFrame
	frame.Event = EventAuthenticate
	frame.Data.User = authUser{
		ID:         c.cfg.Identity.ID,
		Username:   c.cfg.Identity.Username(),
		Role:       "device",
		DeviceID:   c.cfg.Identity.ID,
		DeviceType: c.cfg.DeviceType,
		AppVersion: c.cfg.AppVersion,
	}

	payload, err := wire.Json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode authenticate frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send authenticate frame: %w", err)
	}
	return nil
}

// serve reads frames until the connection fails or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					c.logger.Debug().Err(err).Msg("Push ping failed")
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := c.dispatch(ctx, raw); err != nil {
			return err
		}
	}
}

// dispatch decodes a frame and submits the observation. It only fails when
// ctx is done.
func (c *Client) dispatch(ctx context.Context, raw []byte) error {
	obs, err := Decode(raw)
	if err != nil {
		metrics.ObservationsDropped.WithLabelValues("malformed").Inc()
		c.logger.Warn().Err(err).Bytes("frame", truncate(raw, 256)).Msg("Dropping malformed push event")
		return nil
	}
	if obs == nil {
		c.logEvent(raw)
		return nil
	}

	metrics.PushEvents.WithLabelValues(obs.Event).Inc()
	c.logger.Debug().
		Str("event", obs.Event).
		Str("device_ref", obs.DeviceRef).
		Int("session_id", obs.SessionID).
		Msg("Push event received")

	if err := c.submit.Submit(ctx, *obs); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		c.logger.Warn().Err(err).Str("event", obs.Event).Msg("Failed to submit push event")
	}
	return nil
}

// logEvent records frames that carry no session information.
func (c *Client) logEvent(raw []byte) {
	var frame Frame
	_ = wire.Json.Unmarshal(raw, &frame)
	metrics.PushEvents.WithLabelValues("other").Inc()

	switch frame.Event {
	case EventAuthenticated:
		c.logger.Info().Msg("Push channel authenticated")
	case EventAuthError:
		c.logger.Error().Str("data", string(frame.Data)).Msg("Push channel authentication rejected")
	default:
		c.logger.Debug().Str("event", frame.Event).Msg("Ignoring push event")
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
