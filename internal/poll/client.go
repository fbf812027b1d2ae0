package poll

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goodtune/kbilling/internal/session"
	"github.com/goodtune/kbilling/internal/wire"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single poll or heartbeat request.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnavailable means the server could not be asked: transport errors,
	// timeouts and unexpected status codes.
	ErrUnavailable = errors.New("poll: server unavailable")

	// ErrMalformed means the server answered with a body that cannot be read.
	ErrMalformed = errors.New("poll: malformed response")
)

// envelope is the response wrapper used by every billing API endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    wire.RawMessage `json:"data"`
}

type sessionPayload struct {
	SessionID        wire.Number `json:"session_id"`
	DeviceID         wire.Text   `json:"device_id"`
	CustomerName     string      `json:"customer_name"`
	PackageName      string      `json:"package_name"`
	DurationMinutes  wire.Number `json:"duration_minutes"`
	RemainingMinutes wire.Number `json:"remaining_minutes"`
	Status           string      `json:"status"`
}

type heartbeatRequest struct {
	DeviceName     string `json:"device_name"`
	DeviceLocation string `json:"device_location"`
}

// Client talks to the billing server REST API.
type Client struct {
	client *resty.Client
	logger zerolog.Logger
}

// NewClient creates an API client rooted at baseURL (e.g. http://host:3000/api).
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(wire.Json.Marshal).
		SetJSONUnmarshaler(wire.Json.Unmarshal)

	return &Client{
		client: client,
		logger: logger.With().Str("component", "poll-client").Logger(),
	}
}

// ActiveSession asks the server for the active session of deviceID. It
// returns (nil, nil) when the server reports that none exists.
func (c *Client) ActiveSession(ctx context.Context, deviceID string) (*session.Session, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("deviceId", deviceID).
		Get("/tv/active-session/{deviceId}")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var env envelope
	decodeErr := wire.Json.Unmarshal(res.Body(), &env)

	switch {
	case res.StatusCode() == http.StatusNotFound:
		// Some deployments answer 404 when the device has nothing running
		if decodeErr == nil && !env.Success && env.Data.IsNull() {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, res.Status())
	case res.IsError() || res.StatusCode() >= http.StatusMultipleChoices:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, res.Status())
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, decodeErr)
	}
	if env.Data.IsNull() {
		c.logger.Debug().Str("message", env.Message).Msg("Server reports no active session")
		return nil, nil
	}

	var payload sessionPayload
	if err := wire.Json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s := session.Session{
		SessionID:        payload.SessionID.Int(),
		DeviceID:         payload.DeviceID.String(),
		CustomerName:     payload.CustomerName,
		PackageName:      payload.PackageName,
		DurationMinutes:  payload.DurationMinutes.Int(),
		RemainingMinutes: payload.RemainingMinutes.Int(),
		Status:           session.Status(payload.Status),
	}
	if s.Status == "" {
		s.Status = session.StatusActive
	}
	if !payload.RemainingMinutes.Set || !s.Valid() {
		return nil, fmt.Errorf("%w: incomplete session %+v", ErrMalformed, payload)
	}

	return &s, nil
}

// Heartbeat reports that the station is alive.
func (c *Client) Heartbeat(ctx context.Context, deviceID, name, location string) error {
	res, err := c.client.R().
		SetContext(ctx).
		SetPathParam("deviceId", deviceID).
		SetHeader("Content-Type", "application/json").
		SetBody(heartbeatRequest{DeviceName: name, DeviceLocation: location}).
		Post("/tv/heartbeat/{deviceId}")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.IsError() {
		return fmt.Errorf("%w: %s", ErrUnavailable, res.Status())
	}
	return nil
}
