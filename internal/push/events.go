package push

import (
	"errors"
	"fmt"

	"github.com/goodtune/kbilling/internal/session"
	"github.com/goodtune/kbilling/internal/wire"
)

// ErrMalformedEvent is returned for frames that cannot be turned into an
// observation.
var ErrMalformedEvent = errors.New("push: malformed event")

// Event names sent by the billing server.
const (
	EventAuthenticate   = "authenticate"
	EventAuthenticated  = "authenticated"
	EventAuthError      = "auth_error"
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventSessionExpired = "session_expired"
	EventExpiredLegacy  = "sessionExpired"
	EventTimeAdded      = "time_added"
	EventTimerUpdate    = "timer_update"
	EventSessionWarning = "session_warning"
)

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  wire.RawMessage `json:"data"`
}

// eventPayload is the union of the fields used by session events. The server
// mixes snake_case and camelCase between event types.
type eventPayload struct {
	DeviceID      wire.Text   `json:"device_id"`
	DeviceIDCamel wire.Text   `json:"deviceId"`
	DBDeviceID    wire.Number `json:"db_device_id"`

	SessionID      wire.Number `json:"session_id"`
	SessionIDCamel wire.Number `json:"sessionId"`

	CustomerName      string      `json:"customer_name"`
	CustomerNameCamel string      `json:"customerName"`
	PackageName       string      `json:"package_name"`
	PackageNameCamel  string      `json:"packageName"`
	Package           packageInfo `json:"package"`

	DurationMinutes      wire.Number `json:"duration_minutes"`
	DurationMinutesCamel wire.Number `json:"durationMinutes"`
	RemainingMinutes     wire.Number `json:"remaining_minutes"`

	AdditionalMinutes wire.Number `json:"additional_minutes"`
	NewDuration       wire.Number `json:"new_duration"`

	Message string `json:"message"`
}

func (p eventPayload) deviceRef() string {
	if p.DeviceID != "" {
		return p.DeviceID.String()
	}
	return p.DeviceIDCamel.String()
}

func (p eventPayload) sessionID() int {
	if p.SessionID.Set {
		return p.SessionID.Int()
	}
	return p.SessionIDCamel.Int()
}

func (p eventPayload) duration() int {
	switch {
	case p.DurationMinutes.Set:
		return p.DurationMinutes.Int()
	case p.DurationMinutesCamel.Set:
		return p.DurationMinutesCamel.Int()
	}
	return p.Package.DurationMinutes.Int()
}

// packageInfo is the nested package object of session_started. A bare string
// is taken as the package name.
type packageInfo struct {
	Name            string
	DurationMinutes wire.Number
}

func (p *packageInfo) UnmarshalJSON(b []byte) error {
	var name string
	if err := wire.Json.Unmarshal(b, &name); err == nil {
		p.Name = name
		return nil
	}
	var v struct {
		Name                 string      `json:"name"`
		PackageName          string      `json:"package_name"`
		DurationMinutes      wire.Number `json:"duration_minutes"`
		DurationMinutesCamel wire.Number `json:"durationMinutes"`
	}
	if err := wire.Json.Unmarshal(b, &v); err != nil {
		return err
	}
	p.Name = firstNonEmpty(v.Name, v.PackageName)
	p.DurationMinutes = v.DurationMinutes
	if !v.DurationMinutes.Set {
		p.DurationMinutes = v.DurationMinutesCamel
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Decode turns a websocket frame into an observation. It returns (nil, nil)
// for events that carry no session information.
func Decode(raw []byte) (*session.Observation, error) {
	var frame Frame
	if err := wire.Json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if frame.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}

	var kind session.Kind
	switch frame.Event {
	case EventSessionStarted:
		kind = session.KindStarted
	case EventSessionEnded:
		kind = session.KindEnded
	case EventSessionExpired, EventExpiredLegacy:
		kind = session.KindExpired
	case EventTimeAdded:
		kind = session.KindTimeAdded
	case EventTimerUpdate:
		kind = session.KindTimerUpdate
	case EventSessionWarning:
		kind = session.KindWarning
	default:
		return nil, nil
	}

	if frame.Data.IsNull() {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformedEvent, frame.Event)
	}
	var p eventPayload
	if err := wire.Json.Unmarshal(frame.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, frame.Event, err)
	}

	obs := &session.Observation{
		Source:     session.SourcePush,
		Kind:       kind,
		DeviceRef:  p.deviceRef(),
		DBDeviceID: p.DBDeviceID.Int(),
		SessionID:  p.sessionID(),
		Event:      frame.Event,
		Payload:    []byte(frame.Data),
	}
	if obs.DeviceRef == "" {
		return nil, fmt.Errorf("%w: %s without device id", ErrMalformedEvent, frame.Event)
	}

	switch kind {
	case session.KindStarted:
		obs.Session = startedSession(p)

	case session.KindTimeAdded:
		if !p.AdditionalMinutes.Set {
			return nil, fmt.Errorf("%w: time_added without additional_minutes", ErrMalformedEvent)
		}
		obs.Minutes = p.AdditionalMinutes.Int()
		obs.NewDurationMinutes = p.NewDuration.Int()

	case session.KindTimerUpdate:
		if !p.RemainingMinutes.Set {
			return nil, fmt.Errorf("%w: timer_update without remaining_minutes", ErrMalformedEvent)
		}
		obs.Minutes = p.RemainingMinutes.Int()

	case session.KindWarning:
		obs.Minutes = p.RemainingMinutes.Int()
		obs.Message = p.Message
	}

	return obs, nil
}

// startedSession builds a descriptor when the event is complete enough to
// start the countdown without asking the server. Otherwise it returns nil.
func startedSession(p eventPayload) *session.Session {
	s := session.Session{
		SessionID:        p.sessionID(),
		DeviceID:         p.deviceRef(),
		CustomerName:     firstNonEmpty(p.CustomerName, p.CustomerNameCamel),
		PackageName:      firstNonEmpty(p.PackageName, p.PackageNameCamel, p.Package.Name),
		DurationMinutes:  p.duration(),
		RemainingMinutes: p.duration(),
		Status:           session.StatusActive,
	}
	if p.RemainingMinutes.Set {
		s.RemainingMinutes = p.RemainingMinutes.Int()
	}
	if !s.Valid() {
		return nil
	}
	s = s.Normalized()
	return &s
}
