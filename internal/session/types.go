package session

import "time"

// Status is the server-side lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

// Known reports whether s is one of the statuses the server emits.
func (s Status) Known() bool {
	switch s {
	case StatusActive, StatusEnded, StatusExpired:
		return true
	}
	return false
}

// Session is one paid interval of access on a device as reported by the server.
type Session struct {
	SessionID        int       `json:"session_id"`
	DeviceID         string    `json:"device_id"`
	CustomerName     string    `json:"customer_name"`
	PackageName      string    `json:"package_name"`
	DurationMinutes  int       `json:"duration_minutes"`
	RemainingMinutes int       `json:"remaining_minutes"`
	Status           Status    `json:"status"`
	ObservedAt       time.Time `json:"observed_at"`
}

// Valid reports whether s is a fully populated descriptor. Partial payloads
// carry no information and must never drive a transition.
func (s Session) Valid() bool {
	return s.SessionID > 0 &&
		s.DurationMinutes > 0 &&
		s.RemainingMinutes >= 0 &&
		s.Status.Known()
}

// Startable reports whether s may begin local access.
func (s Session) Startable() bool {
	return s.Valid() && s.Status == StatusActive && s.RemainingMinutes > 0
}

// Normalized returns a copy with RemainingMinutes clamped to DurationMinutes.
func (s Session) Normalized() Session {
	if s.RemainingMinutes > s.DurationMinutes {
		s.RemainingMinutes = s.DurationMinutes
	}
	if s.RemainingMinutes < 0 {
		s.RemainingMinutes = 0
	}
	return s
}

// DurationSeconds is the upper bound for the local countdown.
func (s Session) DurationSeconds() int {
	return s.DurationMinutes * 60
}

// Phase is the client-side state of the countdown.
type Phase string

const (
	PhaseNoSession Phase = "no_session"
	PhaseActive    Phase = "active"
	PhaseExpiring  Phase = "expiring"
	PhaseEnded     Phase = "ended"
)

// Running reports whether p grants access.
func (p Phase) Running() bool {
	return p == PhaseActive || p == PhaseExpiring
}

// Code maps the phase to a stable number for gauges.
func (p Phase) Code() float64 {
	switch p {
	case PhaseActive:
		return 1
	case PhaseExpiring:
		return 2
	case PhaseEnded:
		return 3
	}
	return 0
}

// State is the client's view of the current session.
type State struct {
	Phase            Phase        `json:"phase"`
	Current          *Session     `json:"current,omitempty"`
	RemainingSeconds int          `json:"remaining_seconds"`
	LastSyncAt       time.Time    `json:"last_sync_at"`
	Fired            map[int]bool `json:"fired_thresholds,omitempty"`
	AbsentPolls      int          `json:"absent_polls"`
	FirstAbsentAt    time.Time    `json:"first_absent_at"`
	LastTopUpAt      time.Time    `json:"last_top_up_at"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	if s.Current != nil {
		cur := *s.Current
		out.Current = &cur
	}
	out.Fired = make(map[int]bool, len(s.Fired))
	for k, v := range s.Fired {
		out.Fired[k] = v
	}
	return out
}

// Source identifies the producer of an observation.
type Source string

const (
	SourceTick Source = "tick"
	SourcePoll Source = "poll"
	SourcePush Source = "push"
)

// Kind identifies what an observation reports.
type Kind string

const (
	KindTick        Kind = "tick"
	KindSnapshot    Kind = "snapshot"
	KindStarted     Kind = "session_started"
	KindEnded       Kind = "session_ended"
	KindExpired     Kind = "session_expired"
	KindTimeAdded   Kind = "time_added"
	KindTimerUpdate Kind = "timer_update"
	KindWarning     Kind = "session_warning"
)

// Observation is one input to the state machine. Only the fields relevant to
// Kind are populated.
type Observation struct {
	Source Source
	Kind   Kind
	At     time.Time

	// Session is the reported descriptor for snapshots and starts. A nil
	// Session on a poll snapshot means the server has no active session.
	Session *Session

	// DeviceRef is the device reference a push event was addressed to.
	DeviceRef string
	// DBDeviceID is the numeric device row id carried by session_started.
	DBDeviceID int
	// SessionID is the session a push event refers to, 0 when absent.
	SessionID int
	// Minutes is the added minutes for time_added and the remaining minutes
	// for timer_update and session_warning.
	Minutes            int
	NewDurationMinutes int
	Message            string

	// Event and Payload hold the raw push frame for deduplication.
	Event   string
	Payload []byte
}

// EffectType names a side effect emitted by a transition.
type EffectType string

const (
	EffectSessionStarted EffectType = "session_started"
	EffectSessionEnded   EffectType = "session_ended"
	EffectTimeAdded      EffectType = "time_added"
	EffectWarning        EffectType = "warning"
	EffectServerWarning  EffectType = "server_warning"
	EffectPollRequested  EffectType = "poll_requested"
)

// EndReason explains why a session ended locally.
type EndReason string

const (
	ReasonExpired    EndReason = "expired"
	ReasonTerminated EndReason = "terminated"
	ReasonReplaced   EndReason = "replaced"
)

// Effect is a side effect for the engine to dispatch after a transition.
type Effect struct {
	Type EffectType
	// Session is a copy of the session the effect concerns.
	Session          *Session
	Reason           EndReason
	Seconds          int
	Threshold        int
	Message          string
	RemainingSeconds int
	At               time.Time
}
