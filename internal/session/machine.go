package session

import (
	"sort"
	"time"
)

const (
	// DefaultDriftTolerance is the largest disagreement with a server value
	// that is left uncorrected.
	DefaultDriftTolerance = 60 * time.Second

	// DefaultAbsenceConfirmations is the number of consecutive "no active
	// session" polls needed to end an active session.
	DefaultAbsenceConfirmations = 2

	// DefaultAbsenceWindow is the least time between the first "no active
	// session" poll and the one that confirms it.
	DefaultAbsenceWindow = 5 * time.Second

	// DefaultTopUpGrace is how long after a top-up a timer broadcast may not
	// lower the countdown.
	DefaultTopUpGrace = 5 * time.Second

	// minuteWindow is the spread of second values consistent with one
	// floored minute value.
	minuteWindow = 59
)

// DefaultThresholds are the warning points in seconds.
var DefaultThresholds = []int{300, 60}

// Config holds state machine tuning.
type Config struct {
	Thresholds           []int
	DriftTolerance       time.Duration
	AbsenceConfirmations int
	AbsenceWindow        time.Duration
	TopUpGrace           time.Duration
}

// Machine is the session/timer state machine. It is not safe for concurrent
// use; the reconciliation engine owns it.
type Machine struct {
	thresholds   []int // descending
	drift        int
	confirmAfter int
	absentWindow time.Duration
	grace        time.Duration
	state        State
}

// NewMachine creates a machine in the NoSession phase.
func NewMachine(cfg Config) *Machine {
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultThresholds
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = DefaultDriftTolerance
	}
	if cfg.AbsenceConfirmations <= 0 {
		cfg.AbsenceConfirmations = DefaultAbsenceConfirmations
	}
	if cfg.AbsenceWindow <= 0 {
		cfg.AbsenceWindow = DefaultAbsenceWindow
	}
	// A negative grace disables it.
	switch {
	case cfg.TopUpGrace == 0:
		cfg.TopUpGrace = DefaultTopUpGrace
	case cfg.TopUpGrace < 0:
		cfg.TopUpGrace = 0
	}

	thresholds := make([]int, 0, len(cfg.Thresholds))
	for _, t := range cfg.Thresholds {
		if t > 0 {
			thresholds = append(thresholds, t)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(thresholds)))

	return &Machine{
		thresholds:   thresholds,
		drift:        int(cfg.DriftTolerance / time.Second),
		confirmAfter: cfg.AbsenceConfirmations,
		absentWindow: cfg.AbsenceWindow,
		grace:        cfg.TopUpGrace,
		state:        State{Phase: PhaseNoSession, Fired: map[int]bool{}},
	}
}

// Thresholds returns the warning thresholds in descending order.
func (m *Machine) Thresholds() []int {
	return append([]int(nil), m.thresholds...)
}

// State returns a deep copy of the current state.
func (m *Machine) State() State {
	return m.state.Clone()
}

// Apply feeds one observation through the machine and returns the resulting
// effects in the order they happened.
func (m *Machine) Apply(obs Observation) []Effect {
	switch obs.Kind {
	case KindTick:
		if !m.running() {
			return nil
		}
		return m.setRemaining(m.state.RemainingSeconds-1, obs.At)
	case KindSnapshot:
		return m.applySnapshot(obs)
	case KindStarted:
		return m.applyStarted(obs)
	case KindEnded, KindExpired:
		return m.applyEnded(obs)
	case KindTimeAdded:
		return m.applyTimeAdded(obs)
	case KindTimerUpdate:
		return m.applyTimerUpdate(obs)
	case KindWarning:
		return m.applyWarning(obs)
	}
	return nil
}

func (m *Machine) running() bool {
	return m.state.Phase.Running() && m.state.Current != nil
}

func (m *Machine) applySnapshot(obs Observation) []Effect {
	s := obs.Session
	if s != nil && !s.Valid() {
		return nil
	}
	m.state.LastSyncAt = obs.At

	if !m.running() {
		if s != nil && s.Startable() {
			return m.start(*s, obs.At)
		}
		return nil
	}

	cur := m.state.Current
	if s != nil && s.SessionID != cur.SessionID && s.Status != StatusActive {
		// A finished record of some other session says nothing about ours.
		s = nil
	}

	if s == nil {
		// Only a later scheduled poll, at least absentWindow after the first
		// empty one, can confirm absence.
		if m.state.AbsentPolls == 0 {
			m.state.FirstAbsentAt = obs.At
		}
		m.state.AbsentPolls++
		if m.state.AbsentPolls >= m.confirmAfter && obs.At.Sub(m.state.FirstAbsentAt) >= m.absentWindow {
			return m.end(ReasonTerminated, obs.At)
		}
		return nil
	}
	m.state.AbsentPolls = 0
	m.state.FirstAbsentAt = time.Time{}

	if s.SessionID != cur.SessionID {
		return m.replace(*s, obs.At)
	}

	switch s.Status {
	case StatusEnded:
		return m.end(ReasonTerminated, obs.At)
	case StatusExpired:
		return m.end(ReasonExpired, obs.At)
	}

	m.adopt(*s)
	local := m.state.RemainingSeconds
	server := s.Normalized().RemainingMinutes * 60
	switch {
	case server-local > m.drift:
		return m.topUp(server, obs.At)
	case local-server > m.drift:
		return m.setRemaining(server, obs.At)
	}
	// Duration may have shrunk underneath the countdown.
	return m.setRemaining(local, obs.At)
}

func (m *Machine) applyStarted(obs Observation) []Effect {
	s := obs.Session
	if s == nil || !s.Startable() {
		return []Effect{{Type: EffectPollRequested, At: obs.At}}
	}
	m.state.LastSyncAt = obs.At

	if !m.running() {
		return m.start(*s, obs.At)
	}
	if s.SessionID == m.state.Current.SessionID {
		return nil
	}
	return m.replace(*s, obs.At)
}

func (m *Machine) applyEnded(obs Observation) []Effect {
	if !m.running() {
		return nil
	}
	if obs.SessionID != 0 && obs.SessionID != m.state.Current.SessionID {
		return nil
	}
	m.state.LastSyncAt = obs.At
	if obs.Kind == KindExpired {
		return m.end(ReasonExpired, obs.At)
	}
	return m.end(ReasonTerminated, obs.At)
}

func (m *Machine) applyTimeAdded(obs Observation) []Effect {
	if !m.running() {
		return []Effect{{Type: EffectPollRequested, At: obs.At}}
	}
	if obs.SessionID != 0 && obs.SessionID != m.state.Current.SessionID {
		return []Effect{{Type: EffectPollRequested, At: obs.At}}
	}
	if obs.Minutes <= 0 {
		return nil
	}
	m.state.LastSyncAt = obs.At

	cur := m.state.Current
	if obs.NewDurationMinutes > 0 && obs.NewDurationMinutes <= cur.DurationMinutes {
		// A poll already carried this top-up.
		return nil
	}
	duration := cur.DurationMinutes + obs.Minutes
	if obs.NewDurationMinutes > 0 {
		duration = obs.NewDurationMinutes
	}
	if duration > cur.DurationMinutes {
		cur.DurationMinutes = duration
	}
	return m.topUp(m.state.RemainingSeconds+obs.Minutes*60, obs.At)
}

func (m *Machine) applyTimerUpdate(obs Observation) []Effect {
	if !m.running() {
		return []Effect{{Type: EffectPollRequested, At: obs.At}}
	}
	if obs.Minutes < 0 {
		return nil
	}
	m.state.LastSyncAt = obs.At

	local := m.state.RemainingSeconds
	low := obs.Minutes * 60
	high := low + minuteWindow

	switch {
	case local > high:
		if m.inTopUpGrace(obs.At) {
			return nil
		}
		return m.setRemaining(low, obs.At)
	case low-local > m.drift:
		return m.topUp(low, obs.At)
	}
	return nil
}

func (m *Machine) applyWarning(obs Observation) []Effect {
	if !m.running() {
		return []Effect{{Type: EffectPollRequested, At: obs.At}}
	}
	seconds := obs.Minutes * 60
	for _, t := range m.thresholds {
		if t == seconds {
			m.state.Fired[t] = true
		}
	}
	msg := obs.Message
	if msg == "" {
		msg = "Session warning"
	}
	return []Effect{{
		Type:             EffectServerWarning,
		Session:          m.currentCopy(),
		Message:          msg,
		RemainingSeconds: m.state.RemainingSeconds,
		At:               obs.At,
	}}
}

func (m *Machine) inTopUpGrace(at time.Time) bool {
	if m.grace <= 0 || m.state.LastTopUpAt.IsZero() {
		return false
	}
	return at.Sub(m.state.LastTopUpAt) < m.grace
}

// adopt takes over server descriptor fields without touching the countdown.
func (m *Machine) adopt(s Session) {
	cur := m.state.Current
	cur.DurationMinutes = s.DurationMinutes
	cur.RemainingMinutes = s.Normalized().RemainingMinutes
	cur.Status = s.Status
	cur.ObservedAt = s.ObservedAt
	if s.CustomerName != "" {
		cur.CustomerName = s.CustomerName
	}
	if s.PackageName != "" {
		cur.PackageName = s.PackageName
	}
}

func (m *Machine) start(s Session, at time.Time) []Effect {
	s = s.Normalized()
	remaining := s.RemainingMinutes * 60

	m.state = State{
		Phase:            PhaseActive,
		Current:          &s,
		RemainingSeconds: remaining,
		LastSyncAt:       at,
		Fired:            map[int]bool{},
	}
	// Warnings for points already behind us are never shown.
	for _, t := range m.thresholds {
		if t >= remaining {
			m.state.Fired[t] = true
		}
	}
	m.updatePhase()

	return []Effect{{
		Type:             EffectSessionStarted,
		Session:          m.currentCopy(),
		RemainingSeconds: remaining,
		At:               at,
	}}
}

func (m *Machine) replace(s Session, at time.Time) []Effect {
	if !s.Startable() {
		return m.end(ReasonTerminated, at)
	}
	effects := m.end(ReasonReplaced, at)
	return append(effects, m.start(s, at)...)
}

func (m *Machine) end(reason EndReason, at time.Time) []Effect {
	effect := Effect{
		Type:             EffectSessionEnded,
		Session:          m.currentCopy(),
		Reason:           reason,
		RemainingSeconds: m.state.RemainingSeconds,
		At:               at,
	}
	m.state = State{
		Phase:      PhaseNoSession,
		LastSyncAt: m.state.LastSyncAt,
		Fired:      map[int]bool{},
	}
	return []Effect{effect}
}

func (m *Machine) topUp(remaining int, at time.Time) []Effect {
	prev := m.state.RemainingSeconds
	effects := m.setRemaining(remaining, at)
	added := m.state.RemainingSeconds - prev
	if added <= 0 || !m.running() {
		return effects
	}
	m.state.LastTopUpAt = at
	return append(effects, Effect{
		Type:             EffectTimeAdded,
		Session:          m.currentCopy(),
		Seconds:          added,
		RemainingSeconds: m.state.RemainingSeconds,
		At:               at,
	})
}

// setRemaining moves the countdown, handling threshold bookkeeping and expiry.
func (m *Machine) setRemaining(next int, at time.Time) []Effect {
	limit := m.state.Current.DurationSeconds()
	if next > limit {
		next = limit
	}
	if next < 0 {
		next = 0
	}

	prev := m.state.RemainingSeconds
	m.state.RemainingSeconds = next

	if next <= 0 {
		return m.end(ReasonExpired, at)
	}

	var effects []Effect
	switch {
	case next > prev:
		for _, t := range m.thresholds {
			if t < next {
				delete(m.state.Fired, t)
			}
		}
	case next < prev:
		// Every crossed threshold fires once, least urgent first.
		for _, t := range m.thresholds {
			if prev > t && t >= next && !m.state.Fired[t] {
				m.state.Fired[t] = true
				effects = append(effects, Effect{
					Type:             EffectWarning,
					Session:          m.currentCopy(),
					Threshold:        t,
					RemainingSeconds: next,
					At:               at,
				})
			}
		}
	}

	m.updatePhase()
	return effects
}

func (m *Machine) updatePhase() {
	if !m.running() {
		return
	}
	if len(m.thresholds) > 0 && m.state.RemainingSeconds <= m.thresholds[0] {
		m.state.Phase = PhaseExpiring
		return
	}
	m.state.Phase = PhaseActive
}

func (m *Machine) currentCopy() *Session {
	if m.state.Current == nil {
		return nil
	}
	cur := *m.state.Current
	return &cur
}
