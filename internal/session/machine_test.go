package session

import (
	"math/rand"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

func activeSession(id, duration, remaining int) *Session {
	return &Session{
		SessionID:        id,
		DeviceID:         "9f3c2a",
		CustomerName:     "Budi",
		PackageName:      "1 Hour",
		DurationMinutes:  duration,
		RemainingMinutes: remaining,
		Status:           StatusActive,
	}
}

func pollObs(s *Session, at time.Time) Observation {
	return Observation{Source: SourcePoll, Kind: KindSnapshot, Session: s, At: at}
}

func tickObs(at time.Time) Observation {
	return Observation{Source: SourceTick, Kind: KindTick, At: at}
}

func effectTypes(effects []Effect) []EffectType {
	out := make([]EffectType, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Type)
	}
	return out
}

func sameTypes(got []Effect, want ...EffectType) bool {
	types := effectTypes(got)
	if len(types) != len(want) {
		return false
	}
	for i := range want {
		if types[i] != want[i] {
			return false
		}
	}
	return true
}

func startedMachine(t *testing.T, duration, remaining int) *Machine {
	t.Helper()
	m := NewMachine(Config{})
	effects := m.Apply(pollObs(activeSession(1, duration, remaining), t0))
	if !sameTypes(effects, EffectSessionStarted) {
		t.Fatalf("expected session start, got %v", effectTypes(effects))
	}
	return m
}

func tickN(m *Machine, n int) []Effect {
	var all []Effect
	for i := 0; i < n; i++ {
		all = append(all, m.Apply(tickObs(t0.Add(time.Duration(i+1)*time.Second)))...)
	}
	return all
}

func TestStartFromPoll(t *testing.T) {
	m := NewMachine(Config{})
	effects := m.Apply(pollObs(activeSession(7, 60, 30), t0))

	if !sameTypes(effects, EffectSessionStarted) {
		t.Fatalf("expected [session_started], got %v", effectTypes(effects))
	}
	st := m.State()
	if st.Phase != PhaseActive {
		t.Errorf("expected phase active, got %s", st.Phase)
	}
	if st.RemainingSeconds != 1800 {
		t.Errorf("expected 1800 seconds, got %d", st.RemainingSeconds)
	}
	if st.Current == nil || st.Current.SessionID != 7 {
		t.Fatalf("expected current session 7, got %+v", st.Current)
	}
	if len(st.Fired) != 0 {
		t.Errorf("expected no fired thresholds, got %v", st.Fired)
	}
}

func TestStartRejectsUnstartableSessions(t *testing.T) {
	tests := []struct {
		name    string
		session *Session
	}{
		{"zero remaining", activeSession(1, 60, 0)},
		{"missing id", &Session{DurationMinutes: 60, RemainingMinutes: 30, Status: StatusActive}},
		{"missing duration", &Session{SessionID: 3, RemainingMinutes: 30, Status: StatusActive}},
		{"unknown status", &Session{SessionID: 3, DurationMinutes: 60, RemainingMinutes: 30, Status: "paused"}},
		{"ended status", &Session{SessionID: 3, DurationMinutes: 60, RemainingMinutes: 30, Status: StatusEnded}},
		{"absence", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(Config{})
			if effects := m.Apply(pollObs(tt.session, t0)); len(effects) != 0 {
				t.Errorf("expected no effects, got %v", effectTypes(effects))
			}
			if m.State().Phase != PhaseNoSession {
				t.Errorf("expected no_session, got %s", m.State().Phase)
			}
		})
	}
}

func TestStartClampsRemainingToDuration(t *testing.T) {
	m := startedMachine(t, 60, 90)
	if got := m.State().RemainingSeconds; got != 3600 {
		t.Errorf("expected remaining clamped to 3600, got %d", got)
	}
}

func TestTickFiresFiveMinuteWarningOnce(t *testing.T) {
	m := startedMachine(t, 60, 6) // 360 seconds

	warnings := 0
	for i := 1; i <= 61; i++ {
		for _, e := range m.Apply(tickObs(t0.Add(time.Duration(i) * time.Second))) {
			if e.Type != EffectWarning {
				continue
			}
			warnings++
			if e.Threshold != 300 {
				t.Errorf("expected 300s threshold, got %d", e.Threshold)
			}
			if i != 60 {
				t.Errorf("warning fired on tick %d, expected tick 60", i)
			}
		}
	}
	if warnings != 1 {
		t.Fatalf("expected exactly one warning, got %d", warnings)
	}
	if m.State().Phase != PhaseExpiring {
		t.Errorf("expected expiring phase, got %s", m.State().Phase)
	}
}

func TestThresholdsBehindStartAreSilent(t *testing.T) {
	m := startedMachine(t, 60, 5) // exactly 300 seconds

	st := m.State()
	if !st.Fired[300] {
		t.Error("expected 300s threshold to be marked fired at start")
	}
	if st.Phase != PhaseExpiring {
		t.Errorf("expected expiring phase, got %s", st.Phase)
	}

	effects := tickN(m, 240)
	if !sameTypes(effects, EffectWarning) {
		t.Fatalf("expected only the one minute warning, got %v", effectTypes(effects))
	}
	if effects[0].Threshold != 60 {
		t.Errorf("expected 60s threshold, got %d", effects[0].Threshold)
	}
}

func TestTickExpiresSession(t *testing.T) {
	m := startedMachine(t, 1, 1)

	effects := tickN(m, 60)
	last := effects[len(effects)-1]
	if last.Type != EffectSessionEnded || last.Reason != ReasonExpired {
		t.Fatalf("expected expiry, got %+v", last)
	}
	st := m.State()
	if st.Phase != PhaseNoSession || st.Current != nil || st.RemainingSeconds != 0 {
		t.Errorf("expected reset state, got %+v", st)
	}
	if effects := m.Apply(tickObs(t0.Add(time.Hour))); len(effects) != 0 {
		t.Errorf("ticks after expiry must be inert, got %v", effectTypes(effects))
	}
}

func TestPollCorrections(t *testing.T) {
	tests := []struct {
		name          string
		remaining     int
		wantEffects   []EffectType
		wantRemaining int
		wantThreshold int
	}{
		{"within tolerance", 30, nil, 1770, 0},
		{"down beyond tolerance", 20, nil, 1200, 0},
		{"down across warning", 4, []EffectType{EffectWarning}, 240, 300},
		{"jump across both warnings", 1, []EffectType{EffectWarning, EffectWarning}, 60, 300},
		{"down to zero", 0, []EffectType{EffectSessionEnded}, 0, 0},
		{"up beyond tolerance", 45, []EffectType{EffectTimeAdded}, 2700, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := startedMachine(t, 60, 30)
			tickN(m, 30) // 1770

			effects := m.Apply(pollObs(activeSession(1, 60, tt.remaining), t0.Add(time.Minute)))
			if !sameTypes(effects, tt.wantEffects...) {
				t.Fatalf("expected %v, got %v", tt.wantEffects, effectTypes(effects))
			}
			if got := m.State().RemainingSeconds; got != tt.wantRemaining {
				t.Errorf("expected remaining %d, got %d", tt.wantRemaining, got)
			}
			if tt.wantThreshold > 0 && effects[0].Threshold != tt.wantThreshold {
				t.Errorf("expected threshold %d, got %d", tt.wantThreshold, effects[0].Threshold)
			}
		})
	}
}

func TestJumpFiresAllCrossedThresholds(t *testing.T) {
	m := startedMachine(t, 60, 30)
	effects := m.Apply(pollObs(activeSession(1, 60, 1), t0.Add(time.Second)))

	if !sameTypes(effects, EffectWarning, EffectWarning) {
		t.Fatalf("expected two warnings, got %v", effectTypes(effects))
	}
	if effects[0].Threshold != 300 || effects[1].Threshold != 60 {
		t.Errorf("thresholds = %d, %d, want 300, 60", effects[0].Threshold, effects[1].Threshold)
	}

	st := m.State()
	if !st.Fired[300] || !st.Fired[60] {
		t.Fatalf("expected both thresholds fired, got %v", st.Fired)
	}
	if effects := tickN(m, 30); len(effects) != 0 {
		t.Errorf("expected no further warnings, got %v", effectTypes(effects))
	}
}

func TestTopUpRearmsWarnings(t *testing.T) {
	m := startedMachine(t, 60, 4) // 240s, 300 already fired

	effects := m.Apply(pollObs(activeSession(1, 80, 20), t0.Add(time.Second)))
	if !sameTypes(effects, EffectTimeAdded) {
		t.Fatalf("expected time_added, got %v", effectTypes(effects))
	}
	if effects[0].Seconds != 960 {
		t.Errorf("expected 960 seconds added, got %d", effects[0].Seconds)
	}

	st := m.State()
	if st.Fired[300] || st.Fired[60] {
		t.Errorf("expected thresholds re-armed, got %v", st.Fired)
	}
	if st.Phase != PhaseActive {
		t.Errorf("expected active phase, got %s", st.Phase)
	}
	if st.Current.DurationMinutes != 80 {
		t.Errorf("expected adopted duration 80, got %d", st.Current.DurationMinutes)
	}
	if st.LastTopUpAt.IsZero() {
		t.Error("expected top-up time to be recorded")
	}
}

func TestAbsenceRequiresConfirmation(t *testing.T) {
	m := startedMachine(t, 60, 30)

	effects := m.Apply(pollObs(nil, t0.Add(5*time.Second)))
	if len(effects) != 0 {
		t.Fatalf("expected no effects after first absence, got %v", effectTypes(effects))
	}
	if !m.State().Phase.Running() {
		t.Fatal("single absence must not end the session")
	}

	effects = m.Apply(pollObs(nil, t0.Add(10*time.Second)))
	if !sameTypes(effects, EffectSessionEnded) || effects[0].Reason != ReasonTerminated {
		t.Fatalf("expected terminated after confirmation, got %+v", effects)
	}
	if m.State().Phase != PhaseNoSession {
		t.Errorf("expected no_session, got %s", m.State().Phase)
	}
}

func TestAbsenceNeedsTimeBetweenPolls(t *testing.T) {
	m := startedMachine(t, 60, 30)

	m.Apply(pollObs(nil, t0.Add(5*time.Second)))
	// An empty answer right behind the first one is not a confirmation.
	if effects := m.Apply(pollObs(nil, t0.Add(5*time.Second+20*time.Millisecond))); len(effects) != 0 {
		t.Fatalf("expected no effects, got %v", effectTypes(effects))
	}
	if !m.State().Phase.Running() {
		t.Fatal("session ended before the absence window passed")
	}

	effects := m.Apply(pollObs(nil, t0.Add(10*time.Second)))
	if !sameTypes(effects, EffectSessionEnded) || effects[0].Reason != ReasonTerminated {
		t.Fatalf("expected terminated once the window passed, got %+v", effects)
	}
}

func TestAbsenceWindowRestartsAfterPresence(t *testing.T) {
	m := NewMachine(Config{AbsenceWindow: 10 * time.Second})
	m.Apply(pollObs(activeSession(1, 60, 30), t0))

	m.Apply(pollObs(nil, t0.Add(5*time.Second)))
	m.Apply(pollObs(activeSession(1, 60, 30), t0.Add(10*time.Second)))
	m.Apply(pollObs(nil, t0.Add(15*time.Second)))
	m.Apply(pollObs(nil, t0.Add(20*time.Second)))

	st := m.State()
	if !st.Phase.Running() {
		t.Fatal("absence window must restart after the session was seen again")
	}
	if !st.FirstAbsentAt.Equal(t0.Add(15 * time.Second)) {
		t.Errorf("FirstAbsentAt = %v, want %v", st.FirstAbsentAt, t0.Add(15*time.Second))
	}

	if effects := m.Apply(pollObs(nil, t0.Add(25*time.Second))); !sameTypes(effects, EffectSessionEnded) {
		t.Errorf("expected terminated, got %v", effectTypes(effects))
	}
}

func TestAbsenceCounterResetsOnPresence(t *testing.T) {
	m := startedMachine(t, 60, 30)

	m.Apply(pollObs(nil, t0.Add(5*time.Second)))
	m.Apply(pollObs(activeSession(1, 60, 30), t0.Add(10*time.Second)))
	m.Apply(pollObs(nil, t0.Add(15*time.Second)))

	st := m.State()
	if !st.Phase.Running() {
		t.Fatal("non-consecutive absences must not end the session")
	}
	if st.AbsentPolls != 1 {
		t.Errorf("expected 1 pending absence, got %d", st.AbsentPolls)
	}
}

func TestReplacementEndsAndStartsInOneStep(t *testing.T) {
	m := startedMachine(t, 60, 30)

	effects := m.Apply(pollObs(activeSession(2, 120, 120), t0.Add(time.Second)))
	if !sameTypes(effects, EffectSessionEnded, EffectSessionStarted) {
		t.Fatalf("expected [ended, started], got %v", effectTypes(effects))
	}
	if effects[0].Reason != ReasonReplaced || effects[0].Session.SessionID != 1 {
		t.Errorf("expected session 1 replaced, got %+v", effects[0])
	}
	if effects[1].Session.SessionID != 2 {
		t.Errorf("expected session 2 started, got %+v", effects[1].Session)
	}
	st := m.State()
	if st.Current.SessionID != 2 || st.RemainingSeconds != 7200 {
		t.Errorf("unexpected state after replace: %+v", st)
	}
}

func TestReplacementWithUnstartableSessionTerminates(t *testing.T) {
	m := startedMachine(t, 60, 30)

	effects := m.Apply(pollObs(activeSession(2, 60, 0), t0.Add(time.Second)))
	if !sameTypes(effects, EffectSessionEnded) || effects[0].Reason != ReasonTerminated {
		t.Fatalf("expected terminated, got %+v", effects)
	}
}

func TestServerReportsOwnSessionFinished(t *testing.T) {
	tests := []struct {
		status Status
		reason EndReason
	}{
		{StatusEnded, ReasonTerminated},
		{StatusExpired, ReasonExpired},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			m := startedMachine(t, 60, 30)
			s := activeSession(1, 60, 10)
			s.Status = tt.status

			effects := m.Apply(pollObs(s, t0.Add(time.Second)))
			if !sameTypes(effects, EffectSessionEnded) || effects[0].Reason != tt.reason {
				t.Fatalf("expected ended with %s, got %+v", tt.reason, effects)
			}
		})
	}
}

func TestPushEnded(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		sessionID int
		want      []EffectType
		reason    EndReason
	}{
		{"stale session id", KindEnded, 99, nil, ""},
		{"matching session id", KindEnded, 1, []EffectType{EffectSessionEnded}, ReasonTerminated},
		{"no session id", KindEnded, 0, []EffectType{EffectSessionEnded}, ReasonTerminated},
		{"expired", KindExpired, 0, []EffectType{EffectSessionEnded}, ReasonExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := startedMachine(t, 60, 30)
			effects := m.Apply(Observation{Source: SourcePush, Kind: tt.kind, SessionID: tt.sessionID, At: t0})
			if !sameTypes(effects, tt.want...) {
				t.Fatalf("expected %v, got %v", tt.want, effectTypes(effects))
			}
			if len(effects) > 0 && effects[0].Reason != tt.reason {
				t.Errorf("expected reason %s, got %s", tt.reason, effects[0].Reason)
			}
		})
	}
}

func TestPushEndedWithoutSessionIsInert(t *testing.T) {
	m := NewMachine(Config{})
	if effects := m.Apply(Observation{Source: SourcePush, Kind: KindEnded, At: t0}); len(effects) != 0 {
		t.Errorf("expected no effects, got %v", effectTypes(effects))
	}
}

func TestPushTimeAdded(t *testing.T) {
	m := startedMachine(t, 60, 10) // 600s

	effects := m.Apply(Observation{
		Source:             SourcePush,
		Kind:               KindTimeAdded,
		Minutes:            30,
		NewDurationMinutes: 90,
		At:                 t0.Add(time.Second),
	})
	if !sameTypes(effects, EffectTimeAdded) {
		t.Fatalf("expected time_added, got %v", effectTypes(effects))
	}
	if effects[0].Seconds != 1800 {
		t.Errorf("expected 1800 seconds added, got %d", effects[0].Seconds)
	}
	st := m.State()
	if st.RemainingSeconds != 2400 {
		t.Errorf("expected 2400 remaining, got %d", st.RemainingSeconds)
	}
	if st.Current.DurationMinutes != 90 {
		t.Errorf("expected duration 90, got %d", st.Current.DurationMinutes)
	}
}

func TestPushTimeAddedAfterPollIsNotCountedTwice(t *testing.T) {
	m := startedMachine(t, 60, 50) // 3000s

	// The poll sees the top-up first.
	effects := m.Apply(pollObs(activeSession(1, 90, 80), t0.Add(time.Second)))
	if !sameTypes(effects, EffectTimeAdded) {
		t.Fatalf("expected time_added from poll, got %v", effectTypes(effects))
	}
	if got := m.State().RemainingSeconds; got != 4800 {
		t.Fatalf("expected 4800 after poll, got %d", got)
	}

	effects = m.Apply(Observation{
		Source:             SourcePush,
		Kind:               KindTimeAdded,
		Minutes:            30,
		NewDurationMinutes: 90,
		At:                 t0.Add(2 * time.Second),
	})
	if len(effects) != 0 {
		t.Errorf("expected no effects for an applied top-up, got %v", effectTypes(effects))
	}
	st := m.State()
	if st.RemainingSeconds != 4800 || st.Current.DurationMinutes != 90 {
		t.Errorf("expected 4800s / 90 minutes, got %d / %d", st.RemainingSeconds, st.Current.DurationMinutes)
	}
}

func TestPushTimeAddedWithoutDuration(t *testing.T) {
	m := startedMachine(t, 60, 60) // full

	effects := m.Apply(Observation{Source: SourcePush, Kind: KindTimeAdded, Minutes: 15, At: t0})
	if !sameTypes(effects, EffectTimeAdded) {
		t.Fatalf("expected time_added, got %v", effectTypes(effects))
	}
	st := m.State()
	if st.Current.DurationMinutes != 75 || st.RemainingSeconds != 4500 {
		t.Errorf("expected 75 minutes / 4500s, got %d / %d", st.Current.DurationMinutes, st.RemainingSeconds)
	}
}

func TestPushWithoutLocalSessionRequestsPoll(t *testing.T) {
	kinds := []Kind{KindTimeAdded, KindTimerUpdate, KindWarning, KindStarted}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			m := NewMachine(Config{})
			effects := m.Apply(Observation{Source: SourcePush, Kind: kind, Minutes: 10, At: t0})
			if !sameTypes(effects, EffectPollRequested) {
				t.Errorf("expected poll request, got %v", effectTypes(effects))
			}
		})
	}
}

func TestPushStarted(t *testing.T) {
	m := NewMachine(Config{})

	effects := m.Apply(Observation{Source: SourcePush, Kind: KindStarted, Session: activeSession(4, 30, 30), At: t0})
	if !sameTypes(effects, EffectSessionStarted) {
		t.Fatalf("expected start, got %v", effectTypes(effects))
	}

	effects = m.Apply(Observation{Source: SourcePush, Kind: KindStarted, Session: activeSession(4, 30, 30), At: t0.Add(time.Second)})
	if len(effects) != 0 {
		t.Errorf("repeated start of the same session must be inert, got %v", effectTypes(effects))
	}

	effects = m.Apply(Observation{Source: SourcePush, Kind: KindStarted, Session: activeSession(5, 30, 30), At: t0.Add(2 * time.Second)})
	if !sameTypes(effects, EffectSessionEnded, EffectSessionStarted) {
		t.Errorf("expected replace, got %v", effectTypes(effects))
	}
}

func TestTimerUpdate(t *testing.T) {
	tests := []struct {
		name          string
		minutes       int
		want          []EffectType
		wantRemaining int
	}{
		{"consistent window", 29, nil, 1790},
		{"below window within drift", 30, nil, 1790},
		{"down", 25, nil, 1500},
		{"down across warning", 4, []EffectType{EffectWarning}, 240},
		{"up beyond drift", 40, []EffectType{EffectTimeAdded}, 2400},
		{"zero", 0, []EffectType{EffectSessionEnded}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := startedMachine(t, 60, 30)
			tickN(m, 10) // 1790

			effects := m.Apply(Observation{Source: SourcePush, Kind: KindTimerUpdate, Minutes: tt.minutes, At: t0.Add(time.Minute)})
			if !sameTypes(effects, tt.want...) {
				t.Fatalf("expected %v, got %v", tt.want, effectTypes(effects))
			}
			if got := m.State().RemainingSeconds; got != tt.wantRemaining {
				t.Errorf("expected remaining %d, got %d", tt.wantRemaining, got)
			}
		})
	}
}

func TestTimerUpdateIgnoredDuringTopUpGrace(t *testing.T) {
	m := startedMachine(t, 60, 10)
	m.Apply(Observation{Source: SourcePush, Kind: KindTimeAdded, Minutes: 10, At: t0.Add(time.Second)})

	// A broadcast computed before the top-up arrives late.
	effects := m.Apply(Observation{Source: SourcePush, Kind: KindTimerUpdate, Minutes: 9, At: t0.Add(3 * time.Second)})
	if len(effects) != 0 {
		t.Fatalf("expected stale timer update to be ignored, got %v", effectTypes(effects))
	}
	if got := m.State().RemainingSeconds; got != 1200 {
		t.Fatalf("expected 1200 remaining, got %d", got)
	}

	m.Apply(Observation{Source: SourcePush, Kind: KindTimerUpdate, Minutes: 9, At: t0.Add(10 * time.Second)})
	if got := m.State().RemainingSeconds; got != 540 {
		t.Errorf("expected timer update applied after grace, got %d", got)
	}
}

func TestServerWarningMarksThreshold(t *testing.T) {
	m := startedMachine(t, 60, 10)

	effects := m.Apply(Observation{
		Source:  SourcePush,
		Kind:    KindWarning,
		Minutes: 5,
		Message: "⚠️ 5 minutes remaining!",
		At:      t0,
	})
	if !sameTypes(effects, EffectServerWarning) {
		t.Fatalf("expected server warning, got %v", effectTypes(effects))
	}
	if effects[0].Message != "⚠️ 5 minutes remaining!" {
		t.Errorf("unexpected message %q", effects[0].Message)
	}

	for _, e := range tickN(m, 301) {
		if e.Type == EffectWarning {
			t.Fatalf("local warning fired after server warning: %+v", e)
		}
	}
}

func TestStateIsDeepCopy(t *testing.T) {
	m := startedMachine(t, 60, 30)

	st := m.State()
	st.Current.SessionID = 42
	st.Fired[300] = true

	again := m.State()
	if again.Current.SessionID != 1 {
		t.Error("mutating a state copy changed the machine")
	}
	if again.Fired[300] {
		t.Error("mutating fired thresholds changed the machine")
	}
}

func TestCountdownInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := NewMachine(Config{})
	at := t0

	for i := 0; i < 5000; i++ {
		at = at.Add(time.Second)
		var obs Observation
		switch rng.Intn(8) {
		case 0:
			obs = pollObs(activeSession(1+rng.Intn(3), 30+rng.Intn(60), rng.Intn(100)), at)
		case 1:
			obs = pollObs(nil, at)
		case 2:
			obs = Observation{Source: SourcePush, Kind: KindTimeAdded, Minutes: rng.Intn(20), At: at}
		case 3:
			obs = Observation{Source: SourcePush, Kind: KindTimerUpdate, Minutes: rng.Intn(90), At: at}
		case 4:
			obs = Observation{Source: SourcePush, Kind: KindEnded, SessionID: rng.Intn(4), At: at}
		default:
			obs = tickObs(at)
		}

		before := m.State()
		effects := m.Apply(obs)
		after := m.State()

		if after.RemainingSeconds < 0 {
			t.Fatalf("step %d: negative countdown %d", i, after.RemainingSeconds)
		}
		if after.Current != nil && after.RemainingSeconds > after.Current.DurationSeconds() {
			t.Fatalf("step %d: countdown %d above duration %d", i, after.RemainingSeconds, after.Current.DurationSeconds())
		}
		if after.Current == nil && after.Phase != PhaseNoSession {
			t.Fatalf("step %d: phase %s without a session", i, after.Phase)
		}
		if before.Phase.Running() && after.Phase.Running() &&
			before.Current.SessionID == after.Current.SessionID &&
			after.RemainingSeconds > before.RemainingSeconds {
			topUp := false
			for _, e := range effects {
				if e.Type == EffectTimeAdded {
					topUp = true
				}
			}
			if !topUp {
				t.Fatalf("step %d: countdown rose %d -> %d without a top-up", i, before.RemainingSeconds, after.RemainingSeconds)
			}
		}
	}
}
