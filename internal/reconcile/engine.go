package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goodtune/kbilling/internal/clock"
	"github.com/goodtune/kbilling/internal/device"
	"github.com/goodtune/kbilling/internal/metrics"
	"github.com/goodtune/kbilling/internal/notify"
	"github.com/goodtune/kbilling/internal/session"
	"github.com/rs/zerolog"
)

const (
	DefaultMailboxSize      = 64
	DefaultDedupWindow      = 2 * time.Second
	DefaultDedupCacheSize   = 256
	DefaultPollFastInterval = 5 * time.Second
	DefaultPollSlowInterval = 30 * time.Second

	noticeBuffer = 16
)

// Enforcer is told whether the station should be open.
type Enforcer interface {
	OnSessionActive()
	OnSessionEnded()
}

// Notifier presents a message, reporting whether it was shown.
type Notifier interface {
	Notify(msg string) bool
}

// Recorder journals lifecycle effects. Record must not block.
type Recorder interface {
	Record(e session.Effect)
}

// Collaborators are the engine's outputs. Recorder and Clock are optional.
type Collaborators struct {
	Enforcer Enforcer
	Notifier Notifier
	Recorder Recorder
	Clock    clock.Clock
}

// Config holds engine settings.
type Config struct {
	MailboxSize      int
	DedupWindow      time.Duration
	DedupCacheSize   int
	PollFastInterval time.Duration
	PollSlowInterval time.Duration
}

// Engine serializes every observation through the session machine. Run is the
// only goroutine that touches the machine.
type Engine struct {
	cfg      Config
	machine  *session.Machine
	identity device.Identity
	collab   Collaborators
	logger   zerolog.Logger

	mailbox  chan session.Observation
	notices  chan string
	pollKick chan struct{}
	dedup    *dedupCache
	snapshot atomic.Pointer[Snapshot]

	// Owned by Run.
	dbDeviceID  int
	lastRunning bool
}

// New creates an engine around machine.
func New(cfg Config, machine *session.Machine, identity device.Identity, collab Collaborators, logger zerolog.Logger) (*Engine, error) {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.PollFastInterval <= 0 {
		cfg.PollFastInterval = DefaultPollFastInterval
	}
	if cfg.PollSlowInterval <= 0 {
		cfg.PollSlowInterval = DefaultPollSlowInterval
	}
	if collab.Clock == nil {
		collab.Clock = clock.RealClock{}
	}
	if collab.Enforcer == nil || collab.Notifier == nil {
		return nil, fmt.Errorf("engine requires an enforcer and a notifier")
	}

	dedup, err := newDedupCache(cfg.DedupCacheSize, cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		machine:  machine,
		identity: identity,
		collab:   collab,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		mailbox:  make(chan session.Observation, cfg.MailboxSize),
		notices:  make(chan string, noticeBuffer),
		pollKick: make(chan struct{}, 1),
		dedup:    dedup,
	}
	e.snapshot.Store(newSnapshot(identity.ID, machine.State(), collab.Clock.Now()))
	return e, nil
}

// Submit stamps obs with the engine clock and queues it. It blocks until the
// observation is accepted or ctx is done.
func (e *Engine) Submit(ctx context.Context, obs session.Observation) error {
	obs.At = e.collab.Clock.Now()
	select {
	case e.mailbox <- obs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the last published view. It is safe for concurrent use.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// PollInterval is the desired gap between polls: short while no session is
// trusted, long while one is.
func (e *Engine) PollInterval() time.Duration {
	if e.Snapshot().Trusted() {
		return e.cfg.PollSlowInterval
	}
	return e.cfg.PollFastInterval
}

// PollRequests delivers a signal whenever the machine asks for an immediate
// poll. Signals coalesce.
func (e *Engine) PollRequests() <-chan struct{} {
	return e.pollKick
}

// Run consumes the mailbox until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Str("device_id", e.identity.ID).
		Ints("thresholds", e.machine.Thresholds()).
		Msg("Reconciliation engine started")

	go e.deliverNotices(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Reconciliation engine stopped")
			return nil
		case obs := <-e.mailbox:
			e.apply(obs)
		}
	}
}

// apply runs one observation through filter, dedup, machine, effects and
// publication.
func (e *Engine) apply(obs session.Observation) {
	if obs.Source == session.SourcePush && !e.accept(obs) {
		return
	}
	// Polls are keyed by our hardware id, so the row id they carry is ours.
	if obs.Source == session.SourcePoll && obs.Session != nil {
		if id, err := strconv.Atoi(strings.TrimSpace(obs.Session.DeviceID)); err == nil {
			e.learnDatabaseID(id)
		}
	}

	metrics.ObservationsTotal.WithLabelValues(string(obs.Source), string(obs.Kind)).Inc()

	effects := e.machine.Apply(obs)
	for _, effect := range effects {
		e.dispatch(obs, effect)
	}

	st := e.machine.State()
	e.enforce(st.Phase.Running())
	e.publish(st, obs.At)
}

// accept applies the device filter and the duplicate window to push events.
func (e *Engine) accept(obs session.Observation) bool {
	if obs.Kind == session.KindStarted && e.identity.Matches(obs.DeviceRef) {
		e.learnDatabaseID(obs.DBDeviceID)
	}

	if !e.identity.Matches(obs.DeviceRef) && !device.MatchesDatabaseID(obs.DeviceRef, e.dbDeviceID) {
		metrics.ObservationsDropped.WithLabelValues("device_mismatch").Inc()
		e.logger.Debug().
			Str("event", obs.Event).
			Str("device_ref", obs.DeviceRef).
			Msg("Ignoring push event for another device")
		return false
	}

	if e.dedup.duplicate(dedupKey(obs.SessionID, obs.Event, obs.Payload), obs.At) {
		metrics.ObservationsDropped.WithLabelValues("duplicate").Inc()
		e.logger.Debug().
			Str("event", obs.Event).
			Int("session_id", obs.SessionID).
			Msg("Ignoring duplicate push event")
		return false
	}
	return true
}

// learnDatabaseID records the numeric row id timer broadcasts address us by.
func (e *Engine) learnDatabaseID(id int) {
	if id <= 0 || id == e.dbDeviceID {
		return
	}
	e.logger.Debug().Int("db_device_id", id).Msg("Learned database device id")
	e.dbDeviceID = id
}

func (e *Engine) dispatch(obs session.Observation, effect session.Effect) {
	if effect.Type == session.EffectPollRequested {
		e.logger.Debug().Str("kind", string(obs.Kind)).Msg("Poll requested")
		e.requestPoll()
		return
	}

	evt := e.logger.Info().
		Str("effect", string(effect.Type)).
		Str("source", string(obs.Source)).
		Str("kind", string(obs.Kind)).
		Int("remaining_seconds", effect.RemainingSeconds)
	if effect.Session != nil {
		evt = evt.Int("session_id", effect.Session.SessionID)
	}

	switch effect.Type {
	case session.EffectSessionStarted:
		metrics.SessionsStarted.Inc()
		evt.Msg("Session started")
	case session.EffectSessionEnded:
		metrics.SessionsEnded.WithLabelValues(string(effect.Reason)).Inc()
		evt.Str("reason", string(effect.Reason)).Msg("Session ended")
	case session.EffectTimeAdded:
		metrics.TopUps.Inc()
		evt.Int("added_seconds", effect.Seconds).Msg("Time added")
	case session.EffectWarning:
		metrics.WarningsFired.WithLabelValues("local").Inc()
		evt.Int("threshold", effect.Threshold).Msg("Remaining time warning")
	case session.EffectServerWarning:
		metrics.WarningsFired.WithLabelValues("server").Inc()
		evt.Str("message", effect.Message).Msg("Server warning")
	}

	if msg := notify.Message(effect); msg != "" {
		e.notice(msg)
	}
	if e.collab.Recorder != nil {
		e.collab.Recorder.Record(effect)
	}
}

// enforce forwards phase changes to the enforcer. Only the final phase of an
// observation counts, so a replacement never unlocks and relocks.
func (e *Engine) enforce(running bool) {
	if running == e.lastRunning {
		return
	}
	e.lastRunning = running
	if running {
		e.collab.Enforcer.OnSessionActive()
		return
	}
	e.collab.Enforcer.OnSessionEnded()
}

func (e *Engine) publish(st session.State, at time.Time) {
	snap := newSnapshot(e.identity.ID, st, at)
	e.snapshot.Store(snap)
	metrics.RemainingSeconds.Set(float64(snap.RemainingSeconds))
	metrics.SessionPhase.Set(snap.Phase.Code())
}

func (e *Engine) requestPoll() {
	select {
	case e.pollKick <- struct{}{}:
	default:
	}
}

// notice hands msg to the delivery goroutine so that slow notifiers never
// stall the mailbox.
func (e *Engine) notice(msg string) {
	select {
	case e.notices <- msg:
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		e.logger.Warn().Str("message", msg).Msg("Notification queue full, dropping message")
	}
}

func (e *Engine) deliverNotices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.notices:
			e.collab.Notifier.Notify(msg)
		}
	}
}
