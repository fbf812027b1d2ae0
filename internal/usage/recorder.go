package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kbilling/internal/clock"
	"github.com/goodtune/kbilling/internal/metrics"
	"github.com/goodtune/kbilling/internal/session"
	"github.com/goodtune/kbilling/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultBufferSize is the number of lifecycle events queued before drops
	DefaultBufferSize = 64

	// DefaultCheckpointInterval is how often the running record is saved
	DefaultCheckpointInterval = time.Minute

	// ReasonAgentRestart marks records left active by a previous run
	ReasonAgentRestart = "agent_restart"
)

// Config holds recorder configuration
type Config struct {
	BufferSize         int
	CheckpointInterval time.Duration
}

// Recorder journals session lifecycle events and daily usage. All storage
// access happens on the Run goroutine.
type Recorder struct {
	store      storage.SessionStore
	deviceID   string
	clock      clock.Clock
	events     chan session.Effect
	checkpoint time.Duration
	logger     zerolog.Logger

	current *tracked
}

// tracked is the record of the running session plus the bookkeeping needed
// to avoid counting the same seconds twice.
type tracked struct {
	record       storage.SessionRecord
	segmentStart time.Time
	baseSeconds  int64
	aggregated   int64
}

// NewRecorder creates a new session journal recorder
func NewRecorder(store storage.SessionStore, deviceID string, cfg Config, clk clock.Clock, logger zerolog.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Recorder{
		store:      store,
		deviceID:   deviceID,
		clock:      clk,
		events:     make(chan session.Effect, cfg.BufferSize),
		checkpoint: cfg.CheckpointInterval,
		logger:     logger.With().Str("component", "usage-recorder").Logger(),
	}
}

// Record queues a lifecycle effect. It never blocks; when the buffer is full
// the effect is dropped.
func (r *Recorder) Record(e session.Effect) {
	switch e.Type {
	case session.EffectSessionStarted, session.EffectSessionEnded, session.EffectTimeAdded:
	default:
		return
	}

	select {
	case r.events <- e:
	default:
		metrics.JournalEvents.WithLabelValues("dropped").Inc()
		r.logger.Warn().
			Str("effect", string(e.Type)).
			Msg("Journal buffer full, dropping event")
	}
}

// Run consumes lifecycle events until ctx is done. Writes use a context
// detached from ctx so that shutdown still persists buffered events.
func (r *Recorder) Run(ctx context.Context) error {
	storeCtx := context.WithoutCancel(ctx)

	if err := r.FinalizeStale(storeCtx); err != nil {
		r.logger.Error().Err(err).Msg("Failed to finalize stale session records")
	}

	ticker := time.NewTicker(r.checkpoint)
	defer ticker.Stop()

	r.logger.Info().Dur("checkpoint_interval", r.checkpoint).Msg("Session journal started")

	for {
		select {
		case <-ctx.Done():
			r.drain(storeCtx)
			r.save(storeCtx)
			r.logger.Info().Msg("Session journal stopped")
			return nil
		case e := <-r.events:
			r.handle(storeCtx, e)
		case <-ticker.C:
			r.save(storeCtx)
		}
	}
}

// drain applies whatever is still buffered at shutdown
func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case e := <-r.events:
			r.handle(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) handle(ctx context.Context, e session.Effect) {
	if e.At.IsZero() {
		e.At = r.clock.Now()
	}

	switch e.Type {
	case session.EffectSessionStarted:
		r.begin(ctx, e)
	case session.EffectTimeAdded:
		r.topUp(ctx, e)
	case session.EffectSessionEnded:
		r.finish(ctx, e)
	}
}

func (r *Recorder) begin(ctx context.Context, e session.Effect) {
	if e.Session == nil {
		return
	}
	if r.current != nil {
		// A start without a preceding end means the end event was dropped
		r.close(ctx, string(session.ReasonReplaced), e.At)
	}

	s := e.Session
	t := &tracked{
		record: storage.SessionRecord{
			DeviceID:        r.deviceID,
			SessionID:       s.SessionID,
			CustomerName:    s.CustomerName,
			PackageName:     s.PackageName,
			StartedAt:       e.At,
			LastActivity:    e.At,
			DurationMinutes: s.DurationMinutes,
			Active:          true,
		},
		segmentStart: e.At,
	}

	// Resume a record finalized by a restart so its seconds are not counted twice
	existing, err := r.store.GetRecord(ctx, r.deviceID, s.SessionID)
	switch {
	case err == nil:
		t.record.StartedAt = existing.StartedAt
		t.record.TopUpMinutes = existing.TopUpMinutes
		t.baseSeconds = existing.UsedSeconds
		if !existing.Active {
			t.aggregated = existing.UsedSeconds
		}
	case !errors.Is(err, storage.ErrNotFound):
		r.logger.Warn().Err(err).Int("session_id", s.SessionID).Msg("Failed to load existing session record")
	}

	r.current = t
	if err := r.store.UpsertRecord(ctx, t.record); err != nil {
		metrics.JournalEvents.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Int("session_id", s.SessionID).Msg("Failed to save session record")
		return
	}

	metrics.JournalEvents.WithLabelValues("started").Inc()
	r.logger.Info().
		Int("session_id", s.SessionID).
		Str("customer", s.CustomerName).
		Str("package", s.PackageName).
		Int("duration_minutes", s.DurationMinutes).
		Msg("Journaled session start")
}

func (r *Recorder) topUp(ctx context.Context, e session.Effect) {
	if r.current == nil || e.Session == nil || e.Session.SessionID != r.current.record.SessionID {
		return
	}

	rec := &r.current.record
	rec.TopUpMinutes += (e.Seconds + 59) / 60
	if e.Session.DurationMinutes > rec.DurationMinutes {
		rec.DurationMinutes = e.Session.DurationMinutes
	}
	r.touch(e.At)

	if err := r.store.UpsertRecord(ctx, *rec); err != nil {
		metrics.JournalEvents.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Int("session_id", rec.SessionID).Msg("Failed to save top-up")
		return
	}
	metrics.JournalEvents.WithLabelValues("top_up").Inc()
}

func (r *Recorder) finish(ctx context.Context, e session.Effect) {
	if r.current == nil {
		return
	}
	if e.Session != nil && e.Session.SessionID != r.current.record.SessionID {
		r.logger.Debug().
			Int("session_id", e.Session.SessionID).
			Int("journaled_session_id", r.current.record.SessionID).
			Msg("Ignoring end for a session that is not journaled")
		return
	}
	r.close(ctx, string(e.Reason), e.At)
}

// close finalizes the running record and aggregates its unrecorded seconds
func (r *Recorder) close(ctx context.Context, reason string, at time.Time) {
	t := r.current
	r.current = nil

	r.touchTracked(t, at)
	t.record.Active = false
	t.record.EndedAt = at
	t.record.EndReason = reason

	if err := r.store.UpsertRecord(ctx, t.record); err != nil {
		metrics.JournalEvents.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Int("session_id", t.record.SessionID).Msg("Failed to finalize session record")
		return
	}

	if err := r.aggregate(ctx, t.record, t.record.UsedSeconds-t.aggregated, t.segmentStart); err != nil {
		metrics.JournalEvents.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Int("session_id", t.record.SessionID).Msg("Failed to aggregate daily usage")
		return
	}

	metrics.JournalEvents.WithLabelValues("ended").Inc()
	r.logger.Info().
		Int("session_id", t.record.SessionID).
		Str("reason", reason).
		Int64("used_seconds", t.record.UsedSeconds).
		Msg("Finalized session record")
}

// save checkpoints the running record
func (r *Recorder) save(ctx context.Context) {
	if r.current == nil {
		return
	}
	r.touch(r.clock.Now())
	if err := r.store.UpsertRecord(ctx, r.current.record); err != nil {
		metrics.JournalEvents.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Int("session_id", r.current.record.SessionID).Msg("Failed to checkpoint session record")
		return
	}
	metrics.JournalEvents.WithLabelValues("checkpoint").Inc()
}

func (r *Recorder) touch(at time.Time) {
	r.touchTracked(r.current, at)
}

func (r *Recorder) touchTracked(t *tracked, at time.Time) {
	used := t.baseSeconds + int64(at.Sub(t.segmentStart)/time.Second)
	if used < t.record.UsedSeconds {
		used = t.record.UsedSeconds
	}
	t.record.UsedSeconds = used
	if at.After(t.record.LastActivity) {
		t.record.LastActivity = at
	}
}

// aggregate adds seconds to the daily total for the day the segment started
func (r *Recorder) aggregate(ctx context.Context, rec storage.SessionRecord, seconds int64, day time.Time) error {
	if seconds <= 0 {
		return nil
	}
	date := day.Format(storage.DateFormat)
	if err := r.store.IncrementDailyUsage(ctx, date, rec.DeviceID, seconds); err != nil {
		return fmt.Errorf("failed to aggregate daily usage: %w", err)
	}

	metrics.UsageSecondsRecorded.Add(float64(seconds))
	r.logger.Debug().
		Str("date", date).
		Int("session_id", rec.SessionID).
		Int64("seconds", seconds).
		Msg("Aggregated session to daily usage")
	return nil
}

// FinalizeStale closes records that a previous run left active. The last
// checkpoint is taken as the end of the session.
func (r *Recorder) FinalizeStale(ctx context.Context) error {
	records, err := r.store.ListActiveRecords(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active records: %w", err)
	}

	for _, rec := range records {
		if rec.DeviceID != r.deviceID {
			continue
		}
		rec.Active = false
		rec.EndedAt = rec.LastActivity
		rec.EndReason = ReasonAgentRestart
		if err := r.store.UpsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to finalize record %s: %w", rec.Key(), err)
		}
		if err := r.aggregate(ctx, rec, rec.UsedSeconds, rec.StartedAt); err != nil {
			return err
		}
		metrics.JournalEvents.WithLabelValues("restart_finalized").Inc()
		r.logger.Info().
			Int("session_id", rec.SessionID).
			Int64("used_seconds", rec.UsedSeconds).
			Msg("Finalized session record left active by previous run")
	}
	return nil
}

// TodayUsage returns the journaled paid time for today
func (r *Recorder) TodayUsage(ctx context.Context) (time.Duration, error) {
	date := r.clock.Now().Format(storage.DateFormat)
	usage, err := r.store.GetDailyUsage(ctx, date, r.deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query daily usage: %w", err)
	}
	return time.Duration(usage.TotalSeconds) * time.Second, nil
}
