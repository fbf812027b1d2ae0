package reconcile

import (
	"context"
	"time"

	"github.com/goodtune/kbilling/internal/device"
	"github.com/goodtune/kbilling/internal/metrics"
	"github.com/goodtune/kbilling/internal/session"
	"github.com/rs/zerolog"
)

// DefaultTickInterval is the local countdown step.
const DefaultTickInterval = time.Second

// DefaultPollTimeout bounds a single poll.
const DefaultPollTimeout = 10 * time.Second

// Ticker feeds one tick observation per interval while a session runs.
type Ticker struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
}

// NewTicker creates the local countdown producer.
func NewTicker(engine *Engine, interval time.Duration, logger zerolog.Logger) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("component", "ticker").Logger(),
	}
}

// Run ticks until ctx is done.
func (t *Ticker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !t.engine.Snapshot().Phase.Running() {
				continue
			}
			if err := t.engine.Submit(ctx, session.Observation{Source: session.SourceTick, Kind: session.KindTick}); err != nil {
				return nil
			}
		}
	}
}

// SessionSource answers whether the server has an active session. A nil
// session with a nil error means none.
type SessionSource interface {
	ActiveSession(ctx context.Context, deviceID string) (*session.Session, error)
}

// Poller is the single poll scheduler of the agent.
type Poller struct {
	engine   *Engine
	source   SessionSource
	identity device.Identity
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewPoller creates the poll scheduler.
func NewPoller(engine *Engine, source SessionSource, identity device.Identity, timeout time.Duration, logger zerolog.Logger) *Poller {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &Poller{
		engine:   engine,
		source:   source,
		identity: identity,
		timeout:  timeout,
		logger:   logger.With().Str("component", "poller").Logger(),
	}
}

// Run polls once at startup, then on the engine's cadence or whenever the
// engine asks for it.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Str("device_id", p.identity.Raw()).Msg("Poller started")

	for {
		if err := p.poll(ctx); err != nil {
			return nil
		}

		timer := time.NewTimer(p.engine.PollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info().Msg("Poller stopped")
			return nil
		case <-p.engine.PollRequests():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// poll asks the server once. Failures produce no observation; the error
// return is reserved for ctx being done.
func (p *Poller) poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	s, err := p.source.ActiveSession(pollCtx, p.identity.Raw())
	metrics.PollDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		metrics.PollResults.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Msg("Active session poll failed")
		return nil
	}

	if s == nil {
		metrics.PollResults.WithLabelValues("absent").Inc()
	} else {
		metrics.PollResults.WithLabelValues("active").Inc()
		s.ObservedAt = time.Now()
	}

	return p.engine.Submit(ctx, session.Observation{
		Source:  session.SourcePoll,
		Kind:    session.KindSnapshot,
		Session: s,
	})
}
