package enforce

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/goodtune/kbilling/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultRetryInterval is how often Enforcing re-checks the foreground.
	DefaultRetryInterval = 500 * time.Millisecond

	// DefaultMonitorInterval is how often Monitoring samples the foreground.
	DefaultMonitorInterval = 5 * time.Second
)

// Enforcement is the platform collaborator that keeps the billing app in front.
type Enforcement interface {
	SetLockdownEnabled(enabled bool) error
	ForceForegroundReturn() error
	IsForegrounded() (bool, error)
}

// Mode is the controller state.
type Mode int32

const (
	ModeSuspended Mode = iota
	ModeEnforcing
	ModeMonitoring
)

func (m Mode) String() string {
	switch m {
	case ModeSuspended:
		return "suspended"
	case ModeEnforcing:
		return "enforcing"
	case ModeMonitoring:
		return "monitoring"
	}
	return "unknown"
}

// Config holds controller timing.
type Config struct {
	RetryInterval   time.Duration
	MonitorInterval time.Duration
}

type command int

const (
	commandSuspend command = iota
	commandEnforce
)

// Controller keeps the station locked to the billing app whenever no paid
// session is running.
type Controller struct {
	enforcement Enforcement
	retry       time.Duration
	monitor     time.Duration
	logger      zerolog.Logger

	commands chan command
	mode     atomic.Int32

	lockdownApplied bool
	timer           *time.Timer
	timerC          <-chan time.Time
}

// NewController creates a controller. It does nothing until Run is called.
func NewController(enforcement Enforcement, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	c := &Controller{
		enforcement: enforcement,
		retry:       cfg.RetryInterval,
		monitor:     cfg.MonitorInterval,
		logger:      logger.With().Str("component", "enforcement").Logger(),
		commands:    make(chan command, 1),
	}
	c.mode.Store(int32(ModeEnforcing))
	return c
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// OnSessionActive suspends enforcement. It never blocks.
func (c *Controller) OnSessionActive() {
	c.send(commandSuspend)
}

// OnSessionEnded resumes enforcement. It never blocks.
func (c *Controller) OnSessionEnded() {
	c.send(commandEnforce)
}

// send replaces any pending command with cmd.
func (c *Controller) send(cmd command) {
	for {
		select {
		case c.commands <- cmd:
			return
		default:
		}
		select {
		case <-c.commands:
		default:
		}
	}
}

// Run drives the controller until ctx is done. The station starts locked.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info().
		Dur("retry_interval", c.retry).
		Dur("monitor_interval", c.monitor).
		Msg("Enforcement controller started")

	c.enterEnforcing()
	defer c.stopTimer()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Enforcement controller stopped")
			return nil
		case cmd := <-c.commands:
			switch cmd {
			case commandSuspend:
				if c.Mode() != ModeSuspended {
					c.enterSuspended()
				}
			case commandEnforce:
				if c.Mode() == ModeSuspended {
					c.enterEnforcing()
				}
			}
		case <-c.timerC:
			c.timerC = nil
			c.step()
		}
	}
}

func (c *Controller) step() {
	switch c.Mode() {
	case ModeEnforcing:
		if !c.lockdownApplied {
			c.applyLockdown(true)
		}
		foreground, err := c.enforcement.IsForegrounded()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Foreground probe failed")
			c.schedule(c.retry)
			return
		}
		if foreground {
			c.setMode(ModeMonitoring)
			c.schedule(c.monitor)
			return
		}
		c.returnToForeground()
		c.schedule(c.retry)

	case ModeMonitoring:
		foreground, err := c.enforcement.IsForegrounded()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Foreground probe failed")
			c.schedule(c.monitor)
			return
		}
		if foreground {
			c.schedule(c.monitor)
			return
		}
		c.logger.Warn().Msg("Billing app left the foreground without an active session")
		c.setMode(ModeEnforcing)
		c.returnToForeground()
		c.schedule(c.retry)
	}
}

func (c *Controller) enterEnforcing() {
	c.setMode(ModeEnforcing)
	c.applyLockdown(true)
	c.schedule(0)
}

func (c *Controller) enterSuspended() {
	// Any pending retry dies with the timer.
	c.stopTimer()
	c.applyLockdown(false)
	c.setMode(ModeSuspended)
}

func (c *Controller) applyLockdown(enabled bool) {
	if err := c.enforcement.SetLockdownEnabled(enabled); err != nil {
		c.logger.Error().Err(err).Bool("enabled", enabled).Msg("Failed to set lockdown")
		c.lockdownApplied = false
		return
	}
	c.lockdownApplied = enabled
}

func (c *Controller) returnToForeground() {
	if err := c.enforcement.ForceForegroundReturn(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to return billing app to foreground")
		metrics.ForegroundReturns.WithLabelValues("error").Inc()
		return
	}
	metrics.ForegroundReturns.WithLabelValues("ok").Inc()
}

func (c *Controller) setMode(m Mode) {
	prev := Mode(c.mode.Swap(int32(m)))
	metrics.EnforcementMode.Set(float64(m))
	if prev != m {
		c.logger.Info().Str("from", prev.String()).Str("to", m.String()).Msg("Enforcement mode changed")
	}
}

func (c *Controller) schedule(d time.Duration) {
	c.stopTimer()
	c.timer = time.NewTimer(d)
	c.timerC = c.timer.C
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerC = nil
}
