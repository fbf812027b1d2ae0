package notify

import (
	"sync"
	"time"

	"github.com/goodtune/kbilling/internal/clock"
	"github.com/goodtune/kbilling/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultThrottle is the minimum gap between any two notifications.
	DefaultThrottle = 5 * time.Second

	// DefaultDuplicateWindow suppresses a repeat of the last message.
	DefaultDuplicateWindow = 10 * time.Second
)

// Notifier presents a short message to the person at the station.
type Notifier interface {
	Show(message string) error
}

// Config holds sink timing.
type Config struct {
	Throttle        time.Duration
	DuplicateWindow time.Duration
}

// Sink rate-limits notifications before handing them to a Notifier. It is
// independent of the session machine's warning bookkeeping.
type Sink struct {
	notifier  Notifier
	clock     clock.Clock
	throttle  time.Duration
	dupWindow time.Duration
	logger    zerolog.Logger

	mu          sync.Mutex
	lastShownAt time.Time
	lastMessage string
}

// NewSink creates a notification sink.
func NewSink(notifier Notifier, cfg Config, clk clock.Clock, logger zerolog.Logger) *Sink {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Sink{
		notifier:  notifier,
		clock:     clk,
		throttle:  cfg.Throttle,
		dupWindow: cfg.DuplicateWindow,
		logger:    logger.With().Str("component", "notify").Logger(),
	}
}

// Notify shows msg unless it is throttled or a recent duplicate. It reports
// whether the message was shown.
func (s *Sink) Notify(msg string) bool {
	if msg == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	since := now.Sub(s.lastShownAt)
	shownBefore := !s.lastShownAt.IsZero()

	if shownBefore && since < s.throttle {
		s.logger.Debug().Str("message", msg).Dur("since_last", since).Msg("Notification throttled")
		metrics.NotificationsTotal.WithLabelValues("throttled").Inc()
		return false
	}
	if shownBefore && msg == s.lastMessage && since < s.dupWindow {
		s.logger.Debug().Str("message", msg).Msg("Duplicate notification blocked")
		metrics.NotificationsTotal.WithLabelValues("duplicate").Inc()
		return false
	}

	if err := s.notifier.Show(msg); err != nil {
		s.logger.Error().Err(err).Str("message", msg).Msg("Failed to show notification")
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return false
	}

	s.lastShownAt = now
	s.lastMessage = msg
	metrics.NotificationsTotal.WithLabelValues("shown").Inc()
	s.logger.Debug().Str("message", msg).Msg("Notification shown")
	return true
}
