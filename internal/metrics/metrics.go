package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	RemainingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbilling_session_remaining_seconds",
			Help: "Seconds left on the current session (0 when idle)",
		},
	)

	SessionPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbilling_session_phase",
			Help: "Current phase (0=no_session, 1=active, 2=expiring, 3=ended)",
		},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbilling_sessions_ended_total",
			Help: "Sessions ended locally by reason",
		},
		[]string{"reason"},
	)

	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbilling_sessions_started_total",
			Help: "Sessions started locally",
		},
	)

	TopUps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbilling_top_ups_total",
			Help: "Top-ups applied to the running session",
		},
	)

	WarningsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbilling_warnings_total",
			Help: "Remaining-time warnings emitted",
		},
		[]string{"origin"},
	)

	// Reconciliation metrics
	ObservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbilling_observations_total",
			Help: "Observations applied to the session machine",
		},
		[]string{"source", "kind"},
	)

	ObservationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbilling_observations_dropped_total",
			Help: "Observations discarded before reaching the session machine",
		},
		[]string{"reason"},
	)

	PollResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbilling_poll_results_total",
			Help: "Active-session poll outcomes",
		},
		[]string{"result"},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kbilling_poll_duration_seconds",
			Help:    "Active-session poll latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Push channel metrics
	PushConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbilling_push_connected",
			Help: "Whether the push channel is connected (1) or not (0)",
		},
	)

	PushReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbilling_push_reconnects_total",
			Help: "Push channel reconnect attempts",
		},
	)

	PushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbilling_push_events_total",
			Help: "Push events received by event name",
		},
		[]string{"event"},
	)

	// Enforcement metrics
	EnforcementMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbilling_enforcement_mode",
			Help: "Enforcement mode (0=suspended, 1=enforcing, 2=monitoring)",
		},
	)

	ForegroundReturns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbilling_foreground_returns_total",
			Help: "Attempts to bring the billing app back to the foreground",
		},
		[]string{"result"},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbilling_notifications_total",
			Help: "Notifications by outcome (shown, throttled, duplicate, failed)",
		},
		[]string{"outcome"},
	)

	// Journal metrics
	JournalEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbilling_journal_events_total",
			Help: "Session journal events by outcome",
		},
		[]string{"outcome"},
	)

	UsageSecondsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbilling_usage_seconds_recorded_total",
			Help: "Seconds of paid usage written to the journal",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RemainingSeconds,
		SessionPhase,
		SessionsEnded,
		SessionsStarted,
		TopUps,
		WarningsFired,
		ObservationsTotal,
		ObservationsDropped,
		PollResults,
		PollDuration,
		PushConnected,
		PushReconnects,
		PushEvents,
		EnforcementMode,
		ForegroundReturns,
		NotificationsTotal,
		JournalEvents,
		UsageSecondsRecorded,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
