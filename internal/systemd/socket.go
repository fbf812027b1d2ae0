package systemd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Socket names as set by FileDescriptorName= in kbilling.socket.
const (
	MetricsSocket = "metrics"
	StatusSocket  = "status"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Metrics   net.Listener
	Status    net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors
// Returns nil listeners if not running under socket activation
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	// Named listeners require systemd 227+
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	listeners.Metrics = first(named[MetricsSocket])
	listeners.Status = first(named[StatusSocket])

	return listeners, nil
}

func first(lns []net.Listener) net.Listener {
	if len(lns) == 0 {
		return nil
	}
	return lns[0]
}

// NotifyReady sends READY=1 notification to systemd
// This tells systemd that the service has finished starting up
func NotifyReady() error {
	return notify(daemon.SdNotifyReady)
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	return notify(daemon.SdNotifyStopping)
}

// NotifyStatus publishes a one-line status shown by systemctl status.
func NotifyStatus(status string) error {
	return notify("STATUS=" + status)
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	return notify(daemon.SdNotifyWatchdog)
}

// notify is a no-op when not running under systemd.
func notify(state string) error {
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("failed to send sd_notify %q: %w", state, err)
	}
	return nil
}

// Watchdog pings the systemd watchdog at half the configured interval.
type Watchdog struct {
	interval time.Duration
	logger   zerolog.Logger
}

// NewWatchdog returns nil when the unit has no WatchdogSec= set.
func NewWatchdog(logger zerolog.Logger) (*Watchdog, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if interval <= 0 {
		return nil, nil
	}
	return &Watchdog{
		interval: interval / 2,
		logger:   logger.With().Str("component", "watchdog").Logger(),
	}, nil
}

// Run pings until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Debug().Dur("interval", w.interval).Msg("Watchdog enabled")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := NotifyWatchdog(); err != nil {
				w.logger.Warn().Err(err).Msg("Watchdog ping failed")
			}
		}
	}
}
