package poll

import (
	"context"
	"time"

	"github.com/goodtune/kbilling/internal/device"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is how often the station reports liveness.
const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeater reports station liveness to the server. Failures are not
// surfaced to the person at the station.
type Heartbeater struct {
	client   *Client
	identity device.Identity
	interval time.Duration
	logger   zerolog.Logger
}

// NewHeartbeater creates a heartbeat loop.
func NewHeartbeater(client *Client, identity device.Identity, interval time.Duration, logger zerolog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeater{
		client:   client,
		identity: identity,
		interval: interval,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Run sends a heartbeat immediately and then every interval until ctx is done.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.beat(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	if err := h.client.Heartbeat(ctx, h.identity.Raw(), h.identity.Name, h.identity.Location); err != nil {
		if ctx.Err() == nil {
			h.logger.Debug().Err(err).Msg("Heartbeat failed")
		}
		return
	}
	h.logger.Debug().Msg("Heartbeat sent")
}
