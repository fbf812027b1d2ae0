package usage

import (
	"context"
	"time"

	"github.com/goodtune/kbilling/internal/clock"
	"github.com/goodtune/kbilling/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultRetentionDays is how long journal data is kept
const DefaultRetentionDays = 90

// RetentionScheduler deletes old journal data once a day
type RetentionScheduler struct {
	store       storage.SessionStore
	cleanupTime time.Time // Time of day to clean up (only hour and minute are used)
	days        int
	clock       clock.Clock
	logger      zerolog.Logger
}

// NewRetentionScheduler creates a new retention scheduler
func NewRetentionScheduler(store storage.SessionStore, cleanupTime string, days int, clk clock.Clock, logger zerolog.Logger) (*RetentionScheduler, error) {
	// Parse cleanup time (HH:MM format)
	parsedTime, err := time.Parse("15:04", cleanupTime)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = DefaultRetentionDays
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &RetentionScheduler{
		store:       store,
		cleanupTime: parsedTime,
		days:        days,
		clock:       clk,
		logger:      logger.With().Str("component", "retention-scheduler").Logger(),
	}, nil
}

// Run is the main scheduler loop. It returns when ctx is done.
func (rs *RetentionScheduler) Run(ctx context.Context) error {
	rs.logger.Info().
		Str("cleanup_time", rs.cleanupTime.Format("15:04")).
		Int("retention_days", rs.days).
		Msg("Journal retention scheduler started")

	for {
		// Calculate next cleanup time
		next := rs.calculateNextCleanup(rs.clock.Now())
		waitDuration := next.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_cleanup", next).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next journal cleanup")

		// Wait until cleanup time or stop signal
		select {
		case <-time.After(waitDuration):
			rs.Cleanup(ctx)
		case <-ctx.Done():
			rs.logger.Info().Msg("Journal retention scheduler stopped")
			return nil
		}
	}
}

// calculateNextCleanup calculates the next cleanup time after now
func (rs *RetentionScheduler) calculateNextCleanup(now time.Time) time.Time {
	// Get today's cleanup time
	today := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.cleanupTime.Hour(), rs.cleanupTime.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already passed today's cleanup time, schedule for tomorrow
	if !now.Before(today) {
		return today.AddDate(0, 0, 1)
	}

	return today
}

// Cleanup deletes daily usage and ended records older than the retention period
func (rs *RetentionScheduler) Cleanup(ctx context.Context) {
	now := rs.clock.Now()
	cutoff := now.AddDate(0, 0, -rs.days)
	cutoffDate := cutoff.Format(storage.DateFormat)

	rowsDeleted, err := rs.store.DeleteDailyUsageBefore(ctx, cutoffDate)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old daily usage data")
		return
	}

	recordsDeleted, err := rs.store.DeleteEndedRecordsBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old session records")
		return
	}

	rs.logger.Info().
		Int("usage_deleted", rowsDeleted).
		Int("records_deleted", recordsDeleted).
		Str("cutoff_date", cutoffDate).
		Msg("Journal cleanup complete")
}
