package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
}

// SessionStore keeps the session journal: one record per paid session plus
// per-day usage totals.
type SessionStore interface {
	UpsertRecord(ctx context.Context, record SessionRecord) error
	GetRecord(ctx context.Context, deviceID string, sessionID int) (*SessionRecord, error)
	ListActiveRecords(ctx context.Context) ([]SessionRecord, error)
	IncrementDailyUsage(ctx context.Context, date string, deviceID string, seconds int64) error
	GetDailyUsage(ctx context.Context, date string, deviceID string) (*DailyUsage, error)
	ListDailyUsage(ctx context.Context, date string) ([]DailyUsage, error)
	DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error)
	DeleteEndedRecordsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
