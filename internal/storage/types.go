package storage

import (
	"fmt"
	"time"
)

// DateFormat is the layout of daily usage dates.
const DateFormat = "2006-01-02"

// SessionRecord is the journal entry for one session on one device.
type SessionRecord struct {
	DeviceID        string    `json:"device_id"`
	SessionID       int       `json:"session_id"`
	CustomerName    string    `json:"customer_name"`
	PackageName     string    `json:"package_name"`
	StartedAt       time.Time `json:"started_at"`
	LastActivity    time.Time `json:"last_activity"`
	EndedAt         time.Time `json:"ended_at"`
	DurationMinutes int       `json:"duration_minutes"`
	TopUpMinutes    int       `json:"top_up_minutes"`
	UsedSeconds     int64     `json:"used_seconds"`
	EndReason       string    `json:"end_reason,omitempty"`
	Active          bool      `json:"active"`
}

// Key identifies the record within a store.
func (r SessionRecord) Key() string {
	return RecordKey(r.DeviceID, r.SessionID)
}

// RecordKey builds the key for a device/session pair.
func RecordKey(deviceID string, sessionID int) string {
	return fmt.Sprintf("%s/%d", deviceID, sessionID)
}

// DailyUsage aggregates paid seconds per day and device.
type DailyUsage struct {
	Date         string `json:"date"`
	DeviceID     string `json:"device_id"`
	TotalSeconds int64  `json:"total_seconds"`
}
