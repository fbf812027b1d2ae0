package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kbilling/internal/storage"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

// parseSessionRecord converts a Redis hash to SessionRecord
func parseSessionRecord(data map[string]string) (*storage.SessionRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	sessionID, err := strconv.Atoi(data["session_id"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse session_id: %w", err)
	}

	startedAt, err := parseTime(data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	lastActivity, err := parseTime(data["last_activity"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_activity: %w", err)
	}

	endedAt, err := parseTime(data["ended_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}

	duration, err := strconv.Atoi(data["duration_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration_minutes: %w", err)
	}

	topUp, err := strconv.Atoi(data["top_up_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse top_up_minutes: %w", err)
	}

	used, err := strconv.ParseInt(data["used_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse used_seconds: %w", err)
	}

	return &storage.SessionRecord{
		DeviceID:        data["device_id"],
		SessionID:       sessionID,
		CustomerName:    data["customer_name"],
		PackageName:     data["package_name"],
		StartedAt:       startedAt,
		LastActivity:    lastActivity,
		EndedAt:         endedAt,
		DurationMinutes: duration,
		TopUpMinutes:    topUp,
		UsedSeconds:     used,
		EndReason:       data["end_reason"],
		Active:          data["active"] == "1",
	}, nil
}

// parseDailyUsage converts a Redis hash to DailyUsage
func parseDailyUsage(data map[string]string) (*storage.DailyUsage, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalSeconds, err := strconv.ParseInt(data["total_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_seconds: %w", err)
	}

	return &storage.DailyUsage{
		Date:         data["date"],
		DeviceID:     data["device_id"],
		TotalSeconds: totalSeconds,
	}, nil
}
