package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kbilling/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	upsertRecord        = redis.NewScript(upsertRecordScript)
	incrementDailyUsage = redis.NewScript(incrementDailyUsageScript)
)

type sessionStore struct {
	client    *redis.Client
	prefix    string
	recordTTL time.Duration
}

func newSessionStore(client *redis.Client, prefix string, recordTTL time.Duration) *sessionStore {
	return &sessionStore{client: client, prefix: prefix, recordTTL: recordTTL}
}

func (s *sessionStore) recordKey(member string) string {
	return fmt.Sprintf("%s:record:%s", s.prefix, member)
}

func (s *sessionStore) activeSet() string { return s.prefix + ":records:active" }
func (s *sessionStore) endedSet() string  { return s.prefix + ":records:ended" }
func (s *sessionStore) datesSet() string  { return s.prefix + ":usage:daily:dates" }

func (s *sessionStore) usageKey(date, deviceID string) string {
	return fmt.Sprintf("%s:usage:daily:%s:%s", s.prefix, date, deviceID)
}

func (s *sessionStore) usageIndex(date string) string {
	return fmt.Sprintf("%s:usage:daily:index:%s", s.prefix, date)
}

// UpsertRecord creates or updates a journal record
func (s *sessionStore) UpsertRecord(ctx context.Context, record storage.SessionRecord) error {
	if record.DeviceID == "" || record.SessionID <= 0 {
		return fmt.Errorf("record requires device and session id")
	}

	member := record.Key()
	active := "0"
	if record.Active {
		active = "1"
	}

	keys := []string{s.recordKey(member), s.activeSet(), s.endedSet()}
	args := []interface{}{
		member,
		record.DeviceID,
		record.SessionID,
		record.CustomerName,
		record.PackageName,
		formatTime(record.StartedAt),
		formatTime(record.LastActivity),
		formatTime(record.EndedAt),
		record.DurationMinutes,
		record.TopUpMinutes,
		record.UsedSeconds,
		record.EndReason,
		active,
		record.EndedAt.Unix(),
		int64(s.recordTTL / time.Second),
	}

	return upsertRecord.Run(ctx, s.client, keys, args...).Err()
}

// GetRecord retrieves a record by device and session id
func (s *sessionStore) GetRecord(ctx context.Context, deviceID string, sessionID int) (*storage.SessionRecord, error) {
	data, err := s.client.HGetAll(ctx, s.recordKey(storage.RecordKey(deviceID, sessionID))).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}
	return parseSessionRecord(data)
}

// ListActiveRecords returns all records still marked active
func (s *sessionStore) ListActiveRecords(ctx context.Context) ([]storage.SessionRecord, error) {
	members, err := s.client.SMembers(ctx, s.activeSet()).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []storage.SessionRecord{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, member := range members {
		cmds[i] = pipe.HGetAll(ctx, s.recordKey(member))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.SessionRecord, 0, len(members))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		record, err := parseSessionRecord(data)
		if err == nil {
			records = append(records, *record)
		}
	}

	return records, nil
}

// GetDailyUsage retrieves daily usage for a specific date and device
func (s *sessionStore) GetDailyUsage(ctx context.Context, date string, deviceID string) (*storage.DailyUsage, error) {
	data, err := s.client.HGetAll(ctx, s.usageKey(date, deviceID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}
	return parseDailyUsage(data)
}

// ListDailyUsage returns all daily usage entries for a specific date
func (s *sessionStore) ListDailyUsage(ctx context.Context, date string) ([]storage.DailyUsage, error) {
	devices, err := s.client.SMembers(ctx, s.usageIndex(date)).Result()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return []storage.DailyUsage{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(devices))
	for i, deviceID := range devices {
		cmds[i] = pipe.HGetAll(ctx, s.usageKey(date, deviceID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	usages := make([]storage.DailyUsage, 0, len(devices))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		usage, err := parseDailyUsage(data)
		if err == nil {
			usages = append(usages, *usage)
		}
	}

	return usages, nil
}

// IncrementDailyUsage atomically increments (or creates) daily usage
func (s *sessionStore) IncrementDailyUsage(ctx context.Context, date string, deviceID string, seconds int64) error {
	day, err := time.Parse(storage.DateFormat, date)
	if err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}

	keys := []string{s.usageKey(date, deviceID), s.usageIndex(date), s.datesSet()}
	args := []interface{}{date, deviceID, seconds, day.Unix()}

	return incrementDailyUsage.Run(ctx, s.client, keys, args...).Err()
}

// DeleteDailyUsageBefore deletes daily usage entries dated before cutoffDate
func (s *sessionStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := time.Parse(storage.DateFormat, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}

	dates, err := s.client.ZRangeByScore(ctx, s.datesSet(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, date := range dates {
		devices, err := s.client.SMembers(ctx, s.usageIndex(date)).Result()
		if err != nil {
			return deleted, err
		}

		keys := make([]string, 0, len(devices)+1)
		for _, deviceID := range devices {
			keys = append(keys, s.usageKey(date, deviceID))
		}

		pipe := s.client.TxPipeline()
		var del *redis.IntCmd
		if len(keys) > 0 {
			del = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, s.usageIndex(date))
		pipe.ZRem(ctx, s.datesSet(), date)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, err
		}
		if del != nil {
			deleted += int(del.Val())
		}
	}

	return deleted, nil
}

// DeleteEndedRecordsBefore deletes finished records that ended before cutoff
func (s *sessionStore) DeleteEndedRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.endedSet(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	keys := make([]string, len(members))
	zmembers := make([]interface{}, len(members))
	for i, member := range members {
		keys[i] = s.recordKey(member)
		zmembers[i] = member
	}

	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.endedSet(), zmembers...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return int(del.Val()), nil
}
