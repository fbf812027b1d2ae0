package bolt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/kbilling/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) UpsertRecord(ctx context.Context, record storage.SessionRecord) error {
	if record.DeviceID == "" || record.SessionID <= 0 {
		return fmt.Errorf("record requires device and session id")
	}
	return putBucketValue(ctx, s.db, bucketRecords, record.Key(), record)
}

func (s *sessionStore) GetRecord(ctx context.Context, deviceID string, sessionID int) (*storage.SessionRecord, error) {
	return getBucketValue[storage.SessionRecord](ctx, s.db, bucketRecords, storage.RecordKey(deviceID, sessionID))
}

func (s *sessionStore) ListActiveRecords(ctx context.Context) ([]storage.SessionRecord, error) {
	return listBucket(ctx, s.db, bucketRecords, func(r storage.SessionRecord) bool {
		return r.Active
	})
}

func (s *sessionStore) GetDailyUsage(ctx context.Context, date string, deviceID string) (*storage.DailyUsage, error) {
	return getBucketValue[storage.DailyUsage](ctx, s.db, bucketDailyUsage, dailyUsageKey(date, deviceID))
}

func (s *sessionStore) ListDailyUsage(ctx context.Context, date string) ([]storage.DailyUsage, error) {
	usages := make([]storage.DailyUsage, 0)
	prefix := []byte(date + "/")
	return usages, s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var usage storage.DailyUsage
			if err := unmarshal(v, &usage); err != nil {
				return err
			}
			usages = append(usages, usage)
		}
		return nil
	})
}

func (s *sessionStore) IncrementDailyUsage(ctx context.Context, date string, deviceID string, seconds int64) error {
	key := dailyUsageKey(date, deviceID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDailyUsage))
		if b == nil {
			return fmt.Errorf("daily usage bucket missing")
		}
		var usage storage.DailyUsage
		if existing := b.Get([]byte(key)); existing != nil {
			if err := unmarshal(existing, &usage); err != nil {
				return err
			}
		} else {
			usage = storage.DailyUsage{
				Date:     date,
				DeviceID: deviceID,
			}
		}
		usage.TotalSeconds += seconds
		data, err := marshal(usage)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *sessionStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	if _, err := time.Parse(storage.DateFormat, cutoffDate); err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}
	return deleteWhere(ctx, s.db, bucketDailyUsage, func(u storage.DailyUsage) bool {
		return storage.DateBefore(u.Date, cutoffDate)
	})
}

func (s *sessionStore) DeleteEndedRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return deleteWhere(ctx, s.db, bucketRecords, func(r storage.SessionRecord) bool {
		return !r.Active && r.EndedAt.Before(cutoff)
	})
}

func dailyUsageKey(date, deviceID string) string {
	return fmt.Sprintf("%s/%s", date, deviceID)
}
