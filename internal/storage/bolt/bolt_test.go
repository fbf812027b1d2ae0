package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/kbilling/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "kbilling.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestSessionStoreRecords(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	started := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

	records := []storage.SessionRecord{
		{DeviceID: "9f3c2a", SessionID: 1, CustomerName: "Budi", StartedAt: started, DurationMinutes: 60, Active: true},
		{DeviceID: "9f3c2a", SessionID: 2, CustomerName: "Sari", StartedAt: started, DurationMinutes: 30, Active: false, EndReason: "expired"},
		{DeviceID: "77aa01", SessionID: 1, CustomerName: "Andi", StartedAt: started, DurationMinutes: 90, Active: true},
	}
	for _, r := range records {
		if err := sessions.UpsertRecord(ctx, r); err != nil {
			t.Fatalf("upsert record: %v", err)
		}
	}

	got, err := sessions.GetRecord(ctx, "9f3c2a", 2)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.CustomerName != "Sari" || got.EndReason != "expired" {
		t.Errorf("unexpected record: %+v", got)
	}

	active, err := sessions.ListActiveRecords(ctx)
	if err != nil {
		t.Fatalf("list active records: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active records, got %d", len(active))
	}

	if _, err := sessions.GetRecord(ctx, "9f3c2a", 99); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionStoreRejectsIncompleteRecord(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	if err := store.Sessions().UpsertRecord(context.Background(), storage.SessionRecord{DeviceID: "9f3c2a"}); err == nil {
		t.Error("expected error for record without session id")
	}
}

func TestSessionStoreDailyUsage(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	if err := sessions.IncrementDailyUsage(ctx, "2024-01-02", "9f3c2a", 120); err != nil {
		t.Fatalf("increment daily usage: %v", err)
	}
	if err := sessions.IncrementDailyUsage(ctx, "2024-01-02", "9f3c2a", 60); err != nil {
		t.Fatalf("increment daily usage: %v", err)
	}
	if err := sessions.IncrementDailyUsage(ctx, "2024-01-02", "77aa01", 30); err != nil {
		t.Fatalf("increment daily usage: %v", err)
	}
	if err := sessions.IncrementDailyUsage(ctx, "2024-01-03", "9f3c2a", 45); err != nil {
		t.Fatalf("increment daily usage: %v", err)
	}

	usage, err := sessions.GetDailyUsage(ctx, "2024-01-02", "9f3c2a")
	if err != nil {
		t.Fatalf("get daily usage: %v", err)
	}
	if usage.TotalSeconds != 180 {
		t.Fatalf("expected total seconds 180, got %d", usage.TotalSeconds)
	}

	day, err := sessions.ListDailyUsage(ctx, "2024-01-02")
	if err != nil {
		t.Fatalf("list daily usage: %v", err)
	}
	if len(day) != 2 {
		t.Fatalf("expected 2 entries for 2024-01-02, got %d", len(day))
	}

	deleted, err := sessions.DeleteDailyUsageBefore(ctx, "2024-01-03")
	if err != nil {
		t.Fatalf("delete daily usage before: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted entries, got %d", deleted)
	}
	if _, err := sessions.GetDailyUsage(ctx, "2024-01-03", "9f3c2a"); err != nil {
		t.Errorf("expected newer usage to survive: %v", err)
	}
}

func TestSessionStoreDeleteEndedRecordsBefore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	records := []storage.SessionRecord{
		{DeviceID: "d", SessionID: 1, EndedAt: now.AddDate(0, 0, -100), Active: false},
		{DeviceID: "d", SessionID: 2, EndedAt: now.AddDate(0, 0, -95), Active: false},
		{DeviceID: "d", SessionID: 3, EndedAt: now.AddDate(0, 0, -1), Active: false},
		{DeviceID: "d", SessionID: 4, StartedAt: now.AddDate(0, 0, -200), Active: true},
	}
	for _, r := range records {
		if err := sessions.UpsertRecord(ctx, r); err != nil {
			t.Fatalf("upsert record: %v", err)
		}
	}

	deleted, err := sessions.DeleteEndedRecordsBefore(ctx, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("delete ended records: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted records, got %d", deleted)
	}
	for _, id := range []int{3, 4} {
		if _, err := sessions.GetRecord(ctx, "d", id); err != nil {
			t.Errorf("expected record %d to survive: %v", id, err)
		}
	}
}
