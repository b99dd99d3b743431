package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"vecinal/api/internal/realtime"
)

func setupTracker(t *testing.T) (*Tracker, *realtime.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rt := realtime.NewStoreWithClient(client)
	t.Cleanup(func() { _ = rt.Close() })
	return NewTracker(rt, DefaultOnlineWindow, DefaultAwayWindow, DefaultTypingTTL), rt
}

func TestSetOnlineIsIdempotent(t *testing.T) {
	tracker, rt := setupTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tracker.SetOnline(ctx, "chat_centro", "usr_1", "Marta"); err != nil {
			t.Fatalf("SetOnline() error = %v", err)
		}
	}

	records, err := rt.PresenceRecords(ctx, "chat_centro")
	if err != nil {
		t.Fatalf("PresenceRecords() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d presence records, want exactly 1", len(records))
	}
	if records[0].UserID != "usr_1" || records[0].UserName != "Marta" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestListActivePartition(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tracker.now = func() time.Time { return base }
	if err := tracker.SetOnline(ctx, "chat_centro", "usr_online", "Ana"); err != nil {
		t.Fatal(err)
	}
	tracker.now = func() time.Time { return base.Add(90 * time.Second) }
	if err := tracker.SetOnline(ctx, "chat_centro", "usr_away_soon", "Beto"); err != nil {
		t.Fatal(err)
	}

	// Read 100s after the first heartbeat: Ana is away (100s old),
	// Beto is online (10s old).
	tracker.now = func() time.Time { return base.Add(100 * time.Second) }
	active, err := tracker.ListActive(ctx, "chat_centro")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active.Online) != 1 || active.Online[0].UserID != "usr_away_soon" {
		t.Errorf("online = %+v", active.Online)
	}
	if len(active.Away) != 1 || active.Away[0].UserID != "usr_online" {
		t.Errorf("away = %+v", active.Away)
	}

	// Every record lands in exactly one partition.
	seen := map[string]int{}
	for _, rec := range active.Online {
		seen[rec.UserID]++
	}
	for _, rec := range active.Away {
		seen[rec.UserID]++
	}
	for user, n := range seen {
		if n != 1 {
			t.Errorf("user %s appears %d times across partitions", user, n)
		}
	}

	// 400s after the first heartbeat both are offline and invisible.
	tracker.now = func() time.Time { return base.Add(400 * time.Second) }
	active, err = tracker.ListActive(ctx, "chat_centro")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active.Online) != 0 || len(active.Away) != 0 {
		t.Errorf("expected empty partitions, got %+v", active)
	}
}

func TestSetOfflineBackdatesPastAwayWindow(t *testing.T) {
	tracker, rt := setupTracker(t)
	ctx := context.Background()

	if err := tracker.SetOnline(ctx, "chat_centro", "usr_1", "Marta"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.SetOffline(ctx, "chat_centro", "usr_1", "Marta"); err != nil {
		t.Fatal(err)
	}

	active, err := tracker.ListActive(ctx, "chat_centro")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active.Online) != 0 || len(active.Away) != 0 {
		t.Errorf("user should be offline immediately, got %+v", active)
	}

	// The record itself survives as a last-known audit trail.
	records, err := rt.PresenceRecords(ctx, "chat_centro")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("presence record should not be deleted, got %d records", len(records))
	}
}

func TestTypingClearAndTTL(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return base }

	if err := tracker.SetTyping(ctx, "chat_centro", "usr_1", "Marta"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.SetTyping(ctx, "chat_centro", "usr_2", "Ana"); err != nil {
		t.Fatal(err)
	}

	typing, err := tracker.ListTyping(ctx, "chat_centro")
	if err != nil {
		t.Fatal(err)
	}
	if len(typing) != 2 {
		t.Fatalf("got %d typing records, want 2", len(typing))
	}

	// Explicit stop removes immediately.
	if err := tracker.ClearTyping(ctx, "chat_centro", "usr_1"); err != nil {
		t.Fatal(err)
	}
	typing, err = tracker.ListTyping(ctx, "chat_centro")
	if err != nil {
		t.Fatal(err)
	}
	if len(typing) != 1 || typing[0].UserID != "usr_2" {
		t.Errorf("typing = %+v", typing)
	}

	// A crashed client's record ages out via the TTL safety net.
	tracker.now = func() time.Time { return base.Add(11 * time.Second) }
	typing, err = tracker.ListTyping(ctx, "chat_centro")
	if err != nil {
		t.Fatal(err)
	}
	if len(typing) != 0 {
		t.Errorf("stale typing records should be filtered, got %+v", typing)
	}
}
