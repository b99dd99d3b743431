package reconcile

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"vecinal/api/internal/realtime"
	"vecinal/api/internal/store"
)

type fakeDirectory struct {
	members    map[string]store.Membership
	duplicates [][]store.User
	cleared    []string
}

func newFakeDirectory(members ...store.Membership) *fakeDirectory {
	byID := make(map[string]store.Membership, len(members))
	for _, m := range members {
		byID[m.UserID] = m
	}
	return &fakeDirectory{members: byID}
}

func (f *fakeDirectory) ListOnboarded(context.Context) ([]store.Membership, error) {
	out := make([]store.Membership, 0, len(f.members))
	// Stable order keeps test assertions simple.
	for _, id := range sortedKeys(f.members) {
		out = append(out, f.members[id])
	}
	return out, nil
}

func (f *fakeDirectory) SetChatID(_ context.Context, userID, chatID string) error {
	m := f.members[userID]
	m.ChatID = chatID
	f.members[userID] = m
	return nil
}

func (f *fakeDirectory) ClearMembership(_ context.Context, userID string) error {
	f.cleared = append(f.cleared, userID)
	delete(f.members, userID)
	return nil
}

func (f *fakeDirectory) DuplicateEmailGroups(context.Context) ([][]store.User, error) {
	return f.duplicates, nil
}

func sortedKeys(m map[string]store.Membership) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setupRealtime(t *testing.T) *realtime.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rt := realtime.NewStoreWithClient(client)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func appendMessage(t *testing.T, rt *realtime.Store, chatID, body string, at time.Time) {
	t.Helper()
	err := rt.AppendMessage(context.Background(), realtime.Message{
		ID:        "msg_" + body,
		ChatID:    chatID,
		AuthorID:  "usr_1",
		Body:      body,
		Kind:      realtime.KindNormal,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("AppendMessage(%q) error = %v", body, err)
	}
}

const legacyID = "5f8a2c91b3d4e6f7a8b9c0d1"

func TestMigrateRenamesLegacyChat(t *testing.T) {
	rt := setupRealtime(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := rt.EnsureChat(ctx, legacyID, "La Perla"); err != nil {
		t.Fatal(err)
	}
	if err := rt.AddParticipant(ctx, legacyID, "usr_1"); err != nil {
		t.Fatal(err)
	}
	appendMessage(t, rt, legacyID, "hola", base)
	appendMessage(t, rt, legacyID, "ruidos", base.Add(time.Minute))

	dir := newFakeDirectory(store.Membership{UserID: "usr_1", Neighborhood: "La Perla", ChatID: legacyID})
	c := NewCoordinator(dir, rt)

	migrated, merged, err := c.MigrateLegacyIDs(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacyIDs() error = %v", err)
	}
	if migrated != 1 {
		t.Errorf("migrated = %d, want 1", migrated)
	}
	if merged != 0 {
		t.Errorf("merged = %d, want 0 for a plain rename", merged)
	}

	if got := dir.members["usr_1"].ChatID; got != "chat_la_perla" {
		t.Errorf("directory chat id = %q, want chat_la_perla", got)
	}
	count, err := rt.MessageCount(ctx, "chat_la_perla")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("message count = %d, want 2 carried over", count)
	}
	if exists, _ := rt.ChatExists(ctx, legacyID); exists {
		t.Error("legacy chat still exists after rename")
	}
	ok, err := rt.IsParticipant(ctx, "chat_la_perla", "usr_1")
	if err != nil || !ok {
		t.Errorf("IsParticipant = %v, %v, want member of the new chat", ok, err)
	}
}

func TestMigrateMergesIntoExistingChat(t *testing.T) {
	rt := setupRealtime(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := rt.EnsureChat(ctx, "chat_la_perla", "La Perla"); err != nil {
		t.Fatal(err)
	}
	if err := rt.AddParticipant(ctx, "chat_la_perla", "usr_2"); err != nil {
		t.Fatal(err)
	}
	appendMessage(t, rt, "chat_la_perla", "nuevo", base.Add(time.Hour))

	if err := rt.EnsureChat(ctx, legacyID, "La Perla"); err != nil {
		t.Fatal(err)
	}
	if err := rt.AddParticipant(ctx, legacyID, "usr_1"); err != nil {
		t.Fatal(err)
	}
	appendMessage(t, rt, legacyID, "viejo", base)

	dir := newFakeDirectory(
		store.Membership{UserID: "usr_1", Neighborhood: "La Perla", ChatID: legacyID},
		store.Membership{UserID: "usr_2", Neighborhood: "La Perla", ChatID: "chat_la_perla"},
	)
	c := NewCoordinator(dir, rt)

	_, merged, err := c.MigrateLegacyIDs(ctx)
	if err != nil {
		t.Fatalf("MigrateLegacyIDs() error = %v", err)
	}
	if merged != 1 {
		t.Errorf("merged = %d, want 1", merged)
	}

	participants, err := rt.Participants(ctx, "chat_la_perla")
	if err != nil {
		t.Fatal(err)
	}
	if len(participants) != 2 {
		t.Errorf("participants = %v, want the union of both chats", participants)
	}
	count, _ := rt.MessageCount(ctx, "chat_la_perla")
	if count != 2 {
		t.Errorf("message count = %d, want both transcripts", count)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	rt := setupRealtime(t)
	ctx := context.Background()

	if err := rt.EnsureChat(ctx, legacyID, "La Perla"); err != nil {
		t.Fatal(err)
	}
	appendMessage(t, rt, legacyID, "hola", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	dir := newFakeDirectory(store.Membership{UserID: "usr_1", Neighborhood: "La Perla", ChatID: legacyID})
	c := NewCoordinator(dir, rt)

	for i := 0; i < 2; i++ {
		if _, _, err := c.MigrateLegacyIDs(ctx); err != nil {
			t.Fatalf("pass %d: MigrateLegacyIDs() error = %v", i+1, err)
		}
	}

	count, _ := rt.MessageCount(ctx, "chat_la_perla")
	if count != 1 {
		t.Errorf("message count after second pass = %d, want 1", count)
	}
	participants, _ := rt.Participants(ctx, "chat_la_perla")
	if len(participants) != 1 {
		t.Errorf("participants after second pass = %v, want just usr_1", participants)
	}
	if got := dir.members["usr_1"].ChatID; got != "chat_la_perla" {
		t.Errorf("directory chat id = %q after second pass", got)
	}
}

func TestResolveDuplicatesKeepsAdminThenNewest(t *testing.T) {
	rt := setupRealtime(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := rt.EnsureChat(ctx, "chat_la_perla", "La Perla"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"usr_old", "usr_new", "usr_admin"} {
		if err := rt.AddParticipant(ctx, "chat_la_perla", id); err != nil {
			t.Fatal(err)
		}
	}

	dir := newFakeDirectory()
	dir.duplicates = [][]store.User{{
		{ID: "usr_old", Email: "marta@example.com", Role: "resident", ChatID: "chat_la_perla", CreatedAt: base},
		{ID: "usr_new", Email: "Marta@example.com", Role: "resident", ChatID: "chat_la_perla", CreatedAt: base.Add(time.Hour)},
		{ID: "usr_admin", Email: "marta@example.com ", Role: "admin", ChatID: "chat_la_perla", CreatedAt: base.Add(-time.Hour)},
	}}
	c := NewCoordinator(dir, rt)

	resolved, err := c.ResolveDuplicates(ctx)
	if err != nil {
		t.Fatalf("ResolveDuplicates() error = %v", err)
	}
	if resolved != 2 {
		t.Errorf("resolved = %d, want 2", resolved)
	}
	if len(dir.cleared) != 2 {
		t.Fatalf("cleared = %v, want the two losing accounts", dir.cleared)
	}
	for _, id := range dir.cleared {
		if id == "usr_admin" {
			t.Error("admin account was cleared, want it kept")
		}
	}

	participants, _ := rt.Participants(ctx, "chat_la_perla")
	if len(participants) != 1 || participants[0] != "usr_admin" {
		t.Errorf("participants = %v, want only usr_admin", participants)
	}
}

func TestResolveDuplicatesNewestWinsAmongPeers(t *testing.T) {
	rt := setupRealtime(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	dir := newFakeDirectory()
	dir.duplicates = [][]store.User{{
		{ID: "usr_old", Email: "beto@example.com", Role: "resident", CreatedAt: base},
		{ID: "usr_new", Email: "beto@example.com", Role: "resident", CreatedAt: base.Add(time.Hour)},
	}}
	c := NewCoordinator(dir, rt)

	if _, err := c.ResolveDuplicates(context.Background()); err != nil {
		t.Fatalf("ResolveDuplicates() error = %v", err)
	}
	if len(dir.cleared) != 1 || dir.cleared[0] != "usr_old" {
		t.Errorf("cleared = %v, want only usr_old", dir.cleared)
	}
}

func TestPendingSyncListsDriftedMembers(t *testing.T) {
	rt := setupRealtime(t)
	ctx := context.Background()
	dir := newFakeDirectory(
		store.Membership{UserID: "usr_1", Neighborhood: "La Perla", ChatID: legacyID},
		store.Membership{UserID: "usr_2", Neighborhood: "La Perla", ChatID: "chat_la_perla"},
		store.Membership{UserID: "usr_3", Neighborhood: "La Perla", ChatID: "chat_la_perla"},
	)
	if err := rt.EnsureChat(ctx, "chat_la_perla", "La Perla"); err != nil {
		t.Fatal(err)
	}
	// usr_2 is fully synced; usr_3 has a canonical id but fell out of the
	// room's participant set.
	if err := rt.AddParticipant(ctx, "chat_la_perla", "usr_2"); err != nil {
		t.Fatal(err)
	}
	c := NewCoordinator(dir, rt)

	pending, err := c.PendingSync(ctx)
	if err != nil {
		t.Fatalf("PendingSync() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("PendingSync() = %+v, want usr_1 and usr_3", pending)
	}
	ids := map[string]bool{}
	for _, m := range pending {
		ids[m.UserID] = true
	}
	if !ids["usr_1"] || !ids["usr_3"] {
		t.Fatalf("PendingSync() = %+v, want usr_1 and usr_3", pending)
	}
}
