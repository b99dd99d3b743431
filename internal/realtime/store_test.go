package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStoreWithClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetChatNotFound(t *testing.T) {
	store := setupStore(t)
	_, err := store.GetChat(context.Background(), "chat_nowhere")
	if !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("GetChat() error = %v, want ErrChatNotFound", err)
	}
}

func TestEnsureChatKeepsOriginalDocument(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.EnsureChat(ctx, "chat_la_perla", "La Perla"); err != nil {
		t.Fatal(err)
	}
	first, err := store.GetChat(ctx, "chat_la_perla")
	if err != nil {
		t.Fatal(err)
	}

	// A concurrent caller with a different casing must not overwrite.
	if err := store.EnsureChat(ctx, "chat_la_perla", "LA PERLA"); err != nil {
		t.Fatal(err)
	}
	second, err := store.GetChat(ctx, "chat_la_perla")
	if err != nil {
		t.Fatal(err)
	}
	if second.Neighborhood != "La Perla" {
		t.Errorf("neighborhood = %q, want the original", second.Neighborhood)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed across EnsureChat calls")
	}
}

func TestMessagesNewestFirstWithExclusiveCursor(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, body := range []string{"primero", "segundo", "tercero"} {
		err := store.AppendMessage(ctx, Message{
			ID:        body,
			ChatID:    "chat_la_perla",
			Body:      body,
			Kind:      KindNormal,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	head, err := store.MessagesBefore(ctx, "chat_la_perla", time.Time{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(head) != 2 || head[0].Body != "tercero" || head[1].Body != "segundo" {
		t.Fatalf("head page = %+v, want newest first", head)
	}

	// The cursor is exclusive: paging from the oldest returned message must
	// not repeat it.
	tail, err := store.MessagesBefore(ctx, "chat_la_perla", head[1].CreatedAt, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].Body != "primero" {
		t.Fatalf("tail page = %+v", tail)
	}
}

func TestMessagesEqualTimestampKeepCreationOrder(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Member bytes would order these two backwards; the append counter must
	// decide the tie.
	for _, id := range []string{"msg_zzz", "msg_aaa"} {
		err := store.AppendMessage(ctx, Message{
			ID:        id,
			ChatID:    "chat_la_perla",
			Body:      id,
			Kind:      KindNormal,
			CreatedAt: at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	messages, err := store.MessagesBefore(ctx, "chat_la_perla", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].ID != "msg_aaa" || messages[1].ID != "msg_zzz" {
		t.Fatalf("order = [%s %s], want the later append first", messages[0].ID, messages[1].ID)
	}
}

func TestReserveSendKey(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	existing, reserved, err := store.ReserveSendKey(ctx, "chat_la_perla", "key-1", "msg_a", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !reserved || existing != "" {
		t.Fatalf("fresh key: reserved = %v, existing = %q", reserved, existing)
	}

	existing, reserved, err = store.ReserveSendKey(ctx, "chat_la_perla", "key-1", "msg_b", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if reserved || existing != "msg_a" {
		t.Fatalf("replayed key: reserved = %v, existing = %q, want original id", reserved, existing)
	}
}

func TestMergeChatUnionsAndDeletesSource(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := store.EnsureChat(ctx, "chat_src", "La Perla"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddParticipant(ctx, "chat_src", "usr_1"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, Message{ID: "m1", ChatID: "chat_src", Body: "hola", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSummary(ctx, "chat_src", Summary{Text: "hola", At: base}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetActiveIncident(ctx, "chat_src", IncidentEntry{IncidentID: "inc_1", Type: "robo", ExpiresAt: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	if err := store.EnsureChat(ctx, "chat_dst", "La Perla"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddParticipant(ctx, "chat_dst", "usr_2"); err != nil {
		t.Fatal(err)
	}

	if err := store.MergeChat(ctx, "chat_src", "chat_dst"); err != nil {
		t.Fatalf("MergeChat() error = %v", err)
	}

	participants, _ := store.Participants(ctx, "chat_dst")
	if len(participants) != 2 {
		t.Errorf("participants = %v, want the union", participants)
	}
	count, _ := store.MessageCount(ctx, "chat_dst")
	if count != 1 {
		t.Errorf("message count = %d, want 1", count)
	}
	doc, err := store.GetChat(ctx, "chat_dst")
	if err != nil {
		t.Fatal(err)
	}
	if doc.LastMessage == nil || doc.LastMessage.Text != "hola" {
		t.Errorf("summary not carried over: %+v", doc.LastMessage)
	}
	entries, _ := store.ActiveIncidentEntries(ctx, "chat_dst")
	if len(entries) != 1 || entries[0].IncidentID != "inc_1" {
		t.Errorf("incident index = %+v", entries)
	}
	if exists, _ := store.ChatExists(ctx, "chat_src"); exists {
		t.Error("source chat still exists after merge")
	}

	// A second merge of the now-missing source is a no-op.
	if err := store.MergeChat(ctx, "chat_src", "chat_dst"); err != nil {
		t.Fatalf("re-merge error = %v", err)
	}
	count, _ = store.MessageCount(ctx, "chat_dst")
	if count != 1 {
		t.Errorf("message count after re-merge = %d", count)
	}
}

func TestMergeChatRepointsMessages(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := store.EnsureChat(ctx, "chat_src", "La Perla"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, Message{ID: "m1", ChatID: "chat_src", Body: "hola", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := store.MergeChat(ctx, "chat_src", "chat_dst"); err != nil {
		t.Fatal(err)
	}

	messages, err := store.MessagesBefore(ctx, "chat_dst", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if messages[0].ChatID != "chat_dst" {
		t.Errorf("merged message chatId = %q, still points at the deleted source", messages[0].ChatID)
	}

	// An append after the merge must outrank the merged message on a
	// timestamp tie.
	if err := store.AppendMessage(ctx, Message{ID: "m2", ChatID: "chat_dst", Body: "chau", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	messages, err = store.MessagesBefore(ctx, "chat_dst", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 || messages[0].ID != "m2" {
		t.Fatalf("order after merge = %+v, want the new append first", messages)
	}
}

func TestMergeChatKeepsTargetSummary(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := store.EnsureChat(ctx, "chat_src", "La Perla"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSummary(ctx, "chat_src", Summary{Text: "viejo", At: base}); err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureChat(ctx, "chat_dst", "La Perla"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSummary(ctx, "chat_dst", Summary{Text: "nuevo", At: base.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	if err := store.MergeChat(ctx, "chat_src", "chat_dst"); err != nil {
		t.Fatal(err)
	}
	doc, err := store.GetChat(ctx, "chat_dst")
	if err != nil {
		t.Fatal(err)
	}
	if doc.LastMessage == nil || doc.LastMessage.Text != "nuevo" {
		t.Errorf("target summary was overwritten: %+v", doc.LastMessage)
	}
}
