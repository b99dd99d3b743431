// Package realtime is the low-latency store for live chat state: transcripts,
// participant sets, presence, typing, and the per-chat active-incident index.
// It is a mirror of authoritative state plus ephemeral records, organized so
// every write is an idempotent upsert and membership writes commute.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrChatNotFound = errors.New("chat not found")

type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies the connection before returning.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client (tests use miniredis here).
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func chatKey(chatID string) string         { return "chat:" + chatID }
func participantsKey(chatID string) string { return "chat:" + chatID + ":participants" }
func messagesKey(chatID string) string     { return "chat:" + chatID + ":messages" }
func presenceKey(chatID string) string     { return "chat:" + chatID + ":online" }
func typingKey(chatID string) string       { return "chat:" + chatID + ":typing" }
func incidentsKey(chatID string) string    { return "chat:" + chatID + ":incidents" }
func seqKey(chatID string) string          { return "chat:" + chatID + ":seq" }
func sendKey(chatID, clientKey string) string {
	return "chat:" + chatID + ":sendkey:" + clientKey
}

// EnsureChat creates the chat root document if it does not exist. Safe to
// call on every write; concurrent callers converge on one document.
func (s *Store) EnsureChat(ctx context.Context, chatID, neighborhood string) error {
	key := chatKey(chatID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSetNX(ctx, key, "created_at", now).Err(); err != nil {
		return fmt.Errorf("ensure chat %s: %w", chatID, err)
	}
	if neighborhood != "" {
		if err := s.client.HSetNX(ctx, key, "neighborhood", neighborhood).Err(); err != nil {
			return fmt.Errorf("ensure chat %s: %w", chatID, err)
		}
	}
	return s.touch(ctx, chatID)
}

func (s *Store) ChatExists(ctx context.Context, chatID string) (bool, error) {
	n, err := s.client.Exists(ctx, chatKey(chatID)).Result()
	if err != nil {
		return false, fmt.Errorf("chat exists %s: %w", chatID, err)
	}
	return n > 0, nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (ChatDoc, error) {
	fields, err := s.client.HGetAll(ctx, chatKey(chatID)).Result()
	if err != nil {
		return ChatDoc{}, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	if len(fields) == 0 {
		return ChatDoc{}, ErrChatNotFound
	}
	doc := ChatDoc{ID: chatID, Neighborhood: fields["neighborhood"]}
	if raw, ok := fields["last_message"]; ok && raw != "" {
		var summary Summary
		if err := json.Unmarshal([]byte(raw), &summary); err == nil {
			doc.LastMessage = &summary
		}
	}
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return doc, nil
}

// DeleteChat removes the root document and every sub-collection.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	keys := []string{
		chatKey(chatID), participantsKey(chatID), messagesKey(chatID),
		presenceKey(chatID), typingKey(chatID), incidentsKey(chatID),
		seqKey(chatID),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return nil
}

func (s *Store) touch(ctx context.Context, chatID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, chatKey(chatID), "updated_at", now).Err(); err != nil {
		return fmt.Errorf("touch chat %s: %w", chatID, err)
	}
	return nil
}

// AddParticipant is a set add: commutative and idempotent, so concurrent
// onboardings into a new chat need no lock.
func (s *Store) AddParticipant(ctx context.Context, chatID, userID string) error {
	if err := s.client.SAdd(ctx, participantsKey(chatID), userID).Err(); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return s.touch(ctx, chatID)
}

func (s *Store) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	if err := s.client.SRem(ctx, participantsKey(chatID), userID).Err(); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (s *Store) Participants(ctx context.Context, chatID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, participantsKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *Store) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, participantsKey(chatID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

// SetSummary overwrites the chat's denormalized last-message cache. The
// transcript is the source of truth; callers treat failures here as
// non-fatal.
func (s *Store) SetSummary(ctx context.Context, chatID string, summary Summary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := s.client.HSet(ctx, chatKey(chatID), "last_message", string(raw)).Err(); err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return s.touch(ctx, chatID)
}

// AppendMessage adds a message to the transcript. Ordering is resolved at
// read time from the score (microsecond timestamp), so appends within one
// chat need no lock. A per-chat counter stamps each message with its
// creation rank; readers fall back to it when two timestamps collide.
func (s *Store) AppendMessage(ctx context.Context, msg Message) error {
	seq, err := s.client.Incr(ctx, seqKey(msg.ChatID)).Result()
	if err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}
	msg.Seq = seq
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = s.client.ZAdd(ctx, messagesKey(msg.ChatID), redis.Z{
		Score:  float64(msg.CreatedAt.UnixMicro()),
		Member: string(raw),
	}).Err()
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// MessagesBefore returns the newest limit messages strictly older than
// before (zero before means "from the newest"), newest first. Paging
// restarts from any message's CreatedAt.
func (s *Store) MessagesBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	max := "+inf"
	if !before.IsZero() {
		max = fmt.Sprintf("(%d", before.UnixMicro())
	}
	raws, err := s.client.ZRevRangeByScore(ctx, messagesKey(chatID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}
	// Redis orders equal scores by member bytes; restore creation order for
	// messages sharing a timestamp.
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.After(messages[j].CreatedAt)
		}
		return messages[i].Seq > messages[j].Seq
	})
	return messages, nil
}

func (s *Store) MessageCount(ctx context.Context, chatID string) (int64, error) {
	n, err := s.client.ZCard(ctx, messagesKey(chatID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ReserveSendKey claims a client-supplied idempotency key for a message id.
// Returns ("", true) when the key was fresh, or the previously recorded
// message id when a retry replays the same key.
func (s *Store) ReserveSendKey(ctx context.Context, chatID, clientKey, messageID string, ttl time.Duration) (string, bool, error) {
	key := sendKey(chatID, clientKey)
	ok, err := s.client.SetNX(ctx, key, messageID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserve send key: %w", err)
	}
	if ok {
		return "", true, nil
	}
	existing, err := s.client.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return "", false, fmt.Errorf("read send key: %w", err)
	}
	return existing, false, nil
}

// SetPresence upserts the single presence record for (chat, user).
func (s *Store) SetPresence(ctx context.Context, chatID string, rec PresenceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.HSet(ctx, presenceKey(chatID), rec.UserID, string(raw)).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

func (s *Store) PresenceRecords(ctx context.Context, chatID string) ([]PresenceRecord, error) {
	fields, err := s.client.HGetAll(ctx, presenceKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	records := make([]PresenceRecord, 0, len(fields))
	for _, raw := range fields {
		var rec PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}

func (s *Store) SetTyping(ctx context.Context, chatID string, rec TypingRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal typing: %w", err)
	}
	if err := s.client.HSet(ctx, typingKey(chatID), rec.UserID, string(raw)).Err(); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// DeleteTyping is the primary stop signal; the timestamp TTL only covers
// clients that never sent one.
func (s *Store) DeleteTyping(ctx context.Context, chatID, userID string) error {
	if err := s.client.HDel(ctx, typingKey(chatID), userID).Err(); err != nil {
		return fmt.Errorf("delete typing: %w", err)
	}
	return nil
}

func (s *Store) TypingRecords(ctx context.Context, chatID string) ([]TypingRecord, error) {
	fields, err := s.client.HGetAll(ctx, typingKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}
	records := make([]TypingRecord, 0, len(fields))
	for _, raw := range fields {
		var rec TypingRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}

// SetActiveIncident upserts one entry in the chat's active-incident index.
func (s *Store) SetActiveIncident(ctx context.Context, chatID string, entry IncidentEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal incident entry: %w", err)
	}
	if err := s.client.HSet(ctx, incidentsKey(chatID), entry.IncidentID, string(raw)).Err(); err != nil {
		return fmt.Errorf("set active incident: %w", err)
	}
	return s.touch(ctx, chatID)
}

// ActiveIncidentEntries returns every index entry, expired ones included.
// Readers apply the expiry filter; see incident.Broadcaster.
func (s *Store) ActiveIncidentEntries(ctx context.Context, chatID string) ([]IncidentEntry, error) {
	fields, err := s.client.HGetAll(ctx, incidentsKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list active incidents: %w", err)
	}
	entries := make([]IncidentEntry, 0, len(fields))
	for _, raw := range fields {
		var entry IncidentEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ExpiresAt.After(entries[j].ExpiresAt) })
	return entries, nil
}

// RemoveActiveIncident physically drops an index entry. Optional storage
// reclamation only; correctness never depends on it.
func (s *Store) RemoveActiveIncident(ctx context.Context, chatID, incidentID string) error {
	if err := s.client.HDel(ctx, incidentsKey(chatID), incidentID).Err(); err != nil {
		return fmt.Errorf("remove active incident: %w", err)
	}
	return nil
}

// MergeChat folds the chat at fromID into the chat at toID: participant set
// union, transcript union, incident index union, summary carried over when
// the target has none. The source is deleted afterwards. Re-running after a
// completed merge is a no-op because the source no longer exists.
func (s *Store) MergeChat(ctx context.Context, fromID, toID string) error {
	fields, err := s.client.HGetAll(ctx, chatKey(fromID)).Result()
	if err != nil {
		return fmt.Errorf("merge chat %s -> %s: %w", fromID, toID, err)
	}
	if len(fields) == 0 {
		return nil
	}

	if err := s.EnsureChat(ctx, toID, fields["neighborhood"]); err != nil {
		return err
	}
	if raw := fields["last_message"]; raw != "" {
		if err := s.client.HSetNX(ctx, chatKey(toID), "last_message", raw).Err(); err != nil {
			return fmt.Errorf("merge summary: %w", err)
		}
	}

	if err := s.client.SUnionStore(ctx, participantsKey(toID), participantsKey(toID), participantsKey(fromID)).Err(); err != nil {
		return fmt.Errorf("merge participants: %w", err)
	}

	entries, err := s.client.ZRangeWithScores(ctx, messagesKey(fromID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read source messages: %w", err)
	}
	for _, entry := range entries {
		// Repoint each message at the surviving chat so the payload agrees
		// with the zset key it now lives under.
		var msg Message
		if err := json.Unmarshal([]byte(entry.Member.(string)), &msg); err != nil {
			return fmt.Errorf("decode source message: %w", err)
		}
		msg.ChatID = toID
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode merged message: %w", err)
		}
		if err := s.client.ZAdd(ctx, messagesKey(toID), redis.Z{Score: entry.Score, Member: string(raw)}).Err(); err != nil {
			return fmt.Errorf("merge message: %w", err)
		}
	}
	if err := s.carrySeq(ctx, fromID, toID); err != nil {
		return err
	}

	incidents, err := s.client.HGetAll(ctx, incidentsKey(fromID)).Result()
	if err != nil {
		return fmt.Errorf("read source incidents: %w", err)
	}
	for id, raw := range incidents {
		if err := s.client.HSetNX(ctx, incidentsKey(toID), id, raw).Err(); err != nil {
			return fmt.Errorf("merge incident entry: %w", err)
		}
	}

	return s.DeleteChat(ctx, fromID)
}

// carrySeq advances the target's message counter past the source's so
// appends after a merge always outrank the merged messages on ties.
func (s *Store) carrySeq(ctx context.Context, fromID, toID string) error {
	src, err := s.client.Get(ctx, seqKey(fromID)).Int64()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read source seq: %w", err)
	}
	dst, err := s.client.Get(ctx, seqKey(toID)).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read target seq: %w", err)
	}
	if src > dst {
		if err := s.client.Set(ctx, seqKey(toID), src, 0).Err(); err != nil {
			return fmt.Errorf("carry seq: %w", err)
		}
	}
	return nil
}
