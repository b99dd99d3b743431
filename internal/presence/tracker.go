// Package presence infers per-chat liveness purely from timestamps. Clients
// poll: they heartbeat setOnline on an interval and read listActive, and a
// user who stops polling simply ages out of the online and away windows. No
// disconnect event exists anywhere in the system.
package presence

import (
	"context"
	"time"

	"vecinal/api/internal/realtime"
)

const (
	DefaultOnlineWindow = 60 * time.Second
	DefaultAwayWindow   = 300 * time.Second
	DefaultTypingTTL    = 10 * time.Second
)

type Tracker struct {
	rt           *realtime.Store
	onlineWindow time.Duration
	awayWindow   time.Duration
	typingTTL    time.Duration
	now          func() time.Time
}

func NewTracker(rt *realtime.Store, onlineWindow, awayWindow, typingTTL time.Duration) *Tracker {
	if onlineWindow <= 0 {
		onlineWindow = DefaultOnlineWindow
	}
	if awayWindow <= 0 {
		awayWindow = DefaultAwayWindow
	}
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &Tracker{
		rt:           rt,
		onlineWindow: onlineWindow,
		awayWindow:   awayWindow,
		typingTTL:    typingTTL,
		now:          time.Now,
	}
}

// ActiveUsers partitions a chat's presence records: every record is online,
// away, or omitted (offline), never more than one of these.
type ActiveUsers struct {
	Online []realtime.PresenceRecord `json:"online"`
	Away   []realtime.PresenceRecord `json:"away"`
}

// SetOnline upserts the caller's presence record with lastSeen = now.
// Calling it repeatedly is the heartbeat; it never accumulates records.
func (t *Tracker) SetOnline(ctx context.Context, chatID, userID, userName string) error {
	return t.rt.SetPresence(ctx, chatID, realtime.PresenceRecord{
		UserID:   userID,
		UserName: userName,
		LastSeen: t.now().UTC(),
	})
}

// SetOffline backdates lastSeen past the away window instead of deleting,
// which makes the user offline immediately while keeping a last-known
// timestamp for the record.
func (t *Tracker) SetOffline(ctx context.Context, chatID, userID, userName string) error {
	return t.rt.SetPresence(ctx, chatID, realtime.PresenceRecord{
		UserID:   userID,
		UserName: userName,
		LastSeen: t.now().UTC().Add(-t.awayWindow),
	})
}

// ListActive reads all presence records and partitions them by age:
// online when now-lastSeen < onlineWindow, away when < awayWindow,
// dropped otherwise.
func (t *Tracker) ListActive(ctx context.Context, chatID string) (ActiveUsers, error) {
	records, err := t.rt.PresenceRecords(ctx, chatID)
	if err != nil {
		return ActiveUsers{}, err
	}
	now := t.now()
	active := ActiveUsers{
		Online: []realtime.PresenceRecord{},
		Away:   []realtime.PresenceRecord{},
	}
	for _, rec := range records {
		age := now.Sub(rec.LastSeen)
		switch {
		case age < t.onlineWindow:
			active.Online = append(active.Online, rec)
		case age < t.awayWindow:
			active.Away = append(active.Away, rec)
		}
	}
	return active, nil
}

// SetTyping upserts the caller's typing record.
func (t *Tracker) SetTyping(ctx context.Context, chatID, userID, userName string) error {
	return t.rt.SetTyping(ctx, chatID, realtime.TypingRecord{
		UserID:   userID,
		UserName: userName,
		At:       t.now().UTC(),
	})
}

// ClearTyping deletes the record; this is the primary stop signal.
func (t *Tracker) ClearTyping(ctx context.Context, chatID, userID string) error {
	return t.rt.DeleteTyping(ctx, chatID, userID)
}

// ListTyping filters out records older than the typing TTL, covering
// clients that crashed before clearing.
func (t *Tracker) ListTyping(ctx context.Context, chatID string) ([]realtime.TypingRecord, error) {
	records, err := t.rt.TypingRecords(ctx, chatID)
	if err != nil {
		return nil, err
	}
	now := t.now()
	fresh := []realtime.TypingRecord{}
	for _, rec := range records {
		if now.Sub(rec.At) < t.typingTTL {
			fresh = append(fresh, rec)
		}
	}
	return fresh, nil
}
