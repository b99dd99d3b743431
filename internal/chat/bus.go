// Package chat is the message bus: appends to a chat's transcript and keeps
// the denormalized last-message summary fresh.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"vecinal/api/internal/realtime"
	"vecinal/api/internal/util"
)

const (
	summaryMaxRunes = 120
	sendKeyTTL      = 24 * time.Hour
)

var (
	ErrEmptyMessage = errors.New("message body is empty")
	ErrBadKind      = errors.New("unknown message kind")
)

type Bus struct {
	rt  *realtime.Store
	now func() time.Time
}

func NewBus(rt *realtime.Store) *Bus {
	return &Bus{rt: rt, now: time.Now}
}

type AppendInput struct {
	ChatID       string
	Neighborhood string
	AuthorID     string
	AuthorName   string
	Body         string
	Kind         realtime.MessageKind
	Metadata     json.RawMessage
	// ClientKey is an optional idempotency token; a retry carrying the same
	// key returns the original message id instead of appending twice.
	ClientKey string
}

// Append writes a message to the transcript. It never rejects on
// chat-not-found: a missing chat is created empty on the way in, which also
// makes stray writes against a just-migrated legacy id harmless. The summary
// update afterwards is best-effort; its failure never rolls back the append.
func (b *Bus) Append(ctx context.Context, in AppendInput) (string, error) {
	if strings.TrimSpace(in.Body) == "" {
		return "", ErrEmptyMessage
	}
	switch in.Kind {
	case "":
		in.Kind = realtime.KindNormal
	case realtime.KindNormal, realtime.KindPanic, realtime.KindIncident:
	default:
		return "", ErrBadKind
	}

	msg := realtime.Message{
		ID:         util.NewID("msg"),
		ChatID:     in.ChatID,
		AuthorID:   in.AuthorID,
		AuthorName: in.AuthorName,
		Body:       in.Body,
		Kind:       in.Kind,
		Metadata:   in.Metadata,
		CreatedAt:  b.now().UTC(),
	}

	if in.ClientKey != "" {
		existing, reserved, err := b.rt.ReserveSendKey(ctx, in.ChatID, in.ClientKey, msg.ID, sendKeyTTL)
		if err != nil {
			return "", err
		}
		if !reserved && existing != "" {
			return existing, nil
		}
	}

	if err := b.rt.EnsureChat(ctx, in.ChatID, in.Neighborhood); err != nil {
		return "", err
	}
	if err := b.rt.AppendMessage(ctx, msg); err != nil {
		return "", err
	}

	summary := realtime.Summary{
		Text:       util.Truncate(msg.Body, summaryMaxRunes),
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		At:         msg.CreatedAt,
	}
	if err := b.rt.SetSummary(ctx, in.ChatID, summary); err != nil {
		log.Printf("chat: summary update failed for %s (message %s kept): %v", in.ChatID, msg.ID, err)
	}

	return msg.ID, nil
}

// List returns the newest limit messages, optionally strictly older than
// before. A zero before starts from the head; callers page by passing the
// oldest returned CreatedAt back in.
func (b *Bus) List(ctx context.Context, chatID string, limit int, before time.Time) ([]realtime.Message, error) {
	messages, err := b.rt.MessagesBefore(ctx, chatID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list transcript %s: %w", chatID, err)
	}
	return messages, nil
}
