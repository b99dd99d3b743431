// Package panicalert handles the panic button: an urgent message into the
// caller's neighborhood chat plus an independently queryable tracking record.
package panicalert

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"vecinal/api/internal/chat"
	"vecinal/api/internal/realtime"
	"vecinal/api/internal/search"
	"vecinal/api/internal/store"
	"vecinal/api/internal/util"
)

// ErrNotAssigned means the caller never joined a neighborhood, so there is
// no chat to raise the alert into.
var ErrNotAssigned = errors.New("no neighborhood assigned")

// directory resolves the caller's membership and profile fallback data.
type directory interface {
	GetMembership(ctx context.Context, userID string) (store.Membership, error)
	GetUser(ctx context.Context, userID string) (store.User, error)
}

// alertStore is the durable tracking-record side.
type alertStore interface {
	InsertPanicAlert(ctx context.Context, alert store.PanicAlert) error
	ListPanicAlerts(ctx context.Context, neighborhood string, since time.Time) ([]store.PanicAlert, error)
	ResolvePanicAlert(ctx context.Context, id, resolvedBy, note string) error
}

type notifier interface {
	BroadcastToChat(ctx context.Context, chatID, authorID, title, body string, data map[string]string)
}

type Service struct {
	dir    directory
	alerts alertStore
	bus    *chat.Bus
	search *search.Service
	notify notifier
	now    func() time.Time
}

func NewService(dir directory, alerts alertStore, bus *chat.Bus, searchSvc *search.Service, notify notifier) *Service {
	return &Service{
		dir:    dir,
		alerts: alerts,
		bus:    bus,
		search: searchSvc,
		notify: notify,
		now:    time.Now,
	}
}

type RaiseInput struct {
	UserID   string
	UserName string
	Address  string
	// Coordinates is [lng, lat] when the client had a GPS fix.
	Coordinates []float64
}

type Raised struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	// Warning is set when the message was sent but a secondary write
	// failed; the caller surfaces it without failing the request.
	Warning string `json:"warning,omitempty"`
}

// Raise resolves the caller's chat, appends the panic message, and writes
// the tracking record. The two writes are independent: a failed tracking
// write downgrades to a warning because the neighbors already saw the alert.
func (s *Service) Raise(ctx context.Context, in RaiseInput) (Raised, error) {
	membership, err := s.dir.GetMembership(ctx, in.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Raised{}, ErrNotAssigned
	}
	if err != nil {
		return Raised{}, fmt.Errorf("resolve membership: %w", err)
	}

	location := s.describeLocation(ctx, in)
	now := s.now().UTC()

	metadata, _ := json.Marshal(map[string]any{
		"address":     in.Address,
		"coordinates": in.Coordinates,
	})
	body := fmt.Sprintf("🚨 ALERTA DE PÁNICO — %s necesita ayuda urgente. Ubicación: %s", in.UserName, location)
	messageID, err := s.bus.Append(ctx, chat.AppendInput{
		ChatID:       membership.ChatID,
		Neighborhood: membership.Neighborhood,
		AuthorID:     in.UserID,
		AuthorName:   in.UserName,
		Body:         body,
		Kind:         realtime.KindPanic,
		Metadata:     metadata,
	})
	if err != nil {
		return Raised{}, fmt.Errorf("append panic message: %w", err)
	}

	result := Raised{MessageID: messageID, ChatID: membership.ChatID}

	alert := store.PanicAlert{
		ID:           util.NewID("alert"),
		UserID:       in.UserID,
		UserName:     in.UserName,
		Neighborhood: membership.Neighborhood,
		ChatID:       membership.ChatID,
		Address:      in.Address,
		Status:       store.AlertActive,
		CreatedAt:    now,
	}
	if len(in.Coordinates) == 2 {
		alert.Lng, alert.Lat = &in.Coordinates[0], &in.Coordinates[1]
	}
	if err := s.alerts.InsertPanicAlert(ctx, alert); err != nil {
		log.Printf("panicalert: tracking record failed for %s (message %s delivered): %v", in.UserID, messageID, err)
		result.Warning = "alert delivered, but tracking record could not be stored"
	} else if s.search != nil {
		s.search.IndexAlert(search.AlertRecord{
			ID:           alert.ID,
			UserName:     alert.UserName,
			Address:      alert.Address,
			Neighborhood: alert.Neighborhood,
			Status:       string(alert.Status),
		})
	}

	if s.notify != nil {
		s.notify.BroadcastToChat(ctx, membership.ChatID, in.UserID,
			"Alerta de pánico en tu barrio",
			fmt.Sprintf("%s necesita ayuda: %s", in.UserName, location),
			map[string]string{"chatId": membership.ChatID, "kind": "panic"},
		)
	}

	return result, nil
}

// describeLocation renders the most human-readable location available:
// street address, else raw coordinates, else the block/lot registered on the
// caller's profile.
func (s *Service) describeLocation(ctx context.Context, in RaiseInput) string {
	if addr := strings.TrimSpace(in.Address); addr != "" {
		return addr
	}
	if len(in.Coordinates) == 2 {
		return fmt.Sprintf("%.5f, %.5f", in.Coordinates[1], in.Coordinates[0])
	}
	if user, err := s.dir.GetUser(ctx, in.UserID); err == nil && user.BlockLot != "" {
		return user.BlockLot
	}
	return "ubicación desconocida"
}

// ListAlerts serves the operational dashboard: alerts for a neighborhood
// since a cutoff, straight from the tracking records.
func (s *Service) ListAlerts(ctx context.Context, neighborhood string, since time.Time) ([]store.PanicAlert, error) {
	if since.IsZero() {
		since = s.now().Add(-24 * time.Hour)
	}
	return s.alerts.ListPanicAlerts(ctx, neighborhood, since)
}

// Resolve marks an alert handled.
func (s *Service) Resolve(ctx context.Context, alertID, resolvedBy, note string) error {
	return s.alerts.ResolvePanicAlert(ctx, alertID, resolvedBy, note)
}
