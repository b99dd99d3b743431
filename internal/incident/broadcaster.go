// Package incident creates time-bounded incident reports and broadcasts them
// into the owning neighborhood chat.
package incident

import (
	"context"
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

var (
	ErrUnknownType        = errors.New("unknown incident type")
	ErrInvalidCoordinates = errors.New("location must be a [lng, lat] coordinate pair")
	ErrMissingChat        = errors.New("chat id is required")
)

// recordStore is the durable side of an incident. *store.PostgresStore
// satisfies it; tests use a function-field fake.
type recordStore interface {
	InsertIncident(ctx context.Context, inc store.Incident) error
	ListIncidentsByNeighborhood(ctx context.Context, neighborhood string, limit int) ([]store.Incident, error)
}

type notifier interface {
	BroadcastToChat(ctx context.Context, chatID, authorID, title, body string, data map[string]string)
}

type Broadcaster struct {
	records        recordStore
	rt             *realtime.Store
	bus            *chat.Bus
	search         *search.Service
	notify         notifier
	types          map[string]struct{}
	defaultMinutes int
	now            func() time.Time
}

func NewBroadcaster(records recordStore, rt *realtime.Store, bus *chat.Bus, searchSvc *search.Service, notify notifier, types []string, defaultMinutes int) *Broadcaster {
	vocabulary := make(map[string]struct{}, len(types))
	for _, t := range types {
		vocabulary[t] = struct{}{}
	}
	if defaultMinutes <= 0 {
		defaultMinutes = 60
	}
	return &Broadcaster{
		records:        records,
		rt:             rt,
		bus:            bus,
		search:         searchSvc,
		notify:         notify,
		types:          vocabulary,
		defaultMinutes: defaultMinutes,
		now:            time.Now,
	}
}

type CreateInput struct {
	Type         string
	Description  string
	Neighborhood string
	ChatID       string
	// Coordinates is [lng, lat], GeoJSON order.
	Coordinates []float64
	Tags        []string
	CreatedBy   string
	// ActiveForMinutes nil means the configured default; zero is a valid
	// value producing an immediately expired incident.
	ActiveForMinutes *int
}

type Created struct {
	IncidentID string    `json:"incidentId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Create validates, then performs three independently retryable writes in
// order: the durable incident record, the system transcript message, and the
// chat's active-incident index entry. Only the first write is load-bearing;
// the incident surviving with a failed broadcast beats dropping a citizen
// report, so later failures are logged and swallowed.
func (b *Broadcaster) Create(ctx context.Context, in CreateInput) (Created, error) {
	if _, ok := b.types[in.Type]; !ok {
		return Created{}, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	if len(in.Coordinates) != 2 {
		return Created{}, ErrInvalidCoordinates
	}
	lng, lat := in.Coordinates[0], in.Coordinates[1]
	if lng < -180 || lng > 180 || lat < -90 || lat > 90 {
		return Created{}, ErrInvalidCoordinates
	}
	if strings.TrimSpace(in.ChatID) == "" {
		return Created{}, ErrMissingChat
	}

	minutes := b.defaultMinutes
	if in.ActiveForMinutes != nil {
		minutes = *in.ActiveForMinutes
	}
	now := b.now().UTC()
	inc := store.Incident{
		ID:           util.NewID("inc"),
		Type:         in.Type,
		Description:  in.Description,
		Neighborhood: in.Neighborhood,
		ChatID:       in.ChatID,
		Lng:          lng,
		Lat:          lat,
		Status:       store.IncidentActive,
		ActiveUntil:  now.Add(time.Duration(minutes) * time.Minute),
		CreatedBy:    in.CreatedBy,
		Tags:         in.Tags,
		CreatedAt:    now,
	}

	if err := b.records.InsertIncident(ctx, inc); err != nil {
		return Created{}, err
	}

	// The message metadata embeds the full snapshot so the transcript is
	// self-describing even if the incident record is later pruned.
	snapshot, err := json.Marshal(map[string]any{
		"incidentId":   inc.ID,
		"type":         inc.Type,
		"description":  inc.Description,
		"neighborhood": inc.Neighborhood,
		"coordinates":  []float64{inc.Lng, inc.Lat},
		"tags":         in.Tags,
		"expiresAt":    inc.ActiveUntil,
	})
	if err != nil {
		snapshot = nil
	}
	if _, err := b.bus.Append(ctx, chat.AppendInput{
		ChatID:       inc.ChatID,
		Neighborhood: inc.Neighborhood,
		AuthorID:     realtime.SystemAuthorID,
		AuthorName:   "Vecinal",
		Body:         fmt.Sprintf("⚠️ Incidente reportado: %s — %s", inc.Type, inc.Description),
		Kind:         realtime.KindIncident,
		Metadata:     snapshot,
	}); err != nil {
		log.Printf("incident: transcript broadcast failed for %s (record kept): %v", inc.ID, err)
	}

	if err := b.rt.SetActiveIncident(ctx, inc.ChatID, realtime.IncidentEntry{
		IncidentID:  inc.ID,
		Type:        inc.Type,
		Description: inc.Description,
		ExpiresAt:   inc.ActiveUntil,
	}); err != nil {
		log.Printf("incident: active index update failed for %s (record kept): %v", inc.ID, err)
	}

	if b.search != nil {
		b.search.IndexIncident(search.IncidentRecord{
			ID:           inc.ID,
			Type:         inc.Type,
			Description:  inc.Description,
			Neighborhood: inc.Neighborhood,
			Status:       string(inc.Status),
		})
	}
	if b.notify != nil {
		b.notify.BroadcastToChat(ctx, inc.ChatID, inc.CreatedBy,
			"Incidente en tu barrio",
			fmt.Sprintf("%s: %s", inc.Type, util.Truncate(inc.Description, 80)),
			map[string]string{"incidentId": inc.ID, "kind": "incident"},
		)
	}

	return Created{IncidentID: inc.ID, ExpiresAt: inc.ActiveUntil}, nil
}

// ActiveForChat reads the chat's active-incident index and applies the lazy
// expiry filter: entries whose expiresAt has passed are invisible here but
// never physically removed by this path.
func (b *Broadcaster) ActiveForChat(ctx context.Context, chatID string) ([]realtime.IncidentEntry, error) {
	entries, err := b.rt.ActiveIncidentEntries(ctx, chatID)
	if err != nil {
		return nil, err
	}
	now := b.now()
	active := []realtime.IncidentEntry{}
	for _, entry := range entries {
		if entry.ExpiresAt.After(now) {
			active = append(active, entry)
		}
	}
	return active, nil
}

// ListByNeighborhood returns full incident records with status computed at
// read time; expired incidents are shown, only their status changes.
func (b *Broadcaster) ListByNeighborhood(ctx context.Context, neighborhood string, limit int) ([]store.Incident, error) {
	incidents, err := b.records.ListIncidentsByNeighborhood(ctx, neighborhood, limit)
	if err != nil {
		return nil, err
	}
	now := b.now()
	for i := range incidents {
		if !incidents[i].ActiveUntil.After(now) {
			incidents[i].Status = store.IncidentExpired
		}
	}
	return incidents, nil
}

// SweepExpired drops expired entries from a chat's active-incident index.
// Pure storage reclamation; readers already filter, so skipping the sweep
// costs nothing but memory.
func (b *Broadcaster) SweepExpired(ctx context.Context, chatID string) (int, error) {
	entries, err := b.rt.ActiveIncidentEntries(ctx, chatID)
	if err != nil {
		return 0, err
	}
	now := b.now()
	removed := 0
	for _, entry := range entries {
		if entry.ExpiresAt.After(now) {
			continue
		}
		if err := b.rt.RemoveActiveIncident(ctx, chatID, entry.IncidentID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
