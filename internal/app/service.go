package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"vecinal/api/internal/auth"
	"vecinal/api/internal/chat"
	"vecinal/api/internal/incident"
	"vecinal/api/internal/panicalert"
	"vecinal/api/internal/presence"
	"vecinal/api/internal/realtime"
	"vecinal/api/internal/reconcile"
	"vecinal/api/internal/search"
	"vecinal/api/internal/store"
)

// Session is the caller identity parsed from the bearer token. Request
// bodies never carry a user id; everything identity-shaped comes from here.
type Session struct {
	UserID string
	Email  string
	Name   string
	Role   string
}

// dataStore is the slice of the directory the app layer touches directly.
// *store.PostgresStore satisfies it.
type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUser(ctx context.Context, id, email, displayName string) (store.User, error)
	GetMembership(ctx context.Context, userID string) (store.Membership, error)
	SetMembership(ctx context.Context, userID, neighborhood string) (string, error)
}

type Service struct {
	jwtSecret []byte
	data      dataStore
	rt        *realtime.Store
	bus       *chat.Bus
	presence  *presence.Tracker
	incidents *incident.Broadcaster
	alerts    *panicalert.Service
	search    *search.Service
	reconcile *reconcile.Coordinator
}

func NewService(
	jwtSecret []byte,
	data dataStore,
	rt *realtime.Store,
	bus *chat.Bus,
	tracker *presence.Tracker,
	incidents *incident.Broadcaster,
	panicSvc *panicalert.Service,
	searchSvc *search.Service,
	coordinator *reconcile.Coordinator,
) *Service {
	return &Service{
		jwtSecret: jwtSecret,
		data:      data,
		rt:        rt,
		bus:       bus,
		presence:  tracker,
		incidents: incidents,
		alerts:    panicSvc,
		search:    searchSvc,
		reconcile: coordinator,
	}
}

// SessionFromToken validates the bearer token and upserts the directory row
// so a first request after signup never races a missing user.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.data.EnsureUser(ctx, claims.Sub, claims.Email, claims.Name)
	if err != nil {
		return Session{}, fmt.Errorf("ensure user %s: %w", claims.Sub, err)
	}
	role := user.Role
	if claims.Role != "" {
		role = claims.Role
	}
	return Session{UserID: user.ID, Email: user.Email, Name: user.DisplayName, Role: role}, nil
}

// Ping reports readiness of both stores.
func (s *Service) Ping(ctx context.Context) (dbErr, redisErr error) {
	return s.data.Ping(ctx), s.rt.Ping(ctx)
}

// JoinChat onboards the caller into their neighborhood chat: directory row
// first, then the realtime room and membership set.
func (s *Service) JoinChat(ctx context.Context, session Session, neighborhood string) (map[string]any, error) {
	chatID, err := s.data.SetMembership(ctx, session.UserID, neighborhood)
	if err != nil {
		return nil, err
	}
	if err := s.rt.EnsureChat(ctx, chatID, neighborhood); err != nil {
		return nil, err
	}
	if err := s.rt.AddParticipant(ctx, chatID, session.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"chatId": chatID, "neighborhood": neighborhood}, nil
}

// membership resolves the caller's chat, translating a missing row into the
// caller-facing not-assigned error.
func (s *Service) membership(ctx context.Context, session Session) (store.Membership, error) {
	m, err := s.data.GetMembership(ctx, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, domainError(http.StatusConflict, "NOT_ASSIGNED", "Join a neighborhood before using the chat", nil)
	}
	if err != nil {
		return store.Membership{}, err
	}
	return m, nil
}

type SendMessageInput struct {
	ChatID    string
	Message   string
	Kind      string
	ClientKey string
	Metadata  []byte
}

// SendMessage appends a message as the session user. An empty chat id falls
// back to the caller's own neighborhood chat; a foreign chat id is rejected.
func (s *Service) SendMessage(ctx context.Context, session Session, in SendMessageInput) (map[string]any, error) {
	m, err := s.membership(ctx, session)
	if err != nil {
		return nil, err
	}
	chatID := in.ChatID
	if chatID == "" {
		chatID = m.ChatID
	}
	if chatID != m.ChatID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not a participant of this chat", nil)
	}

	messageID, err := s.bus.Append(ctx, chat.AppendInput{
		ChatID:       chatID,
		Neighborhood: m.Neighborhood,
		AuthorID:     session.UserID,
		AuthorName:   session.Name,
		Body:         in.Message,
		Kind:         realtime.MessageKind(in.Kind),
		Metadata:     in.Metadata,
		ClientKey:    in.ClientKey,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"messageId": messageID, "chatId": chatID}, nil
}

// Messages returns a transcript page, newest first.
func (s *Service) Messages(ctx context.Context, chatID string, limit int, before time.Time) (map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	messages, err := s.bus.List(ctx, chatID, limit, before)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []realtime.Message{}
	}
	return map[string]any{"messages": messages}, nil
}

func (s *Service) Participants(ctx context.Context, chatID string) (map[string]any, error) {
	if _, err := s.rt.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	participants, err := s.rt.Participants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"participants": participants}, nil
}

func (s *Service) SetPresence(ctx context.Context, session Session, chatID string, online bool) error {
	if online {
		return s.presence.SetOnline(ctx, chatID, session.UserID, session.Name)
	}
	return s.presence.SetOffline(ctx, chatID, session.UserID, session.Name)
}

func (s *Service) Presence(ctx context.Context, chatID string) (presence.ActiveUsers, error) {
	return s.presence.ListActive(ctx, chatID)
}

func (s *Service) SetTyping(ctx context.Context, session Session, chatID string, typing bool) error {
	if typing {
		return s.presence.SetTyping(ctx, chatID, session.UserID, session.Name)
	}
	return s.presence.ClearTyping(ctx, chatID, session.UserID)
}

func (s *Service) Typing(ctx context.Context, chatID string) (map[string]any, error) {
	records, err := s.presence.ListTyping(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []realtime.TypingRecord{}
	}
	return map[string]any{"typing": records}, nil
}

func (s *Service) CreateIncident(ctx context.Context, session Session, in incident.CreateInput) (incident.Created, error) {
	in.CreatedBy = session.UserID
	return s.incidents.Create(ctx, in)
}

func (s *Service) ActiveIncidents(ctx context.Context, chatID string) (map[string]any, error) {
	entries, err := s.incidents.ActiveForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []realtime.IncidentEntry{}
	}
	return map[string]any{"incidents": entries}, nil
}

func (s *Service) IncidentsByNeighborhood(ctx context.Context, neighborhood string, limit int) (map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	incidents, err := s.incidents.ListByNeighborhood(ctx, neighborhood, limit)
	if err != nil {
		return nil, err
	}
	if incidents == nil {
		incidents = []store.Incident{}
	}
	return map[string]any{"incidents": incidents}, nil
}

func (s *Service) RaisePanic(ctx context.Context, session Session, address string, coordinates []float64) (panicalert.Raised, error) {
	return s.alerts.Raise(ctx, panicalert.RaiseInput{
		UserID:      session.UserID,
		UserName:    session.Name,
		Address:     address,
		Coordinates: coordinates,
	})
}

func (s *Service) PanicAlerts(ctx context.Context, neighborhood string, since time.Time) (map[string]any, error) {
	alerts, err := s.alerts.ListAlerts(ctx, neighborhood, since)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []store.PanicAlert{}
	}
	return map[string]any{"alerts": alerts}, nil
}

func (s *Service) ResolvePanic(ctx context.Context, session Session, alertID, note string) error {
	err := s.alerts.Resolve(ctx, alertID, session.UserID, note)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Alert not found", nil)
	}
	return err
}

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) Reconcile(ctx context.Context) (reconcile.Report, error) {
	return s.reconcile.Run(ctx)
}
