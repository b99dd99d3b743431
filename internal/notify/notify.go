// Package notify decides who gets notified about a chat event and hands the
// result to a dispatcher. Token-level delivery is someone else's problem; the
// decision here is participants minus the author, filtered by the
// notifications-enabled flag in the directory.
package notify

import (
	"context"
	"log"
)

type Notification struct {
	UserIDs []string          `json:"userIds"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

// Dispatcher delivers a notification to devices. Implemented by the external
// push pipeline; LogDispatcher is the default when none is wired.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// LogDispatcher logs instead of delivering. Used in development and tests.
type LogDispatcher struct{}

func (LogDispatcher) Send(_ context.Context, n Notification) error {
	log.Printf("notify: would deliver %q to %d users", n.Title, len(n.UserIDs))
	return nil
}

type participantSource interface {
	Participants(ctx context.Context, chatID string) ([]string, error)
}

type optInFilter interface {
	NotifiableUserIDs(ctx context.Context, ids []string) ([]string, error)
}

type Service struct {
	participants participantSource
	optIns       optInFilter
	dispatcher   Dispatcher
}

func NewService(participants participantSource, optIns optInFilter, dispatcher Dispatcher) *Service {
	if dispatcher == nil {
		dispatcher = LogDispatcher{}
	}
	return &Service{participants: participants, optIns: optIns, dispatcher: dispatcher}
}

// BroadcastToChat notifies every opted-in participant except the author.
// Failures are logged, never propagated: notification is always a secondary
// effect.
func (s *Service) BroadcastToChat(ctx context.Context, chatID, authorID, title, body string, data map[string]string) {
	participants, err := s.participants.Participants(ctx, chatID)
	if err != nil {
		log.Printf("notify: list participants for %s: %v", chatID, err)
		return
	}

	recipients := make([]string, 0, len(participants))
	for _, id := range participants {
		if id != authorID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return
	}

	optedIn, err := s.optIns.NotifiableUserIDs(ctx, recipients)
	if err != nil {
		log.Printf("notify: filter recipients for %s: %v", chatID, err)
		return
	}
	if len(optedIn) == 0 {
		return
	}

	if err := s.dispatcher.Send(ctx, Notification{
		UserIDs: optedIn,
		Title:   title,
		Body:    body,
		Data:    data,
	}); err != nil {
		log.Printf("notify: dispatch for %s: %v", chatID, err)
	}
}
