package realtime

import (
	"encoding/json"
	"time"
)

type MessageKind string

const (
	KindNormal   MessageKind = "normal"
	KindPanic    MessageKind = "panic"
	KindIncident MessageKind = "incident"
)

// SystemAuthorID is the sentinel author for messages the platform writes
// into a transcript (incident broadcasts).
const SystemAuthorID = "system"

// Message is immutable once appended. AuthorName is denormalized at write
// time so transcripts render without a user lookup. Metadata is kind
// specific: raw location for panic, the incident snapshot for incident.
// Seq is assigned by the store on append and breaks ordering ties between
// messages sharing a timestamp.
type Message struct {
	ID         string          `json:"id"`
	ChatID     string          `json:"chatId"`
	AuthorID   string          `json:"authorId"`
	AuthorName string          `json:"authorName"`
	Body       string          `json:"body"`
	Kind       MessageKind     `json:"kind"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Seq        int64           `json:"seq,omitempty"`
}

// Summary is the denormalized last-message cache on the chat root document.
type Summary struct {
	Text       string    `json:"text"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	At         time.Time `json:"at"`
}

// ChatDoc is the root document for a chat.
type ChatDoc struct {
	ID           string
	Neighborhood string
	LastMessage  *Summary
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PresenceRecord is one-per-(chat,user), overwritten on every heartbeat.
// Liveness is inferred from LastSeen at read time; records are never deleted.
type PresenceRecord struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	LastSeen time.Time `json:"lastSeen"`
}

// TypingRecord is one-per-(chat,user). Unlike presence it is deleted when
// typing stops; the timestamp is only a safety net for missed stop events.
type TypingRecord struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	At       time.Time `json:"at"`
}

// IncidentEntry is one row of a chat's active-incident index.
type IncidentEntry struct {
	IncidentID  string    `json:"incidentId"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
