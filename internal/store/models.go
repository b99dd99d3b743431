package store

import "time"

// User is the system-of-record membership tuple. Email is deliberately not
// unique at the schema level: duplicate sign-ups are a known failure mode of
// the upstream auth provider and are merged by reconciliation, not rejected.
type User struct {
	ID                   string
	Email                string
	DisplayName          string
	Neighborhood         string
	ChatID               string
	Role                 string
	Onboarded            bool
	NotificationsEnabled bool
	BlockLot             string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Membership is the (userId, neighborhood, chatId) projection of a User that
// chat operations resolve on every request.
type Membership struct {
	UserID       string
	Neighborhood string
	ChatID       string
}

type IncidentStatus string

const (
	IncidentActive  IncidentStatus = "active"
	IncidentExpired IncidentStatus = "expired"
)

// Incident is a time-bounded citizen report. It is never deleted; readers
// compute active/expired from ActiveUntil at read time.
type Incident struct {
	ID           string
	Type         string
	Description  string
	Neighborhood string
	ChatID       string
	Lng          float64
	Lat          float64
	Status       IncidentStatus
	ActiveUntil  time.Time
	CreatedBy    string
	Tags         []string
	CreatedAt    time.Time
}

type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// PanicAlert is the tracking record written alongside a panic message so
// operational tooling can query alerts without scanning transcripts.
type PanicAlert struct {
	ID           string
	UserID       string
	UserName     string
	Neighborhood string
	ChatID       string
	Address      string
	Lng          *float64
	Lat          *float64
	Status       AlertStatus
	Note         string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	ResolvedBy   string
}
