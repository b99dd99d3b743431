package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vecinal/api/internal/chatid"
)

// ErrInvalidMembership is returned when a membership write names no
// neighborhood; there is nothing to derive a chat id from.
var ErrInvalidMembership = errors.New("invalid membership: neighborhood is required")

// PostgresStore is the authoritative directory plus the durable incident and
// panic-alert records. Everything ephemeral lives in the realtime store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUser upserts the identity fields supplied by the session token.
// First contact creates the row; later calls refresh email and display name
// without touching membership.
func (s *PostgresStore) EnsureUser(ctx context.Context, id, email, displayName string) (User, error) {
	const query = `
		INSERT INTO users (id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE users.display_name END,
			updated_at = NOW()
		RETURNING id, email, display_name, neighborhood, chat_id, role, onboarded, notifications_enabled, block_lot, created_at, updated_at
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id, email, displayName))
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	const query = `
		SELECT id, email, display_name, neighborhood, chat_id, role, onboarded, notifications_enabled, block_lot, created_at, updated_at
		FROM users WHERE id = $1
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetMembership returns the user's resolved chat membership, or
// sql.ErrNoRows when the user has not completed onboarding.
func (s *PostgresStore) GetMembership(ctx context.Context, userID string) (Membership, error) {
	const query = `
		SELECT id, neighborhood, chat_id FROM users
		WHERE id = $1 AND onboarded AND neighborhood <> '' AND chat_id <> ''
	`
	var m Membership
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&m.UserID, &m.Neighborhood, &m.ChatID); err != nil {
		return Membership{}, err
	}
	return m, nil
}

// SetMembership derives the chat id from the neighborhood name, persists the
// tuple, and returns the id. It writes nothing to the realtime store; the
// caller propagates membership there.
func (s *PostgresStore) SetMembership(ctx context.Context, userID, neighborhood string) (string, error) {
	neighborhood = strings.TrimSpace(neighborhood)
	if neighborhood == "" {
		return "", ErrInvalidMembership
	}
	chatID := chatid.Resolve(neighborhood)
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET neighborhood = $2, chat_id = $3, onboarded = TRUE, updated_at = NOW()
		WHERE id = $1
	`, userID, neighborhood, chatID)
	if err != nil {
		return "", fmt.Errorf("set membership: %w", err)
	}
	return chatID, nil
}

// SetChatID rewrites only the stored chat id. Reconciliation calls this last,
// after the realtime side of a migration has succeeded.
func (s *PostgresStore) SetChatID(ctx context.Context, userID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET chat_id = $2, updated_at = NOW() WHERE id = $1
	`, userID, chatID)
	if err != nil {
		return fmt.Errorf("set chat id: %w", err)
	}
	return nil
}

// ClearMembership detaches a duplicate user record from its chat. Used only
// by duplicate resolution; the canonical record keeps the membership.
func (s *PostgresStore) ClearMembership(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET chat_id = '', neighborhood = '', onboarded = FALSE, updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("clear membership: %w", err)
	}
	return nil
}

// ListOnboarded returns every resolved membership tuple, the working set for
// reconciliation passes.
func (s *PostgresStore) ListOnboarded(ctx context.Context) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, neighborhood, chat_id FROM users
		WHERE onboarded AND neighborhood <> '' AND chat_id <> ''
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list onboarded: %w", err)
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.Neighborhood, &m.ChatID); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// DuplicateEmailGroups returns user records sharing a normalized email, one
// slice per email, only for emails with more than one record.
func (s *PostgresStore) DuplicateEmailGroups(ctx context.Context) ([][]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, display_name, neighborhood, chat_id, role, onboarded, notifications_enabled, block_lot, created_at, updated_at
		FROM users
		WHERE LOWER(TRIM(email)) IN (
			SELECT LOWER(TRIM(email)) FROM users GROUP BY LOWER(TRIM(email)) HAVING COUNT(*) > 1
		)
		ORDER BY LOWER(TRIM(email)), created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list duplicate users: %w", err)
	}
	defer rows.Close()

	groupIndex := map[string]int{}
	var groups [][]User
	for rows.Next() {
		user, err := s.scanUserFromRows(rows)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(strings.TrimSpace(user.Email))
		idx, ok := groupIndex[key]
		if !ok {
			idx = len(groups)
			groupIndex[key] = idx
			groups = append(groups, nil)
		}
		groups[idx] = append(groups[idx], user)
	}
	return groups, rows.Err()
}

// NotifiableUserIDs filters ids down to users who have notifications enabled.
func (s *PostgresStore) NotifiableUserIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM users WHERE id = ANY($1) AND notifications_enabled
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("filter notifiable users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan notifiable id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertIncident(ctx context.Context, inc Incident) error {
	tags, err := json.Marshal(nonNilTags(inc.Tags))
	if err != nil {
		return fmt.Errorf("marshal incident tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, type, description, neighborhood, chat_id, lng, lat, status, active_until, created_by, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, inc.ID, inc.Type, inc.Description, inc.Neighborhood, inc.ChatID, inc.Lng, inc.Lat,
		string(inc.Status), inc.ActiveUntil, inc.CreatedBy, string(tags), inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (Incident, error) {
	const query = `
		SELECT id, type, description, neighborhood, chat_id, lng, lat, status, active_until, created_by, tags, created_at
		FROM incidents WHERE id = $1
	`
	var inc Incident
	var status, tags string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&inc.ID, &inc.Type, &inc.Description, &inc.Neighborhood, &inc.ChatID,
		&inc.Lng, &inc.Lat, &status, &inc.ActiveUntil, &inc.CreatedBy, &tags, &inc.CreatedAt,
	)
	if err != nil {
		return Incident{}, err
	}
	inc.Status = IncidentStatus(status)
	if err := json.Unmarshal([]byte(tags), &inc.Tags); err != nil {
		return Incident{}, fmt.Errorf("unmarshal incident tags: %w", err)
	}
	return inc, nil
}

func (s *PostgresStore) ListIncidentsByNeighborhood(ctx context.Context, neighborhood string, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, description, neighborhood, chat_id, lng, lat, status, active_until, created_by, tags, created_at
		FROM incidents WHERE neighborhood = $1
		ORDER BY created_at DESC LIMIT $2
	`, neighborhood, limit)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		var inc Incident
		var status, tags string
		if err := rows.Scan(
			&inc.ID, &inc.Type, &inc.Description, &inc.Neighborhood, &inc.ChatID,
			&inc.Lng, &inc.Lat, &status, &inc.ActiveUntil, &inc.CreatedBy, &tags, &inc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Status = IncidentStatus(status)
		if err := json.Unmarshal([]byte(tags), &inc.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal incident tags: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (s *PostgresStore) InsertPanicAlert(ctx context.Context, alert PanicAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO panic_alerts (id, user_id, user_name, neighborhood, chat_id, address, lng, lat, status, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, alert.ID, alert.UserID, alert.UserName, alert.Neighborhood, alert.ChatID,
		alert.Address, alert.Lng, alert.Lat, string(alert.Status), alert.Note, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert panic alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPanicAlerts(ctx context.Context, neighborhood string, since time.Time) ([]PanicAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, user_name, neighborhood, chat_id, address, lng, lat, status, note, created_at, resolved_at, resolved_by
		FROM panic_alerts
		WHERE neighborhood = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, neighborhood, since)
	if err != nil {
		return nil, fmt.Errorf("list panic alerts: %w", err)
	}
	defer rows.Close()

	var alerts []PanicAlert
	for rows.Next() {
		var alert PanicAlert
		var status string
		var resolvedBy sql.NullString
		if err := rows.Scan(
			&alert.ID, &alert.UserID, &alert.UserName, &alert.Neighborhood, &alert.ChatID,
			&alert.Address, &alert.Lng, &alert.Lat, &status, &alert.Note,
			&alert.CreatedAt, &alert.ResolvedAt, &resolvedBy,
		); err != nil {
			return nil, fmt.Errorf("scan panic alert: %w", err)
		}
		alert.Status = AlertStatus(status)
		alert.ResolvedBy = resolvedBy.String
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// ResolvePanicAlert flips an alert to resolved. Resolving an already
// resolved alert is a no-op rather than an error.
func (s *PostgresStore) ResolvePanicAlert(ctx context.Context, id, resolvedBy, note string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE panic_alerts
		SET status = 'resolved', resolved_at = COALESCE(resolved_at, NOW()), resolved_by = $2,
			note = CASE WHEN $3 <> '' THEN $3 ELSE note END
		WHERE id = $1
	`, id, resolvedBy, note)
	if err != nil {
		return fmt.Errorf("resolve panic alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve panic alert: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.Neighborhood, &user.ChatID,
		&user.Role, &user.Onboarded, &user.NotificationsEnabled, &user.BlockLot,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) scanUserFromRows(rows *sql.Rows) (User, error) {
	var user User
	err := rows.Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.Neighborhood, &user.ChatID,
		&user.Role, &user.Onboarded, &user.NotificationsEnabled, &user.BlockLot,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}
