package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher against PostgreSQL as a fallback when
// Meilisearch is down or not configured. Plain ILIKE matching is enough for
// dashboard volumes; ranking quality is Meilisearch's job.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + q.Text + "%"
	args := []any{pattern}
	argN := 2

	neighborhoodClause := ""
	if q.FilterNeighborhood != "" {
		neighborhoodClause = fmt.Sprintf(" AND neighborhood = $%d", argN)
		args = append(args, q.FilterNeighborhood)
		argN++
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultIncident {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'incident'::text AS type, id, type AS title, description AS snippet,
				neighborhood,
				CASE WHEN active_until > NOW() THEN status ELSE 'expired' END AS status,
				created_at
			FROM incidents
			WHERE (description ILIKE $1 OR type ILIKE $1)%s
		`, neighborhoodClause))
	}
	if q.FilterType == "" || q.FilterType == ResultAlert {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'alert'::text AS type, id, user_name AS title, address AS snippet,
				neighborhood, status, created_at
			FROM panic_alerts
			WHERE (address ILIKE $1 OR user_name ILIKE $1)%s
		`, neighborhoodClause))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, id, title, snippet, neighborhood, status, COUNT(*) OVER () AS total
		FROM (%s) hits
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, strings.Join(subQueries, " UNION ALL "), argN, argN+1)
	args = append(args, limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		var rtyp string
		if err := rows.Scan(&rtyp, &r.ID, &r.Title, &r.Snippet, &r.Neighborhood, &r.Status, &total); err != nil {
			return nil, 0, fmt.Errorf("pg search scan: %w", err)
		}
		r.Type = ResultType(rtyp)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
