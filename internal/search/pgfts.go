package search

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down the whole app is
// down anyway, so there is nothing weaker to fall back to.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL query over shared artifacts and messages using
// plainto_tsquery, ranked with ts_rank and snippeted with ts_headline.
// Private artifacts are excluded in SQL, mirroring the index policy.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.TransactionID == "" {
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

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultArtifact {
		subQueries = append(subQueries, `
			SELECT 'artifact'::text AS type, a.id, a.name AS title,
				ts_headline('english', coalesce(a.note, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				a.transaction_id,
				ts_rank(to_tsvector('english', a.name || ' ' || coalesce(a.note, '')), plainto_tsquery('english', $1)) AS rank
			FROM artifacts a
			WHERE a.transaction_id = $2
				AND a.visibility = 'shared'
				AND to_tsvector('english', a.name || ' ' || coalesce(a.note, '')) @@ plainto_tsquery('english', $1)`)
	}
	if q.FilterType == "" || q.FilterType == ResultMessage {
		subQueries = append(subQueries, `
			SELECT 'message'::text AS type, m.id, u.display_name AS title,
				ts_headline('english', m.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				m.transaction_id,
				ts_rank(to_tsvector('english', m.body), plainto_tsquery('english', $1)) AS rank
			FROM messages m
			JOIN users u ON u.id = m.author_id
			WHERE m.transaction_id = $2
				AND to_tsvector('english', m.body) @@ plainto_tsquery('english', $1)`)
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := "SELECT type, id, title, snippet, transaction_id FROM (" +
		strings.Join(subQueries, " UNION ALL ") +
		") hits ORDER BY rank DESC LIMIT $3 OFFSET $4"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, q.Text, q.TransactionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rtyp string
		if err := rows.Scan(&rtyp, &r.ID, &r.Title, &r.Snippet, &r.TransactionID); err != nil {
			return nil, 0, err
		}
		r.Type = ResultType(rtyp)
		results = append(results, r)
	}
	return results, len(results), rows.Err()
}
