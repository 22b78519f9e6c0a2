package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches ideas with PostgreSQL full-text search as the fallback
// backend. The ideas table keeps a generated tsvector over title and author.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM ideas WHERE fts @@ plainto_tsquery('spanish', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, title, author, votes,
			ts_headline('spanish', title, plainto_tsquery('spanish', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM ideas
		WHERE fts @@ plainto_tsquery('spanish', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('spanish', $1)) DESC, votes DESC
		LIMIT %d OFFSET %d`, limit, offset), q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Author, &r.Votes, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every idea for full reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]IdeaRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, title, author, votes FROM ideas`)
	if err != nil {
		return nil, fmt.Errorf("load ideas: %w", err)
	}
	defer rows.Close()

	records := make([]IdeaRecord, 0)
	for rows.Next() {
		var r IdeaRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Author, &r.Votes); err != nil {
			return nil, fmt.Errorf("scan idea: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
