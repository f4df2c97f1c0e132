package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across books and chapters using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Books sub-query
	if q.FilterType == "" || q.FilterType == ResultBook {
		bookWhere := "b.fts @@ " + tsQuery
		if q.PublishedOnly {
			bookWhere += " AND b.status = 'PUBLISHED'"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'book'::text AS type, b.id, b.title,
				ts_headline('english', coalesce(b.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				b.id AS book_id, b.status,
				ts_rank(b.fts, %s) AS rank
			FROM books b
			WHERE %s`, tsQuery, tsQuery, bookWhere))
	}

	// Chapters sub-query
	if q.FilterType == "" || q.FilterType == ResultChapter {
		chapterWhere := "c.fts @@ " + tsQuery
		if q.FilterBookID != "" {
			chapterWhere += fmt.Sprintf(" AND c.book_id = $%d", argN)
			args = append(args, q.FilterBookID)
			argN++
		}
		if q.PublishedOnly {
			chapterWhere += " AND b.status = 'PUBLISHED'"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'chapter'::text AS type, c.id, c.title,
				''::text AS snippet,
				c.book_id, c.status,
				ts_rank(c.fts, %s) AS rank
			FROM chapters c
			JOIN books b ON b.id = c.book_id
			WHERE %s`, tsQuery, chapterWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, book_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.BookID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]BookRecord, []ChapterRecord, error) {
	bookRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, author_name, description, status
		FROM books
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load books: %w", err)
	}
	defer bookRows.Close()

	books := make([]BookRecord, 0)
	for bookRows.Next() {
		var b BookRecord
		if err := bookRows.Scan(&b.ID, &b.Title, &b.AuthorName, &b.Description, &b.Status); err != nil {
			return nil, nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	if err := bookRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate books: %w", err)
	}

	chapterRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.book_id, b.status, c.status
		FROM chapters c
		JOIN books b ON b.id = c.book_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load chapters: %w", err)
	}
	defer chapterRows.Close()

	chapters := make([]ChapterRecord, 0)
	for chapterRows.Next() {
		var c ChapterRecord
		if err := chapterRows.Scan(&c.ID, &c.Title, &c.BookID, &c.BookStatus, &c.Status); err != nil {
			return nil, nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, c)
	}
	if err := chapterRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate chapters: %w", err)
	}

	return books, chapters, nil
}
