// Package kb provides the studio knowledge base backing the assistant's
// retrieval tools: project case studies, service descriptions, and
// process pages, ingested from markdown and searched by keyword.
// Embedding/vector similarity lives behind an external collaborator and
// is not implemented here.
package kb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Document is one knowledge-base entry.
type Document struct {
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchResult is a ranked match with a short snippet for the model.
type SearchResult struct {
	Slug    string  `json:"slug"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Store is a SQLite-backed document store. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a knowledge-base store at the given database path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate knowledge base schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		slug       TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		body       TEXT NOT NULL,
		source     TEXT,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_title ON documents(title);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put upserts a document. UpdatedAt is stamped on write.
func (s *Store) Put(ctx context.Context, doc Document) error {
	if doc.Slug == "" {
		return fmt.Errorf("document slug is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (slug, title, body, source, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		doc.Slug, doc.Title, doc.Body, doc.Source,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert document %q: %w", doc.Slug, err)
	}
	return nil
}

// Get retrieves a document by slug. Returns nil and no error when the
// slug does not exist.
func (s *Store) Get(ctx context.Context, slug string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT slug, title, body, COALESCE(source, ''), updated_at
		 FROM documents WHERE slug = ?`, slug)

	var doc Document
	var updated string
	err := row.Scan(&doc.Slug, &doc.Title, &doc.Body, &doc.Source, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %q: %w", slug, err)
	}
	doc.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &doc, nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// Search performs keyword matching over titles and bodies. Results are
// scored by term occurrence (title hits weigh double) and returned
// best-first, capped at limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	// Narrow with LIKE on any term, rank in memory. The corpus is a
	// marketing site's worth of pages, not a document warehouse.
	conditions := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms)*2)
	for _, term := range terms {
		conditions = append(conditions, "(lower(title) LIKE ? OR lower(body) LIKE ?)")
		pattern := "%" + term + "%"
		args = append(args, pattern, pattern)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT slug, title, body FROM documents WHERE `+strings.Join(conditions, " OR "),
		args...)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var slug, title, body string
		if err := rows.Scan(&slug, &title, &body); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}

		score := scoreDocument(terms, title, body)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			Slug:    slug,
			Title:   title,
			Snippet: snippet(body, terms),
			Score:   score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// searchTerms lowercases and splits a query, dropping one-character
// fragments.
func searchTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()`)
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

func scoreDocument(terms []string, title, body string) float64 {
	lowerTitle := strings.ToLower(title)
	lowerBody := strings.ToLower(body)

	var score float64
	for _, term := range terms {
		score += 2.0 * float64(strings.Count(lowerTitle, term))
		score += float64(strings.Count(lowerBody, term))
	}
	return score
}

// snippetRadius is the context window around the first term hit.
const snippetRadius = 120

// snippet extracts a short window of body text around the first
// matching term.
func snippet(body string, terms []string) string {
	lower := strings.ToLower(body)
	pos := -1
	for _, term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	if pos < 0 {
		pos = 0
	}

	start := pos - snippetRadius
	if start < 0 {
		start = 0
	}
	end := pos + snippetRadius
	if end > len(body) {
		end = len(body)
	}

	out := strings.TrimSpace(body[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(body) {
		out += "…"
	}
	return out
}
