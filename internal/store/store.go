// Package store persists captured pages in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when no page has the requested digest.
var ErrNotFound = errors.New("page not found")

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PageStore saves pages as they are discovered.
type PageStore interface {
	PersistPage(ctx context.Context, page *schemas.Page) error
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pages (
        digest     TEXT PRIMARY KEY,
        url        TEXT NOT NULL,
        code       INTEGER NOT NULL,
        headers    JSONB NOT NULL,
        body       TEXT NOT NULL,
        cookies    JSONB NOT NULL,
        forms      JSONB NOT NULL,
        dom        JSONB NOT NULL,
        has_sinks  BOOLEAN NOT NULL,
        first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
        last_seen  TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE TABLE IF NOT EXISTS page_links (
        digest TEXT NOT NULL REFERENCES pages (digest) ON DELETE CASCADE,
        url    TEXT NOT NULL,
        PRIMARY KEY (digest, url)
    )`,
	`CREATE INDEX IF NOT EXISTS pages_url_idx ON pages (url)`,
}

const (
	sqlUpsertPage = `
        INSERT INTO pages (digest, url, code, headers, body, cookies, forms, dom, has_sinks)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (digest) DO UPDATE SET
            code = EXCLUDED.code,
            headers = EXCLUDED.headers,
            body = EXCLUDED.body,
            cookies = EXCLUDED.cookies,
            forms = EXCLUDED.forms,
            dom = EXCLUDED.dom,
            has_sinks = EXCLUDED.has_sinks,
            last_seen = now();
    `
	sqlInsertLinks = `
        INSERT INTO page_links (digest, url)
        SELECT $1, unnest($2::text[])
        ON CONFLICT DO NOTHING;
    `
	sqlSelectPage = `
        SELECT url, code, headers, body, cookies, forms, dom
        FROM pages
        WHERE digest = $1;
    `
)

// Store is the PostgreSQL PageStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ PageStore = (*Store)(nil)

// New creates a store on top of pool.
func New(pool DBPool, logger *zap.Logger) *Store {
	return &Store{pool: pool, log: logger.Named("store")}
}

// EnsureSchema creates the tables the store writes to when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// PersistPage upserts page by digest along with its links. Pages without a digest,
// such as out-of-scope placeholders and captured responses, are skipped.
func (s *Store) PersistPage(ctx context.Context, page *schemas.Page) error {
	if page == nil || page.DOM.Digest == "" {
		return nil
	}

	headers, err := marshalOrEmpty(page.Headers, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	cookies, err := marshalOrEmpty(page.Cookies, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	forms, err := marshalOrEmpty(page.Forms, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode forms: %w", err)
	}
	dom, err := json.Marshal(page.DOM)
	if err != nil {
		return fmt.Errorf("failed to encode DOM: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertPage,
		page.DOM.Digest, page.URL, page.Code, headers, page.Body, cookies, forms, dom, page.HasSinks(),
	); err != nil {
		return fmt.Errorf("failed to upsert page %s: %w", page.URL, err)
	}

	if len(page.Links) > 0 {
		links := make([]string, len(page.Links))
		for i, l := range page.Links {
			links[i] = l.URL
		}
		if _, err := tx.Exec(ctx, sqlInsertLinks, page.DOM.Digest, links); err != nil {
			return fmt.Errorf("failed to insert links of %s: %w", page.URL, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Page loads the page stored under digest. Its DOM can be handed to a browser to
// get back to the same state.
func (s *Store) Page(ctx context.Context, digest string) (*schemas.Page, error) {
	var (
		page                         = &schemas.Page{}
		headers, cookies, forms, dom []byte
	)
	err := s.pool.QueryRow(ctx, sqlSelectPage, digest).Scan(
		&page.URL, &page.Code, &headers, &page.Body, &cookies, &forms, &dom,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query page: %w", err)
	}

	for _, col := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"headers", headers, &page.Headers},
		{"cookies", cookies, &page.Cookies},
		{"forms", forms, &page.Forms},
		{"dom", dom, &page.DOM},
	} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode %s of page %s: %w", col.name, digest, err)
		}
	}
	return page, nil
}

func marshalOrEmpty(v any, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}
