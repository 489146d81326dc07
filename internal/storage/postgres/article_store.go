// Package postgres provides the Postgres-backed article store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

const (
	defaultTable     = "articles"
	uniqueViolation  = "23505"
	errStoreNotReady = "article store is not configured"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema is the table layout the store expects, for tests and bootstrap
// scripts. Migrations are owned by the read service.
const Schema = `
CREATE TABLE IF NOT EXISTS %s (
	id                BIGSERIAL PRIMARY KEY,
	title             VARCHAR(255) NOT NULL UNIQUE,
	description       TEXT NOT NULL,
	short_description TEXT NOT NULL,
	image_url         VARCHAR(255),
	url               VARCHAR(255) NOT NULL UNIQUE,
	date_added        TIMESTAMPTZ NOT NULL,
	last_updated      TIMESTAMPTZ
)`

// ArticleStoreConfig controls the Postgres connection pool.
type ArticleStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// ArticleStore upserts articles keyed by URL.
type ArticleStore struct {
	pool       pool
	table      string
	clock      crawler.Clock
	query      string
	ownerQuery string
}

// NewArticleStore connects a pool using cfg.
func NewArticleStore(ctx context.Context, cfg ArticleStoreConfig, clock crawler.Clock) (*ArticleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewArticleStoreWithPool(p, cfg.Table, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewArticleStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArticleStoreWithPool(p pool, table string, clock crawler.Clock) (*ArticleStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ArticleStore{
		pool:       p,
		table:      table,
		clock:      clock,
		query:      upsertQuery(table),
		ownerQuery: fmt.Sprintf(`SELECT url FROM %s WHERE title = $1 LIMIT 1`, table),
	}, nil
}

// upsertQuery inserts a new row or, for a known URL, only refreshes
// last_updated and a non-empty image_url. xmax is zero only for rows this
// statement inserted.
func upsertQuery(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s AS a (title, description, short_description, image_url, url, date_added)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
ON CONFLICT (url) DO UPDATE SET
	last_updated = EXCLUDED.date_added,
	image_url = CASE
		WHEN EXCLUDED.image_url IS NOT NULL THEN EXCLUDED.image_url
		ELSE a.image_url
	END
RETURNING id, (xmax = 0) AS inserted`, table)
}

// Upsert writes record. A unique violation on any key other than url (the
// legacy title index) is reported as a *crawler.TitleConflictError, which
// matches crawler.ErrDuplicate.
func (s *ArticleStore) Upsert(ctx context.Context, record crawler.ArticleRecord) (crawler.UpsertOutcome, error) {
	if s == nil || s.pool == nil {
		return "", &crawler.StoreError{Op: "upsert", Err: errors.New(errStoreNotReady)}
	}
	if record.URL == "" {
		return "", &crawler.StoreError{Op: "upsert", Err: errors.New("record url is required")}
	}

	var (
		id       int64
		inserted bool
	)
	err := s.pool.QueryRow(ctx, s.query,
		record.Title,
		record.Description,
		record.ShortDescription,
		record.ImageURL,
		record.URL,
		s.clock.Now(),
	).Scan(&id, &inserted)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", &crawler.StoreError{Op: "upsert", Err: &crawler.TitleConflictError{
				URL:         record.URL,
				Title:       record.Title,
				ExistingURL: s.titleOwner(ctx, record.Title),
			}}
		}
		return "", &crawler.StoreError{Op: "upsert", Err: err}
	}
	if inserted {
		return crawler.UpsertCreated, nil
	}
	return crawler.UpsertUpdated, nil
}

// titleOwner looks up the URL already holding title. Lookup failures only
// cost the conflict report its detail.
func (s *ArticleStore) titleOwner(ctx context.Context, title string) string {
	var owner string
	if err := s.pool.QueryRow(ctx, s.ownerQuery, title).Scan(&owner); err != nil {
		return ""
	}
	return owner
}

// Ping checks connectivity for readiness probes.
func (s *ArticleStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ArticleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
