// Package postgres provides the Postgres-backed request ledger.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the ledger needs; pgxmock satisfies
// it in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Ledger implements core.Ledger on Postgres. CompareAndSetStatus maps to a
// conditional UPDATE checking RowsAffected, which is atomic under concurrent
// schedulers without any additional coordination.
type Ledger struct {
	pool querier
}

// New connects a pool and returns the ledger.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
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
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: pool}, nil
}

// NewWithPool constructs a ledger from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Ledger{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

const crawlColumns = `id, url, normalized_url, domain, status, priority, depth,
	parent_sitemap_id, attempt_count, max_attempts, not_before, render_hint,
	cancel_requested, content_hash, last_error_kind, last_error_text,
	created_at, updated_at, started_at, finished_at`

// CreateCrawl inserts a crawl request row.
func (l *Ledger) CreateCrawl(ctx context.Context, req core.CrawlRequest) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO crawl_requests (`+crawlColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		req.ID, req.URL, req.NormalizedURL, req.Domain, string(req.Status),
		req.Priority, req.Depth, nullable(req.ParentSitemapID),
		req.AttemptCount, req.MaxAttempts, req.NotBefore, req.RenderHint,
		req.CancelRequested, nullable(req.ContentHash),
		nullable(string(req.LastErrorKind)), nullable(req.LastErrorText),
		req.CreatedAt, req.UpdatedAt, req.StartedAt, req.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert crawl request: %w", err)
	}
	return nil
}

// CreateSitemap inserts a sitemap request row.
func (l *Ledger) CreateSitemap(ctx context.Context, req core.SitemapRequest) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO sitemap_requests (
	id, url, status, priority, discovered, completed, skipped, discovery_done,
	cancel_requested, last_error_kind, last_error_text, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		req.ID, req.URL, string(req.Status), req.Priority,
		req.Discovered, req.Completed, req.Skipped, req.DiscoveryDone,
		req.CancelRequested, nullable(string(req.LastErrorKind)),
		nullable(req.LastErrorText), req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sitemap request: %w", err)
	}
	return nil
}

// CreateSearch inserts a search request row.
func (l *Ledger) CreateSearch(ctx context.Context, req core.SearchRequest) error {
	filters, err := json.Marshal(req.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
INSERT INTO search_requests (id, query, filters, result_limit, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		req.ID, req.Query, filters, req.Limit, string(req.Status),
		req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert search request: %w", err)
	}
	return nil
}

// GetCrawl fetches a crawl request by ID.
func (l *Ledger) GetCrawl(ctx context.Context, id string) (core.CrawlRequest, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+crawlColumns+` FROM crawl_requests WHERE id = $1`, id)
	return scanCrawl(row)
}

func scanCrawl(row pgx.Row) (core.CrawlRequest, error) {
	var req core.CrawlRequest
	var status string
	var parent, hash, errKind, errText *string
	err := row.Scan(
		&req.ID, &req.URL, &req.NormalizedURL, &req.Domain, &status,
		&req.Priority, &req.Depth, &parent, &req.AttemptCount, &req.MaxAttempts,
		&req.NotBefore, &req.RenderHint, &req.CancelRequested, &hash,
		&errKind, &errText, &req.CreatedAt, &req.UpdatedAt,
		&req.StartedAt, &req.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.CrawlRequest{}, core.ErrNotFound
	}
	if err != nil {
		return core.CrawlRequest{}, fmt.Errorf("scan crawl request: %w", err)
	}
	req.Status = core.Status(status)
	req.ParentSitemapID = deref(parent)
	req.ContentHash = deref(hash)
	req.LastErrorKind = core.ErrorKind(deref(errKind))
	req.LastErrorText = deref(errText)
	return req, nil
}

// GetSitemap fetches a sitemap request by ID.
func (l *Ledger) GetSitemap(ctx context.Context, id string) (core.SitemapRequest, error) {
	var req core.SitemapRequest
	var status string
	var errKind, errText *string
	err := l.pool.QueryRow(ctx, `
SELECT id, url, status, priority, discovered, completed, skipped, discovery_done,
	cancel_requested, last_error_kind, last_error_text, created_at, updated_at
FROM sitemap_requests WHERE id = $1`, id).Scan(
		&req.ID, &req.URL, &status, &req.Priority, &req.Discovered,
		&req.Completed, &req.Skipped, &req.DiscoveryDone, &req.CancelRequested,
		&errKind, &errText, &req.CreatedAt, &req.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.SitemapRequest{}, core.ErrNotFound
	}
	if err != nil {
		return core.SitemapRequest{}, fmt.Errorf("scan sitemap request: %w", err)
	}
	req.Status = core.Status(status)
	req.LastErrorKind = core.ErrorKind(deref(errKind))
	req.LastErrorText = deref(errText)
	return req, nil
}

// GetSearch fetches a search request by ID.
func (l *Ledger) GetSearch(ctx context.Context, id string) (core.SearchRequest, error) {
	var req core.SearchRequest
	var status string
	var filters, results []byte
	err := l.pool.QueryRow(ctx, `
SELECT id, query, filters, result_limit, status, results, created_at, updated_at
FROM search_requests WHERE id = $1`, id).Scan(
		&req.ID, &req.Query, &filters, &req.Limit, &status, &results,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.SearchRequest{}, core.ErrNotFound
	}
	if err != nil {
		return core.SearchRequest{}, fmt.Errorf("scan search request: %w", err)
	}
	req.Status = core.Status(status)
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &req.Filters); err != nil {
			return core.SearchRequest{}, fmt.Errorf("unmarshal filters: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &req.Results); err != nil {
			return core.SearchRequest{}, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return req, nil
}

// Kind reports which request family an ID belongs to.
func (l *Ledger) Kind(ctx context.Context, id string) (core.RequestKind, error) {
	var kind string
	err := l.pool.QueryRow(ctx, `
SELECT kind FROM (
	SELECT 'crawl' AS kind FROM crawl_requests WHERE id = $1
	UNION ALL SELECT 'sitemap' FROM sitemap_requests WHERE id = $1
	UNION ALL SELECT 'search' FROM search_requests WHERE id = $1
) kinds LIMIT 1`, id).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve request kind: %w", err)
	}
	return core.RequestKind(kind), nil
}

// CompareAndSetStatus transitions a request via conditional UPDATE.
func (l *Ledger) CompareAndSetStatus(
	ctx context.Context,
	id string,
	expected, next core.Status,
	update core.CrawlUpdate,
) (bool, error) {
	kind, err := l.Kind(ctx, id)
	if err != nil {
		return false, err
	}

	var tag pgconn.CommandTag
	switch kind {
	case core.KindCrawl:
		tag, err = l.pool.Exec(ctx, `
UPDATE crawl_requests SET
	status = $3,
	attempt_count = COALESCE($4, attempt_count),
	not_before = COALESCE($5, not_before),
	content_hash = COALESCE($6, content_hash),
	last_error_kind = COALESCE($7, last_error_kind),
	last_error_text = COALESCE($8, last_error_text),
	started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
	finished_at = CASE WHEN $3 IN ('completed','failed','canceled') THEN now() ELSE finished_at END,
	updated_at = now()
WHERE id = $1 AND status = $2`,
			id, string(expected), string(next),
			update.AttemptCount, update.NotBefore, update.ContentHash,
			errorKindArg(update.ErrorKind), update.ErrorText,
		)
	case core.KindSitemap:
		tag, err = l.pool.Exec(ctx, `
UPDATE sitemap_requests SET
	status = $3,
	last_error_kind = COALESCE($4, last_error_kind),
	last_error_text = COALESCE($5, last_error_text),
	updated_at = now()
WHERE id = $1 AND status = $2`,
			id, string(expected), string(next),
			errorKindArg(update.ErrorKind), update.ErrorText,
		)
	case core.KindSearch:
		tag, err = l.pool.Exec(ctx, `
UPDATE search_requests SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2`,
			id, string(expected), string(next),
		)
	default:
		return false, core.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListSchedulable returns queued crawl requests in the tier whose not-before
// has passed, oldest first.
func (l *Ledger) ListSchedulable(ctx context.Context, tier, limit int, now time.Time) ([]core.CrawlRequest, error) {
	rows, err := l.pool.Query(ctx, `
SELECT `+crawlColumns+` FROM crawl_requests
WHERE status = 'queued' AND priority = $1 AND not_before <= $2
ORDER BY created_at, id
LIMIT $3`, tier, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedulable: %w", err)
	}
	defer rows.Close()

	var out []core.CrawlRequest
	for rows.Next() {
		req, err := scanCrawl(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListSchedulableSitemaps returns queued sitemap requests in the tier.
func (l *Ledger) ListSchedulableSitemaps(ctx context.Context, tier, limit int, _ time.Time) ([]core.SitemapRequest, error) {
	rows, err := l.pool.Query(ctx, `
SELECT id FROM sitemap_requests
WHERE status = 'queued' AND priority = $1
ORDER BY created_at, id
LIMIT $2`, tier, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedulable sitemaps: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sitemap id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]core.SitemapRequest, 0, len(ids))
	for _, id := range ids {
		req, err := l.GetSitemap(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// ListSchedulableSearches returns queued search requests, oldest first.
func (l *Ledger) ListSchedulableSearches(ctx context.Context, limit int) ([]core.SearchRequest, error) {
	rows, err := l.pool.Query(ctx, `
SELECT id FROM search_requests
WHERE status = 'queued'
ORDER BY created_at, id
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedulable searches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan search id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]core.SearchRequest, 0, len(ids))
	for _, id := range ids {
		req, err := l.GetSearch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// ListNew returns IDs of requests still awaiting promotion to queued.
func (l *Ledger) ListNew(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
SELECT id FROM (
	SELECT id, created_at FROM crawl_requests WHERE status = 'new'
	UNION ALL SELECT id, created_at FROM sitemap_requests WHERE status = 'new'
	UNION ALL SELECT id, created_at FROM search_requests WHERE status = 'new'
) pending
ORDER BY created_at, id
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list new: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRunningSince returns crawl requests running since before the cutoff.
func (l *Ledger) ListRunningSince(ctx context.Context, cutoff time.Time) ([]core.CrawlRequest, error) {
	rows, err := l.pool.Query(ctx, `
SELECT `+crawlColumns+` FROM crawl_requests
WHERE status = 'running' AND updated_at < $1
ORDER BY created_at, id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list running since: %w", err)
	}
	defer rows.Close()

	var out []core.CrawlRequest
	for rows.Next() {
		req, err := scanCrawl(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// RequestCancel marks new/queued requests canceled and flags running ones.
func (l *Ledger) RequestCancel(ctx context.Context, id string) error {
	kind, err := l.Kind(ctx, id)
	if err != nil {
		return err
	}
	table := tableFor(kind)
	if _, err := l.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET status = 'canceled', updated_at = now()
WHERE id = $1 AND status IN ('new','queued')`, table), id); err != nil {
		return fmt.Errorf("cancel pending: %w", err)
	}
	if kind == core.KindSearch {
		return nil
	}
	if _, err := l.pool.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET cancel_requested = TRUE, updated_at = now()
WHERE id = $1 AND status = 'running'`, table), id); err != nil {
		return fmt.Errorf("flag running cancel: %w", err)
	}
	return nil
}

// CancelRequested reports the cooperative cancel flag.
func (l *Ledger) CancelRequested(ctx context.Context, id string) (bool, error) {
	kind, err := l.Kind(ctx, id)
	if err != nil {
		return false, err
	}
	if kind == core.KindSearch {
		var status string
		if err := l.pool.QueryRow(ctx,
			`SELECT status FROM search_requests WHERE id = $1`, id).Scan(&status); err != nil {
			return false, fmt.Errorf("query search status: %w", err)
		}
		return core.Status(status) == core.StatusCanceled, nil
	}
	var flagged bool
	err = l.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT cancel_requested OR status = 'canceled' FROM %s WHERE id = $1`, tableFor(kind)), id).Scan(&flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, core.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query cancel flag: %w", err)
	}
	return flagged, nil
}

// AddDiscovered increments the sitemap's discovered-child count.
func (l *Ledger) AddDiscovered(ctx context.Context, sitemapID string, n int) error {
	tag, err := l.pool.Exec(ctx, `
UPDATE sitemap_requests SET discovered = discovered + $2, updated_at = now()
WHERE id = $1`, sitemapID, n)
	if err != nil {
		return fmt.Errorf("add discovered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// AddSkipped records children dropped by the expansion cap.
func (l *Ledger) AddSkipped(ctx context.Context, sitemapID string, n int) error {
	tag, err := l.pool.Exec(ctx, `
UPDATE sitemap_requests SET skipped = skipped + $2, updated_at = now()
WHERE id = $1`, sitemapID, n)
	if err != nil {
		return fmt.Errorf("add skipped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// FinishDiscovery marks parsing finished and finalizes if all children landed.
func (l *Ledger) FinishDiscovery(ctx context.Context, sitemapID string) (bool, error) {
	if _, err := l.pool.Exec(ctx, `
UPDATE sitemap_requests SET discovery_done = TRUE, updated_at = now()
WHERE id = $1`, sitemapID); err != nil {
		return false, fmt.Errorf("finish discovery: %w", err)
	}
	return l.finalizeSitemap(ctx, sitemapID)
}

// ChildFinished counts one terminal child and finalizes when the last lands.
func (l *Ledger) ChildFinished(ctx context.Context, sitemapID string) (bool, error) {
	if _, err := l.pool.Exec(ctx, `
UPDATE sitemap_requests
SET completed = LEAST(completed + 1, discovered), updated_at = now()
WHERE id = $1`, sitemapID); err != nil {
		return false, fmt.Errorf("count child finished: %w", err)
	}
	return l.finalizeSitemap(ctx, sitemapID)
}

func (l *Ledger) finalizeSitemap(ctx context.Context, sitemapID string) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
UPDATE sitemap_requests SET status = 'completed', updated_at = now()
WHERE id = $1 AND status = 'running' AND discovery_done AND completed = discovered`, sitemapID)
	if err != nil {
		return false, fmt.Errorf("finalize sitemap: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetSearchResults attaches query results to a search request.
func (l *Ledger) SetSearchResults(ctx context.Context, id string, hits []core.SearchHit) error {
	payload, err := json.Marshal(hits)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	tag, err := l.pool.Exec(ctx, `
UPDATE search_requests SET results = $2, updated_at = now()
WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("set search results: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func tableFor(kind core.RequestKind) string {
	switch kind {
	case core.KindCrawl:
		return "crawl_requests"
	case core.KindSitemap:
		return "sitemap_requests"
	default:
		return "search_requests"
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func errorKindArg(kind *core.ErrorKind) *string {
	if kind == nil {
		return nil
	}
	s := string(*kind)
	return &s
}
