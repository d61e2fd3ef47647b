// Package postgres provides Postgres-backed persistence for listings,
// price history, runtime settings, sources, and daily summaries.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements ingest.ListingStore, ingest.SettingsStore, and
// ingest.SourceStore on Postgres.
type Store struct {
	db  dbtx
	now func() time.Time
}

// New creates a Store backed by a new pgx pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, now: time.Now}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(db dbtx) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		price INTEGER,
		address TEXT NOT NULL DEFAULT '',
		descriptors TEXT NOT NULL DEFAULT '',
		rooms DOUBLE PRECISION,
		area_sqm INTEGER,
		floor INTEGER,
		url TEXT NOT NULL,
		image_url TEXT NOT NULL DEFAULT '',
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		listing_id TEXT NOT NULL REFERENCES listings(id),
		price INTEGER NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_listing ON price_history (listing_id, recorded_at DESC)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sources (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		needs_backfill BOOLEAN NOT NULL DEFAULT TRUE,
		last_scraped TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS daily_summaries (
		date DATE PRIMARY KEY,
		new_listings INTEGER NOT NULL DEFAULT 0,
		price_drops INTEGER NOT NULL DEFAULT 0,
		price_increases INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0
	)`,
}

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const listingColumns = `id, title, price, address, descriptors, rooms, area_sqm, floor, url, image_url, first_seen, last_seen, is_active`

func scanListing(row pgx.Row) (ingest.Listing, error) {
	var l ingest.Listing
	err := row.Scan(
		&l.ID, &l.Title, &l.Price, &l.Address, &l.Descriptors,
		&l.Rooms, &l.AreaSqm, &l.Floor, &l.URL, &l.ImageURL,
		&l.FirstSeen, &l.LastSeen, &l.Active,
	)
	return l, err
}

// GetListing returns the stored listing and whether it exists.
func (s *Store) GetListing(ctx context.Context, id string) (ingest.Listing, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Listing{}, false, nil
	}
	if err != nil {
		return ingest.Listing{}, false, fmt.Errorf("get listing: %w", err)
	}
	return l, true, nil
}

// CountListings returns the number of listings held, active or not.
func (s *Store) CountListings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return n, nil
}

const upsertListingSQL = `
INSERT INTO listings (id, title, price, address, descriptors, rooms, area_sqm, floor, url, image_url, first_seen, last_seen, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11,TRUE)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	address = EXCLUDED.address,
	descriptors = EXCLUDED.descriptors,
	rooms = EXCLUDED.rooms,
	area_sqm = EXCLUDED.area_sqm,
	floor = EXCLUDED.floor,
	url = EXCLUDED.url,
	image_url = EXCLUDED.image_url,
	last_seen = EXCLUDED.last_seen,
	is_active = TRUE`

const insertHistorySQL = `INSERT INTO price_history (listing_id, price, recorded_at) VALUES ($1,$2,$3)`

// Upsert writes one record in a transaction. The previous price is read
// before the write so price movement can be reported; a history entry is
// appended iff the listing is new or the price differs.
func (s *Store) Upsert(ctx context.Context, rec ingest.CandidateRecord) (ingest.UpsertResult, error) {
	if rec.ExternalID == "" {
		return ingest.UpsertResult{}, fmt.Errorf("record external id is required")
	}
	now := s.now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ingest.UpsertResult{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var result ingest.UpsertResult
	var oldPrice *int
	err = tx.QueryRow(ctx, `SELECT price FROM listings WHERE id = $1`, rec.ExternalID).Scan(&oldPrice)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		result.IsNew = true
	case err != nil:
		return ingest.UpsertResult{}, fmt.Errorf("read previous price: %w", err)
	default:
		result.OldPrice = oldPrice
		result.PriceChanged = !priceEqual(oldPrice, rec.Price)
	}

	if _, err := tx.Exec(ctx, upsertListingSQL,
		rec.ExternalID, rec.Title, rec.Price, rec.Address, rec.Descriptors,
		rec.Rooms, rec.AreaSqm, rec.Floor, rec.URL, rec.ImageURL, now,
	); err != nil {
		return ingest.UpsertResult{}, fmt.Errorf("upsert listing: %w", err)
	}

	if (result.IsNew || result.PriceChanged) && rec.Price != nil {
		if _, err := tx.Exec(ctx, insertHistorySQL, rec.ExternalID, *rec.Price, now); err != nil {
			return ingest.UpsertResult{}, fmt.Errorf("insert price history: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ingest.UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return result, nil
}

func priceEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// BulkUpsert deduplicates by external id (last occurrence wins), prefetches
// existing prices in one query, then writes the batch and the implied price
// history inside a single transaction.
func (s *Store) BulkUpsert(ctx context.Context, recs []ingest.CandidateRecord) (int, error) {
	deduped := make(map[string]ingest.CandidateRecord, len(recs))
	order := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.ExternalID == "" {
			continue
		}
		if _, seen := deduped[rec.ExternalID]; !seen {
			order = append(order, rec.ExternalID)
		}
		deduped[rec.ExternalID] = rec
	}
	if len(order) == 0 {
		return 0, nil
	}
	now := s.now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin bulk upsert: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	existing, err := fetchPrices(ctx, tx, order)
	if err != nil {
		return 0, err
	}

	for _, id := range order {
		rec := deduped[id]
		if _, err := tx.Exec(ctx, upsertListingSQL,
			rec.ExternalID, rec.Title, rec.Price, rec.Address, rec.Descriptors,
			rec.Rooms, rec.AreaSqm, rec.Floor, rec.URL, rec.ImageURL, now,
		); err != nil {
			return 0, fmt.Errorf("bulk upsert listing %s: %w", id, err)
		}

		old, known := existing[id]
		if rec.Price != nil && (!known || !priceEqual(old, rec.Price)) {
			if _, err := tx.Exec(ctx, insertHistorySQL, id, *rec.Price, now); err != nil {
				return 0, fmt.Errorf("bulk insert price history %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit bulk upsert: %w", err)
	}
	return len(order), nil
}

func fetchPrices(ctx context.Context, tx pgx.Tx, ids []string) (map[string]*int, error) {
	rows, err := tx.Query(ctx, `SELECT id, price FROM listings WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("prefetch prices: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*int, len(ids))
	for rows.Next() {
		var id string
		var price *int
		if err := rows.Scan(&id, &price); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		out[id] = price
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prefetch prices: %w", err)
	}
	return out, nil
}

// DeactivateMissing flips active listings absent from activeIDs to inactive
// and returns their ids.
func (s *Store) DeactivateMissing(ctx context.Context, activeIDs []string) ([]string, error) {
	if activeIDs == nil {
		activeIDs = []string{}
	}
	rows, err := s.db.Query(ctx,
		`UPDATE listings SET is_active = FALSE WHERE is_active AND NOT (id = ANY($1)) RETURNING id`,
		activeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("deactivate missing: %w", err)
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deactivated id: %w", err)
		}
		removed = append(removed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deactivate missing: %w", err)
	}
	return removed, nil
}

// PriceHistory returns up to limit entries for a listing, newest first.
func (s *Store) PriceHistory(ctx context.Context, listingID string, limit int) ([]ingest.PriceHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT listing_id, price, recorded_at FROM price_history WHERE listing_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		listingID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}
	defer rows.Close()

	var out []ingest.PriceHistoryEntry
	for rows.Next() {
		var e ingest.PriceHistoryEntry
		if err := rows.Scan(&e.ListingID, &e.Price, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan price history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}
	return out, nil
}

// AddDailySummary accumulates change counters into the summary row for the
// given date (today when unset).
func (s *Store) AddDailySummary(ctx context.Context, summary ingest.DailySummary) error {
	date := summary.Date
	if date == "" {
		date = s.now().UTC().Format("2006-01-02")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO daily_summaries (date, new_listings, price_drops, price_increases, removed)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (date) DO UPDATE SET
	new_listings = daily_summaries.new_listings + EXCLUDED.new_listings,
	price_drops = daily_summaries.price_drops + EXCLUDED.price_drops,
	price_increases = daily_summaries.price_increases + EXCLUDED.price_increases,
	removed = daily_summaries.removed + EXCLUDED.removed`,
		date, summary.NewListings, summary.PriceDrops, summary.PriceIncreases, summary.Removed,
	)
	if err != nil {
		return fmt.Errorf("add daily summary: %w", err)
	}
	return nil
}

// GetSetting returns a persisted setting.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return value, true, nil
}

// SetSetting stores a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO settings (key, value, updated_at) VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// ListSources returns the configured sources ordered by id.
func (s *Store) ListSources(ctx context.Context) ([]ingest.Source, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, url, needs_backfill, last_scraped FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []ingest.Source
	for rows.Next() {
		var src ingest.Source
		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &src.NeedsBackfill, &src.LastScraped); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// AddSource registers a monitored search endpoint.
func (s *Store) AddSource(ctx context.Context, name, url string) (ingest.Source, error) {
	src := ingest.Source{Name: name, URL: url, NeedsBackfill: true}
	err := s.db.QueryRow(ctx,
		`INSERT INTO sources (name, url) VALUES ($1,$2) RETURNING id`,
		name, url,
	).Scan(&src.ID)
	if err != nil {
		return ingest.Source{}, fmt.Errorf("add source: %w", err)
	}
	return src, nil
}

// MarkBackfilled clears a source's needs-backfill flag.
func (s *Store) MarkBackfilled(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE sources SET needs_backfill = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark backfilled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %d not found", id)
	}
	return nil
}

// TouchScraped updates a source's last-scraped timestamp.
func (s *Store) TouchScraped(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE sources SET last_scraped = $2 WHERE id = $1`, id, s.now().UTC())
	if err != nil {
		return fmt.Errorf("touch scraped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %d not found", id)
	}
	return nil
}
