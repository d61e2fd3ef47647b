package ingest

import (
	"context"
)

// ListingStore is the durable record of every listing ever seen. All engine
// logic is written against this interface; the backend (postgres, memory) is
// selected once at startup.
type ListingStore interface {
	// GetListing returns the stored listing and whether it exists.
	GetListing(ctx context.Context, id string) (Listing, bool, error)

	// CountListings returns how many listings the store holds, active or not.
	CountListings(ctx context.Context) (int, error)

	// Upsert writes the record, refreshes last-seen bookkeeping, and reports
	// whether the listing is new and whether its price changed. A price
	// history entry is appended iff the listing is new or the price differs
	// from the previously stored one.
	Upsert(ctx context.Context, rec CandidateRecord) (UpsertResult, error)

	// BulkUpsert applies Upsert semantics to a batch, deduplicating by
	// external id (last occurrence wins). Returns the number of records
	// written.
	BulkUpsert(ctx context.Context, recs []CandidateRecord) (int, error)

	// DeactivateMissing flips every active listing not present in activeIDs
	// to inactive and returns the ids it deactivated.
	DeactivateMissing(ctx context.Context, activeIDs []string) ([]string, error)

	// PriceHistory returns the most recent history entries for a listing,
	// newest first.
	PriceHistory(ctx context.Context, listingID string, limit int) ([]PriceHistoryEntry, error)

	// AddDailySummary accumulates change counters into today's summary row.
	AddDailySummary(ctx context.Context, summary DailySummary) error
}

// SettingsStore persists small runtime state that must survive restarts:
// the pacing multiplier, last-run timestamps, and egress pool statistics.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// SourceStore manages the monitored search endpoints.
type SourceStore interface {
	ListSources(ctx context.Context) ([]Source, error)
	AddSource(ctx context.Context, name, url string) (Source, error)
	MarkBackfilled(ctx context.Context, id int64) error
	TouchScraped(ctx context.Context, id int64) error
}

// Fetcher retrieves one listing page, handling pacing, route selection, and
// retries internally.
type Fetcher interface {
	FetchPage(ctx context.Context, baseURL string, page int, mode FetchMode) (Page, error)
}

// Extractor turns a raw page body into candidate records. It is a pure
// collaborator; per-item parse failures are skipped, not propagated.
type Extractor interface {
	Extract(body []byte) ([]CandidateRecord, error)
}

// Publisher hands completed cycle reports to the notification collaborator.
type Publisher interface {
	Publish(ctx context.Context, report CycleReport) error
}

// PageArchive stores raw page bodies for later re-extraction.
type PageArchive interface {
	SavePage(ctx context.Context, sourceID int64, page Page) (string, error)
}
