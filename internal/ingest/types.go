// Package ingest defines the core types shared across the ingestion engine.
package ingest

import (
	"time"
)

// OutcomeKind classifies the result of a single fetch attempt. Outcomes feed
// the pacing controller's trailing window and the egress pool's route health.
type OutcomeKind string

// Outcome kinds recorded against the trailing window.
const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeRateLimited  OutcomeKind = "rate_limited"
	OutcomeBlocked      OutcomeKind = "blocked"
	OutcomeServerError  OutcomeKind = "server_error"
	OutcomeTimeout      OutcomeKind = "timeout"
	OutcomeNetworkError OutcomeKind = "network_error"
)

// FetchMode selects the delay profile used between page requests.
type FetchMode string

// Fetch modes. Fast is used only during the initial pass of a bulk backfill,
// before the source has shown any hostility.
const (
	FetchFast   FetchMode = "fast"
	FetchNormal FetchMode = "normal"
)

// StrategyKind names the crawl strategy driving a cycle.
type StrategyKind string

// Strategy kinds reported in cycle summaries.
const (
	StrategyBackfill StrategyKind = "backfill"
	StrategyMonitor  StrategyKind = "monitor"
)

// Listing is one externally-identified ad tracked over time. Listings are
// never hard-deleted; absence from the live site flips Active to false.
type Listing struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Price       *int       `json:"price,omitempty"`
	Address     string     `json:"address,omitempty"`
	Descriptors string     `json:"descriptors,omitempty"`
	Rooms       *float64   `json:"rooms,omitempty"`
	AreaSqm     *int       `json:"area_sqm,omitempty"`
	Floor       *int       `json:"floor,omitempty"`
	URL         string     `json:"url"`
	ImageURL    string     `json:"image_url,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	Active      bool       `json:"active"`
}

// CandidateRecord is what the extraction collaborator produces from a raw
// page. Records missing a price or URL are dropped by the strategies before
// they reach the listing store.
type CandidateRecord struct {
	ExternalID  string
	Title       string
	Price       *int
	Address     string
	Descriptors string
	Rooms       *float64
	AreaSqm     *int
	Floor       *int
	URL         string
	ImageURL    string
	ObservedAt  time.Time
}

// Complete reports whether the record carries the fields required for
// persistence.
func (r CandidateRecord) Complete() bool {
	return r.ExternalID != "" && r.URL != "" && r.Price != nil
}

// PriceHistoryEntry is one append-only price observation. A new entry exists
// iff the listing was newly created or its price differed from the previously
// stored price.
type PriceHistoryEntry struct {
	ListingID  string    `json:"listing_id"`
	Price      int       `json:"price"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PriceChange describes a detected change for downstream consumers.
type PriceChange struct {
	Listing  Listing `json:"listing"`
	OldPrice int     `json:"old_price"`
	NewPrice int     `json:"new_price"`
}

// UpsertResult reports what a single upsert did.
type UpsertResult struct {
	IsNew        bool
	PriceChanged bool
	OldPrice     *int
}

// Source is one monitored search: a paginated listing endpoint plus its
// backfill bookkeeping.
type Source struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	NeedsBackfill bool       `json:"needs_backfill"`
	LastScraped   *time.Time `json:"last_scraped,omitempty"`
}

// Page is one successfully fetched listing page.
type Page struct {
	URL       string
	Number    int
	Body      []byte
	FetchedAt time.Time
	RouteKey  string
	Attempts  int
}

// DailySummary accumulates per-day change counters.
type DailySummary struct {
	Date           string `json:"date"`
	NewListings    int    `json:"new_listings"`
	PriceDrops     int    `json:"price_drops"`
	PriceIncreases int    `json:"price_increases"`
	Removed        int    `json:"removed"`
}

// CycleReport is handed to the reconciliation/notification collaborator
// after each completed (possibly partial) cycle.
type CycleReport struct {
	CycleID      string        `json:"cycle_id"`
	SourceID     int64         `json:"source_id"`
	SourceName   string        `json:"source_name"`
	Strategy     StrategyKind  `json:"strategy"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	PagesFetched int           `json:"pages_fetched"`
	Observed     int           `json:"observed"`
	Saved        int           `json:"saved"`
	NewListings  []Listing     `json:"new_listings,omitempty"`
	PriceChanges []PriceChange `json:"price_changes,omitempty"`
	RemovedIDs   []string      `json:"removed_ids,omitempty"`
	Errors       []string      `json:"errors,omitempty"`
	Partial      bool          `json:"partial"`
}
