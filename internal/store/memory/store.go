// Package memory provides an in-memory listing store for development and
// tests. Semantics mirror the postgres implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

// Store implements ingest.ListingStore, ingest.SettingsStore, and
// ingest.SourceStore in memory.
type Store struct {
	mu        sync.RWMutex
	listings  map[string]ingest.Listing
	history   map[string][]ingest.PriceHistoryEntry
	settings  map[string]string
	sources   map[int64]ingest.Source
	summaries map[string]ingest.DailySummary
	nextID    int64

	now func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		listings:  make(map[string]ingest.Listing),
		history:   make(map[string][]ingest.PriceHistoryEntry),
		settings:  make(map[string]string),
		sources:   make(map[int64]ingest.Source),
		summaries: make(map[string]ingest.DailySummary),
		nextID:    1,
		now:       time.Now,
	}
}

// SetNow overrides the clock; for tests.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// GetListing returns the stored listing and whether it exists.
func (s *Store) GetListing(_ context.Context, id string) (ingest.Listing, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	return l, ok, nil
}

// CountListings returns the number of listings held, active or not.
func (s *Store) CountListings(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listings), nil
}

// Upsert writes the record and reports newness and price movement. The
// previous price is read before the write; a history entry is appended iff
// the listing is new or the price differs.
func (s *Store) Upsert(_ context.Context, rec ingest.CandidateRecord) (ingest.UpsertResult, error) {
	if rec.ExternalID == "" {
		return ingest.UpsertResult{}, fmt.Errorf("record external id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(rec), nil
}

func (s *Store) upsertLocked(rec ingest.CandidateRecord) ingest.UpsertResult {
	now := s.now().UTC()
	existing, ok := s.listings[rec.ExternalID]

	result := ingest.UpsertResult{IsNew: !ok}
	if ok {
		result.OldPrice = existing.Price
		if !priceEqual(existing.Price, rec.Price) {
			result.PriceChanged = true
		}
	}

	listing := ingest.Listing{
		ID:          rec.ExternalID,
		Title:       rec.Title,
		Price:       rec.Price,
		Address:     rec.Address,
		Descriptors: rec.Descriptors,
		Rooms:       rec.Rooms,
		AreaSqm:     rec.AreaSqm,
		Floor:       rec.Floor,
		URL:         rec.URL,
		ImageURL:    rec.ImageURL,
		FirstSeen:   now,
		LastSeen:    now,
		Active:      true,
	}
	if ok {
		listing.FirstSeen = existing.FirstSeen
	}
	s.listings[rec.ExternalID] = listing

	if (result.IsNew || result.PriceChanged) && rec.Price != nil {
		s.history[rec.ExternalID] = append(s.history[rec.ExternalID], ingest.PriceHistoryEntry{
			ListingID:  rec.ExternalID,
			Price:      *rec.Price,
			RecordedAt: now,
		})
	}
	return result
}

func priceEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// BulkUpsert deduplicates by external id (last occurrence wins) and applies
// upsert semantics to each record.
func (s *Store) BulkUpsert(_ context.Context, recs []ingest.CandidateRecord) (int, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range order {
		s.upsertLocked(deduped[id])
	}
	return len(order), nil
}

// DeactivateMissing flips active listings absent from activeIDs to inactive
// and returns their ids.
func (s *Store) DeactivateMissing(_ context.Context, activeIDs []string) ([]string, error) {
	keep := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		keep[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, listing := range s.listings {
		if !listing.Active {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		listing.Active = false
		s.listings[id] = listing
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return removed, nil
}

// PriceHistory returns up to limit entries for a listing, newest first.
func (s *Store) PriceHistory(_ context.Context, listingID string, limit int) ([]ingest.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[listingID]
	out := make([]ingest.PriceHistoryEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddDailySummary accumulates counters into today's summary.
func (s *Store) AddDailySummary(_ context.Context, summary ingest.DailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	date := summary.Date
	if date == "" {
		date = s.now().UTC().Format("2006-01-02")
	}
	cur := s.summaries[date]
	cur.Date = date
	cur.NewListings += summary.NewListings
	cur.PriceDrops += summary.PriceDrops
	cur.PriceIncreases += summary.PriceIncreases
	cur.Removed += summary.Removed
	s.summaries[date] = cur
	return nil
}

// DailySummaryFor returns the accumulated summary for a date; for tests and
// status reporting.
func (s *Store) DailySummaryFor(date string) (ingest.DailySummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[date]
	return sum, ok
}

// GetSetting returns a persisted setting.
func (s *Store) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

// SetSetting stores a setting.
func (s *Store) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// ListSources returns the configured sources ordered by id.
func (s *Store) ListSources(_ context.Context) ([]ingest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddSource registers a monitored search endpoint.
func (s *Store) AddSource(_ context.Context, name, url string) (ingest.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := ingest.Source{
		ID:            s.nextID,
		Name:          name,
		URL:           url,
		NeedsBackfill: true,
	}
	s.nextID++
	s.sources[src.ID] = src
	return src, nil
}

// MarkBackfilled clears a source's needs-backfill flag.
func (s *Store) MarkBackfilled(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %d not found", id)
	}
	src.NeedsBackfill = false
	s.sources[id] = src
	return nil
}

// TouchScraped updates a source's last-scraped timestamp.
func (s *Store) TouchScraped(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %d not found", id)
	}
	now := s.now().UTC()
	src.LastScraped = &now
	s.sources[id] = src
	return nil
}
