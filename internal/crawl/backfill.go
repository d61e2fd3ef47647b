// Package crawl implements the two crawl strategies and the ingestion cycle
// that drives them.
package crawl

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/ingest"
	"github.com/ygoldberg/listingwatch/internal/metrics"
)

// BackfillConfig controls the bulk backfill strategy.
type BackfillConfig struct {
	// MaxPages is a hard backstop, not the expected termination path.
	MaxPages int
	// BatchSize pages are fetched concurrently per batch.
	BatchSize int
	// Workers bounds concurrent fetches within a batch.
	Workers int
	// FlushThreshold bounds the pending buffer; reaching it triggers a bulk
	// upsert, which also bounds data loss on crash.
	FlushThreshold int
	// EmptyBatchStop ends the run after this many consecutive batches with no
	// extracted listings.
	EmptyBatchStop int
}

func (c *BackfillConfig) applyDefaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 800
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 1000
	}
	if c.EmptyBatchStop <= 0 {
		c.EmptyBatchStop = 2
	}
}

// StrategyResult is what either strategy hands back to the cycle.
type StrategyResult struct {
	PagesFetched int
	Observed     int
	ObservedIDs  []string
	Saved        int
	// Records holds observed complete records that were NOT yet persisted by
	// the strategy itself. The backfill persists as it goes and leaves this
	// empty; the monitor defers persistence to the reconciliation step.
	Records   []ingest.CandidateRecord
	Errors    []string
	Completed bool
}

// Backfill harvests the whole source once: batched concurrent page fetches,
// a bounded pending buffer flushed through bulk upserts, and termination on
// consecutive listing-free batches.
type Backfill struct {
	cfg     BackfillConfig
	store   ingest.ListingStore
	fetcher ingest.Fetcher
	extract ingest.Extractor
	archive ingest.PageArchive
	logger  *zap.Logger
}

// NewBackfill builds the strategy. archive may be nil.
func NewBackfill(cfg BackfillConfig, store ingest.ListingStore, fetcher ingest.Fetcher, extract ingest.Extractor, archive ingest.PageArchive, logger *zap.Logger) *Backfill {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfill{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		extract: extract,
		archive: archive,
		logger:  logger,
	}
}

type pageResult struct {
	page    int
	records []ingest.CandidateRecord
	err     error
}

// Run executes the backfill. The returned result is partial but valid on
// cancellation: everything flushed is durable, and the pending buffer is
// flushed before returning.
func (b *Backfill) Run(ctx context.Context, source ingest.Source) StrategyResult {
	var (
		res         StrategyResult
		pending     []ingest.CandidateRecord
		emptyTail   int
		draining    bool
		seenObserve = make(map[string]struct{})
	)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		saved, errs := b.flush(ctx, pending)
		res.Saved += saved
		res.Errors = append(res.Errors, errs...)
		pending = pending[:0]
	}

	for start := 1; start <= b.cfg.MaxPages && !draining; start += b.cfg.BatchSize {
		if ctx.Err() != nil {
			b.logger.Info("backfill cancelled, flushing pending buffer",
				zap.String("source", source.Name), zap.Int("pending", len(pending)))
			flush()
			return res
		}

		end := start + b.cfg.BatchSize - 1
		if end > b.cfg.MaxPages {
			end = b.cfg.MaxPages
		}
		results := b.fetchBatch(ctx, source, start, end)

		batchHadListings := false
		for _, pr := range results {
			if pr.err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("page %d: %v", pr.page, pr.err))
				continue
			}
			res.PagesFetched++
			if len(pr.records) == 0 {
				continue
			}
			batchHadListings = true
			for _, rec := range pr.records {
				if !rec.Complete() {
					continue
				}
				res.Observed++
				if _, dup := seenObserve[rec.ExternalID]; !dup {
					seenObserve[rec.ExternalID] = struct{}{}
					res.ObservedIDs = append(res.ObservedIDs, rec.ExternalID)
				}
				pending = append(pending, rec)
			}
		}

		if batchHadListings {
			emptyTail = 0
		} else {
			emptyTail++
			if emptyTail >= b.cfg.EmptyBatchStop {
				draining = true
			}
		}

		if len(pending) >= b.cfg.FlushThreshold {
			flush()
		}
	}

	// Draining: persist the remainder and finish.
	flush()
	res.Completed = true
	b.logger.Info("backfill finished",
		zap.String("source", source.Name),
		zap.Int("pages", res.PagesFetched),
		zap.Int("observed", res.Observed),
		zap.Int("saved", res.Saved),
		zap.Int("errors", len(res.Errors)),
	)
	return res
}

// fetchBatch fetches pages [start, end] concurrently through a bounded
// worker pool and returns results ordered by page number.
func (b *Backfill) fetchBatch(ctx context.Context, source ingest.Source, start, end int) []pageResult {
	n := end - start + 1
	results := make([]pageResult, n)
	sem := make(chan struct{}, b.cfg.Workers)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		pageNo := start + i
		wg.Add(1)
		sem <- struct{}{}
		go func(idx, pageNo int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = b.fetchOne(ctx, source, pageNo)
		}(i, pageNo)
	}
	wg.Wait()
	return results
}

func (b *Backfill) fetchOne(ctx context.Context, source ingest.Source, pageNo int) pageResult {
	page, err := b.fetcher.FetchPage(ctx, source.URL, pageNo, ingest.FetchFast)
	if err != nil {
		return pageResult{page: pageNo, err: err}
	}
	if b.archive != nil {
		if _, err := b.archive.SavePage(ctx, source.ID, page); err != nil {
			b.logger.Warn("page archive failed", zap.Int("page", pageNo), zap.Error(err))
		}
	}
	records, err := b.extract.Extract(page.Body)
	if err != nil {
		return pageResult{page: pageNo, err: fmt.Errorf("extract: %w", err)}
	}
	return pageResult{page: pageNo, records: records}
}

// flush bulk-upserts the buffer. On failure it retries record by record so a
// transient storage error cannot silently drop the whole batch.
func (b *Backfill) flush(ctx context.Context, pending []ingest.CandidateRecord) (int, []string) {
	n, err := b.store.BulkUpsert(ctx, pending)
	if err == nil {
		metrics.AddListingsUpserted("bulk", n)
		b.logger.Debug("buffer flushed", zap.Int("records", n))
		return n, nil
	}

	b.logger.Error("bulk flush failed, salvaging record by record",
		zap.Int("records", len(pending)), zap.Error(err))
	errs := []string{fmt.Sprintf("bulk flush: %v", err)}
	saved := 0
	for _, rec := range pending {
		if _, uerr := b.store.Upsert(ctx, rec); uerr != nil {
			errs = append(errs, fmt.Sprintf("salvage %s: %v", rec.ExternalID, uerr))
			continue
		}
		saved++
	}
	metrics.AddListingsUpserted("salvaged", saved)
	return saved, errs
}
