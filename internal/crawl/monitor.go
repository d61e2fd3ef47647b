package crawl

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

// MonitorConfig controls the incremental monitor strategy.
type MonitorConfig struct {
	// MaxPages caps a single monitor pass.
	MaxPages int
	// ConsecutiveKnownStop ends the pass once this many already-known
	// listings are seen in a row. It must exceed the typical page size so one
	// all-known page alone never stops the pass.
	ConsecutiveKnownStop int
	// MinPagesBeforeStop keeps the smart-stop from firing before the front
	// of the feed has been observed.
	MinPagesBeforeStop int
}

func (c *MonitorConfig) applyDefaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.ConsecutiveKnownStop <= 0 {
		c.ConsecutiveKnownStop = 50
	}
	if c.MinPagesBeforeStop <= 0 {
		c.MinPagesBeforeStop = 3
	}
}

// Monitor walks pages sequentially from the front of the feed and stops once
// a long run of already-known listings shows it has caught up. The source
// lists newest first, so everything past that run is assumed already stored.
type Monitor struct {
	cfg     MonitorConfig
	store   ingest.ListingStore
	fetcher ingest.Fetcher
	extract ingest.Extractor
	logger  *zap.Logger
}

// NewMonitor builds the strategy.
func NewMonitor(cfg MonitorConfig, store ingest.ListingStore, fetcher ingest.Fetcher, extract ingest.Extractor, logger *zap.Logger) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		extract: extract,
		logger:  logger,
	}
}

// Run executes one monitor pass. Observed records are returned for the
// reconciliation step; nothing is persisted here. Every observed listing is
// included, not just those up to the stop point.
func (m *Monitor) Run(ctx context.Context, source ingest.Source) StrategyResult {
	var res StrategyResult
	consecutiveKnown := 0
	seen := make(map[string]struct{})
	stop := ""

	for pageNo := 1; pageNo <= m.cfg.MaxPages && stop == ""; pageNo++ {
		if ctx.Err() != nil {
			return res
		}

		page, err := m.fetcher.FetchPage(ctx, source.URL, pageNo, ingest.FetchNormal)
		if err != nil {
			if ctx.Err() != nil {
				return res
			}
			res.Errors = append(res.Errors, fmt.Sprintf("page %d: %v", pageNo, err))
			stop = "fetch exhausted"
			break
		}
		res.PagesFetched++

		records, err := m.extract.Extract(page.Body)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("page %d extract: %v", pageNo, err))
			stop = "extraction failed"
			break
		}
		if len(records) == 0 {
			stop = "empty page"
			break
		}

		for _, rec := range records {
			if !rec.Complete() {
				continue
			}
			res.Observed++
			if _, dup := seen[rec.ExternalID]; !dup {
				seen[rec.ExternalID] = struct{}{}
				res.ObservedIDs = append(res.ObservedIDs, rec.ExternalID)
				res.Records = append(res.Records, rec)
			}

			_, known, err := m.store.GetListing(ctx, rec.ExternalID)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("lookup %s: %v", rec.ExternalID, err))
				continue
			}
			if known {
				consecutiveKnown++
			} else {
				consecutiveKnown = 0
			}
		}

		if pageNo >= m.cfg.MinPagesBeforeStop && consecutiveKnown >= m.cfg.ConsecutiveKnownStop {
			stop = "caught up"
		}
	}
	if stop == "" {
		stop = "page cap"
	}

	res.Completed = true
	m.logger.Info("monitor pass finished",
		zap.String("source", source.Name),
		zap.String("stop", stop),
		zap.Int("pages", res.PagesFetched),
		zap.Int("observed", res.Observed),
		zap.Int("consecutive_known", consecutiveKnown),
	)
	return res
}
