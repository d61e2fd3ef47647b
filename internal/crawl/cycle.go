package crawl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/egress"
	"github.com/ygoldberg/listingwatch/internal/ingest"
	"github.com/ygoldberg/listingwatch/internal/metrics"
	"github.com/ygoldberg/listingwatch/internal/pacing"
)

// Settings keys persisted between runs.
const (
	lastCycleKey = "cycle.last_finished_at"
	poolStateKey = "egress.pool_state"
)

// Config controls strategy selection and reconciliation.
type Config struct {
	// BackfillThreshold: a source flagged for backfill whose store already
	// holds at least this many listings has its flag cleared instead of
	// being crawled from scratch.
	BackfillThreshold int
	// DeactivationFloor guards reconciliation: below this many observed
	// listings, deactivation is skipped entirely.
	DeactivationFloor int

	Backfill BackfillConfig
	Monitor  MonitorConfig
}

func (c *Config) applyDefaults() {
	if c.BackfillThreshold <= 0 {
		c.BackfillThreshold = 5000
	}
	if c.DeactivationFloor <= 0 {
		c.DeactivationFloor = 1000
	}
	c.Backfill.applyDefaults()
	c.Monitor.applyDefaults()
}

// Runner drives the outer ingestion loop: it picks a strategy per source,
// runs it, reconciles the results into the store, and publishes a report.
// Errors inside a cycle are collected into the report, never propagated.
type Runner struct {
	cfg       Config
	store     ingest.ListingStore
	settings  ingest.SettingsStore
	sources   ingest.SourceStore
	fetcher   ingest.Fetcher
	extract   ingest.Extractor
	publisher ingest.Publisher
	archive   ingest.PageArchive
	pacer     *pacing.Controller
	pool      *egress.Pool
	logger    *zap.Logger

	mu         sync.Mutex
	lastReport *ingest.CycleReport

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration)
}

// RunnerDeps bundles the runner's collaborators. Archive, Publisher, and
// Pool are optional.
type RunnerDeps struct {
	Store     ingest.ListingStore
	Settings  ingest.SettingsStore
	Sources   ingest.SourceStore
	Fetcher   ingest.Fetcher
	Extract   ingest.Extractor
	Publisher ingest.Publisher
	Archive   ingest.PageArchive
	Pacer     *pacing.Controller
	Pool      *egress.Pool
	Logger    *zap.Logger
}

// NewRunner builds a Runner.
func NewRunner(cfg Config, deps RunnerDeps) (*Runner, error) {
	cfg.applyDefaults()
	if deps.Store == nil || deps.Settings == nil || deps.Sources == nil {
		return nil, fmt.Errorf("store, settings, and sources are required")
	}
	if deps.Fetcher == nil || deps.Extract == nil {
		return nil, fmt.Errorf("fetcher and extractor are required")
	}
	if deps.Pacer == nil {
		return nil, fmt.Errorf("pacing controller is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		store:     deps.Store,
		settings:  deps.Settings,
		sources:   deps.Sources,
		fetcher:   deps.Fetcher,
		extract:   deps.Extract,
		publisher: deps.Publisher,
		archive:   deps.Archive,
		pacer:     deps.Pacer,
		pool:      deps.Pool,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		sleep:     sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// LastReport returns the most recent cycle report, if any.
func (r *Runner) LastReport() (ingest.CycleReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastReport == nil {
		return ingest.CycleReport{}, false
	}
	return *r.lastReport, true
}

// Run loops forever: one cycle per source, then a jittered sleep. Returns
// when the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.restorePoolState(ctx)

	for {
		if ctx.Err() != nil {
			r.savePoolState(ctx)
			return ctx.Err()
		}

		sources, err := r.sources.ListSources(ctx)
		if err != nil {
			r.logger.Error("list sources failed", zap.Error(err))
		}
		if len(sources) == 0 {
			r.logger.Warn("no sources configured, idling")
		}

		for _, src := range sources {
			if ctx.Err() != nil {
				r.savePoolState(ctx)
				return ctx.Err()
			}
			report := r.RunCycle(ctx, src)
			r.finishCycle(ctx, report)
		}

		delay := r.pacer.CycleDelay()
		r.logger.Info("sleeping until next cycle", zap.Duration("delay", delay))
		r.sleep(ctx, delay)
	}
}

// RunCycle runs one ingestion cycle for one source. It never returns an
// error; failures are summarized inside the report.
func (r *Runner) RunCycle(ctx context.Context, source ingest.Source) ingest.CycleReport {
	report := ingest.CycleReport{
		CycleID:    r.newID(),
		SourceID:   source.ID,
		SourceName: source.Name,
		StartedAt:  r.now().UTC(),
	}

	backfill := false
	if source.NeedsBackfill {
		known, err := r.store.CountListings(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("count listings: %v", err))
			report.Partial = true
			report.FinishedAt = r.now().UTC()
			return report
		}
		if known >= r.cfg.BackfillThreshold {
			// The store already holds a full catalog; the flag is stale.
			if err := r.sources.MarkBackfilled(ctx, source.ID); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("mark backfilled: %v", err))
			}
		} else {
			backfill = true
		}
	}

	if backfill {
		report.Strategy = ingest.StrategyBackfill
		r.runBackfill(ctx, source, &report)
	} else {
		report.Strategy = ingest.StrategyMonitor
		r.runMonitor(ctx, source, &report)
	}

	report.FinishedAt = r.now().UTC()
	return report
}

func (r *Runner) runBackfill(ctx context.Context, source ingest.Source, report *ingest.CycleReport) {
	log := r.logger.With(zap.String("cycle_id", report.CycleID), zap.String("source", source.Name))
	log.Info("starting bulk backfill")

	strategy := NewBackfill(r.cfg.Backfill, r.store, r.fetcher, r.extract, r.archive, log)
	res := strategy.Run(ctx, source)

	report.PagesFetched = res.PagesFetched
	report.Observed = res.Observed
	report.Saved = res.Saved
	report.Errors = append(report.Errors, res.Errors...)
	report.Partial = !res.Completed

	if res.Completed {
		if err := r.sources.MarkBackfilled(ctx, source.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("mark backfilled: %v", err))
		}
	}
}

func (r *Runner) runMonitor(ctx context.Context, source ingest.Source, report *ingest.CycleReport) {
	log := r.logger.With(zap.String("cycle_id", report.CycleID), zap.String("source", source.Name))

	strategy := NewMonitor(r.cfg.Monitor, r.store, r.fetcher, r.extract, log)
	res := strategy.Run(ctx, source)

	report.PagesFetched = res.PagesFetched
	report.Observed = res.Observed
	report.Errors = append(report.Errors, res.Errors...)
	report.Partial = !res.Completed

	r.reconcile(ctx, res, report, log)
}

// reconcile persists observed records one by one so newness and price
// movement can be diffed, then deactivates listings missing from a
// sufficiently large observation set.
func (r *Runner) reconcile(ctx context.Context, res StrategyResult, report *ingest.CycleReport, log *zap.Logger) {
	for _, rec := range res.Records {
		result, err := r.store.Upsert(ctx, rec)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("persist %s: %v", rec.ExternalID, err))
			continue
		}
		report.Saved++

		switch {
		case result.IsNew:
			metrics.AddListingsUpserted("new", 1)
			listing, ok, gerr := r.store.GetListing(ctx, rec.ExternalID)
			if gerr == nil && ok {
				report.NewListings = append(report.NewListings, listing)
			}
		case result.PriceChanged:
			metrics.AddListingsUpserted("updated", 1)
			if result.OldPrice != nil && rec.Price != nil {
				listing, ok, gerr := r.store.GetListing(ctx, rec.ExternalID)
				if gerr == nil && ok {
					report.PriceChanges = append(report.PriceChanges, ingest.PriceChange{
						Listing:  listing,
						OldPrice: *result.OldPrice,
						NewPrice: *rec.Price,
					})
				}
			}
		default:
			metrics.AddListingsUpserted("refreshed", 1)
		}
	}
	metrics.AddPriceChanges(len(report.PriceChanges))

	if len(res.ObservedIDs) < r.cfg.DeactivationFloor {
		log.Warn("observation set below deactivation floor, skipping removal detection",
			zap.Int("observed", len(res.ObservedIDs)),
			zap.Int("floor", r.cfg.DeactivationFloor),
		)
		return
	}

	removed, err := r.store.DeactivateMissing(ctx, res.ObservedIDs)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("deactivate missing: %v", err))
		return
	}
	report.RemovedIDs = removed
	metrics.AddDeactivated(len(removed))
}

// finishCycle records bookkeeping that must not fail the cycle: the daily
// summary, the published report, durable timestamps, and gauges.
func (r *Runner) finishCycle(ctx context.Context, report ingest.CycleReport) {
	r.mu.Lock()
	r.lastReport = &report
	r.mu.Unlock()

	status := "ok"
	if report.Partial {
		status = "partial"
	}
	metrics.ObserveCycle(string(report.Strategy), status, report.FinishedAt.Sub(report.StartedAt))
	metrics.SetPacingMultiplier(r.pacer.Multiplier())

	summary := ingest.DailySummary{
		NewListings: len(report.NewListings),
		Removed:     len(report.RemovedIDs),
	}
	for _, c := range report.PriceChanges {
		if c.NewPrice < c.OldPrice {
			summary.PriceDrops++
		} else {
			summary.PriceIncreases++
		}
	}
	if err := r.store.AddDailySummary(ctx, summary); err != nil {
		r.logger.Warn("daily summary update failed", zap.Error(err))
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, report); err != nil {
			r.logger.Error("cycle report publish failed",
				zap.String("cycle_id", report.CycleID), zap.Error(err))
		}
	}

	if err := r.sources.TouchScraped(ctx, report.SourceID); err != nil {
		r.logger.Warn("touch scraped failed", zap.Error(err))
	}
	if err := r.settings.SetSetting(ctx, lastCycleKey, report.FinishedAt.Format(time.RFC3339)); err != nil {
		r.logger.Warn("persist last cycle timestamp failed", zap.Error(err))
	}
	r.savePoolState(ctx)
}

func (r *Runner) restorePoolState(ctx context.Context) {
	if r.pool == nil {
		return
	}
	blob, ok, err := r.settings.GetSetting(ctx, poolStateKey)
	if err != nil || !ok {
		return
	}
	if err := r.pool.RestoreState([]byte(blob)); err != nil {
		r.logger.Warn("restore pool state failed", zap.Error(err))
	}
}

func (r *Runner) savePoolState(ctx context.Context) {
	if r.pool == nil {
		return
	}
	// Pool state is saved on shutdown too; survive an already-cancelled ctx.
	ctx = context.WithoutCancel(ctx)
	stats := r.pool.Snapshot()
	metrics.SetRouteHealth(stats.Healthy, stats.InCooldown)

	blob, err := r.pool.MarshalState()
	if err != nil {
		r.logger.Warn("marshal pool state failed", zap.Error(err))
		return
	}
	if err := r.settings.SetSetting(ctx, poolStateKey, string(blob)); err != nil {
		r.logger.Warn("persist pool state failed", zap.Error(err))
	}
}
