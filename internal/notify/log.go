// Package notify delivers completed cycle reports to downstream consumers.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

// LogPublisher writes cycle reports to the structured log. It is the default
// sink when no external publisher is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher builds a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the report summary and each detected change.
func (p *LogPublisher) Publish(_ context.Context, report ingest.CycleReport) error {
	p.logger.Info("cycle finished",
		zap.String("cycle_id", report.CycleID),
		zap.String("source", report.SourceName),
		zap.String("strategy", string(report.Strategy)),
		zap.Int("pages", report.PagesFetched),
		zap.Int("observed", report.Observed),
		zap.Int("saved", report.Saved),
		zap.Int("new", len(report.NewListings)),
		zap.Int("price_changes", len(report.PriceChanges)),
		zap.Int("removed", len(report.RemovedIDs)),
		zap.Bool("partial", report.Partial),
	)
	for _, l := range report.NewListings {
		p.logger.Info("new listing",
			zap.String("id", l.ID),
			zap.String("title", l.Title),
			zap.Intp("price", l.Price),
			zap.String("url", l.URL),
		)
	}
	for _, c := range report.PriceChanges {
		p.logger.Info("price change",
			zap.String("id", c.Listing.ID),
			zap.Int("old_price", c.OldPrice),
			zap.Int("new_price", c.NewPrice),
			zap.String("url", c.Listing.URL),
		)
	}
	return nil
}
