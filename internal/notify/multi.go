package notify

import (
	"context"
	"errors"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

// Multi fans a report out to several publishers. Every publisher is invoked
// even when an earlier one fails; the errors are joined.
type Multi struct {
	sinks []ingest.Publisher
}

// NewMulti builds a fanout over the given publishers.
func NewMulti(sinks ...ingest.Publisher) *Multi {
	return &Multi{sinks: sinks}
}

// Publish delivers the report to all sinks.
func (m *Multi) Publish(ctx context.Context, report ingest.CycleReport) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
