package notify

import (
	"context"
	"sync"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

// MemoryPublisher records reports in memory; for tests.
type MemoryPublisher struct {
	mu      sync.Mutex
	reports []ingest.CycleReport
	err     error
}

// NewMemoryPublisher builds an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailWith makes subsequent Publish calls return err.
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish appends the report.
func (p *MemoryPublisher) Publish(_ context.Context, report ingest.CycleReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.reports = append(p.reports, report)
	return nil
}

// Reports returns a copy of everything published so far.
func (p *MemoryPublisher) Reports() []ingest.CycleReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ingest.CycleReport(nil), p.reports...)
}
