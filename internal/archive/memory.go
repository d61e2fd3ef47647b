package archive

import (
	"context"
	"sync"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

// Memory keeps archived pages in a map; for tests and local development.
type Memory struct {
	mu    sync.Mutex
	pages map[string][]byte
}

// NewMemory creates an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{pages: make(map[string][]byte)}
}

// SavePage stores a copy of the body under a mem:// URI.
func (a *Memory) SavePage(_ context.Context, sourceID int64, page ingest.Page) (string, error) {
	key := pageKey(sourceID, page)
	body := append([]byte(nil), page.Body...)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages[key] = body
	return "mem://" + key, nil
}

// Len reports how many pages are archived.
func (a *Memory) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}

// Get returns an archived body by the key part of its URI.
func (a *Memory) Get(key string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	body, ok := a.pages[key]
	return body, ok
}
