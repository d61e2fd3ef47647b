// Package archive persists raw page bodies so extraction can be replayed
// against markup the site has since changed.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

// LocalConfig captures the parameters for the filesystem archive.
type LocalConfig struct {
	// BaseDir is the root directory where page bodies are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Local writes page bodies to the local filesystem, laid out as
// <source>/<date>/page-<n>-<uuid>.html.
type Local struct {
	baseDir string
}

// NewLocal creates a filesystem-backed archive, creating and probing the
// base directory.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &Local{baseDir: cfg.BaseDir}, nil
}

// SavePage writes the page body and returns a file:// URI for it.
func (a *Local) SavePage(_ context.Context, sourceID int64, page ingest.Page) (string, error) {
	if len(page.Body) == 0 {
		return "", fmt.Errorf("page body is empty")
	}
	rel := pageKey(sourceID, page)
	full := filepath.Join(a.baseDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}
	if err := os.WriteFile(full, page.Body, 0o600); err != nil {
		return "", fmt.Errorf("write page body: %w", err)
	}
	return "file://" + full, nil
}

func pageKey(sourceID int64, page ingest.Page) string {
	return filepath.Join(
		fmt.Sprintf("source-%d", sourceID),
		page.FetchedAt.UTC().Format("2006-01-02"),
		fmt.Sprintf("page-%04d-%s.html", page.Number, uuid.NewString()),
	)
}
