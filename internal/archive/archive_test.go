package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

func testPage() ingest.Page {
	return ingest.Page{
		URL:       "https://example.com/rent?page=3",
		Number:    3,
		Body:      []byte("<html>page</html>"),
		FetchedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestLocalSavePage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, err := NewLocal(LocalConfig{BaseDir: dir})
	require.NoError(t, err)

	uri, err := a.SavePage(context.Background(), 7, testPage())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))
	require.Contains(t, uri, filepath.Join("source-7", "2026-03-01"))
	require.Contains(t, uri, "page-0003-")

	body, err := os.ReadFile(strings.TrimPrefix(uri, "file://"))
	require.NoError(t, err)
	require.Equal(t, []byte("<html>page</html>"), body)
}

func TestLocalRejectsEmptyBody(t *testing.T) {
	t.Parallel()
	a, err := NewLocal(LocalConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = a.SavePage(context.Background(), 1, ingest.Page{Number: 1})
	require.Error(t, err)
}

func TestNewLocalRequiresBaseDir(t *testing.T) {
	t.Parallel()
	_, err := NewLocal(LocalConfig{})
	require.Error(t, err)
}

func TestNewLocalCreatesMissingDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "nested", "archive")
	_, err := NewLocal(LocalConfig{BaseDir: dir})
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestMemorySavePage(t *testing.T) {
	t.Parallel()
	a := NewMemory()

	uri, err := a.SavePage(context.Background(), 7, testPage())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "mem://"))
	require.Equal(t, 1, a.Len())

	body, ok := a.Get(strings.TrimPrefix(uri, "mem://"))
	require.True(t, ok)
	require.Equal(t, []byte("<html>page</html>"), body)
}
