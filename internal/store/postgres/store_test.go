package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

func intPtr(v int) *int { return &v }

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Unix(1770000000, 0).UTC() }
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestGetListingFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1770000000, 0).UTC()

	mock.ExpectQuery("SELECT (.+) FROM listings WHERE id").
		WithArgs("abc123").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "title", "price", "address", "descriptors", "rooms", "area_sqm",
			"floor", "url", "image_url", "first_seen", "last_seen", "is_active",
		}).AddRow(
			"abc123", "3 rooms", intPtr(5200), "Florentin", "", (*float64)(nil),
			(*int)(nil), (*int)(nil), "https://x/item/abc123", "", now, now, true,
		))

	got, ok, err := store.GetListing(context.Background(), "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5200, *got.Price)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetListingMissing(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM listings WHERE id").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, ok, err := store.GetListing(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertNewListingWritesHistory(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	rec := ingest.CandidateRecord{
		ExternalID: "abc123",
		Title:      "3 rooms",
		Price:      intPtr(5200),
		URL:        "https://x/item/abc123",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT price FROM listings WHERE id").
		WithArgs("abc123").
		WillReturnRows(pgxmock.NewRows([]string{"price"}))
	mock.ExpectExec("INSERT INTO listings").
		WithArgs(rec.ExternalID, rec.Title, rec.Price, rec.Address, rec.Descriptors,
			rec.Rooms, rec.AreaSqm, rec.Floor, rec.URL, rec.ImageURL, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO price_history").
		WithArgs("abc123", 5200, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback().Maybe()

	res, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, res.IsNew)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertUnchangedPriceSkipsHistory(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	rec := ingest.CandidateRecord{
		ExternalID: "abc123",
		Price:      intPtr(5200),
		URL:        "https://x/item/abc123",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT price FROM listings WHERE id").
		WithArgs("abc123").
		WillReturnRows(pgxmock.NewRows([]string{"price"}).AddRow(intPtr(5200)))
	mock.ExpectExec("INSERT INTO listings").
		WithArgs(rec.ExternalID, rec.Title, rec.Price, rec.Address, rec.Descriptors,
			rec.Rooms, rec.AreaSqm, rec.Floor, rec.URL, rec.ImageURL, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback().Maybe()

	res, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, res.IsNew)
	require.False(t, res.PriceChanged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPriceChangeWritesHistory(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	rec := ingest.CandidateRecord{
		ExternalID: "abc123",
		Price:      intPtr(4900),
		URL:        "https://x/item/abc123",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT price FROM listings WHERE id").
		WithArgs("abc123").
		WillReturnRows(pgxmock.NewRows([]string{"price"}).AddRow(intPtr(5200)))
	mock.ExpectExec("INSERT INTO listings").
		WithArgs(rec.ExternalID, rec.Title, rec.Price, rec.Address, rec.Descriptors,
			rec.Rooms, rec.AreaSqm, rec.Floor, rec.URL, rec.ImageURL, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO price_history").
		WithArgs("abc123", 4900, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback().Maybe()

	res, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, res.PriceChanged)
	require.Equal(t, 5200, *res.OldPrice)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresExternalID(t *testing.T) {
	t.Parallel()
	store, _ := newMockStore(t)
	_, err := store.Upsert(context.Background(), ingest.CandidateRecord{URL: "https://x", Price: intPtr(1)})
	require.Error(t, err)
}

func TestBulkUpsertDedupAndHistory(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	recs := []ingest.CandidateRecord{
		{ExternalID: "a", Price: intPtr(100), URL: "https://x/item/a"},
		{ExternalID: "b", Price: intPtr(200), URL: "https://x/item/b"},
		{ExternalID: "a", Price: intPtr(150), URL: "https://x/item/a"}, // last wins
	}

	mock.ExpectBegin()
	// "a" already exists at the price the batch ends on; "b" is new.
	mock.ExpectQuery("SELECT id, price FROM listings WHERE id = ANY").
		WithArgs([]string{"a", "b"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "price"}).AddRow("a", intPtr(150)))
	mock.ExpectExec("INSERT INTO listings").
		WithArgs("a", "", intPtr(150), "", "", (*float64)(nil), (*int)(nil), (*int)(nil),
			"https://x/item/a", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO listings").
		WithArgs("b", "", intPtr(200), "", "", (*float64)(nil), (*int)(nil), (*int)(nil),
			"https://x/item/b", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO price_history").
		WithArgs("b", 200, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback().Maybe()

	n, err := store.BulkUpsert(context.Background(), recs)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsertEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	n, err := store.BulkUpsert(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateMissingReturnsIDs(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE listings SET is_active = FALSE").
		WithArgs([]string{"a", "c"}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("b").AddRow("d"))

	removed, err := store.DeactivateMissing(context.Background(), []string{"a", "c"})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "d"}, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceHistoryNewestFirst(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Unix(1770000000, 0).UTC()

	mock.ExpectQuery("SELECT listing_id, price, recorded_at FROM price_history").
		WithArgs("abc123", 2).
		WillReturnRows(pgxmock.NewRows([]string{"listing_id", "price", "recorded_at"}).
			AddRow("abc123", 4900, now).
			AddRow("abc123", 5200, now.Add(-24*time.Hour)))

	hist, err := store.PriceHistory(context.Background(), "abc123", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, 4900, hist[0].Price)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddDailySummaryAccumulates(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO daily_summaries").
		WithArgs("2026-03-01", 2, 1, 0, 3).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.AddDailySummary(context.Background(), ingest.DailySummary{
		Date: "2026-03-01", NewListings: 2, PriceDrops: 1, Removed: 3,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO settings").
		WithArgs("pacing.multiplier", "1.5", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT value FROM settings WHERE key").
		WithArgs("pacing.multiplier").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("1.5"))
	mock.ExpectQuery("SELECT value FROM settings WHERE key").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	require.NoError(t, store.SetSetting(context.Background(), "pacing.multiplier", "1.5"))

	v, ok, err := store.GetSetting(context.Background(), "pacing.multiplier")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1.5", v)

	_, ok, err = store.GetSetting(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceOperations(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO sources").
		WithArgs("tlv-rent", "https://x/rent").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("UPDATE sources SET needs_backfill").
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE sources SET last_scraped").
		WithArgs(int64(7), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE sources SET needs_backfill").
		WithArgs(int64(99)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	src, err := store.AddSource(context.Background(), "tlv-rent", "https://x/rent")
	require.NoError(t, err)
	require.Equal(t, int64(7), src.ID)
	require.True(t, src.NeedsBackfill)

	require.NoError(t, store.MarkBackfilled(context.Background(), 7))
	require.NoError(t, store.TouchScraped(context.Background(), 7))
	require.Error(t, store.MarkBackfilled(context.Background(), 99))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchemaRunsAllStatements(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, store.InitSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
