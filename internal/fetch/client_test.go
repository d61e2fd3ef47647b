package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/egress"
	"github.com/ygoldberg/listingwatch/internal/ingest"
	"github.com/ygoldberg/listingwatch/internal/pacing"
)

type sleepRecorder struct {
	total atomic.Int64
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	s.total.Add(int64(d))
}

func newTestClient(t *testing.T) (*Client, *sleepRecorder) {
	t.Helper()
	pacer, err := pacing.NewController(context.Background(), pacing.Config{}, nil, zap.NewNop())
	require.NoError(t, err)
	c := New(Config{
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
	}, egress.NewPool(nil, zap.NewNop()), pacer, zap.NewNop())
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func TestPageURL(t *testing.T) {
	t.Parallel()
	require.Equal(t, "http://s/rent", pageURL("http://s/rent", 1))
	require.Equal(t, "http://s/rent?page=2", pageURL("http://s/rent", 2))
	require.Equal(t, "http://s/rent?a=b&page=3", pageURL("http://s/rent?a=b", 3))
}

func TestFetchPageSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("<html>listings</html>"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	page, err := c.FetchPage(context.Background(), srv.URL, 1, ingest.FetchNormal)
	require.NoError(t, err)
	require.Equal(t, 1, page.Number)
	require.Equal(t, 1, page.Attempts)
	require.Contains(t, string(page.Body), "listings")
	require.Equal(t, "direct", page.RouteKey)
}

func TestFetchPageRetriesRateLimit(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, rec := newTestClient(t)
	page, err := c.FetchPage(context.Background(), srv.URL, 2, ingest.FetchNormal)
	require.NoError(t, err)
	require.Equal(t, 2, page.Attempts)
	// The 429 must have triggered a multi-minute penalty sleep.
	require.GreaterOrEqual(t, time.Duration(rec.total.Load()), 5*time.Minute)
}

func TestFetchPageDetectsChallengeBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<h1 class="title">Are you for real?</h1>`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	_, err := c.FetchPage(context.Background(), srv.URL, 1, ingest.FetchNormal)
	require.Error(t, err)
	fe, ok := ingest.AsFetchError(err)
	require.True(t, ok)
	require.Equal(t, ingest.FailureBlocked, fe.Kind)
	require.Equal(t, 3, fe.Attempts)
}

func TestFetchPageRetriesServerError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	page, err := c.FetchPage(context.Background(), srv.URL, 1, ingest.FetchNormal)
	require.NoError(t, err)
	require.Equal(t, 3, page.Attempts)
}

func TestFetchPageExhaustsBudget(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	_, err := c.FetchPage(context.Background(), srv.URL, 7, ingest.FetchNormal)
	fe, ok := ingest.AsFetchError(err)
	require.True(t, ok)
	require.Equal(t, ingest.FailureServerError, fe.Kind)
	require.Equal(t, 7, fe.Page)
}

func TestFetchPageNetworkErrorReportsRouteFailure(t *testing.T) {
	t.Parallel()
	routes := []egress.Route{{Host: "127.0.0.1", Port: 1}} // nothing listens here
	pool := egress.NewPool(routes, zap.NewNop())
	pacer, err := pacing.NewController(context.Background(), pacing.Config{}, nil, zap.NewNop())
	require.NoError(t, err)
	c := New(Config{Timeout: 500 * time.Millisecond, MaxAttempts: 2}, pool, pacer, zap.NewNop())
	c.sleep = func(context.Context, time.Duration) {}

	_, err = c.FetchPage(context.Background(), "http://198.51.100.7/rent", 1, ingest.FetchNormal)
	fe, ok := ingest.AsFetchError(err)
	require.True(t, ok)
	require.Contains(t, []ingest.FailureKind{ingest.FailureNetworkError, ingest.FailureTimeout}, fe.Kind)
	require.Positive(t, pool.Snapshot().InCooldown)
}

type selectorSpy struct {
	*egress.Pool
	roundRobin atomic.Int32
	weighted   atomic.Int32
}

func (s *selectorSpy) Select() egress.Route {
	s.roundRobin.Add(1)
	return s.Pool.Select()
}

func (s *selectorSpy) SelectWeighted() egress.Route {
	s.weighted.Add(1)
	return s.Pool.SelectWeighted()
}

func TestFetchPageRetriesUseWeightedSelection(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t)
	spy := &selectorSpy{Pool: egress.NewPool(nil, zap.NewNop())}
	c.pool = spy

	page, err := c.FetchPage(context.Background(), srv.URL, 1, ingest.FetchNormal)
	require.NoError(t, err)
	require.Equal(t, 3, page.Attempts)
	require.Equal(t, int32(1), spy.roundRobin.Load())
	require.Equal(t, int32(2), spy.weighted.Load())
}

func TestFetchPageHonorsCancellation(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestClient(t)
	c.sleep = func(context.Context, time.Duration) { cancel() }

	_, err := c.FetchPage(ctx, srv.URL, 1, ingest.FetchNormal)
	require.ErrorIs(t, err, context.Canceled)
}
