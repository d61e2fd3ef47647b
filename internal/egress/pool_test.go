package egress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

func testRoutes(n int) []Route {
	routes := make([]Route, n)
	for i := range routes {
		routes[i] = Route{Host: "10.0.0.1", Port: 8000 + i}
	}
	return routes
}

func newTestPool(t *testing.T, routes []Route) (*Pool, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewPool(routes, zap.NewNop())
	p.now = func() time.Time { return now }
	return p, &now
}

func TestSelectEmptyPoolReturnsDirect(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, nil)
	require.True(t, p.Select().IsDirect())
	require.True(t, p.SelectWeighted().IsDirect())
}

func TestSelectRoundRobin(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testRoutes(3))
	require.Equal(t, 8000, p.Select().Port)
	require.Equal(t, 8001, p.Select().Port)
	require.Equal(t, 8002, p.Select().Port)
	require.Equal(t, 8000, p.Select().Port)
}

func TestSelectSkipsCooledRoute(t *testing.T) {
	t.Parallel()
	routes := testRoutes(2)
	p, _ := newTestPool(t, routes)

	p.ReportFailure(routes[0], ingest.FailureTimeout)
	for i := 0; i < 4; i++ {
		require.Equal(t, 8001, p.Select().Port)
	}
}

func TestSelectSkipsRouteWithTooManyConsecutiveFails(t *testing.T) {
	t.Parallel()
	routes := testRoutes(2)
	p, now := newTestPool(t, routes)

	for i := 0; i < maxConsecutiveFails; i++ {
		p.ReportFailure(routes[0], ingest.FailureNetworkError)
	}
	// Jump past the cooldown so only the consecutive-fails guard applies.
	*now = now.Add(2 * cooldownCap)

	for i := 0; i < 4; i++ {
		require.Equal(t, 8001, p.Select().Port)
	}
}

func TestSelectFallsBackWhenAllDisqualified(t *testing.T) {
	t.Parallel()
	routes := testRoutes(3)
	p, _ := newTestPool(t, routes)
	p.randN = func(int) int { return 1 }

	for _, r := range routes {
		p.ReportFailure(r, ingest.FailureBlocked)
	}
	// Never "no route": an unhealthy pool still serves something.
	require.Equal(t, 8001, p.Select().Port)
}

func TestCooldownEscalatesAndCaps(t *testing.T) {
	t.Parallel()
	routes := testRoutes(1)
	p, now := newTestPool(t, routes)

	var prev time.Duration
	for i := 1; i <= 20; i++ {
		p.ReportFailure(routes[0], ingest.FailureTimeout)
		st := p.stats[routes[0].Key()]
		cooldown := st.CooldownUntil.Sub(*now)
		require.GreaterOrEqual(t, cooldown, prev, "cooldown must be non-decreasing")
		require.LessOrEqual(t, cooldown, cooldownCap)
		if i >= 12 {
			require.Equal(t, cooldownCap, cooldown)
		}
		prev = cooldown
	}
}

func TestSuccessResetsCooldownAndFails(t *testing.T) {
	t.Parallel()
	routes := testRoutes(1)
	p, _ := newTestPool(t, routes)

	for i := 0; i < 3; i++ {
		p.ReportFailure(routes[0], ingest.FailureTimeout)
	}
	p.ReportSuccess(routes[0], 120*time.Millisecond)

	st := p.stats[routes[0].Key()]
	require.Zero(t, st.ConsecutiveFails)
	require.True(t, st.CooldownUntil.IsZero())
	require.Equal(t, 8000, p.Select().Port)
}

func TestSelectWeightedPrefersHealthyRoute(t *testing.T) {
	t.Parallel()
	routes := testRoutes(2)
	p, _ := newTestPool(t, routes)

	for i := 0; i < 10; i++ {
		p.ReportSuccess(routes[0], 50*time.Millisecond)
	}

	// Weight for route 0 is 1.0, unknown route 1 gets the 0.5 prior.
	p.randF = func() float64 { return 0.0 }
	require.Equal(t, 8000, p.SelectWeighted().Port)
	p.randF = func() float64 { return 0.99 }
	require.Equal(t, 8001, p.SelectWeighted().Port)
}

func TestSelectWeightedExcludesCooledRoutes(t *testing.T) {
	t.Parallel()
	routes := testRoutes(2)
	p, _ := newTestPool(t, routes)
	p.randF = func() float64 { return 0.99 }

	p.ReportFailure(routes[1], ingest.FailureRateLimited)
	require.Equal(t, 8000, p.SelectWeighted().Port)
}

func TestAddAndRemoveRoutes(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, testRoutes(1))

	extra := Route{Host: "10.0.0.2", Port: 9000}
	p.Add(extra)
	p.Add(extra) // duplicate is a no-op
	require.Equal(t, 2, p.Snapshot().Total)

	require.True(t, p.Remove("10.0.0.2", 9000))
	require.False(t, p.Remove("10.0.0.2", 9000))
	require.Equal(t, 1, p.Snapshot().Total)
}

func TestSnapshotCountsHealth(t *testing.T) {
	t.Parallel()
	routes := testRoutes(3)
	p, _ := newTestPool(t, routes)

	p.ReportSuccess(routes[0], 80*time.Millisecond)
	p.ReportFailure(routes[1], ingest.FailureBlocked)

	stats := p.Snapshot()
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.Healthy)
	require.Equal(t, 1, stats.InCooldown)
	require.Equal(t, 2, stats.Requests)
	require.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()
	routes := testRoutes(2)
	p, _ := newTestPool(t, routes)
	p.ReportSuccess(routes[0], 100*time.Millisecond)
	p.ReportFailure(routes[1], ingest.FailureTimeout)

	data, err := p.MarshalState()
	require.NoError(t, err)

	restored, _ := newTestPool(t, routes)
	require.NoError(t, restored.RestoreState(data))

	stats := restored.Snapshot()
	require.Equal(t, 2, stats.Requests)
	require.Equal(t, 1, stats.InCooldown)
}

func TestRestoreStateRejectsGarbage(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, nil)
	require.Error(t, p.RestoreState([]byte("not json")))
}
