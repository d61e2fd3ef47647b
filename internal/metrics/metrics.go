// Package metrics exposes Prometheus collectors for the ingestion engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesTotal           *prometheus.CounterVec
	fetchDurationSeconds prometheus.Histogram
	penaltySleepSeconds  *prometheus.HistogramVec
	pacingMultiplier     prometheus.Gauge
	routesHealthy        prometheus.Gauge
	routesCooldown       prometheus.Gauge
	listingsUpserted     *prometheus.CounterVec
	priceChangesTotal    prometheus.Counter
	deactivatedTotal     prometheus.Counter
	cyclesTotal          *prometheus.CounterVec
	cycleDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_pages_total",
				Help: "Fetch attempts by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "listingwatch_fetch_duration_seconds",
				Help:    "Latency of successful page fetches.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		penaltySleepSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listingwatch_penalty_sleep_seconds",
				Help:    "Penalty sleeps taken after hostile responses.",
				Buckets: []float64{30, 60, 120, 300, 600, 1800},
			},
			[]string{"reason"},
		)

		pacingMultiplier = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listingwatch_pacing_multiplier",
				Help: "Current adaptive delay multiplier.",
			},
		)

		routesHealthy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listingwatch_routes_healthy",
				Help: "Egress routes currently selectable.",
			},
		)

		routesCooldown = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listingwatch_routes_cooldown",
				Help: "Egress routes currently in cooldown.",
			},
		)

		listingsUpserted = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_listings_upserted_total",
				Help: "Listings written to the store, by kind.",
			},
			[]string{"kind"},
		)

		priceChangesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "listingwatch_price_changes_total",
				Help: "Detected listing price changes.",
			},
		)

		deactivatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "listingwatch_listings_deactivated_total",
				Help: "Listings flipped to inactive by reconciliation.",
			},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listingwatch_cycles_total",
				Help: "Completed ingestion cycles by strategy and status.",
			},
			[]string{"strategy", "status"},
		)

		cycleDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listingwatch_cycle_duration_seconds",
				Help:    "Duration of ingestion cycles.",
				Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"strategy"},
		)
	})
}

// ObservePage records a fetch attempt outcome.
func ObservePage(outcome string) {
	if pagesTotal != nil {
		pagesTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveFetchDuration records the latency of a successful fetch.
func ObserveFetchDuration(d time.Duration) {
	if fetchDurationSeconds != nil {
		fetchDurationSeconds.Observe(d.Seconds())
	}
}

// ObservePenaltySleep records a hostile-response penalty sleep.
func ObservePenaltySleep(reason string, d time.Duration) {
	if penaltySleepSeconds != nil {
		penaltySleepSeconds.WithLabelValues(reason).Observe(d.Seconds())
	}
}

// SetPacingMultiplier publishes the current multiplier.
func SetPacingMultiplier(m float64) {
	if pacingMultiplier != nil {
		pacingMultiplier.Set(m)
	}
}

// SetRouteHealth publishes pool health gauges.
func SetRouteHealth(healthy, cooldown int) {
	if routesHealthy != nil {
		routesHealthy.Set(float64(healthy))
		routesCooldown.Set(float64(cooldown))
	}
}

// AddListingsUpserted counts store writes by kind ("new" or "updated").
func AddListingsUpserted(kind string, n int) {
	if listingsUpserted != nil {
		listingsUpserted.WithLabelValues(kind).Add(float64(n))
	}
}

// AddPriceChanges counts detected price changes.
func AddPriceChanges(n int) {
	if priceChangesTotal != nil {
		priceChangesTotal.Add(float64(n))
	}
}

// AddDeactivated counts listings flipped to inactive.
func AddDeactivated(n int) {
	if deactivatedTotal != nil {
		deactivatedTotal.Add(float64(n))
	}
}

// ObserveCycle records a completed cycle.
func ObserveCycle(strategy, status string, d time.Duration) {
	if cyclesTotal != nil {
		cyclesTotal.WithLabelValues(strategy, status).Inc()
		cycleDurationSeconds.WithLabelValues(strategy).Observe(d.Seconds())
	}
}
