// Package pacing computes inter-request and inter-cycle delays from a
// trailing window of fetch outcomes.
package pacing

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

const (
	multiplierKey = "pacing.multiplier"

	minMultiplier = 0.5
	maxMultiplier = 5.0

	// Below this many samples in the window the controller does not adjust:
	// insufficient signal.
	minSamples = 5
)

// Config holds the base delay ranges the multiplier scales.
type Config struct {
	// Fast delays apply only during a bulk backfill's initial pass and
	// ignore the multiplier.
	FastDelayMin time.Duration
	FastDelayMax time.Duration

	NormalDelayMin time.Duration
	NormalDelayMax time.Duration

	CycleDelayMin time.Duration
	CycleDelayMax time.Duration

	// CycleDelayFloor keeps the polling cadence from collapsing even at the
	// minimum multiplier.
	CycleDelayFloor time.Duration

	// Window bounds the trailing outcome log consulted on adjustment.
	Window time.Duration
}

func (c *Config) applyDefaults() {
	if c.FastDelayMin <= 0 {
		c.FastDelayMin = 1 * time.Second
	}
	if c.FastDelayMax < c.FastDelayMin {
		c.FastDelayMax = 3 * time.Second
	}
	if c.NormalDelayMin <= 0 {
		c.NormalDelayMin = 3 * time.Second
	}
	if c.NormalDelayMax < c.NormalDelayMin {
		c.NormalDelayMax = 8 * time.Second
	}
	if c.CycleDelayMin <= 0 {
		c.CycleDelayMin = 20 * time.Minute
	}
	if c.CycleDelayMax < c.CycleDelayMin {
		c.CycleDelayMax = 40 * time.Minute
	}
	if c.CycleDelayFloor <= 0 {
		c.CycleDelayFloor = 10 * time.Minute
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
}

type sample struct {
	at   time.Time
	kind ingest.OutcomeKind
}

// Controller maintains the pacing multiplier and the trailing outcome window.
// Safe for concurrent use by all fetch workers.
type Controller struct {
	mu         sync.Mutex
	cfg        Config
	multiplier float64
	samples    []sample

	settings ingest.SettingsStore
	logger   *zap.Logger
	now      func() time.Time
	randF    func() float64
}

// NewController builds a controller, restoring the multiplier persisted from
// a previous run.
func NewController(ctx context.Context, cfg Config, settings ingest.SettingsStore, logger *zap.Logger) (*Controller, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:        cfg,
		multiplier: 1.0,
		settings:   settings,
		logger:     logger,
		now:        time.Now,
		randF:      rand.Float64,
	}
	if settings != nil {
		raw, ok, err := settings.GetSetting(ctx, multiplierKey)
		if err != nil {
			return nil, err
		}
		if ok {
			if m, err := strconv.ParseFloat(raw, 64); err == nil {
				c.multiplier = clamp(m)
				logger.Info("restored pacing multiplier", zap.Float64("multiplier", c.multiplier))
			}
		}
	}
	return c, nil
}

func clamp(m float64) float64 {
	if m < minMultiplier {
		return minMultiplier
	}
	if m > maxMultiplier {
		return maxMultiplier
	}
	return m
}

// Multiplier returns the current pacing multiplier.
func (c *Controller) Multiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiplier
}

// RecordOutcome appends an outcome sample. Rate-limit and block outcomes
// trigger an immediate re-analysis of the trailing window.
func (c *Controller) RecordOutcome(ctx context.Context, kind ingest.OutcomeKind) {
	c.mu.Lock()
	now := c.now()
	c.samples = append(c.samples, sample{at: now, kind: kind})
	c.prune(now)

	changed := false
	var updated float64
	if kind == ingest.OutcomeRateLimited || kind == ingest.OutcomeBlocked {
		changed, updated = c.adapt()
	}
	c.mu.Unlock()

	if changed && c.settings != nil {
		value := strconv.FormatFloat(updated, 'f', -1, 64)
		if err := c.settings.SetSetting(ctx, multiplierKey, value); err != nil {
			c.logger.Warn("persist pacing multiplier failed", zap.Error(err))
		}
	}
}

// prune drops samples older than the window. Callers hold the lock.
func (c *Controller) prune(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

// adapt recomputes the multiplier from the window. Escalates fast,
// de-escalates slow. Callers hold the lock.
func (c *Controller) adapt() (bool, float64) {
	total := len(c.samples)
	if total < minSamples {
		return false, c.multiplier
	}

	var successes, problems int
	for _, s := range c.samples {
		switch s.kind {
		case ingest.OutcomeSuccess:
			successes++
		case ingest.OutcomeRateLimited, ingest.OutcomeBlocked:
			problems++
		}
	}
	successRate := float64(successes) / float64(total)
	problemRate := float64(problems) / float64(total)

	old := c.multiplier
	switch {
	case problemRate > 0.30:
		c.multiplier = min(maxMultiplier, c.multiplier*1.5)
	case problemRate > 0.10:
		c.multiplier = min(3.0, c.multiplier*1.2)
	case problemRate < 0.05 && successRate > 0.90:
		c.multiplier = max(minMultiplier, c.multiplier*0.9)
	}

	if c.multiplier == old {
		return false, old
	}
	c.logger.Info("pacing multiplier adjusted",
		zap.Float64("old", old),
		zap.Float64("new", c.multiplier),
		zap.Float64("problem_rate", problemRate),
		zap.Float64("success_rate", successRate),
		zap.Int("samples", total))
	return true, c.multiplier
}

// PageDelay returns the delay to wait before the next page request. Fast
// mode draws from a narrow base range plus small jitter and ignores the
// multiplier; normal mode scales the base range by it.
func (c *Controller) PageDelay(mode ingest.FetchMode) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mode == ingest.FetchFast {
		base := c.uniform(c.cfg.FastDelayMin, c.cfg.FastDelayMax)
		jitter := time.Duration(c.randF() * float64(500*time.Millisecond))
		return base + jitter
	}
	lo := time.Duration(float64(c.cfg.NormalDelayMin) * c.multiplier)
	hi := time.Duration(float64(c.cfg.NormalDelayMax) * c.multiplier)
	return c.uniform(lo, hi)
}

// CycleDelay returns the sleep between ingestion cycles: base range scaled by
// the multiplier, ±20% jitter, floored so the cadence never becomes a fixed
// detectable signature nor collapses to zero.
func (c *Controller) CycleDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	lo := time.Duration(float64(c.cfg.CycleDelayMin) * c.multiplier)
	hi := time.Duration(float64(c.cfg.CycleDelayMax) * c.multiplier)
	base := c.uniform(lo, hi)
	jitter := time.Duration((c.randF()*0.4 - 0.2) * float64(base))
	delay := base + jitter
	if delay < c.cfg.CycleDelayFloor {
		delay = c.cfg.CycleDelayFloor
	}
	return delay
}

// uniform draws from [lo, hi]. Callers hold the lock.
func (c *Controller) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.randF()*float64(hi-lo))
}

// WindowSize reports how many samples are currently in the trailing window.
func (c *Controller) WindowSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.now())
	return len(c.samples)
}
