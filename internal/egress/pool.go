package egress

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

const (
	// maxConsecutiveFails disqualifies a route from round-robin selection.
	maxConsecutiveFails = 5
	// cooldownStep and cooldownCap bound the per-route escalating backoff.
	cooldownStep = 5 * time.Minute
	cooldownCap  = 60 * time.Minute
)

// routeStats holds mutable health counters for one route. Owned exclusively
// by the pool and mutated only under its lock.
type routeStats struct {
	Success          int       `json:"success"`
	Fail             int       `json:"fail"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastUsed         time.Time `json:"last_used"`
	LastSuccess      time.Time `json:"last_success"`
	AvgResponseMs    float64   `json:"avg_response_ms"`
	CooldownUntil    time.Time `json:"cooldown_until"`
	LastError        string    `json:"last_error,omitempty"`
}

func (s *routeStats) successRate() (float64, bool) {
	total := s.Success + s.Fail
	if total == 0 {
		return 0, false
	}
	return float64(s.Success) / float64(total), true
}

// RouteStatus is a read-only per-route view for status reporting.
type RouteStatus struct {
	Key              string    `json:"key"`
	Success          int       `json:"success"`
	Fail             int       `json:"fail"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	AvgResponseMs    float64   `json:"avg_response_ms"`
	InCooldown       bool      `json:"in_cooldown"`
	CooldownUntil    time.Time `json:"cooldown_until,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// Stats summarizes pool health.
type Stats struct {
	Total       int           `json:"total"`
	Healthy     int           `json:"healthy"`
	InCooldown  int           `json:"in_cooldown"`
	Requests    int           `json:"requests"`
	SuccessRate float64       `json:"success_rate"`
	Routes      []RouteStatus `json:"routes,omitempty"`
}

// Pool tracks a set of egress routes, scores them, and hands out the next
// one to use. Routes are never removed automatically; removal is an explicit
// administrative operation.
type Pool struct {
	mu     sync.Mutex
	routes []Route
	stats  map[string]*routeStats
	next   int

	logger *zap.Logger
	now    func() time.Time
	randF  func() float64
	randN  func(n int) int
}

// NewPool builds a pool over the configured routes. An empty route set is
// valid: selection degrades to the direct-connection sentinel.
func NewPool(routes []Route, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		routes: append([]Route(nil), routes...),
		stats:  make(map[string]*routeStats),
		logger: logger,
		now:    time.Now,
		randF:  rand.Float64,
		randN:  rand.IntN,
	}
	return p
}

func (p *Pool) statsFor(key string) *routeStats {
	st, ok := p.stats[key]
	if !ok {
		st = &routeStats{}
		p.stats[key] = st
	}
	return st
}

func (p *Pool) inCooldown(st *routeStats, now time.Time) bool {
	return st.CooldownUntil.After(now)
}

// Select returns the next route in round-robin order, skipping routes in
// cooldown or with too many consecutive failures. If every route is
// disqualified it falls back to a uniform random choice among all configured
// routes: unhealthy may mean temporarily rate-limited, and the system must
// keep making forward progress. With zero routes it returns Direct.
func (p *Pool) Select() Route {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.routes) == 0 {
		return Direct
	}

	now := p.now()
	for attempts := 0; attempts < len(p.routes); attempts++ {
		route := p.routes[p.next]
		p.next = (p.next + 1) % len(p.routes)

		st := p.statsFor(route.Key())
		if p.inCooldown(st, now) {
			continue
		}
		if st.ConsecutiveFails >= maxConsecutiveFails {
			continue
		}
		return route
	}

	p.logger.Debug("all routes disqualified, falling back to random",
		zap.Int("routes", len(p.routes)))
	return p.routes[p.randN(len(p.routes))]
}

// SelectWeighted draws among non-cooled routes with probability proportional
// to 0.1 + 0.9*successRate. Routes with no history get a 0.5 prior so they
// are tried rather than starved.
func (p *Pool) SelectWeighted() Route {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.routes) == 0 {
		return Direct
	}

	now := p.now()
	available := make([]Route, 0, len(p.routes))
	for _, route := range p.routes {
		if !p.inCooldown(p.statsFor(route.Key()), now) {
			available = append(available, route)
		}
	}
	if len(available) == 0 {
		available = p.routes
	}

	weights := make([]float64, len(available))
	var total float64
	for i, route := range available {
		weight := 0.5
		if rate, ok := p.statsFor(route.Key()).successRate(); ok {
			weight = 0.1 + 0.9*rate
		}
		weights[i] = weight
		total += weight
	}

	target := p.randF() * total
	for i, weight := range weights {
		target -= weight
		if target < 0 {
			return available[i]
		}
	}
	return available[len(available)-1]
}

// ReportSuccess records a successful request through the route. Any success
// resets the consecutive-failure counter and clears the cooldown.
func (p *Pool) ReportSuccess(route Route, latency time.Duration) {
	if route.IsDirect() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := p.statsFor(route.Key())
	st.Success++
	st.LastUsed = now
	st.LastSuccess = now
	st.ConsecutiveFails = 0
	st.CooldownUntil = time.Time{}

	total := st.Success + st.Fail
	st.AvgResponseMs = (st.AvgResponseMs*float64(total-1) + float64(latency.Milliseconds())) / float64(total)
}

// ReportFailure records a failed request and puts the route into an
// escalating cooldown: min(5m * consecutiveFails, 60m), independent of the
// global pacing multiplier.
func (p *Pool) ReportFailure(route Route, kind ingest.FailureKind) {
	if route.IsDirect() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := p.statsFor(route.Key())
	st.Fail++
	st.LastUsed = now
	st.ConsecutiveFails++
	st.LastError = string(kind)

	cooldown := time.Duration(st.ConsecutiveFails) * cooldownStep
	if cooldown > cooldownCap {
		cooldown = cooldownCap
	}
	st.CooldownUntil = now.Add(cooldown)

	p.logger.Debug("route cooldown",
		zap.String("route", route.Key()),
		zap.String("kind", string(kind)),
		zap.Int("consecutive_fails", st.ConsecutiveFails),
		zap.Duration("cooldown", cooldown))
}

// Add registers a new route. Adding an already-known route is a no-op.
func (p *Pool) Add(route Route) {
	if route.IsDirect() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.routes {
		if existing.Key() == route.Key() {
			return
		}
	}
	p.routes = append(p.routes, route)
}

// Remove drops a route and its statistics.
func (p *Pool) Remove(host string, port int) bool {
	key := fmt.Sprintf("%s:%d", host, port)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, route := range p.routes {
		if route.Key() == key {
			p.routes = append(p.routes[:i], p.routes[i+1:]...)
			delete(p.stats, key)
			if p.next >= len(p.routes) {
				p.next = 0
			}
			return true
		}
	}
	return false
}

// Snapshot returns aggregate and per-route health statistics.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := Stats{Total: len(p.routes)}
	var success, fail int
	for _, route := range p.routes {
		st := p.statsFor(route.Key())
		success += st.Success
		fail += st.Fail
		cooled := p.inCooldown(st, now)
		if cooled {
			out.InCooldown++
		}
		if st.ConsecutiveFails < maxConsecutiveFails && !cooled {
			out.Healthy++
		}
		status := RouteStatus{
			Key:              route.Key(),
			Success:          st.Success,
			Fail:             st.Fail,
			ConsecutiveFails: st.ConsecutiveFails,
			AvgResponseMs:    st.AvgResponseMs,
			InCooldown:       cooled,
			LastError:        st.LastError,
		}
		if cooled {
			status.CooldownUntil = st.CooldownUntil
		}
		out.Routes = append(out.Routes, status)
	}
	out.Requests = success + fail
	if out.Requests > 0 {
		out.SuccessRate = float64(success) / float64(out.Requests)
	}
	return out
}

// MarshalState serializes per-route statistics so pool health survives
// restarts.
func (p *Pool) MarshalState() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(p.stats)
}

// RestoreState merges previously saved statistics into the pool. Stats for
// routes no longer configured are ignored at selection time and dropped on
// the next save after removal.
func (p *Pool) RestoreState(data []byte) error {
	saved := make(map[string]*routeStats)
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("restore pool state: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, st := range saved {
		p.stats[key] = st
	}
	return nil
}
