// Package fetch wraps a single paginated HTTP GET with pacing, egress route
// selection, retry, and outcome classification.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/egress"
	"github.com/ygoldberg/listingwatch/internal/ingest"
	"github.com/ygoldberg/listingwatch/internal/metrics"
	"github.com/ygoldberg/listingwatch/internal/pacing"
)

// defaultUserAgents rotate across requests so the client never presents a
// single fixed signature.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36",
}

// Config controls client behavior.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	UserAgents  []string

	// ChallengeMarkers are substrings whose presence in a 200 body marks an
	// anti-bot interstitial rather than a real page.
	ChallengeMarkers []string

	// RateLimitPenalty is the base sleep after a 429, scaled by attempt
	// number and the pacing multiplier.
	RateLimitPenalty time.Duration

	// ChallengePenaltyMin/Max bound the random sleep after a challenge page,
	// scaled by attempt number.
	ChallengePenaltyMin time.Duration
	ChallengePenaltyMax time.Duration

	MaxBodyBytes int64
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = defaultUserAgents
	}
	if len(c.ChallengeMarkers) == 0 {
		c.ChallengeMarkers = []string{"Are you for real", "captcha"}
	}
	if c.RateLimitPenalty <= 0 {
		c.RateLimitPenalty = 5 * time.Minute
	}
	if c.ChallengePenaltyMin <= 0 {
		c.ChallengePenaltyMin = 2 * time.Minute
	}
	if c.ChallengePenaltyMax < c.ChallengePenaltyMin {
		c.ChallengePenaltyMax = 5 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
}

// routeSelector is the slice of the egress pool the client needs.
type routeSelector interface {
	Select() egress.Route
	SelectWeighted() egress.Route
	ReportSuccess(route egress.Route, latency time.Duration)
	ReportFailure(route egress.Route, kind ingest.FailureKind)
}

// Client fetches listing pages. It consults the pacing controller before
// every attempt, resolves a route from the egress pool, and reports every
// outcome back to both.
type Client struct {
	cfg    Config
	pool   routeSelector
	pacer  *pacing.Controller
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
	sleep   func(ctx context.Context, d time.Duration)
	randF   func() float64
	randN   func(n int) int
}

// New builds a Client.
func New(cfg Config, pool *egress.Pool, pacer *pacing.Controller, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		pool:    pool,
		pacer:   pacer,
		logger:  logger,
		clients: make(map[string]*http.Client),
		sleep:   pause,
		randF:   rand.Float64,
		randN:   rand.IntN,
	}
}

// pause waits for d or until the context finishes.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// pageURL appends the page query parameter for pages past the first.
func pageURL(baseURL string, page int) string {
	if page <= 1 {
		return baseURL
	}
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", baseURL, sep, page)
}

// clientFor returns (building if needed) an http.Client bound to the route's
// proxy. Clients are cached per route so connection pools are reused.
func (c *Client) clientFor(route egress.Route) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := route.Key()
	if hc, ok := c.clients[key]; ok {
		return hc
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if u := route.ProxyURL(); u != nil {
		transport.Proxy = http.ProxyURL(u)
	}
	hc := &http.Client{
		Timeout:   c.cfg.Timeout,
		Transport: transport,
	}
	c.clients[key] = hc
	return hc
}

func (c *Client) headers(req *http.Request) {
	req.Header.Set("User-Agent", c.cfg.UserAgents[c.randN(len(c.cfg.UserAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "he-IL,he;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Cache-Control", "max-age=0")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

func (c *Client) isChallenge(body []byte) bool {
	text := string(body)
	for _, marker := range c.cfg.ChallengeMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func classifyTransportError(err error) ingest.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ingest.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ingest.FailureTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ingest.FailureTimeout
	}
	return ingest.FailureNetworkError
}

// FetchPage fetches one listing page, retrying within the attempt budget.
// Rate limits and challenge pages are signal, not failure: they feed the
// pacing controller and the route's cooldown, then the fetch is retried.
// After the budget is exhausted a terminal *ingest.FetchError is returned and
// the caller decides whether that is fatal to the page or the run.
func (c *Client) FetchPage(ctx context.Context, baseURL string, page int, mode ingest.FetchMode) (ingest.Page, error) {
	target := pageURL(baseURL, page)
	lastKind := ingest.FailureNetworkError
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		delay := time.Duration(attempt) * c.pacer.PageDelay(mode)
		c.sleep(ctx, delay)
		if ctx.Err() != nil {
			return ingest.Page{}, ctx.Err()
		}

		// Round-robin for the first try; retries draw a route weighted by
		// its recent success rate.
		var route egress.Route
		if attempt == 1 {
			route = c.pool.Select()
		} else {
			route = c.pool.SelectWeighted()
		}
		log := c.logger.With(
			zap.String("url", target),
			zap.Int("page", page),
			zap.Int("attempt", attempt),
			zap.String("route", route.Key()),
		)

		body, status, latency, err := c.doGet(ctx, route, target)
		if err != nil {
			if ctx.Err() != nil {
				return ingest.Page{}, ctx.Err()
			}
			kind := classifyTransportError(err)
			outcome, _ := kind.Outcome()
			c.pacer.RecordOutcome(ctx, outcome)
			c.pool.ReportFailure(route, kind)
			metrics.ObservePage(string(outcome))
			log.Warn("fetch attempt failed", zap.String("kind", string(kind)), zap.Error(err))
			lastKind, lastErr = kind, err
			continue
		}

		switch {
		case status == http.StatusTooManyRequests:
			c.pacer.RecordOutcome(ctx, ingest.OutcomeRateLimited)
			c.pool.ReportFailure(route, ingest.FailureRateLimited)
			metrics.ObservePage(string(ingest.OutcomeRateLimited))
			penalty := time.Duration(float64(c.cfg.RateLimitPenalty) * float64(attempt) * c.pacer.Multiplier())
			log.Warn("rate limited, backing off", zap.Duration("penalty", penalty))
			metrics.ObservePenaltySleep(string(ingest.OutcomeRateLimited), penalty)
			c.sleep(ctx, penalty)
			lastKind, lastErr = ingest.FailureRateLimited, nil

		case status == http.StatusForbidden, status == http.StatusOK && c.isChallenge(body):
			c.pacer.RecordOutcome(ctx, ingest.OutcomeBlocked)
			c.pool.ReportFailure(route, ingest.FailureBlocked)
			metrics.ObservePage(string(ingest.OutcomeBlocked))
			span := c.cfg.ChallengePenaltyMax - c.cfg.ChallengePenaltyMin
			penalty := time.Duration(attempt) * (c.cfg.ChallengePenaltyMin + time.Duration(c.randF()*float64(span)))
			log.Warn("challenge page detected, backing off", zap.Duration("penalty", penalty))
			metrics.ObservePenaltySleep(string(ingest.OutcomeBlocked), penalty)
			c.sleep(ctx, penalty)
			lastKind, lastErr = ingest.FailureBlocked, nil

		case status == http.StatusOK:
			c.pacer.RecordOutcome(ctx, ingest.OutcomeSuccess)
			c.pool.ReportSuccess(route, latency)
			metrics.ObservePage(string(ingest.OutcomeSuccess))
			metrics.ObserveFetchDuration(latency)
			log.Debug("page fetched", zap.Duration("latency", latency))
			return ingest.Page{
				URL:       target,
				Number:    page,
				Body:      body,
				FetchedAt: time.Now().UTC(),
				RouteKey:  route.Key(),
				Attempts:  attempt,
			}, nil

		case status >= 500:
			// Origin trouble, not route trouble: retry without a long
			// penalty and without penalizing the route.
			c.pacer.RecordOutcome(ctx, ingest.OutcomeServerError)
			metrics.ObservePage(string(ingest.OutcomeServerError))
			log.Warn("server error", zap.Int("status", status))
			lastKind, lastErr = ingest.FailureServerError, nil

		default:
			c.pacer.RecordOutcome(ctx, ingest.OutcomeServerError)
			metrics.ObservePage(string(ingest.OutcomeServerError))
			log.Warn("unexpected status", zap.Int("status", status))
			lastKind, lastErr = ingest.FailureServerError, fmt.Errorf("unexpected status %d", status)
		}

		if ctx.Err() != nil {
			return ingest.Page{}, ctx.Err()
		}
	}

	return ingest.Page{}, &ingest.FetchError{
		Kind:     lastKind,
		URL:      target,
		Page:     page,
		Attempts: c.cfg.MaxAttempts,
		Err:      lastErr,
	}
}

func (c *Client) doGet(ctx context.Context, route egress.Route, target string) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("build request: %w", err)
	}
	c.headers(req)

	start := time.Now()
	resp, err := c.clientFor(route).Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, 0, 0, err
	}
	return body, resp.StatusCode, time.Since(start), nil
}
