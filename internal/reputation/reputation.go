// Package reputation consults an external IP reputation service.
//
// The verdict is an optional extra signal for the risk scorer: when no API
// key is configured, or the service is slow or down, checks degrade to a
// neutral result and the decision pipeline proceeds without it.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mbd888/clickshield/internal/circuitbreaker"
)

const (
	defaultEndpoint = "https://api.abuseipdb.com/api/v2/check"
	maxAgeDays      = "30"

	// suspicionCutoff is the abuse confidence score above which an IP is
	// considered suspicious.
	suspicionCutoff = 25
)

// Verdict is the cached result of one IP check.
type Verdict struct {
	Suspicious bool   `json:"suspicious"`
	Confidence int    `json:"confidence"`
	Country    string `json:"country,omitempty"`
}

// Neutral is returned when no data is available.
var Neutral = Verdict{}

// breakerKey identifies the upstream in the circuit breaker.
const breakerKey = "abuseipdb"

// Checker queries AbuseIPDB with per-IP caching. A circuit breaker guards
// the upstream: while it is open, checks return Neutral without a call.
type Checker struct {
	apiKey   string
	endpoint string
	client   *http.Client
	lifetime time.Duration
	breaker  *circuitbreaker.Breaker

	mu    sync.RWMutex
	cache map[string]cachedVerdict
}

type cachedVerdict struct {
	verdict  Verdict
	cachedAt time.Time
}

// Option configures the checker.
type Option func(*Checker)

// WithEndpoint overrides the API endpoint (for tests).
func WithEndpoint(endpoint string) Option {
	return func(c *Checker) { c.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) { c.client = client }
}

// NewChecker creates a reputation checker. Verdicts are cached for lifetime.
func NewChecker(apiKey string, lifetime time.Duration, opts ...Option) *Checker {
	c := &Checker{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 3 * time.Second},
		lifetime: lifetime,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		cache:    make(map[string]cachedVerdict),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns the verdict for ip. Failures of any kind yield Neutral and a
// non-nil error for the caller's log line; the error never carries decision
// weight.
func (c *Checker) Check(ctx context.Context, ip string) (Verdict, error) {
	c.mu.RLock()
	entry, ok := c.cache[ip]
	c.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < c.lifetime {
		return entry.verdict, nil
	}

	if !c.breaker.Allow(breakerKey) {
		return Neutral, fmt.Errorf("reputation service circuit open")
	}

	verdict, err := c.fetch(ctx, ip)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return Neutral, err
	}
	c.breaker.RecordSuccess(breakerKey)

	c.mu.Lock()
	c.cache[ip] = cachedVerdict{verdict: verdict, cachedAt: time.Now()}
	c.mu.Unlock()

	return verdict, nil
}

type apiResponse struct {
	Data struct {
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		CountryCode          string `json:"countryCode"`
	} `json:"data"`
}

func (c *Checker) fetch(ctx context.Context, ip string) (Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return Neutral, fmt.Errorf("build reputation request: %w", err)
	}

	q := url.Values{}
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", maxAgeDays)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Neutral, fmt.Errorf("reputation lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Neutral, fmt.Errorf("reputation lookup: status %d", resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Neutral, fmt.Errorf("decode reputation response: %w", err)
	}

	return Verdict{
		Suspicious: body.Data.AbuseConfidenceScore > suspicionCutoff,
		Confidence: body.Data.AbuseConfidenceScore,
		Country:    body.Data.CountryCode,
	}, nil
}
