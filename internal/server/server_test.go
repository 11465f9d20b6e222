package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clickshield/internal/activity"
	"github.com/mbd888/clickshield/internal/blocklist"
	"github.com/mbd888/clickshield/internal/config"
	"github.com/mbd888/clickshield/internal/detector"
	"github.com/mbd888/clickshield/internal/ratelimit"
	"github.com/mbd888/clickshield/internal/scoring"
	"github.com/mbd888/clickshield/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "test",
		LogLevel:          "error",
		QuickExitInterval: config.DefaultQuickExitInterval,
		QuickExitRatio:    config.DefaultQuickExitRatio,
		MinSampleSize:     config.DefaultMinSampleSize,
		MaxClickCount:     config.DefaultMaxClickCount,
		BlockThreshold:    config.DefaultBlockThreshold,
		AlertThreshold:    config.DefaultAlertThreshold,
		VolumeThreshold:   config.DefaultVolumeThreshold,
		SessionTTL:        config.DefaultSessionTTL,
		BlockDuration:     config.DefaultBlockDuration,
		LongWindow:        config.DefaultLongWindow,
		LongCeiling:       config.DefaultLongCeiling,
		ShortWindow:       config.DefaultShortWindow,
		ShortCeiling:      10,
		BotPatterns:       config.DefaultBotPatterns,
		HTTPRateLimitRPM:  10000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig())
	require.NoError(t, err)
	return srv
}

func postClick(t *testing.T, srv *Server, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/record-click", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func cleanBody(ip string) map[string]any {
	return map[string]any{
		"ip":          ip,
		"campaign_id": "summer-sale",
		"user_agent":  "Mozilla/5.0 (X11; Linux x86_64) Firefox/131.0",
		"headers": map[string]string{
			"Accept":          "text/html",
			"Accept-Language": "en-US",
		},
		"referrer": "https://ads.example.com/landing",
	}
}

func TestRecordClick_Allowed(t *testing.T) {
	srv := newTestServer(t)

	w := postClick(t, srv, cleanBody("203.0.113.1"))

	require.Equal(t, http.StatusOK, w.Code)
	var d detector.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.True(t, d.Allowed)
	// No GeoIP database configured: unknown location contributes, but
	// stays under the alert threshold on its own.
	assert.Equal(t, 40, d.RiskScore)
}

func TestRecordClick_BotBlocked(t *testing.T) {
	srv := newTestServer(t)

	body := cleanBody("203.0.113.2")
	body["user_agent"] = "Googlebot/2.1 (+http://www.google.com/bot.html)"
	w := postClick(t, srv, body)

	require.Equal(t, http.StatusOK, w.Code)
	var d detector.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, 80, d.RiskScore)

	// Blocked identities short-circuit on the next click.
	w = postClick(t, srv, cleanBody("203.0.113.2"))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "identity blocked")
}

func TestRecordClick_InvalidBody(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/record-click", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordClick_InvalidCampaignID(t *testing.T) {
	srv := newTestServer(t)

	body := cleanBody("203.0.113.3")
	body["campaign_id"] = "has spaces;drop"
	w := postClick(t, srv, body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordClick_MissingIPFallsBackToClientIP(t *testing.T) {
	srv := newTestServer(t)

	body := cleanBody("")
	w := postClick(t, srv, body)

	require.Equal(t, http.StatusOK, w.Code)
	var d detector.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	// httptest requests carry a RemoteAddr, so the event still has an IP
	// and is not a structural defect.
	assert.True(t, d.Allowed)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	postClick(t, srv, cleanBody("203.0.113.4"))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats detector.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalClicks)
	assert.Equal(t, 1, stats.SessionCount)
}

func TestQuickExitReportEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/quick-exit-report", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var report detector.QuickExitReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 0, report.TotalSessions)
}

func TestSuspiciousActivitiesEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// Trigger a block so an activity record exists.
	body := cleanBody("203.0.113.5")
	body["user_agent"] = "curl spider/1.0"
	postClick(t, srv, body)

	// Persistence is asynchronous.
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/suspicious-activities", nil)
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.Count == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSuspiciousActivitiesPagination(t *testing.T) {
	cfg := testConfig()

	// Pre-seed the activity store so page boundaries are deterministic.
	store := activity.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(context.Background(), &activity.Record{
			ID:        fmt.Sprintf("act_%d", i),
			Identity:  fmt.Sprintf("203.0.113.%d_summer-sale", 10+i),
			IP:        fmt.Sprintf("203.0.113.%d", 10+i),
			Campaign:  "summer-sale",
			Reason:    "bot user agent",
			RiskScore: 80,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	d := detector.New(
		detector.Config{QuickExitRatio: cfg.QuickExitRatio, MinSampleSize: cfg.MinSampleSize},
		session.NewStore(cfg.SessionTTL, cfg.QuickExitInterval, cfg.MaxClickCount),
		blocklist.New(cfg.BlockDuration),
		ratelimit.NewWindowLimiter(ratelimit.WindowConfig{
			LongWindow:   cfg.LongWindow,
			LongCeiling:  cfg.LongCeiling,
			ShortWindow:  cfg.ShortWindow,
			ShortCeiling: cfg.ShortCeiling,
		}),
		scoring.New(scoring.Config{
			BotPatterns:     cfg.BotPatterns,
			VolumeThreshold: cfg.VolumeThreshold,
			BlockThreshold:  cfg.BlockThreshold,
			AlertThreshold:  cfg.AlertThreshold,
		}),
		detector.WithActivityStore(store),
	)
	srv, err := New(cfg, WithDetector(d))
	require.NoError(t, err)

	type page struct {
		Count      int    `json:"count"`
		NextCursor string `json:"next_cursor"`
		HasMore    bool   `json:"has_more"`
	}
	fetch := func(path string) (page, int) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		var p page
		_ = json.Unmarshal(w.Body.Bytes(), &p)
		return p, w.Code
	}

	first, code := fetch("/api/suspicious-activities?limit=2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, first.Count)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	second, code := fetch("/api/suspicious-activities?limit=2&cursor=" + first.NextCursor)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, second.Count)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)

	_, code = fetch("/api/suspicious-activities?cursor=not-a-cursor!!!")
	assert.Equal(t, http.StatusBadRequest, code)

	_, code = fetch("/api/suspicious-activities?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only once Run has started.
	req = httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clickshield_")
}
