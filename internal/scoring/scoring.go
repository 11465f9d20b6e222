// Package scoring implements the additive click-risk model.
//
// Every click is evaluated against independent suspicion signals. Each
// signal contributes a fixed non-negative delta; deltas are summed and
// clamped to [0, 100]. Additive independent scoring (rather than a trained
// classifier) keeps every decision explainable: the assessment lists exactly
// which signals fired and for how much.
package scoring

import (
	"regexp"
	"strings"

	"github.com/mbd888/clickshield/internal/geo"
	"github.com/mbd888/clickshield/internal/reputation"
	"github.com/mbd888/clickshield/internal/session"
)

// Decision represents the scorer's verdict on a click.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAlert Decision = "alert"
	DecisionBlock Decision = "block"
)

// Default thresholds for risk decisions.
const (
	DefaultBlockThreshold = 80
	DefaultAlertThreshold = 50
)

// Signal deltas. Unknown location and suspicious country are mutually
// exclusive; quick exits contribute per qualifying event.
const (
	signalUnknownLocation   = 40
	signalSuspiciousCountry = 30
	signalBotUserAgent      = 40
	signalBadHeaders        = 20
	signalVolume            = 30
	signalQuickExit         = 20
	signalBadReputation     = 15
)

// refererPattern is the minimal shape a legitimate Referer must have.
var refererPattern = regexp.MustCompile(`^https?://\S+$`)

// ClickEvent is the immutable input to one evaluation.
type ClickEvent struct {
	IP         string            `json:"ip"`
	CampaignID string            `json:"campaign_id"`
	UserAgent  string            `json:"user_agent"`
	Headers    map[string]string `json:"headers"`
	Referrer   string            `json:"referrer"`
}

// Identity returns the composite visitor-campaign key.
func (e ClickEvent) Identity() string {
	return e.IP + "_" + e.CampaignID
}

// Assessment is the result of scoring a single click. It is a decision
// output, never persisted as session state.
type Assessment struct {
	Score    int            `json:"score"`
	Signals  map[string]int `json:"signals"`
	Decision Decision       `json:"decision"`
}

// Config holds the scorer's tunables. Quick-exit detection itself lives in
// the session store; the scorer only weighs the accumulated count.
type Config struct {
	BotPatterns         []string // case-insensitive UA substrings
	SuspiciousCountries []string // ISO country codes
	VolumeThreshold     int      // long-window count at or above which volume is a signal
	BlockThreshold      int
	AlertThreshold      int
}

// Scorer combines the independent signals into one bounded score.
type Scorer struct {
	botPatterns         []string // pre-lowercased
	suspiciousCountries map[string]bool
	volumeThreshold     int
	blockThreshold      int
	alertThreshold      int
}

// New creates a scorer from cfg, applying defaults for zero thresholds.
func New(cfg Config) *Scorer {
	if cfg.BlockThreshold == 0 {
		cfg.BlockThreshold = DefaultBlockThreshold
	}
	if cfg.AlertThreshold == 0 {
		cfg.AlertThreshold = DefaultAlertThreshold
	}

	patterns := make([]string, len(cfg.BotPatterns))
	for i, p := range cfg.BotPatterns {
		patterns[i] = strings.ToLower(p)
	}

	countries := make(map[string]bool, len(cfg.SuspiciousCountries))
	for _, c := range cfg.SuspiciousCountries {
		countries[strings.ToUpper(c)] = true
	}

	return &Scorer{
		botPatterns:         patterns,
		suspiciousCountries: countries,
		volumeThreshold:     cfg.VolumeThreshold,
		blockThreshold:      cfg.BlockThreshold,
		alertThreshold:      cfg.AlertThreshold,
	}
}

// Score evaluates one click. sess is the identity's session state before
// this click is recorded (zero value when absent), loc the resolved
// location, rep the optional reputation verdict, and longCount the
// identity's click count inside the long rate window. Quick exits are
// weighed from the pre-update session state, so the current click's own
// quick exit lands in the next evaluation, after the session store detects
// and records it.
func (s *Scorer) Score(ev ClickEvent, sess session.Record, loc geo.Location, rep reputation.Verdict, longCount int) *Assessment {
	signals := make(map[string]int)

	switch {
	case loc.IsUnknown():
		signals["unknown_location"] = signalUnknownLocation
	case s.suspiciousCountries[strings.ToUpper(loc.Country)]:
		signals["suspicious_country"] = signalSuspiciousCountry
	}

	if s.isBotUserAgent(ev.UserAgent) {
		signals["bot_user_agent"] = signalBotUserAgent
	}

	if s.headersSuspicious(ev) {
		signals["bad_headers"] = signalBadHeaders
	}

	if s.volumeThreshold > 0 && longCount >= s.volumeThreshold {
		signals["volume"] = signalVolume
	}

	if sess.QuickExits > 0 {
		signals["quick_exits"] = sess.QuickExits * signalQuickExit
	}

	if rep.Suspicious {
		signals["ip_reputation"] = signalBadReputation
	}

	score := 0
	for _, delta := range signals {
		score += delta
	}
	if score > 100 {
		score = 100
	}

	decision := DecisionAllow
	if score >= s.blockThreshold {
		decision = DecisionBlock
	} else if score >= s.alertThreshold {
		decision = DecisionAlert
	}

	return &Assessment{
		Score:    score,
		Signals:  signals,
		Decision: decision,
	}
}

// StructuralSuspicion reports whether the request is malformed enough to
// reject outright, independent of score: no client IP, or no user agent at
// all. These are input defects treated as maximal suspicion.
func StructuralSuspicion(ev ClickEvent) (string, bool) {
	if strings.TrimSpace(ev.IP) == "" {
		return "missing client ip", true
	}
	if strings.TrimSpace(ev.UserAgent) == "" {
		return "missing user agent", true
	}
	return "", false
}

// isBotUserAgent does case-insensitive substring matching against the
// configured patterns. An empty UA is handled by StructuralSuspicion.
func (s *Scorer) isBotUserAgent(ua string) bool {
	if ua == "" {
		return true
	}
	lower := strings.ToLower(ua)
	for _, p := range s.botPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// headersSuspicious fires when required browser headers are missing or the
// Referer is absent or does not look like a URL.
func (s *Scorer) headersSuspicious(ev ClickEvent) bool {
	if headerValue(ev.Headers, "Accept") == "" {
		return true
	}
	if headerValue(ev.Headers, "Accept-Language") == "" {
		return true
	}
	if ev.Referrer == "" || !refererPattern.MatchString(ev.Referrer) {
		return true
	}
	return false
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	lower := strings.ToLower(name)
	for k, v := range headers {
		if strings.ToLower(k) == lower {
			return v
		}
	}
	return ""
}
