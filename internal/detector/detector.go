// Package detector orchestrates the click-fraud decision pipeline.
//
// Every inbound click runs through a fixed evaluation order, short-circuiting
// on the first rejection: block list, rate ceilings, structural request
// checks, then the additive risk score. Side effects (session update, rate
// recording) happen only on non-blocking outcomes, so a rejected click never
// inflates the very counters that rejected it.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/clickshield/internal/activity"
	"github.com/mbd888/clickshield/internal/alerts"
	"github.com/mbd888/clickshield/internal/blocklist"
	"github.com/mbd888/clickshield/internal/geo"
	"github.com/mbd888/clickshield/internal/idgen"
	"github.com/mbd888/clickshield/internal/logging"
	"github.com/mbd888/clickshield/internal/metrics"
	"github.com/mbd888/clickshield/internal/ratelimit"
	"github.com/mbd888/clickshield/internal/reputation"
	"github.com/mbd888/clickshield/internal/scoring"
	"github.com/mbd888/clickshield/internal/session"
	"github.com/mbd888/clickshield/internal/traces"
)

// State is the detector's view of one identity, derived from the stores
// rather than tracked separately.
type State string

const (
	StateUnknown    State = "unknown"
	StateActive     State = "active"
	StateSuspicious State = "suspicious"
	StateBlocked    State = "blocked"
)

// Decision is the structured outcome of one click evaluation. Evaluate
// always returns one; no error ever reaches the caller.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	RiskScore int    `json:"riskScore"`
}

// Event is pushed to the realtime feed when an identity turns suspicious or
// gets blocked.
type Event struct {
	Type      string    `json:"type"` // "suspicious_activity" or "block"
	Identity  string    `json:"identity"`
	IP        string    `json:"ip"`
	Campaign  string    `json:"campaign"`
	Reason    string    `json:"reason"`
	RiskScore int       `json:"riskScore"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives events for live consumers. Implementations must not
// block the caller.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(e Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Config holds the detector-level policy knobs. Scoring thresholds live in
// the scorer's own config.
type Config struct {
	// QuickExitRatio marks a session suspicious once
	// quickExits/clickCount exceeds it.
	QuickExitRatio float64

	// MinSampleSize is the minimum clickCount before the ratio is
	// trusted.
	MinSampleSize int

	// FailClosed denies on internal evaluation failures instead of
	// allowing. The default fails open.
	FailClosed bool
}

// Detector composes the stores, the scorer, and the external collaborators
// into the evaluation pipeline. All dependencies are injected; there is no
// package-level instance.
type Detector struct {
	cfg      Config
	sessions *session.Store
	blocks   *blocklist.List
	rate     *ratelimit.WindowLimiter
	scorer   *scoring.Scorer

	resolver   geo.Resolver
	reputation *reputation.Checker
	notifier   alerts.Notifier
	activities activity.Store
	publisher  Publisher
	logger     *slog.Logger
	clock      func() time.Time

	totalClicks     atomic.Int64
	totalSuspicious atomic.Int64
}

// Option configures optional collaborators.
type Option func(*Detector)

// WithResolver sets the location resolver. Defaults to a resolver that
// reports every IP as unknown.
func WithResolver(r geo.Resolver) Option {
	return func(d *Detector) { d.resolver = r }
}

// WithReputation enables the optional IP reputation signal.
func WithReputation(c *reputation.Checker) Option {
	return func(d *Detector) { d.reputation = c }
}

// WithNotifier sets the alert sink. Defaults to the structured log.
func WithNotifier(n alerts.Notifier) Option {
	return func(d *Detector) { d.notifier = n }
}

// WithActivityStore sets the suspicious-activity store. Defaults to the
// in-memory ring.
func WithActivityStore(s activity.Store) Option {
	return func(d *Detector) { d.activities = s }
}

// WithPublisher sets the realtime event publisher.
func WithPublisher(p Publisher) Option {
	return func(d *Detector) { d.publisher = p }
}

// WithLogger sets the detector's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithClock overrides the time source (for tests).
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) { d.clock = clock }
}

// New creates a detector over the given stores and scorer.
func New(cfg Config, sessions *session.Store, blocks *blocklist.List, rate *ratelimit.WindowLimiter, scorer *scoring.Scorer, opts ...Option) *Detector {
	d := &Detector{
		cfg:      cfg,
		sessions: sessions,
		blocks:   blocks,
		rate:     rate,
		scorer:   scorer,
		resolver: geo.NopResolver{},
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil {
		d.notifier = &alerts.LogNotifier{Logger: d.logger}
	}
	if d.activities == nil {
		d.activities = activity.NewMemoryStore()
	}
	return d
}

// Evaluate runs the full pipeline for one click and returns the decision.
// It never returns an error: collaborator failures degrade to neutral
// values, and an internal failure resolves to the configured fail policy.
func (d *Detector) Evaluate(ctx context.Context, ev scoring.ClickEvent) (decision Decision) {
	now := d.clock()
	identity := ev.Identity()

	ctx, span := traces.StartSpan(ctx, "detector.Evaluate",
		traces.Identity(identity),
		traces.ClientIP(ev.IP),
		traces.CampaignID(ev.CampaignID),
	)
	defer func() {
		span.SetAttributes(traces.Score(decision.RiskScore), traces.Decision(outcomeOf(decision)))
		span.End()
	}()

	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

		if r := recover(); r != nil {
			decision = d.failPolicy(ctx, identity, r)
		}
		metrics.EvaluationsTotal.WithLabelValues(outcomeOf(decision)).Inc()
	}()

	// 1. Block list.
	if entry, blocked := d.blocks.Get(identity, now); blocked {
		return Decision{
			Allowed:   false,
			Reason:    "identity blocked: " + entry.Reason,
			RiskScore: 100,
		}
	}

	// 2. Rate ceilings. A breach is a one-time rejection, never a Block
	// entry; the identity recovers as soon as the window drains.
	rateRes := d.rate.Check(identity, now)
	if !rateRes.Allowed {
		logging.L(ctx).Info("click rejected by rate limit",
			"identity", identity,
			"long_count", rateRes.LongCount,
			"short_count", rateRes.ShortCount,
		)
		return Decision{
			Allowed:   false,
			Reason:    "click volume limit exceeded",
			RiskScore: 100,
		}
	}

	// 3. Structural checks. A malformed request blocks outright,
	// independent of score.
	if reason, bad := scoring.StructuralSuspicion(ev); bad {
		d.blocks.Block(identity, reason, now)
		metrics.BlocksTotal.WithLabelValues("structural").Inc()
		d.recordSuspicious(ctx, "block", identity, ev, reason, 100, now)
		return Decision{Allowed: false, Reason: reason, RiskScore: 100}
	}

	// 4. Location, reputation, score. The session snapshot is taken
	// before this click is recorded.
	loc := d.resolveLocation(ctx, ev.IP)
	rep := d.checkReputation(ctx, ev.IP)
	sess, _ := d.sessions.Peek(identity, now)

	assessment := d.scorer.Score(ev, sess, loc, rep, rateRes.LongCount)
	metrics.RiskScore.Observe(float64(assessment.Score))

	// 5. Threshold action.
	if assessment.Decision == scoring.DecisionBlock {
		reason := fmt.Sprintf("risk score %d", assessment.Score)
		d.blocks.Block(identity, reason, now)
		metrics.BlocksTotal.WithLabelValues("score").Inc()
		d.recordSuspicious(ctx, "block", identity, ev, reason, assessment.Score, now)
		return Decision{Allowed: false, Reason: reason, RiskScore: assessment.Score}
	}

	alertReason := ""
	if assessment.Decision == scoring.DecisionAlert {
		alertReason = fmt.Sprintf("elevated risk score %d", assessment.Score)
		d.recordSuspicious(ctx, "suspicious_activity", identity, ev, alertReason, assessment.Score, now)
	}

	// 6. Session and rate-window update, on non-blocking outcomes only.
	rec, _ := d.sessions.RecordClick(identity, loc.Country, now)
	d.rate.Record(identity, now)
	d.totalClicks.Add(1)

	// Quick-exit ratio transition.
	if !rec.Suspicious && rec.ClickCount >= d.cfg.MinSampleSize {
		ratio := float64(rec.QuickExits) / float64(rec.ClickCount)
		if ratio > d.cfg.QuickExitRatio {
			d.sessions.MarkSuspicious(identity, now)
			reason := fmt.Sprintf("excessive quick exits (%d of %d clicks)", rec.QuickExits, rec.ClickCount)
			d.recordSuspicious(ctx, "suspicious_activity", identity, ev, reason, assessment.Score, now)
			if alertReason == "" {
				alertReason = reason
			}
		}
	}

	// 7. Done.
	return Decision{Allowed: true, Reason: alertReason, RiskScore: assessment.Score}
}

// outcomeOf maps a decision to its metric and span label.
func outcomeOf(d Decision) string {
	switch {
	case !d.Allowed:
		return "deny"
	case d.Reason != "":
		return "alert"
	default:
		return "allow"
	}
}

// State derives the identity's current state from the stores.
func (d *Detector) State(identity string, now time.Time) State {
	if d.blocks.IsBlocked(identity, now) {
		return StateBlocked
	}
	rec, ok := d.sessions.Peek(identity, now)
	if !ok {
		return StateUnknown
	}
	if rec.Suspicious {
		return StateSuspicious
	}
	return StateActive
}

// Stats is the aggregate snapshot served by the report layer.
type Stats struct {
	TotalClicks          int64 `json:"total_clicks"`
	SuspiciousActivities int64 `json:"suspicious_clicks"`
	SessionCount         int   `json:"session_count"`
	BlockedCount         int   `json:"blocked_count"`
	SuspiciousLastDay    int   `json:"suspicious_last_24h"`
}

// Stats returns running totals, live store sizes, and the persisted
// suspicious-activity count over the last day. A store failure degrades the
// persisted count to zero rather than failing the report.
func (d *Detector) Stats(ctx context.Context) Stats {
	st := Stats{
		TotalClicks:          d.totalClicks.Load(),
		SuspiciousActivities: d.totalSuspicious.Load(),
		SessionCount:         d.sessions.Len(),
		BlockedCount:         d.blocks.Len(),
	}
	n, err := d.activities.CountSince(ctx, d.clock().Add(-24*time.Hour))
	if err != nil {
		logging.L(ctx).Warn("activity count failed", "error", err)
		return st
	}
	st.SuspiciousLastDay = n
	return st
}

// QuickExitReport summarizes quick-exit behavior across live sessions.
type QuickExitReport struct {
	TotalSessions      int `json:"total_sessions"`
	SuspiciousSessions int `json:"suspicious_sessions"`
	QuickExitsTotal    int `json:"quick_exits_total"`
}

// QuickExitReport walks a snapshot of the session store. Per-identity locks
// are held only briefly during the snapshot, never across the aggregation.
func (d *Detector) QuickExitReport(now time.Time) QuickExitReport {
	report := QuickExitReport{}
	for _, rec := range d.sessions.Snapshot(now) {
		report.TotalSessions++
		report.QuickExitsTotal += rec.QuickExits
		if rec.Suspicious {
			report.SuspiciousSessions++
		}
	}
	return report
}

// RecentActivities returns up to limit suspicious-activity records, most
// recent first.
func (d *Detector) RecentActivities(ctx context.Context, limit int) ([]*activity.Record, error) {
	return d.activities.ListRecent(ctx, limit)
}

// ActivitiesBefore returns records older than the given position, for
// cursor pagination.
func (d *Detector) ActivitiesBefore(ctx context.Context, before time.Time, beforeID string, limit int) ([]*activity.Record, error) {
	return d.activities.ListBefore(ctx, before, beforeID, limit)
}

// recordSuspicious persists the activity, raises an alert, and publishes a
// realtime event. None of it can fail the evaluation: persistence runs
// detached and the notifier is fire-and-forget by contract.
func (d *Detector) recordSuspicious(ctx context.Context, eventType, identity string, ev scoring.ClickEvent, reason string, score int, now time.Time) {
	d.totalSuspicious.Add(1)

	rec := &activity.Record{
		ID:        idgen.WithPrefix("act"),
		Identity:  identity,
		IP:        ev.IP,
		Campaign:  ev.CampaignID,
		Reason:    reason,
		RiskScore: score,
		CreatedAt: now,
	}

	logger := logging.L(ctx)
	go func() {
		persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.activities.Record(persistCtx, rec); err != nil {
			logger.Error("failed to persist suspicious activity",
				"identity", identity, "error", err)
		}
	}()

	subject := "suspicious click activity"
	if eventType == "block" {
		subject = "identity blocked"
	}
	d.notifier.Notify(ctx, subject,
		fmt.Sprintf("identity=%s reason=%s score=%d", identity, reason, score))

	if d.publisher != nil {
		d.publisher.Publish(Event{
			Type:      eventType,
			Identity:  identity,
			IP:        ev.IP,
			Campaign:  ev.CampaignID,
			Reason:    reason,
			RiskScore: score,
			Timestamp: now,
		})
	}
}

// resolveLocation never fails the pipeline: resolver errors degrade to
// Unknown, which the scorer treats as its own signal.
func (d *Detector) resolveLocation(ctx context.Context, ip string) geo.Location {
	loc, err := d.resolver.Resolve(ctx, ip)
	if err != nil {
		logging.L(ctx).Warn("location lookup failed", "ip", ip, "error", err)
		return geo.Unknown
	}
	return loc
}

// checkReputation degrades to a neutral verdict when no checker is
// configured or the lookup fails.
func (d *Detector) checkReputation(ctx context.Context, ip string) reputation.Verdict {
	if d.reputation == nil {
		return reputation.Neutral
	}
	verdict, err := d.reputation.Check(ctx, ip)
	if err != nil {
		logging.L(ctx).Warn("reputation lookup failed", "ip", ip, "error", err)
		return reputation.Neutral
	}
	return verdict
}

// failPolicy converts an internal evaluation failure into the configured
// uniform fallback decision.
func (d *Detector) failPolicy(ctx context.Context, identity string, cause any) Decision {
	logging.L(ctx).Error("evaluation failed",
		"identity", identity,
		"fail_closed", d.cfg.FailClosed,
		"cause", fmt.Sprint(cause),
	)
	if d.cfg.FailClosed {
		return Decision{Allowed: false, Reason: "internal evaluation failure", RiskScore: 0}
	}
	return Decision{Allowed: true, Reason: "", RiskScore: 0}
}
