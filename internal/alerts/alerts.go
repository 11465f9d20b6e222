// Package alerts delivers suspicious-activity notifications to external sinks.
//
// Delivery is fire-and-forget: a failing sink logs locally and never
// propagates back into the detection pipeline.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/clickshield/internal/metrics"
	"github.com/mbd888/clickshield/internal/retry"
)

// Notifier is the alert sink consumed by the detector.
type Notifier interface {
	Notify(ctx context.Context, subject, body string)
}

// LogNotifier writes alerts to the structured log. Used when no webhook is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, subject, body string) {
	metrics.AlertsTotal.Inc()
	n.Logger.Warn("alert", "subject", subject, "body", body)
}

// payload is the webhook wire format.
type payload struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookNotifier POSTs alerts to a configured URL, signing each payload
// with HMAC-SHA256 when a secret is set.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook alert sink.
func NewWebhookNotifier(url, secret string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Notify dispatches the alert asynchronously. The caller returns immediately;
// delivery errors are logged, never returned.
func (n *WebhookNotifier) Notify(ctx context.Context, subject, body string) {
	metrics.AlertsTotal.Inc()
	go n.send(subject, body)
}

func (n *WebhookNotifier) send(subject, body string) {
	// Detached from the request context: the alert outlives the evaluation.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := json.Marshal(payload{
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now(),
	})
	if err != nil {
		n.logger.Error("alert marshal failed", "error", err)
		return
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return n.deliver(ctx, raw)
	})
	if err != nil {
		n.logger.Warn("alert delivery failed", "url", n.url, "error", err)
	}
}

// deliver makes one webhook attempt. Client errors are permanent; network
// errors and server errors are retried.
func (n *WebhookNotifier) deliver(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-ClickShield-Signature", sign(n.secret, raw))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return retry.Permanent(fmt.Errorf("webhook rejected alert with status %d", resp.StatusCode))
	}
	return nil
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
