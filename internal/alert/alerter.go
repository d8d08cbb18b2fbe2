// Package alert delivers operator notifications, such as bus degradation,
// to a webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"insight/internal/shared/logging"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeDegraded AlertType = "DEGRADED"
	AlertTypeRecovery AlertType = "RECOVERY"
)

// Alert represents a single alert event.
type Alert struct {
	Type      AlertType
	Component string
	Title     string
	Message   string
	Fields    map[string]string
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Notifier suppresses repeats of the same alert within a cooldown window
// and fans out to every configured channel.
type Notifier struct {
	alerters []Alerter
	cooldown time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewNotifier creates a notifier. A nil logger discards diagnostics.
func NewNotifier(cooldown time.Duration, logger logging.Logger, alerters ...Alerter) *Notifier {
	return &Notifier{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s", a.Type, a.Component)
}

// Send dispatches alert to all channels, respecting cooldown.
func (n *Notifier) Send(ctx context.Context, alert Alert) error {
	if n == nil || len(n.alerters) == 0 {
		return nil
	}
	key := cooldownKey(alert)
	now := n.now()

	n.mu.Lock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cooldown {
		n.mu.Unlock()
		n.logger.Debug("alert %s suppressed by cooldown", key)
		return nil
	}
	n.lastSent[key] = now
	n.mu.Unlock()

	var firstErr error
	for _, a := range n.alerters {
		if err := a.Send(ctx, alert); err != nil {
			n.logger.Warn("alert %s send failed: %v", key, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// WebhookAlerter posts a Slack-compatible {"text": ...} body plus the
// structured fields.
type WebhookAlerter struct {
	url      string
	client   *http.Client
	maxTries uint
}

// NewWebhookAlerter creates a generic webhook alerter.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		maxTries: 3,
	}
}

// Send sends an alert to the webhook endpoint.
func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"text":      formatText(alert),
		"type":      string(alert.Type),
		"component": alert.Component,
		"title":     alert.Title,
		"message":   alert.Message,
		"fields":    alert.Fields,
		"time":      time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.post(ctx, body)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(w.maxTries))
	return err
}

func (w *WebhookAlerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	return nil
}

func formatText(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", alert.Type, alert.Component, alert.Title)
	if alert.Message != "" {
		b.WriteString("\n")
		b.WriteString(alert.Message)
	}
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, alert.Fields[k])
	}
	return b.String()
}
