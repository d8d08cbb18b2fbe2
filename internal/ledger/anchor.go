package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// AnchorConfig configures WebhookAnchor.
type AnchorConfig struct {
	URL        string
	Timeout    time.Duration
	MaxTries   uint
	RatePerSec float64
	Burst      int
	HTTPClient *http.Client
}

// WebhookAnchor posts each committed record, together with the Merkle root
// through that record when a RootFunc is bound, to an external anchoring
// endpoint.
type WebhookAnchor struct {
	url      string
	client   *http.Client
	maxTries uint
	limiter  *rate.Limiter

	// RootFunc is optional. When set, it is called with the record's seq
	// and its result is sent as "root". Ledger.RootAt fits.
	RootFunc func(ctx context.Context, seq uint64) (string, error)
}

type anchorPayload struct {
	Seq       uint64  `json:"seq"`
	Digest    string  `json:"digest"`
	Root      string  `json:"root,omitempty"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Timestamp float64 `json:"ts"`
}

// NewWebhookAnchor builds an anchor with retry and throttling defaults.
func NewWebhookAnchor(cfg AnchorConfig) (*WebhookAnchor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("anchor url is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = 3
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &WebhookAnchor{
		url:      cfg.URL,
		client:   client,
		maxTries: maxTries,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// Broadcast implements Broadcaster.
func (a *WebhookAnchor) Broadcast(ctx context.Context, rec Record) error {
	payload := anchorPayload{
		Seq:       rec.Seq,
		Digest:    rec.Digest,
		Sender:    rec.Envelope.Sender(),
		Recipient: rec.Envelope.Recipient(),
		Timestamp: rec.Envelope.Timestamp(),
	}
	if a.RootFunc != nil {
		root, err := a.RootFunc(ctx, rec.Seq)
		if err != nil {
			return fmt.Errorf("compute root: %w", err)
		}
		payload.Root = root
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.post(ctx, body)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(a.maxTries))
	return err
}

func (a *WebhookAnchor) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("anchor returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("anchor rejected record: %d", resp.StatusCode))
	}
	return nil
}
