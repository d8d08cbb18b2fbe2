package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	sent []Alert
	err  error
}

func (r *recordingAlerter) Send(_ context.Context, a Alert) error {
	r.sent = append(r.sent, a)
	return r.err
}

func TestNotifierCooldown(t *testing.T) {
	rec := &recordingAlerter{}
	n := NewNotifier(time.Minute, nil, rec)
	now := time.Unix(1000, 0)
	n.now = func() time.Time { return now }

	a := Alert{Type: AlertTypeDegraded, Component: "bus", Title: "degraded"}
	require.NoError(t, n.Send(context.Background(), a))
	require.NoError(t, n.Send(context.Background(), a))
	assert.Len(t, rec.sent, 1)

	require.NoError(t, n.Send(context.Background(), Alert{Type: AlertTypeRecovery, Component: "bus"}))
	assert.Len(t, rec.sent, 2)

	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Send(context.Background(), a))
	assert.Len(t, rec.sent, 3)
}

func TestNotifierReturnsFirstError(t *testing.T) {
	failing := &recordingAlerter{err: errors.New("boom")}
	ok := &recordingAlerter{}
	n := NewNotifier(0, nil, failing, ok)

	err := n.Send(context.Background(), Alert{Type: AlertTypeDegraded, Component: "bus"})
	require.EqualError(t, err, "boom")
	assert.Len(t, ok.sent, 1)
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Send(context.Background(), Alert{}))
}

func TestWebhookAlerterPostsText(t *testing.T) {
	var hits atomic.Int32
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookAlerter(srv.URL)
	err := w.Send(context.Background(), Alert{
		Type:      AlertTypeDegraded,
		Component: "bus",
		Title:     "delivery failing",
		Fields:    map[string]string{"failures": "3"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, "[DEGRADED] bus: delivery failing\n- failures: 3", body["text"])
}
