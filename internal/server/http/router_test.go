package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight/internal/bus"
	"insight/internal/ledger"
	"insight/internal/messaging"
	"insight/internal/observability"
	"insight/internal/server/app"
	"insight/internal/shared/logging"
	"insight/internal/simulation"
)

const testToken = "test-token"

type fakeBus struct {
	state  bus.LinkState
	resets int
}

func (f *fakeBus) State() bus.LinkState { return f.state }

func (f *fakeBus) Reset() bus.LinkState {
	f.resets++
	f.state = bus.LinkState{FailLimit: f.state.FailLimit}
	return f.state
}

type fakeLedger struct {
	records []ledger.Record
}

func (f *fakeLedger) Tail(_ context.Context, n int) ([]ledger.Record, error) {
	if n > len(f.records) {
		n = len(f.records)
	}
	return f.records[len(f.records)-n:], nil
}

type testServer struct {
	engine *gin.Engine
	coord  *app.RunCoordinator
	bus    *fakeBus
}

func newTestServer(t *testing.T, cfg RouterConfig, sim simulation.Simulator) *testServer {
	t.Helper()
	if sim == nil {
		sim = simulation.NewDefault()
	}
	coord := app.NewRunCoordinator(app.NewJobRegistry(16), sim, app.NewProgressBroadcaster(0),
		app.WithCoordinatorLogger(logging.Nop()))
	t.Cleanup(func() {
		coord.Cancel()
		coord.Wait()
	})

	metrics, err := observability.NewMetrics()
	require.NoError(t, err)

	env, err := messaging.NewEnvelope("planning", "research", map[string]any{"k": "v"})
	require.NoError(t, err)
	fb := &fakeBus{state: bus.LinkState{Failures: 2, FailLimit: 3}}

	engine := NewRouter(cfg, RouterDeps{
		Coordinator: coord,
		Bus:         fb,
		Ledger:      &fakeLedger{records: []ledger.Record{{Seq: 1, Envelope: env}, {Seq: 2, Envelope: env}, {Seq: 3, Envelope: env}}},
		Metrics:     metrics,
		MetricsHTTP: metrics.Handler(),
		Logger:      logging.Nop(),
	})
	return &testServer{engine: engine, coord: coord, bus: fb}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Host = "insight.test"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func authed() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func defaultConfig() RouterConfig {
	return RouterConfig{Token: testToken, RateLimit: 1000, RateWindow: time.Minute}
}

func TestSimulateThenPollResults(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)

	rec := srv.do(http.MethodPost, "/simulate", `{"horizon":3,"pop_size":4,"generations":2,"seed":7}`, authed())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id, _ := decode(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	var results map[string]any
	require.Eventually(t, func() bool {
		rec := srv.do(http.MethodGet, "/results/"+id, "", authed())
		if rec.Code != http.StatusOK {
			return false
		}
		results = decode(t, rec)
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "completed", results["status"])
	assert.Len(t, results["forecast"], 3)
	assert.Contains(t, results, "best_score")
	assert.Contains(t, results, "archive_mean")
	assert.Contains(t, results, "lineage_depth")

	rec = srv.do(http.MethodGet, "/population/"+id, "", authed())
	require.Equal(t, http.StatusOK, rec.Code)
	population := decode(t, rec)["population"].([]any)
	assert.Len(t, population, 8)
	assert.Len(t, results["population"], len(population))

	rec = srv.do(http.MethodGet, "/results", "", authed())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode(t, rec)["id"])

	rec = srv.do(http.MethodGet, "/runs", "", authed())
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode(t, rec)["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].(map[string]any)["id"])
}

func TestSimulateEmptyBodyUsesDefaults(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)
	rec := srv.do(http.MethodPost, "/simulate", "", authed())
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestSimulateRejectsInvalidRequest(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)

	rec := srv.do(http.MethodPost, "/simulate", `{"horizon":0,"curve":"cubic"}`, authed())
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), problemContentType))
	body := decode(t, rec)
	var fields []string
	for _, issue := range body["errors"].([]any) {
		fields = append(fields, issue.(map[string]any)["field"].(string))
	}
	assert.ElementsMatch(t, []string{"horizon", "curve"}, fields)

	rec = srv.do(http.MethodPost, "/simulate", `{"horizon":`, authed())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = srv.do(http.MethodGet, "/runs", "", authed())
	assert.Empty(t, decode(t, rec)["runs"])
}

func TestUnknownResultIsProblem(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)

	rec := srv.do(http.MethodGet, "/results/missing", "", authed())
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), problemContentType))
	body := decode(t, rec)
	assert.Equal(t, "about:blank", body["type"])
	assert.Equal(t, float64(404), body["status"])
	assert.Equal(t, "Not Found", body["title"])

	rec = srv.do(http.MethodGet, "/results", "", authed())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(http.MethodGet, "/nowhere", "", authed())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "about:blank", decode(t, rec)["type"])
}

func TestAuthRequiredExceptProbes(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)

	rec := srv.do(http.MethodGet, "/runs", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "about:blank", decode(t, rec)["type"])

	rec = srv.do(http.MethodGet, "/runs", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The query token is only honoured on the progress stream.
	rec = srv.do(http.MethodGet, "/runs?token="+testToken, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode(t, rec)
	assert.Equal(t, map[string]any{"failures": float64(2), "degraded": false}, health["bus"])

	rec = srv.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# HELP"))
	assert.Contains(t, rec.Body.String(), "api_requests_total")
}

func TestEmptyTokenDisablesAuth(t *testing.T) {
	cfg := defaultConfig()
	cfg.Token = ""
	srv := newTestServer(t, cfg, nil)
	assert.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/runs", "", nil).Code)
}

func TestRateLimitOnRuns(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimit = 3
	srv := newTestServer(t, cfg, nil)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/runs", "", authed()).Code, "call %d", i)
	}
	rec := srv.do(http.MethodGet, "/runs", "", authed())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, float64(429), decode(t, rec)["status"])
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Probes are never limited.
	assert.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/healthz", "", nil).Code)
}

func TestAuthRejectsBeforeRateLimitConsumption(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimit = 1
	srv := newTestServer(t, cfg, nil)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusForbidden, srv.do(http.MethodGet, "/runs", "", nil).Code)
	}
	assert.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/runs", "", authed()).Code)
}

func TestCORSAllowlist(t *testing.T) {
	cfg := defaultConfig()
	cfg.CORSOrigins = []string{"http://example.com"}
	srv := newTestServer(t, cfg, nil)

	rec := srv.do(http.MethodGet, "/results", "", map[string]string{"Origin": "http://example.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "http://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = srv.do(http.MethodGet, "/runs", "", map[string]string{
		"Origin":        "http://evil.test",
		"Authorization": "Bearer " + testToken,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = srv.do(http.MethodOptions, "/simulate", "", map[string]string{
		"Origin":                        "http://example.com",
		"Access-Control-Request-Method": "POST",
	})
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "http://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInsightAggregatesCompletedRuns(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)

	rec := srv.do(http.MethodPost, "/simulate", `{"horizon":4,"generations":1}`, authed())
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["id"].(string)
	require.Eventually(t, func() bool {
		return srv.do(http.MethodGet, "/results/"+id, "", authed()).Code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	rec = srv.do(http.MethodPost, "/insight", `{"ids":["`+id+`","missing"]}`, authed())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	forecast := decode(t, rec)["forecast"].([]any)
	require.Len(t, forecast, 4)
	first := forecast[0].(map[string]any)
	assert.Contains(t, first, "year")
	assert.Contains(t, first, "capability")
	assert.Contains(t, first, "affected_sectors")

	assert.Equal(t, http.StatusUnprocessableEntity, srv.do(http.MethodPost, "/insight", `{"ids":[]}`, authed()).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, srv.do(http.MethodPost, "/insight", `not json`, authed()).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodPost, "/insight", `{"ids":["missing"]}`, authed()).Code)
}

func TestOperatorEndpoints(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)

	rec := srv.do(http.MethodPost, "/bus/reset", "", authed())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["failures"])
	assert.Equal(t, false, body["degraded"])
	assert.Equal(t, 1, srv.bus.resets)

	rec = srv.do(http.MethodGet, "/ledger/tail?n=2", "", authed())
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode(t, rec)["records"].([]any)
	require.Len(t, records, 2)
	assert.Equal(t, float64(2), records[0].(map[string]any)["seq"])

	for _, bad := range []string{"abc", "0", "1001"} {
		rec = srv.do(http.MethodGet, "/ledger/tail?n="+bad, "", authed())
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, bad)
	}
}

func TestProgressStream(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)
	ts := httptest.NewServer(srv.engine)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + wsProgressRoute

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+testToken, nil)
	require.NoError(t, err)
	defer conn.Close()

	rec := srv.do(http.MethodPost, "/simulate", `{"generations":2,"pop_size":3}`, authed())
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["id"].(string)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var statuses []string
	for {
		var ev map[string]any
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, id, ev["id"])
		assert.Contains(t, ev, "population_size")
		statuses = append(statuses, ev["status"].(string))
		if ev["status"] == "completed" {
			break
		}
	}
	assert.Equal(t, []string{"running", "running", "completed"}, statuses)
}

func TestProgressStreamClosesAfterFollowedRun(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), &simulation.Default{Pace: 200 * time.Millisecond})
	ts := httptest.NewServer(srv.engine)
	defer ts.Close()

	rec := srv.do(http.MethodPost, "/simulate", `{"generations":3,"pop_size":2}`, authed())
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["id"].(string)

	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+wsProgressRoute+"?id="+id, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var last map[string]any
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = ev
	}
	require.NotNil(t, last)
	assert.Equal(t, "completed", last["status"])
}

func TestProgressStreamRefusesUnknownRun(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)
	ts := httptest.NewServer(srv.engine)
	defer ts.Close()

	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+wsProgressRoute+"?id=does-not-exist", header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), problemContentType))
}

func TestProgressStreamReplaysFinishedRun(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)
	ts := httptest.NewServer(srv.engine)
	defer ts.Close()

	rec := srv.do(http.MethodPost, "/simulate", `{"generations":2,"pop_size":3}`, authed())
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["id"].(string)
	require.Eventually(t, func() bool {
		return srv.do(http.MethodGet, "/results/"+id, "", authed()).Code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+wsProgressRoute+"?id="+id, header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, id, ev["id"])
	assert.Equal(t, "completed", ev["status"])
	assert.Equal(t, float64(2), ev["generation"])
	assert.Equal(t, float64(6), ev["population_size"])

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestSimulateMinimalLinearRun(t *testing.T) {
	srv := newTestServer(t, defaultConfig(), nil)

	body := `{"horizon":1,"num_sectors":2,"pop_size":2,"generations":1,"mut_rate":0.1,"xover_rate":0.5,"curve":"linear","energy":1.0,"entropy":1.0}`
	rec := srv.do(http.MethodPost, "/simulate", body, authed())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)

	var results map[string]any
	require.Eventually(t, func() bool {
		rec := srv.do(http.MethodGet, "/results/"+id, "", authed())
		if rec.Code != http.StatusOK {
			return false
		}
		results = decode(t, rec)
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "completed", results["status"])
	assert.Len(t, results["forecast"], 1)

	rec = srv.do(http.MethodGet, "/population/"+id, "", authed())
	require.Equal(t, http.StatusOK, rec.Code)
	population := decode(t, rec)["population"].([]any)
	require.NotEmpty(t, population)
	assert.Len(t, results["population"], len(population))
}

func TestRateLimitRoundsSubSecondWindowUp(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimit = 1
	cfg.RateWindow = 250 * time.Millisecond
	srv := newTestServer(t, cfg, nil)

	require.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/runs", "", authed()).Code)
	rec := srv.do(http.MethodGet, "/runs", "", authed())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), problemContentType))
}
