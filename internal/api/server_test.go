package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/creditnet/internal/engine"
)

func testServer() *Server {
	runner := engine.NewRunner(engine.NewState(engine.DefaultSeed), engine.DefaultOptions())
	return &Server{Runner: runner, Port: 0, AdminKey: "secret"}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleStatus(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 0.0, body["tick"])
	assert.Equal(t, 3.0, body["agents"])
	assert.Equal(t, float64(engine.DefaultClientBalance), body["client_balance"])
	assert.Equal(t, false, body["running"])
}

func TestHandleAgents(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.handleAgents(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	body := decodeBody(t, rec)
	agents, ok := body["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 3)

	first, ok := agents[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A", first["id"])
}

func TestHandleAgentDetail(t *testing.T) {
	s := testServer()

	rec := httptest.NewRecorder()
	s.handleAgentDetail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agent/A", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "agent")
	assert.Contains(t, body, "base_price")
	assert.Contains(t, body, "utilization")

	rec = httptest.NewRecorder()
	s.handleAgentDetail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agent/Z", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.handleAgentDetail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agent/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAgentCurve(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.handleAgentDetail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agent/B/curve", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	curve, ok := body["curve"].([]any)
	require.True(t, ok)
	assert.Len(t, curve, 40)
}

func TestHandlePrices(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.handlePrices(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prices?delta=100", nil))

	body := decodeBody(t, rec)
	quotes, ok := body["quotes"].([]any)
	require.True(t, ok)
	require.Len(t, quotes, 3)
	for _, q := range quotes {
		quote := q.(map[string]any)
		assert.Equal(t, true, quote["finite"])
	}
}

func TestAdminOnlyGuards(t *testing.T) {
	s := testServer()
	handler := s.adminOnly(s.handleTick)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tick", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tick", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tick", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	disabled := testServer()
	disabled.AdminKey = ""
	rec = httptest.NewRecorder()
	disabled.adminOnly(disabled.handleTick)(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tick", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleTickAdvancesSimulation(t *testing.T) {
	s := testServer()
	handler := s.adminOnly(s.handleTick)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tick?count=2", nil)
	req.Header.Set("Authorization", "Bearer secret")
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 2.0, body["tick"])
	assert.Equal(t, 2, s.Runner.Snapshot().Tick)
}

// Admin ticks reach the archive goroutine through the runner's snapshot
// stream, once per step. The handler itself must not write anywhere else,
// otherwise every entry would be archived twice.
func TestHandleTickPublishesEachStepOnce(t *testing.T) {
	s := testServer()
	ch := s.Runner.Subscribe()
	defer s.Runner.Unsubscribe(ch)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tick?count=3", nil)
	req.Header.Set("Authorization", "Bearer secret")
	s.adminOnly(s.handleTick)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	for want := 1; want <= 3; want++ {
		select {
		case snapshot := <-ch:
			assert.Equal(t, want, snapshot.Tick)
		default:
			t.Fatalf("no snapshot published for tick %d", want)
		}
	}
	select {
	case snapshot := <-ch:
		t.Fatalf("unexpected extra snapshot for tick %d", snapshot.Tick)
	default:
	}
}

func TestHandleSpeedAndRewind(t *testing.T) {
	s := testServer()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/speed", strings.NewReader(`{"speed": 4}`))
	req.Header.Set("Authorization", "Bearer secret")
	s.adminOnly(s.handleSpeed)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, s.Runner.Speed())

	s.Runner.Step()
	s.Runner.Step()

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/rewind", strings.NewReader(`{"step": 0}`))
	req.Header.Set("Authorization", "Bearer secret")
	s.adminOnly(s.handleRewind)(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, s.Runner.Snapshot().Tick)
}

func TestHandleAddAgent(t *testing.T) {
	s := testServer()
	handler := s.adminOnly(s.handleAddAgent)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent", strings.NewReader(`{"id": "D"}`))
	req.Header.Set("Authorization", "Bearer secret")
	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, s.Runner.Snapshot().Agents, 4)

	// Duplicate id is rejected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/agent", strings.NewReader(`{"id": "D"}`))
	req.Header.Set("Authorization", "Bearer secret")
	handler(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/agent", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer secret")
	handler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8")) // separate bucket
	assert.Greater(t, rl.RetryAfter("1.2.3.4"), 0)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	calls := 0
	handler := RateLimitMiddleware(rl, func(w http.ResponseWriter, r *http.Request) { calls++ })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tick", nil)
	req.RemoteAddr = "1.2.3.4:5678"

	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, 1, calls)

	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4242"
	assert.Equal(t, "10.0.0.9", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}
