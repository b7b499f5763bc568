// Package api serves the credit network over HTTP.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/amm"
	"github.com/talgya/creditnet/internal/engine"
	"github.com/talgya/creditnet/internal/task"
)

const maxSSEConns = 4

// Server serves the network state over HTTP. Persistence stays out of the
// handlers: archiving follows the runner's snapshot stream.
type Server struct {
	Runner   *engine.Runner
	RunID    string
	Port     int
	AdminKey string // bearer token for POST endpoints. Empty = POST disabled.

	sseConns int32
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	controlLimiter := NewRateLimiter(60, time.Minute)
	dumpLimiter := NewRateLimiter(30, time.Minute)

	mux := http.NewServeMux()

	// Public endpoints. The ledger dump is the only expensive read, so it
	// carries its own limiter.
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agent/", s.handleAgentDetail)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/ledger", RateLimitMiddleware(dumpLimiter, s.handleLedger))
	mux.HandleFunc("/api/v1/prices", s.handlePrices)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/guide", s.handleGuide)

	// SSE stream of tick snapshots.
	mux.HandleFunc("/api/v1/stream", s.handleStream)

	// Admin endpoints.
	mux.HandleFunc("/api/v1/agent", RateLimitMiddleware(controlLimiter, s.adminOnly(s.handleAddAgent)))
	mux.HandleFunc("/api/v1/tick", RateLimitMiddleware(controlLimiter, s.adminOnly(s.handleTick)))
	mux.HandleFunc("/api/v1/speed", RateLimitMiddleware(controlLimiter, s.adminOnly(s.handleSpeed)))
	mux.HandleFunc("/api/v1/rewind", RateLimitMiddleware(controlLimiter, s.adminOnly(s.handleRewind)))
	mux.HandleFunc("/api/v1/reset", RateLimitMiddleware(controlLimiter, s.adminOnly(s.handleReset)))

	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		handler := corsMiddleware(mux)
		if err := http.ListenAndServe(addr, handler); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// corsMiddleware adds CORS headers for allowed frontend origins. Set
// CREDITNET_CORS_ORIGINS to a comma-separated list; localhost dev servers
// are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CREDITNET_CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no CREDITNET_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.Runner.Snapshot()

	inflight := 0
	committed := 0
	aborted := 0
	for _, t := range state.Tasks {
		switch {
		case task.InFlight(t.Status):
			inflight++
		case t.Status == task.StatusCommitted:
			committed++
		case t.Status == task.StatusAborted:
			aborted++
		}
	}

	writeJSON(w, map[string]any{
		"run_id":         s.RunID,
		"tick":           state.Tick,
		"phase":          state.Phase,
		"speed":          s.Runner.Speed(),
		"running":        s.Runner.IsRunning(),
		"client_balance": state.ClientBalance,
		"agents":         len(state.Agents),
		"tasks_inflight": inflight,
		"tasks_done":     committed,
		"tasks_failed":   aborted,
		"narrative":      state.LastNarrative,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	state := s.Runner.Snapshot()

	ids := make([]agent.ID, 0, len(state.Agents))
	for id := range state.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := make([]agent.State, 0, len(ids))
	for _, id := range ids {
		list = append(list, state.Agents[id])
	}
	writeJSON(w, map[string]any{"agents": list})
}

// handleAgentDetail serves GET /api/v1/agent/:id and /api/v1/agent/:id/curve.
func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/agent/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}

	state := s.Runner.Snapshot()
	id := agent.ID(parts[0])
	a, ok := state.Agents[id]
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	if len(parts) > 1 && parts[1] == "curve" {
		yMin := math.Max(1, a.Y-200)
		writeJSON(w, map[string]any{
			"agent": id,
			"curve": amm.CurvePoints(a.K, yMin, a.Y, 40),
		})
		return
	}

	recent := make([]engine.LedgerEntry, 0, 24)
	for i := len(state.Ledger) - 1; i >= 0 && len(recent) < 24; i-- {
		if state.Ledger[i].AgentID == id {
			recent = append(recent, state.Ledger[i])
		}
	}

	writeJSON(w, map[string]any{
		"agent":         a,
		"base_price":    amm.BasePrice(a),
		"qos":           agent.QoSMultiplier(a),
		"utilization":   a.Utilization(),
		"recent_ledger": recent,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	state := s.Runner.Snapshot()
	limit := queryInt(r, "limit", 100)

	tasks := state.Tasks
	if len(tasks) > limit {
		tasks = tasks[len(tasks)-limit:]
	}
	writeJSON(w, map[string]any{"tasks": tasks, "total": len(state.Tasks)})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	state := s.Runner.Snapshot()
	limit := queryInt(r, "limit", 200)

	entries := state.Ledger
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, map[string]any{"ledger": entries, "total": len(state.Ledger)})
}

// handlePrices quotes every agent at the requested delta without mutating
// the live state.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	state := s.Runner.Snapshot()
	delta := float64(queryInt(r, "delta", 100))

	ids := make([]agent.ID, 0, len(state.Agents))
	for id := range state.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	type quote struct {
		Agent     agent.ID `json:"agent"`
		Raw       float64  `json:"raw"`
		Effective float64  `json:"effective"`
		Finite    bool     `json:"finite"`
	}
	quotes := make([]quote, 0, len(ids))
	for _, id := range ids {
		a := state.Agents[id]
		raw := amm.DeltaX(a, delta)
		eff := amm.EffectivePrice(a, delta)
		quotes = append(quotes, quote{
			Agent:     id,
			Raw:       raw,
			Effective: eff,
			Finite:    !math.IsInf(eff, 0) && !math.IsNaN(eff),
		})
	}
	writeJSON(w, map[string]any{"delta": delta, "quotes": quotes})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	state := s.Runner.Snapshot()

	routes := 0
	routeCounts := make(map[agent.ID]int)
	burned := 0.0
	clearingOutflow := 0.0
	for _, entry := range state.Ledger {
		switch entry.Action {
		case engine.LedgerRoute:
			routes++
			routeCounts[entry.AgentID]++
		case engine.LedgerBurn:
			burned += math.Abs(entry.DeltaBalance)
		case engine.LedgerBancorTax, engine.LedgerBancorFee:
			clearingOutflow += math.Abs(entry.DeltaBalance)
		}
	}

	hhi := 0.0
	top1 := 0.0
	for _, count := range routeCounts {
		share := float64(count) / math.Max(1, float64(routes))
		hhi += share * share
		if share > top1 {
			top1 = share
		}
	}

	totalCompleted := 0
	totalFailed := 0
	isolated := 0
	for _, a := range state.Agents {
		totalCompleted += a.TotalCompleted
		totalFailed += a.TotalFailed
		if a.Status == agent.StatusIsolated {
			isolated++
		}
	}

	writeJSON(w, map[string]any{
		"tick":             state.Tick,
		"routes":           routes,
		"route_top1_share": top1,
		"route_hhi":        hhi,
		"total_completed":  totalCompleted,
		"total_failed":     totalFailed,
		"isolated_agents":  isolated,
		"burned":           burned,
		"clearing_outflow": clearingOutflow,
		"client_balance":   state.ClientBalance,
	})
}

func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"steps": engine.GuideSteps})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	current := atomic.AddInt32(&s.sseConns, 1)
	if current > maxSSEConns {
		atomic.AddInt32(&s.sseConns, -1)
		http.Error(w, "too many SSE connections", http.StatusServiceUnavailable)
		return
	}
	defer atomic.AddInt32(&s.sseConns, -1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := s.Runner.Subscribe()
	defer s.Runner.Unsubscribe(ch)

	// Catch-up frame so a client sees state before the next tick lands.
	writeSSESnapshot(w, s.Runner.Snapshot())
	flusher.Flush()

	slog.Info("SSE client connected", "remote", r.RemoteAddr)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case snapshot, ok := <-ch:
			if !ok {
				return
			}
			writeSSESnapshot(w, snapshot)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

func writeSSESnapshot(w http.ResponseWriter, state engine.State) {
	payload, err := json.Marshal(map[string]any{
		"tick":           state.Tick,
		"phase":          state.Phase,
		"client_balance": state.ClientBalance,
		"narrative":      state.LastNarrative,
		"agents":         state.Agents,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: tick\ndata: %s\n\n", payload)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	count := queryInt(r, "count", 1)
	if count < 1 {
		count = 1
	}
	if count > 100 {
		count = 100
	}

	// Each Step publishes its snapshot to subscribers, so the archive
	// goroutine watching the run picks these ticks up. No direct write here
	// or the same ledger entries would land twice.
	var last engine.State
	for i := 0; i < count; i++ {
		last = s.Runner.Step()
	}

	writeJSON(w, map[string]any{
		"tick":      last.Tick,
		"narrative": last.LastNarrative,
	})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Speed float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.Runner.SetSpeed(req.Speed)
	writeJSON(w, map[string]any{"speed": s.Runner.Speed()})
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step int `json:"step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	state := s.Runner.Rewind(req.Step)
	writeJSON(w, map[string]any{"tick": state.Tick, "phase": state.Phase})
}

// handleAddAgent joins a new bootstrapped pool to the live network.
func (s *Server) handleAddAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}
	if req.Label == "" {
		req.Label = "Agent-" + req.ID
	}

	joined, err := s.Runner.AddAgent(req.ID, req.Label)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]any{"agent": joined})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	state := s.Runner.Reset()
	slog.Info("simulation reset", "remote", r.RemoteAddr)
	writeJSON(w, map[string]any{"tick": state.Tick, "phase": state.Phase})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
