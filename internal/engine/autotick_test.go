package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/entropy"
)

func runTicks(state State, n int, opts Options) State {
	for i := 1; i <= n; i++ {
		state = ExecuteAutoTick(state, state.Phase+1, opts)
	}
	return state
}

func TestAutoTickAdvancesCounters(t *testing.T) {
	state := ExecuteAutoTick(NewState(DefaultSeed), 1, DefaultOptions())

	assert.Equal(t, 1, state.Tick)
	assert.Equal(t, 1, state.Phase)
	assert.True(t, strings.HasPrefix(state.LastNarrative, "AUTO TICK 1:"), "narrative %q", state.LastNarrative)
	assert.Contains(t, state.LastNarrative, "arrivals=")
	assert.Contains(t, state.LastNarrative, "dispatched=")
}

func TestAutoTickIsDeterministic(t *testing.T) {
	run := func() State {
		return runTicks(NewState(123), 30, DefaultOptions())
	}
	assert.Equal(t, run(), run())
}

func TestAutoTickSeedChangesOutcome(t *testing.T) {
	a := runTicks(NewState(1), 20, DefaultOptions())
	b := runTicks(NewState(2), 20, DefaultOptions())
	assert.NotEqual(t, a.RngState, b.RngState)
}

func TestAutoTickLongRunStaysValid(t *testing.T) {
	state := NewState(DefaultSeed)
	opts := DefaultOptions()
	for i := 1; i <= 50; i++ {
		state = ExecuteAutoTick(state, i, opts)
		issues := ValidateState(state)
		require.Empty(t, issues, "tick %d: %+v", i, issues)
		require.GreaterOrEqual(t, state.ClientBalance, 0.0, "tick %d", i)
	}
	assert.Equal(t, 50, state.Tick)
	assert.NotEmpty(t, state.Ledger)
}

func TestAutoTickRespectsExhaustedBudget(t *testing.T) {
	state := NewState(DefaultSeed)
	state.ClientBalance = 300 // below any cold-start quote

	state = ExecuteAutoTick(state, 1, DefaultOptions())

	assert.Equal(t, 300.0, state.ClientBalance)
	assert.Contains(t, state.LastNarrative, "dispatched=0")
	assert.NotContains(t, state.LastNarrative, "budgetSkipped=0")
}

func TestAutoTickFrictionDecay(t *testing.T) {
	state := NewState(DefaultSeed)
	a := state.Agents["A"]
	a.F = 5.0
	state.Agents["A"] = a

	opts := DefaultOptions()
	opts.SuspendArrivals = true
	state = ExecuteAutoTick(state, 1, opts)

	assert.InDelta(t, 5.0*0.94, state.Agents["A"].F, 1e-9)
}

func TestAutoTickUnisolatesRecoveredAgent(t *testing.T) {
	state := NewState(DefaultSeed)
	a := state.Agents["A"]
	a.Status = agent.StatusIsolated
	a.F = 3.3
	state.Agents["A"] = a

	opts := DefaultOptions()
	opts.SuspendArrivals = true
	state = ExecuteAutoTick(state, 1, opts)

	// 3.3 decays to 3.102, below the re-entry bar.
	assert.Equal(t, agent.StatusIdle, state.Agents["A"].Status)

	b := state.Agents["B"]
	b.Status = agent.StatusIsolated
	b.F = 9.0
	state.Agents["B"] = b
	state = ExecuteAutoTick(state, 2, opts)
	assert.Equal(t, agent.StatusIsolated, state.Agents["B"].Status)
}

func TestAutoTickBudgetRefill(t *testing.T) {
	state := NewState(DefaultSeed)
	state.ClientBalance = 100

	opts := DefaultOptions()
	opts.SuspendArrivals = true
	opts.ClearEvery = 1
	opts.BudgetRefillThreshold = 9000

	state = ExecuteAutoTick(state, 1, opts)

	assert.Equal(t, 9000.0, state.ClientBalance)
	assert.Contains(t, state.LastNarrative, "BUDGET_REFILL")
}

func TestAutoTickSuspendedArrivals(t *testing.T) {
	opts := DefaultOptions()
	opts.SuspendArrivals = true

	state := ExecuteAutoTick(NewState(DefaultSeed), 1, opts)

	assert.Contains(t, state.LastNarrative, "arrivals=0")
	assert.Empty(t, state.Tasks)
}

func TestAutoTickEmptyNetwork(t *testing.T) {
	state := NewState(DefaultSeed)
	state.Agents = map[agent.ID]agent.State{}

	next := ExecuteAutoTick(state, 1, DefaultOptions())
	assert.Equal(t, state, next)
	assert.Empty(t, next.Tasks)
}

func TestOptionsNormalizedBackfillsZeros(t *testing.T) {
	norm := Options{}.normalized()

	// Every zero field falls back to its default; a zero burn rate is not
	// a request to disable burning.
	assert.Equal(t, 5, norm.ClearEvery)
	assert.Equal(t, DefaultBurnRate, norm.BurnRate)
	assert.Equal(t, 40, norm.MinDelta)
	assert.Equal(t, 1.0, norm.MaxPaymentRatio)

	norm = Options{BurnRate: -0.5}.normalized()
	assert.Equal(t, DefaultBurnRate, norm.BurnRate)

	norm = Options{BurnRate: 3}.normalized()
	assert.Equal(t, 1.0, norm.BurnRate)

	norm = Options{BurnRate: 0.25}.normalized()
	assert.Equal(t, 0.25, norm.BurnRate)
}

func TestDiversificationGuardForcesSpread(t *testing.T) {
	state := NewState(DefaultSeed)
	for i := 0; i < diversificationGuardWindow; i++ {
		state.Ledger = append(state.Ledger, LedgerEntry{Step: i, AgentID: "A", Action: LedgerRoute})
	}

	rng := entropy.NewStream(1)
	candidates := []agent.ID{"A", "B", "C"}
	filtered := applyDiversificationGuard(&state, candidates, 0, rng)

	assert.NotContains(t, filtered, agent.ID("A"))
	assert.ElementsMatch(t, []agent.ID{"B", "C"}, filtered)
}

func TestDiversificationGuardKeepsBalancedHistory(t *testing.T) {
	state := NewState(DefaultSeed)
	ids := []agent.ID{"A", "B", "C"}
	for i := 0; i < diversificationGuardWindow; i++ {
		state.Ledger = append(state.Ledger, LedgerEntry{Step: i, AgentID: ids[i%3], Action: LedgerRoute})
	}

	rng := entropy.NewStream(1)
	filtered := applyDiversificationGuard(&state, ids, 0.35, rng)
	assert.ElementsMatch(t, ids, filtered)
}

func TestEvaluateTaskOutputScaleWithScore(t *testing.T) {
	rng := entropy.NewStream(7)
	healthy := agent.New("H", "healthy")
	healthy.SHat = 1.4
	pass := 0
	for i := 0; i < 200; i++ {
		v := evaluateTaskOutput(healthy, rng, 1)
		if v.Passed {
			pass++
		}
	}

	rng = entropy.NewStream(7)
	shaky := agent.New("S", "shaky")
	shaky.SHat = 0.3
	shaky.F = 6
	shakyPass := 0
	for i := 0; i < 200; i++ {
		v := evaluateTaskOutput(shaky, rng, 1)
		if v.Passed {
			shakyPass++
		}
	}

	assert.Greater(t, pass, shakyPass)
	assert.Greater(t, pass, 120)
}
