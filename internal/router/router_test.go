package router

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/entropy"
)

func freshNetwork() map[agent.ID]agent.State {
	return map[agent.ID]agent.State{
		"A": agent.New("A", "Agent-A"),
		"B": agent.New("B", "Agent-B"),
		"C": agent.New("C", "Agent-C"),
	}
}

func TestComparePricesSymmetric(t *testing.T) {
	prices := ComparePrices(freshNetwork(), 100, nil)
	require.Len(t, prices, 3)

	first := prices["A"]
	assert.False(t, math.IsInf(first, 1))
	assert.InDelta(t, first, prices["B"], 1e-9)
	assert.InDelta(t, first, prices["C"], 1e-9)
}

func TestComparePricesColdStartPremium(t *testing.T) {
	agents := freshNetwork()
	veteran := agents["A"]
	veteran.TotalCompleted = 12
	agents["A"] = veteran

	prices := ComparePrices(agents, 100, nil)
	// Zero-outcome pools carry the full 1.4x warmup premium over a veteran.
	assert.InDelta(t, prices["A"]*2.4, prices["B"], 1e-6)
}

func TestComparePricesUnavailableQuoteInfinity(t *testing.T) {
	agents := freshNetwork()

	isolated := agents["A"]
	isolated.Status = agent.StatusIsolated
	agents["A"] = isolated

	full := agents["B"]
	full.ActiveTasks = full.Capacity
	agents["B"] = full

	drained := agents["C"]
	drained.ReservedQuota = 950
	drained = agent.SyncY(drained)
	agents["C"] = drained

	prices := ComparePrices(agents, 100, nil)
	assert.True(t, math.IsInf(prices["A"], 1))
	assert.True(t, math.IsInf(prices["B"], 1))
	assert.True(t, math.IsInf(prices["C"], 1))
}

func TestComparePricesLoadPremium(t *testing.T) {
	agents := freshNetwork()
	busy := agents["A"]
	busy.ActiveTasks = 4 // utilization 0.8
	agents["A"] = busy

	prices := ComparePrices(agents, 100, nil)
	assert.InDelta(t, prices["B"]*(1+0.8*0.35), prices["A"], 1e-6)
}

func TestRouteTieBreak(t *testing.T) {
	rng := entropy.NewStream(42)
	result := Route(freshNetwork(), 100, nil, rng.Float, PolicyOptions{})

	require.NotEmpty(t, result.Selected)
	assert.Contains(t, []agent.ID{"A", "B", "C"}, result.Selected)
	assert.Contains(t, result.Reason, "tied lowest quotes")
}

func TestRouteTieBreakSpreadsAcrossSeeds(t *testing.T) {
	seen := map[agent.ID]bool{}
	for seed := uint32(1); seed <= 64; seed++ {
		rng := entropy.NewStream(seed)
		result := Route(freshNetwork(), 100, nil, rng.Float, PolicyOptions{})
		seen[result.Selected] = true
	}
	assert.Greater(t, len(seen), 1, "tie-break should not always pick the same node")
}

func TestRoutePrefersCheaperNode(t *testing.T) {
	agents := freshNetwork()
	expensive := agents["B"]
	expensive.F = 5
	agents["B"] = expensive
	pricey := agents["C"]
	pricey.F = 5
	agents["C"] = pricey

	rng := entropy.NewStream(7)
	result := Route(agents, 100, nil, rng.Float, PolicyOptions{})
	assert.Equal(t, agent.ID("A"), result.Selected)
	assert.Contains(t, result.Reason, "lowest effective price")
}

func TestRouteHonorsCandidateSubset(t *testing.T) {
	rng := entropy.NewStream(9)
	result := Route(freshNetwork(), 100, []agent.ID{"B"}, rng.Float, PolicyOptions{})
	assert.Equal(t, agent.ID("B"), result.Selected)
}

func TestRouteNoCandidateAvailable(t *testing.T) {
	agents := freshNetwork()
	for id, a := range agents {
		a.ActiveTasks = a.Capacity
		agents[id] = a
	}

	rng := entropy.NewStream(3)
	result := Route(agents, 100, nil, rng.Float, PolicyOptions{})
	assert.Empty(t, result.Selected)
	assert.Equal(t, "no available node: capacity or quota exhausted", result.Reason)
}

func TestRouteNearBestSampling(t *testing.T) {
	agents := freshNetwork()
	slightly := agents["B"]
	slightly.F = 0.05 // a few percent over best, inside a 0.5 near-best band
	agents["B"] = slightly

	seen := map[agent.ID]bool{}
	for seed := uint32(1); seed <= 64; seed++ {
		rng := entropy.NewStream(seed)
		result := Route(agents, 100, nil, rng.Float, PolicyOptions{NearBestRatio: 0.5, Temperature: 0.5})
		seen[result.Selected] = true
	}
	assert.True(t, seen["B"], "near-best node should win sometimes")
	assert.True(t, seen["A"] || seen["C"], "best-priced nodes should win sometimes")
}

func TestShouldOverflow(t *testing.T) {
	a := agent.New("A", "Agent-A")
	assert.False(t, ShouldOverflow(a, 100, 1e9))
	assert.True(t, ShouldOverflow(a, 100, 1)) // any quote beats a threshold of 1

	full := a
	full.ActiveTasks = full.Capacity
	assert.True(t, ShouldOverflow(full, 100, 1e9))
}
