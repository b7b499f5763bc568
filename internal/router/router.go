// Package router compares effective prices across candidate pools and picks
// a winner. Selection is stochastic near-best rather than strict cheapest:
// candidates within a ratio of the best price are sampled with Boltzmann
// weights.
package router

import (
	"fmt"
	"math"
	"sort"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/amm"
)

// Cold-start and load premiums applied on top of the effective price.
const (
	warmupOutcomes  = 12.0 // outcomes needed for full pricing confidence
	warmupPremium   = 1.4
	loadPremium     = 0.35
	priceTieEpsilon = 1e-9
)

// PolicyOptions tunes the near-best sampling pool.
type PolicyOptions struct {
	NearBestRatio float64 // 0 degenerates to cheapest-with-uniform-tie-break
	Temperature   float64 // Boltzmann temperature; defaults to 0.08
}

// Result reports one routing decision. Selected is empty when no candidate
// had a finite price.
type Result struct {
	Selected agent.ID
	Prices   map[agent.ID]float64
	Reason   string
}

func resolveCandidates(agents map[agent.ID]agent.State, candidates []agent.ID) []agent.ID {
	if len(candidates) > 0 {
		return candidates
	}
	ids := make([]agent.ID, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ComparePrices quotes every candidate for a delta-sized task. Isolated
// pools, pools at their concurrency limit, and pools with insufficient free
// quota quote +Inf. Otherwise the effective price is scaled by a cold-start
// premium (inexperienced pools are priced up to avoid instability) and a load
// premium (discourages hotspotting).
func ComparePrices(agents map[agent.ID]agent.State, delta float64, candidates []agent.ID) map[agent.ID]float64 {
	ids := resolveCandidates(agents, candidates)
	prices := make(map[agent.ID]float64, len(ids))

	for _, id := range ids {
		a, ok := agents[id]
		if !ok {
			prices[id] = math.Inf(1)
			continue
		}
		if a.Status == agent.StatusIsolated || a.ActiveTasks >= a.Capacity || a.FreeQuota() <= delta {
			prices[id] = math.Inf(1)
			continue
		}

		base := amm.EffectivePrice(a, delta)

		confidence := float64(a.Outcomes()) / warmupOutcomes
		if confidence > 1 {
			confidence = 1
		}
		warmup := 1 + (1-confidence)*warmupPremium
		load := 1 + a.Utilization()*loadPremium

		prices[id] = base * warmup * load
	}

	return prices
}

func sampleWeighted(candidates []agent.ID, prices map[agent.ID]float64, bestPrice, unit, temperature float64) agent.ID {
	safeBest := bestPrice
	if safeBest < 1e-9 {
		safeBest = 1e-9
	}
	safeTemp := temperature
	if safeTemp < 1e-6 {
		safeTemp = 1e-6
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, id := range candidates {
		distance := prices[id] - bestPrice
		if distance < 0 {
			distance = 0
		}
		weights[i] = math.Exp(-distance / (safeBest * safeTemp))
		total += weights[i]
	}
	if math.IsInf(total, 0) || math.IsNaN(total) || total <= 0 {
		idx := int(unit * float64(len(candidates)))
		if idx >= len(candidates) {
			idx = len(candidates) - 1
		}
		return candidates[idx]
	}

	target := unit * total
	cumulative := 0.0
	for i := range candidates {
		cumulative += weights[i]
		if target <= cumulative {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// Route prices the candidates and samples a winner from the near-best pool.
// nextRandom supplies the deterministic unit draw; it is called exactly once.
func Route(agents map[agent.ID]agent.State, delta float64, candidates []agent.ID, nextRandom func() float64, opts PolicyOptions) Result {
	ids := resolveCandidates(agents, candidates)
	prices := ComparePrices(agents, delta, ids)

	finite := make([]agent.ID, 0, len(ids))
	for _, id := range ids {
		if !math.IsInf(prices[id], 1) {
			finite = append(finite, id)
		}
	}
	if len(finite) == 0 {
		return Result{Prices: prices, Reason: "no available node: capacity or quota exhausted"}
	}

	bestPrice := math.Inf(1)
	for _, id := range finite {
		if prices[id] < bestPrice {
			bestPrice = prices[id]
		}
	}

	ratio := opts.NearBestRatio
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	threshold := bestPrice * (1 + ratio)
	nearBest := make([]agent.ID, 0, len(finite))
	for _, id := range finite {
		if prices[id] <= threshold+priceTieEpsilon {
			nearBest = append(nearBest, id)
		}
	}
	pool := nearBest
	if len(pool) == 0 {
		pool = finite
	}

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = 0.08
	}
	selected := sampleWeighted(pool, prices, bestPrice, nextRandom(), temperature)

	var reason string
	switch {
	case len(pool) > 1 && ratio > 0:
		reason = fmt.Sprintf("near-best sampling (%d/%d), selected %s", len(pool), len(finite), selected)
	case len(pool) > 1:
		reason = fmt.Sprintf("tied lowest quotes (%d), selected %s at random", len(pool), selected)
	default:
		reason = fmt.Sprintf("lowest effective price (%d candidates): %s -> %.2f", len(finite), selected, bestPrice)
	}

	return Result{Selected: selected, Prices: prices, Reason: reason}
}

// ShouldOverflow reports whether a pool's quote for delta exceeds the price
// threshold or the pool is at its concurrency limit, the trigger for
// explicit overflow routing to an alternate pool.
func ShouldOverflow(a agent.State, delta, priceThreshold float64) bool {
	price := amm.EffectivePrice(a, delta)
	return price > priceThreshold || a.ActiveTasks >= a.Capacity
}
