// Bootstrap derives a fair starting state for a node added to a running
// network, based on peer medians.
package agent

import (
	"math"
	"sort"
)

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Bootstrap creates a new agent whose quota, capacity, friction, and score
// are derived from peer medians, discounted so a newcomer cannot immediately
// dominate routing. When the whole network is still cold (peers average fewer
// than 2 outcomes) the discount is skipped: there is no track record to be
// fair against, and penalizing the newcomer would just delay warmup.
func Bootstrap(id ID, label string, peers map[ID]State) State {
	base := New(id, label)
	if len(peers) == 0 {
		return base
	}

	totalOutcomes := 0
	fs := make([]float64, 0, len(peers))
	scores := make([]float64, 0, len(peers))
	quotas := make([]float64, 0, len(peers))
	capacities := make([]float64, 0, len(peers))
	for _, p := range peers {
		totalOutcomes += p.Outcomes()
		fs = append(fs, p.F)
		scores = append(scores, p.SHat)
		quotas = append(quotas, p.Quota)
		capacities = append(capacities, float64(p.Capacity))
	}

	if float64(totalOutcomes)/float64(len(peers)) < 2 {
		return base
	}

	quota := clamp(math.Round(median(quotas)*0.7), 400, 900)
	capacity := int(clamp(math.Round(median(capacities)*0.6), 2, 4))
	f := clamp(median(fs)*0.8+1.0, 1.2, 6)
	sHat := clamp(median(scores)*0.9, 0.45, 0.9)
	balance := base.Balance * 0.6
	if balance < 2_000 {
		balance = 2_000
	}

	base.Quota = quota
	base.Capacity = capacity
	base.F = f
	base.SHat = sHat
	base.Balance = balance
	return SyncY(base)
}
