// Package amm implements the per-agent pricing curve and the two-phase
// capacity transitions built on it. A pool's marginal price is P = k/y²;
// buying Δ capacity costs the curve integral Δx = k/(y-Δ) - k/y. Capacity is
// reserved pessimistically before execution and settled (or released) later,
// so concurrent routing decisions cannot oversell a node.
package amm

import (
	"math"

	"github.com/talgya/creditnet/internal/agent"
)

const (
	minScore = 0.01
	minY     = 1e-6
)

// BasePrice returns the marginal price at the current pool level, or +Inf
// when the pool is exhausted.
func BasePrice(a agent.State) float64 {
	if a.Y <= minY {
		return math.Inf(1)
	}
	return a.K / (a.Y * a.Y)
}

// DeltaX returns the cost of acquiring delta capacity from the curve.
// Non-positive deltas cost nothing; a delta that would drain the pool below
// minY costs +Inf.
func DeltaX(a agent.State, delta float64) float64 {
	if delta <= 0 {
		return 0
	}
	y := a.Y
	if y < minY {
		y = minY
	}
	yAfter := y - delta
	if yAfter <= minY {
		return math.Inf(1)
	}
	return a.K/yAfter - a.K/y
}

// EffectivePrice folds the quality multiplier into the curve cost:
// P_eff = Δx · (1+f) / max(ŝ, 0.01).
func EffectivePrice(a agent.State, delta float64) float64 {
	dx := DeltaX(a, delta)
	if math.IsInf(dx, 1) {
		return math.Inf(1)
	}
	s := a.SHat
	if s < minScore {
		s = minScore
	}
	return dx * (1 + a.F) / s
}

// Rejection reasons returned by Reserve.
const (
	ReasonCapacityExhausted = "capacity exhausted"
	ReasonQuotaExhausted    = "quota exhausted"
)

// ReserveResult reports a reservation attempt. On failure the returned agent
// carries the overloaded status; no exception-style control flow is used.
type ReserveResult struct {
	Agent  agent.State
	OK     bool
	Reason string
}

// Reserve freezes delta quota and one concurrency slot. It does not settle
// any payment.
func Reserve(a agent.State, delta float64) ReserveResult {
	if delta < 0 {
		delta = 0
	}

	if a.ActiveTasks >= a.Capacity {
		a.Status = agent.StatusOverloaded
		return ReserveResult{Agent: a, Reason: ReasonCapacityExhausted}
	}
	if a.FreeQuota() <= delta {
		a.Status = agent.StatusOverloaded
		return ReserveResult{Agent: a, Reason: ReasonQuotaExhausted}
	}

	a.ReservedQuota += delta
	a.ActiveTasks++
	a.Status = agent.StatusExecuting
	return ReserveResult{Agent: agent.SyncY(a), OK: true}
}

// Release returns delta frozen quota and one slot to the pool. The status
// becomes preferred only once no active tasks remain; remaining work always
// wins over the preference.
func Release(a agent.State, delta float64, preferred agent.Status) agent.State {
	if delta < 0 {
		delta = 0
	}
	a.ActiveTasks--
	if a.ActiveTasks < 0 {
		a.ActiveTasks = 0
	}
	a.ReservedQuota -= delta
	if a.ReservedQuota < 0 {
		a.ReservedQuota = 0
	}
	if a.ActiveTasks == 0 {
		a.Status = preferred
	} else {
		a.Status = agent.StatusExecuting
	}
	return agent.SyncY(a)
}

// CommitResult reports a settlement: the updated agent plus the burn split.
type CommitResult struct {
	Agent      agent.State
	BurnAmount float64
	NetPayment float64
}

// Commit releases the frozen delta and settles payment into the agent's
// balances. The quota envelope itself is unchanged: quota is a renewable
// capacity bound, not consumable stock. Burn is taken from the payment only,
// never from the pool.
func Commit(a agent.State, delta, payment, burnRate float64) CommitResult {
	if delta < 0 {
		delta = 0
	}
	if payment < 0 {
		payment = 0
	}
	if burnRate < 0 {
		burnRate = 0
	} else if burnRate > 1 {
		burnRate = 1
	}
	burnAmount := payment * burnRate
	netPayment := payment - burnAmount

	a.ActiveTasks--
	if a.ActiveTasks < 0 {
		a.ActiveTasks = 0
	}
	a.ReservedQuota -= delta
	if a.ReservedQuota < 0 {
		a.ReservedQuota = 0
	}
	a.TotalCompleted++
	if a.ActiveTasks == 0 {
		a.Status = agent.StatusIdle
	} else {
		a.Status = agent.StatusExecuting
	}
	a.TradeBalance += netPayment
	a.Balance += netPayment

	return CommitResult{Agent: agent.SyncY(a), BurnAmount: burnAmount, NetPayment: netPayment}
}

// CurvePoint is one sample of the price curve, used by observers for charts.
type CurvePoint struct {
	Y float64 `json:"y"`
	P float64 `json:"p"`
}

// CurvePoints samples P = k/y² across [yMin, yMax].
func CurvePoints(k, yMin, yMax float64, steps int) []CurvePoint {
	if steps <= 0 {
		steps = 100
	}
	points := make([]CurvePoint, 0, steps+1)
	step := (yMax - yMin) / float64(steps)
	for i := 0; i <= steps; i++ {
		y := yMin + step*float64(i)
		if y > 0 {
			points = append(points, CurvePoint{Y: y, P: k / (y * y)})
		}
	}
	return points
}
