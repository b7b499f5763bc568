// Package agent defines the per-node state of a credit-network worker pool:
// capacity accounting, AMM pricing inputs, quality signals, and settlement
// balances. All transforms are value-based: they return a new State and
// never mutate in place, so callers can snapshot freely.
package agent

// ID identifies an agent within a simulation.
type ID = string

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusExecuting  Status = "executing"
	StatusFailed     Status = "failed"
	StatusOverloaded Status = "overloaded"
	StatusIsolated   Status = "isolated"
)

// State is one worker pool. The shadow pool size Y is derived bookkeeping:
// it must equal max(1, Quota-ReservedQuota) at all times, re-synchronized via
// SyncY after every mutation.
type State struct {
	ID    ID     `json:"id"`
	Label string `json:"label"`

	// Capacity accounting.
	Quota         float64 `json:"quota"`         // total grantable capacity envelope
	ReservedQuota float64 `json:"reservedQuota"` // frozen by in-flight tasks
	Y             float64 `json:"y"`             // max(1, quota - reservedQuota)
	Capacity      int     `json:"capacity"`      // concurrency slots
	ActiveTasks   int     `json:"activeTasks"`

	// Pricing.
	K float64 `json:"k"` // AMM constant, P = K/y²

	// Quality signals.
	F    float64 `json:"f"`     // friction, clamped to [0, 10]
	SHat float64 `json:"s_hat"` // normalized score, clamped to [0.1, 1.5]

	// Economics.
	Balance          float64 `json:"balance"`          // settled funds
	TradeBalance     float64 `json:"tradeBalance"`     // net flow tracked by clearing
	LiquidationRatio float64 `json:"liquidationRatio"` // balance/quota floor before isolation

	TotalCompleted int `json:"totalCompleted"`
	TotalFailed    int `json:"totalFailed"`

	Status Status `json:"status"`
}

// Baseline parameters for a freshly provisioned pool.
const (
	BaseQuota            = 1000.0
	BaseK                = 100_000_000.0
	BaseCapacity         = 5
	BaseBalance          = 10_000.0
	BaseLiquidationRatio = -0.25
)

// New creates an agent at baseline: full quota, no friction, perfect score.
func New(id ID, label string) State {
	a := State{
		ID:               id,
		Label:            label,
		Quota:            BaseQuota,
		K:                BaseK,
		SHat:             1.0,
		Capacity:         BaseCapacity,
		Balance:          BaseBalance,
		LiquidationRatio: BaseLiquidationRatio,
		Status:           StatusIdle,
	}
	return SyncY(a)
}

// SyncY re-derives the shadow pool size from the quota bookkeeping.
func SyncY(a State) State {
	available := a.Quota - a.ReservedQuota
	if available < 0 {
		available = 0
	}
	a.Y = available
	if a.Y < 1 {
		a.Y = 1
	}
	return a
}

// FreeQuota returns the unreserved part of the quota envelope, floored at 0.
func (a State) FreeQuota() float64 {
	free := a.Quota - a.ReservedQuota
	if free < 0 {
		return 0
	}
	return free
}

// Outcomes is the number of completed plus failed tasks, the experience
// measure used by cold-start pricing and clearing grace periods.
func (a State) Outcomes() int {
	return a.TotalCompleted + a.TotalFailed
}

// Utilization returns ActiveTasks/Capacity, or 1 for a zero-capacity pool.
func (a State) Utilization() float64 {
	if a.Capacity <= 0 {
		return 1
	}
	return float64(a.ActiveTasks) / float64(a.Capacity)
}
