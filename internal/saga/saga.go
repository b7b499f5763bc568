// Package saga implements the compensation half of the reservation saga:
// rolling back a task that failed after capacity had been frozen.
package saga

import (
	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/amm"
	"github.com/talgya/creditnet/internal/task"
)

const (
	// DefaultFrictionPenalty is applied when no explicit penalty is given.
	DefaultFrictionPenalty = 2.0

	scorePenalty = 0.08
)

// Result reports a completed compensation.
type Result struct {
	Agent        agent.State
	Task         task.Task
	Compensated  bool
	RefundAmount float64 // payment already captured; 0 for pre-commit aborts
}

// Abort rolls back a reserved/dispatched task: the frozen delta is released,
// failure counters and friction rise, and the score drops. An agent whose
// balance/quota ratio has fallen below its liquidation ratio is isolated
// instead of merely failed. The refund equals whatever payment
// the task had captured, which is zero before COMMIT, so early aborts never
// move money; the interface still supports late aborts.
func Abort(a agent.State, t task.Task, frictionPenalty float64) Result {
	a.TotalFailed++
	a.Status = agent.StatusFailed
	released := amm.Release(a, t.Delta, agent.StatusIdle)

	released.F = released.F + frictionPenalty
	if released.F > 10 {
		released.F = 10
	}
	released.SHat = released.SHat - scorePenalty
	if released.SHat < 0.1 {
		released.SHat = 0.1
	}

	quota := released.Quota
	if quota < 1 {
		quota = 1
	}
	if released.Balance/quota < released.LiquidationRatio {
		released.Status = agent.StatusIsolated
	}

	refund := t.Payment
	if refund < 0 {
		refund = 0
	}

	return Result{
		Agent:        released,
		Task:         task.Transition(t, task.StatusAborted),
		Compensated:  true,
		RefundAmount: refund,
	}
}
