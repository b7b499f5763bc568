package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/amm"
	"github.com/talgya/creditnet/internal/task"
)

func reservedAgent(t *testing.T, delta float64) agent.State {
	t.Helper()
	result := amm.Reserve(agent.New("B", "Agent-B"), delta)
	require.True(t, result.OK)
	return result.Agent
}

func TestAbortRollsBackReservation(t *testing.T) {
	a := reservedAgent(t, 100)
	tk := task.Task{ID: "task-1", AssignedTo: "B", Status: task.StatusAbort, Delta: 100}

	result := Abort(a, tk, DefaultFrictionPenalty)

	next := result.Agent
	assert.Equal(t, 0.0, next.ReservedQuota)
	assert.Equal(t, 0, next.ActiveTasks)
	assert.Equal(t, 1000.0, next.Y)
	assert.Equal(t, 1, next.TotalFailed)
	assert.InDelta(t, 2.0, next.F, 1e-12)
	assert.InDelta(t, 0.92, next.SHat, 1e-12)
	assert.Equal(t, agent.StatusIdle, next.Status)

	assert.True(t, result.Compensated)
	assert.Equal(t, 0.0, result.RefundAmount)
	assert.Equal(t, task.StatusAborted, result.Task.Status)
}

func TestAbortClampsFrictionAndScore(t *testing.T) {
	a := reservedAgent(t, 100)
	a.F = 9.5
	a.SHat = 0.12

	result := Abort(a, task.Task{ID: "t", Delta: 100}, DefaultFrictionPenalty)
	assert.Equal(t, 10.0, result.Agent.F)
	assert.Equal(t, 0.1, result.Agent.SHat)
}

func TestAbortIsolatesOnFinancialStress(t *testing.T) {
	a := reservedAgent(t, 100)
	a.Balance = -500 // balance/quota = -0.5, below the -0.25 liquidation ratio

	result := Abort(a, task.Task{ID: "t", Delta: 100}, DefaultFrictionPenalty)
	assert.Equal(t, agent.StatusIsolated, result.Agent.Status)
}

func TestAbortRefundsCapturedPayment(t *testing.T) {
	a := reservedAgent(t, 100)
	result := Abort(a, task.Task{ID: "t", Delta: 100, Payment: 250}, DefaultFrictionPenalty)
	assert.Equal(t, 250.0, result.RefundAmount)

	negative := Abort(reservedAgent(t, 100), task.Task{ID: "t", Delta: 100, Payment: -10}, DefaultFrictionPenalty)
	assert.Equal(t, 0.0, negative.RefundAmount)
}

func TestAbortCustomPenalty(t *testing.T) {
	a := reservedAgent(t, 100)
	result := Abort(a, task.Task{ID: "t", Delta: 100}, 0.8)
	assert.InDelta(t, 0.8, result.Agent.F, 1e-12)
}
