package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicClearingNoopOnBalancedNetwork(t *testing.T) {
	state := NewState(DefaultSeed)
	state.LastNarrative = "before clearing"

	next := ApplyPeriodicClearing(state, 5)

	assert.Empty(t, next.Ledger)
	assert.Equal(t, "before clearing", next.LastNarrative)
	assert.Equal(t, state.Agents, next.Agents)
}

func TestPeriodicClearingTaxesSurplus(t *testing.T) {
	state := NewState(DefaultSeed)
	for _, id := range []string{"A", "B", "C"} {
		a := state.Agents[id]
		a.TotalCompleted = 10
		state.Agents[id] = a
	}
	a := state.Agents["A"]
	a.TradeBalance = 5000
	state.Agents["A"] = a

	next := ApplyPeriodicClearing(state, 10)

	require.NotEmpty(t, next.Ledger)
	var taxed, feed bool
	for _, entry := range next.Ledger {
		assert.Equal(t, 10, entry.Step)
		switch entry.Action {
		case LedgerBancorTax:
			taxed = true
			assert.Equal(t, "A", entry.AgentID)
			assert.Negative(t, entry.DeltaBalance)
		case LedgerBancorFee:
			feed = true
			assert.Negative(t, entry.DeltaBalance)
		}
	}
	assert.True(t, taxed, "expected a surplus tax on A")
	assert.True(t, feed, "expected entry fees on the deficit side")

	assert.Less(t, next.Agents["A"].Balance, state.Agents["A"].Balance)
	assert.Less(t, next.Agents["A"].TradeBalance, 5000.0)
	assert.Greater(t, next.Agents["B"].TradeBalance, 0.0)
	assert.Contains(t, next.LastNarrative, "Periodic clearing ->")
	assert.Contains(t, next.LastNarrative, "A:TAX")

	// Input state untouched.
	assert.Empty(t, state.Ledger)
}
