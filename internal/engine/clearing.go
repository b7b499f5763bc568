package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/talgya/creditnet/internal/amm"
	"github.com/talgya/creditnet/internal/bancor"
)

// ApplyPeriodicClearing runs the Bancor clearing pass over every agent and
// appends the resulting tax/fee/liquidation ledger entries. It is invoked by
// the tick loop every clearEvery steps but is independently callable.
func ApplyPeriodicClearing(state State, stepNum int) State {
	next := state.Clone()
	settled := bancor.Settle(next.Agents, bancor.Params{})

	ids := make([]string, 0, len(settled))
	for id := range settled {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var entries []LedgerEntry
	var narrativeParts []string

	for _, id := range ids {
		result := settled[id]
		before, ok := next.Agents[id]
		if !ok {
			continue
		}
		next.Agents[id] = result.Agent

		if result.Type == bancor.TypeNone && math.Abs(result.Adjustment) < 1e-9 {
			continue
		}

		if result.Type == bancor.TypeLiquidate {
			entries = append(entries, LedgerEntry{
				Step:        stepNum,
				AgentID:     id,
				Action:      LedgerLiquidate,
				DeltaY:      result.Agent.Y - before.Y,
				DeltaQuota:  result.Agent.Quota - before.Quota,
				YBefore:     before.Y,
				YAfter:      result.Agent.Y,
				PriceBefore: amm.BasePrice(before),
				PriceAfter:  amm.BasePrice(result.Agent),
				FBefore:     before.F,
				FAfter:      result.Agent.F,
				Description: fmt.Sprintf("LIQUIDATE: %s", result.Reason),
			})
			narrativeParts = append(narrativeParts, id+":LIQUIDATE")
			continue
		}

		ledgerAction := LedgerBancorFee
		if result.Type == bancor.TypeTax {
			ledgerAction = LedgerBancorTax
		}
		entries = append(entries, LedgerEntry{
			Step:         stepNum,
			AgentID:      id,
			Action:       ledgerAction,
			DeltaY:       result.Agent.Y - before.Y,
			DeltaBalance: result.Adjustment,
			YBefore:      before.Y,
			YAfter:       result.Agent.Y,
			PriceBefore:  amm.BasePrice(before),
			PriceAfter:   amm.BasePrice(result.Agent),
			FBefore:      before.F,
			FAfter:       result.Agent.F,
			Description:  fmt.Sprintf("CLEARING %s: %.2f", result.Type, math.Abs(result.Adjustment)),
		})
		narrativeParts = append(narrativeParts, fmt.Sprintf("%s:%s", id, result.Type))
	}

	next.Ledger = append(next.Ledger, entries...)
	if len(narrativeParts) > 0 {
		next.LastNarrative = "Periodic clearing -> " + strings.Join(narrativeParts, ", ")
	}
	return next
}
