package engine

import (
	"fmt"
	"math"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/amm"
	"github.com/talgya/creditnet/internal/bancor"
	"github.com/talgya/creditnet/internal/entropy"
	"github.com/talgya/creditnet/internal/router"
	"github.com/talgya/creditnet/internal/saga"
	"github.com/talgya/creditnet/internal/task"
)

// compensateFrictionPenalty is the friction bump applied by COMPENSATE.
const compensateFrictionPenalty = 0.8

func newTask(id string, agentID agent.ID, delta, quotedPrice, effectivePrice float64) task.Task {
	return task.Task{
		ID:             id,
		AssignedTo:     agentID,
		Status:         task.StatusInit,
		Delta:          delta,
		QuotedPrice:    quotedPrice,
		EffectivePrice: effectivePrice,
	}
}

// ExecuteAction applies one action and returns the new state plus any ledger
// entries produced. The input state is never mutated. Domain rejections are
// reflected in task status transitions and the narrative, never panics.
func ExecuteAction(state State, action Action, stepNum int) (State, []LedgerEntry) {
	next := state.Clone()
	next.RngState = entropy.Normalize(next.RngState)
	var entries []LedgerEntry

	nextRandom := func() float64 {
		seed, unit := entropy.Next(next.RngState)
		next.RngState = seed
		return unit
	}

	switch action.Type {
	case ActionComparePrices:
		prices := router.ComparePrices(next.Agents, action.Delta, action.Candidates)
		next.PriceComparison = prices
		best := math.Inf(1)
		for _, p := range prices {
			if p < best {
				best = p
			}
		}
		if math.IsInf(best, 1) {
			next.LastNarrative = "COMPARE_PRICES: no available quote"
		} else {
			next.LastNarrative = fmt.Sprintf("COMPARE_PRICES: lowest quote %.2f", best)
		}

	case ActionRoute:
		var opts router.PolicyOptions
		if action.RouteNearBestRatio != nil {
			opts.NearBestRatio = *action.RouteNearBestRatio
		}
		if action.RouteTemperature != nil {
			opts.Temperature = *action.RouteTemperature
		}
		result := router.Route(next.Agents, action.Delta, action.Candidates, nextRandom, opts)

		selected := result.Selected
		if selected == "" {
			selected = action.Target
		}
		quoted := math.Inf(1)
		effective := math.Inf(1)
		if a, ok := next.Agents[selected]; ok {
			quoted = amm.DeltaX(a, action.Delta)
			if p, ok := result.Prices[selected]; ok {
				effective = p
			}
		}
		next.upsertTask(newTask(action.TaskID, selected, action.Delta, quoted, effective))
		next.PriceComparison = result.Prices

		if selected == "" {
			next.LastNarrative = fmt.Sprintf("ROUTE: %s failed, %s", action.TaskID, result.Reason)
			break
		}
		next.LastNarrative = fmt.Sprintf("ROUTE: %s -> %s, %s", action.TaskID, selected, result.Reason)

		if a, ok := next.Agents[selected]; ok {
			p := amm.BasePrice(a)
			entries = append(entries, LedgerEntry{
				Step:        stepNum,
				AgentID:     selected,
				Action:      LedgerRoute,
				YBefore:     a.Y,
				YAfter:      a.Y,
				PriceBefore: p,
				PriceAfter:  p,
				FBefore:     a.F,
				FAfter:      a.F,
				Description: fmt.Sprintf("ROUTE %s -> %s, P_eff=%.2f | %s", action.TaskID, selected, effective, result.Reason),
			})
		}

	case ActionReserve:
		idx := next.findTask(action.TaskID)
		targetID := action.AgentID
		if idx >= 0 && next.Tasks[idx].AssignedTo != "" {
			targetID = next.Tasks[idx].AssignedTo
		}
		a, ok := next.Agents[targetID]
		if idx < 0 || !ok {
			next.LastNarrative = fmt.Sprintf("RESERVE failed: task %s or agent missing", action.TaskID)
			break
		}

		pBefore := amm.BasePrice(a)
		result := amm.Reserve(a, action.Delta)
		pAfter := amm.BasePrice(result.Agent)
		next.Agents[targetID] = result.Agent

		if !result.OK {
			next.setTaskStatus(action.TaskID, task.StatusAbort)
			next.LastNarrative = fmt.Sprintf("RESERVE failed: %s %s", targetID, result.Reason)
			break
		}

		t := next.Tasks[idx]
		t.AssignedTo = targetID
		t.Status = task.StatusReserve
		t.Delta = action.Delta
		if math.IsInf(t.QuotedPrice, 1) {
			t.QuotedPrice = amm.DeltaX(a, action.Delta)
		}
		if math.IsInf(t.EffectivePrice, 1) {
			t.EffectivePrice = amm.EffectivePrice(a, action.Delta)
		}
		next.Tasks[idx] = t

		entries = append(entries, LedgerEntry{
			Step:        stepNum,
			AgentID:     targetID,
			Action:      LedgerReserve,
			DeltaY:      result.Agent.Y - a.Y,
			YBefore:     a.Y,
			YAfter:      result.Agent.Y,
			PriceBefore: pBefore,
			PriceAfter:  pAfter,
			FBefore:     a.F,
			FAfter:      result.Agent.F,
			Description: fmt.Sprintf("RESERVE %s: froze capacity %.0f", action.TaskID, action.Delta),
		})
		next.LastNarrative = fmt.Sprintf("RESERVE ok: %s froze %.0f", targetID, action.Delta)

	case ActionDispatch:
		next.setTaskStatus(action.TaskID, task.StatusDispatch)
		next.LastNarrative = fmt.Sprintf("DISPATCH: %s executing", action.TaskID)

	case ActionFail:
		if a, ok := next.Agents[action.AgentID]; ok {
			a.Status = agent.StatusFailed
			next.Agents[action.AgentID] = a
		}
		next.setTaskStatus(action.TaskID, task.StatusAbort)
		next.LastNarrative = fmt.Sprintf("FAIL: %s failed on %s", action.TaskID, action.AgentID)

	case ActionAbort:
		next.setTaskStatus(action.TaskID, task.StatusAbort)
		next.LastNarrative = fmt.Sprintf("ABORT: %s marked for rollback", action.TaskID)

	case ActionCompensate:
		idx := next.findTask(action.TaskID)
		a, ok := next.Agents[action.AgentID]
		if idx < 0 || !ok {
			break
		}

		pBefore := amm.BasePrice(a)
		result := saga.Abort(a, next.Tasks[idx], compensateFrictionPenalty)
		pAfter := amm.BasePrice(result.Agent)
		next.Agents[action.AgentID] = result.Agent
		next.Tasks[idx] = result.Task
		next.ClientBalance += result.RefundAmount

		entries = append(entries, LedgerEntry{
			Step:         stepNum,
			AgentID:      action.AgentID,
			Action:       LedgerAbort,
			DeltaY:       result.Agent.Y - a.Y,
			DeltaBalance: result.RefundAmount,
			YBefore:      a.Y,
			YAfter:       result.Agent.Y,
			PriceBefore:  pBefore,
			PriceAfter:   pAfter,
			FBefore:      a.F,
			FAfter:       result.Agent.F,
			Description:  fmt.Sprintf("COMPENSATE %s: rolled back frozen capacity", action.TaskID),
		})
		next.LastNarrative = fmt.Sprintf("COMPENSATE: %s rolled back, refund %.2f", action.TaskID, result.RefundAmount)

	case ActionValidate:
		next.setTaskStatus(action.TaskID, task.StatusValidate)
		next.LastNarrative = fmt.Sprintf("VALIDATE: %s passed validation", action.TaskID)

	case ActionCommit:
		idx := next.findTask(action.TaskID)
		if idx < 0 {
			break
		}
		t := next.Tasks[idx]
		agentID := t.AssignedTo
		if agentID == "" {
			agentID = action.AgentID
		}
		a, ok := next.Agents[agentID]
		if !ok {
			break
		}

		payment := t.EffectivePrice
		if math.IsInf(payment, 0) || math.IsNaN(payment) {
			payment = amm.EffectivePrice(a, t.Delta)
		}
		burnRate := DefaultBurnRate
		if action.BurnRate != nil {
			burnRate = *action.BurnRate
		}

		if math.IsInf(payment, 0) || math.IsNaN(payment) || payment <= 0 || next.ClientBalance < payment {
			next.setTaskStatus(action.TaskID, task.StatusAbort)
			next.LastNarrative = fmt.Sprintf("COMMIT failed: client budget short or quote invalid (%.2f)", payment)
			break
		}

		pBefore := amm.BasePrice(a)
		committed := amm.Commit(a, t.Delta, payment, burnRate)
		scored := agent.DecayFriction(agent.UpdateScore(committed.Agent, true), 0.03)
		nextAgent := agent.SyncY(scored)
		next.Agents[agentID] = nextAgent
		next.ClientBalance -= payment
		pAfter := amm.BasePrice(nextAgent)

		t.Status = task.StatusCommitted
		t.Payment = payment
		t.Burn = committed.BurnAmount
		t.EffectivePrice = payment
		next.Tasks[idx] = t

		entries = append(entries, LedgerEntry{
			Step:         stepNum,
			AgentID:      agentID,
			Action:       LedgerCommit,
			DeltaY:       nextAgent.Y - a.Y,
			DeltaBalance: committed.NetPayment,
			YBefore:      a.Y,
			YAfter:       nextAgent.Y,
			PriceBefore:  pBefore,
			PriceAfter:   pAfter,
			FBefore:      a.F,
			FAfter:       nextAgent.F,
			Description:  fmt.Sprintf("COMMIT %s: payment=%.2f, burn=%.2f", action.TaskID, payment, committed.BurnAmount),
		})
		if committed.BurnAmount > 0 {
			entries = append(entries, LedgerEntry{
				Step:         stepNum,
				AgentID:      agentID,
				Action:       LedgerBurn,
				DeltaBalance: -committed.BurnAmount,
				YBefore:      nextAgent.Y,
				YAfter:       nextAgent.Y,
				PriceBefore:  pAfter,
				PriceAfter:   pAfter,
				FBefore:      nextAgent.F,
				FAfter:       nextAgent.F,
				Description:  fmt.Sprintf("BURN from payment: %.2f", committed.BurnAmount),
			})
		}
		next.LastNarrative = fmt.Sprintf("COMMIT ok: %s, client paid %.2f", action.TaskID, payment)

	case ActionBackpressure:
		delta := action.Delta
		if delta == 0 {
			delta = 100
		}
		current, ok := next.Agents[action.AgentID]
		if !ok {
			break
		}

		for i := 0; i < action.Count; i++ {
			next.TaskSeq++
			taskID := fmt.Sprintf("task-bp-%d", next.TaskSeq)
			quote := amm.DeltaX(current, delta)
			effective := amm.EffectivePrice(current, delta)
			next.upsertTask(newTask(taskID, action.AgentID, delta, quote, effective))

			yBefore := current.Y
			fBefore := current.F
			pBefore := amm.BasePrice(current)
			result := amm.Reserve(current, delta)
			pAfter := amm.BasePrice(result.Agent)
			current = result.Agent

			if !result.OK {
				next.setTaskStatus(taskID, task.StatusAbort)
				break
			}

			next.setTaskStatus(taskID, task.StatusDispatch)
			entries = append(entries, LedgerEntry{
				Step:        stepNum,
				AgentID:     action.AgentID,
				Action:      LedgerReserve,
				DeltaY:      current.Y - yBefore,
				YBefore:     yBefore,
				YAfter:      current.Y,
				PriceBefore: pBefore,
				PriceAfter:  pAfter,
				FBefore:     fBefore,
				FAfter:      current.F,
				Description: fmt.Sprintf("BACKPRESSURE %d/%d", i+1, action.Count),
			})
		}

		if router.ShouldOverflow(current, delta, 30_000) {
			current.Status = agent.StatusOverloaded
		}
		next.Agents[action.AgentID] = current
		next.LastNarrative = fmt.Sprintf("BACKPRESSURE: %s concurrency %d", action.AgentID, action.Count)

	case ActionOverflow:
		result := router.Route(next.Agents, action.Delta, []agent.ID{action.ToAgent}, nextRandom, router.PolicyOptions{})
		selected := result.Selected
		if selected == "" {
			selected = action.ToAgent
		}
		target, ok := next.Agents[selected]
		if !ok {
			break
		}

		quote := amm.DeltaX(target, action.Delta)
		effective := amm.EffectivePrice(target, action.Delta)
		next.upsertTask(newTask(action.TaskID, selected, action.Delta, quote, effective))

		pBefore := amm.BasePrice(target)
		reserveResult := amm.Reserve(target, action.Delta)
		next.Agents[selected] = reserveResult.Agent
		pAfter := amm.BasePrice(reserveResult.Agent)
		if reserveResult.OK {
			next.setTaskStatus(action.TaskID, task.StatusReserve)
		} else {
			next.setTaskStatus(action.TaskID, task.StatusAbort)
		}

		entries = append(entries, LedgerEntry{
			Step:        stepNum,
			AgentID:     selected,
			Action:      LedgerReserve,
			DeltaY:      reserveResult.Agent.Y - target.Y,
			YBefore:     target.Y,
			YAfter:      reserveResult.Agent.Y,
			PriceBefore: pBefore,
			PriceAfter:  pAfter,
			FBefore:     target.F,
			FAfter:      reserveResult.Agent.F,
			Description: fmt.Sprintf("OVERFLOW %s -> %s", action.FromAgent, selected),
		})

		next.PriceComparison = result.Prices
		next.LastNarrative = fmt.Sprintf("OVERFLOW: %s spilled from %s to %s", action.TaskID, action.FromAgent, selected)

	case ActionBancorSettle:
		a, ok := next.Agents[action.AgentID]
		if !ok {
			break
		}
		amount := action.Amount
		if amount < 0 {
			amount = 0
		}

		pBefore := amm.BasePrice(a)
		updated := a
		updated.Balance -= amount
		if action.SettleType == bancor.TypeTax {
			updated.TradeBalance -= amount
		} else {
			updated.TradeBalance += amount
		}
		updated = agent.SyncY(updated)
		pAfter := amm.BasePrice(updated)
		next.Agents[action.AgentID] = updated

		ledgerAction := LedgerBancorFee
		if action.SettleType == bancor.TypeTax {
			ledgerAction = LedgerBancorTax
		}
		entries = append(entries, LedgerEntry{
			Step:         stepNum,
			AgentID:      action.AgentID,
			Action:       ledgerAction,
			DeltaY:       updated.Y - a.Y,
			DeltaBalance: -amount,
			YBefore:      a.Y,
			YAfter:       updated.Y,
			PriceBefore:  pBefore,
			PriceAfter:   pAfter,
			FBefore:      a.F,
			FAfter:       updated.F,
			Description:  fmt.Sprintf("BANCOR %s: %.2f", action.SettleType, amount),
		})
		next.LastNarrative = fmt.Sprintf("BANCOR_SETTLE: %s %s %.2f", action.AgentID, action.SettleType, amount)
	}

	next.Ledger = append(next.Ledger, entries...)
	return next, entries
}

// ExecuteStep folds a list of actions into the state, in order.
func ExecuteStep(state State, actions []Action, stepNum int) State {
	current := state
	for _, action := range actions {
		current, _ = ExecuteAction(current, action, stepNum)
	}
	return current
}
