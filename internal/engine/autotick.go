package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/amm"
	"github.com/talgya/creditnet/internal/entropy"
	"github.com/talgya/creditnet/internal/task"
)

// Options configures the autonomous tick loop. Load from YAML or start from
// DefaultOptions and override.
type Options struct {
	ClearEvery            int     `yaml:"clear_every" json:"clearEvery"`
	BurnRate              float64 `yaml:"burn_rate" json:"burnRate"` // zero means DefaultBurnRate
	MinDelta              int     `yaml:"min_delta" json:"minDelta"`
	MaxDelta              int     `yaml:"max_delta" json:"maxDelta"`
	RouteNearBestRatio    float64 `yaml:"route_near_best_ratio" json:"routeNearBestRatio"`
	RouteTemperature      float64 `yaml:"route_temperature" json:"routeTemperature"`
	AdaptiveDeltaFloor    int     `yaml:"adaptive_delta_floor" json:"adaptiveDeltaFloor"`
	MaxPaymentRatio       float64 `yaml:"max_payment_ratio" json:"maxPaymentRatio"`
	BudgetRefillThreshold float64 `yaml:"budget_refill_threshold" json:"budgetRefillThreshold"`
	ArrivalBaseMin        int     `yaml:"arrival_base_min" json:"arrivalBaseMin"`
	ArrivalBaseMax        int     `yaml:"arrival_base_max" json:"arrivalBaseMax"`
	ArrivalBurstProb      float64 `yaml:"arrival_burst_prob" json:"arrivalBurstProb"`
	ArrivalBurstMin       int     `yaml:"arrival_burst_min" json:"arrivalBurstMin"`
	ArrivalBurstMax       int     `yaml:"arrival_burst_max" json:"arrivalBurstMax"`
	ProcessingDelayMin    int     `yaml:"processing_delay_min" json:"processingDelayMin"`
	ProcessingDelayMax    int     `yaml:"processing_delay_max" json:"processingDelayMax"`
	SuspendArrivals       bool    `yaml:"suspend_arrivals" json:"suspendArrivals"` // drain-only diagnostic runs
}

// DefaultOptions returns the stock tick policy.
func DefaultOptions() Options {
	return Options{
		ClearEvery:         5,
		BurnRate:           DefaultBurnRate,
		MinDelta:           40,
		MaxDelta:           160,
		RouteTemperature:   0.08,
		MaxPaymentRatio:    1,
		ArrivalBaseMin:     2,
		ArrivalBaseMax:     3,
		ArrivalBurstProb:   0.18,
		ArrivalBurstMin:    2,
		ArrivalBurstMax:    4,
		ProcessingDelayMin: 1,
		ProcessingDelayMax: 3,
	}
}

func (o Options) normalized() Options {
	if o.ClearEvery <= 0 {
		o.ClearEvery = 5
	}
	if o.BurnRate <= 0 {
		o.BurnRate = DefaultBurnRate
	} else if o.BurnRate > 1 {
		o.BurnRate = 1
	}
	if o.MinDelta <= 0 {
		o.MinDelta = 40
	}
	if o.MaxDelta < o.MinDelta {
		o.MaxDelta = o.MinDelta
	}
	if o.RouteNearBestRatio < 0 {
		o.RouteNearBestRatio = 0
	} else if o.RouteNearBestRatio > 1 {
		o.RouteNearBestRatio = 1
	}
	if o.RouteTemperature < 1e-6 {
		o.RouteTemperature = 1e-6
	}
	if o.AdaptiveDeltaFloor < 0 {
		o.AdaptiveDeltaFloor = 0
	}
	if o.MaxPaymentRatio <= 0 {
		o.MaxPaymentRatio = 1
	} else if o.MaxPaymentRatio < 0.05 {
		o.MaxPaymentRatio = 0.05
	} else if o.MaxPaymentRatio > 1 {
		o.MaxPaymentRatio = 1
	}
	if o.BudgetRefillThreshold < 0 {
		o.BudgetRefillThreshold = 0
	}
	if o.ArrivalBaseMin < 1 {
		o.ArrivalBaseMin = 1
	}
	if o.ArrivalBaseMax < o.ArrivalBaseMin {
		o.ArrivalBaseMax = o.ArrivalBaseMin
	}
	if o.ArrivalBurstProb < 0 {
		o.ArrivalBurstProb = 0
	} else if o.ArrivalBurstProb > 1 {
		o.ArrivalBurstProb = 1
	}
	if o.ArrivalBurstMin < 0 {
		o.ArrivalBurstMin = 0
	}
	if o.ArrivalBurstMax < o.ArrivalBurstMin {
		o.ArrivalBurstMax = o.ArrivalBurstMin
	}
	if o.ProcessingDelayMin < 1 {
		o.ProcessingDelayMin = 1
	}
	if o.ProcessingDelayMax < o.ProcessingDelayMin {
		o.ProcessingDelayMax = o.ProcessingDelayMin
	}
	return o
}

// inFlightBatchLimit bounds in-flight progression per tick.
const inFlightBatchLimit = 8

// Tick-finalization constants.
const (
	tickFrictionDecay = 0.06
	unIsolateFriction = 3.2
)

func sampleProcessingDelay(a agent.State, rng *entropy.Stream, minDelay, maxDelay int) int {
	base := rng.IntBetween(minDelay, maxDelay)
	penalty := 0
	if a.F > 5 {
		penalty = 2
	} else if a.F > 3 {
		penalty = 1
	}
	delay := base + penalty
	if delay < 1 {
		delay = 1
	}
	return delay
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// evaluateTaskOutput is the synthetic validator: outcome probabilities are
// functions of the agent's score and friction. Reason precedence is fixed:
// timeout > tool_error > schema_mismatch > low_score > pass. The tool-error
// draw is skipped on timeout, so the RNG consumption is reproducible.
func evaluateTaskOutput(a agent.State, rng *entropy.Stream, tickNum int) task.ValidationResult {
	schemaProb := clampFloat(0.58+a.SHat*0.36-a.F*0.05, 0.18, 0.98)
	timeoutProb := clampFloat(0.02+a.F*0.045+(1-a.SHat)*0.12, 0.01, 0.88)
	toolErrorProb := clampFloat(0.015+a.F*0.035, 0.01, 0.72)

	scoreRaw := a.SHat*100 - a.F*4.2 + (rng.Float()-0.5)*20
	score := math.Round(clampFloat(scoreRaw, 0, 100)*10) / 10
	schema := rng.Float() < schemaProb
	timeout := rng.Float() < timeoutProb
	toolError := !timeout && rng.Float() < toolErrorProb

	reason := task.ReasonPass
	switch {
	case timeout:
		reason = task.ReasonTimeout
	case toolError:
		reason = task.ReasonToolError
	case !schema:
		reason = task.ReasonSchemaMismatch
	case score < 60:
		reason = task.ReasonLowScore
	}

	return task.ValidationResult{
		Schema:        schema,
		Score:         score,
		ToolError:     toolError,
		Timeout:       timeout,
		Passed:        reason == task.ReasonPass,
		Reason:        reason,
		EvaluatedTick: tickNum,
	}
}

type arrivalPlan struct {
	count int
	burst int
}

func sampleArrivals(rng *entropy.Stream, opts Options) arrivalPlan {
	base := rng.IntBetween(opts.ArrivalBaseMin, opts.ArrivalBaseMax)
	burst := 0
	if rng.Float() < opts.ArrivalBurstProb {
		burst = rng.IntBetween(opts.ArrivalBurstMin, opts.ArrivalBurstMax)
	}
	return arrivalPlan{count: base + burst, burst: burst}
}

func taskPaymentEstimate(a agent.State, t task.Task) float64 {
	if !math.IsInf(t.EffectivePrice, 0) && !math.IsNaN(t.EffectivePrice) {
		return t.EffectivePrice
	}
	return amm.EffectivePrice(a, t.Delta)
}

func isAffordable(clientBalance, payment float64) bool {
	return !math.IsInf(payment, 0) && !math.IsNaN(payment) && payment > 0 && clientBalance >= payment
}

// diversificationGuardWindow is how many recent ROUTE events are inspected.
const diversificationGuardWindow = 24

// applyDiversificationGuard is the anti-monopoly control loop layered on top
// of price routing: when one candidate's share of recent routes exceeds its
// fair share by enough, it is probabilistically excluded from this arrival's
// pool. With a non-stochastic route policy (ratio 0) a dominant share of 0.6
// or more forces exclusion outright.
func applyDiversificationGuard(state *State, candidates []agent.ID, routeNearBestRatio float64, rng *entropy.Stream) []agent.ID {
	if len(candidates) <= 1 {
		return candidates
	}

	candidateSet := make(map[agent.ID]bool, len(candidates))
	for _, id := range candidates {
		candidateSet[id] = true
	}

	var recent []agent.ID
	for _, entry := range state.Ledger {
		if entry.Action == LedgerRoute && candidateSet[entry.AgentID] {
			recent = append(recent, entry.AgentID)
		}
	}
	if len(recent) > diversificationGuardWindow {
		recent = recent[len(recent)-diversificationGuardWindow:]
	}
	minSamples := 2 * len(candidates)
	if minSamples < 6 {
		minSamples = 6
	}
	if len(recent) < minSamples {
		return candidates
	}

	counts := make(map[agent.ID]int, len(candidates))
	for _, id := range recent {
		counts[id]++
	}

	var dominant agent.ID
	dominantCount := 0
	for _, id := range candidates {
		if counts[id] > dominantCount {
			dominant = id
			dominantCount = counts[id]
		}
	}
	if dominant == "" {
		return candidates
	}

	diversified := make([]agent.ID, 0, len(candidates)-1)
	for _, id := range candidates {
		if id != dominant {
			diversified = append(diversified, id)
		}
	}
	if len(diversified) == 0 {
		return candidates
	}

	expectedShare := 1 / float64(len(candidates))
	dominantShare := float64(dominantCount) / float64(len(recent))
	if dominantShare <= expectedShare+1e-9 {
		return candidates
	}

	relativeShare := dominantShare / expectedShare
	overshoot := (relativeShare - 1) / relativeShare
	if routeNearBestRatio <= 0 && dominantShare >= 0.6 {
		return diversified
	}
	weight := routeNearBestRatio
	if weight < 0.2 {
		weight = 0.2
	}
	diversifyProb := clampFloat(overshoot*(1+weight), 0, 0.98)
	if rng.Float() >= diversifyProb {
		return candidates
	}
	return diversified
}

// ExecuteAutoTick advances one autonomous tick: progresses in-flight tasks,
// samples and routes new arrivals, decays friction, and triggers periodic
// clearing. The returned state carries the tick's narrative summary.
func ExecuteAutoTick(state State, stepNum int, opts Options) State {
	o := opts.normalized()
	tickNum := state.Tick + 1

	candidates := make([]agent.ID, 0, len(state.Agents))
	for id := range state.Agents {
		candidates = append(candidates, id)
	}
	sort.Strings(candidates)
	if len(candidates) == 0 {
		return state
	}

	current := state.Clone()
	current.RngState = entropy.Normalize(current.RngState)

	rng := &entropy.Stream{State: current.RngState}
	syncRng := func() { current.RngState = rng.State }

	abortAndCompensate := func(taskID string, agentID agent.ID, delta float64) {
		current, _ = ExecuteAction(current, Action{Type: ActionAbort, TaskID: taskID, AgentID: agentID}, stepNum)
		current, _ = ExecuteAction(current, Action{Type: ActionCompensate, TaskID: taskID, AgentID: agentID, Delta: delta}, stepNum)
		rng.State = current.RngState
	}
	failAbortAndCompensate := func(taskID string, agentID agent.ID, delta float64) {
		current, _ = ExecuteAction(current, Action{Type: ActionFail, TaskID: taskID, AgentID: agentID}, stepNum)
		abortAndCompensate(taskID, agentID, delta)
	}

	settledCount := 0
	failedCount := 0
	waitingCount := 0

	// Progress in-flight tasks first; only DISPATCH tasks whose delay has
	// elapsed are evaluated.
	var inflight []task.Task
	for _, t := range current.Tasks {
		if task.InFlight(t.Status) {
			inflight = append(inflight, t)
			if len(inflight) >= inFlightBatchLimit {
				break
			}
		}
	}

	for _, t := range inflight {
		if t.AssignedTo == "" {
			continue
		}
		agentID := t.AssignedTo
		a, ok := current.Agents[agentID]
		if !ok {
			continue
		}

		if t.Status == task.StatusReserve {
			current, _ = ExecuteAction(current, Action{Type: ActionDispatch, TaskID: t.ID, AgentID: agentID}, stepNum)
			rng.State = current.RngState
			readyTick := tickNum + sampleProcessingDelay(a, rng, o.ProcessingDelayMin, o.ProcessingDelayMax)
			syncRng()
			if i := current.findTask(t.ID); i >= 0 {
				current.Tasks[i].DispatchTick = tickNum
				current.Tasks[i].ReadyTick = readyTick
				current.Tasks[i].Validator = nil
			}
			waitingCount++
			continue
		}

		if t.Status == task.StatusValidate {
			if !isAffordable(current.ClientBalance, taskPaymentEstimate(a, t)) {
				abortAndCompensate(t.ID, agentID, t.Delta)
				failedCount++
				continue
			}
			burnRate := o.BurnRate
			current, _ = ExecuteAction(current, Action{Type: ActionCommit, TaskID: t.ID, AgentID: agentID, BurnRate: &burnRate}, stepNum)
			rng.State = current.RngState
			if i := current.findTask(t.ID); i < 0 || current.Tasks[i].Status != task.StatusCommitted {
				abortAndCompensate(t.ID, agentID, t.Delta)
				failedCount++
			} else {
				settledCount++
			}
			continue
		}

		// DISPATCH: backfill scheduling fields left unset by manual actions.
		dispatchTick := t.DispatchTick
		readyTick := t.ReadyTick
		if dispatchTick == 0 {
			dispatchTick = tickNum - 1
			if dispatchTick < 0 {
				dispatchTick = 0
			}
		}
		if readyTick == 0 {
			readyTick = dispatchTick + 1
		}
		if t.DispatchTick == 0 || t.ReadyTick == 0 {
			if i := current.findTask(t.ID); i >= 0 {
				current.Tasks[i].DispatchTick = dispatchTick
				current.Tasks[i].ReadyTick = readyTick
			}
		}

		if tickNum < readyTick {
			waitingCount++
			continue
		}

		latest, ok := current.Agents[agentID]
		if !ok {
			continue
		}
		if !isAffordable(current.ClientBalance, taskPaymentEstimate(latest, t)) {
			abortAndCompensate(t.ID, agentID, t.Delta)
			failedCount++
			continue
		}

		verdict := evaluateTaskOutput(latest, rng, tickNum)
		syncRng()
		if i := current.findTask(t.ID); i >= 0 {
			v := verdict
			current.Tasks[i].Validator = &v
		}

		if !verdict.Passed {
			failAbortAndCompensate(t.ID, agentID, t.Delta)
			failedCount++
			continue
		}

		current, _ = ExecuteAction(current, Action{Type: ActionValidate, TaskID: t.ID, AgentID: agentID}, stepNum)
		burnRate := o.BurnRate
		current, _ = ExecuteAction(current, Action{Type: ActionCommit, TaskID: t.ID, AgentID: agentID, BurnRate: &burnRate}, stepNum)
		rng.State = current.RngState

		if i := current.findTask(t.ID); i < 0 || current.Tasks[i].Status != task.StatusCommitted {
			abortAndCompensate(t.ID, agentID, t.Delta)
			failedCount++
			continue
		}
		settledCount++
	}

	plan := arrivalPlan{}
	if !o.SuspendArrivals {
		plan = sampleArrivals(rng, o)
		syncRng()
	}

	dispatchedCount := 0
	budgetSkipped := 0
	capacitySkipped := 0
	routeFailed := 0
	reserveFailed := 0

	ticksUntilClear := o.ClearEvery
	if phaseInCycle := stepNum % o.ClearEvery; phaseInCycle != 0 {
		ticksUntilClear = o.ClearEvery - phaseInCycle
	}

	for i := 0; i < plan.count; i++ {
		current.TaskSeq++
		taskID := fmt.Sprintf("auto-%d-%d", tickNum, current.TaskSeq)
		baseDelta := rng.IntBetween(o.MinDelta, o.MaxDelta)
		syncRng()

		// Adaptive search over shrinking deltas until enough candidates can
		// afford the task; a degenerate delta of 1 is always the last resort.
		adaptiveDeltas := []int{baseDelta}
		if o.AdaptiveDeltaFloor > 0 && o.AdaptiveDeltaFloor < baseDelta {
			for _, candidate := range []int{
				maxInt(o.AdaptiveDeltaFloor, baseDelta*3/4),
				maxInt(o.AdaptiveDeltaFloor, baseDelta/2),
				o.AdaptiveDeltaFloor,
			} {
				if !containsInt(adaptiveDeltas, candidate) {
					adaptiveDeltas = append(adaptiveDeltas, candidate)
				}
			}
		}
		if !containsInt(adaptiveDeltas, 1) {
			adaptiveDeltas = append(adaptiveDeltas, 1)
		}

		// Pace spending so the budget survives until the next clearing.
		epochPacingCap := current.ClientBalance / float64(maxInt(1, ticksUntilClear))
		paymentCap := current.ClientBalance * o.MaxPaymentRatio
		if epochPacingCap < paymentCap {
			paymentCap = epochPacingCap
		}
		if paymentCap < 0 {
			paymentCap = 0
		}

		dispatchDelta := baseDelta
		var affordable []agent.ID
		var bestAffordable []agent.ID
		var bestFinite []agent.ID
		bestDelta := baseDelta

		for _, candidateDelta := range adaptiveDeltas {
			current, _ = ExecuteAction(current, Action{Type: ActionComparePrices, Candidates: candidates, Delta: float64(candidateDelta)}, stepNum)
			rng.State = current.RngState

			var finite, currentAffordable []agent.ID
			for _, id := range candidates {
				price, ok := current.PriceComparison[id]
				if !ok {
					continue
				}
				if !math.IsInf(price, 0) && !math.IsNaN(price) {
					finite = append(finite, id)
				}
				if isAffordable(current.ClientBalance, price) && price <= paymentCap+1e-9 {
					currentAffordable = append(currentAffordable, id)
				}
			}
			if len(finite) > len(bestFinite) {
				bestFinite = finite
			}
			if len(currentAffordable) > 0 {
				if len(currentAffordable) > len(bestAffordable) {
					bestDelta = candidateDelta
					bestAffordable = currentAffordable
				}
				if len(currentAffordable) >= 2 {
					dispatchDelta = candidateDelta
					affordable = currentAffordable
					break
				}
			}
		}
		if len(affordable) == 0 && len(bestAffordable) > 0 {
			dispatchDelta = bestDelta
			affordable = bestAffordable
		}

		affordable = applyDiversificationGuard(&current, affordable, o.RouteNearBestRatio, rng)
		syncRng()

		if len(affordable) == 0 {
			if len(bestFinite) > 0 {
				budgetSkipped++
			} else {
				capacitySkipped++
			}
			continue
		}

		ratio := o.RouteNearBestRatio
		temperature := o.RouteTemperature
		current, _ = ExecuteAction(current, Action{
			Type:               ActionRoute,
			TaskID:             taskID,
			Delta:              float64(dispatchDelta),
			Candidates:         affordable,
			RouteNearBestRatio: &ratio,
			RouteTemperature:   &temperature,
		}, stepNum)
		rng.State = current.RngState

		routedIdx := current.findTask(taskID)
		if routedIdx < 0 || current.Tasks[routedIdx].AssignedTo == "" {
			routeFailed++
			continue
		}
		agentID := current.Tasks[routedIdx].AssignedTo

		current, _ = ExecuteAction(current, Action{Type: ActionReserve, TaskID: taskID, AgentID: agentID, Delta: float64(dispatchDelta)}, stepNum)
		rng.State = current.RngState
		if i := current.findTask(taskID); i < 0 || current.Tasks[i].Status != task.StatusReserve {
			reserveFailed++
			continue
		}

		current, _ = ExecuteAction(current, Action{Type: ActionDispatch, TaskID: taskID, AgentID: agentID}, stepNum)
		rng.State = current.RngState

		dispatchAgent, ok := current.Agents[agentID]
		if !ok {
			abortAndCompensate(taskID, agentID, float64(dispatchDelta))
			reserveFailed++
			continue
		}

		readyTick := tickNum + sampleProcessingDelay(dispatchAgent, rng, o.ProcessingDelayMin, o.ProcessingDelayMax)
		syncRng()
		if i := current.findTask(taskID); i >= 0 {
			current.Tasks[i].DispatchTick = tickNum
			current.Tasks[i].ReadyTick = readyTick
			current.Tasks[i].Validator = nil
		}
		dispatchedCount++
		waitingCount++
	}

	summary := fmt.Sprintf(
		"AUTO TICK %d: arrivals=%d, burst=%d, dispatched=%d, settled=%d, failed=%d, waiting=%d, budgetSkipped=%d, capacitySkipped=%d, routeFailed=%d, reserveFailed=%d",
		tickNum, plan.count, plan.burst, dispatchedCount, settledCount, failedCount, waitingCount,
		budgetSkipped, capacitySkipped, routeFailed, reserveFailed,
	)
	return finalizeTick(current, summary, stepNum, tickNum, o)
}

// finalizeTick decays friction network-wide, un-isolates recovered agents,
// and runs clearing plus budget refill on cycle boundaries.
func finalizeTick(current State, narrative string, stepNum, tickNum int, o Options) State {
	for id, a := range current.Agents {
		decayed := agent.SyncY(agent.DecayFriction(a, tickFrictionDecay))
		if decayed.Status == agent.StatusIsolated && decayed.F < unIsolateFriction {
			decayed.Status = agent.StatusIdle
		}
		current.Agents[id] = decayed
	}

	if stepNum%o.ClearEvery == 0 {
		current = ApplyPeriodicClearing(current, stepNum)
		if o.BudgetRefillThreshold > 0 && current.ClientBalance < o.BudgetRefillThreshold {
			refill := o.BudgetRefillThreshold - current.ClientBalance
			current.ClientBalance += refill
			narrative = fmt.Sprintf("%s | BUDGET_REFILL +%.0f", narrative, refill)
		}
	}

	current.LastNarrative = narrative
	current.Tick = tickNum
	current.Phase = stepNum
	return current
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
