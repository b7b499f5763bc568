// Package bancor implements the periodic network-wide clearing pass: a tax
// on pools whose trade balance runs a surplus beyond a dispersion-adaptive
// threshold, a rebalancing fee on pools running a deficit (with a grace
// period for new pools), and threshold liquidation of chronically insolvent
// pools. Liquidation degrades a pool permanently but never removes it.
package bancor

import (
	"math"
	"sort"

	"github.com/talgya/creditnet/internal/agent"
)

// ResultType classifies what clearing did to one agent.
type ResultType string

const (
	TypeTax       ResultType = "TAX"
	TypeFee       ResultType = "FEE"
	TypeLiquidate ResultType = "LIQUIDATE"
	TypeNone      ResultType = "NONE"
)

// Params tunes the clearing pass. Zero values fall back to defaults.
type Params struct {
	SurplusTaxRate          float64 `yaml:"surplus_tax_rate"`
	DeficitFeeRate          float64 `yaml:"deficit_fee_rate"`
	Threshold               float64 `yaml:"threshold"`
	LiquidationBalanceFloor float64 `yaml:"liquidation_balance_floor"`
	LiquidationRatioFloor   float64 `yaml:"liquidation_ratio_floor"`
}

// DefaultParams returns the whitepaper-style defaults.
func DefaultParams() Params {
	return Params{
		SurplusTaxRate:          0.008,
		DeficitFeeRate:          0.01,
		Threshold:               220,
		LiquidationBalanceFloor: -3000,
		LiquidationRatioFloor:   -0.1,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.SurplusTaxRate == 0 {
		p.SurplusTaxRate = d.SurplusTaxRate
	}
	if p.DeficitFeeRate == 0 {
		p.DeficitFeeRate = d.DeficitFeeRate
	}
	if p.Threshold == 0 {
		p.Threshold = d.Threshold
	}
	if p.LiquidationBalanceFloor == 0 {
		p.LiquidationBalanceFloor = d.LiquidationBalanceFloor
	}
	if p.LiquidationRatioFloor == 0 {
		p.LiquidationRatioFloor = d.LiquidationRatioFloor
	}
	return p
}

// Result is the outcome of clearing for a single agent. Adjustment is the
// signed balance delta (always ≤ 0).
type Result struct {
	Agent      agent.State
	Adjustment float64
	Type       ResultType
	Reason     string
}

// Settle runs the clearing pass over the whole network. Deviation is
// measured from the mean trade balance; the working threshold adapts to the
// current dispersion (mean absolute deviation) rather than staying a fixed
// constant. A single-agent network always clears to NONE: deviation from the
// self-mean is zero.
func Settle(agents map[agent.ID]agent.State, params Params) map[agent.ID]Result {
	p := params.withDefaults()
	results := make(map[agent.ID]Result, len(agents))
	if len(agents) == 0 {
		return results
	}

	// Accumulate in a fixed order: float addition is not associative, and
	// replays must be byte-identical.
	ids := make([]agent.ID, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	mean := 0.0
	for _, id := range ids {
		mean += agents[id].TradeBalance
	}
	mean /= float64(len(agents))

	avgAbsDeviation := 0.0
	for _, id := range ids {
		avgAbsDeviation += math.Abs(agents[id].TradeBalance - mean)
	}
	avgAbsDeviation /= float64(len(agents))

	dynamicThreshold := p.Threshold
	if adaptive := avgAbsDeviation * 0.45; adaptive > dynamicThreshold {
		dynamicThreshold = adaptive
	}

	for _, id := range ids {
		a := agents[id]
		deviation := a.TradeBalance - mean
		outcomes := a.Outcomes()

		// New pools get a wider deficit band while they warm up.
		deficitThreshold := dynamicThreshold
		switch {
		case outcomes < 4:
			deficitThreshold = dynamicThreshold * 2.5
		case outcomes < 10:
			deficitThreshold = dynamicThreshold * 1.5
		}

		resultType := TypeNone
		charge := 0.0
		reason := "within threshold"

		if deviation > dynamicThreshold {
			charge = (deviation - dynamicThreshold) * p.SurplusTaxRate
			resultType = TypeTax
			reason = "surplus over threshold"
		} else if deviation < -deficitThreshold {
			charge = (math.Abs(deviation) - deficitThreshold) * p.DeficitFeeRate
			resultType = TypeFee
			reason = "deficit over threshold (with startup grace)"
		}

		next := a
		next.Balance -= charge
		switch resultType {
		case TypeTax:
			next.TradeBalance -= charge
		case TypeFee:
			next.TradeBalance += charge
		}
		next = agent.SyncY(next)

		quota := next.Quota
		if quota < 1 {
			quota = 1
		}
		healthRatio := next.Balance / quota
		shouldLiquidate := next.Status != agent.StatusIsolated &&
			outcomes >= 6 &&
			(next.Balance < p.LiquidationBalanceFloor || healthRatio < p.LiquidationRatioFloor)

		if shouldLiquidate {
			haircut := math.Floor(next.Quota * 0.1)
			if haircut < 10 {
				haircut = 10
			}
			quotaAfter := next.Quota - haircut
			if quotaAfter < 100 {
				quotaAfter = 100
			}
			next.Quota = quotaAfter
			if next.ReservedQuota > quotaAfter {
				next.ReservedQuota = quotaAfter
			}
			next.Status = agent.StatusIsolated
			next.F = next.F + 1.5
			if next.F > 10 {
				next.F = 10
			}
			next = agent.SyncY(next)
			resultType = TypeLiquidate
			reason = "liquidation threshold breached"
		}

		results[id] = Result{
			Agent:      next,
			Adjustment: -charge,
			Type:       resultType,
			Reason:     reason,
		}
	}

	return results
}
