package engine

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/entropy"
	"github.com/talgya/creditnet/internal/task"
)

// IssueCode classifies a diagnostic finding.
type IssueCode string

const (
	IssueNoRoute           IssueCode = "no_route"
	IssueInflightNotDrain  IssueCode = "inflight_not_drained"
	IssueAllIsolated       IssueCode = "all_isolated"
	IssueInvalidState      IssueCode = "invalid_state"
	IssueNodeAbsorption    IssueCode = "node_absorption"
	IssueBudgetStarvation  IssueCode = "budget_starvation"
	IssueBudgetStall       IssueCode = "budget_stall"
	IssueLowRouteDiversity IssueCode = "low_route_diversity"
)

// Issue is one diagnostic finding, optionally pinned to the step where it
// first appeared.
type Issue struct {
	Code    IssueCode `json:"code"`
	Message string    `json:"message"`
	Step    int       `json:"step,omitempty"`
}

// ValidateState checks structural invariants: unique task ids, known
// statuses, assigned in-flight tasks, finite agent fields, reservation and
// concurrency bounds, and the y = max(1, quota - reservedQuota) sync rule.
func ValidateState(state State) []Issue {
	var issues []Issue

	seen := make(map[string]bool, len(state.Tasks))
	for _, t := range state.Tasks {
		if seen[t.ID] {
			issues = append(issues, Issue{Code: IssueInvalidState, Message: fmt.Sprintf("duplicate task id: %s", t.ID)})
		}
		seen[t.ID] = true

		if !task.Known(t.Status) {
			issues = append(issues, Issue{Code: IssueInvalidState, Message: fmt.Sprintf("invalid task status: %s/%s", t.ID, t.Status)})
		}
		if math.IsInf(t.Delta, 0) || math.IsNaN(t.Delta) || t.Delta < 0 {
			issues = append(issues, Issue{Code: IssueInvalidState, Message: fmt.Sprintf("invalid task delta: %s/%v", t.ID, t.Delta)})
		}
		if task.InFlight(t.Status) && t.AssignedTo == "" {
			issues = append(issues, Issue{Code: IssueInvalidState, Message: fmt.Sprintf("inflight task without assignee: %s/%s", t.ID, t.Status)})
		}
	}

	ids := make([]agent.ID, 0, len(state.Agents))
	for id := range state.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		a := state.Agents[id]
		fields := []struct {
			name  string
			value float64
		}{
			{"quota", a.Quota},
			{"reservedQuota", a.ReservedQuota},
			{"y", a.Y},
			{"capacity", float64(a.Capacity)},
			{"activeTasks", float64(a.ActiveTasks)},
			{"f", a.F},
			{"s_hat", a.SHat},
			{"balance", a.Balance},
			{"tradeBalance", a.TradeBalance},
		}
		for _, field := range fields {
			if math.IsInf(field.value, 0) || math.IsNaN(field.value) {
				issues = append(issues, Issue{Code: IssueInvalidState, Message: fmt.Sprintf("non-finite agent %s.%s: %v", id, field.name, field.value)})
			}
		}

		if a.ReservedQuota < 0 || a.ReservedQuota > a.Quota+1e-9 {
			issues = append(issues, Issue{Code: IssueInvalidState, Message: fmt.Sprintf("invalid reservedQuota: %s reserved=%v quota=%v", id, a.ReservedQuota, a.Quota)})
		}
		if a.ActiveTasks < 0 || a.ActiveTasks > a.Capacity {
			issues = append(issues, Issue{Code: IssueInvalidState, Message: fmt.Sprintf("invalid activeTasks: %s active=%d cap=%d", id, a.ActiveTasks, a.Capacity)})
		}

		expectedY := math.Max(1, a.Quota-a.ReservedQuota)
		if math.Abs(a.Y-expectedY) > 1e-9 {
			issues = append(issues, Issue{Code: IssueInvalidState, Message: fmt.Sprintf("y out of sync: %s y=%v expected=%v", id, a.Y, expectedY)})
		}
	}

	return issues
}

// DeriveTrialSeed mixes the trial index into the base seed so trials are
// independent but reproducible. The multiplier is the 32-bit golden ratio.
func DeriveTrialSeed(baseSeed uint32, trial int) uint32 {
	mixed := baseSeed ^ (uint32(trial) * 0x9e3779b1)
	return entropy.Normalize(mixed)
}

// TrialConfig drives one diagnostic trial.
type TrialConfig struct {
	Steps         int
	ClientBalance float64
	AddNodesAt    []int // steps at which a bootstrapped node joins
	Policy        Options

	// Anomaly thresholds. Zero values fall back to the stock thresholds.
	AnomalyTop1Share           float64
	AnomalyHHI                 float64
	AnomalyBudgetSkipRatio     float64
	AnomalyBudgetSkipStreak    int
	AnomalyMinActiveRouteNodes int
}

// Stock anomaly thresholds.
const (
	defaultAnomalyTop1Share        = 0.95
	defaultAnomalyHHI              = 0.93
	defaultAnomalyBudgetSkipRatio  = 0.55
	defaultAnomalyBudgetSkipStreak = 20
	defaultAnomalyMinActiveNodes   = 2
	routeStreakAbsorptionThreshold = 12
)

func (c TrialConfig) withDefaults() TrialConfig {
	if c.Steps <= 0 {
		c.Steps = 200
	}
	if c.ClientBalance <= 0 {
		c.ClientBalance = 1_000_000
	}
	if c.AnomalyTop1Share <= 0 {
		c.AnomalyTop1Share = defaultAnomalyTop1Share
	}
	if c.AnomalyHHI <= 0 {
		c.AnomalyHHI = defaultAnomalyHHI
	}
	if c.AnomalyBudgetSkipRatio <= 0 {
		c.AnomalyBudgetSkipRatio = defaultAnomalyBudgetSkipRatio
	}
	if c.AnomalyBudgetSkipStreak <= 0 {
		c.AnomalyBudgetSkipStreak = defaultAnomalyBudgetSkipStreak
	}
	if c.AnomalyMinActiveRouteNodes <= 0 {
		c.AnomalyMinActiveRouteNodes = defaultAnomalyMinActiveNodes
	}
	return c
}

// TrialResult is one trial's outcome metrics plus its findings.
type TrialResult struct {
	Trial                 int                  `json:"trial"`
	Committed             int                  `json:"committed"`
	Failed                int                  `json:"failed"`
	Inflight              int                  `json:"inflight"`
	Routes                int                  `json:"routes"`
	BudgetSkips           int                  `json:"budgetSkips"`
	BudgetSkipRatio       float64              `json:"budgetSkipRatio"`
	MaxBudgetSkipStreak   int                  `json:"maxBudgetSkipStreak"`
	MaxRouteStreak        int                  `json:"maxRouteStreak"`
	Isolated              int                  `json:"isolated"`
	Top1Share             float64              `json:"top1Share"`
	HHI                   float64              `json:"hhi"`
	ActiveRouteNodes      int                  `json:"activeRouteNodes"`
	RouteShares           map[agent.ID]float64 `json:"routeShares"`
	ClearingOutflow       float64              `json:"clearingOutflow"`
	CommitGross           float64              `json:"commitGross"`
	ClearingToCommitRatio float64              `json:"clearingToCommitRatio"`
	ClientBalance         float64              `json:"clientBalance"`
	Issues                []Issue              `json:"issues"`
}

var narrativeCountRe = regexp.MustCompile(`\b(arrivals|budgetSkipped)=(\d+)\b`)

func parseTickSummary(narrative string) (arrivals, budgetSkipped int) {
	for _, m := range narrativeCountRe.FindAllStringSubmatch(narrative, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		switch m[1] {
		case "arrivals":
			arrivals = n
		case "budgetSkipped":
			budgetSkipped = n
		}
	}
	return arrivals, budgetSkipped
}

// RunTrial executes one diagnostic trial: Steps autonomous ticks from a
// derived seed, optional mid-run node joins, then a drain phase with
// arrivals suspended. The step numbering continues past the guide script so
// clearing cadence matches an interactive session.
func RunTrial(trial int, cfg TrialConfig) TrialResult {
	c := cfg.withDefaults()
	seed := DeriveTrialSeed(DefaultSeed, trial)

	state := NewState(seed)
	state.ClientBalance = c.ClientBalance
	state.Phase = len(GuideSteps)
	state.LastNarrative = "diagnostic trial"

	addNodesAt := make(map[int]bool, len(c.AddNodesAt))
	for _, step := range c.AddNodesAt {
		if step > 0 {
			addNodesAt[step] = true
		}
	}

	var issues []Issue
	budgetSkips := 0
	totalArrivals := 0
	budgetSkipStreak := 0
	maxBudgetSkipStreak := 0
	maxRouteStreak := 0
	var lastRouteAgent agent.ID
	routeStreak := 0

	observeRoutes := func(from int) {
		for _, entry := range state.Ledger[from:] {
			if entry.Action != LedgerRoute {
				continue
			}
			if entry.AgentID == lastRouteAgent {
				routeStreak++
			} else {
				lastRouteAgent = entry.AgentID
				routeStreak = 1
			}
			if routeStreak > maxRouteStreak {
				maxRouteStreak = routeStreak
			}
		}
	}

	simulated := 0
	for step := 1; step <= c.Steps; step++ {
		if addNodesAt[step] {
			id := agent.ID(fmt.Sprintf("N%d", len(state.Agents)+1))
			state.Agents[id] = agent.Bootstrap(id, fmt.Sprintf("Agent-%s", id), state.Agents)
		}

		ledgerBefore := len(state.Ledger)
		state = ExecuteAutoTick(state, len(GuideSteps)+step, c.Policy)
		state.Tick = step
		simulated = step

		arrivals, skipped := parseTickSummary(state.LastNarrative)
		totalArrivals += arrivals
		if skipped > 0 {
			budgetSkips += skipped
			budgetSkipStreak++
			if budgetSkipStreak > maxBudgetSkipStreak {
				maxBudgetSkipStreak = budgetSkipStreak
			}
		} else {
			budgetSkipStreak = 0
		}

		observeRoutes(ledgerBefore)

		if stepIssues := ValidateState(state); len(stepIssues) > 0 {
			for _, issue := range stepIssues {
				issue.Step = step
				issues = append(issues, issue)
			}
			break
		}
	}

	// Drain: let in-flight tasks settle without new arrivals.
	drainPolicy := c.Policy
	drainPolicy.SuspendArrivals = true
	maxDrain := int(math.Ceil(float64(c.Steps) * 0.4))
	if maxDrain < 24 {
		maxDrain = 24
	}
	for drain := 0; drain < maxDrain; drain++ {
		inflightNow := 0
		for _, t := range state.Tasks {
			if t.Status == task.StatusInit || task.InFlight(t.Status) {
				inflightNow++
			}
		}
		if inflightNow == 0 {
			break
		}

		simulated++
		ledgerBefore := len(state.Ledger)
		state = ExecuteAutoTick(state, len(GuideSteps)+simulated, drainPolicy)
		state.Tick = simulated
		observeRoutes(ledgerBefore)

		if drainIssues := ValidateState(state); len(drainIssues) > 0 {
			for _, issue := range drainIssues {
				issue.Step = simulated
				issues = append(issues, issue)
			}
			break
		}
	}

	committed, failed, inflight := 0, 0, 0
	commitGross := 0.0
	for _, t := range state.Tasks {
		switch {
		case t.Status == task.StatusCommitted:
			committed++
			if t.Payment > 0 {
				commitGross += t.Payment
			}
		case t.Status == task.StatusAborted:
			failed++
		case t.Status == task.StatusInit || task.InFlight(t.Status):
			inflight++
		}
	}

	routes := 0
	routeCounts := make(map[agent.ID]int)
	clearingOutflow := 0.0
	for _, entry := range state.Ledger {
		switch entry.Action {
		case LedgerRoute:
			routes++
			routeCounts[entry.AgentID]++
		case LedgerBancorTax, LedgerBancorFee:
			clearingOutflow += math.Abs(entry.DeltaBalance)
		}
	}

	isolated := 0
	for _, a := range state.Agents {
		if a.Status == agent.StatusIsolated {
			isolated++
		}
	}

	routeShares := make(map[agent.ID]float64, len(routeCounts))
	top1Share := 0.0
	hhi := 0.0
	for id, count := range routeCounts {
		share := float64(count) / math.Max(1, float64(routes))
		routeShares[id] = share
		if share > top1Share {
			top1Share = share
		}
		hhi += share * share
	}

	budgetSkipRatio := float64(budgetSkips) / math.Max(1, float64(totalArrivals))
	clearingToCommitRatio := 0.0
	if commitGross > 1e-9 {
		clearingToCommitRatio = clearingOutflow / commitGross
	}

	if routes == 0 {
		issues = append(issues, Issue{Code: IssueNoRoute, Message: "no route event produced"})
	}
	if inflight > 0 {
		issues = append(issues, Issue{Code: IssueInflightNotDrain, Message: fmt.Sprintf("inflight not drained: %d", inflight)})
	}
	if isolated == len(state.Agents) && len(state.Agents) > 0 {
		issues = append(issues, Issue{Code: IssueAllIsolated, Message: "all agents isolated"})
	}
	if top1Share > c.AnomalyTop1Share {
		issues = append(issues, Issue{Code: IssueNodeAbsorption, Message: fmt.Sprintf("top1Share too high: %.3f > %v", top1Share, c.AnomalyTop1Share)})
	}
	if hhi > c.AnomalyHHI {
		issues = append(issues, Issue{Code: IssueNodeAbsorption, Message: fmt.Sprintf("hhi too high: %.3f > %v", hhi, c.AnomalyHHI)})
	}
	if maxRouteStreak >= routeStreakAbsorptionThreshold {
		issues = append(issues, Issue{Code: IssueNodeAbsorption, Message: fmt.Sprintf("maxRouteStreak too high: %d >= %d", maxRouteStreak, routeStreakAbsorptionThreshold)})
	}
	if budgetSkipRatio > c.AnomalyBudgetSkipRatio {
		issues = append(issues, Issue{Code: IssueBudgetStarvation, Message: fmt.Sprintf("budgetSkipRatio too high: %.3f > %v", budgetSkipRatio, c.AnomalyBudgetSkipRatio)})
	}
	if maxBudgetSkipStreak > c.AnomalyBudgetSkipStreak {
		issues = append(issues, Issue{Code: IssueBudgetStall, Message: fmt.Sprintf("maxBudgetSkipStreak too high: %d > %d", maxBudgetSkipStreak, c.AnomalyBudgetSkipStreak)})
	}
	if len(routeCounts) < c.AnomalyMinActiveRouteNodes {
		issues = append(issues, Issue{Code: IssueLowRouteDiversity, Message: fmt.Sprintf("activeRouteNodes too low: %d < %d", len(routeCounts), c.AnomalyMinActiveRouteNodes)})
	}

	return TrialResult{
		Trial:                 trial,
		Committed:             committed,
		Failed:                failed,
		Inflight:              inflight,
		Routes:                routes,
		BudgetSkips:           budgetSkips,
		BudgetSkipRatio:       budgetSkipRatio,
		MaxBudgetSkipStreak:   maxBudgetSkipStreak,
		MaxRouteStreak:        maxRouteStreak,
		Isolated:              isolated,
		Top1Share:             top1Share,
		HHI:                   hhi,
		ActiveRouteNodes:      len(routeCounts),
		RouteShares:           routeShares,
		ClearingOutflow:       clearingOutflow,
		CommitGross:           commitGross,
		ClearingToCommitRatio: clearingToCommitRatio,
		ClientBalance:         state.ClientBalance,
		Issues:                issues,
	}
}
