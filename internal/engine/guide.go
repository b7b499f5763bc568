package engine

import "github.com/talgya/creditnet/internal/agent"

// GuideStep is one scripted stage of the walkthrough scenario. Each step's
// actions run through ExecuteStep against the current state, so the script
// exercises the same handlers as autonomous ticks.
type GuideStep struct {
	ID        int      `json:"id"`
	Title     string   `json:"title"`
	Subtitle  string   `json:"subtitle"`
	Narrative string   `json:"narrative"`
	Actions   []Action `json:"actions"`
}

func floatPtr(v float64) *float64 { return &v }

// GuideSteps is the canonical six-step walkthrough: cold-start routing,
// saga rollback, re-routing away from the failed node, commit settlement,
// backpressure with overflow, and threshold clearing.
var GuideSteps = []GuideStep{
	{
		ID:       1,
		Title:    "Cold-start routing",
		Subtitle: "Router compares live quotes, then reserves",
		Narrative: "On a cold network the router quotes all three nodes from the bonding curve " +
			"and picks the target by effective price, then freezes the winner's capacity.",
		Actions: []Action{
			{Type: ActionComparePrices, Candidates: []agent.ID{"A", "B", "C"}, Delta: 100},
			{Type: ActionRoute, TaskID: "task-1", Delta: 100, Candidates: []agent.ID{"B"}},
			{Type: ActionReserve, TaskID: "task-1", AgentID: "B", Delta: 100},
			{Type: ActionDispatch, TaskID: "task-1", AgentID: "B"},
		},
	},
	{
		ID:       2,
		Title:    "Failure rollback",
		Subtitle: "ABORT and COMPENSATE release the frozen capacity",
		Narrative: "A failed execution triggers the saga path: ABORT marks the task dead, " +
			"COMPENSATE rolls back the reserved quota and raises friction so the faulty node " +
			"stops winning routes.",
		Actions: []Action{
			{Type: ActionFail, TaskID: "task-1", AgentID: "B"},
			{Type: ActionAbort, TaskID: "task-1", AgentID: "B"},
			{Type: ActionCompensate, TaskID: "task-1", AgentID: "B", Delta: 100},
		},
	},
	{
		ID:       3,
		Title:    "Re-route around the fault",
		Subtitle: "High friction prices the node out",
		Narrative: "The router compares effective prices again. The failed node's friction " +
			"inflates its quote, so a healthy node takes the next task without any explicit ban.",
		Actions: []Action{
			{Type: ActionComparePrices, Candidates: []agent.ID{"A", "B", "C"}, Delta: 100},
			{Type: ActionRoute, TaskID: "task-2", Delta: 100, Candidates: []agent.ID{"A"}},
			{Type: ActionReserve, TaskID: "task-2", AgentID: "A", Delta: 100},
			{Type: ActionDispatch, TaskID: "task-2", AgentID: "A"},
		},
	},
	{
		ID:       4,
		Title:    "Commit settlement",
		Subtitle: "COMMIT settles the payment",
		Narrative: "After VALIDATE passes, COMMIT releases the frozen capacity and settles " +
			"the payment into the agent's balance. The burn comes out of the payment, not the " +
			"liquidity variable.",
		Actions: []Action{
			{Type: ActionValidate, TaskID: "task-2", AgentID: "A"},
			{Type: ActionCommit, TaskID: "task-2", AgentID: "A", BurnRate: floatPtr(0.01)},
		},
	},
	{
		ID:       5,
		Title:    "Backpressure and overflow",
		Subtitle: "Capacity saturation triggers overflow routing",
		Narrative: "Concurrent tasks piling onto one node push its quote up and fill its " +
			"capacity. Overflow routing moves the next task to an available, cheaper node.",
		Actions: []Action{
			{Type: ActionBackpressure, AgentID: "A", Count: 4, Delta: 100},
			{Type: ActionOverflow, FromAgent: "A", ToAgent: "C", TaskID: "task-7", Delta: 100},
		},
	},
	{
		ID:       6,
		Title:    "Threshold clearing",
		Subtitle: "Bancor-style tax and fee rebalance",
		Narrative: "At the clearing boundary, surpluses beyond the threshold are taxed and " +
			"deficits beyond it pay a rebalancing fee, pulling trade balances back toward the mean.",
		Actions: []Action{
			{Type: ActionBancorSettle, AgentID: "A", Amount: 8, SettleType: "TAX"},
			{Type: ActionBancorSettle, AgentID: "B", Amount: 1.2, SettleType: "FEE"},
		},
	},
}

// RunGuide replays the full walkthrough from the given state and returns the
// final state. Step IDs double as the step numbers recorded in the ledger.
func RunGuide(state State) State {
	for _, step := range GuideSteps {
		state = ExecuteStep(state, step.Actions, step.ID)
	}
	return state
}
