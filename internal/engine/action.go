package engine

import (
	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/bancor"
)

// ActionType discriminates the action union dispatched by ExecuteAction.
type ActionType string

const (
	ActionComparePrices ActionType = "COMPARE_PRICES"
	ActionRoute         ActionType = "ROUTE"
	ActionReserve       ActionType = "RESERVE"
	ActionDispatch      ActionType = "DISPATCH"
	ActionFail          ActionType = "FAIL"
	ActionAbort         ActionType = "ABORT"
	ActionCompensate    ActionType = "COMPENSATE"
	ActionValidate      ActionType = "VALIDATE"
	ActionCommit        ActionType = "COMMIT"
	ActionBackpressure  ActionType = "BACKPRESSURE"
	ActionOverflow      ActionType = "OVERFLOW"
	ActionBancorSettle  ActionType = "BANCOR_SETTLE"
)

// Action is one step of work for the executor. Only the fields relevant to
// the given Type are read; each variant's handler is independently testable.
type Action struct {
	Type    ActionType `json:"type" yaml:"type"`
	TaskID  string     `json:"taskId,omitempty" yaml:"task_id,omitempty"`
	AgentID agent.ID   `json:"agentId,omitempty" yaml:"agent_id,omitempty"`
	Delta   float64    `json:"delta,omitempty" yaml:"delta,omitempty"`

	// ROUTE
	Target     agent.ID   `json:"target,omitempty" yaml:"target,omitempty"`
	Candidates []agent.ID `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	// Pointers distinguish "unset" from an explicit zero ratio/temperature.
	RouteNearBestRatio *float64 `json:"routeNearBestRatio,omitempty" yaml:"route_near_best_ratio,omitempty"`
	RouteTemperature   *float64 `json:"routeTemperature,omitempty" yaml:"route_temperature,omitempty"`

	// COMMIT
	BurnRate *float64 `json:"burnRate,omitempty" yaml:"burn_rate,omitempty"`

	// BACKPRESSURE
	Count int `json:"count,omitempty" yaml:"count,omitempty"`

	// OVERFLOW
	FromAgent agent.ID `json:"fromAgent,omitempty" yaml:"from_agent,omitempty"`
	ToAgent   agent.ID `json:"toAgent,omitempty" yaml:"to_agent,omitempty"`

	// BANCOR_SETTLE
	Amount     float64           `json:"amount,omitempty" yaml:"amount,omitempty"`
	SettleType bancor.ResultType `json:"settleType,omitempty" yaml:"settle_type,omitempty"`
}
