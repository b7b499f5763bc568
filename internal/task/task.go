// Package task defines the unit of routed work and its saga status machine.
// A task moves INIT → RESERVE → DISPATCH → VALIDATE → COMMIT → COMMITTED on
// the happy path, or branches to ABORT → COMPENSATE → ABORTED from any
// non-terminal execution state. Terminal states are never revisited.
package task

import "github.com/talgya/creditnet/internal/agent"

// Status is a node in the saga state machine.
type Status string

const (
	StatusInit       Status = "INIT"
	StatusReserve    Status = "RESERVE"
	StatusDispatch   Status = "DISPATCH"
	StatusValidate   Status = "VALIDATE"
	StatusCommit     Status = "COMMIT"
	StatusCommitted  Status = "COMMITTED"
	StatusAbort      Status = "ABORT"
	StatusCompensate Status = "COMPENSATE"
	StatusAborted    Status = "ABORTED"
)

// transitions is the fixed legal-edge table. Only forward moves along these
// edges are valid.
var transitions = map[Status][]Status{
	StatusInit:       {StatusReserve},
	StatusReserve:    {StatusDispatch, StatusAbort},
	StatusDispatch:   {StatusValidate, StatusAbort},
	StatusValidate:   {StatusCommit, StatusAbort},
	StatusCommit:     {StatusCommitted},
	StatusCommitted:  {},
	StatusAbort:      {StatusCompensate},
	StatusCompensate: {StatusAborted},
	StatusAborted:    {},
}

// Known reports whether s is a recognized status.
func Known(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s has no outgoing edges.
func Terminal(s Status) bool {
	edges, ok := transitions[s]
	return ok && len(edges) == 0
}

// InFlight reports whether a task in this status holds reserved capacity.
func InFlight(s Status) bool {
	return s == StatusReserve || s == StatusDispatch || s == StatusValidate
}

// CanTransition reports whether from → to is a legal single edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidationReason classifies a synthetic validator outcome. Precedence when
// several conditions hold: timeout > tool_error > schema_mismatch > low_score.
type ValidationReason string

const (
	ReasonPass           ValidationReason = "pass"
	ReasonSchemaMismatch ValidationReason = "schema_mismatch"
	ReasonToolError      ValidationReason = "tool_error"
	ReasonTimeout        ValidationReason = "timeout"
	ReasonLowScore       ValidationReason = "low_score"
)

// ValidationResult is the synthetic validator's verdict on a task's output.
type ValidationResult struct {
	Schema        bool             `json:"schema"`
	Score         float64          `json:"score"`
	ToolError     bool             `json:"toolError"`
	Timeout       bool             `json:"timeout"`
	Passed        bool             `json:"passed"`
	Reason        ValidationReason `json:"reason"`
	EvaluatedTick int              `json:"evaluatedTick"`
}

// Task is one unit of routed work. AssignedTo is empty until routing picks a
// winner. Payment and Burn are populated at COMMIT.
type Task struct {
	ID         string   `json:"id"`
	AssignedTo agent.ID `json:"assignedTo"`
	Status     Status   `json:"status"`

	Delta          float64 `json:"delta"`          // capacity units requested
	QuotedPrice    float64 `json:"quotedPrice"`    // raw curve cost Δx
	EffectivePrice float64 `json:"effectivePrice"` // quality/load-adjusted price
	Payment        float64 `json:"payment"`
	Burn           float64 `json:"burn"`

	DispatchTick int `json:"dispatchTick"`
	ReadyTick    int `json:"readyTick"`

	Validator *ValidationResult `json:"validator,omitempty"`
}

// Transition returns a copy in the new status. Legality is enforced by the
// callers' fixed action sequences and checked by diagnostics; Transition
// itself is a plain value update.
func Transition(t Task, s Status) Task {
	t.Status = s
	return t
}
