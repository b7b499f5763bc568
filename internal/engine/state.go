// Package engine ties the credit network together: the whole-system
// snapshot, the discriminated action executor, periodic clearing, and the
// autonomous tick orchestrator. The engine is synchronous and single-writer
// by contract: one call fully completes before state is considered valid,
// and callers clone snapshots before mutating (copy-on-write).
package engine

import (
	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/entropy"
	"github.com/talgya/creditnet/internal/task"
)

// DefaultSeed is the stock simulation seed.
const DefaultSeed uint32 = 20260228

// Simulation-wide defaults.
const (
	DefaultClientBalance = 80_000.0
	DefaultBurnRate      = 0.01
	AutoClearInterval    = 8
)

// State is the whole-system snapshot: the unit of persistence and
// time-travel. Callers snapshot and restore it wholesale; there is no
// partial undo.
type State struct {
	Agents          map[agent.ID]agent.State `json:"agents"`
	Tasks           []task.Task              `json:"tasks"`
	Ledger          []LedgerEntry            `json:"ledger"`
	PriceComparison map[agent.ID]float64     `json:"priceComparison,omitempty"` // last computed quote set
	ClientBalance   float64                  `json:"clientBalance"`             // global payer budget
	Tick            int                      `json:"tick"`
	Phase           int                      `json:"phase"`
	RngState        uint32                   `json:"rngState"`
	TaskSeq         uint64                   `json:"taskSeq"` // monotonic task id counter
	LastNarrative   string                   `json:"lastNarrative"`
}

// NewState builds a fresh network with the stock three agents.
func NewState(seed uint32) State {
	return State{
		Agents: map[agent.ID]agent.State{
			"A": agent.New("A", "Agent-A"),
			"B": agent.New("B", "Agent-B"),
			"C": agent.New("C", "Agent-C"),
		},
		ClientBalance: DefaultClientBalance,
		RngState:      entropy.Normalize(seed),
		LastNarrative: "network initialized",
	}
}

// Clone deep-copies the snapshot. Agent and ledger values are plain structs;
// tasks need their validator pointer duplicated.
func (s State) Clone() State {
	next := s

	next.Agents = make(map[agent.ID]agent.State, len(s.Agents))
	for id, a := range s.Agents {
		next.Agents[id] = a
	}

	next.Tasks = make([]task.Task, len(s.Tasks))
	copy(next.Tasks, s.Tasks)
	for i := range next.Tasks {
		if next.Tasks[i].Validator != nil {
			v := *next.Tasks[i].Validator
			next.Tasks[i].Validator = &v
		}
	}

	next.Ledger = make([]LedgerEntry, len(s.Ledger))
	copy(next.Ledger, s.Ledger)

	if s.PriceComparison != nil {
		next.PriceComparison = make(map[agent.ID]float64, len(s.PriceComparison))
		for id, p := range s.PriceComparison {
			next.PriceComparison[id] = p
		}
	}

	return next
}

// findTask returns the index of a task by id, or -1.
func (s *State) findTask(id string) int {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// upsertTask replaces a task by id or appends it.
func (s *State) upsertTask(t task.Task) {
	if i := s.findTask(t.ID); i >= 0 {
		s.Tasks[i] = t
		return
	}
	s.Tasks = append(s.Tasks, t)
}

// setTaskStatus updates a task's status in place, if present.
func (s *State) setTaskStatus(id string, status task.Status) {
	if i := s.findTask(id); i >= 0 {
		s.Tasks[i].Status = status
	}
}
