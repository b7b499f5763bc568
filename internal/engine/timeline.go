package engine

import "sort"

// Timeline keeps deep-copied state snapshots keyed by step number so a run
// can be rewound to any recorded boundary. The zero step always maps to the
// initial state.
type Timeline struct {
	initial   State
	snapshots map[int]State
}

// NewTimeline records state as both the initial state and the step-0 snapshot.
func NewTimeline(state State) *Timeline {
	t := &Timeline{
		initial:   state.Clone(),
		snapshots: make(map[int]State),
	}
	t.snapshots[0] = state.Clone()
	return t
}

// Save records a snapshot for step, replacing any earlier snapshot at the
// same step.
func (t *Timeline) Save(step int, state State) {
	t.snapshots[step] = state.Clone()
}

// Restore returns the snapshot for step. When step has no snapshot it falls
// back to the nearest earlier one, and to the initial state below step 0.
func (t *Timeline) Restore(step int) State {
	if snap, ok := t.snapshots[step]; ok {
		return snap.Clone()
	}
	best := -1
	for s := range t.snapshots {
		if s < step && s > best {
			best = s
		}
	}
	if best >= 0 {
		return t.snapshots[best].Clone()
	}
	return t.initial.Clone()
}

// Steps returns the recorded step numbers in ascending order.
func (t *Timeline) Steps() []int {
	steps := make([]int, 0, len(t.snapshots))
	for s := range t.snapshots {
		steps = append(steps, s)
	}
	sort.Ints(steps)
	return steps
}

// Reset drops every snapshot after step 0 and returns the initial state.
func (t *Timeline) Reset() State {
	t.snapshots = map[int]State{0: t.initial.Clone()}
	return t.initial.Clone()
}
