package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/talgya/creditnet/internal/agent"
)

// Runner drives the autonomous tick loop on a wall clock. State access is
// synchronized so the API can read snapshots while the loop runs.
type Runner struct {
	Interval time.Duration // base tick interval (default 1 second)

	Options Options

	mu       sync.RWMutex
	state    State
	timeline *Timeline
	running  bool
	speed    float64 // multiplier: 1.0 = real-time, 0 = paused

	subMu sync.Mutex
	subs  map[chan State]struct{}
}

// NewRunner wraps state in a runner with default pacing.
func NewRunner(state State, opts Options) *Runner {
	return &Runner{
		speed:    1.0,
		Interval: time.Second,
		Options:  opts,
		state:    state,
		timeline: NewTimeline(state),
		subs:     make(map[chan State]struct{}),
	}
}

// Run starts the tick loop. Blocks until Stop is called.
func (r *Runner) Run() {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	slog.Info("credit network runner started", "tick", r.Snapshot().Tick, "speed", r.Speed())

	for r.IsRunning() {
		speed := r.Speed()
		if speed <= 0 {
			// Paused. Sleep briefly and check again.
			time.Sleep(100 * time.Millisecond)
			continue
		}

		start := time.Now()

		r.Step()

		elapsed := time.Since(start)
		target := time.Duration(float64(r.Interval) / speed)
		if elapsed < target {
			time.Sleep(target - elapsed)
		}
	}

	slog.Info("credit network runner stopped", "tick", r.Snapshot().Tick)
}

// Stop halts the tick loop.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// IsRunning reports whether the loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Step advances exactly one autonomous tick and snapshots the result. Safe
// to call whether or not the loop is running.
func (r *Runner) Step() State {
	r.mu.Lock()
	stepNum := r.state.Phase + 1
	next := ExecuteAutoTick(r.state, stepNum, r.Options)
	r.state = next
	r.timeline.Save(stepNum, next)
	snapshot := next.Clone()
	r.mu.Unlock()

	slog.Debug("tick complete", "tick", snapshot.Tick, "step", stepNum, "narrative", snapshot.LastNarrative)
	r.publish(snapshot)
	return snapshot
}

// Snapshot returns a deep copy of the current state.
func (r *Runner) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// Speed returns the current wall-clock pacing multiplier.
func (r *Runner) Speed() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.speed
}

// SetSpeed changes the wall-clock pacing multiplier. Safe to call while the
// loop is running.
func (r *Runner) SetSpeed(speed float64) {
	if speed < 0 {
		speed = 0
	}
	r.mu.Lock()
	r.speed = speed
	r.mu.Unlock()
	slog.Info("runner speed changed", "speed", speed)
}

// Rewind restores the state recorded at step and drops later snapshots from
// the active position without discarding them.
func (r *Runner) Rewind(step int) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = r.timeline.Restore(step)
	return r.state.Clone()
}

// Reset returns the runner to its initial state.
func (r *Runner) Reset() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = r.timeline.Reset()
	return r.state.Clone()
}

// AddAgent joins a peer-bootstrapped pool to the live network.
func (r *Runner) AddAgent(id agent.ID, label string) (agent.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.state.Agents[id]; exists {
		return agent.State{}, fmt.Errorf("agent %s already exists", id)
	}
	joined := agent.Bootstrap(id, label, r.state.Agents)
	r.state.Agents[id] = joined
	slog.Info("agent joined network", "agent", id, "quota", joined.Quota, "s_hat", joined.SHat)
	return joined, nil
}

// Subscribe registers a channel that receives a snapshot after every tick.
// Slow subscribers miss snapshots rather than stalling the loop.
func (r *Runner) Subscribe() chan State {
	ch := make(chan State, 8)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (r *Runner) Unsubscribe(ch chan State) {
	r.subMu.Lock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
	r.subMu.Unlock()
}

func (r *Runner) publish(snapshot State) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
