// Friction and score feedback applied after task outcomes.
package agent

const (
	frictionMax = 10.0
	scoreMin    = 0.1
	scoreMax    = 1.5

	scoreSuccessDelta = 0.035
	scoreFailureDelta = -0.06
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ApplyFrictionPenalty raises friction by alpha*penalty, clamped to [0, 10].
func ApplyFrictionPenalty(a State, penalty, alpha float64) State {
	a.F = clamp(a.F+alpha*penalty, 0, frictionMax)
	return a
}

// DecayFriction applies passive healing: f *= (1 - decayRate) per tick.
func DecayFriction(a State, decayRate float64) State {
	a.F = clamp(a.F*(1-decayRate), 0, frictionMax)
	return a
}

// UpdateScore nudges the normalized score after an outcome. Failures hurt
// more than successes help.
func UpdateScore(a State, success bool) State {
	delta := scoreFailureDelta
	if success {
		delta = scoreSuccessDelta
	}
	a.SHat = clamp(a.SHat+delta, scoreMin, scoreMax)
	return a
}

// QoSMultiplier is the quality factor folded into effective prices:
// (1+f)/max(ŝ, 0.01).
func QoSMultiplier(a State) float64 {
	s := a.SHat
	if s < 0.01 {
		s = 0.01
	}
	return (1 + a.F) / s
}
