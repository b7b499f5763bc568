package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusInit, StatusReserve},
		{StatusReserve, StatusDispatch},
		{StatusReserve, StatusAbort},
		{StatusDispatch, StatusValidate},
		{StatusDispatch, StatusAbort},
		{StatusValidate, StatusCommit},
		{StatusValidate, StatusAbort},
		{StatusCommit, StatusCommitted},
		{StatusAbort, StatusCompensate},
		{StatusCompensate, StatusAborted},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge.from, edge.to), "%s -> %s should be legal", edge.from, edge.to)
	}

	illegal := []struct{ from, to Status }{
		{StatusInit, StatusDispatch},
		{StatusCommitted, StatusAbort},
		{StatusAborted, StatusReserve},
		{StatusCommit, StatusAbort},
		{StatusValidate, StatusCommitted},
		{StatusAbort, StatusAborted},
	}
	for _, edge := range illegal {
		assert.False(t, CanTransition(edge.from, edge.to), "%s -> %s should be illegal", edge.from, edge.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(StatusCommitted))
	assert.True(t, Terminal(StatusAborted))
	assert.False(t, Terminal(StatusInit))
	assert.False(t, Terminal(StatusCommit))
	assert.False(t, Terminal(Status("bogus")))
}

func TestInFlight(t *testing.T) {
	assert.True(t, InFlight(StatusReserve))
	assert.True(t, InFlight(StatusDispatch))
	assert.True(t, InFlight(StatusValidate))
	assert.False(t, InFlight(StatusInit))
	assert.False(t, InFlight(StatusCommitted))
	assert.False(t, InFlight(StatusAborted))
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(StatusInit))
	assert.True(t, Known(StatusAborted))
	assert.False(t, Known(Status("RUNNING")))
}

func TestTransitionReturnsCopy(t *testing.T) {
	original := Task{ID: "t-1", Status: StatusReserve}
	moved := Transition(original, StatusDispatch)

	assert.Equal(t, StatusDispatch, moved.Status)
	assert.Equal(t, StatusReserve, original.Status)
}
