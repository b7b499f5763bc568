package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/talgya/creditnet/internal/engine"
)

func TestParseAddNodesAt(t *testing.T) {
	assert.Equal(t, []int{5, 12, 30}, parseAddNodesAt("30, 5,12"))
	assert.Equal(t, []int{7}, parseAddNodesAt("7,7,abc,-3,0"))
	assert.Nil(t, parseAddNodesAt(""))
}

func TestScenarioPolicyCarriesClearingCadence(t *testing.T) {
	policy := scenarioPolicy("baseline", engine.AutoClearInterval)
	assert.Equal(t, engine.AutoClearInterval, policy.ClearEvery)
	assert.Equal(t, engine.DefaultOptions().RouteTemperature, policy.RouteTemperature)

	policy = scenarioPolicy("ui", 3)
	assert.Equal(t, 3, policy.ClearEvery)
	assert.Equal(t, 0.75, policy.RouteNearBestRatio)
	assert.Equal(t, 0.35, policy.RouteTemperature)
	assert.Equal(t, 8, policy.AdaptiveDeltaFloor)
	assert.Equal(t, 0.08, policy.MaxPaymentRatio)
}
