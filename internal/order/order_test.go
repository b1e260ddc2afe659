package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionGraph(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusRouting},
		{StatusRouting, StatusBuilding},
		{StatusBuilding, StatusSubmitted},
		{StatusSubmitted, StatusConfirmed},
		{StatusPending, StatusFailed},
		{StatusRouting, StatusFailed},
		{StatusBuilding, StatusFailed},
		{StatusSubmitted, StatusFailed},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s should be legal", edge[0], edge[1])
	}

	illegal := [][2]Status{
		{StatusPending, StatusBuilding},
		{StatusPending, StatusConfirmed},
		{StatusRouting, StatusSubmitted},
		{StatusBuilding, StatusConfirmed},
		{StatusConfirmed, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusConfirmed, StatusConfirmed},
		{StatusRouting, StatusPending},
	}
	for _, edge := range illegal {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s should be illegal", edge[0], edge[1])
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusConfirmed.Terminal())
	assert.True(t, StatusFailed.Terminal())
	for _, s := range []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted} {
		assert.False(t, s.Terminal())
	}
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusPending.Valid())
	assert.False(t, Status("confirmedish").Valid())
}
