package escalation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StatePendingReview, StateInFunnel},
		{StatePendingReview, StateRejected},
		{StateInFunnel, StateAssignedPreferred},
		{StateInFunnel, StateAssignedPanel},
		{StateInFunnel, StateInAuction},
		{StateInFunnel, StateRejected},
		{StateInAuction, StateAssignedAuction},
		{StateInAuction, StateRejected},
		{StateAssignedPreferred, StateCompleted},
		{StateAssignedPanel, StateCompleted},
		{StateAssignedAuction, StateCompleted},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	forbidden := []struct{ from, to State }{
		{StateInFunnel, StatePendingReview},
		{StateInAuction, StateInFunnel},
		{StateAssignedPreferred, StateInFunnel},
		{StateAssignedAuction, StateInAuction},
		{StateRejected, StateInFunnel},
		{StateRejected, StateCompleted},
		{StateCompleted, StateInFunnel},
		{StateInFunnel, StateAssignedAuction},
		{StatePendingReview, StateInAuction},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be forbidden", tr.from, tr.to)
	}
}

// Once a case leaves the funnel, no edge ever leads back to an earlier stage.
func TestNoBackwardEdges(t *testing.T) {
	for from, tos := range transitions {
		for _, to := range tos {
			assert.NotEqual(t, StatePendingReview, to, "edge %s -> %s revisits intake", from, to)
			if from != StatePendingReview {
				assert.NotEqual(t, StateInFunnel, to, "edge %s -> %s revisits funnel", from, to)
			}
		}
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StatePendingReview.IsTerminal())
	assert.False(t, StateInFunnel.IsTerminal())
	assert.False(t, StateInAuction.IsTerminal())
	assert.True(t, StateAssignedPreferred.IsTerminal())
	assert.True(t, StateAssignedPanel.IsTerminal())
	assert.True(t, StateAssignedAuction.IsTerminal())
	assert.True(t, StateRejected.IsTerminal())
	assert.True(t, StateCompleted.IsTerminal())
}

func TestIsAssigned(t *testing.T) {
	assert.True(t, StateAssignedPreferred.IsAssigned())
	assert.True(t, StateAssignedPanel.IsAssigned())
	assert.True(t, StateAssignedAuction.IsAssigned())
	assert.False(t, StateRejected.IsAssigned())
	assert.False(t, StateCompleted.IsAssigned())
	assert.False(t, StateInFunnel.IsAssigned())
}
