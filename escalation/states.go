package escalation

// transitions enumerates every legal funnel edge. The funnel only moves
// forward: no state ever returns to pending_review or in_funnel, and the
// assigned states admit exactly one further edge (completion).
var transitions = map[State][]State{
	StatePendingReview:     {StateInFunnel, StateRejected},
	StateInFunnel:          {StateAssignedPreferred, StateAssignedPanel, StateInAuction, StateRejected},
	StateInAuction:         {StateAssignedAuction, StateRejected},
	StateAssignedPreferred: {StateCompleted},
	StateAssignedPanel:     {StateCompleted},
	StateAssignedAuction:   {StateCompleted},
	StateRejected:          {},
	StateCompleted:         {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the funnel has finished resolving the case.
// Assigned states are terminal for the funnel even though completion may
// still be recorded afterwards.
func (s State) IsTerminal() bool {
	switch s {
	case StateAssignedPreferred, StateAssignedPanel, StateAssignedAuction, StateRejected, StateCompleted:
		return true
	}
	return false
}

// IsAssigned reports whether the case ended with a partner assignment.
func (s State) IsAssigned() bool {
	switch s {
	case StateAssignedPreferred, StateAssignedPanel, StateAssignedAuction:
		return true
	}
	return false
}
