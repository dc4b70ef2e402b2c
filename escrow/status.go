package escrow

// transitions is the escrow state machine. Initial state is pending;
// completed, cancelled and expired are terminal. Mirrored in SQL by
// escrow_validate_transition so raw updates cannot bypass it.
var transitions = map[Status][]Status{
	StatusPending:              {StatusActive, StatusDisputed, StatusCancelled, StatusExpired},
	StatusActive:               {StatusAwaitingConfirmation, StatusDisputed, StatusExpired},
	StatusAwaitingConfirmation: {StatusCompleted, StatusDisputed, StatusExpired},
	StatusDisputed:             {StatusCompleted, StatusCancelled, StatusExpired},
}

// CanTransition reports whether the state machine admits prev -> next.
func CanTransition(prev, next Status) bool {
	if prev == next {
		return true
	}
	for _, s := range transitions[prev] {
		if s == next {
			return true
		}
	}
	return false
}
