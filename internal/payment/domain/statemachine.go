package domain

// edges lists the legal moves out of every non-terminal state.
var edges = map[State][]State{
	StatePending:        {StateProcessing, StateRequiresAction, StateCompleted, StateFailed, StateCancelled},
	StateProcessing:     {StatePending, StateRequiresAction, StateCompleted, StateFailed, StateCancelled},
	StateRequiresAction: {StatePending, StateProcessing, StateCompleted, StateFailed, StateCancelled},
	StateFailed:         {StateProcessing, StateRequiresAction, StateCompleted, StateCancelled},
	StateCompleted:      nil,
	StateCancelled:      nil,
}

func (s State) Valid() bool {
	_, ok := edges[s]
	return ok
}

// IsTerminal reports whether nothing may move the payment out of s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Transition returns the state a payment in current ends up in when target is
// requested. A terminal current state, or a target equal to current, is a
// no-op and returns current with a nil error. Any other edge not listed above
// is an *InvalidTransitionError.
func Transition(current, target State) (State, error) {
	if !current.Valid() || !target.Valid() {
		return current, &InvalidTransitionError{From: current, To: target}
	}
	if current.IsTerminal() || current == target {
		return current, nil
	}
	for _, next := range edges[current] {
		if next == target {
			return target, nil
		}
	}
	return current, &InvalidTransitionError{From: current, To: target}
}

// providerStatuses is the full table of provider statuses we understand.
var providerStatuses = map[ProviderStatus]State{
	ProviderSucceeded:             StateCompleted,
	ProviderCanceled:              StateCancelled,
	ProviderProcessing:            StateProcessing,
	ProviderRequiresPaymentMethod: StatePending,
	ProviderRequiresConfirmation:  StateRequiresAction,
	ProviderRequiresAction:        StateRequiresAction,
}

// MapProviderStatus looks status up in the table. Unknown statuses report
// false and must leave the payment untouched.
func MapProviderStatus(status ProviderStatus) (State, bool) {
	s, ok := providerStatuses[status]
	return s, ok
}
