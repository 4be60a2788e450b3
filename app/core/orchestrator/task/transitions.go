package task

import "fmt"

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPlanning: {
		StatusRunning:   {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusPaused:    {},
		StatusComplete:  {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusPaused: {
		StatusRunning:   {},
		StatusComplete:  {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusComplete:  {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ValidateTransition accepts re-assigning the current status.
func ValidateTransition(from, to Status) error {
	if _, ok := allowedTransitions[from]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	if from == to {
		return nil
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
