package task

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusPlanning, StatusRunning},
		{StatusRunning, StatusPaused},
		{StatusRunning, StatusComplete},
		{StatusRunning, StatusFailed},
		{StatusPaused, StatusRunning},
		{StatusPaused, StatusComplete},
		{StatusPaused, StatusFailed},
		{StatusPlanning, StatusFailed},
		{StatusPlanning, StatusCancelled},
		{StatusRunning, StatusRunning},
	}
	for _, pair := range legal {
		if err := ValidateTransition(pair[0], pair[1]); err != nil {
			t.Fatalf("expected %s -> %s to be legal: %v", pair[0], pair[1], err)
		}
	}

	for _, to := range []Status{StatusComplete, StatusPaused} {
		if err := ValidateTransition(StatusPlanning, to); !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("expected planning -> %s to be illegal, got %v", to, err)
		}
	}
	for _, terminal := range []Status{StatusComplete, StatusFailed, StatusCancelled} {
		if err := ValidateTransition(terminal, StatusRunning); !errors.Is(err, ErrTerminal) {
			t.Fatalf("expected terminal error from %s, got %v", terminal, err)
		}
	}
	if err := ValidateTransition(StatusRunning, Status("archived")); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}
