package task

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s: expected Terminal()=%v, got %v", status, want, got)
		}
	}
}
