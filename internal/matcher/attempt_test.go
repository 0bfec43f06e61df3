package matcher

import (
	"testing"
	"time"
)

func TestAttemptReason(t *testing.T) {
	tests := []struct {
		state int32
		want  string
	}{
		{stateOpen, ReasonExpired},
		{stateExpired, ReasonExpired},
		{stateExhausted, ReasonExpired},
		{stateResolving, ReasonContended},
		{stateAssigned, ReasonAlreadyAssigned},
		{stateCancelled, ReasonCancelled},
	}
	for _, tt := range tests {
		a := newAttempt("r1", 5, time.Now())
		a.state.Store(tt.state)
		if got := a.reason(); got != tt.want {
			t.Errorf("state %d: got %q, want %q", tt.state, got, tt.want)
		}
	}
}
