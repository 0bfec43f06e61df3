package matcher

import (
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/booking"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotParticipant   = errors.New("not a participant of this ride")
	ErrSearchInProgress = fmt.Errorf("%w: driver search already in progress", booking.ErrConflict)
)

// ValidationError reports a malformed inbound payload. No state is changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidRequest }

// Reasons carried by ride_unavailable.
const (
	ReasonAlreadyAssigned   = "already_assigned"
	ReasonCancelled         = "cancelled"
	ReasonExpired           = "expired"
	ReasonNotOffered        = "not_offered"
	ReasonDriverUnavailable = "driver_unavailable"
	// another acceptance is being committed; the offer may reopen if it fails
	ReasonContended = "contended"
)

// UnavailableError is the expected outcome of losing an acceptance race or
// acting on an offer that is no longer open. It is a booking conflict.
type UnavailableError struct {
	RideID string
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ride %s unavailable: %s", e.RideID, e.Reason)
}

func (e *UnavailableError) Is(target error) bool { return target == booking.ErrConflict }
