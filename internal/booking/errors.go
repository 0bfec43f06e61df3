package booking

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("booking not found")
	ErrExists      = errors.New("booking already exists")
	ErrConflict    = errors.New("booking state conflict")
	ErrUnavailable = errors.New("booking store unavailable")
	ErrInvalid     = errors.New("invalid booking input")

	// The following are conflicts: errors.Is(err, ErrConflict) holds.
	ErrAlreadyTerminal   = fmt.Errorf("%w: booking already terminal", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid state transition", ErrConflict)
	ErrAlreadyRated      = fmt.Errorf("%w: already rated", ErrConflict)
)
