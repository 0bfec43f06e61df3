package matcher

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// attempt states. Every change is a compare-and-swap so the deadline timer,
// acceptances and cancellation agree on a single outcome.
const (
	stateSearching int32 = iota
	stateOpen
	stateResolving
	stateExpired
	stateExhausted
	stateAssigned
	stateCancelled
)

// attempt is the transient dispatch state for one booking: who was offered
// the ride in the current round, who declined, and when the round ends.
type attempt struct {
	rideID  string
	started time.Time
	state   atomic.Int32

	mu         sync.Mutex
	round      int
	radiusKm   float64
	candidates map[string]float64 // driver id -> distance to pickup
	declined   map[string]bool
	notified   map[string]bool // every driver offered the ride in any round
	deadline   time.Time
	timer      *time.Timer
}

func newAttempt(rideID string, radiusKm float64, now time.Time) *attempt {
	return &attempt{
		rideID:   rideID,
		started:  now,
		radiusKm: radiusKm,
		notified: make(map[string]bool),
	}
}

// reason maps a non-open state to the ride_unavailable reason.
func (a *attempt) reason() string {
	switch a.state.Load() {
	case stateCancelled:
		return ReasonCancelled
	case stateAssigned:
		return ReasonAlreadyAssigned
	case stateResolving:
		return ReasonContended
	default:
		return ReasonExpired
	}
}

// pending returns the candidates of the current round that have not declined.
func (a *attempt) pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.candidates))
	for id := range a.candidates {
		if !a.declined[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (a *attempt) stopTimer() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
}
