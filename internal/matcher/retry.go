package matcher

// RetryPolicy decides whether a dispatch attempt that ended without an
// acceptance gets another round. Next is called with the upcoming round
// number (2, 3, ...) and the radius of the round that just ended.
// Drivers already offered the ride are never offered it again in the same
// attempt.
type RetryPolicy interface {
	Next(round int, radiusKm float64) (float64, bool)
}

// NoRetry gives up after the first round.
type NoRetry struct{}

func (NoRetry) Next(int, float64) (float64, bool) { return 0, false }

// ExpandingRadius widens the search by Factor per round, capped at
// MaxRadiusKm, for at most MaxRetries extra rounds.
type ExpandingRadius struct {
	Factor      float64
	MaxRadiusKm float64
	MaxRetries  int
}

func (p ExpandingRadius) Next(round int, radiusKm float64) (float64, bool) {
	if round-1 > p.MaxRetries {
		return 0, false
	}
	next := radiusKm
	if p.Factor > 1 {
		next = radiusKm * p.Factor
	}
	if p.MaxRadiusKm > 0 && next > p.MaxRadiusKm {
		next = p.MaxRadiusKm
	}
	return next, true
}
