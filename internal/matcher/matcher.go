// Package matcher is the dispatch engine. A ride request creates a pending
// booking, offers it to the nearest eligible drivers and resolves the race
// between their acceptances through the booking's compare-and-set.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const backgroundTimeout = 10 * time.Second

// Publisher is satisfied by *bus.Bus and *bus.RedisRelay.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg bus.Message) (int, error)
}

// Pusher reaches drivers that have no live session.
type Pusher interface {
	Push(ctx context.Context, driverID string, msg bus.Message) error
}

type ETA interface {
	Minutes(ctx context.Context, from, to models.Coord) int
}

type LocationSink interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
}

type DriverStore interface {
	SaveDriver(ctx context.Context, d models.DriverRecord) error
}

type Payments interface {
	Authorize(ctx context.Context, b models.Booking) (string, error)
	Settle(ctx context.Context, b models.Booking) (models.PaymentStatus, string)
	Release(ctx context.Context, b models.Booking) error
}

type Config struct {
	RadiusKm        float64
	CandidateLimit  int
	ResponseTimeout time.Duration
	Retry           RetryPolicy
}

func DefaultConfig() Config {
	return Config{RadiusKm: 10, CandidateLimit: 5, ResponseTimeout: 20 * time.Second, Retry: NoRetry{}}
}

type Engine struct {
	cfg      Config
	bookings *booking.Manager
	registry *geo.Registry
	pub      Publisher
	logger   *slog.Logger
	now      func() time.Time

	eta      ETA
	payments Payments
	push     Pusher
	sink     LocationSink
	drivers  DriverStore

	mu       sync.Mutex
	attempts map[string]*attempt
}

type Option func(*Engine)

func WithETA(est ETA) Option { return func(e *Engine) { e.eta = est } }
func WithPayments(p Payments) Option { return func(e *Engine) { e.payments = p } }
func WithPush(p Pusher) Option { return func(e *Engine) { e.push = p } }
func WithLocationSink(s LocationSink) Option { return func(e *Engine) { e.sink = s } }
func WithDriverStore(s DriverStore) Option { return func(e *Engine) { e.drivers = s } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(cfg Config, bookings *booking.Manager, registry *geo.Registry, pub Publisher, logger *slog.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = def.RadiusKm
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = NoRetry{}
	}
	e := &Engine{
		cfg:      cfg,
		bookings: bookings,
		registry: registry,
		pub:      pub,
		logger:   logger.With("component", "matcher"),
		now:      time.Now,
		eta:      &eta.Estimator{SpeedMps: eta.DefaultSpeedMps},
		attempts: make(map[string]*attempt),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Close stops every pending deadline. Bookings are left as they are.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, a := range e.attempts {
		a.stopTimer()
		delete(e.attempts, id)
	}
}

// Searching reports whether a dispatch attempt is active for the ride.
func (e *Engine) Searching(rideID string) bool {
	return e.lookup(rideID) != nil
}

func (e *Engine) lookup(rideID string) *attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[rideID]
}

func (e *Engine) forget(a *attempt) {
	e.mu.Lock()
	if e.attempts[a.rideID] == a {
		delete(e.attempts, a.rideID)
	}
	e.mu.Unlock()
}

func validateRequest(req models.RideRequest) error {
	switch {
	case strings.TrimSpace(req.RideID) == "":
		return &ValidationError{Field: "ride_id", Reason: "required"}
	case strings.TrimSpace(req.RequesterID) == "":
		return &ValidationError{Field: "requester_id", Reason: "required"}
	case !req.Pickup.Valid():
		return &ValidationError{Field: "pickup", Reason: "coordinate out of range"}
	case !req.Dropoff.Valid():
		return &ValidationError{Field: "dropoff", Reason: "coordinate out of range"}
	case req.Fare.IsNegative():
		return &ValidationError{Field: "fare_amount", Reason: "must not be negative"}
	case req.DistanceKm.IsNegative():
		return &ValidationError{Field: "distance_km", Reason: "must not be negative"}
	case req.DurationMinutes < 0:
		return &ValidationError{Field: "estimated_duration_minutes", Reason: "must not be negative"}
	}
	return nil
}

// RequestRide creates the booking (or reuses a pending one after an earlier
// search found nobody) and starts a dispatch attempt.
func (e *Engine) RequestRide(ctx context.Context, req models.RideRequest) (models.Booking, error) {
	if err := validateRequest(req); err != nil {
		return models.Booking{}, err
	}
	b, err := e.bookings.Get(ctx, req.RideID)
	switch {
	case errors.Is(err, booking.ErrNotFound):
		b, err = e.bookings.Create(ctx, req)
		if errors.Is(err, booking.ErrExists) {
			return models.Booking{}, ErrSearchInProgress
		}
		if err != nil {
			return models.Booking{}, err
		}
	case err != nil:
		return models.Booking{}, err
	case b.RequesterID != req.RequesterID:
		return models.Booking{}, ErrNotParticipant
	case b.Status != models.StatusPending:
		return b, fmt.Errorf("%w: booking is %s", booking.ErrInvalidTransition, b.Status)
	}

	a := newAttempt(b.ID, e.cfg.RadiusKm, e.now())
	e.mu.Lock()
	if _, busy := e.attempts[b.ID]; busy {
		e.mu.Unlock()
		return b, ErrSearchInProgress
	}
	e.attempts[b.ID] = a
	e.mu.Unlock()

	e.logger.Info("dispatch started", "ride_id", b.ID, "requester_id", b.RequesterID)
	e.search(ctx, b, a)
	return b, nil
}

// search runs one round: find candidates not yet offered the ride, offer it
// to them and arm the round deadline.
func (e *Engine) search(ctx context.Context, b models.Booking, a *attempt) {
	a.mu.Lock()
	a.round++
	round, radius := a.round, a.radiusKm
	exclude := make(map[string]bool, len(a.notified))
	for id := range a.notified {
		exclude[id] = true
	}
	a.mu.Unlock()

	cands := e.candidates(b.Pickup.Coord, radius, exclude)
	if len(cands) == 0 {
		e.logger.Info("no candidates", "ride_id", b.ID, "round", round, "radius_km", radius)
		if a.state.CompareAndSwap(stateSearching, stateExpired) {
			e.afterRound(ctx, a)
		}
		return
	}

	timeout := e.cfg.ResponseTimeout
	deadline := e.now().Add(timeout)
	a.mu.Lock()
	a.candidates = make(map[string]float64, len(cands))
	a.declined = make(map[string]bool)
	for _, c := range cands {
		a.candidates[c.ID] = c.DistanceKm
		a.notified[c.ID] = true
	}
	a.deadline = deadline
	if !a.state.CompareAndSwap(stateSearching, stateOpen) {
		a.mu.Unlock()
		return
	}
	a.timer = time.AfterFunc(timeout, func() { e.expire(a, round) })
	a.mu.Unlock()

	e.publish(ctx, bus.RideTopic(b.ID), models.EventSearching, models.Searching{
		Type:       models.EventSearching,
		Message:    "Searching for nearby drivers",
		RideID:     b.ID,
		Attempt:    round,
		Candidates: len(cands),
	})
	for _, c := range cands {
		if a.state.Load() != stateOpen {
			break
		}
		e.offer(ctx, b, c, deadline)
	}
}

func (e *Engine) candidates(origin models.Coord, radiusKm float64, exclude map[string]bool) []geo.Candidate {
	limit := e.cfg.CandidateLimit
	found := e.registry.FindCandidates(origin, radiusKm, limit+len(exclude))
	out := make([]geo.Candidate, 0, limit)
	for _, c := range found {
		if exclude[c.ID] {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (e *Engine) offer(ctx context.Context, b models.Booking, c geo.Candidate, deadline time.Time) {
	msg, err := bus.NewMessage(models.EventRideRequest, models.RideRequestEvent{
		Type:               models.EventRideRequest,
		RideID:             b.ID,
		Passenger:          passengerInfo(b),
		Pickup:             b.Pickup,
		Dropoff:            b.Dropoff,
		Distance:           b.DistanceKm,
		Fare:               b.Fare,
		EstimatedDuration:  b.DurationMinutes,
		DistanceToPickupKm: math.Round(c.DistanceKm*100) / 100,
		ExpiresAt:          deadline,
	})
	if err != nil {
		e.logger.Error("encode ride request", "ride_id", b.ID, "error", err)
		return
	}
	n, err := e.pub.Publish(ctx, bus.DriverTopic(c.ID), msg)
	if err != nil {
		e.logger.Warn("offer publish failed", "ride_id", b.ID, "driver_id", c.ID, "error", err)
	}
	if n == 0 && e.push != nil {
		if err := e.push.Push(ctx, c.ID, msg); err != nil {
			e.logger.Warn("push offer failed", "ride_id", b.ID, "driver_id", c.ID, "error", err)
		}
	}
}

// expire ends a round whose deadline passed, or whose candidates all
// declined. Only the caller that wins the open->expired swap proceeds.
func (e *Engine) expire(a *attempt, round int) {
	a.mu.Lock()
	ok := a.round == round && a.state.CompareAndSwap(stateOpen, stateExpired)
	if ok && a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	e.logger.Info("dispatch round expired", "ride_id", a.rideID, "round", round)
	for _, id := range a.pending() {
		e.unavailable(ctx, id, a.rideID, ReasonExpired)
	}
	e.afterRound(ctx, a)
}

// afterRound either starts the next round or gives up. The caller owns the
// expired state, so no_drivers is sent at most once per attempt.
func (e *Engine) afterRound(ctx context.Context, a *attempt) {
	a.mu.Lock()
	radius, retry := e.cfg.Retry.Next(a.round+1, a.radiusKm)
	if retry {
		a.radiusKm = radius
	}
	a.mu.Unlock()

	if retry {
		b, err := e.bookings.Get(ctx, a.rideID)
		if err != nil {
			e.logger.Warn("retry lookup failed", "ride_id", a.rideID, "error", err)
		} else if b.Status == models.StatusPending && a.state.CompareAndSwap(stateExpired, stateSearching) {
			observability.DispatchAttempts.WithLabelValues("retry").Inc()
			e.search(ctx, b, a)
			return
		}
	}

	if !a.state.CompareAndSwap(stateExpired, stateExhausted) {
		return
	}
	e.forget(a)
	observability.DispatchAttempts.WithLabelValues("no_drivers").Inc()
	e.logger.Info("no drivers found", "ride_id", a.rideID)
	e.publish(ctx, bus.RideTopic(a.rideID), models.EventNoDrivers, models.NoDrivers{
		Type:    models.EventNoDrivers,
		Message: "No drivers available nearby. Please try again.",
		RideID:  a.rideID,
	})
}

// Accept resolves a driver's acceptance. The driver is reserved in the
// registry first so it cannot be bound to two bookings; the booking
// compare-and-set then decides the winner.
func (e *Engine) Accept(ctx context.Context, driverID, rideID string) (models.Booking, error) {
	if rideID == "" {
		return models.Booking{}, &ValidationError{Field: "ride_id", Reason: "required"}
	}
	a := e.lookup(rideID)
	if a == nil {
		return e.acceptWithoutAttempt(ctx, driverID, rideID)
	}

	a.mu.Lock()
	_, offered := a.candidates[driverID]
	declined := a.declined[driverID]
	earlier := a.notified[driverID]
	round := a.round
	a.mu.Unlock()

	if a.state.Load() != stateOpen {
		return e.reject(driverID, rideID, a.reason())
	}
	if !offered || declined {
		reason := ReasonNotOffered
		if earlier && !offered {
			reason = ReasonExpired
		}
		return e.reject(driverID, rideID, reason)
	}
	if _, err := e.registry.Reserve(driverID, rideID); err != nil {
		return e.reject(driverID, rideID, ReasonDriverUnavailable)
	}
	if !a.state.CompareAndSwap(stateOpen, stateResolving) {
		e.release(driverID, rideID, false)
		return e.reject(driverID, rideID, a.reason())
	}

	b, err := e.bookings.TryAssign(ctx, rideID, driverID)
	if err != nil {
		e.release(driverID, rideID, false)
		if errors.Is(err, booking.ErrConflict) {
			if b.Status == models.StatusCancelled {
				a.state.CompareAndSwap(stateResolving, stateCancelled)
			} else {
				a.state.CompareAndSwap(stateResolving, stateAssigned)
			}
			return e.reject(driverID, rideID, a.reason())
		}
		// The store failed; reopen the round so another acceptance can win.
		a.mu.Lock()
		reopened := a.round == round && a.state.CompareAndSwap(stateResolving, stateOpen)
		overdue := reopened && !e.now().Before(a.deadline)
		a.mu.Unlock()
		if overdue {
			go e.expire(a, round)
		}
		return models.Booking{}, err
	}

	a.state.CompareAndSwap(stateResolving, stateAssigned)
	a.stopTimer()
	e.forget(a)
	e.assigned(ctx, a, b, driverID)
	return b, nil
}

func (e *Engine) acceptWithoutAttempt(ctx context.Context, driverID, rideID string) (models.Booking, error) {
	b, err := e.bookings.Get(ctx, rideID)
	if err != nil {
		return models.Booking{}, err
	}
	switch {
	case b.Status == models.StatusCancelled:
		return e.reject(driverID, rideID, ReasonCancelled)
	case b.Status == models.StatusCompleted:
		return e.reject(driverID, rideID, ReasonAlreadyAssigned)
	case b.DriverID == driverID && (b.Status == models.StatusConfirmed || b.Status == models.StatusInProgress):
		// repeated accept from the winner of a live trip
		e.publish(ctx, bus.DriverTopic(driverID), models.EventRideConfirmed, rideConfirmed(b))
		return b, nil
	case b.Status == models.StatusPending:
		return e.reject(driverID, rideID, ReasonExpired)
	default:
		return e.reject(driverID, rideID, ReasonAlreadyAssigned)
	}
}

func (e *Engine) reject(driverID, rideID, reason string) (models.Booking, error) {
	observability.AssignConflicts.Inc()
	e.logger.Info("acceptance rejected", "ride_id", rideID, "driver_id", driverID, "reason", reason)
	return models.Booking{}, &UnavailableError{RideID: rideID, Reason: reason}
}

func (e *Engine) assigned(ctx context.Context, a *attempt, b models.Booking, driverID string) {
	observability.DispatchAttempts.WithLabelValues("assigned").Inc()
	observability.MatchLatency.Observe(e.now().Sub(a.started).Seconds())
	e.logger.Info("driver assigned", "ride_id", b.ID, "driver_id", driverID)

	rec, _ := e.registry.Get(driverID)
	var etaMinutes float64
	if rec.Location != nil {
		etaMinutes = float64(e.eta.Minutes(ctx, *rec.Location, b.Pickup.Coord))
	}
	e.publish(ctx, bus.RideTopic(b.ID), models.EventDriverAssigned, models.DriverAssigned{
		Type:       models.EventDriverAssigned,
		Message:    "Driver found",
		RideID:     b.ID,
		Driver:     assignedDriver(rec),
		ETAMinutes: etaMinutes,
	})
	e.publish(ctx, bus.DriverTopic(driverID), models.EventRideConfirmed, rideConfirmed(b))
	for _, id := range a.pending() {
		if id != driverID {
			e.unavailable(ctx, id, b.ID, ReasonAlreadyAssigned)
		}
	}
	e.saveDriver(ctx, rec)

	if e.payments != nil {
		ref, err := e.payments.Authorize(ctx, b)
		if err != nil {
			e.logger.Warn("payment authorization failed", "ride_id", b.ID, "error", err)
		} else if ref != "" {
			if _, err := e.bookings.SetPayment(ctx, b.ID, models.PaymentPending, ref); err != nil {
				e.logger.Warn("record payment ref failed", "ride_id", b.ID, "error", err)
			}
		}
	}
}

// Decline removes the driver from the current round. When every candidate
// has declined the round ends without waiting for the deadline.
func (e *Engine) Decline(ctx context.Context, driverID, rideID string) error {
	if rideID == "" {
		return &ValidationError{Field: "ride_id", Reason: "required"}
	}
	if a := e.lookup(rideID); a != nil {
		e.decline(a, driverID)
	}
	return nil
}

func (e *Engine) decline(a *attempt, driverID string) {
	a.mu.Lock()
	_, offered := a.candidates[driverID]
	if !offered || a.declined[driverID] || a.state.Load() != stateOpen {
		a.mu.Unlock()
		return
	}
	a.declined[driverID] = true
	all := len(a.declined) == len(a.candidates)
	round := a.round
	a.mu.Unlock()

	observability.DriverDeclines.Inc()
	e.logger.Debug("ride declined", "ride_id", a.rideID, "driver_id", driverID)
	if all {
		e.expire(a, round)
	}
}

// DriverDisconnected treats a dropped driver connection as a decline of
// every open offer. Availability is left alone.
func (e *Engine) DriverDisconnected(driverID string) {
	e.mu.Lock()
	open := make([]*attempt, 0, len(e.attempts))
	for _, a := range e.attempts {
		open = append(open, a)
	}
	e.mu.Unlock()
	for _, a := range open {
		e.decline(a, driverID)
	}
}

// DriverTimedOut applies the heartbeat policy: the connection is treated as
// dropped and an available driver goes offline. A busy driver stays busy.
func (e *Engine) DriverTimedOut(ctx context.Context, driverID string) {
	e.DriverDisconnected(driverID)
	rec, changed, err := e.registry.SetAvailabilityIf(driverID, models.Available, models.Offline)
	if err != nil || !changed {
		return
	}
	e.logger.Info("driver marked offline after heartbeat timeout", "driver_id", driverID)
	e.saveDriver(ctx, rec)
}

// CancelRide is the passenger cancel. Only a booking still searching for a
// driver can be cancelled this way.
func (e *Engine) CancelRide(ctx context.Context, rideID, requesterID, reason string) (models.Booking, error) {
	b, err := e.bookings.Get(ctx, rideID)
	if err != nil {
		return models.Booking{}, err
	}
	if b.RequesterID != requesterID {
		return models.Booking{}, ErrNotParticipant
	}
	b, err = e.bookings.CancelPending(ctx, rideID, booking.RolePassenger, reason)
	if err != nil {
		return b, err
	}
	e.cancelled(ctx, b)
	return b, nil
}

// DriverCancel lets the assigned driver back out before pickup.
func (e *Engine) DriverCancel(ctx context.Context, driverID, rideID, reason string) (models.Booking, error) {
	b, err := e.participant(ctx, driverID, rideID)
	if err != nil {
		return models.Booking{}, err
	}
	b, err = e.bookings.Cancel(ctx, rideID, booking.RoleDriver, reason)
	if err != nil {
		return b, err
	}
	rec := e.release(driverID, rideID, false)
	e.saveDriver(ctx, rec)
	if e.payments != nil {
		if err := e.payments.Release(ctx, b); err != nil {
			e.logger.Warn("payment release failed", "ride_id", b.ID, "error", err)
		}
	}
	e.cancelled(ctx, b)
	return b, nil
}

func (e *Engine) cancelled(ctx context.Context, b models.Booking) {
	if a := e.lookup(b.ID); a != nil {
		for {
			s := a.state.Load()
			if s == stateAssigned || s == stateCancelled || s == stateExhausted {
				break
			}
			if a.state.CompareAndSwap(s, stateCancelled) {
				break
			}
		}
		a.stopTimer()
		e.forget(a)
		for _, id := range a.pending() {
			e.unavailable(ctx, id, b.ID, ReasonCancelled)
		}
		observability.DispatchAttempts.WithLabelValues("cancelled").Inc()
	}
	e.logger.Info("ride cancelled", "ride_id", b.ID, "cancelled_by", b.CancelledBy, "reason", b.CancelReason)
	e.publish(ctx, bus.RideTopic(b.ID), models.EventRideCancelled, models.RideCancelled{
		Type:        models.EventRideCancelled,
		RideID:      b.ID,
		Reason:      b.CancelReason,
		CancelledBy: b.CancelledBy,
	})
}

func (e *Engine) StartTrip(ctx context.Context, driverID, rideID string) (models.Booking, error) {
	if _, err := e.participant(ctx, driverID, rideID); err != nil {
		return models.Booking{}, err
	}
	b, err := e.bookings.Advance(ctx, rideID, models.StatusInProgress)
	if err != nil {
		return b, err
	}
	e.publish(ctx, bus.RideTopic(rideID), models.EventTripStarted, models.TripStarted{
		Type: models.EventTripStarted, RideID: rideID, At: *b.PickupAt,
	})
	return b, nil
}

// CompleteTrip finishes the ride, frees the driver and settles payment when
// a payment adapter is configured.
func (e *Engine) CompleteTrip(ctx context.Context, driverID, rideID string) (models.Booking, error) {
	if _, err := e.participant(ctx, driverID, rideID); err != nil {
		return models.Booking{}, err
	}
	b, err := e.bookings.Advance(ctx, rideID, models.StatusCompleted)
	if err != nil {
		return b, err
	}
	rec := e.release(driverID, rideID, true)
	e.saveDriver(ctx, rec)

	if e.payments != nil {
		status, ref := e.payments.Settle(ctx, b)
		if paid, err := e.bookings.SetPayment(ctx, rideID, status, ref); err != nil {
			e.logger.Warn("record payment failed", "ride_id", rideID, "error", err)
		} else {
			b = paid
		}
	}
	e.publish(ctx, bus.RideTopic(rideID), models.EventTripCompleted, models.TripCompleted{
		Type:          models.EventTripCompleted,
		RideID:        rideID,
		Fare:          b.Fare,
		PaymentStatus: b.PaymentStatus,
		At:            *b.DropoffAt,
	})
	return b, nil
}

// Rate records a score from either side of a completed ride. A passenger's
// score also folds into the driver's running rating.
func (e *Engine) Rate(ctx context.Context, rideID string, rater booking.Role, actorID string, score int, feedback string) (models.Booking, error) {
	b, err := e.bookings.Get(ctx, rideID)
	if err != nil {
		return models.Booking{}, err
	}
	if (rater == booking.RolePassenger && b.RequesterID != actorID) || (rater == booking.RoleDriver && b.DriverID != actorID) {
		return models.Booking{}, ErrNotParticipant
	}
	b, err = e.bookings.Rate(ctx, rideID, rater, score, feedback)
	if err != nil {
		return b, err
	}
	if rater == booking.RolePassenger {
		rec, err := e.registry.ApplyRating(b.DriverID, score)
		if err != nil {
			e.logger.Warn("apply driver rating failed", "driver_id", b.DriverID, "error", err)
		} else {
			e.saveDriver(ctx, rec)
		}
	}
	return b, nil
}

// UpdateLocation stores a position report and relays it to the passenger
// of the driver's current booking.
func (e *Engine) UpdateLocation(ctx context.Context, driverID string, c models.Coord, heading, speed float64) (models.DriverRecord, error) {
	rec, err := e.registry.UpsertLocation(driverID, c, heading, speed)
	if err != nil {
		return rec, err
	}
	observability.LocationUpdates.Inc()
	if e.sink != nil {
		ev := models.LocationEvent{
			DriverID:     rec.ID,
			Lat:          c.Lat,
			Lon:          c.Lon,
			Heading:      heading,
			Speed:        speed,
			Availability: rec.Availability,
			Rating:       rec.Rating,
			At:           rec.UpdatedAt,
		}
		if err := e.sink.PublishLocation(ctx, ev); err != nil {
			e.logger.Warn("location stream publish failed", "driver_id", driverID, "error", err)
		}
	}
	if rec.CurrentBookingID != "" {
		e.publish(ctx, bus.RideTopic(rec.CurrentBookingID), models.EventDriverLocation, models.DriverLocation{
			Type:      models.EventDriverLocation,
			RideID:    rec.CurrentBookingID,
			DriverID:  rec.ID,
			Latitude:  c.Lat,
			Longitude: c.Lon,
			Heading:   heading,
			Speed:     speed,
			At:        rec.UpdatedAt,
		})
	}
	return rec, nil
}

// SetStatus is a driver toggling between available and offline. Going
// offline withdraws the driver from any open offer.
func (e *Engine) SetStatus(ctx context.Context, driverID string, a models.Availability) (models.DriverRecord, error) {
	if a != models.Available && a != models.Offline {
		return models.DriverRecord{}, &ValidationError{Field: "status", Reason: "must be available or offline"}
	}
	rec, err := e.registry.SetAvailability(driverID, a)
	if err != nil {
		return rec, err
	}
	if a == models.Offline {
		e.DriverDisconnected(driverID)
	}
	e.saveDriver(ctx, rec)
	e.publish(ctx, bus.DriverTopic(driverID), models.EventStatusChanged, models.StatusChanged{
		Type: models.EventStatusChanged, DriverID: driverID, Availability: rec.Availability,
	})
	return rec, nil
}

// ProvisionDriver registers or refreshes a driver profile.
func (e *Engine) ProvisionDriver(ctx context.Context, d models.DriverRecord) models.DriverRecord {
	rec := e.registry.Provision(d)
	e.saveDriver(ctx, rec)
	return rec
}

// RestoreDrivers loads persisted drivers into the registry at startup. A
// driver stored as busy is bound again to its confirmed or in-progress
// booking; with no such booking it comes back available.
func (e *Engine) RestoreDrivers(ctx context.Context, drivers []models.DriverRecord) (int, error) {
	bound := 0
	for _, d := range drivers {
		wasBusy := d.Availability == models.Busy
		if wasBusy {
			d.Availability = models.Available
		}
		rec := e.registry.Provision(d)
		if d.Location != nil {
			if _, err := e.registry.UpsertLocation(d.ID, *d.Location, d.Heading, d.Speed); err != nil {
				e.logger.Warn("restore driver location failed", "driver_id", d.ID, "error", err)
			}
		}
		if !wasBusy {
			continue
		}
		b, ok, err := e.activeBooking(ctx, d.ID)
		if err != nil {
			return bound, fmt.Errorf("restore driver %s: %w", d.ID, err)
		}
		if ok {
			if rec, err = e.registry.Reserve(d.ID, b.ID); err != nil {
				e.logger.Warn("rebind driver failed", "driver_id", d.ID, "ride_id", b.ID, "error", err)
				continue
			}
			bound++
		}
		e.saveDriver(ctx, rec)
	}
	return bound, nil
}

func (e *Engine) activeBooking(ctx context.Context, driverID string) (models.Booking, bool, error) {
	for _, s := range []models.BookingStatus{models.StatusInProgress, models.StatusConfirmed} {
		out, err := e.bookings.List(ctx, models.BookingQuery{DriverID: driverID, Status: s, Limit: 1})
		if err != nil {
			return models.Booking{}, false, err
		}
		if len(out) > 0 {
			return out[0], true, nil
		}
	}
	return models.Booking{}, false, nil
}

func (e *Engine) participant(ctx context.Context, driverID, rideID string) (models.Booking, error) {
	if rideID == "" {
		return models.Booking{}, &ValidationError{Field: "ride_id", Reason: "required"}
	}
	b, err := e.bookings.Get(ctx, rideID)
	if err != nil {
		return models.Booking{}, err
	}
	if b.DriverID != driverID {
		return models.Booking{}, ErrNotParticipant
	}
	return b, nil
}

func (e *Engine) release(driverID, rideID string, completed bool) models.DriverRecord {
	rec, err := e.registry.Release(driverID, rideID, completed)
	if err != nil {
		e.logger.Warn("release driver failed", "driver_id", driverID, "ride_id", rideID, "error", err)
	}
	return rec
}

func (e *Engine) saveDriver(ctx context.Context, rec models.DriverRecord) {
	if e.drivers == nil || rec.ID == "" {
		return
	}
	if err := e.drivers.SaveDriver(ctx, rec); err != nil {
		e.logger.Warn("persist driver failed", "driver_id", rec.ID, "error", err)
	}
}

func (e *Engine) unavailable(ctx context.Context, driverID, rideID, reason string) {
	e.publish(ctx, bus.DriverTopic(driverID), models.EventRideUnavailable, models.RideUnavailable{
		Type: models.EventRideUnavailable, RideID: rideID, Reason: reason,
	})
}

func (e *Engine) publish(ctx context.Context, topic, typ string, v any) {
	msg, err := bus.NewMessage(typ, v)
	if err != nil {
		e.logger.Error("encode event", "type", typ, "error", err)
		return
	}
	if _, err := e.pub.Publish(ctx, topic, msg); err != nil {
		e.logger.Warn("publish failed", "topic", topic, "type", typ, "error", err)
	}
}

func passengerInfo(b models.Booking) models.PassengerInfo {
	return models.PassengerInfo{ID: b.RequesterID, Name: b.RequesterName, Phone: b.RequesterPhone}
}

func rideConfirmed(b models.Booking) models.RideConfirmed {
	return models.RideConfirmed{
		Type:      models.EventRideConfirmed,
		RideID:    b.ID,
		Passenger: passengerInfo(b),
		Pickup:    b.Pickup,
		Dropoff:   b.Dropoff,
	}
}

func assignedDriver(rec models.DriverRecord) models.AssignedDriver {
	d := models.AssignedDriver{
		ID:                  rec.ID,
		Name:                rec.Name,
		Phone:               rec.Phone,
		VehicleType:         rec.Vehicle.Type,
		VehicleRegistration: rec.Vehicle.Registration,
		Rating:              rec.Rating,
	}
	if rec.Location != nil {
		lat, lon := rec.Location.Lat, rec.Location.Lon
		d.Latitude, d.Longitude = &lat, &lon
	}
	return d
}
