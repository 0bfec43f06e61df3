// Package booking owns the Booking entity and its state machine.
//
// Every live booking has an arena entry with its own mutex. Each mutation
// is a compare-and-set under that mutex: the current state is checked, the
// next state is persisted and only then made visible. No other path writes a
// booking, so TryAssign is the only way a driver becomes bound to one.
// Terminal bookings are dropped from the arena and served by the store.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Store persists bookings. UpdateBooking must only apply when the stored
// status still equals from, reporting false otherwise.
type Store interface {
	SaveBooking(ctx context.Context, b models.Booking) error
	UpdateBooking(ctx context.Context, b models.Booking, from models.BookingStatus) (bool, error)
	GetBooking(ctx context.Context, id string) (models.Booking, error)
	ListBookings(ctx context.Context, q models.BookingQuery) ([]models.Booking, error)
	AppendTransition(ctx context.Context, t models.Transition) error
}

// TransitionSink receives every committed transition, e.g. a Kafka producer.
type TransitionSink interface {
	PublishTransition(ctx context.Context, t models.Transition) error
}

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
	RoleSystem    Role = "system"
)

// AllowedTransitions is the booking state flow as code.
var AllowedTransitions = map[models.BookingStatus][]models.BookingStatus{
	models.StatusPending:    {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed:  {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
}

func CanTransition(from, to models.BookingStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type entry struct {
	mu   sync.Mutex
	b    models.Booking
	gone bool
}

type Manager struct {
	mu     sync.RWMutex
	arena  map[string]*entry
	store  Store
	sink   TransitionSink
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

func WithTransitionSink(s TransitionSink) Option { return func(m *Manager) { m.sink = s } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		arena:  make(map[string]*entry),
		store:  store,
		now:    time.Now,
		logger: logger.With("component", "booking"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create registers a new booking in pending state.
func (m *Manager) Create(ctx context.Context, req models.RideRequest) (models.Booking, error) {
	if strings.TrimSpace(req.RideID) == "" || strings.TrimSpace(req.RequesterID) == "" {
		return models.Booking{}, fmt.Errorf("%w: ride id and requester are required", ErrInvalid)
	}
	b := models.Booking{
		ID:               req.RideID,
		RequesterID:      req.RequesterID,
		RequesterName:    req.RequesterName,
		RequesterPhone:   req.RequesterPhone,
		DependentRiderID: req.DependentRiderID,
		Pickup:           req.Pickup,
		Dropoff:          req.Dropoff,
		DistanceKm:       req.DistanceKm,
		DurationMinutes:  req.DurationMinutes,
		Fare:             req.Fare,
		Status:           models.StatusPending,
		PaymentStatus:    models.PaymentPending,
		CreatedAt:        m.now(),
	}

	e := &entry{b: b}
	for {
		m.mu.Lock()
		cur, ok := m.arena[b.ID]
		if !ok {
			e.mu.Lock()
			m.arena[b.ID] = e
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		// A concurrent lookup may hold a placeholder that turns out empty.
		cur.mu.Lock()
		gone := cur.gone
		cur.mu.Unlock()
		if !gone {
			return models.Booking{}, ErrExists
		}
	}

	if err := m.store.SaveBooking(ctx, b); err != nil {
		m.drop(b.ID, e)
		e.mu.Unlock()
		if errors.Is(err, ErrExists) {
			return models.Booking{}, ErrExists
		}
		return models.Booking{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.mu.Unlock()

	m.record(ctx, models.Transition{BookingID: b.ID, To: models.StatusPending, Actor: string(RolePassenger), At: b.CreatedAt})
	return b, nil
}

// Get returns the current booking, loading it from the store on a miss.
func (m *Manager) Get(ctx context.Context, id string) (models.Booking, error) {
	e, err := m.acquire(ctx, id)
	if err != nil {
		return models.Booking{}, err
	}
	b := e.b
	m.release(id, e)
	return b, nil
}

// Cached reports how many bookings are held in memory.
func (m *Manager) Cached() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.arena)
}

// List queries persisted bookings by requester, driver and status.
func (m *Manager) List(ctx context.Context, q models.BookingQuery) ([]models.Booking, error) {
	out, err := m.store.ListBookings(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// TryAssign binds driverID to a pending booking and confirms it in one step.
// Any other current state yields ErrConflict with no side effect.
func (m *Manager) TryAssign(ctx context.Context, id, driverID string) (models.Booking, error) {
	if driverID == "" {
		return models.Booking{}, fmt.Errorf("%w: driver id is required", ErrInvalid)
	}
	return m.mutate(ctx, id, RoleDriver, "", func(b *models.Booking, now time.Time) error {
		if b.Status != models.StatusPending {
			return ErrConflict
		}
		b.Status = models.StatusConfirmed
		b.DriverID = driverID
		b.ConfirmedAt = &now
		return nil
	})
}

// Cancel moves a pending or confirmed booking to cancelled. Cancelling a
// terminal booking reports ErrAlreadyTerminal and leaves cancelled_at alone.
func (m *Manager) Cancel(ctx context.Context, id string, by Role, reason string) (models.Booking, error) {
	return m.cancel(ctx, id, by, reason, models.StatusPending, models.StatusConfirmed)
}

// CancelPending is Cancel restricted to bookings still searching for a driver.
func (m *Manager) CancelPending(ctx context.Context, id string, by Role, reason string) (models.Booking, error) {
	return m.cancel(ctx, id, by, reason, models.StatusPending)
}

func (m *Manager) cancel(ctx context.Context, id string, by Role, reason string, allowed ...models.BookingStatus) (models.Booking, error) {
	return m.mutate(ctx, id, by, reason, func(b *models.Booking, now time.Time) error {
		if b.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		ok := false
		for _, s := range allowed {
			if b.Status == s {
				ok = true
			}
		}
		if !ok {
			return ErrInvalidTransition
		}
		b.Status = models.StatusCancelled
		b.CancelledAt = &now
		b.CancelReason = reason
		b.CancelledBy = string(by)
		return nil
	})
}

// Advance moves confirmed -> in_progress -> completed. Out of order targets
// are rejected.
func (m *Manager) Advance(ctx context.Context, id string, target models.BookingStatus) (models.Booking, error) {
	if target != models.StatusInProgress && target != models.StatusCompleted {
		return models.Booking{}, ErrInvalidTransition
	}
	return m.mutate(ctx, id, RoleDriver, "", func(b *models.Booking, now time.Time) error {
		if !CanTransition(b.Status, target) {
			if b.Status.Terminal() {
				return ErrAlreadyTerminal
			}
			return ErrInvalidTransition
		}
		b.Status = target
		if target == models.StatusInProgress {
			b.PickupAt = &now
		} else {
			b.DropoffAt = &now
		}
		return nil
	})
}

// Rate records a 1..5 score on a completed booking. A passenger rates the
// driver and a driver rates the passenger; each side rates once.
func (m *Manager) Rate(ctx context.Context, id string, rater Role, score int, feedback string) (models.Booking, error) {
	if score < 1 || score > 5 {
		return models.Booking{}, fmt.Errorf("%w: score must be between 1 and 5", ErrInvalid)
	}
	if rater != RolePassenger && rater != RoleDriver {
		return models.Booking{}, fmt.Errorf("%w: unknown rater %q", ErrInvalid, rater)
	}
	return m.mutate(ctx, id, rater, "", func(b *models.Booking, _ time.Time) error {
		if b.Status != models.StatusCompleted {
			return ErrInvalidTransition
		}
		s := score
		switch rater {
		case RolePassenger:
			if b.DriverRating != nil {
				return ErrAlreadyRated
			}
			b.DriverRating = &s
			if feedback != "" {
				b.Feedback = feedback
			}
		case RoleDriver:
			if b.PassengerRating != nil {
				return ErrAlreadyRated
			}
			b.PassengerRating = &s
		}
		return nil
	})
}

// SetPayment records the payment status flag reported by the payment service.
func (m *Manager) SetPayment(ctx context.Context, id string, status models.PaymentStatus, ref string) (models.Booking, error) {
	return m.mutate(ctx, id, RoleSystem, "", func(b *models.Booking, _ time.Time) error {
		b.PaymentStatus = status
		if ref != "" {
			b.PaymentRef = ref
		}
		return nil
	})
}

// acquire returns the live entry for id with its lock held. On a miss a
// locked placeholder is published first, so concurrent callers wait for the
// single store read instead of racing it with stale copies.
func (m *Manager) acquire(ctx context.Context, id string) (*entry, error) {
	for {
		m.mu.RLock()
		e, ok := m.arena[id]
		m.mu.RUnlock()
		if !ok {
			m.mu.Lock()
			if e, ok = m.arena[id]; !ok {
				e = &entry{}
				e.mu.Lock()
				m.arena[id] = e
				m.mu.Unlock()
				return m.fill(ctx, id, e)
			}
			m.mu.Unlock()
		}
		e.mu.Lock()
		if !e.gone {
			return e, nil
		}
		// dropped while we waited; the next lookup starts from the store
		e.mu.Unlock()
	}
}

func (m *Manager) fill(ctx context.Context, id string, e *entry) (*entry, error) {
	b, err := m.store.GetBooking(ctx, id)
	if err != nil {
		m.drop(id, e)
		e.mu.Unlock()
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.b = b
	return e, nil
}

// release unlocks e. A terminal booking leaves the arena at this point.
func (m *Manager) release(id string, e *entry) {
	if e.b.Status.Terminal() {
		m.drop(id, e)
	}
	e.mu.Unlock()
}

// drop removes e from the arena. The caller holds e.mu.
func (m *Manager) drop(id string, e *entry) {
	e.gone = true
	m.mu.Lock()
	if m.arena[id] == e {
		delete(m.arena, id)
	}
	m.mu.Unlock()
}

// mutate is the single compare-and-set entry point. fn inspects and edits a
// copy, stamping it with now; the copy is persisted and then published to
// the arena. The transition record carries the same now. On any error the
// stored and visible booking are unchanged.
func (m *Manager) mutate(ctx context.Context, id string, actor Role, reason string, fn func(b *models.Booking, now time.Time) error) (models.Booking, error) {
	e, err := m.acquire(ctx, id)
	if err != nil {
		return models.Booking{}, err
	}
	current := e.b
	next := current
	now := m.now()
	if err := fn(&next, now); err != nil {
		m.release(id, e)
		return current, err
	}
	ok, err := m.store.UpdateBooking(ctx, next, current.Status)
	if err != nil {
		m.release(id, e)
		return current, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		// Another writer moved the persisted row; the next call reloads it.
		m.drop(id, e)
		e.mu.Unlock()
		return current, ErrConflict
	}
	e.b = next
	m.release(id, e)

	if next.Status != current.Status {
		m.record(ctx, models.Transition{
			BookingID: id,
			From:      current.Status,
			To:        next.Status,
			DriverID:  next.DriverID,
			Actor:     string(actor),
			Reason:    reason,
			At:        now,
		})
	}
	return next, nil
}

func (m *Manager) record(ctx context.Context, t models.Transition) {
	observability.BookingTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	m.logger.Info("booking transition",
		"booking_id", t.BookingID,
		"from", t.From,
		"to", t.To,
		"driver_id", t.DriverID,
		"actor", t.Actor,
		"at", t.At,
	)
	if err := m.store.AppendTransition(ctx, t); err != nil {
		m.logger.Warn("append transition failed", "booking_id", t.BookingID, "error", err)
	}
	if m.sink != nil {
		if err := m.sink.PublishTransition(ctx, t); err != nil {
			m.logger.Warn("publish transition failed", "booking_id", t.BookingID, "error", err)
		}
	}
}
