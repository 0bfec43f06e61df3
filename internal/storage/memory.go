package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu          sync.RWMutex
	bookings    map[string]models.Booking
	transitions map[string][]models.Transition
	drivers     map[string]models.DriverRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:    make(map[string]models.Booking),
		transitions: make(map[string][]models.Transition),
		drivers:     make(map[string]models.DriverRecord),
	}
}

func (m *MemoryStore) SaveBooking(_ context.Context, b models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return booking.ErrExists
	}
	m.bookings[b.ID] = b
	return nil
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b models.Booking, from models.BookingStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	m.bookings[b.ID] = b
	return true, nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, booking.ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) ListBookings(_ context.Context, q models.BookingQuery) ([]models.Booking, error) {
	m.mu.RLock()
	out := make([]models.Booking, 0)
	for _, b := range m.bookings {
		if q.RequesterID != "" && b.RequesterID != q.RequesterID {
			continue
		}
		if q.DriverID != "" && b.DriverID != q.DriverID {
			continue
		}
		if q.Status != "" && b.Status != q.Status {
			continue
		}
		out = append(out, b)
	}
	m.mu.RUnlock()

	// newest first, same as the SQL store
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendTransition(_ context.Context, t models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[t.BookingID] = append(m.transitions[t.BookingID], t)
	return nil
}

// Transitions returns the recorded log for one booking in append order.
func (m *MemoryStore) Transitions(id string) []models.Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Transition(nil), m.transitions[id]...)
}

func (m *MemoryStore) SaveDriver(_ context.Context, d models.DriverRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Location != nil {
		loc := *d.Location
		d.Location = &loc
	}
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) LoadDrivers(_ context.Context) ([]models.DriverRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverRecord, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
