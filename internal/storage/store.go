// Package storage persists bookings, their transition log and driver
// profiles. MemoryStore backs tests and single-node runs; PostgresStore is
// the durable implementation.
package storage

import (
	"context"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/models"
)

// DriverStore persists driver profiles and the slow-moving parts of their
// live state (rating, ride count, last availability and position).
type DriverStore interface {
	SaveDriver(ctx context.Context, d models.DriverRecord) error
	LoadDrivers(ctx context.Context) ([]models.DriverRecord, error)
}

var (
	_ booking.Store = (*MemoryStore)(nil)
	_ booking.Store = (*PostgresStore)(nil)
	_ DriverStore   = (*MemoryStore)(nil)
	_ DriverStore   = (*PostgresStore)(nil)
)
