package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type bookingRow struct {
	ID               string          `db:"id"`
	RequesterID      string          `db:"requester_id"`
	RequesterName    string          `db:"requester_name"`
	RequesterPhone   string          `db:"requester_phone"`
	DependentRiderID string          `db:"dependent_rider_id"`
	PickupLat        float64         `db:"pickup_lat"`
	PickupLon        float64         `db:"pickup_lon"`
	PickupAddress    string          `db:"pickup_address"`
	DropoffLat       float64         `db:"dropoff_lat"`
	DropoffLon       float64         `db:"dropoff_lon"`
	DropoffAddress   string          `db:"dropoff_address"`
	DistanceKm       decimal.Decimal `db:"distance_km"`
	DurationMinutes  int             `db:"duration_minutes"`
	Fare             decimal.Decimal `db:"fare_amount"`
	Status           string          `db:"status"`
	PaymentStatus    string          `db:"payment_status"`
	PaymentRef       string          `db:"payment_ref"`
	DriverID         string          `db:"driver_id"`
	CreatedAt        time.Time       `db:"created_at"`
	ConfirmedAt      *time.Time      `db:"confirmed_at"`
	PickupAt         *time.Time      `db:"pickup_at"`
	DropoffAt        *time.Time      `db:"dropoff_at"`
	CancelledAt      *time.Time      `db:"cancelled_at"`
	CancelReason     string          `db:"cancel_reason"`
	CancelledBy      string          `db:"cancelled_by"`
	PassengerRating  *int            `db:"passenger_rating"`
	DriverRating     *int            `db:"driver_rating"`
	Feedback         string          `db:"feedback"`
}

func toBookingRow(b models.Booking) bookingRow {
	return bookingRow{
		ID:               b.ID,
		RequesterID:      b.RequesterID,
		RequesterName:    b.RequesterName,
		RequesterPhone:   b.RequesterPhone,
		DependentRiderID: b.DependentRiderID,
		PickupLat:        b.Pickup.Lat,
		PickupLon:        b.Pickup.Lon,
		PickupAddress:    b.Pickup.Address,
		DropoffLat:       b.Dropoff.Lat,
		DropoffLon:       b.Dropoff.Lon,
		DropoffAddress:   b.Dropoff.Address,
		DistanceKm:       b.DistanceKm,
		DurationMinutes:  b.DurationMinutes,
		Fare:             b.Fare,
		Status:           string(b.Status),
		PaymentStatus:    string(b.PaymentStatus),
		PaymentRef:       b.PaymentRef,
		DriverID:         b.DriverID,
		CreatedAt:        b.CreatedAt,
		ConfirmedAt:      b.ConfirmedAt,
		PickupAt:         b.PickupAt,
		DropoffAt:        b.DropoffAt,
		CancelledAt:      b.CancelledAt,
		CancelReason:     b.CancelReason,
		CancelledBy:      b.CancelledBy,
		PassengerRating:  b.PassengerRating,
		DriverRating:     b.DriverRating,
		Feedback:         b.Feedback,
	}
}

func (r bookingRow) booking() models.Booking {
	return models.Booking{
		ID:               r.ID,
		RequesterID:      r.RequesterID,
		RequesterName:    r.RequesterName,
		RequesterPhone:   r.RequesterPhone,
		DependentRiderID: r.DependentRiderID,
		Pickup:           models.Place{Coord: models.Coord{Lat: r.PickupLat, Lon: r.PickupLon}, Address: r.PickupAddress},
		Dropoff:          models.Place{Coord: models.Coord{Lat: r.DropoffLat, Lon: r.DropoffLon}, Address: r.DropoffAddress},
		DistanceKm:       r.DistanceKm,
		DurationMinutes:  r.DurationMinutes,
		Fare:             r.Fare,
		Status:           models.BookingStatus(r.Status),
		PaymentStatus:    models.PaymentStatus(r.PaymentStatus),
		PaymentRef:       r.PaymentRef,
		DriverID:         r.DriverID,
		CreatedAt:        r.CreatedAt,
		ConfirmedAt:      r.ConfirmedAt,
		PickupAt:         r.PickupAt,
		DropoffAt:        r.DropoffAt,
		CancelledAt:      r.CancelledAt,
		CancelReason:     r.CancelReason,
		CancelledBy:      r.CancelledBy,
		PassengerRating:  r.PassengerRating,
		DriverRating:     r.DriverRating,
		Feedback:         r.Feedback,
	}
}

const bookingColumns = `id, requester_id, requester_name, requester_phone, dependent_rider_id,
	pickup_lat, pickup_lon, pickup_address, dropoff_lat, dropoff_lon, dropoff_address,
	distance_km, duration_minutes, fare_amount, status, payment_status, payment_ref, driver_id,
	created_at, confirmed_at, pickup_at, dropoff_at, cancelled_at, cancel_reason, cancelled_by,
	passenger_rating, driver_rating, feedback`

func (p *PostgresStore) SaveBooking(ctx context.Context, b models.Booking) error {
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`) VALUES (
		:id, :requester_id, :requester_name, :requester_phone, :dependent_rider_id,
		:pickup_lat, :pickup_lon, :pickup_address, :dropoff_lat, :dropoff_lon, :dropoff_address,
		:distance_km, :duration_minutes, :fare_amount, :status, :payment_status, :payment_ref, :driver_id,
		:created_at, :confirmed_at, :pickup_at, :dropoff_at, :cancelled_at, :cancel_reason, :cancelled_by,
		:passenger_rating, :driver_rating, :feedback)`, toBookingRow(b))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return booking.ErrExists
	}
	return err
}

type bookingUpdate struct {
	bookingRow
	FromStatus string `db:"from_status"`
}

// UpdateBooking writes b only while the row still carries status from, so
// two writers racing on the same booking cannot both succeed.
func (p *PostgresStore) UpdateBooking(ctx context.Context, b models.Booking, from models.BookingStatus) (bool, error) {
	res, err := p.db.NamedExecContext(ctx, `UPDATE bookings SET
		status = :status, driver_id = :driver_id,
		payment_status = :payment_status, payment_ref = :payment_ref,
		confirmed_at = :confirmed_at, pickup_at = :pickup_at, dropoff_at = :dropoff_at,
		cancelled_at = :cancelled_at, cancel_reason = :cancel_reason, cancelled_by = :cancelled_by,
		passenger_rating = :passenger_rating, driver_rating = :driver_rating, feedback = :feedback,
		updated_at = now()
		WHERE id = :id AND status = :from_status`,
		bookingUpdate{bookingRow: toBookingRow(b), FromStatus: string(from)})
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	var row bookingRow
	err := p.db.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, booking.ErrNotFound
	}
	if err != nil {
		return models.Booking{}, err
	}
	return row.booking(), nil
}

func (p *PostgresStore) ListBookings(ctx context.Context, q models.BookingQuery) ([]models.Booking, error) {
	var (
		where []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if q.RequesterID != "" {
		add("requester_id", q.RequesterID)
	}
	if q.DriverID != "" {
		add("driver_id", q.DriverID)
	}
	if q.Status != "" {
		add("status", string(q.Status))
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []bookingRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]models.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.booking())
	}
	return out, nil
}

func (p *PostgresStore) AppendTransition(ctx context.Context, t models.Transition) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO booking_transitions
		(booking_id, from_status, to_status, driver_id, actor, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.BookingID, string(t.From), string(t.To), t.DriverID, t.Actor, t.Reason, t.At)
	return err
}

type driverRow struct {
	ID           string          `db:"id"`
	Name         string          `db:"name"`
	Phone        string          `db:"phone"`
	VehicleType  string          `db:"vehicle_type"`
	VehicleReg   string          `db:"vehicle_registration"`
	Verified     bool            `db:"verified"`
	Availability string          `db:"availability"`
	Lat          sql.NullFloat64 `db:"lat"`
	Lon          sql.NullFloat64 `db:"lon"`
	Rating       float64         `db:"rating"`
	RatingCount  int             `db:"rating_count"`
	TotalRides   int             `db:"total_rides"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d models.DriverRecord) error {
	row := driverRow{
		ID:           d.ID,
		Name:         d.Name,
		Phone:        d.Phone,
		VehicleType:  d.Vehicle.Type,
		VehicleReg:   d.Vehicle.Registration,
		Verified:     d.Verified,
		Availability: string(d.Availability),
		Rating:       d.Rating,
		RatingCount:  d.RatingCount,
		TotalRides:   d.TotalRides,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.Location != nil {
		row.Lat = sql.NullFloat64{Float64: d.Location.Lat, Valid: true}
		row.Lon = sql.NullFloat64{Float64: d.Location.Lon, Valid: true}
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO drivers
		(id, name, phone, vehicle_type, vehicle_registration, verified, availability, lat, lon, rating, rating_count, total_rides, updated_at)
		VALUES (:id, :name, :phone, :vehicle_type, :vehicle_registration, :verified, :availability, :lat, :lon, :rating, :rating_count, :total_rides, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, phone = EXCLUDED.phone,
			vehicle_type = EXCLUDED.vehicle_type, vehicle_registration = EXCLUDED.vehicle_registration,
			verified = EXCLUDED.verified, availability = EXCLUDED.availability,
			lat = EXCLUDED.lat, lon = EXCLUDED.lon,
			rating = EXCLUDED.rating, rating_count = EXCLUDED.rating_count,
			total_rides = EXCLUDED.total_rides, updated_at = EXCLUDED.updated_at`, row)
	return err
}

func (p *PostgresStore) LoadDrivers(ctx context.Context) ([]models.DriverRecord, error) {
	var rows []driverRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT id, name, phone, vehicle_type, vehicle_registration,
		verified, availability, lat, lon, rating, rating_count, total_rides, updated_at
		FROM drivers ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]models.DriverRecord, 0, len(rows))
	for _, r := range rows {
		d := models.DriverRecord{
			ID:           r.ID,
			Name:         r.Name,
			Phone:        r.Phone,
			Vehicle:      models.Vehicle{Type: r.VehicleType, Registration: r.VehicleReg},
			Verified:     r.Verified,
			Availability: models.Availability(r.Availability),
			Rating:       r.Rating,
			RatingCount:  r.RatingCount,
			TotalRides:   r.TotalRides,
			UpdatedAt:    r.UpdatedAt,
		}
		if r.Lat.Valid && r.Lon.Valid {
			d.Location = &models.Coord{Lat: r.Lat.Float64, Lon: r.Lon.Float64}
		}
		out = append(out, d)
	}
	return out, nil
}
