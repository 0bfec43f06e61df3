package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Place struct {
	Coord
	Address string `json:"address"`
}

type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusConfirmed  BookingStatus = "confirmed"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
)

func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Booking is a single ride request and its lifecycle record.
// DriverID is empty until the booking is confirmed.
type Booking struct {
	ID               string          `json:"id"`
	RequesterID      string          `json:"requester_id"`
	RequesterName    string          `json:"requester_name,omitempty"`
	RequesterPhone   string          `json:"requester_phone,omitempty"`
	DependentRiderID string          `json:"dependent_rider_id,omitempty"`
	Pickup           Place           `json:"pickup"`
	Dropoff          Place           `json:"dropoff"`
	DistanceKm       decimal.Decimal `json:"distance_km"`
	DurationMinutes  int             `json:"estimated_duration_minutes"`
	Fare             decimal.Decimal `json:"fare_amount"`
	Status           BookingStatus   `json:"status"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	PaymentRef       string          `json:"payment_ref,omitempty"`
	DriverID         string          `json:"driver_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	PickupAt    *time.Time `json:"pickup_time,omitempty"`
	DropoffAt   *time.Time `json:"dropoff_time,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelReason string `json:"cancellation_reason,omitempty"`
	CancelledBy  string `json:"cancelled_by,omitempty"`

	PassengerRating *int   `json:"passenger_rating,omitempty"`
	DriverRating    *int   `json:"driver_rating,omitempty"`
	Feedback        string `json:"feedback,omitempty"`
}

// RideRequest is the validated input that creates a Booking.
type RideRequest struct {
	RideID           string
	RequesterID      string
	RequesterName    string
	RequesterPhone   string
	DependentRiderID string
	Pickup           Place
	Dropoff          Place
	DistanceKm       decimal.Decimal
	DurationMinutes  int
	Fare             decimal.Decimal
}

type BookingQuery struct {
	RequesterID string
	DriverID    string
	Status      BookingStatus
	Limit       int
}

// Transition is one entry of a booking's state log.
type Transition struct {
	BookingID string        `json:"booking_id"`
	From      BookingStatus `json:"from"`
	To        BookingStatus `json:"to"`
	DriverID  string        `json:"driver_id,omitempty"`
	Actor     string        `json:"actor"`
	Reason    string        `json:"reason,omitempty"`
	At        time.Time     `json:"at"`
}

type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

func (a Availability) Valid() bool {
	return a == Available || a == Busy || a == Offline
}

type Vehicle struct {
	Type         string `json:"type"`
	Registration string `json:"registration"`
}

// DriverRecord is the dispatch-relevant view of a driver.
type DriverRecord struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone"`
	Vehicle      Vehicle      `json:"vehicle"`
	Verified     bool         `json:"verified"`
	Availability Availability `json:"availability"`
	Location     *Coord       `json:"location,omitempty"`
	Heading      float64      `json:"heading"`
	Speed        float64      `json:"speed"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Rating       float64      `json:"rating"` // 0..5
	RatingCount  int          `json:"rating_count"`
	TotalRides   int          `json:"total_rides"`
	// CurrentBookingID is set while the driver is busy with a booking.
	CurrentBookingID string `json:"current_booking_id,omitempty"`
}

func (d DriverRecord) HasLocation() bool { return d.Location != nil }

type DriverQuery struct {
	Availability Availability
	Verified     *bool
}

// LocationEvent is the telemetry record streamed through Kafka.
type LocationEvent struct {
	DriverID     string       `json:"driver_id"`
	Lat          float64      `json:"lat"`
	Lon          float64      `json:"lon"`
	Heading      float64      `json:"heading"`
	Speed        float64      `json:"speed"`
	Availability Availability `json:"availability"`
	Rating       float64      `json:"rating"`
	At           time.Time    `json:"at"`
}
