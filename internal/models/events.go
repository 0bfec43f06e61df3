package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Inbound event types.
const (
	EventFindDriver     = "find_driver"
	EventCancelRide     = "cancel_ride"
	EventPing           = "ping"
	EventAcceptRide     = "accept_ride"
	EventDeclineRide    = "decline_ride"
	EventLocationUpdate = "location_update"
	EventStartTrip      = "start_trip"
	EventCompleteTrip   = "complete_trip"
	EventSetStatus      = "set_status"
	EventRateRide       = "rate_ride"
)

// Outbound event types.
const (
	EventConnectionEstablished = "connection_established"
	EventSearching             = "searching"
	EventNoDrivers             = "no_drivers"
	EventDriverAssigned        = "driver_assigned"
	EventError                 = "error"
	EventPong                  = "pong"
	EventRideRequest           = "ride_request"
	EventRideUnavailable       = "ride_unavailable"
	EventRideConfirmed         = "ride_confirmed"
	EventRideCancelled         = "ride_cancelled"
	EventDriverLocation        = "driver_location"
	EventTripStarted           = "trip_started"
	EventTripCompleted         = "trip_completed"
	EventRatingRecorded        = "rating_recorded"
	EventStatusChanged         = "status_changed"
)

// Inbound is the union of every event a passenger or driver connection may send.
// Coordinates are pointers so a missing field is distinguishable from zero.
type Inbound struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id,omitempty"`

	PickupLat        *float64         `json:"pickup_lat,omitempty"`
	PickupLon        *float64         `json:"pickup_lon,omitempty"`
	PickupAddress    string           `json:"pickup_address,omitempty"`
	DropoffLat       *float64         `json:"dropoff_lat,omitempty"`
	DropoffLon       *float64         `json:"dropoff_lon,omitempty"`
	DropoffAddress   string           `json:"dropoff_address,omitempty"`
	DistanceKm       *decimal.Decimal `json:"distance_km,omitempty"`
	DurationMinutes  int              `json:"estimated_duration_minutes,omitempty"`
	FareAmount       *decimal.Decimal `json:"fare_amount,omitempty"`
	PassengerPhone   string           `json:"passenger_phone,omitempty"`
	DependentRiderID string           `json:"dependent_rider_id,omitempty"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Heading   float64  `json:"heading,omitempty"`
	Speed     float64  `json:"speed,omitempty"`

	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Score    int    `json:"score,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

type ConnectionEstablished struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	RideID    string `json:"ride_id,omitempty"`
	DriverID  string `json:"driver_id,omitempty"`
}

type Searching struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	RideID     string `json:"ride_id"`
	Attempt    int    `json:"attempt"`
	Candidates int    `json:"candidates"`
}

type NoDrivers struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	RideID  string `json:"ride_id"`
}

type AssignedDriver struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Phone               string   `json:"phone"`
	VehicleType         string   `json:"vehicle_type"`
	VehicleRegistration string   `json:"vehicle_registration"`
	Rating              float64  `json:"rating"`
	Latitude            *float64 `json:"latitude,omitempty"`
	Longitude           *float64 `json:"longitude,omitempty"`
}

type DriverAssigned struct {
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	RideID     string         `json:"ride_id"`
	Driver     AssignedDriver `json:"driver"`
	ETAMinutes float64        `json:"eta_minutes"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	RideID  string `json:"ride_id,omitempty"`
}

type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type PassengerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type RideRequestEvent struct {
	Type               string          `json:"type"`
	RideID             string          `json:"ride_id"`
	Passenger          PassengerInfo   `json:"passenger"`
	Pickup             Place           `json:"pickup"`
	Dropoff            Place           `json:"dropoff"`
	Distance           decimal.Decimal `json:"distance"`
	Fare               decimal.Decimal `json:"fare"`
	EstimatedDuration  int             `json:"estimated_duration"`
	DistanceToPickupKm float64         `json:"distance_to_pickup_km"`
	ExpiresAt          time.Time       `json:"expires_at"`
}

type RideUnavailable struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

type RideConfirmed struct {
	Type      string        `json:"type"`
	RideID    string        `json:"ride_id"`
	Passenger PassengerInfo `json:"passenger"`
	Pickup    Place         `json:"pickup"`
	Dropoff   Place         `json:"dropoff"`
}

type RideCancelled struct {
	Type        string `json:"type"`
	RideID      string `json:"ride_id"`
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by"`
}

type DriverLocation struct {
	Type      string    `json:"type"`
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	At        time.Time `json:"at"`
}

type TripStarted struct {
	Type   string    `json:"type"`
	RideID string    `json:"ride_id"`
	At     time.Time `json:"at"`
}

type TripCompleted struct {
	Type          string          `json:"type"`
	RideID        string          `json:"ride_id"`
	Fare          decimal.Decimal `json:"fare"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	At            time.Time       `json:"at"`
}

type RatingRecorded struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id"`
	Role   string `json:"role"`
	Score  int    `json:"score"`
}

type StatusChanged struct {
	Type         string       `json:"type"`
	DriverID     string       `json:"driver_id"`
	Availability Availability `json:"availability"`
}
