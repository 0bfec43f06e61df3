package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

// Engine is the part of the matching engine reachable from a connection.
type Engine interface {
	RequestRide(ctx context.Context, req models.RideRequest) (models.Booking, error)
	CancelRide(ctx context.Context, rideID, requesterID, reason string) (models.Booking, error)
	Accept(ctx context.Context, driverID, rideID string) (models.Booking, error)
	Decline(ctx context.Context, driverID, rideID string) error
	UpdateLocation(ctx context.Context, driverID string, c models.Coord, heading, speed float64) (models.DriverRecord, error)
	StartTrip(ctx context.Context, driverID, rideID string) (models.Booking, error)
	CompleteTrip(ctx context.Context, driverID, rideID string) (models.Booking, error)
	DriverCancel(ctx context.Context, driverID, rideID, reason string) (models.Booking, error)
	SetStatus(ctx context.Context, driverID string, a models.Availability) (models.DriverRecord, error)
	Rate(ctx context.Context, rideID string, rater booking.Role, actorID string, score int, feedback string) (models.Booking, error)
	DriverDisconnected(driverID string)
	DriverTimedOut(ctx context.Context, driverID string)
}

var _ Engine = (*matcher.Engine)(nil)

// Router turns inbound events into engine calls and engine errors into
// outbound events. Nothing it receives can take the process down.
type Router struct {
	engine Engine
	logger *slog.Logger
	now    func() time.Time
}

func NewRouter(engine Engine, logger *slog.Logger) *Router {
	return &Router{engine: engine, logger: logger.With("component", "router"), now: time.Now}
}

func (r *Router) Handle(ctx context.Context, s *Session, in models.Inbound) {
	if in.Type == models.EventPing {
		s.Send(message(models.EventPong, models.Pong{Type: models.EventPong, Timestamp: r.now().UTC()}))
		return
	}
	switch s.Identity.Kind {
	case KindPassenger:
		r.passenger(ctx, s, in)
	case KindDriver:
		r.driver(ctx, s, in)
	}
}

func (r *Router) passenger(ctx context.Context, s *Session, in models.Inbound) {
	id := s.Identity
	var err error
	switch in.Type {
	case models.EventFindDriver:
		var req models.RideRequest
		if req, err = rideRequest(id, in); err == nil {
			_, err = r.engine.RequestRide(ctx, req)
		}
	case models.EventCancelRide:
		_, err = r.engine.CancelRide(ctx, id.RideID, id.RequesterID, in.Reason)
	case models.EventRateRide:
		var b models.Booking
		if b, err = r.engine.Rate(ctx, id.RideID, booking.RolePassenger, id.RequesterID, in.Score, in.Feedback); err == nil {
			s.Send(ratingRecorded(b.ID, booking.RolePassenger, in.Score))
		}
	default:
		s.Send(errorMessage("unknown_event", "unsupported event type "+in.Type, id.RideID))
		return
	}
	if err != nil {
		r.fail(s, id.RideID, in.Type, err)
	}
}

func (r *Router) driver(ctx context.Context, s *Session, in models.Inbound) {
	driverID := s.Identity.DriverID
	var err error
	switch in.Type {
	case models.EventAcceptRide:
		_, err = r.engine.Accept(ctx, driverID, in.RideID)
	case models.EventDeclineRide:
		err = r.engine.Decline(ctx, driverID, in.RideID)
	case models.EventLocationUpdate:
		if in.Latitude == nil || in.Longitude == nil {
			err = &matcher.ValidationError{Field: "latitude/longitude", Reason: "required"}
			break
		}
		_, err = r.engine.UpdateLocation(ctx, driverID, models.Coord{Lat: *in.Latitude, Lon: *in.Longitude}, in.Heading, in.Speed)
	case models.EventStartTrip:
		var b models.Booking
		if b, err = r.engine.StartTrip(ctx, driverID, in.RideID); err == nil {
			s.Send(message(models.EventTripStarted, models.TripStarted{Type: models.EventTripStarted, RideID: b.ID, At: *b.PickupAt}))
		}
	case models.EventCompleteTrip:
		var b models.Booking
		if b, err = r.engine.CompleteTrip(ctx, driverID, in.RideID); err == nil {
			s.Send(message(models.EventTripCompleted, models.TripCompleted{
				Type: models.EventTripCompleted, RideID: b.ID, Fare: b.Fare, PaymentStatus: b.PaymentStatus, At: *b.DropoffAt,
			}))
		}
	case models.EventCancelRide:
		var b models.Booking
		if b, err = r.engine.DriverCancel(ctx, driverID, in.RideID, in.Reason); err == nil {
			s.Send(message(models.EventRideCancelled, models.RideCancelled{
				Type: models.EventRideCancelled, RideID: b.ID, Reason: b.CancelReason, CancelledBy: b.CancelledBy,
			}))
		}
	case models.EventSetStatus:
		_, err = r.engine.SetStatus(ctx, driverID, models.Availability(in.Status))
	case models.EventRateRide:
		var b models.Booking
		if b, err = r.engine.Rate(ctx, in.RideID, booking.RoleDriver, driverID, in.Score, in.Feedback); err == nil {
			s.Send(ratingRecorded(b.ID, booking.RoleDriver, in.Score))
		}
	default:
		s.Send(errorMessage("unknown_event", "unsupported event type "+in.Type, in.RideID))
		return
	}
	if err != nil {
		r.fail(s, in.RideID, in.Type, err)
	}
}

func (r *Router) driverGone(ctx context.Context, driverID string, timedOut bool) {
	if timedOut {
		r.engine.DriverTimedOut(ctx, driverID)
		return
	}
	r.engine.DriverDisconnected(driverID)
}

// fail reports err to the sender. Conflicts are expected outcomes and are
// not logged as failures.
func (r *Router) fail(s *Session, rideID, event string, err error) {
	var unavailable *matcher.UnavailableError
	if errors.As(err, &unavailable) {
		s.Send(message(models.EventRideUnavailable, models.RideUnavailable{
			Type: models.EventRideUnavailable, RideID: unavailable.RideID, Reason: unavailable.Reason,
		}))
		return
	}
	code := errorCode(err)
	switch code {
	case "internal", "unavailable":
		r.logger.Error("event failed", "event", event, "ride_id", rideID, "session_id", s.ID, "error", err)
	default:
		r.logger.Info("event rejected", "event", event, "ride_id", rideID, "session_id", s.ID, "code", code, "error", err)
	}
	s.Send(errorMessage(code, err.Error(), rideID))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, matcher.ErrInvalidRequest), errors.Is(err, geo.ErrInvalidLocation),
		errors.Is(err, booking.ErrInvalid), errors.Is(err, geo.ErrInvalidAvailability):
		return "invalid_request"
	case errors.Is(err, booking.ErrNotFound):
		return "not_found"
	case errors.Is(err, geo.ErrUnknownDriver):
		return "unknown_driver"
	case errors.Is(err, matcher.ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, geo.ErrDriverBusy):
		return "driver_busy"
	case errors.Is(err, geo.ErrDriverUnavailable):
		return "driver_unavailable"
	case errors.Is(err, booking.ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, booking.ErrConflict):
		return "conflict"
	case errors.Is(err, booking.ErrUnavailable), errors.Is(err, bus.ErrUnavailable):
		return "unavailable"
	}
	return "internal"
}

func rideRequest(id Identity, in models.Inbound) (models.RideRequest, error) {
	if in.PickupLat == nil || in.PickupLon == nil {
		return models.RideRequest{}, &matcher.ValidationError{Field: "pickup", Reason: "pickup_lat and pickup_lon are required"}
	}
	if in.DropoffLat == nil || in.DropoffLon == nil {
		return models.RideRequest{}, &matcher.ValidationError{Field: "dropoff", Reason: "dropoff_lat and dropoff_lon are required"}
	}
	phone := in.PassengerPhone
	if phone == "" {
		phone = id.RequesterPhone
	}
	req := models.RideRequest{
		RideID:           id.RideID,
		RequesterID:      id.RequesterID,
		RequesterName:    id.RequesterName,
		RequesterPhone:   phone,
		DependentRiderID: in.DependentRiderID,
		Pickup:           models.Place{Coord: models.Coord{Lat: *in.PickupLat, Lon: *in.PickupLon}, Address: in.PickupAddress},
		Dropoff:          models.Place{Coord: models.Coord{Lat: *in.DropoffLat, Lon: *in.DropoffLon}, Address: in.DropoffAddress},
		DurationMinutes:  in.DurationMinutes,
		DistanceKm:       decimal.Zero,
		Fare:             decimal.Zero,
	}
	if in.DistanceKm != nil {
		req.DistanceKm = *in.DistanceKm
	}
	if in.FareAmount != nil {
		req.Fare = *in.FareAmount
	}
	return req, nil
}

func ratingRecorded(rideID string, role booking.Role, score int) bus.Message {
	return message(models.EventRatingRecorded, models.RatingRecorded{
		Type: models.EventRatingRecorded, RideID: rideID, Role: string(role), Score: score,
	})
}

func errorMessage(code, text, rideID string) bus.Message {
	return message(models.EventError, models.ErrorEvent{Type: models.EventError, Code: code, Message: text, RideID: rideID})
}

// message encodes one of the fixed outbound structs, which cannot fail.
func message(typ string, v any) bus.Message {
	m, _ := bus.NewMessage(typ, v)
	return m
}
