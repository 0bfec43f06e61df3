package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&matcher.ValidationError{Field: "pickup", Reason: "required"}, "invalid_request"},
		{fmt.Errorf("upsert: %w", geo.ErrInvalidLocation), "invalid_request"},
		{booking.ErrInvalid, "invalid_request"},
		{booking.ErrNotFound, "not_found"},
		{geo.ErrUnknownDriver, "unknown_driver"},
		{matcher.ErrNotParticipant, "forbidden"},
		{geo.ErrDriverBusy, "driver_busy"},
		{booking.ErrAlreadyTerminal, "already_terminal"},
		{booking.ErrInvalidTransition, "conflict"},
		{matcher.ErrSearchInProgress, "conflict"},
		{bus.ErrUnavailable, "unavailable"},
		{errors.New("boom"), "internal"},
	}
	for _, c := range cases {
		if got := errorCode(c.err); got != c.want {
			t.Errorf("errorCode(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

type fakeEngine struct {
	Engine
	requests     []models.RideRequest
	disconnected []string
	timedOut     []string
	err          error
}

func (f *fakeEngine) RequestRide(_ context.Context, req models.RideRequest) (models.Booking, error) {
	f.requests = append(f.requests, req)
	return models.Booking{ID: req.RideID}, f.err
}

func (f *fakeEngine) Accept(_ context.Context, _, rideID string) (models.Booking, error) {
	return models.Booking{}, &matcher.UnavailableError{RideID: rideID, Reason: matcher.ReasonExpired}
}

func (f *fakeEngine) DriverDisconnected(id string) { f.disconnected = append(f.disconnected, id) }

func (f *fakeEngine) DriverTimedOut(_ context.Context, id string) { f.timedOut = append(f.timedOut, id) }

func testSession(id Identity) *Session {
	return &Session{ID: "s1", Identity: id, send: make(chan bus.Message, 8), done: make(chan struct{}), logger: logging.Discard()}
}

func next(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case m := <-s.send:
		var v map[string]any
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			t.Fatal(err)
		}
		return v
	default:
		t.Fatal("no reply sent")
		return nil
	}
}

func ptr(f float64) *float64 { return &f }

func TestFindDriverUsesHandshakeIdentity(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRouter(engine, logging.Discard())
	s := testSession(Identity{Kind: KindPassenger, RideID: "ride-1", RequesterID: "p1", RequesterName: "Lerato", RequesterPhone: "+27820000001"})

	r.Handle(context.Background(), s, models.Inbound{
		Type:           models.EventFindDriver,
		PickupLat:      ptr(-26.2041),
		PickupLon:      ptr(28.0473),
		DropoffLat:     ptr(-26.1076),
		DropoffLon:     ptr(28.0567),
		PassengerPhone: "+27829999999",
	})
	if len(engine.requests) != 1 {
		t.Fatalf("requests = %d", len(engine.requests))
	}
	req := engine.requests[0]
	if req.RideID != "ride-1" || req.RequesterID != "p1" || req.RequesterName != "Lerato" {
		t.Fatalf("request identity = %+v", req)
	}
	if req.RequesterPhone != "+27829999999" {
		t.Fatalf("phone = %s, want payload override", req.RequesterPhone)
	}
	if !req.Fare.IsZero() || !req.DistanceKm.IsZero() {
		t.Fatalf("missing fare and distance should default to zero: %+v", req)
	}
}

func TestEngineErrorsBecomeEvents(t *testing.T) {
	engine := &fakeEngine{err: matcher.ErrSearchInProgress}
	r := NewRouter(engine, logging.Discard())
	passenger := testSession(Identity{Kind: KindPassenger, RideID: "ride-1", RequesterID: "p1"})
	r.Handle(context.Background(), passenger, models.Inbound{
		Type: models.EventFindDriver, PickupLat: ptr(1), PickupLon: ptr(1), DropoffLat: ptr(2), DropoffLon: ptr(2),
	})
	if m := next(t, passenger); m["type"] != models.EventError || m["code"] != "conflict" || m["ride_id"] != "ride-1" {
		t.Fatalf("reply = %v", m)
	}

	driver := testSession(Identity{Kind: KindDriver, DriverID: "d1"})
	r.Handle(context.Background(), driver, models.Inbound{Type: models.EventAcceptRide, RideID: "ride-1"})
	if m := next(t, driver); m["type"] != models.EventRideUnavailable || m["reason"] != matcher.ReasonExpired {
		t.Fatalf("reply = %v", m)
	}

	r.Handle(context.Background(), driver, models.Inbound{Type: models.EventLocationUpdate})
	if m := next(t, driver); m["code"] != "invalid_request" {
		t.Fatalf("reply = %v", m)
	}
}

func TestDriverGone(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRouter(engine, logging.Discard())
	r.driverGone(context.Background(), "d1", false)
	r.driverGone(context.Background(), "d2", true)
	if len(engine.disconnected) != 1 || engine.disconnected[0] != "d1" {
		t.Fatalf("disconnected = %v", engine.disconnected)
	}
	if len(engine.timedOut) != 1 || engine.timedOut[0] != "d2" {
		t.Fatalf("timed out = %v", engine.timedOut)
	}
}
