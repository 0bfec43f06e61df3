package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type env struct {
	server   *httptest.Server
	sessions *dispatch.Manager
	registry *geo.Registry
	bookings *booking.Manager
}

// newEnv serves /ride/{id} and /driver/{id} straight into the session
// manager, backed by a real engine with an in-memory store.
func newEnv(t *testing.T, cfg dispatch.Config) *env {
	t.Helper()
	store := storage.NewMemoryStore()
	b := bus.New(64)
	e := &env{
		registry: geo.NewRegistry(),
		bookings: booking.NewManager(store, logging.Discard()),
	}
	mcfg := matcher.DefaultConfig()
	mcfg.ResponseTimeout = 200 * time.Millisecond
	engine := matcher.New(mcfg, e.bookings, e.registry, b, logging.Discard())
	t.Cleanup(engine.Close)

	e.sessions = dispatch.NewManager(b, dispatch.NewRouter(engine, logging.Discard()), cfg, logging.Discard())
	upgrader := websocket.Upgrader{}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		id := dispatch.Identity{Kind: dispatch.KindPassenger, RideID: parts[1], RequesterID: "passenger-1"}
		if parts[0] == "driver" {
			id = dispatch.Identity{Kind: dispatch.KindDriver, DriverID: parts[1]}
		}
		e.sessions.Serve(context.Background(), conn, id)
	}))
	t.Cleanup(func() {
		e.sessions.CloseAll()
		e.server.Close()
	})
	return e
}

func (e *env) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame map[string]any

func read(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if f["type"] == typ {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatal(err)
	}
}

func TestConnectionAcknowledged(t *testing.T) {
	e := newEnv(t, dispatch.Config{})
	conn := e.dial(t, "/ride/ride-1")

	f := read(t, conn, models.EventConnectionEstablished)
	if f["ride_id"] != "ride-1" || f["session_id"] == "" {
		t.Fatalf("ack = %v", f)
	}
	send(t, conn, frame{"type": "ping"})
	read(t, conn, models.EventPong)
}

func TestFindDriverWithNobodyNearby(t *testing.T) {
	e := newEnv(t, dispatch.Config{})
	conn := e.dial(t, "/ride/ride-1")
	read(t, conn, models.EventConnectionEstablished)

	send(t, conn, frame{
		"type":           "find_driver",
		"pickup_lat":     -26.2041,
		"pickup_lon":     28.0473,
		"pickup_address": "Johannesburg CBD",
		"dropoff_lat":    -26.1076,
		"dropoff_lon":    28.0567,
		"fare_amount":    "150.00",
		"distance_km":    "10.8",
	})
	f := read(t, conn, models.EventNoDrivers)
	if f["ride_id"] != "ride-1" {
		t.Fatalf("no_drivers = %v", f)
	}
	b, err := e.bookings.Get(context.Background(), "ride-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != models.StatusPending || b.Pickup.Address != "Johannesburg CBD" {
		t.Fatalf("booking = %+v", b)
	}
}

func TestDriverAcceptsOverWebsocket(t *testing.T) {
	e := newEnv(t, dispatch.Config{})
	e.registry.Provision(models.DriverRecord{ID: "d1", Name: "Thabo", Verified: true, Availability: models.Available})
	if _, err := e.registry.UpsertLocation("d1", models.Coord{Lat: -26.2000, Lon: 28.0473}, 0, 0); err != nil {
		t.Fatal(err)
	}
	driver := e.dial(t, "/driver/d1")
	read(t, driver, models.EventConnectionEstablished)
	passenger := e.dial(t, "/ride/ride-1")
	read(t, passenger, models.EventConnectionEstablished)

	send(t, passenger, frame{"type": "find_driver", "pickup_lat": -26.2041, "pickup_lon": 28.0473, "dropoff_lat": -26.1076, "dropoff_lon": 28.0567})
	offer := read(t, driver, models.EventRideRequest)
	if offer["ride_id"] != "ride-1" {
		t.Fatalf("offer = %v", offer)
	}
	send(t, driver, frame{"type": "accept_ride", "ride_id": "ride-1"})
	read(t, driver, models.EventRideConfirmed)
	assigned := read(t, passenger, models.EventDriverAssigned)
	if d, _ := assigned["driver"].(map[string]any); d["id"] != "d1" {
		t.Fatalf("assigned = %v", assigned)
	}

	// A repeated accept from the winner is confirmed again.
	send(t, driver, frame{"type": "accept_ride", "ride_id": "ride-1"})
	read(t, driver, models.EventRideConfirmed)

	send(t, driver, frame{"type": "accept_ride", "ride_id": "ride-404"})
	if f := read(t, driver, models.EventError); f["code"] != "not_found" {
		t.Fatalf("error = %v", f)
	}
}

func TestInvalidPayloadKeepsSessionOpen(t *testing.T) {
	e := newEnv(t, dispatch.Config{})
	conn := e.dial(t, "/ride/ride-1")
	read(t, conn, models.EventConnectionEstablished)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	f := read(t, conn, models.EventError)
	if f["code"] != "invalid_payload" {
		t.Fatalf("error = %v", f)
	}
	send(t, conn, frame{"type": "teleport"})
	if f := read(t, conn, models.EventError); f["code"] != "unknown_event" {
		t.Fatalf("error = %v", f)
	}
	send(t, conn, frame{"type": "find_driver", "pickup_lat": -26.2})
	if f := read(t, conn, models.EventError); f["code"] != "invalid_request" {
		t.Fatalf("error = %v", f)
	}
	send(t, conn, frame{"type": "ping"})
	read(t, conn, models.EventPong)
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	e := newEnv(t, dispatch.Config{})
	first := e.dial(t, "/ride/ride-1")
	read(t, first, models.EventConnectionEstablished)
	second := e.dial(t, "/ride/ride-1")
	read(t, second, models.EventConnectionEstablished)

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != 4000 {
			t.Fatalf("first connection ended with %v, want close 4000", err)
		}
		break
	}

	send(t, second, frame{"type": "ping"})
	read(t, second, models.EventPong)
	if !e.sessions.Connected(bus.RideTopic("ride-1")) {
		t.Fatal("replacement session not registered")
	}
}

func TestHeartbeatTimeoutTakesDriverOffline(t *testing.T) {
	e := newEnv(t, dispatch.Config{HeartbeatTimeout: 150 * time.Millisecond, OfflineOnTimeout: true})
	e.registry.Provision(models.DriverRecord{ID: "d1", Verified: true, Availability: models.Available})

	conn := e.dial(t, "/driver/d1")
	read(t, conn, models.EventConnectionEstablished)
	// Nothing reads, so pings are never answered with pongs.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d, _ := e.registry.Get("d1"); d.Availability == models.Offline {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("driver still online after heartbeat timeout")
}
