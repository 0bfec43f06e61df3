// Package httpapi is the HTTP and websocket surface of the dispatch service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Server struct {
	engine   *matcher.Engine
	bookings *booking.Manager
	registry *geo.Registry
	sessions *dispatch.Manager
	logger   *slog.Logger
	checks   map[string]ReadyCheck
	origins  []string
	upgrader websocket.Upgrader
	mux      *mux.Router
	handler  http.Handler
}

type Option func(*Server)

// WithCORS sets the origins allowed to call the REST API from a browser.
func WithCORS(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithReadyCheck adds a dependency checked by /readyz.
func WithReadyCheck(name string, check ReadyCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

func NewServer(engine *matcher.Engine, bookings *booking.Manager, registry *geo.Registry, sessions *dispatch.Manager, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		bookings: bookings,
		registry: registry,
		sessions: sessions,
		logger:   logger.With("component", "http"),
		checks:   make(map[string]ReadyCheck),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	s.handler = s.mux
	if len(s.origins) > 0 {
		s.handler = handlers.CORS(
			handlers.AllowedOrigins(s.origins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-ID", "X-Requester-ID"}),
		)(s.mux)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleNewRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/bookings", s.handleListBookings).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/bookings/{booking_id}", s.handleGetBooking).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers", s.handleListDrivers).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/drivers/{driver_id}", s.handleProvisionDriver).Methods(http.MethodPut)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/ride/{ride_id}", s.handleRideSocket)
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverSocket)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// handleNewRide issues the ride id a passenger connects with. The booking
// itself is created by find_driver on that connection.
func (s *Server) handleNewRide(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	writeJSON(w, http.StatusCreated, map[string]string{
		"ride_id": id,
		"ws_path": "/ws/ride/" + id,
	})
}

func (s *Server) handleRideSocket(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if _, err := uuid.Parse(rideID); err != nil {
		http.Error(w, "ride id must be a UUID", http.StatusBadRequest)
		return
	}
	requester := firstNonEmpty(r.Header.Get("X-Requester-ID"), r.URL.Query().Get("requester_id"))
	if requester == "" {
		http.Error(w, "requester id required", http.StatusUnauthorized)
		return
	}
	id := dispatch.Identity{
		Kind:           dispatch.KindPassenger,
		RideID:         rideID,
		RequesterID:    requester,
		RequesterName:  firstNonEmpty(r.Header.Get("X-Requester-Name"), r.URL.Query().Get("requester_name")),
		RequesterPhone: firstNonEmpty(r.Header.Get("X-Requester-Phone"), r.URL.Query().Get("requester_phone")),
	}
	s.serveSocket(w, r, id)
}

func (s *Server) handleDriverSocket(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if _, ok := s.registry.Get(driverID); !ok {
		http.Error(w, "unknown driver", http.StatusNotFound)
		return
	}
	s.serveSocket(w, r, dispatch.Identity{Kind: dispatch.KindDriver, DriverID: driverID})
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, id dispatch.Identity) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	// The session outlives the request context once the connection is hijacked.
	s.sessions.Serve(context.WithoutCancel(r.Context()), conn, id)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Get(r.Context(), mux.Vars(r)["booking_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.BookingQuery{
		RequesterID: q.Get("requester_id"),
		DriverID:    q.Get("driver_id"),
		Status:      models.BookingStatus(q.Get("status")),
	}
	if query.Status != "" && !query.Status.Valid() {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		query.Limit = n
	}
	list, err := s.bookings.List(r.Context(), query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list})
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.DriverQuery{Availability: models.Availability(q.Get("availability"))}
	if query.Availability != "" && !query.Availability.Valid() {
		http.Error(w, "invalid availability", http.StatusBadRequest)
		return
	}
	if raw := q.Get("verified"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid verified", http.StatusBadRequest)
			return
		}
		query.Verified = &v
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": s.registry.List(query)})
}

func (s *Server) handleProvisionDriver(w http.ResponseWriter, r *http.Request) {
	var d models.DriverRecord
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.ID = mux.Vars(r)["driver_id"]
	d.CurrentBookingID = ""
	switch d.Availability {
	case "", models.Available, models.Offline:
	default:
		// busy is only reached by accepting a ride
		http.Error(w, "invalid availability", http.StatusBadRequest)
		return
	}
	if d.Location != nil && !d.Location.Valid() {
		http.Error(w, "invalid location", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ProvisionDriver(r.Context(), d))
}

type locationPush struct {
	DriverID     string              `json:"driver_id"`
	Lat          *float64            `json:"lat"`
	Lon          *float64            `json:"lon"`
	Heading      float64             `json:"heading"`
	Speed        float64             `json:"speed"`
	Availability models.Availability `json:"availability,omitempty"`
}

// handleDriverLocation accepts telemetry from drivers that report over
// plain HTTP instead of a websocket.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p locationPush
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.DriverID == "" || p.Lat == nil || p.Lon == nil {
		http.Error(w, "driver_id, lat and lon are required", http.StatusBadRequest)
		return
	}
	if _, err := s.engine.UpdateLocation(r.Context(), p.DriverID, models.Coord{Lat: *p.Lat, Lon: *p.Lon}, p.Heading, p.Speed); err != nil {
		s.writeError(w, err)
		return
	}
	if p.Availability != "" {
		if _, err := s.engine.SetStatus(r.Context(), p.DriverID, p.Availability); err != nil {
			s.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, matcher.ErrInvalidRequest), errors.Is(err, geo.ErrInvalidLocation),
		errors.Is(err, geo.ErrInvalidAvailability), errors.Is(err, booking.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, geo.ErrUnknownDriver):
		status = http.StatusNotFound
	case errors.Is(err, booking.ErrConflict), errors.Is(err, geo.ErrDriverBusy):
		status = http.StatusConflict
	case errors.Is(err, booking.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
