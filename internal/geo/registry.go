package geo

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnknownDriver       = errors.New("unknown driver")
	ErrDriverUnavailable   = errors.New("driver not available")
	ErrDriverBusy          = errors.New("driver is busy with a booking")
	ErrInvalidLocation     = errors.New("invalid location")
	ErrInvalidAvailability = errors.New("invalid availability")
)

// Candidate is a driver eligible for a dispatch attempt, with its distance
// to the pickup point.
type Candidate struct {
	models.DriverRecord
	DistanceKm float64
}

type driverEntry struct {
	mu  sync.Mutex
	rec models.DriverRecord
}

// Registry is the authoritative in-memory view of driver positions and
// availability. The map lock only guards membership; every record carries
// its own mutex so updates for one driver never block another.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*driverEntry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]*driverEntry), now: time.Now}
}

func (r *Registry) entry(id string) (*driverEntry, bool) {
	r.mu.RLock()
	e, ok := r.drivers[id]
	r.mu.RUnlock()
	return e, ok
}

func (r *Registry) snapshot() []*driverEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*driverEntry, 0, len(r.drivers))
	for _, e := range r.drivers {
		out = append(out, e)
	}
	return out
}

// Provision creates a driver or refreshes its profile. For a known driver the
// live fields (location, availability, current booking) are preserved.
func (r *Registry) Provision(rec models.DriverRecord) models.DriverRecord {
	// a booking binding only comes from Reserve
	rec.CurrentBookingID = ""
	if !rec.Availability.Valid() || rec.Availability == models.Busy {
		rec.Availability = models.Offline
	}
	r.mu.Lock()
	e, ok := r.drivers[rec.ID]
	if !ok {
		r.drivers[rec.ID] = &driverEntry{rec: rec}
		r.mu.Unlock()
		return rec
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.Name = rec.Name
	e.rec.Phone = rec.Phone
	e.rec.Vehicle = rec.Vehicle
	e.rec.Verified = rec.Verified
	e.rec.Rating = rec.Rating
	e.rec.RatingCount = rec.RatingCount
	e.rec.TotalRides = rec.TotalRides
	return e.rec
}

func (r *Registry) Get(id string) (models.DriverRecord, bool) {
	e, ok := r.entry(id)
	if !ok {
		return models.DriverRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// UpsertLocation records a driver's latest position.
func (r *Registry) UpsertLocation(id string, c models.Coord, heading, speed float64) (models.DriverRecord, error) {
	if !c.Valid() {
		return models.DriverRecord{}, ErrInvalidLocation
	}
	e, ok := r.entry(id)
	if !ok {
		return models.DriverRecord{}, ErrUnknownDriver
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	loc := c
	e.rec.Location = &loc
	e.rec.Heading = heading
	e.rec.Speed = speed
	e.rec.UpdatedAt = r.now()
	return e.rec, nil
}

// SetAvailability changes a driver's status. A driver bound to a booking
// cannot leave busy through this path; the booking must end first.
func (r *Registry) SetAvailability(id string, a models.Availability) (models.DriverRecord, error) {
	if !a.Valid() {
		return models.DriverRecord{}, ErrInvalidAvailability
	}
	e, ok := r.entry(id)
	if !ok {
		return models.DriverRecord{}, ErrUnknownDriver
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.CurrentBookingID != "" && a != models.Busy {
		return e.rec, ErrDriverBusy
	}
	e.rec.Availability = a
	return e.rec, nil
}

// SetAvailabilityIf changes availability only when the current value is from.
func (r *Registry) SetAvailabilityIf(id string, from, to models.Availability) (models.DriverRecord, bool, error) {
	e, ok := r.entry(id)
	if !ok {
		return models.DriverRecord{}, false, ErrUnknownDriver
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Availability != from || e.rec.CurrentBookingID != "" {
		return e.rec, false, nil
	}
	e.rec.Availability = to
	return e.rec, true, nil
}

// Reserve atomically moves an available, verified driver to busy and binds it
// to bookingID.
func (r *Registry) Reserve(id, bookingID string) (models.DriverRecord, error) {
	e, ok := r.entry(id)
	if !ok {
		return models.DriverRecord{}, ErrUnknownDriver
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Availability != models.Available || !e.rec.Verified || e.rec.CurrentBookingID != "" {
		return e.rec, ErrDriverUnavailable
	}
	e.rec.Availability = models.Busy
	e.rec.CurrentBookingID = bookingID
	return e.rec, nil
}

// Release frees a driver bound to bookingID. Completed rides count towards
// the driver's total. Releasing for a different booking is a no-op.
func (r *Registry) Release(id, bookingID string, completed bool) (models.DriverRecord, error) {
	e, ok := r.entry(id)
	if !ok {
		return models.DriverRecord{}, ErrUnknownDriver
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.CurrentBookingID != bookingID {
		return e.rec, nil
	}
	e.rec.CurrentBookingID = ""
	if e.rec.Availability == models.Busy {
		e.rec.Availability = models.Available
	}
	if completed {
		e.rec.TotalRides++
	}
	return e.rec, nil
}

// ApplyRating folds a passenger score into the driver's running average.
func (r *Registry) ApplyRating(id string, score int) (models.DriverRecord, error) {
	e, ok := r.entry(id)
	if !ok {
		return models.DriverRecord{}, ErrUnknownDriver
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.rec.Rating*float64(e.rec.RatingCount) + float64(score)
	e.rec.RatingCount++
	e.rec.Rating = total / float64(e.rec.RatingCount)
	return e.rec, nil
}

// FindCandidates returns available, verified drivers with a known location
// within radiusKm of origin, nearest first (ties by id), at most limit.
// Each record is read under its own lock, so the result is a per-driver
// point-in-time snapshot.
func (r *Registry) FindCandidates(origin models.Coord, radiusKm float64, limit int) []Candidate {
	if limit <= 0 || radiusKm <= 0 {
		return nil
	}
	entries := r.snapshot()
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if rec.Availability != models.Available || !rec.Verified || !rec.HasLocation() {
			continue
		}
		dist := DistanceKm(origin, *rec.Location)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{DriverRecord: rec, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// List returns drivers matching q ordered by id.
func (r *Registry) List(q models.DriverQuery) []models.DriverRecord {
	entries := r.snapshot()
	out := make([]models.DriverRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if q.Availability != "" && rec.Availability != q.Availability {
			continue
		}
		if q.Verified != nil && rec.Verified != *q.Verified {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByAvailability is used for the drivers gauge.
func (r *Registry) CountByAvailability() map[models.Availability]int {
	counts := map[models.Availability]int{models.Available: 0, models.Busy: 0, models.Offline: 0}
	for _, e := range r.snapshot() {
		e.mu.Lock()
		counts[e.rec.Availability]++
		e.mu.Unlock()
	}
	return counts
}
