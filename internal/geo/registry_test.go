package geo

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

var pickup = models.Coord{Lat: -26.2041, Lon: 28.0473}

// north returns a point km kilometres due north of c.
func north(c models.Coord, km float64) models.Coord {
	return models.Coord{Lat: c.Lat + km/(earthRadiusKm*math.Pi/180), Lon: c.Lon}
}

func addDriver(t *testing.T, r *Registry, id string, at models.Coord, verified bool, a models.Availability) {
	t.Helper()
	r.Provision(models.DriverRecord{ID: id, Name: "Driver " + id, Verified: verified, Availability: a})
	if _, err := r.UpsertLocation(id, at, 0, 0); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func ids(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}

func TestFindCandidatesRanksWithinRadius(t *testing.T) {
	r := NewRegistry()
	addDriver(t, r, "D3", north(pickup, 11), true, models.Available)
	addDriver(t, r, "D2", north(pickup, 3), true, models.Available)
	addDriver(t, r, "D1", north(pickup, 1), true, models.Available)

	got := ids(r.FindCandidates(pickup, 10, 5))
	if fmt.Sprint(got) != "[D1 D2]" {
		t.Fatalf("expected [D1 D2], got %v", got)
	}
}

func TestFindCandidatesFiltersIneligible(t *testing.T) {
	r := NewRegistry()
	addDriver(t, r, "busy", north(pickup, 1), true, models.Available)
	if _, err := r.Reserve("busy", "b9"); err != nil {
		t.Fatal(err)
	}
	addDriver(t, r, "offline", north(pickup, 1), true, models.Offline)
	addDriver(t, r, "unverified", north(pickup, 1), false, models.Available)
	r.Provision(models.DriverRecord{ID: "nolocation", Verified: true, Availability: models.Available})
	addDriver(t, r, "ok", north(pickup, 2), true, models.Available)

	got := ids(r.FindCandidates(pickup, 10, 5))
	if fmt.Sprint(got) != "[ok]" {
		t.Fatalf("expected [ok], got %v", got)
	}
}

func TestFindCandidatesTiesByIDAndLimit(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b", "d"} {
		addDriver(t, r, id, north(pickup, 2), true, models.Available)
	}
	got := ids(r.FindCandidates(pickup, 10, 3))
	if fmt.Sprint(got) != "[a b c]" {
		t.Fatalf("expected [a b c], got %v", got)
	}
	if c := r.FindCandidates(pickup, 10, 0); len(c) != 0 {
		t.Fatalf("expected no candidates for limit 0, got %d", len(c))
	}
}

func TestFindCandidatesEmptyRegistry(t *testing.T) {
	if c := NewRegistry().FindCandidates(pickup, 10, 5); len(c) != 0 {
		t.Fatalf("expected empty, got %v", c)
	}
}

func TestUpsertLocationUnknownDriver(t *testing.T) {
	r := NewRegistry()
	if _, err := r.UpsertLocation("ghost", pickup, 0, 0); err != ErrUnknownDriver {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
	r.Provision(models.DriverRecord{ID: "x"})
	if _, err := r.UpsertLocation("x", models.Coord{Lat: 91}, 0, 0); err != ErrInvalidLocation {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
}

func TestProvisionDropsBookingBinding(t *testing.T) {
	r := NewRegistry()
	rec := r.Provision(models.DriverRecord{ID: "d1", Verified: true, Availability: models.Busy, CurrentBookingID: "b1"})
	if rec.Availability != models.Offline || rec.CurrentBookingID != "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := r.SetAvailability("d1", models.Available); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reserve("d1", "b2"); err != nil {
		t.Fatalf("driver should be reservable: %v", err)
	}
}

func TestReserveIsExclusive(t *testing.T) {
	r := NewRegistry()
	addDriver(t, r, "d1", pickup, true, models.Available)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := r.Reserve("d1", fmt.Sprintf("b%d", n)); err == nil {
				wins <- fmt.Sprintf("b%d", n)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var won []string
	for b := range wins {
		won = append(won, b)
	}
	if len(won) != 1 {
		t.Fatalf("expected exactly one reservation, got %v", won)
	}
	rec, _ := r.Get("d1")
	if rec.Availability != models.Busy || rec.CurrentBookingID != won[0] {
		t.Fatalf("unexpected record after reserve: %+v", rec)
	}
	if _, err := r.SetAvailability("d1", models.Offline); err != ErrDriverBusy {
		t.Fatalf("expected ErrDriverBusy, got %v", err)
	}
}

func TestReleaseOnlyForBoundBooking(t *testing.T) {
	r := NewRegistry()
	addDriver(t, r, "d1", pickup, true, models.Available)
	if _, err := r.Reserve("d1", "b1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	rec, _ := r.Release("d1", "other", true)
	if rec.Availability != models.Busy {
		t.Fatalf("release for other booking must be a no-op, got %s", rec.Availability)
	}
	rec, _ = r.Release("d1", "b1", true)
	if rec.Availability != models.Available || rec.TotalRides != 1 || rec.CurrentBookingID != "" {
		t.Fatalf("unexpected record after release: %+v", rec)
	}
}

func TestSetAvailabilityIf(t *testing.T) {
	r := NewRegistry()
	addDriver(t, r, "d1", pickup, true, models.Available)
	if _, ok, _ := r.SetAvailabilityIf("d1", models.Busy, models.Offline); ok {
		t.Fatalf("expected no change when current status differs")
	}
	rec, ok, err := r.SetAvailabilityIf("d1", models.Available, models.Offline)
	if err != nil || !ok || rec.Availability != models.Offline {
		t.Fatalf("expected offline, got %+v ok=%v err=%v", rec, ok, err)
	}
}

func TestApplyRatingRunningAverage(t *testing.T) {
	r := NewRegistry()
	r.Provision(models.DriverRecord{ID: "d1", Rating: 4, RatingCount: 1})
	rec, err := r.ApplyRating("d1", 5)
	if err != nil {
		t.Fatalf("apply rating: %v", err)
	}
	if rec.Rating != 4.5 || rec.RatingCount != 2 {
		t.Fatalf("expected 4.5 over 2 ratings, got %f over %d", rec.Rating, rec.RatingCount)
	}
}

func TestConcurrentUpsertsAndQueries(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 20; i++ {
		addDriver(t, r, fmt.Sprintf("d%02d", i), north(pickup, float64(i)), true, models.Available)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				_, _ = r.UpsertLocation(fmt.Sprintf("d%02d", n), north(pickup, float64(k%10)), 90, 12)
			}
		}(i)
		go func() {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				for _, c := range r.FindCandidates(pickup, 10, 5) {
					if c.DistanceKm > 10 {
						t.Errorf("candidate %s beyond radius: %f", c.ID, c.DistanceKm)
					}
				}
			}
		}()
	}
	wg.Wait()
}
