package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisMirror copies driver telemetry into Redis GEO so other services can run
// radius queries without talking to the dispatch process.
type RedisMirror struct {
	client redis.Cmdable
	key    string
}

func NewRedisMirror(client redis.Cmdable, key string) *RedisMirror {
	return &RedisMirror{client: client, key: key}
}

// Mirror stores the position with GEOADD plus a metadata hash. Offline
// drivers are removed from the geo set.
func (r *RedisMirror) Mirror(ctx context.Context, ev models.LocationEvent) error {
	if ev.Availability == models.Offline {
		if err := r.client.ZRem(ctx, r.key, ev.DriverID).Err(); err != nil {
			return fmt.Errorf("zrem %s: %w", ev.DriverID, err)
		}
	} else {
		loc := &redis.GeoLocation{Longitude: ev.Lon, Latitude: ev.Lat, Name: ev.DriverID}
		if err := r.client.GeoAdd(ctx, r.key, loc).Err(); err != nil {
			return fmt.Errorf("geoadd %s: %w", ev.DriverID, err)
		}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	meta := map[string]interface{}{
		"rating":       strconv.FormatFloat(ev.Rating, 'f', 2, 64),
		"availability": string(ev.Availability),
		"heading":      strconv.FormatFloat(ev.Heading, 'f', 2, 64),
		"speed":        strconv.FormatFloat(ev.Speed, 'f', 2, 64),
		"updated":      at.UTC().Format(time.RFC3339),
	}
	if err := r.client.HSet(ctx, MetaKey(ev.DriverID), meta).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", ev.DriverID, err)
	}
	return nil
}

func MetaKey(id string) string { return "driver:meta:" + id }
