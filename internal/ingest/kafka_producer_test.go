package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func TestEmptyTopicIsSkipped(t *testing.T) {
	// No broker is listening here; an empty topic must not reach the writer.
	k := NewKafkaProducer([]string{"127.0.0.1:1"}, "", "", logging.Discard())
	defer k.Close()

	ctx := context.Background()
	if err := k.PublishLocation(ctx, models.LocationEvent{DriverID: "d1", Lat: 1, Lon: 2, At: time.Now()}); err != nil {
		t.Fatalf("location: %v", err)
	}
	if err := k.PublishTransition(ctx, models.Transition{BookingID: "b1", From: models.StatusPending, To: models.StatusConfirmed}); err != nil {
		t.Fatalf("transition: %v", err)
	}
}

func TestCloseWithoutWriter(t *testing.T) {
	var k KafkaProducer
	if err := k.Close(); err != nil {
		t.Fatal(err)
	}
}
