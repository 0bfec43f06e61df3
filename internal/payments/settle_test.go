package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeGateway struct {
	holds, captures, cancels int
	amount                   int64
	failCapture              bool
}

func (f *fakeGateway) Hold(_ context.Context, amount int64, _, _ string) (string, error) {
	f.holds++
	f.amount = amount
	return "pi_test", nil
}

func (f *fakeGateway) Capture(context.Context, string) error {
	f.captures++
	if f.failCapture {
		return errors.New("card declined")
	}
	return nil
}

func (f *fakeGateway) Cancel(context.Context, string) error {
	f.cancels++
	return nil
}

func TestMinorUnits(t *testing.T) {
	cases := map[string]int64{"150": 15000, "99.995": 10000, "12.34": 1234, "0": 0}
	for in, want := range cases {
		if got := MinorUnits(decimal.RequireFromString(in)); got != want {
			t.Errorf("%s: got %d want %d", in, got, want)
		}
	}
}

func TestSettleHoldsThenCaptures(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettler(gw, "zar", logging.Discard())
	b := models.Booking{ID: "b1", Fare: decimal.RequireFromString("150.00")}

	status, ref := s.Settle(context.Background(), b)
	if status != models.PaymentPaid || ref != "pi_test" {
		t.Fatalf("got %s %s", status, ref)
	}
	if gw.holds != 1 || gw.captures != 1 || gw.amount != 15000 {
		t.Fatalf("unexpected gateway calls: %+v", gw)
	}
}

func TestSettleCaptureFailure(t *testing.T) {
	gw := &fakeGateway{failCapture: true}
	s := NewSettler(gw, "zar", logging.Discard())
	b := models.Booking{ID: "b1", Fare: decimal.NewFromInt(80), PaymentRef: "pi_existing"}

	status, ref := s.Settle(context.Background(), b)
	if status != models.PaymentFailed || ref != "pi_existing" || gw.holds != 0 {
		t.Fatalf("got %s %s holds=%d", status, ref, gw.holds)
	}
}

func TestReleaseWithoutHold(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettler(gw, "zar", logging.Discard())
	if err := s.Release(context.Background(), models.Booking{ID: "b1"}); err != nil || gw.cancels != 0 {
		t.Fatalf("unexpected: %v cancels=%d", err, gw.cancels)
	}
	s.Release(context.Background(), models.Booking{ID: "b1", PaymentRef: "pi_1"})
	if gw.cancels != 1 {
		t.Fatal("expected hold to be cancelled")
	}
}
