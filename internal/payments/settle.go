// Package payments talks to the external payment service. The dispatch core
// only keeps the resulting payment status flag on the booking.
package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/models"
)

// Gateway is the hold/capture/cancel surface of a card processor.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, bookingID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

// MinorUnits converts a fare to the smallest currency unit (cents).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

type Settler struct {
	gw       Gateway
	currency string
	logger   *slog.Logger
}

func NewSettler(gw Gateway, currency string, logger *slog.Logger) *Settler {
	return &Settler{gw: gw, currency: currency, logger: logger.With("component", "payments")}
}

// Authorize places a hold for the fare once a driver is assigned.
func (s *Settler) Authorize(ctx context.Context, b models.Booking) (string, error) {
	if !b.Fare.IsPositive() {
		return "", nil
	}
	ref, err := s.gw.Hold(ctx, MinorUnits(b.Fare), s.currency, b.ID)
	if err != nil {
		return "", fmt.Errorf("hold fare for %s: %w", b.ID, err)
	}
	return ref, nil
}

// Settle captures the held fare on completion. A booking without a hold is
// held and captured in one go.
func (s *Settler) Settle(ctx context.Context, b models.Booking) (models.PaymentStatus, string) {
	ref := b.PaymentRef
	if ref == "" {
		var err error
		if ref, err = s.Authorize(ctx, b); err != nil {
			s.logger.Warn("payment hold failed", "booking_id", b.ID, "error", err)
			return models.PaymentFailed, ""
		}
		if ref == "" {
			return models.PaymentPaid, ""
		}
	}
	if err := s.gw.Capture(ctx, ref); err != nil {
		s.logger.Warn("payment capture failed", "booking_id", b.ID, "payment_ref", ref, "error", err)
		return models.PaymentFailed, ref
	}
	return models.PaymentPaid, ref
}

// Release voids an outstanding hold after cancellation.
func (s *Settler) Release(ctx context.Context, b models.Booking) error {
	if b.PaymentRef == "" {
		return nil
	}
	if err := s.gw.Cancel(ctx, b.PaymentRef); err != nil {
		return fmt.Errorf("release hold %s: %w", b.PaymentRef, err)
	}
	return nil
}
