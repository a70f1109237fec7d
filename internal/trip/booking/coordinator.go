package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/tripsplit/internal/trip/domain"
)

var tracer = otel.Tracer("github.com/example/tripsplit/internal/trip/booking")

// Coordinator binds two open trips into a matched pair.
type Coordinator struct {
	store  domain.TripStore
	logger *zap.Logger
}

// NewCoordinator builds a Coordinator over the trip store.
func NewCoordinator(store domain.TripStore, logger *zap.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("trip store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, logger: logger.Named("booking")}, nil
}

// Book matches the actor's trip with matchTripID. The rider's price is the
// fare; both rows move from open to matched in one conditional write, so at
// most one concurrent booking of either trip succeeds. Nothing is retried.
func (c *Coordinator) Book(ctx context.Context, actor domain.Actor, myTripID, matchTripID uuid.UUID) (res domain.BookingResult, err error) {
	ctx, span := tracer.Start(ctx, "booking.book")
	span.SetAttributes(
		attribute.String("trip.mine", myTripID.String()),
		attribute.String("trip.match", matchTripID.String()),
	)
	defer func() {
		kind := "ok"
		if err != nil {
			kind = string(domain.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
			c.logger.Info("booking rejected",
				zap.Stringer("actor", actor.ID),
				zap.Stringer("my_trip", myTripID),
				zap.Stringer("match_trip", matchTripID),
				zap.String("code", kind),
				zap.Error(err))
		} else {
			c.logger.Info("trips matched",
				zap.Stringer("driver_trip", res.DriverTripID),
				zap.Stringer("rider_trip", res.RiderTripID),
				zap.Int64("fare_cents", res.FareCents))
		}
		bookingAttempts.WithLabelValues(kind).Inc()
		span.End()
	}()

	if myTripID == uuid.Nil || matchTripID == uuid.Nil {
		return domain.BookingResult{}, domain.Invalidf("both trip ids are required")
	}
	if myTripID == matchTripID {
		return domain.BookingResult{}, domain.Invalidf("a trip cannot be booked with itself")
	}

	myTrip, err := c.store.GetTripByID(ctx, myTripID)
	if err != nil {
		return domain.BookingResult{}, fmt.Errorf("load my trip: %w", err)
	}
	if myTrip.OwnerID != actor.ID {
		return domain.BookingResult{}, fmt.Errorf("trip %s: %w", myTripID, domain.ErrForbidden)
	}
	matchTrip, err := c.store.GetTripByID(ctx, matchTripID)
	if err != nil {
		return domain.BookingResult{}, fmt.Errorf("load match trip: %w", err)
	}
	if matchTrip.OwnerID == actor.ID {
		return domain.BookingResult{}, domain.Invalidf("cannot book against your own trip")
	}

	if domain.NormalizeDestination(myTrip.Destination) != domain.NormalizeDestination(matchTrip.Destination) {
		return domain.BookingResult{}, domain.ErrDestinationMismatch
	}
	if myTrip.Role == matchTrip.Role {
		return domain.BookingResult{}, domain.Invalidf("both trips are %s trips", myTrip.Role)
	}

	driverTrip, riderTrip := matchTrip, myTrip
	if myTrip.Role == domain.RoleDriver {
		driverTrip, riderTrip = myTrip, matchTrip
	}

	for _, t := range []domain.Trip{driverTrip, riderTrip} {
		if !t.Status.CanTransitionTo(domain.StatusMatched) {
			return domain.BookingResult{}, fmt.Errorf("trip %s is %s: %w", t.ID, t.Status, domain.ErrBookingConflict)
		}
	}

	if riderTrip.PriceCents <= 0 || riderTrip.PriceCents > domain.MaxPriceCents {
		return domain.BookingResult{}, domain.Invalidf("rider trip %s has price %d outside (0, %d]",
			riderTrip.ID, riderTrip.PriceCents, domain.MaxPriceCents)
	}
	split := domain.SplitFare(riderTrip.PriceCents)

	err = c.store.MatchPair(ctx,
		domain.MatchUpdate{
			TripID:              driverTrip.ID,
			ExpectedStatus:      domain.StatusOpen,
			MatchedWithID:       riderTrip.ID,
			DriverAmountCents:   split.DriverAmountCents,
			PlatformAmountCents: split.PlatformAmountCents,
		},
		domain.MatchUpdate{
			TripID:              riderTrip.ID,
			ExpectedStatus:      domain.StatusOpen,
			MatchedWithID:       driverTrip.ID,
			DriverAmountCents:   split.DriverAmountCents,
			PlatformAmountCents: split.PlatformAmountCents,
		},
	)
	if err != nil {
		return domain.BookingResult{}, fmt.Errorf("match pair: %w", err)
	}

	return domain.BookingResult{
		DriverTripID:        driverTrip.ID,
		RiderTripID:         riderTrip.ID,
		FareCents:           split.FareCents,
		DriverAmountCents:   split.DriverAmountCents,
		PlatformAmountCents: split.PlatformAmountCents,
	}, nil
}
