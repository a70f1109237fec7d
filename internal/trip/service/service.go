package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/tripsplit/internal/trip/booking"
	"github.com/example/tripsplit/internal/trip/domain"
	"github.com/example/tripsplit/internal/trip/matching"
)

var tracer = otel.Tracer("github.com/example/tripsplit/internal/trip/service")

// Service coordinates trip operations between handlers and the core.
type Service struct {
	trips      domain.TripStore
	finder     *matching.Finder
	booker     *booking.Coordinator
	events     domain.EventPublisher
	clock      domain.Clock
	idempotent domain.IdempotencyRepository
	logger     *zap.Logger
}

// New constructs a Service. events and idem may be nil: a store that writes
// its own outbox needs no publisher, and creation without a key cache is
// simply not replay-safe.
func New(trips domain.TripStore, finder *matching.Finder, booker *booking.Coordinator, events domain.EventPublisher, clock domain.Clock, idem domain.IdempotencyRepository, logger *zap.Logger) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		trips:      trips,
		finder:     finder,
		booker:     booker,
		events:     events,
		clock:      clock,
		idempotent: idem,
		logger:     logger.Named("trip_service"),
	}
}

// CreateTripRequest contains the request payload for creating a trip.
type CreateTripRequest struct {
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	ScheduledAt time.Time `json:"scheduled_at"`
	PriceCents  int64     `json:"price_cents"`
}

func (r CreateTripRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.Origin) == "" {
		problems = append(problems, "origin is required")
	}
	if strings.TrimSpace(r.Destination) == "" {
		problems = append(problems, "destination is required")
	}
	if r.ScheduledAt.IsZero() {
		problems = append(problems, "scheduled_at is required")
	}
	switch {
	case r.PriceCents <= 0:
		problems = append(problems, "price_cents must be positive")
	case r.PriceCents > domain.MaxPriceCents:
		problems = append(problems, fmt.Sprintf("price_cents must not exceed %d", domain.MaxPriceCents))
	}
	if len(problems) > 0 {
		return domain.Invalidf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// CreateTrip opens a new trip owned by the actor. A repeated idempotency key
// from the same actor returns the trip created by the first call.
func (s *Service) CreateTrip(ctx context.Context, key string, actor domain.Actor, req CreateTripRequest) (domain.Trip, error) {
	ctx, span := tracer.Start(ctx, "trip.create")
	defer span.End()

	if !actor.Role.Valid() {
		return domain.Trip{}, domain.Invalidf("unknown actor role %q", actor.Role)
	}
	if err := req.validate(); err != nil {
		return domain.Trip{}, err
	}

	cacheKey := ""
	if key != "" && s.idempotent != nil {
		cacheKey = actor.ID.String() + ":" + key
		replay, reserved, err := s.reserveKey(ctx, cacheKey)
		if err != nil {
			return domain.Trip{}, err
		}
		if replay != nil {
			span.SetAttributes(attribute.Bool("trip.replayed", true))
			return *replay, nil
		}
		if !reserved {
			cacheKey = ""
		}
	}

	now := s.clock.Now()
	created, err := s.trips.InsertTrip(ctx, domain.Trip{
		ID:          uuid.New(),
		OwnerID:     actor.ID,
		Role:        actor.Role,
		Origin:      strings.TrimSpace(req.Origin),
		Destination: req.Destination,
		ScheduledAt: req.ScheduledAt.UTC(),
		PriceCents:  req.PriceCents,
		Status:      domain.StatusOpen,
		CreatedAt:   now,
	})
	if err != nil {
		if cacheKey != "" {
			s.releaseKey(ctx, cacheKey)
		}
		return domain.Trip{}, fmt.Errorf("create trip: %w", err)
	}
	span.SetAttributes(attribute.String("trip.id", created.ID.String()))

	s.publish(ctx, domain.TripEvent{
		TripID: created.ID,
		Type:   domain.EventTripCreated,
		Payload: map[string]any{
			"owner_id":    created.OwnerID.String(),
			"role":        string(created.Role),
			"destination": created.Destination,
		},
		CreatedAt: now,
	})

	if cacheKey != "" {
		payload, err := json.Marshal(created)
		if err == nil {
			err = s.idempotent.PutResponse(ctx, cacheKey, payload)
		}
		if err != nil {
			s.logger.Warn("idempotency store failed", zap.String("key", cacheKey), zap.Error(err))
			s.releaseKey(ctx, cacheKey)
		}
	}
	return created, nil
}

func (s *Service) releaseKey(ctx context.Context, cacheKey string) {
	if err := s.idempotent.Release(ctx, cacheKey); err != nil {
		s.logger.Warn("idempotency release failed", zap.String("key", cacheKey), zap.Error(err))
	}
}

// reserveKey either finds a completed response to replay or claims the key
// for this request. A key still held by another request is refused. When the
// cache is unreachable the request runs without idempotency.
func (s *Service) reserveKey(ctx context.Context, cacheKey string) (*domain.Trip, bool, error) {
	if trip, ok := s.cachedTrip(ctx, cacheKey); ok {
		return &trip, false, nil
	}
	reserved, err := s.idempotent.Reserve(ctx, cacheKey)
	if err != nil {
		s.logger.Warn("idempotency reserve failed", zap.String("key", cacheKey), zap.Error(err))
		return nil, false, nil
	}
	if reserved {
		return nil, true, nil
	}
	if trip, ok := s.cachedTrip(ctx, cacheKey); ok {
		return &trip, false, nil
	}
	return nil, false, fmt.Errorf("create trip: %w", domain.ErrRequestInProgress)
}

func (s *Service) cachedTrip(ctx context.Context, cacheKey string) (domain.Trip, bool) {
	cached, ok, err := s.idempotent.GetResponse(ctx, cacheKey)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.String("key", cacheKey), zap.Error(err))
		return domain.Trip{}, false
	}
	if !ok {
		return domain.Trip{}, false
	}
	var trip domain.Trip
	if err := json.Unmarshal(cached, &trip); err != nil {
		s.logger.Warn("idempotency payload unreadable", zap.String("key", cacheKey), zap.Error(err))
		return domain.Trip{}, false
	}
	return trip, true
}

// GetTrip returns a trip visible to the actor: one they own, or the
// counter-party of one they own.
func (s *Service) GetTrip(ctx context.Context, actor domain.Actor, id uuid.UUID) (domain.Trip, error) {
	trip, err := s.trips.GetTripByID(ctx, id)
	if err != nil {
		return domain.Trip{}, err
	}
	if trip.OwnerID == actor.ID {
		return trip, nil
	}
	if trip.MatchedWithID != nil {
		partner, err := s.trips.GetTripByID(ctx, *trip.MatchedWithID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.Trip{}, err
		}
		if err == nil && partner.OwnerID == actor.ID {
			return trip, nil
		}
	}
	return domain.Trip{}, fmt.Errorf("trip %s: %w", id, domain.ErrForbidden)
}

// ListMyTrips returns the actor's trips, newest first.
func (s *Service) ListMyTrips(ctx context.Context, actor domain.Actor) ([]domain.Trip, error) {
	trips, err := s.trips.ListTripsByOwner(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	if trips == nil {
		trips = []domain.Trip{}
	}
	return trips, nil
}

// FindMatches lists bookable counter-party trips for destination.
func (s *Service) FindMatches(ctx context.Context, actor domain.Actor, destination string) ([]domain.MatchCandidate, error) {
	return s.finder.FindMatches(ctx, actor, destination)
}

// Book binds the actor's trip to matchTripID and announces the match.
func (s *Service) Book(ctx context.Context, actor domain.Actor, myTripID, matchTripID uuid.UUID) (domain.BookingResult, error) {
	res, err := s.booker.Book(ctx, actor, myTripID, matchTripID)
	if err != nil {
		return domain.BookingResult{}, err
	}
	s.publish(ctx, domain.TripEvent{
		TripID: res.DriverTripID,
		Type:   domain.EventTripsMatched,
		Payload: map[string]any{
			"driver_trip_id":        res.DriverTripID.String(),
			"rider_trip_id":         res.RiderTripID.String(),
			"fare_cents":            res.FareCents,
			"driver_amount_cents":   res.DriverAmountCents,
			"platform_amount_cents": res.PlatformAmountCents,
		},
		CreatedAt: s.clock.Now(),
	})
	return res, nil
}

// publish is best effort; delivery failures never change an outcome.
func (s *Service) publish(ctx context.Context, event domain.TripEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed",
			zap.String("type", string(event.Type)),
			zap.Stringer("trip_id", event.TripID),
			zap.Error(err))
	}
}
