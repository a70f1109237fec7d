package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the side a user travels on. It is fixed at account creation.
type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// ParseRole converts free text into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", Invalidf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	return r == RoleDriver || r == RoleRider
}

// Opposite returns the counter-party role.
func (r Role) Opposite() Role {
	if r == RoleDriver {
		return RoleRider
	}
	return RoleDriver
}

type TripStatus string

const (
	StatusOpen      TripStatus = "open"
	StatusMatched   TripStatus = "matched"
	StatusCompleted TripStatus = "completed"
)

var allowedTransitions = map[TripStatus][]TripStatus{
	StatusOpen:    {StatusMatched},
	StatusMatched: {StatusCompleted},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s TripStatus) CanTransitionTo(next TripStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// NormalizeDestination produces the matching key for a destination. Only the
// surrounding whitespace and letter case are normalized.
func NormalizeDestination(destination string) string {
	return strings.ToLower(strings.TrimSpace(destination))
}

// Actor is the already authenticated caller.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type User struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

type Trip struct {
	ID                  uuid.UUID  `json:"id"`
	OwnerID             uuid.UUID  `json:"owner_id"`
	Role                Role       `json:"role"`
	Origin              string     `json:"origin"`
	Destination         string     `json:"destination"`
	ScheduledAt         time.Time  `json:"scheduled_at"`
	PriceCents          int64      `json:"price_cents"`
	Status              TripStatus `json:"status"`
	MatchedWithID       *uuid.UUID `json:"matched_with_id"`
	DriverAmountCents   *int64     `json:"driver_amount_cents"`
	PlatformAmountCents *int64     `json:"platform_amount_cents"`
	CreatedAt           time.Time  `json:"created_at"`
}

// MatchCandidate is a trip joined with the identity of its owner.
type MatchCandidate struct {
	Trip
	OwnerName string `json:"user_name"`
	OwnerRole Role   `json:"user_role"`
}

// MatchQuery selects open trips for the match finder.
type MatchQuery struct {
	DestinationKey string
	Role           Role
	ExcludeOwnerID uuid.UUID
}

// MatchUpdate is one half of a booking: a conditional write moving TripID
// from ExpectedStatus to matched.
type MatchUpdate struct {
	TripID              uuid.UUID
	ExpectedStatus      TripStatus
	MatchedWithID       uuid.UUID
	DriverAmountCents   int64
	PlatformAmountCents int64
}

type BookingResult struct {
	DriverTripID        uuid.UUID `json:"driver_trip_id"`
	RiderTripID         uuid.UUID `json:"rider_trip_id"`
	FareCents           int64     `json:"fare_cents"`
	DriverAmountCents   int64     `json:"driver_amount_cents"`
	PlatformAmountCents int64     `json:"platform_amount_cents"`
}

type TripEventType string

const (
	EventTripCreated  TripEventType = "TripCreated"
	EventTripsMatched TripEventType = "TripsMatched"
)

type TripEvent struct {
	ID        int64          `json:"id,omitempty"`
	TripID    uuid.UUID      `json:"trip_id"`
	Type      TripEventType  `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TripStore owns persisted trips. MatchPair must apply both updates or
// neither, evaluating each ExpectedStatus against the committed row at write
// time, and return ErrBookingConflict when a precondition does not hold.
type TripStore interface {
	GetTripByID(ctx context.Context, id uuid.UUID) (Trip, error)
	InsertTrip(ctx context.Context, trip Trip) (Trip, error)
	ListTripsByOwner(ctx context.Context, ownerID uuid.UUID) ([]Trip, error)
	QueryOpenTrips(ctx context.Context, q MatchQuery) ([]MatchCandidate, error)
	MatchPair(ctx context.Context, first, second MatchUpdate) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
}

// IdempotencyRepository caches creation responses by key. Reserve claims a
// key before the work runs; it reports false when another request holds or
// has completed the key. PutResponse completes a reservation and Release
// drops one whose request failed.
type IdempotencyRepository interface {
	Reserve(ctx context.Context, key string) (bool, error)
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
	Release(ctx context.Context, key string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event TripEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
