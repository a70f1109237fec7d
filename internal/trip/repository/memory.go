package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/tripsplit/internal/trip/domain"
)

// MemoryRepository provides an in-memory trip and user store suitable for
// tests and local demos.
type MemoryRepository struct {
	mu      sync.RWMutex
	trips   map[uuid.UUID]domain.Trip
	users   map[uuid.UUID]domain.User
	byEmail map[string]uuid.UUID
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		trips:   make(map[uuid.UUID]domain.Trip),
		users:   make(map[uuid.UUID]domain.User),
		byEmail: make(map[string]uuid.UUID),
	}
}

// InsertTrip stores the trip as open.
func (m *MemoryRepository) InsertTrip(_ context.Context, trip domain.Trip) (domain.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trips[trip.ID]; exists {
		return domain.Trip{}, domain.NewStorageError("insert trip", fmt.Errorf("duplicate id %s", trip.ID))
	}
	trip.Status = domain.StatusOpen
	trip.MatchedWithID = nil
	trip.DriverAmountCents = nil
	trip.PlatformAmountCents = nil
	m.trips[trip.ID] = trip
	return trip, nil
}

// GetTripByID retrieves a trip.
func (m *MemoryRepository) GetTripByID(_ context.Context, id uuid.UUID) (domain.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trip, ok := m.trips[id]
	if !ok {
		return domain.Trip{}, fmt.Errorf("trip %s: %w", id, domain.ErrNotFound)
	}
	return trip, nil
}

// ListTripsByOwner returns the owner's trips, newest first.
func (m *MemoryRepository) ListTripsByOwner(_ context.Context, ownerID uuid.UUID) ([]domain.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Trip
	for _, trip := range m.trips {
		if trip.OwnerID == ownerID {
			out = append(out, trip)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// QueryOpenTrips returns open trips of the requested role at the destination
// key, joined with their owners and ordered by scheduled time.
func (m *MemoryRepository) QueryOpenTrips(_ context.Context, q domain.MatchQuery) ([]domain.MatchCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.MatchCandidate
	for _, trip := range m.trips {
		if trip.Status != domain.StatusOpen || trip.Role != q.Role || trip.OwnerID == q.ExcludeOwnerID {
			continue
		}
		if domain.NormalizeDestination(trip.Destination) != q.DestinationKey {
			continue
		}
		owner, ok := m.users[trip.OwnerID]
		if !ok {
			continue
		}
		out = append(out, domain.MatchCandidate{Trip: trip, OwnerName: owner.Name, OwnerRole: owner.Role})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

// MatchPair applies both conditional updates under one lock. Either trip
// failing its expected status aborts the pair untouched.
func (m *MemoryRepository) MatchPair(_ context.Context, first, second domain.MatchUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	updates := []domain.MatchUpdate{first, second}
	for _, upd := range updates {
		trip, ok := m.trips[upd.TripID]
		if !ok || trip.Status != upd.ExpectedStatus {
			return fmt.Errorf("trip %s: %w", upd.TripID, domain.ErrBookingConflict)
		}
	}
	for _, upd := range updates {
		trip := m.trips[upd.TripID]
		matchedWith := upd.MatchedWithID
		driverAmount := upd.DriverAmountCents
		platformAmount := upd.PlatformAmountCents
		trip.Status = domain.StatusMatched
		trip.MatchedWithID = &matchedWith
		trip.DriverAmountCents = &driverAmount
		trip.PlatformAmountCents = &platformAmount
		m.trips[upd.TripID] = trip
	}
	return nil
}

// CreateUser stores a user; emails are unique case-insensitively.
func (m *MemoryRepository) CreateUser(_ context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if _, taken := m.byEmail[email]; taken {
		return domain.User{}, domain.Invalidf("email already registered")
	}
	m.users[user.ID] = user
	m.byEmail[email] = user.ID
	return user, nil
}

// GetUserByID retrieves a user.
func (m *MemoryRepository) GetUserByID(_ context.Context, id uuid.UUID) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by login email.
func (m *MemoryRepository) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return domain.User{}, fmt.Errorf("user %q: %w", email, domain.ErrNotFound)
	}
	return m.users[id], nil
}
