package matching

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/tripsplit/internal/trip/domain"
)

// Finder lists open counter-party trips that share the caller's destination.
type Finder struct {
	store  domain.TripStore
	logger *zap.Logger
}

// NewFinder builds a Finder over the trip store.
func NewFinder(store domain.TripStore, logger *zap.Logger) (*Finder, error) {
	if store == nil {
		return nil, errors.New("trip store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{store: store, logger: logger.Named("matching")}, nil
}

// FindMatches returns open trips of the opposite role whose normalized
// destination equals destination, excluding the actor's own trips, ordered by
// ascending scheduled time.
func (f *Finder) FindMatches(ctx context.Context, actor domain.Actor, destination string) ([]domain.MatchCandidate, error) {
	start := time.Now()
	result := "ok"
	defer func() {
		matchQueryDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	key := domain.NormalizeDestination(destination)
	if key == "" {
		result = "invalid"
		return nil, domain.Invalidf("destination is required")
	}
	if !actor.Role.Valid() {
		result = "invalid"
		return nil, domain.Invalidf("unknown actor role %q", actor.Role)
	}

	want := actor.Role.Opposite()
	rows, err := f.store.QueryOpenTrips(ctx, domain.MatchQuery{
		DestinationKey: key,
		Role:           want,
		ExcludeOwnerID: actor.ID,
	})
	if err != nil {
		result = "error"
		f.logger.Warn("open trip query failed", zap.String("destination", key), zap.Error(err))
		return nil, err
	}

	out := make([]domain.MatchCandidate, 0, len(rows))
	for _, c := range rows {
		if c.Status != domain.StatusOpen || c.Role != want || c.OwnerID == actor.ID {
			continue
		}
		if domain.NormalizeDestination(c.Destination) != key {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if dropped := len(rows) - len(out); dropped > 0 {
		f.logger.Debug("store returned non-matching rows", zap.Int("dropped", dropped))
	}
	return out, nil
}
