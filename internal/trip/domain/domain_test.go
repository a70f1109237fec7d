package domain_test

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/tripsplit/internal/trip/domain"
)

func TestSplitFareSumsToPrice(t *testing.T) {
	for _, price := range []int64{1, 2, 3, 7, 15, 99, 1500, 2000, 12345} {
		split := domain.SplitFare(price)
		require.Equal(t, price, split.FareCents)
		require.Equal(t, price, split.DriverAmountCents+split.PlatformAmountCents, "price %d", price)
	}
}

func TestSplitFareLargePricesDoNotOverflow(t *testing.T) {
	for _, price := range []int64{200_000_000_000_000_000, domain.MaxPriceCents, math.MaxInt64} {
		split := domain.SplitFare(price)
		want := new(big.Int).Mul(big.NewInt(price), big.NewInt(domain.DriverSharePercent))
		want.Add(want, big.NewInt(50)).Quo(want, big.NewInt(100))

		require.Positive(t, split.DriverAmountCents, "price %d", price)
		require.Positive(t, split.PlatformAmountCents, "price %d", price)
		require.Equal(t, want.Int64(), split.DriverAmountCents, "price %d", price)
		require.Equal(t, price, split.DriverAmountCents+split.PlatformAmountCents)
	}
}

func TestSplitFareExactSixtyForty(t *testing.T) {
	split := domain.SplitFare(1500)
	require.Equal(t, int64(900), split.DriverAmountCents)
	require.Equal(t, int64(600), split.PlatformAmountCents)

	split = domain.SplitFare(2000)
	require.Equal(t, int64(1200), split.DriverAmountCents)
	require.Equal(t, int64(800), split.PlatformAmountCents)
}

func TestNormalizeDestinationKeepsEmbeddedWhitespace(t *testing.T) {
	require.Equal(t, "airport", domain.NormalizeDestination("  Airport \t"))
	require.Equal(t, "city  center", domain.NormalizeDestination(" City  Center"))
	require.NotEqual(t, domain.NormalizeDestination("City Center"), domain.NormalizeDestination("City  Center"))
}

func TestRoleParseAndOpposite(t *testing.T) {
	r, err := domain.ParseRole(" Driver ")
	require.NoError(t, err)
	require.Equal(t, domain.RoleDriver, r)
	require.Equal(t, domain.RoleRider, r.Opposite())
	require.Equal(t, domain.RoleDriver, domain.RoleRider.Opposite())

	_, err = domain.ParseRole("passenger")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, domain.StatusOpen.CanTransitionTo(domain.StatusMatched))
	require.True(t, domain.StatusMatched.CanTransitionTo(domain.StatusCompleted))
	require.False(t, domain.StatusMatched.CanTransitionTo(domain.StatusMatched))
	require.False(t, domain.StatusCompleted.CanTransitionTo(domain.StatusOpen))
	require.False(t, domain.StatusOpen.CanTransitionTo(domain.StatusCompleted))
}

func TestKindOf(t *testing.T) {
	cause := errors.New("connection reset")
	storage := domain.NewStorageError("select trip", cause)
	require.ErrorIs(t, storage, domain.ErrStorage)
	require.ErrorIs(t, storage, cause)
	require.Nil(t, domain.NewStorageError("noop", nil))

	cases := map[domain.Kind]error{
		domain.KindInvalidRequest:      domain.Invalidf("destination is required"),
		domain.KindNotFound:            fmt.Errorf("my trip: %w", domain.ErrNotFound),
		domain.KindForbidden:           domain.ErrForbidden,
		domain.KindDestinationMismatch: domain.ErrDestinationMismatch,
		domain.KindBookingConflict:     fmt.Errorf("match pair: %w", domain.ErrBookingConflict),
		domain.KindRequestInProgress:   fmt.Errorf("create trip: %w", domain.ErrRequestInProgress),
		domain.KindStorage:             storage,
		domain.KindInternal:            errors.New("boom"),
	}
	for kind, err := range cases {
		require.Equal(t, kind, domain.KindOf(err), err.Error())
	}
}
