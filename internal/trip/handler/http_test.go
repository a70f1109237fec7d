package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/tripsplit/internal/auth"
	"github.com/example/tripsplit/internal/trip/booking"
	"github.com/example/tripsplit/internal/trip/domain"
	"github.com/example/tripsplit/internal/trip/handler"
	"github.com/example/tripsplit/internal/trip/matching"
	"github.com/example/tripsplit/internal/trip/repository"
	"github.com/example/tripsplit/internal/trip/service"
)

const secret = "handler-secret"

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	repo := repository.NewMemoryRepository()
	finder, err := matching.NewFinder(repo, nil)
	require.NoError(t, err)
	booker, err := booking.NewCoordinator(repo, nil)
	require.NoError(t, err)
	svc := service.New(repo, finder, booker, nil, nil, repository.NewMemoryIdempotencyRepo(time.Hour), nil)
	accounts, err := auth.NewService(repo, secret, time.Hour, bcrypt.MinCost, nil)
	require.NoError(t, err)
	return handler.NewHTTP(svc, accounts, secret, nil, zap.NewNop()).Router()
}

func do(t *testing.T, h http.Handler, method, path, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func register(t *testing.T, h http.Handler, name, role string) string {
	t.Helper()
	var session auth.Session
	code := do(t, h, http.MethodPost, "/v1/auth/register", "", auth.RegisterRequest{
		Name: name, Email: name + "@example.com", Password: "password1", Role: role,
	}, &session)
	require.Equal(t, http.StatusCreated, code)
	return session.Token
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func createTrip(t *testing.T, h http.Handler, token, destination string, price int64) domain.Trip {
	t.Helper()
	var trip domain.Trip
	code := do(t, h, http.MethodPost, "/v1/trips", token, service.CreateTripRequest{
		Origin: "Home", Destination: destination, ScheduledAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), PriceCents: price,
	}, &trip)
	require.Equal(t, http.StatusCreated, code)
	return trip
}

func TestBookingFlowOverHTTP(t *testing.T) {
	h := newRouter(t)
	driverToken := register(t, h, "dana", "driver")
	riderToken := register(t, h, "rui", "rider")

	driverTrip := createTrip(t, h, driverToken, "Airport", 2000)
	riderTrip := createTrip(t, h, riderToken, " airport ", 1500)
	require.Equal(t, domain.RoleRider, riderTrip.Role)

	var matches []domain.MatchCandidate
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/trips/matches?destination=AIRPORT", riderToken, nil, &matches))
	require.Len(t, matches, 1)
	require.Equal(t, driverTrip.ID, matches[0].ID)
	require.Equal(t, "dana", matches[0].OwnerName)

	var res domain.BookingResult
	code := do(t, h, http.MethodPost, "/v1/trips/book", riderToken, map[string]string{
		"my_trip_id": riderTrip.ID.String(), "match_trip_id": driverTrip.ID.String(),
	}, &res)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, int64(1500), res.FareCents)
	require.Equal(t, int64(900), res.DriverAmountCents)
	require.Equal(t, int64(600), res.PlatformAmountCents)

	var conflict errorBody
	code = do(t, h, http.MethodPost, "/v1/trips/book", riderToken, map[string]string{
		"my_trip_id": riderTrip.ID.String(), "match_trip_id": driverTrip.ID.String(),
	}, &conflict)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "booking_conflict", conflict.Code)

	var mine []domain.Trip
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/trips/mine", driverToken, nil, &mine))
	require.Len(t, mine, 1)
	require.Equal(t, domain.StatusMatched, mine[0].Status)

	var seen domain.Trip
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/trips/"+driverTrip.ID.String(), riderToken, nil, &seen))
	require.Equal(t, riderTrip.ID, *seen.MatchedWithID)
}

func TestErrorMapping(t *testing.T) {
	h := newRouter(t)
	driverToken := register(t, h, "dana", "driver")
	riderToken := register(t, h, "rui", "rider")
	downtown := createTrip(t, h, driverToken, "Downtown", 1000)
	uptown := createTrip(t, h, riderToken, "Uptown", 1000)

	var body errorBody
	code := do(t, h, http.MethodPost, "/v1/trips/book", riderToken, map[string]string{
		"my_trip_id": uptown.ID.String(), "match_trip_id": downtown.ID.String(),
	}, &body)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "destination_mismatch", body.Code)

	code = do(t, h, http.MethodPost, "/v1/trips/book", riderToken, map[string]string{
		"my_trip_id": downtown.ID.String(), "match_trip_id": uptown.ID.String(),
	}, &body)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "forbidden", body.Code)

	code = do(t, h, http.MethodPost, "/v1/trips/book", riderToken, map[string]string{"my_trip_id": "nope"}, &body)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_request", body.Code)

	code = do(t, h, http.MethodGet, "/v1/trips/00000000-0000-0000-0000-000000000009", riderToken, nil, &body)
	require.Equal(t, http.StatusNotFound, code)

	code = do(t, h, http.MethodGet, "/v1/trips/matches", riderToken, nil, &body)
	require.Equal(t, http.StatusBadRequest, code)

	code = do(t, h, http.MethodGet, "/v1/trips/mine", "", nil, &body)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "unauthorized", body.Code)
}

func TestLoginOverHTTP(t *testing.T) {
	h := newRouter(t)
	register(t, h, "dana", "driver")

	var session auth.Session
	code := do(t, h, http.MethodPost, "/v1/auth/login", "", auth.LoginRequest{Email: "dana@example.com", Password: "password1"}, &session)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, session.Token)

	var body errorBody
	code = do(t, h, http.MethodPost, "/v1/auth/login", "", auth.LoginRequest{Email: "dana@example.com", Password: "nope"}, &body)
	require.Equal(t, http.StatusUnauthorized, code)

	code = do(t, h, http.MethodPost, "/v1/auth/register", "", auth.RegisterRequest{Name: "x", Email: "dana@example.com", Password: "password1", Role: "rider"}, &body)
	require.Equal(t, http.StatusBadRequest, code)
}
