package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/example/tripsplit/internal/trip/domain"
	"github.com/example/tripsplit/internal/trip/repository"
)

var (
	lowID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	highID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func pairUpdates() (domain.MatchUpdate, domain.MatchUpdate) {
	driver := domain.MatchUpdate{TripID: highID, ExpectedStatus: domain.StatusOpen, MatchedWithID: lowID, DriverAmountCents: 900, PlatformAmountCents: 600}
	rider := domain.MatchUpdate{TripID: lowID, ExpectedStatus: domain.StatusOpen, MatchedWithID: highID, DriverAmountCents: 900, PlatformAmountCents: 600}
	return driver, rider
}

func TestPostgresMatchPairCommitsBothRowsInIDOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewPostgresRepository(db, "")
	driver, rider := pairUpdates()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE trips").
		WithArgs(highID, int64(900), int64(600), lowID, "open").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE trips").
		WithArgs(lowID, int64(900), int64(600), highID, "open").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.MatchPair(context.Background(), driver, rider))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMatchPairRollsBackWhenRowNoLongerOpen(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewPostgresRepository(db, "trip.events")
	driver, rider := pairUpdates()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE trips").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE trips").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.MatchPair(context.Background(), driver, rider)
	require.ErrorIs(t, err, domain.ErrBookingConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMatchPairStorageFailure(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewPostgresRepository(db, "")
	driver, rider := pairUpdates()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE trips").WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	err := repo.MatchPair(context.Background(), driver, rider)
	require.ErrorIs(t, err, domain.ErrStorage)
	require.NotErrorIs(t, err, domain.ErrBookingConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMatchPairWritesOutboxInSameTransaction(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewPostgresRepository(db, "trip.events")
	driver, rider := pairUpdates()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE trips").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE trips").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs("trip.events", string(domain.EventTripsMatched), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.MatchPair(context.Background(), driver, rider))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetTripNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewPostgresRepository(db, "")
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM trips t WHERE t.id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetTripByID(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryOpenTripsScansJoinedOwner(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewPostgresRepository(db, "")
	actor := uuid.New()
	tripID := uuid.New()
	ownerID := uuid.New()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "role", "origin", "destination", "scheduled_at", "price_cents", "status",
		"matched_with_id", "driver_amount_cents", "platform_amount_cents", "created_at", "name", "role",
	}).AddRow(tripID.String(), ownerID.String(), "rider", "Home", " airport ", at, int64(1500), "open", nil, nil, nil, at, "Rita", "rider")

	mock.ExpectQuery("FROM trips t\\s+JOIN users u ON u.id = t.owner_id\\s+WHERE t.destination_key = ").
		WithArgs("airport", "rider", actor).
		WillReturnRows(rows)

	got, err := repo.QueryOpenTrips(context.Background(), domain.MatchQuery{DestinationKey: "airport", Role: domain.RoleRider, ExcludeOwnerID: actor})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, tripID, got[0].ID)
	require.Equal(t, "Rita", got[0].OwnerName)
	require.Equal(t, domain.RoleRider, got[0].OwnerRole)
	require.Equal(t, domain.StatusOpen, got[0].Status)
	require.Nil(t, got[0].MatchedWithID)
	require.Nil(t, got[0].DriverAmountCents)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertTripForcesOpenAndAppendsOutbox(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewPostgresRepository(db, "trip.events")
	matched := uuid.New()
	trip := domain.Trip{
		ID: uuid.New(), OwnerID: uuid.New(), Role: domain.RoleDriver, Origin: "A", Destination: "Mall",
		ScheduledAt: time.Now().UTC(), PriceCents: 2000, Status: domain.StatusMatched, MatchedWithID: &matched,
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trips").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs("trip.events", string(domain.EventTripCreated), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	created, err := repo.InsertTrip(context.Background(), trip)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, created.Status)
	require.Nil(t, created.MatchedWithID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateUserDuplicateEmail(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewPostgresRepository(db, "")

	mock.ExpectExec("INSERT INTO users").WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := repo.CreateUser(context.Background(), domain.User{ID: uuid.New(), Name: "Dee", Email: "dee@example.com", Role: domain.RoleDriver})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertTripStoresNormalizedDestinationKey(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewPostgresRepository(db, "")
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	trip := domain.Trip{
		ID: uuid.New(), OwnerID: uuid.New(), Role: domain.RoleRider, Origin: "Home", Destination: "\tAirport\n",
		ScheduledAt: at, PriceCents: 1500, CreatedAt: at,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trips").
		WithArgs(trip.ID, trip.OwnerID, "rider", "Home", "\tAirport\n", "airport", at, int64(1500), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := repo.InsertTrip(context.Background(), trip)
	require.NoError(t, err)
	require.Equal(t, "\tAirport\n", created.Destination)
	require.NoError(t, mock.ExpectationsWereMet())
}
