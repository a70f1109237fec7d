package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/tripsplit/internal/trip/domain"
)

const uniqueViolation = "23505"

const tripColumns = `t.id, t.owner_id, t.role, t.origin, t.destination, t.scheduled_at, t.price_cents, t.status,
	t.matched_with_id, t.driver_amount_cents, t.platform_amount_cents, t.created_at`

const (
	insertTripSQL = `INSERT INTO trips (id, owner_id, role, origin, destination, destination_key, scheduled_at, price_cents, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', $9)`
	selectTripSQL     = `SELECT ` + tripColumns + ` FROM trips t WHERE t.id = $1`
	selectByOwnerSQL  = `SELECT ` + tripColumns + ` FROM trips t WHERE t.owner_id = $1 ORDER BY t.created_at DESC, t.id`
	selectOpenTripSQL = `SELECT ` + tripColumns + `, u.name, u.role
FROM trips t
JOIN users u ON u.id = t.owner_id
WHERE t.destination_key = $1
  AND t.role = $2
  AND t.status = 'open'
  AND t.owner_id <> $3
ORDER BY t.scheduled_at ASC, t.id`
	matchTripSQL = `UPDATE trips
SET status = 'matched', matched_with_id = $1, driver_amount_cents = $2, platform_amount_cents = $3
WHERE id = $4 AND status = $5`
	insertOutboxSQL = `INSERT INTO outbox (topic, event_type, payload, published) VALUES ($1, $2, $3, false)`

	insertUserSQL       = `INSERT INTO users (id, name, email, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	selectUserByIDSQL   = `SELECT id, name, email, password_hash, role, created_at FROM users WHERE id = $1`
	selectUserByMailSQL = `SELECT id, name, email, password_hash, role, created_at FROM users WHERE lower(email) = lower($1)`
)

// PostgresRepository implements the trip and user stores on PostgreSQL.
// When outboxTopic is set, trip creation and bookings also append an outbox
// row inside the same transaction for the outbox worker to publish.
type PostgresRepository struct {
	db          *sql.DB
	outboxTopic string
}

// NewPostgresRepository wraps an open pool.
func NewPostgresRepository(db *sql.DB, outboxTopic string) *PostgresRepository {
	return &PostgresRepository{db: db, outboxTopic: outboxTopic}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner, extra ...any) (domain.Trip, error) {
	var (
		trip           domain.Trip
		role, status   string
		matchedWith    uuid.NullUUID
		driverAmount   sql.NullInt64
		platformAmount sql.NullInt64
	)
	dest := []any{
		&trip.ID, &trip.OwnerID, &role, &trip.Origin, &trip.Destination, &trip.ScheduledAt, &trip.PriceCents, &status,
		&matchedWith, &driverAmount, &platformAmount, &trip.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Trip{}, err
	}
	trip.Role = domain.Role(role)
	trip.Status = domain.TripStatus(status)
	if matchedWith.Valid {
		id := matchedWith.UUID
		trip.MatchedWithID = &id
	}
	if driverAmount.Valid {
		v := driverAmount.Int64
		trip.DriverAmountCents = &v
	}
	if platformAmount.Valid {
		v := platformAmount.Int64
		trip.PlatformAmountCents = &v
	}
	return trip, nil
}

// InsertTrip persists a new open trip.
func (p *PostgresRepository) InsertTrip(ctx context.Context, trip domain.Trip) (domain.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trip{}, domain.NewStorageError("begin tx", err)
	}
	if _, err := tx.ExecContext(ctx, insertTripSQL,
		trip.ID, trip.OwnerID, string(trip.Role), trip.Origin, trip.Destination, domain.NormalizeDestination(trip.Destination),
		trip.ScheduledAt, trip.PriceCents, trip.CreatedAt,
	); err != nil {
		_ = tx.Rollback()
		return domain.Trip{}, domain.NewStorageError("insert trip", err)
	}
	trip.Status = domain.StatusOpen
	trip.MatchedWithID = nil
	trip.DriverAmountCents = nil
	trip.PlatformAmountCents = nil
	if err := p.appendOutbox(ctx, tx, domain.TripEvent{
		TripID:    trip.ID,
		Type:      domain.EventTripCreated,
		Payload:   map[string]any{"owner_id": trip.OwnerID.String(), "role": string(trip.Role), "destination": trip.Destination},
		CreatedAt: trip.CreatedAt,
	}); err != nil {
		_ = tx.Rollback()
		return domain.Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trip{}, domain.NewStorageError("commit insert trip", err)
	}
	return trip, nil
}

// GetTripByID retrieves a trip.
func (p *PostgresRepository) GetTripByID(ctx context.Context, id uuid.UUID) (domain.Trip, error) {
	trip, err := scanTrip(p.db.QueryRowContext(ctx, selectTripSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trip{}, fmt.Errorf("trip %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Trip{}, domain.NewStorageError("select trip", err)
	}
	return trip, nil
}

// ListTripsByOwner returns the owner's trips, newest first.
func (p *PostgresRepository) ListTripsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Trip, error) {
	rows, err := p.db.QueryContext(ctx, selectByOwnerSQL, ownerID)
	if err != nil {
		return nil, domain.NewStorageError("select trips by owner", err)
	}
	defer rows.Close()
	var trips []domain.Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, domain.NewStorageError("scan trip", err)
		}
		trips = append(trips, trip)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate trips", err)
	}
	return trips, nil
}

// QueryOpenTrips runs the match query joined with owners.
func (p *PostgresRepository) QueryOpenTrips(ctx context.Context, q domain.MatchQuery) ([]domain.MatchCandidate, error) {
	rows, err := p.db.QueryContext(ctx, selectOpenTripSQL, q.DestinationKey, string(q.Role), q.ExcludeOwnerID)
	if err != nil {
		return nil, domain.NewStorageError("select open trips", err)
	}
	defer rows.Close()
	var out []domain.MatchCandidate
	for rows.Next() {
		var ownerName, ownerRole string
		trip, err := scanTrip(rows, &ownerName, &ownerRole)
		if err != nil {
			return nil, domain.NewStorageError("scan candidate", err)
		}
		out = append(out, domain.MatchCandidate{Trip: trip, OwnerName: ownerName, OwnerRole: domain.Role(ownerRole)})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate candidates", err)
	}
	return out, nil
}

// MatchPair applies both conditional updates in one READ COMMITTED
// transaction. The booking coordinator passes the driver trip first.
// PostgreSQL re-evaluates the status predicate against the latest committed
// row, so a concurrent winner leaves the loser with zero affected rows. Rows
// are written in id order to avoid lock cycles.
func (p *PostgresRepository) MatchPair(ctx context.Context, first, second domain.MatchUpdate) error {
	updates := []domain.MatchUpdate{first, second}
	sort.Slice(updates, func(i, j int) bool { return updates[i].TripID.String() < updates[j].TripID.String() })

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.NewStorageError("begin tx", err)
	}
	for _, upd := range updates {
		res, err := tx.ExecContext(ctx, matchTripSQL,
			upd.MatchedWithID, upd.DriverAmountCents, upd.PlatformAmountCents, upd.TripID, string(upd.ExpectedStatus))
		if err != nil {
			_ = tx.Rollback()
			return domain.NewStorageError("update trip", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return domain.NewStorageError("rows affected", err)
		}
		if affected != 1 {
			_ = tx.Rollback()
			return fmt.Errorf("trip %s: %w", upd.TripID, domain.ErrBookingConflict)
		}
	}
	if err := p.appendOutbox(ctx, tx, domain.TripEvent{
		TripID: first.TripID,
		Type:   domain.EventTripsMatched,
		Payload: map[string]any{
			"driver_trip_id":        first.TripID.String(),
			"rider_trip_id":         second.TripID.String(),
			"fare_cents":            first.DriverAmountCents + first.PlatformAmountCents,
			"driver_amount_cents":   first.DriverAmountCents,
			"platform_amount_cents": first.PlatformAmountCents,
		},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.NewStorageError("commit booking", err)
	}
	return nil
}

func (p *PostgresRepository) appendOutbox(ctx context.Context, tx *sql.Tx, event domain.TripEvent) error {
	if p.outboxTopic == "" {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertOutboxSQL, p.outboxTopic, string(event.Type), payload); err != nil {
		return domain.NewStorageError("insert outbox", err)
	}
	return nil
}

// CreateUser inserts a user; a duplicate email is an invalid request.
func (p *PostgresRepository) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	_, err := p.db.ExecContext(ctx, insertUserSQL,
		user.ID, user.Name, strings.TrimSpace(user.Email), user.PasswordHash, string(user.Role), user.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.User{}, domain.Invalidf("email already registered")
	}
	if err != nil {
		return domain.User{}, domain.NewStorageError("insert user", err)
	}
	return user, nil
}

// GetUserByID retrieves a user.
func (p *PostgresRepository) GetUserByID(ctx context.Context, id uuid.UUID) (domain.User, error) {
	return p.getUser(ctx, selectUserByIDSQL, id)
}

// GetUserByEmail retrieves a user by login email.
func (p *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return p.getUser(ctx, selectUserByMailSQL, strings.TrimSpace(email))
}

func (p *PostgresRepository) getUser(ctx context.Context, query string, arg any) (domain.User, error) {
	var (
		user domain.User
		role string
	)
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %v: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, domain.NewStorageError("select user", err)
	}
	user.Role = domain.Role(role)
	return user, nil
}
