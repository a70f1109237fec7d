package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/example/tripsplit/internal/trip/domain"
)

type userDoc struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Email        string    `bson:"email"`
	EmailKey     string    `bson:"email_key"`
	PasswordHash string    `bson:"password_hash"`
	Role         string    `bson:"role"`
	CreatedAt    time.Time `bson:"created_at"`
}

type tripDoc struct {
	ID                  string    `bson:"_id"`
	OwnerID             string    `bson:"owner_id"`
	Role                string    `bson:"role"`
	Origin              string    `bson:"origin"`
	Destination         string    `bson:"destination"`
	DestinationKey      string    `bson:"destination_key"`
	ScheduledAt         time.Time `bson:"scheduled_at"`
	PriceCents          int64     `bson:"price_cents"`
	Status              string    `bson:"status"`
	MatchedWithID       *string   `bson:"matched_with_id"`
	DriverAmountCents   *int64    `bson:"driver_amount_cents"`
	PlatformAmountCents *int64    `bson:"platform_amount_cents"`
	CreatedAt           time.Time `bson:"created_at"`
}

type candidateDoc struct {
	Trip  tripDoc `bson:",inline"`
	Owner userDoc `bson:"owner"`
}

func toTripDoc(t domain.Trip) tripDoc {
	return tripDoc{
		ID:             t.ID.String(),
		OwnerID:        t.OwnerID.String(),
		Role:           string(t.Role),
		Origin:         t.Origin,
		Destination:    t.Destination,
		DestinationKey: domain.NormalizeDestination(t.Destination),
		ScheduledAt:    t.ScheduledAt,
		PriceCents:     t.PriceCents,
		Status:         string(domain.StatusOpen),
		CreatedAt:      t.CreatedAt,
	}
}

func (d tripDoc) toDomain() (domain.Trip, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("trip id %q: %w", d.ID, err)
	}
	owner, err := uuid.Parse(d.OwnerID)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("owner id %q: %w", d.OwnerID, err)
	}
	trip := domain.Trip{
		ID:                  id,
		OwnerID:             owner,
		Role:                domain.Role(d.Role),
		Origin:              d.Origin,
		Destination:         d.Destination,
		ScheduledAt:         d.ScheduledAt.UTC(),
		PriceCents:          d.PriceCents,
		Status:              domain.TripStatus(d.Status),
		DriverAmountCents:   d.DriverAmountCents,
		PlatformAmountCents: d.PlatformAmountCents,
		CreatedAt:           d.CreatedAt.UTC(),
	}
	if d.MatchedWithID != nil {
		matched, err := uuid.Parse(*d.MatchedWithID)
		if err != nil {
			return domain.Trip{}, fmt.Errorf("matched id %q: %w", *d.MatchedWithID, err)
		}
		trip.MatchedWithID = &matched
	}
	return trip, nil
}

func (d userDoc) toDomain() (domain.User, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("user id %q: %w", d.ID, err)
	}
	return domain.User{
		ID:           id,
		Name:         d.Name,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Role:         domain.Role(d.Role),
		CreatedAt:    d.CreatedAt.UTC(),
	}, nil
}

// matchPipeline selects open trips at a destination key, sorted by schedule
// and joined with their owner document.
func matchPipeline(q domain.MatchQuery) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "destination_key", Value: q.DestinationKey},
			{Key: "role", Value: string(q.Role)},
			{Key: "status", Value: string(domain.StatusOpen)},
			{Key: "owner_id", Value: bson.D{{Key: "$ne", Value: q.ExcludeOwnerID.String()}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "scheduled_at", Value: 1}, {Key: "_id", Value: 1}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "users"},
			{Key: "localField", Value: "owner_id"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "owner"},
		}}},
		{{Key: "$unwind", Value: "$owner"}},
	}
}

// matchFilter is the compare-and-swap predicate of one booking write.
func matchFilter(upd domain.MatchUpdate) bson.D {
	return bson.D{
		{Key: "_id", Value: upd.TripID.String()},
		{Key: "status", Value: string(upd.ExpectedStatus)},
	}
}

func matchSet(upd domain.MatchUpdate) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(domain.StatusMatched)},
		{Key: "matched_with_id", Value: upd.MatchedWithID.String()},
		{Key: "driver_amount_cents", Value: upd.DriverAmountCents},
		{Key: "platform_amount_cents", Value: upd.PlatformAmountCents},
	}}}
}

// MongoRepository implements the trip and user stores on MongoDB. Bookings
// require a replica set because they run in a multi-document transaction.
type MongoRepository struct {
	client *mongo.Client
	trips  *mongo.Collection
	users  *mongo.Collection
}

// NewMongoRepository binds the repository to a database.
func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	db := client.Database(database)
	return &MongoRepository{client: client, trips: db.Collection("trips"), users: db.Collection("users")}
}

// EnsureIndexes creates the indexes the queries rely on.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	if _, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return domain.NewStorageError("create users index", err)
	}
	if _, err := m.trips.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "destination_key", Value: 1}, {Key: "role", Value: 1}, {Key: "status", Value: 1}, {Key: "scheduled_at", Value: 1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}); err != nil {
		return domain.NewStorageError("create trips indexes", err)
	}
	return nil
}

// InsertTrip persists a new open trip.
func (m *MongoRepository) InsertTrip(ctx context.Context, trip domain.Trip) (domain.Trip, error) {
	if _, err := m.trips.InsertOne(ctx, toTripDoc(trip)); err != nil {
		return domain.Trip{}, domain.NewStorageError("insert trip", err)
	}
	trip.Status = domain.StatusOpen
	trip.MatchedWithID = nil
	trip.DriverAmountCents = nil
	trip.PlatformAmountCents = nil
	return trip, nil
}

// GetTripByID retrieves a trip.
func (m *MongoRepository) GetTripByID(ctx context.Context, id uuid.UUID) (domain.Trip, error) {
	var doc tripDoc
	err := m.trips.FindOne(ctx, bson.D{{Key: "_id", Value: id.String()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Trip{}, fmt.Errorf("trip %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Trip{}, domain.NewStorageError("find trip", err)
	}
	return doc.toDomain()
}

// ListTripsByOwner returns the owner's trips, newest first.
func (m *MongoRepository) ListTripsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Trip, error) {
	cur, err := m.trips.Find(ctx, bson.D{{Key: "owner_id", Value: ownerID.String()}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, domain.NewStorageError("find trips by owner", err)
	}
	defer cur.Close(ctx)
	var trips []domain.Trip
	for cur.Next(ctx) {
		var doc tripDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, domain.NewStorageError("decode trip", err)
		}
		trip, err := doc.toDomain()
		if err != nil {
			return nil, domain.NewStorageError("decode trip", err)
		}
		trips = append(trips, trip)
	}
	if err := cur.Err(); err != nil {
		return nil, domain.NewStorageError("iterate trips", err)
	}
	return trips, nil
}

// QueryOpenTrips runs the match aggregation.
func (m *MongoRepository) QueryOpenTrips(ctx context.Context, q domain.MatchQuery) ([]domain.MatchCandidate, error) {
	cur, err := m.trips.Aggregate(ctx, matchPipeline(q))
	if err != nil {
		return nil, domain.NewStorageError("aggregate open trips", err)
	}
	defer cur.Close(ctx)
	var out []domain.MatchCandidate
	for cur.Next(ctx) {
		var doc candidateDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, domain.NewStorageError("decode candidate", err)
		}
		trip, err := doc.Trip.toDomain()
		if err != nil {
			return nil, domain.NewStorageError("decode candidate", err)
		}
		out = append(out, domain.MatchCandidate{Trip: trip, OwnerName: doc.Owner.Name, OwnerRole: domain.Role(doc.Owner.Role)})
	}
	if err := cur.Err(); err != nil {
		return nil, domain.NewStorageError("iterate candidates", err)
	}
	return out, nil
}

// MatchPair runs both conditional updates in one snapshot transaction. A
// write conflict with a concurrent booking makes the driver retry the
// callback, which then observes the committed status and aborts.
func (m *MongoRepository) MatchPair(ctx context.Context, first, second domain.MatchUpdate) error {
	sess, err := m.client.StartSession()
	if err != nil {
		return domain.NewStorageError("start session", err)
	}
	defer sess.EndSession(ctx)

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, upd := range []domain.MatchUpdate{first, second} {
			res, err := m.trips.UpdateOne(sc, matchFilter(upd), matchSet(upd))
			if err != nil {
				return nil, err
			}
			if res.MatchedCount != 1 {
				return nil, fmt.Errorf("trip %s: %w", upd.TripID, domain.ErrBookingConflict)
			}
		}
		return nil, nil
	}, txOpts)
	if errors.Is(err, domain.ErrBookingConflict) {
		return err
	}
	if err != nil {
		return domain.NewStorageError("booking transaction", err)
	}
	return nil
}

// CreateUser inserts a user; a duplicate email is an invalid request.
func (m *MongoRepository) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	doc := userDoc{
		ID:           user.ID.String(),
		Name:         user.Name,
		Email:        strings.TrimSpace(user.Email),
		EmailKey:     strings.ToLower(strings.TrimSpace(user.Email)),
		PasswordHash: user.PasswordHash,
		Role:         string(user.Role),
		CreatedAt:    user.CreatedAt,
	}
	_, err := m.users.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return domain.User{}, domain.Invalidf("email already registered")
	}
	if err != nil {
		return domain.User{}, domain.NewStorageError("insert user", err)
	}
	return user, nil
}

// GetUserByID retrieves a user.
func (m *MongoRepository) GetUserByID(ctx context.Context, id uuid.UUID) (domain.User, error) {
	return m.findUser(ctx, bson.D{{Key: "_id", Value: id.String()}})
}

// GetUserByEmail retrieves a user by login email.
func (m *MongoRepository) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return m.findUser(ctx, bson.D{{Key: "email_key", Value: strings.ToLower(strings.TrimSpace(email))}})
}

func (m *MongoRepository) findUser(ctx context.Context, filter bson.D) (domain.User, error) {
	var doc userDoc
	err := m.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.User{}, fmt.Errorf("user: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, domain.NewStorageError("find user", err)
	}
	return doc.toDomain()
}
