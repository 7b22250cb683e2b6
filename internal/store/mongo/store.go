// Package mongo stores slots and bookings as documents in two collections and
// runs coordinator transactions as multi-document session transactions.
// Every coordinator operation writes each document it reads, so the server's
// write-conflict detection is enough to serialize overlapping operations.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"slotbook/internal/domain"
	"slotbook/internal/store"
)

const (
	slotsCollection    = "slots"
	bookingsCollection = "bookings"

	codeDuplicateKey  = 11000
	codeWriteConflict = 112

	commitAttempts = 3
)

type Store struct {
	client   *mongo.Client
	slots    *mongo.Collection
	bookings *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Open connects to uri, pings the primary and returns a store bound to
// database. Transactions need a replica set or sharded cluster.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return New(client, database), nil
}

func New(client *mongo.Client, database string) *Store {
	db := client.Database(database)
	return &Store{
		client:   client,
		slots:    db.Collection(slotsCollection),
		bookings: db.Collection(bookingsCollection),
	}
}

// EnsureIndexes creates the query indexes and the partial unique index that
// keeps two confirmed bookings from claiming the same slot.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.slots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "date", Value: 1}, {Key: "time", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "date", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("slot indexes: %w", err)
	}
	_, err = s.bookings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "confirmedSlotId", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{
				"status":          string(domain.BookingStatusConfirmed),
				"confirmedSlotId": bson.M{"$exists": true},
			}),
	})
	if err != nil {
		return fmt.Errorf("booking indexes: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) GetSlot(ctx context.Context, key string) (domain.Slot, error) {
	return findSlot(ctx, s.slots, key)
}

func (s *Store) CreateSlots(ctx context.Context, slots []domain.Slot) ([]domain.Slot, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	docs := make([]any, len(slots))
	for i := range slots {
		docs[i] = slots[i]
	}

	_, err := s.slots.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	skipped, err := duplicateIndexes(err)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Slot, 0, len(slots)-len(skipped))
	for i, slot := range slots {
		if _, dup := skipped[i]; !dup {
			out = append(out, slot)
		}
	}
	return out, nil
}

func (s *Store) QuerySlots(ctx context.Context, q store.SlotQuery) ([]domain.Slot, error) {
	filter := bson.M{"date": bson.M{"$gte": q.From.String(), "$lte": q.To.String()}}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}

	cur, err := s.slots.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "time", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]domain.Slot, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteSlot(ctx context.Context, key string) error {
	return deleteSlot(ctx, s.slots, key)
}

func (s *Store) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	return findBooking(ctx, s.bookings, id)
}

func (s *Store) CreateBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	if _, err := s.bookings.InsertOne(ctx, b); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.Booking{}, store.ErrAlreadyExists
		}
		return domain.Booking{}, err
	}
	return b, nil
}

func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.DocumentTx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start mongo session: %w", err)
	}
	defer sess.EndSession(ctx)

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sc.StartTransaction(txOpts); err != nil {
			return err
		}
		if err := fn(sc, documentTx{s: s}); err != nil {
			_ = sc.AbortTransaction(context.WithoutCancel(sc))
			return err
		}
		return commit(sc)
	})
	return classifyError(err)
}

// commit retries only when the server could not tell whether the commit
// landed; retrying the commit command itself is safe in that case.
func commit(sc mongo.SessionContext) error {
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		err = sc.CommitTransaction(sc)
		if err == nil {
			return nil
		}
		var le mongo.LabeledError
		if !errors.As(err, &le) || !le.HasErrorLabel(driverUnknownCommitLabel) {
			return err
		}
		time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
	}
	return err
}

const (
	driverTransientLabel     = "TransientTransactionError"
	driverUnknownCommitLabel = "UnknownTransactionCommitResult"
)

// classifyError reports transient transaction failures and write conflicts
// as store.ErrConflict so the coordinator re-runs the whole operation.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var le mongo.LabeledError
	if errors.As(err, &le) && le.HasErrorLabel(driverTransientLabel) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codeWriteConflict) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

// duplicateIndexes returns the positions of an unordered InsertMany that
// failed only because the _id already existed. Any other failure is returned.
func duplicateIndexes(err error) (map[int]struct{}, error) {
	if err == nil {
		return nil, nil
	}
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return nil, err
	}
	out := make(map[int]struct{}, len(bwe.WriteErrors))
	for _, we := range bwe.WriteErrors {
		if we.Code != codeDuplicateKey {
			return nil, err
		}
		out[we.Index] = struct{}{}
	}
	return out, nil
}

type documentTx struct {
	s *Store
}

func (t documentTx) GetSlot(ctx context.Context, key string) (domain.Slot, error) {
	return findSlot(ctx, t.s.slots, key)
}

func (t documentTx) PutSlot(ctx context.Context, slot domain.Slot) error {
	_, err := t.s.slots.ReplaceOne(ctx, bson.M{"_id": slot.Key}, slot, options.Replace().SetUpsert(true))
	return err
}

func (t documentTx) DeleteSlot(ctx context.Context, key string) error {
	return deleteSlot(ctx, t.s.slots, key)
}

func (t documentTx) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	return findBooking(ctx, t.s.bookings, id)
}

func (t documentTx) PutBooking(ctx context.Context, b domain.Booking) error {
	_, err := t.s.bookings.ReplaceOne(ctx, bson.M{"_id": b.ID}, b, options.Replace().SetUpsert(true))
	return err
}

func findSlot(ctx context.Context, coll *mongo.Collection, key string) (domain.Slot, error) {
	var s domain.Slot
	if err := coll.FindOne(ctx, bson.M{"_id": key}).Decode(&s); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Slot{}, store.ErrNotFound
		}
		return domain.Slot{}, err
	}
	return s, nil
}

func findBooking(ctx context.Context, coll *mongo.Collection, id string) (domain.Booking, error) {
	var b domain.Booking
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&b); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Booking{}, store.ErrNotFound
		}
		return domain.Booking{}, err
	}
	return b, nil
}

func deleteSlot(ctx context.Context, coll *mongo.Collection, key string) error {
	res, err := coll.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
