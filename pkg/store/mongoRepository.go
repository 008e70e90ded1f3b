package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/clinic-outbox/schema"
)

const migrationsCollection = "schema_migrations"

// mongoDocument adds the flag backing the partial unique index on active keys.
type mongoDocument struct {
	schema.Operation `bson:",inline"`
	Active           bool `bson:"active"`
}

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	if collection == "" {
		collection = "operations"
	}
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoRepository) start(ctx context.Context, name string) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer().Start(ctx, name)
	return ctx, span, time.Now()
}

func (m *MongoRepository) AddOperation(ctx context.Context, op *schema.Operation) (string, error) {
	ctx, span, startTime := m.start(ctx, "AddOperation")
	defer span.End()

	prepareInsert(op)
	doc := mongoDocument{Operation: *op, Active: op.Status.Active()}
	if _, err := m.coll().InsertOne(ctx, doc); err != nil {
		span.RecordError(err)
		if mongo.IsDuplicateKeyError(err) {
			return "", ErrDuplicateKey
		}
		return "", err
	}

	addDBStatsToSpan(span, "mongodb", "AddOperation", 1, time.Since(startTime))
	return op.ID, nil
}

func (m *MongoRepository) Get(ctx context.Context, id string) (*schema.Operation, error) {
	ctx, span, _ := m.start(ctx, "Get")
	defer span.End()

	var doc mongoDocument
	err := m.coll().FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &doc.Operation, nil
}

func (m *MongoRepository) GetAll(ctx context.Context) ([]*schema.Operation, error) {
	return m.find(ctx, "GetAll", bson.M{})
}

func (m *MongoRepository) GetByStatus(ctx context.Context, status schema.Status) ([]*schema.Operation, error) {
	return m.find(ctx, "GetByStatus", bson.M{"status": status})
}

func (m *MongoRepository) find(ctx context.Context, name string, filter bson.M) ([]*schema.Operation, error) {
	ctx, span, startTime := m.start(ctx, name)
	defer span.End()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var ops []*schema.Operation
	for cursor.Next(ctx) {
		var doc mongoDocument
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, err
		}
		op := doc.Operation
		ops = append(ops, &op)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", name, len(ops), time.Since(startTime))
	return ops, nil
}

func (m *MongoRepository) Update(ctx context.Context, id string, patch schema.Patch) error {
	ctx, span, startTime := m.start(ctx, "Update")
	defer span.End()

	filter := bson.M{"id": id}
	if patch.From != nil {
		filter["status"] = *patch.From
	}

	set := bson.M{}
	if patch.Status != nil {
		set["status"] = *patch.Status
		set["active"] = patch.Status.Active()
	}
	if patch.RetryCount != nil {
		set["retry_count"] = *patch.RetryCount
	}
	if patch.LastAttemptAt != nil {
		set["last_attempt_at"] = *patch.LastAttemptAt
	}
	if patch.NextAttemptAt != nil {
		set["next_attempt_at"] = *patch.NextAttemptAt
	}
	if patch.CompletedAt != nil {
		set["completed_at"] = *patch.CompletedAt
	}
	if patch.LastError != nil {
		set["last_error"] = *patch.LastError
	}
	if len(set) == 0 {
		_, err := m.Get(ctx, id)
		return err
	}

	res, err := m.coll().UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		span.RecordError(err)
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}

	addDBStatsToSpan(span, "mongodb", "Update", int(res.ModifiedCount), time.Since(startTime))
	return nil
}

func (m *MongoRepository) Remove(ctx context.Context, id string) error {
	ctx, span, _ := m.start(ctx, "Remove")
	defer span.End()

	if _, err := m.coll().DeleteOne(ctx, bson.M{"id": id}); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Migrate brings documents and indexes up to toVersion. Version markers live
// in the schema_migrations collection.
func (m *MongoRepository) Migrate(ctx context.Context, fromVersion, toVersion int) error {
	if err := checkMigrationRange(fromVersion, toVersion); err != nil {
		return err
	}
	ctx, span, _ := m.start(ctx, "Migrate")
	defer span.End()

	current, err := m.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > CurrentSchemaVersion || fromVersion > current {
		return fmt.Errorf("%w: stored v%d, requested v%d -> v%d", ErrSchemaMismatch, current, fromVersion, toVersion)
	}

	steps := map[int]struct {
		description string
		apply       func(context.Context) error
	}{
		1: {"create operations collection", m.migrateV1},
		2: {"add retry bookkeeping", m.migrateV2},
		3: {"index status order and active idempotency keys", m.migrateV3},
	}
	for v := current + 1; v <= toVersion; v++ {
		step := steps[v]
		if err := step.apply(ctx); err != nil {
			span.RecordError(err)
			return fmt.Errorf("migration v%d (%s): %w", v, step.description, err)
		}
		marker := bson.M{"version": v, "applied_at": time.Now().UnixMilli(), "description": step.description}
		if _, err := m.client.Database(m.database).Collection(migrationsCollection).InsertOne(ctx, marker); err != nil {
			return fmt.Errorf("record migration v%d: %w", v, err)
		}
	}
	return nil
}

func (m *MongoRepository) migrateV1(ctx context.Context) error {
	_, err := m.coll().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_operation_id"),
	})
	return err
}

func (m *MongoRepository) migrateV2(ctx context.Context) error {
	_, err := m.coll().UpdateMany(ctx,
		bson.M{"retry_count": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"retry_count":     0,
			"max_retries":     schema.DefaultMaxRetries,
			"priority":        schema.PriorityNormal,
			"last_error":      "",
			"next_attempt_at": time.Time{},
			"completed_at":    time.Time{},
		}})
	if err != nil {
		return err
	}
	_, err = m.coll().UpdateMany(ctx,
		bson.M{"status": schema.StatusSyncing},
		bson.M{"$set": bson.M{"status": schema.StatusPending}})
	return err
}

func (m *MongoRepository) migrateV3(ctx context.Context) error {
	active := []schema.Status{schema.StatusPending, schema.StatusSyncing}
	if _, err := m.coll().UpdateMany(ctx,
		bson.M{"status": bson.M{"$in": active}},
		bson.M{"$set": bson.M{"active": true}}); err != nil {
		return err
	}
	if _, err := m.coll().UpdateMany(ctx,
		bson.M{"status": bson.M{"$nin": active}},
		bson.M{"$set": bson.M{"active": false}}); err != nil {
		return err
	}
	_, err := m.coll().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("idx_status_created"),
		},
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetName("uniq_active_idempotency_key").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
	})
	return err
}

func (m *MongoRepository) SchemaVersion(ctx context.Context) (int, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var marker struct {
		Version int `bson:"version"`
	}
	err := m.client.Database(m.database).Collection(migrationsCollection).FindOne(ctx, bson.M{}, opts).Decode(&marker)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return marker.Version, nil
}

func (m *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
