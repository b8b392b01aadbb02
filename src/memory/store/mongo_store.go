package store

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

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// MongoStore implements Store on MongoDB Atlas using $vectorSearch,
// pre-filtered on owner and status and re-scored exactly on the client.
type MongoStore struct {
	client      *mongo.Client
	collection  *mongo.Collection
	locks       *mongo.Collection
	meta        *mongo.Collection
	vectorIndex string
	dims        int
	lease       time.Duration
}

var (
	_ Store             = (*MongoStore)(nil)
	_ OwnerLocker       = (*MongoStore)(nil)
	_ ModelBinder       = (*MongoStore)(nil)
	_ SchemaInitializer = (*MongoStore)(nil)
)

const mongoCloseTimeout = 5 * time.Second

// MongoOptions configures NewMongoStore.
type MongoOptions struct {
	URI         string
	Database    string
	Collection  string
	VectorIndex string
	Dimensions  int
	LockLease   time.Duration
}

func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	switch {
	case opts.URI == "":
		return nil, fmt.Errorf("%w: mongo uri is required", model.ErrInvalidConfig)
	case opts.Database == "":
		return nil, fmt.Errorf("%w: mongo database name is required", model.ErrInvalidConfig)
	case opts.Collection == "":
		return nil, fmt.Errorf("%w: mongo collection name is required", model.ErrInvalidConfig)
	case opts.Dimensions <= 0:
		return nil, fmt.Errorf("%w: mongo store needs embedding dimensions", model.ErrInvalidConfig)
	}
	if opts.VectorIndex == "" {
		opts.VectorIndex = "memory_vector_index"
	}
	if opts.LockLease <= 0 {
		opts.LockLease = 30 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, unavailable("mongo connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, unavailable("mongo ping", err)
	}
	db := client.Database(opts.Database)
	return &MongoStore{
		client:      client,
		collection:  db.Collection(opts.Collection),
		locks:       db.Collection(opts.Collection + "_locks"),
		meta:        db.Collection(opts.Collection + "_meta"),
		vectorIndex: opts.VectorIndex,
		dims:        opts.Dimensions,
		lease:       opts.LockLease,
	}, nil
}

type mongoMemoryDocument struct {
	ID           string    `bson:"_id"`
	Owner        string    `bson:"owner"`
	Text         string    `bson:"text"`
	Embedding    []float64 `bson:"embedding"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
	SourceRefs   []string  `bson:"source_refs"`
	Status       string    `bson:"status"`
	SupersededBy string    `bson:"superseded_by"`
}

func (doc mongoMemoryDocument) toMemory() (model.Memory, error) {
	mem := model.Memory{
		ID:           doc.ID,
		Owner:        doc.Owner,
		Text:         doc.Text,
		Embedding:    float32Embedding(doc.Embedding),
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
		SourceRefs:   doc.SourceRefs,
		Status:       model.Status(doc.Status),
		SupersededBy: doc.SupersededBy,
	}
	return mem, checkStatus(mem)
}

// CreateSchema creates the regular indexes and the Atlas vector search index.
func (ms *MongoStore) CreateSchema(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "owner", Value: 1}, {Key: "status", Value: 1}, {Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("owner_status_updated_at"),
		},
	}
	if _, err := ms.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return unavailable("mongo create indexes", err)
	}
	lockIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetName("lock_expires_at"),
	}
	if _, err := ms.locks.Indexes().CreateOne(ctx, lockIndex); err != nil {
		return unavailable("mongo create lock index", err)
	}

	definition := bson.D{{Key: "mappings", Value: bson.D{
		{Key: "dynamic", Value: false},
		{Key: "fields", Value: bson.D{
			{Key: "embedding", Value: bson.D{
				{Key: "type", Value: "knnVector"},
				{Key: "dimensions", Value: ms.dims},
				{Key: "similarity", Value: "cosine"},
			}},
			{Key: "owner", Value: bson.D{{Key: "type", Value: "token"}}},
			{Key: "status", Value: bson.D{{Key: "type", Value: "token"}}},
		}},
	}}}
	_, err := ms.collection.SearchIndexes().CreateOne(ctx, mongo.SearchIndexModel{
		Definition: definition,
		Options:    options.SearchIndexes().SetName(ms.vectorIndex),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return unavailable("mongo create vector index", err)
	}
	return nil
}

// BindModel records the embedding model in the meta collection.
func (ms *MongoStore) BindModel(ctx context.Context, modelName string, dims int) error {
	if dims != ms.dims {
		return fmt.Errorf("%w: vector index has %d dimensions, provider %s has %d", model.ErrModelMismatch, ms.dims, modelName, dims)
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	res := ms.meta.FindOneAndUpdate(ctx,
		bson.M{"_id": "embedding"},
		bson.M{"$setOnInsert": bson.M{"model": modelName, "dimensions": dims}},
		opts)
	var doc struct {
		Model      string `bson:"model"`
		Dimensions int    `bson:"dimensions"`
	}
	if err := res.Decode(&doc); err != nil {
		return unavailable("mongo bind model", err)
	}
	if doc.Model != modelName || doc.Dimensions != dims {
		return fmt.Errorf("%w: store holds %s/%d, provider is %s/%d", model.ErrModelMismatch, doc.Model, doc.Dimensions, modelName, dims)
	}
	return nil
}

// LockOwner takes a lease document keyed by owner. A live lease held by
// someone else makes the upsert collide on _id and fails with model.ErrConflict.
func (ms *MongoStore) LockOwner(ctx context.Context, owner string) (func(), error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	now := time.Now().UTC()
	filter := bson.M{"_id": owner, "expires_at": bson.M{"$lt": now}}
	update := bson.M{"$set": bson.M{"token": token, "expires_at": now.Add(ms.lease)}}
	_, err := ms.locks.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("%w: owner %s is locked", model.ErrConflict, owner)
	}
	if err != nil {
		return nil, unavailable("mongo lock owner", err)
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), mongoCloseTimeout)
		defer cancel()
		_, _ = ms.locks.DeleteOne(unlockCtx, bson.M{"_id": owner, "token": token})
	}, nil
}

func (ms *MongoStore) Insert(ctx context.Context, mem model.Memory) (string, error) {
	if err := requireOwner(mem.Owner); err != nil {
		return "", err
	}
	if strings.TrimSpace(mem.Text) == "" || len(mem.Embedding) == 0 {
		return "", fmt.Errorf("%w: memory text and embedding are required", model.ErrInvalidInput)
	}
	if len(mem.Embedding) != ms.dims {
		return "", fmt.Errorf("%w: embedding has %d dimensions, store expects %d", model.ErrInvalidInput, len(mem.Embedding), ms.dims)
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.Status == "" {
		mem.Status = model.StatusActive
	}
	now := time.Now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	if mem.UpdatedAt.IsZero() {
		mem.UpdatedAt = mem.CreatedAt
	}
	refs := mem.SourceRefs
	if refs == nil {
		refs = []string{}
	}
	_, err := ms.collection.InsertOne(ctx, mongoMemoryDocument{
		ID:           mem.ID,
		Owner:        mem.Owner,
		Text:         mem.Text,
		Embedding:    float64Embedding(mem.Embedding),
		CreatedAt:    mem.CreatedAt,
		UpdatedAt:    mem.UpdatedAt,
		SourceRefs:   refs,
		Status:       string(mem.Status),
		SupersededBy: mem.SupersededBy,
	})
	if mongo.IsDuplicateKeyError(err) {
		return "", fmt.Errorf("%w: %s", model.ErrDuplicateIdentity, mem.ID)
	}
	if err != nil {
		return "", unavailable("mongo insert", err)
	}
	return mem.ID, nil
}

func (ms *MongoStore) Upsert(ctx context.Context, owner, id, text string, embedding []float32, sourceRef string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if len(embedding) != ms.dims {
		return fmt.Errorf("%w: embedding has %d dimensions, store expects %d", model.ErrInvalidInput, len(embedding), ms.dims)
	}
	update := bson.M{"$set": bson.M{
		"text":       text,
		"embedding":  float64Embedding(embedding),
		"updated_at": time.Now().UTC(),
	}}
	if ref := strings.TrimSpace(sourceRef); ref != "" {
		update["$addToSet"] = bson.M{"source_refs": ref}
	}
	res, err := ms.collection.UpdateOne(ctx, bson.M{"_id": id, "owner": owner}, update)
	return expectMatched(res, err, "mongo upsert", owner, id)
}

func (ms *MongoStore) Search(ctx context.Context, owner string, query []float32, k int, minScore float64) ([]model.Scored, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: ms.vectorIndex},
			{Key: "path", Value: "embedding"},
			{Key: "queryVector", Value: float64Embedding(query)},
			{Key: "numCandidates", Value: int64(k * 10)},
			{Key: "limit", Value: int64(k)},
			{Key: "filter", Value: bson.D{
				{Key: "owner", Value: owner},
				{Key: "status", Value: string(model.StatusActive)},
			}},
		}}},
	}
	cursor, err := ms.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, unavailable("mongo vector search", err)
	}
	defer cursor.Close(ctx)

	hits := make([]model.Scored, 0, k)
	for cursor.Next(ctx) {
		var doc mongoMemoryDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, unavailable("mongo decode", err)
		}
		mem, err := doc.toMemory()
		if err != nil {
			return nil, err
		}
		// The index score is approximate; report the exact cosine.
		hits = append(hits, model.Scored{Memory: mem, Score: model.CosineSimilarity(query, mem.Embedding)})
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable("mongo cursor", err)
	}
	hits = rank(hits, k, minScore)
	if err := verifyScope(owner, hits); err != nil {
		return nil, err
	}
	return hits, nil
}

func (ms *MongoStore) MarkSuperseded(ctx context.Context, owner, id, by string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	res, err := ms.collection.UpdateOne(ctx, bson.M{"_id": id, "owner": owner}, bson.M{"$set": bson.M{
		"status":        string(model.StatusSuperseded),
		"superseded_by": by,
		"updated_at":    time.Now().UTC(),
	}})
	return expectMatched(res, err, "mongo mark superseded", owner, id)
}

func (ms *MongoStore) Delete(ctx context.Context, owner, id string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	res, err := ms.collection.UpdateOne(ctx, bson.M{"_id": id, "owner": owner}, bson.M{"$set": bson.M{
		"status":     string(model.StatusDeleted),
		"updated_at": time.Now().UTC(),
	}})
	return expectMatched(res, err, "mongo delete", owner, id)
}

func (ms *MongoStore) Get(ctx context.Context, owner, id string) (model.Memory, error) {
	if err := requireOwner(owner); err != nil {
		return model.Memory{}, err
	}
	var doc mongoMemoryDocument
	err := ms.collection.FindOne(ctx, bson.M{"_id": id, "owner": owner}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Memory{}, notFound(owner, id)
	}
	if err != nil {
		return model.Memory{}, unavailable("mongo get", err)
	}
	return doc.toMemory()
}

func (ms *MongoStore) Erase(ctx context.Context, owner string) (int, error) {
	if err := requireOwner(owner); err != nil {
		return 0, err
	}
	res, err := ms.collection.DeleteMany(ctx, bson.M{"owner": owner})
	if err != nil {
		return 0, unavailable("mongo erase", err)
	}
	return int(res.DeletedCount), nil
}

// Close releases the underlying MongoDB client.
func (ms *MongoStore) Close() error {
	if ms == nil || ms.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoCloseTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

func expectMatched(res *mongo.UpdateResult, err error, op, owner, id string) error {
	if err != nil {
		return unavailable(op, err)
	}
	if res == nil || res.MatchedCount == 0 {
		return notFound(owner, id)
	}
	return nil
}
