package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// Neo4jAccessMode controls whether a session is opened for read or write operations.
type Neo4jAccessMode string

const (
	// AccessModeWrite opens a session with write access.
	AccessModeWrite Neo4jAccessMode = "write"
	// AccessModeRead opens a session with read access.
	AccessModeRead Neo4jAccessMode = "read"
)

// Neo4jSessionConfig mirrors the minimal subset of Neo4j session configuration we require.
type Neo4jSessionConfig struct {
	AccessMode   Neo4jAccessMode
	DatabaseName string
}

// neo4jDriver abstracts the Neo4j driver capabilities used by the store so
// tests can provide lightweight fakes.
type neo4jDriver interface {
	NewSession(ctx context.Context, config Neo4jSessionConfig) (neo4jSession, error)
	Close(ctx context.Context) error
}

type neo4jSession interface {
	BeginTransaction(ctx context.Context) (neo4jTransaction, error)
	Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error)
	Close(ctx context.Context) error
}

type neo4jTransaction interface {
	Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

type neo4jResult interface {
	Next(ctx context.Context) bool
	Record() neo4jRecord
	Err() error
	Close(ctx context.Context) error
}

type neo4jRecord interface {
	Get(key string) (any, bool)
}

// Neo4jStore keeps memories as a graph: (:Owner)-[:OWNS]->(:Memory), with
// (:Memory)-[:SUPERSEDES]->(:Memory) recording contradictions. Similarity is
// computed server-side with vector.similarity.cosine.
type Neo4jStore struct {
	driver   neo4jDriver
	database string
	dims     int
	lease    time.Duration
	nowFn    func() time.Time
}

var (
	_ Store             = (*Neo4jStore)(nil)
	_ OwnerLocker       = (*Neo4jStore)(nil)
	_ ModelBinder       = (*Neo4jStore)(nil)
	_ SchemaInitializer = (*Neo4jStore)(nil)
)

// ErrNeo4jUnavailable is returned when operations are attempted without a configured driver.
var ErrNeo4jUnavailable = fmt.Errorf("%w: neo4j driver not configured", model.ErrStoreUnavailable)

// NewNeo4jStore builds a store on top of driver. lease bounds how long an
// owner lock survives a crashed holder.
func NewNeo4jStore(driver neo4jDriver, database string, dims int, lease time.Duration) (*Neo4jStore, error) {
	if driver == nil {
		return nil, errors.New("neo4j driver is nil")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("%w: neo4j store needs embedding dimensions", model.ErrInvalidConfig)
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Neo4jStore{driver: driver, database: database, dims: dims, lease: lease, nowFn: time.Now}, nil
}

func (s *Neo4jStore) now() time.Time {
	if s == nil || s.nowFn == nil {
		return time.Now().UTC()
	}
	return s.nowFn().UTC()
}

// CreateSchema ensures uniqueness constraints and the vector index are present.
func (s *Neo4jStore) CreateSchema(ctx context.Context) error {
	queries := []string{
		"CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE",
		"CREATE CONSTRAINT owner_id IF NOT EXISTS FOR (o:Owner) REQUIRE o.id IS UNIQUE",
		"CREATE INDEX memory_owner_status IF NOT EXISTS FOR (m:Memory) ON (m.owner, m.status)",
		fmt.Sprintf("CREATE VECTOR INDEX memory_embedding IF NOT EXISTS FOR (m:Memory) ON m.embedding "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}", s.dims),
	}
	session, err := s.driver.NewSession(ctx, Neo4jSessionConfig{AccessMode: AccessModeWrite, DatabaseName: s.database})
	if err != nil {
		return unavailable("neo4j new session", err)
	}
	defer session.Close(ctx)
	for _, query := range queries {
		res, runErr := session.Run(ctx, query, nil)
		if runErr != nil {
			return unavailable("neo4j schema query", runErr)
		}
		if res != nil {
			_ = res.Close(ctx)
		}
	}
	return nil
}

// Close releases the Neo4j driver.
func (s *Neo4jStore) Close() error {
	if s == nil || s.driver == nil {
		return nil
	}
	return s.driver.Close(context.Background())
}

// write runs query in an explicit transaction and returns the collected records.
func (s *Neo4jStore) write(ctx context.Context, op, query string, params map[string]any) ([]neo4jRecord, error) {
	if s.driver == nil {
		return nil, ErrNeo4jUnavailable
	}
	session, err := s.driver.NewSession(ctx, Neo4jSessionConfig{AccessMode: AccessModeWrite, DatabaseName: s.database})
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer session.Close(ctx)
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer tx.Close(ctx)
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, s.fail(op, err)
	}
	records, err := collect(ctx, res)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, s.fail(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return nil, s.fail(op, err)
	}
	return records, nil
}

func (s *Neo4jStore) read(ctx context.Context, op, query string, params map[string]any) ([]neo4jRecord, error) {
	if s.driver == nil {
		return nil, ErrNeo4jUnavailable
	}
	session, err := s.driver.NewSession(ctx, Neo4jSessionConfig{AccessMode: AccessModeRead, DatabaseName: s.database})
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer session.Close(ctx)
	res, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, s.fail(op, err)
	}
	records, err := collect(ctx, res)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return records, nil
}

func (s *Neo4jStore) fail(op string, err error) error {
	if errors.Is(err, model.ErrConflict) {
		return fmt.Errorf("neo4j %s: %w", op, err)
	}
	return unavailable("neo4j "+op, err)
}

func collect(ctx context.Context, res neo4jResult) ([]neo4jRecord, error) {
	if res == nil {
		return nil, nil
	}
	defer res.Close(ctx)
	var out []neo4jRecord
	for res.Next(ctx) {
		if rec := res.Record(); rec != nil {
			out = append(out, rec)
		}
	}
	return out, res.Err()
}

// BindModel records the embedding model on a singleton config node.
func (s *Neo4jStore) BindModel(ctx context.Context, modelName string, dims int) error {
	if dims != s.dims {
		return fmt.Errorf("%w: vector index has %d dimensions, provider %s has %d", model.ErrModelMismatch, s.dims, modelName, dims)
	}
	records, err := s.write(ctx, "bind model", neo4jBindModelCypher, map[string]any{"model": modelName, "dimensions": int64(dims)})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return unavailable("neo4j bind model", errors.New("no config node returned"))
	}
	bound, boundDims := getString(records[0], "model"), int(getInt64(records[0], "dimensions"))
	if bound != modelName || boundDims != dims {
		return fmt.Errorf("%w: store holds %s/%d, provider is %s/%d", model.ErrModelMismatch, bound, boundDims, modelName, dims)
	}
	return nil
}

// LockOwner takes a lease on the owner node. A live lease held by someone
// else fails fast with model.ErrConflict; callers retry with backoff.
func (s *Neo4jStore) LockOwner(ctx context.Context, owner string) (func(), error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	now := s.now()
	records, err := s.write(ctx, "lock owner", neo4jLockCypher, map[string]any{
		"owner":   owner,
		"token":   token,
		"now":     now.UnixMilli(),
		"expires": now.Add(s.lease).UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: owner %s is locked", model.ErrConflict, owner)
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// An unreleased lease expires on its own.
		_, _ = s.write(unlockCtx, "unlock owner", neo4jUnlockCypher, map[string]any{"owner": owner, "token": token})
	}, nil
}

func (s *Neo4jStore) Insert(ctx context.Context, mem model.Memory) (string, error) {
	if err := requireOwner(mem.Owner); err != nil {
		return "", err
	}
	if strings.TrimSpace(mem.Text) == "" || len(mem.Embedding) == 0 {
		return "", fmt.Errorf("%w: memory text and embedding are required", model.ErrInvalidInput)
	}
	if len(mem.Embedding) != s.dims {
		return "", fmt.Errorf("%w: embedding has %d dimensions, store expects %d", model.ErrInvalidInput, len(mem.Embedding), s.dims)
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.Status == "" {
		mem.Status = model.StatusActive
	}
	now := s.now()
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
	records, err := s.write(ctx, "insert memory", neo4jInsertCypher, map[string]any{
		"owner":         mem.Owner,
		"id":            mem.ID,
		"text":          mem.Text,
		"embedding":     float64Embedding(mem.Embedding),
		"created_at":    formatTime(mem.CreatedAt),
		"updated_at":    formatTime(mem.UpdatedAt),
		"source_refs":   refs,
		"status":        string(mem.Status),
		"superseded_by": mem.SupersededBy,
	})
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w: %s", model.ErrDuplicateIdentity, mem.ID)
	}
	return mem.ID, nil
}

func (s *Neo4jStore) Upsert(ctx context.Context, owner, id, text string, embedding []float32, sourceRef string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if len(embedding) != s.dims {
		return fmt.Errorf("%w: embedding has %d dimensions, store expects %d", model.ErrInvalidInput, len(embedding), s.dims)
	}
	records, err := s.write(ctx, "upsert memory", neo4jUpsertCypher, map[string]any{
		"owner":      owner,
		"id":         id,
		"text":       text,
		"embedding":  float64Embedding(embedding),
		"ref":        strings.TrimSpace(sourceRef),
		"updated_at": formatTime(s.now()),
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return notFound(owner, id)
	}
	return nil
}

func (s *Neo4jStore) Search(ctx context.Context, owner string, query []float32, k int, minScore float64) ([]model.Scored, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	records, err := s.read(ctx, "search memories", neo4jSearchCypher, map[string]any{
		"owner":     owner,
		"query":     float64Embedding(query),
		"min_score": minScore,
		"k":         int64(k),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]model.Scored, 0, len(records))
	for _, rec := range records {
		mem, err := mapNeo4jMemory(rec)
		if err != nil {
			return nil, err
		}
		// vector.similarity.cosine reports (1 + cos) / 2.
		score := 2*getFloat64(rec, "similarity") - 1
		hits = append(hits, model.Scored{Memory: mem, Score: score})
	}
	hits = rank(hits, k, minScore)
	if err := verifyScope(owner, hits); err != nil {
		return nil, err
	}
	return hits, nil
}

func (s *Neo4jStore) MarkSuperseded(ctx context.Context, owner, id, by string) error {
	return s.setStatus(ctx, "mark superseded", neo4jSupersedeCypher, owner, id, by)
}

func (s *Neo4jStore) Delete(ctx context.Context, owner, id string) error {
	return s.setStatus(ctx, "delete memory", neo4jDeleteCypher, owner, id, "")
}

func (s *Neo4jStore) setStatus(ctx context.Context, op, query, owner, id, by string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	records, err := s.write(ctx, op, query, map[string]any{
		"owner":      owner,
		"id":         id,
		"by":         by,
		"updated_at": formatTime(s.now()),
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return notFound(owner, id)
	}
	return nil
}

func (s *Neo4jStore) Get(ctx context.Context, owner, id string) (model.Memory, error) {
	if err := requireOwner(owner); err != nil {
		return model.Memory{}, err
	}
	records, err := s.read(ctx, "get memory", neo4jGetCypher, map[string]any{"owner": owner, "id": id})
	if err != nil {
		return model.Memory{}, err
	}
	if len(records) == 0 {
		return model.Memory{}, notFound(owner, id)
	}
	return mapNeo4jMemory(records[0])
}

func (s *Neo4jStore) Erase(ctx context.Context, owner string) (int, error) {
	if err := requireOwner(owner); err != nil {
		return 0, err
	}
	records, err := s.write(ctx, "erase owner", neo4jEraseCypher, map[string]any{"owner": owner})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return int(getInt64(records[0], "removed")), nil
}

const neo4jMemoryReturn = `
RETURN m.id AS id,
       m.owner AS owner,
       m.text AS text,
       m.embedding AS embedding,
       m.created_at AS created_at,
       m.updated_at AS updated_at,
       m.source_refs AS source_refs,
       m.status AS status,
       m.superseded_by AS superseded_by`

const (
	neo4jBindModelCypher = `
MERGE (c:MemoryConfig {key: 'embedding'})
ON CREATE SET c.model = $model, c.dimensions = $dimensions
RETURN c.model AS model, c.dimensions AS dimensions`

	// The probe write takes the node's write lock before the lease is read.
	neo4jLockCypher = `
MERGE (o:Owner {id: $owner})
SET o.lock_probe = $now
WITH o
WHERE o.lock_token IS NULL OR o.lock_expires < $now
SET o.lock_token = $token, o.lock_expires = $expires
RETURN o.lock_token AS token`

	neo4jUnlockCypher = `
MATCH (o:Owner {id: $owner})
WHERE o.lock_token = $token
REMOVE o.lock_token, o.lock_expires
RETURN o.id AS owner`

	neo4jInsertCypher = `
MERGE (o:Owner {id: $owner})
WITH o
OPTIONAL MATCH (existing:Memory {id: $id})
WITH o, existing
WHERE existing IS NULL
CREATE (o)-[:OWNS]->(m:Memory {
    id: $id,
    owner: $owner,
    text: $text,
    embedding: $embedding,
    created_at: $created_at,
    updated_at: $updated_at,
    source_refs: $source_refs,
    status: $status,
    superseded_by: $superseded_by
})
RETURN m.id AS id`

	neo4jUpsertCypher = `
MATCH (:Owner {id: $owner})-[:OWNS]->(m:Memory {id: $id})
SET m.text = $text,
    m.embedding = $embedding,
    m.updated_at = $updated_at,
    m.source_refs = CASE
        WHEN $ref = '' OR $ref IN m.source_refs THEN m.source_refs
        ELSE m.source_refs + $ref
    END
RETURN m.id AS id`

	neo4jSearchCypher = `
MATCH (:Owner {id: $owner})-[:OWNS]->(m:Memory)
WHERE m.owner = $owner AND m.status = 'active'
WITH m, vector.similarity.cosine(m.embedding, $query) AS similarity
WHERE 2 * similarity - 1 >= $min_score` + neo4jMemoryReturn + `,
       similarity
ORDER BY similarity DESC, updated_at DESC
LIMIT $k`

	neo4jSupersedeCypher = `
MATCH (o:Owner {id: $owner})-[:OWNS]->(m:Memory {id: $id})
SET m.status = 'superseded', m.superseded_by = $by, m.updated_at = $updated_at
WITH o, m
OPTIONAL MATCH (o)-[:OWNS]->(n:Memory {id: $by})
FOREACH (_ IN CASE WHEN n IS NULL THEN [] ELSE [1] END | MERGE (n)-[:SUPERSEDES]->(m))
RETURN m.id AS id`

	neo4jDeleteCypher = `
MATCH (:Owner {id: $owner})-[:OWNS]->(m:Memory {id: $id})
SET m.status = 'deleted', m.updated_at = $updated_at
RETURN m.id AS id`

	neo4jGetCypher = `
MATCH (:Owner {id: $owner})-[:OWNS]->(m:Memory {id: $id})` + neo4jMemoryReturn

	neo4jEraseCypher = `
MATCH (:Owner {id: $owner})-[:OWNS]->(m:Memory)
DETACH DELETE m
RETURN count(*) AS removed`
)

func mapNeo4jMemory(rec neo4jRecord) (model.Memory, error) {
	mem := model.Memory{
		ID:           getString(rec, "id"),
		Owner:        getString(rec, "owner"),
		Text:         getString(rec, "text"),
		Embedding:    toFloat32s(get(rec, "embedding")),
		CreatedAt:    parseTime(getString(rec, "created_at")),
		UpdatedAt:    parseTime(getString(rec, "updated_at")),
		SourceRefs:   toStrings(get(rec, "source_refs")),
		Status:       model.Status(getString(rec, "status")),
		SupersededBy: getString(rec, "superseded_by"),
	}
	return mem, checkStatus(mem)
}

func get(rec neo4jRecord, key string) any {
	if rec == nil {
		return nil
	}
	v, _ := rec.Get(key)
	return v
}

func getString(rec neo4jRecord, key string) string { return toString(get(rec, key)) }

func getInt64(rec neo4jRecord, key string) int64 { return toInt64(get(rec, key)) }

func getFloat64(rec neo4jRecord, key string) float64 { return toFloat64(get(rec, key)) }

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprintf("%v", v)
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}

func toFloat64(v any) float64 {
	switch t := v.(type) {
	case float32:
		return float64(t)
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

func toFloat32s(v any) []float32 {
	switch t := v.(type) {
	case []float32:
		return append([]float32(nil), t...)
	case []float64:
		return float32Embedding(t)
	case []any:
		out := make([]float32, len(t))
		for i, x := range t {
			out[i] = float32(toFloat64(x))
		}
		return out
	}
	return nil
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, toString(x))
		}
		return out
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	return time.Time{}
}

func float64Embedding(vec []float32) []float64 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func float32Embedding(vec []float64) []float32 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
