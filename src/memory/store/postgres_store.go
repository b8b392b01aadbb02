package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// PostgresStore implements Store using Postgres + pgvector.
type PostgresStore struct {
	DB   *pgxpool.Pool
	dims int
}

var (
	_ Store             = (*PostgresStore)(nil)
	_ OwnerLocker       = (*PostgresStore)(nil)
	_ ModelBinder       = (*PostgresStore)(nil)
	_ SchemaInitializer = (*PostgresStore)(nil)
)

// NewPostgresStore connects to Postgres. dims sizes the vector column.
func NewPostgresStore(ctx context.Context, connStr string, dims int) (*PostgresStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: postgres store needs embedding dimensions", model.ErrInvalidConfig)
	}
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, unavailable("connect to postgres", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping postgres", err)
	}
	return &PostgresStore{DB: db, dims: dims}, nil
}

const memoryColumns = `id, owner, text, embedding::text, created_at, updated_at, source_refs, status, superseded_by`

// CreateSchema ensures the pgvector extension, the memory table and its indexes exist.
func (ps *PostgresStore) CreateSchema(ctx context.Context) error {
	if _, err := ps.DB.Exec(ctx, postgresSchema(ps.dims)); err != nil {
		return unavailable("create schema", err)
	}
	return nil
}

func postgresSchema(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id            TEXT PRIMARY KEY,
    owner         TEXT NOT NULL,
    text          TEXT NOT NULL,
    embedding     vector(%d) NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    source_refs   TEXT[] NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL DEFAULT 'active',
    superseded_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS memories_owner_status_idx ON memories (owner, status);
CREATE INDEX IF NOT EXISTS memories_embedding_idx ON memories USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS memory_store_meta (
    singleton  BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
    model      TEXT NOT NULL,
    dimensions INT NOT NULL
);
`, dims)
}

// BindModel records the embedding model on first use and rejects any other.
func (ps *PostgresStore) BindModel(ctx context.Context, modelName string, dims int) error {
	if dims != ps.dims {
		return fmt.Errorf("%w: vector column has %d dimensions, provider %s has %d", model.ErrModelMismatch, ps.dims, modelName, dims)
	}
	if _, err := ps.DB.Exec(ctx, `
        INSERT INTO memory_store_meta (singleton, model, dimensions)
        VALUES (TRUE, $1, $2)
        ON CONFLICT (singleton) DO NOTHING`, modelName, dims); err != nil {
		return unavailable("bind model", err)
	}
	var (
		bound     string
		boundDims int
	)
	if err := ps.DB.QueryRow(ctx, `SELECT model, dimensions FROM memory_store_meta WHERE singleton`).Scan(&bound, &boundDims); err != nil {
		return unavailable("read model binding", err)
	}
	if bound != modelName || boundDims != dims {
		return fmt.Errorf("%w: store holds %s/%d, provider is %s/%d", model.ErrModelMismatch, bound, boundDims, modelName, dims)
	}
	return nil
}

// LockOwner takes a session-level advisory lock keyed by the owner on a
// dedicated pooled connection. Unlocking releases both.
func (ps *PostgresStore) LockOwner(ctx context.Context, owner string) (func(), error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	conn, err := ps.DB.Acquire(ctx)
	if err != nil {
		return nil, unavailable("acquire lock connection", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, owner); err != nil {
		conn.Release()
		return nil, unavailable("advisory lock", err)
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, owner); err != nil {
			// Closing the session is the only other way to drop a session lock.
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}

func (ps *PostgresStore) Insert(ctx context.Context, mem model.Memory) (string, error) {
	if err := requireOwner(mem.Owner); err != nil {
		return "", err
	}
	if strings.TrimSpace(mem.Text) == "" || len(mem.Embedding) == 0 {
		return "", fmt.Errorf("%w: memory text and embedding are required", model.ErrInvalidInput)
	}
	if len(mem.Embedding) != ps.dims {
		return "", fmt.Errorf("%w: embedding has %d dimensions, store expects %d", model.ErrInvalidInput, len(mem.Embedding), ps.dims)
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
	var id string
	err := ps.DB.QueryRow(ctx, `
        INSERT INTO memories (id, owner, text, embedding, created_at, updated_at, source_refs, status, superseded_by)
        VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO NOTHING
        RETURNING id`,
		mem.ID, mem.Owner, mem.Text, vectorLiteral(mem.Embedding), mem.CreatedAt, mem.UpdatedAt,
		refs, string(mem.Status), mem.SupersededBy).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", model.ErrDuplicateIdentity, mem.ID)
	}
	if err != nil {
		return "", unavailable("insert memory", err)
	}
	return id, nil
}

func (ps *PostgresStore) Upsert(ctx context.Context, owner, id, text string, embedding []float32, sourceRef string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if len(embedding) != ps.dims {
		return fmt.Errorf("%w: embedding has %d dimensions, store expects %d", model.ErrInvalidInput, len(embedding), ps.dims)
	}
	tag, err := ps.DB.Exec(ctx, `
        UPDATE memories
        SET text = $3,
            embedding = $4::vector,
            updated_at = now(),
            source_refs = CASE
                WHEN $5 = '' OR $5 = ANY(source_refs) THEN source_refs
                ELSE array_append(source_refs, $5)
            END
        WHERE owner = $1 AND id = $2`,
		owner, id, text, vectorLiteral(embedding), strings.TrimSpace(sourceRef))
	return ps.expectOne(tag, err, "upsert memory", owner, id)
}

func (ps *PostgresStore) Search(ctx context.Context, owner string, query []float32, k int, minScore float64) ([]model.Scored, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	rows, err := ps.DB.Query(ctx, `
        SELECT `+memoryColumns+`, 1 - (embedding <=> $2::vector) AS score
        FROM memories
        WHERE owner = $1
          AND status = 'active'
          AND 1 - (embedding <=> $2::vector) >= $4
        ORDER BY embedding <=> $2::vector, updated_at DESC
        LIMIT $3`, owner, vectorLiteral(query), k, minScore)
	if err != nil {
		return nil, unavailable("search memories", err)
	}
	defer rows.Close()

	hits := make([]model.Scored, 0, k)
	for rows.Next() {
		var score float64
		mem, err := scanMemory(rows, &score)
		if err != nil {
			return nil, unavailable("scan memory", err)
		}
		hits = append(hits, model.Scored{Memory: mem, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("search memories", err)
	}
	hits = rank(hits, k, minScore)
	if err := verifyScope(owner, hits); err != nil {
		return nil, err
	}
	return hits, nil
}

func (ps *PostgresStore) MarkSuperseded(ctx context.Context, owner, id, by string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	tag, err := ps.DB.Exec(ctx, `
        UPDATE memories SET status = 'superseded', superseded_by = $3, updated_at = now()
        WHERE owner = $1 AND id = $2`, owner, id, by)
	return ps.expectOne(tag, err, "mark superseded", owner, id)
}

func (ps *PostgresStore) Delete(ctx context.Context, owner, id string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	tag, err := ps.DB.Exec(ctx, `
        UPDATE memories SET status = 'deleted', updated_at = now()
        WHERE owner = $1 AND id = $2`, owner, id)
	return ps.expectOne(tag, err, "delete memory", owner, id)
}

func (ps *PostgresStore) Get(ctx context.Context, owner, id string) (model.Memory, error) {
	if err := requireOwner(owner); err != nil {
		return model.Memory{}, err
	}
	row := ps.DB.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE owner = $1 AND id = $2`, owner, id)
	mem, err := scanMemory(row, nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Memory{}, notFound(owner, id)
	}
	if err != nil {
		return model.Memory{}, unavailable("get memory", err)
	}
	return mem, nil
}

func (ps *PostgresStore) Erase(ctx context.Context, owner string) (int, error) {
	if err := requireOwner(owner); err != nil {
		return 0, err
	}
	tag, err := ps.DB.Exec(ctx, `DELETE FROM memories WHERE owner = $1`, owner)
	if err != nil {
		return 0, unavailable("erase owner", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the connection pool.
func (ps *PostgresStore) Close() error {
	if ps != nil && ps.DB != nil {
		ps.DB.Close()
	}
	return nil
}

func (ps *PostgresStore) expectOne(tag pgconn.CommandTag, err error, op, owner, id string) error {
	if err != nil {
		return unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(owner, id)
	}
	return nil
}

func scanMemory(row pgx.Row, score *float64) (model.Memory, error) {
	var (
		mem           model.Memory
		embeddingText string
		status        string
	)
	dest := []any{&mem.ID, &mem.Owner, &mem.Text, &embeddingText, &mem.CreatedAt, &mem.UpdatedAt, &mem.SourceRefs, &status, &mem.SupersededBy}
	if score != nil {
		dest = append(dest, score)
	}
	if err := row.Scan(dest...); err != nil {
		return model.Memory{}, err
	}
	vec, err := parseVector(embeddingText)
	if err != nil {
		return model.Memory{}, err
	}
	mem.Embedding = vec
	mem.Status = model.Status(status)
	return mem, checkStatus(mem)
}

// vectorLiteral renders vec in pgvector's text format.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(text string) ([]float32, error) {
	text = strings.Trim(text, "[]")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	parts := strings.Split(text, ",")
	vec := make([]float32, 0, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("%w: vector component %d: %v", model.ErrStoreUnavailable, i, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
