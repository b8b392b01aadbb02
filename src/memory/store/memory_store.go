package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// InMemoryStore is a process-local Store used for tests and single-process
// deployments.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.Memory

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	boundModel string
	boundDims  int

	nowFn func() time.Time
}

var (
	_ Store       = (*InMemoryStore)(nil)
	_ OwnerLocker = (*InMemoryStore)(nil)
	_ ModelBinder = (*InMemoryStore)(nil)
)

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]model.Memory),
		locks:   make(map[string]chan struct{}),
		nowFn:   time.Now,
	}
}

func (s *InMemoryStore) now() time.Time { return s.nowFn().UTC() }

// BindModel records the first model seen and rejects any other.
func (s *InMemoryStore) BindModel(_ context.Context, modelName string, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundModel == "" {
		s.boundModel, s.boundDims = modelName, dims
		return nil
	}
	if s.boundModel != modelName || s.boundDims != dims {
		return fmt.Errorf("%w: store holds %s/%d, provider is %s/%d",
			model.ErrModelMismatch, s.boundModel, s.boundDims, modelName, dims)
	}
	return nil
}

// LockOwner blocks until the owner's lock is free or ctx is done.
func (s *InMemoryStore) LockOwner(ctx context.Context, owner string) (func(), error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	s.locksMu.Lock()
	ch, ok := s.locks[owner]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[owner] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

func (s *InMemoryStore) checkDims(vec []float32) error {
	if s.boundDims > 0 && len(vec) != s.boundDims {
		return fmt.Errorf("%w: embedding has %d dimensions, store expects %d", model.ErrInvalidInput, len(vec), s.boundDims)
	}
	return nil
}

func (s *InMemoryStore) Insert(ctx context.Context, mem model.Memory) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := requireOwner(mem.Owner); err != nil {
		return "", err
	}
	if strings.TrimSpace(mem.Text) == "" || len(mem.Embedding) == 0 {
		return "", fmt.Errorf("%w: memory text and embedding are required", model.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDims(mem.Embedding); err != nil {
		return "", err
	}
	mem = mem.Clone()
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if _, exists := s.records[mem.ID]; exists {
		return "", fmt.Errorf("%w: %s", model.ErrDuplicateIdentity, mem.ID)
	}
	now := s.now()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	if mem.UpdatedAt.IsZero() {
		mem.UpdatedAt = mem.CreatedAt
	}
	if mem.Status == "" {
		mem.Status = model.StatusActive
	}
	s.records[mem.ID] = mem
	return mem.ID, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, owner, id, text string, embedding []float32, sourceRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := requireOwner(owner); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.records[id]
	if !ok || mem.Owner != owner {
		return notFound(owner, id)
	}
	if err := s.checkDims(embedding); err != nil {
		return err
	}
	mem.Text = text
	mem.Embedding = append([]float32(nil), embedding...)
	mem.SourceRefs = model.AppendSourceRef(append([]string(nil), mem.SourceRefs...), sourceRef)
	mem.UpdatedAt = s.now()
	s.records[id] = mem
	return nil
}

func (s *InMemoryStore) Search(ctx context.Context, owner string, query []float32, k int, minScore float64) ([]model.Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	hits := make([]model.Scored, 0, k)
	for _, mem := range s.records {
		if mem.Owner != owner || !mem.Active() {
			continue
		}
		hits = append(hits, model.Scored{Memory: mem.Clone(), Score: model.CosineSimilarity(query, mem.Embedding)})
	}
	s.mu.RUnlock()

	hits = rank(hits, k, minScore)
	if err := verifyScope(owner, hits); err != nil {
		return nil, err
	}
	return hits, nil
}

func (s *InMemoryStore) MarkSuperseded(ctx context.Context, owner, id, by string) error {
	return s.setStatus(ctx, owner, id, model.StatusSuperseded, by)
}

func (s *InMemoryStore) Delete(ctx context.Context, owner, id string) error {
	return s.setStatus(ctx, owner, id, model.StatusDeleted, "")
}

func (s *InMemoryStore) setStatus(ctx context.Context, owner, id string, status model.Status, by string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := requireOwner(owner); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.records[id]
	if !ok || mem.Owner != owner {
		return notFound(owner, id)
	}
	mem.Status = status
	if by != "" {
		mem.SupersededBy = by
	}
	mem.UpdatedAt = s.now()
	s.records[id] = mem
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, owner, id string) (model.Memory, error) {
	if err := ctx.Err(); err != nil {
		return model.Memory{}, err
	}
	if err := requireOwner(owner); err != nil {
		return model.Memory{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	mem, ok := s.records[id]
	if !ok || mem.Owner != owner {
		return model.Memory{}, notFound(owner, id)
	}
	return mem.Clone(), nil
}

func (s *InMemoryStore) Erase(ctx context.Context, owner string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := requireOwner(owner); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, mem := range s.records {
		if mem.Owner == owner {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored memories in any status.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
