package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/logging"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// ScopeGuard wraps a Store and re-verifies owner scope on everything it
// reads back. A violating result is dropped entirely, counted and logged as a
// security event; the caller receives model.ErrScopeViolation.
type ScopeGuard struct {
	inner   Store
	log     zerolog.Logger
	metrics *metrics.Metrics
}

var (
	_ Store             = (*ScopeGuard)(nil)
	_ OwnerLocker       = (*ScopeGuard)(nil)
	_ ModelBinder       = (*ScopeGuard)(nil)
	_ SchemaInitializer = (*ScopeGuard)(nil)
)

// NewScopeGuard decorates inner. A nil metrics is allowed.
func NewScopeGuard(inner Store, log zerolog.Logger, m *metrics.Metrics) *ScopeGuard {
	return &ScopeGuard{inner: inner, log: log, metrics: m}
}

func (g *ScopeGuard) violation(owner, op string, err error) error {
	g.metrics.IncScopeViolation()
	logging.Security(g.log).Str("owner", owner).Str("op", op).Err(err).Msg("owner scope violation, result dropped")
	if !errors.Is(err, model.ErrScopeViolation) {
		err = fmt.Errorf("%w: %v", model.ErrScopeViolation, err)
	}
	return err
}

func (g *ScopeGuard) Insert(ctx context.Context, mem model.Memory) (string, error) {
	if err := requireOwner(mem.Owner); err != nil {
		return "", err
	}
	return g.inner.Insert(ctx, mem)
}

func (g *ScopeGuard) Upsert(ctx context.Context, owner, id, text string, embedding []float32, sourceRef string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if err := requireID(id); err != nil {
		return err
	}
	return g.inner.Upsert(ctx, owner, id, text, embedding, sourceRef)
}

func (g *ScopeGuard) Search(ctx context.Context, owner string, query []float32, k int, minScore float64) ([]model.Scored, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	hits, err := g.inner.Search(ctx, owner, query, k, minScore)
	if errors.Is(err, model.ErrScopeViolation) {
		return nil, g.violation(owner, "search", err)
	}
	if err != nil {
		return nil, err
	}
	if err := verifyScope(owner, hits); err != nil {
		return nil, g.violation(owner, "search", err)
	}
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (g *ScopeGuard) MarkSuperseded(ctx context.Context, owner, id, by string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if err := requireID(id); err != nil {
		return err
	}
	return g.inner.MarkSuperseded(ctx, owner, id, by)
}

func (g *ScopeGuard) Delete(ctx context.Context, owner, id string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if err := requireID(id); err != nil {
		return err
	}
	return g.inner.Delete(ctx, owner, id)
}

func (g *ScopeGuard) Get(ctx context.Context, owner, id string) (model.Memory, error) {
	if err := requireOwner(owner); err != nil {
		return model.Memory{}, err
	}
	if err := requireID(id); err != nil {
		return model.Memory{}, err
	}
	mem, err := g.inner.Get(ctx, owner, id)
	if err != nil {
		return model.Memory{}, err
	}
	if mem.Owner != owner {
		return model.Memory{}, g.violation(owner, "get",
			fmt.Errorf("get for %q returned memory %s of another owner", owner, mem.ID))
	}
	return mem, nil
}

func (g *ScopeGuard) Erase(ctx context.Context, owner string) (int, error) {
	if err := requireOwner(owner); err != nil {
		return 0, err
	}
	return g.inner.Erase(ctx, owner)
}

// LockOwner forwards to the inner store. Backends without a lock cannot give
// write isolation and are refused.
func (g *ScopeGuard) LockOwner(ctx context.Context, owner string) (func(), error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	l, ok := g.inner.(OwnerLocker)
	if !ok {
		return nil, fmt.Errorf("%w: store %T has no owner lock", model.ErrInvalidConfig, g.inner)
	}
	return l.LockOwner(ctx, owner)
}

func (g *ScopeGuard) BindModel(ctx context.Context, modelName string, dims int) error {
	if b, ok := g.inner.(ModelBinder); ok {
		return b.BindModel(ctx, modelName, dims)
	}
	return nil
}

func (g *ScopeGuard) CreateSchema(ctx context.Context) error {
	if s, ok := g.inner.(SchemaInitializer); ok {
		return s.CreateSchema(ctx)
	}
	return nil
}

func (g *ScopeGuard) Close() error {
	if c, ok := g.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
