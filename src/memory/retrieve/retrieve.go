// Package retrieve recalls the memories relevant to a query.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/memory/store"
)

// Embedder embeds the query.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tunes retrieval.
type Options struct {
	K            int
	MinScore     float64
	StoreTimeout time.Duration
}

// Pipeline answers recall requests. It never takes owner locks.
type Pipeline struct {
	embedder Embedder
	store    store.Store
	opts     Options
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func New(emb Embedder, st store.Store, opts Options) (*Pipeline, error) {
	if emb == nil || st == nil {
		return nil, fmt.Errorf("%w: retrieval needs an embedder and a store", model.ErrInvalidConfig)
	}
	if opts.K <= 0 {
		return nil, fmt.Errorf("%w: retrieval k must be positive", model.ErrInvalidConfig)
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Pipeline{embedder: emb, store: st, opts: opts, log: zerolog.Nop()}, nil
}

func (p *Pipeline) WithLogger(l zerolog.Logger) *Pipeline {
	p.log = l
	return p
}

func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Retrieve returns up to K active memories of owner similar to query, best
// first. Provider and store outages degrade to an empty result with a nil
// error so the conversation can go on without memories. A scope violation is
// always returned.
func (p *Pipeline) Retrieve(ctx context.Context, owner, query string) ([]model.Scored, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", model.ErrInvalidInput)
	}
	p.metrics.IncRetrieval()
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return p.degrade(ctx, owner, "embed", err)
	}

	sctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()
	hits, err := p.store.Search(sctx, owner, vec, p.opts.K, p.opts.MinScore)
	if err != nil {
		return p.degrade(ctx, owner, "search", err)
	}
	p.metrics.IncReturned(len(hits))
	return hits, nil
}

func (p *Pipeline) degrade(ctx context.Context, owner, stage string, err error) ([]model.Scored, error) {
	if errors.Is(err, model.ErrScopeViolation) {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	p.metrics.IncDegraded()
	p.log.Warn().Err(err).
		Str("owner", owner).
		Str("stage", stage).
		Str("kind", model.Kind(err)).
		Msg("retrieval degraded to no memories")
	return nil, nil
}
