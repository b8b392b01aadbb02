// Package consolidate decides whether a candidate memory is new, a restatement
// of something already remembered, or a correction of it.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/memory/store"
)

// Action is the decision taken for a candidate.
type Action string

const (
	ActionInsert    Action = "insert"
	ActionMerge     Action = "merge"
	ActionSupersede Action = "supersede"
)

// Embedder re-embeds merged text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Candidate is an extracted, embedded piece of text waiting to be remembered.
type Candidate struct {
	Owner     string
	Text      string
	Embedding []float32
	SourceRef string
}

// Outcome describes what happened to a candidate.
type Outcome struct {
	Action Action `json:"action"`
	// MemoryID is the memory now holding the candidate's content.
	MemoryID string `json:"memory_id"`
	// PreviousID is the memory merged into or superseded, if any.
	PreviousID string  `json:"previous_id,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Reembedded bool    `json:"reembedded,omitempty"`
}

// Options tunes the consolidator.
type Options struct {
	MergeThreshold    float64
	ConflictThreshold float64
	NeighbourK        int
	StoreTimeout      time.Duration
	ConflictRetries   int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MergeThreshold:    0.90,
		ConflictThreshold: 0.60,
		NeighbourK:        5,
		StoreTimeout:      5 * time.Second,
		ConflictRetries:   5,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
	}
}

// Validate enforces 0 < conflict <= merge <= 1.
func (o Options) Validate() error {
	if o.ConflictThreshold <= 0 || o.ConflictThreshold > o.MergeThreshold || o.MergeThreshold > 1 {
		return fmt.Errorf("%w: thresholds must satisfy 0 < conflict (%.2f) <= merge (%.2f) <= 1",
			model.ErrInvalidConfig, o.ConflictThreshold, o.MergeThreshold)
	}
	if o.NeighbourK <= 0 {
		return fmt.Errorf("%w: neighbour k must be positive", model.ErrInvalidConfig)
	}
	return nil
}

// Consolidator applies the insert/merge/supersede policy against a store.
type Consolidator struct {
	store    store.Store
	locker   store.OwnerLocker
	embedder Embedder
	detector ContradictionDetector
	merger   Merger
	opts     Options
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// New builds a consolidator. The store must serialize writers per owner.
func New(st store.Store, embedder Embedder, opts Options) (*Consolidator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	locker, ok := st.(store.OwnerLocker)
	if !ok {
		return nil, fmt.Errorf("%w: store does not support owner locking", model.ErrInvalidConfig)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: nil embedder", model.ErrInvalidConfig)
	}
	def := DefaultOptions()
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = def.StoreTimeout
	}
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	return &Consolidator{
		store:    st,
		locker:   locker,
		embedder: embedder,
		detector: HeuristicDetector{},
		merger:   AppendMerger{},
		opts:     opts,
		log:      zerolog.Nop(),
	}, nil
}

// WithDetector replaces the contradiction strategy.
func (c *Consolidator) WithDetector(d ContradictionDetector) *Consolidator {
	if d != nil {
		c.detector = d
	}
	return c
}

// WithMerger replaces the merge strategy.
func (c *Consolidator) WithMerger(m Merger) *Consolidator {
	if m != nil {
		c.merger = m
	}
	return c
}

func (c *Consolidator) WithLogger(l zerolog.Logger) *Consolidator {
	c.log = l
	return c
}

func (c *Consolidator) WithMetrics(m *metrics.Metrics) *Consolidator {
	c.metrics = m
	return c
}

// Consolidate stores cand, merging it into or superseding an existing memory
// when one is close enough. The whole read-decide-write sequence holds the
// owner lock and is retried on lock or write contention.
func (c *Consolidator) Consolidate(ctx context.Context, cand Candidate) (Outcome, error) {
	if cand.Owner == "" {
		return Outcome{}, fmt.Errorf("%w: owner is required", model.ErrInvalidInput)
	}
	if len(cand.Embedding) == 0 {
		return Outcome{}, fmt.Errorf("%w: candidate has no embedding", model.ErrInvalidInput)
	}

	var out Outcome
	op := func() error {
		res, err := c.attempt(ctx, cand)
		switch {
		case err == nil:
			out = res
			return nil
		case errors.Is(err, model.ErrConflict) && ctx.Err() == nil:
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialBackoff
	eb.MaxInterval = c.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.ConflictRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		c.metrics.IncConflictRetried()
		c.log.Debug().Err(err).Str("owner", cand.Owner).Dur("wait", wait).Msg("owner contention, retrying consolidation")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return Outcome{}, err
	}
	switch out.Action {
	case ActionInsert:
		c.metrics.IncInserted()
	case ActionMerge:
		c.metrics.IncMerged()
		if out.Reembedded {
			c.metrics.IncReembedded()
		}
	case ActionSupersede:
		c.metrics.IncSuperseded()
	}
	return out, nil
}

func (c *Consolidator) attempt(ctx context.Context, cand Candidate) (Outcome, error) {
	unlock, err := c.locker.LockOwner(ctx, cand.Owner)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	var neighbours []model.Scored
	err = c.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		neighbours, err = c.store.Search(ctx, cand.Owner, cand.Embedding, c.opts.NeighbourK, c.opts.ConflictThreshold)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if len(neighbours) == 0 {
		return c.insert(ctx, cand)
	}

	norm := model.NormalizeText(cand.Text)
	for _, n := range neighbours {
		if model.NormalizeText(n.Memory.Text) == norm {
			return c.merge(ctx, cand, n)
		}
	}

	best := neighbours[0]
	contradicts, err := c.detector.Contradicts(ctx, best.Memory.Text, cand.Text)
	if err != nil {
		return Outcome{}, err
	}
	switch {
	case contradicts:
		return c.supersede(ctx, cand, best)
	case best.Score >= c.opts.MergeThreshold:
		return c.merge(ctx, cand, best)
	default:
		return c.insert(ctx, cand)
	}
}

func (c *Consolidator) insert(ctx context.Context, cand Candidate) (Outcome, error) {
	id, err := c.insertMemory(ctx, cand)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionInsert, MemoryID: id}, nil
}

func (c *Consolidator) insertMemory(ctx context.Context, cand Candidate) (string, error) {
	mem := model.Memory{
		Owner:      cand.Owner,
		Text:       cand.Text,
		Embedding:  cand.Embedding,
		SourceRefs: model.AppendSourceRef(nil, cand.SourceRef),
		Status:     model.StatusActive,
	}
	var id string
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		id, err = c.store.Insert(ctx, mem)
		return err
	})
	return id, err
}

func (c *Consolidator) merge(ctx context.Context, cand Candidate, target model.Scored) (Outcome, error) {
	old := target.Memory
	text := old.Text
	embedding := old.Embedding
	reembedded := false

	if model.NormalizeText(old.Text) != model.NormalizeText(cand.Text) {
		merged, err := c.merger.Merge(ctx, old.Text, cand.Text)
		if err != nil {
			return Outcome{}, err
		}
		if merged != old.Text {
			vec, err := c.embedder.Embed(ctx, merged)
			if err != nil {
				return Outcome{}, err
			}
			text, embedding, reembedded = merged, vec, true
		}
	}
	if len(embedding) == 0 {
		// Backends that do not return vectors on search still need one to write back.
		vec, err := c.embedder.Embed(ctx, text)
		if err != nil {
			return Outcome{}, err
		}
		embedding = vec
	}

	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.store.Upsert(ctx, cand.Owner, old.ID, text, embedding, cand.SourceRef)
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionMerge, MemoryID: old.ID, PreviousID: old.ID, Score: target.Score, Reembedded: reembedded}, nil
}

func (c *Consolidator) supersede(ctx context.Context, cand Candidate, target model.Scored) (Outcome, error) {
	id, err := c.insertMemory(ctx, cand)
	if err != nil {
		return Outcome{}, err
	}
	err = c.withTimeout(ctx, func(ctx context.Context) error {
		return c.store.MarkSuperseded(ctx, cand.Owner, target.Memory.ID, id)
	})
	if err != nil {
		rollbackErr := c.withTimeout(context.WithoutCancel(ctx), func(ctx context.Context) error {
			return c.store.Delete(ctx, cand.Owner, id)
		})
		if rollbackErr != nil {
			c.log.Error().Err(rollbackErr).Str("owner", cand.Owner).Str("memory_id", id).
				Msg("failed to roll back memory after supersede failure")
		}
		return Outcome{}, err
	}
	return Outcome{Action: ActionSupersede, MemoryID: id, PreviousID: target.Memory.ID, Score: target.Score}, nil
}

func (c *Consolidator) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	return fn(ctx)
}
