// Package memory is the long-term memory layer for conversational agents.
//
// A Service captures chat turns, consolidates what is worth remembering into
// an owner-scoped vector store, and recalls the relevant subset as a prompt
// block for the next LLM call:
//
//	svc, err := memory.New(ctx, cfg)
//	report, err := svc.OnTurn(ctx, turn)
//	block, err := svc.Context(ctx, owner, query)
//	messages = svc.Inlet(ctx, owner, messages)
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/config"
	"github.com/Protocol-Lattice/go-recall/src/memory/consolidate"
	"github.com/Protocol-Lattice/go-recall/src/memory/embed"
	"github.com/Protocol-Lattice/go-recall/src/memory/extract"
	"github.com/Protocol-Lattice/go-recall/src/memory/ingest"
	"github.com/Protocol-Lattice/go-recall/src/memory/inject"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/memory/retrieve"
	"github.com/Protocol-Lattice/go-recall/src/memory/store"
	"github.com/Protocol-Lattice/go-recall/src/models"
)

// Aliases for the types hosts handle most often.
type (
	Memory   = model.Memory
	Scored   = model.Scored
	ChatTurn = model.ChatTurn
	Message  = model.Message
	Report   = ingest.Report
	Block    = inject.Block
)

// ErrClosed is returned by operations on a closed Service.
var ErrClosed = errors.New("memory service closed")

// Option customizes New.
type Option func(*settings)

type settings struct {
	log       zerolog.Logger
	metrics   *metrics.Metrics
	store     store.Store
	embedder  embed.Embedder
	llm       models.LLM
	extractor extract.Extractor
}

// WithLogger sets the logger shared by every component.
func WithLogger(l zerolog.Logger) Option { return func(s *settings) { s.log = l } }

// WithMetrics shares an existing counter set.
func WithMetrics(m *metrics.Metrics) Option { return func(s *settings) { s.metrics = m } }

// WithStore uses st instead of the configured backend. It is still wrapped
// in a ScopeGuard.
func WithStore(st store.Store) Option { return func(s *settings) { s.store = st } }

// WithEmbedder uses e instead of the configured provider. The configured
// model name and dimensions still apply.
func WithEmbedder(e embed.Embedder) Option { return func(s *settings) { s.embedder = e } }

// WithLLM uses llm for the LLM-backed strategies instead of the configured one.
func WithLLM(llm models.LLM) Option { return func(s *settings) { s.llm = llm } }

// WithExtractor overrides the configured extraction strategy.
func WithExtractor(ex extract.Extractor) Option { return func(s *settings) { s.extractor = ex } }

// Service wires extraction, embedding, consolidation, retrieval and injection
// over one store.
type Service struct {
	cfg       *config.Config
	log       zerolog.Logger
	metrics   *metrics.Metrics
	store     *store.ScopeGuard
	provider  *embed.Provider
	llm       models.LLM
	extractor extract.Extractor
	ingest    *ingest.Pipeline
	retrieve  *retrieve.Pipeline
	injector  *inject.Injector

	mu        sync.Mutex
	pending   sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a Service from cfg. The store schema is created when missing and
// the store is bound to the configured embedding model; a store populated by
// another model fails with model.ErrModelMismatch.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (svc *Service, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", model.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	set := settings{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&set)
	}
	if set.metrics == nil {
		set.metrics = &metrics.Metrics{}
	}
	log := set.log.With().Str("component", "memory").Logger()

	s := &Service{cfg: cfg, log: log, metrics: set.metrics}
	defer func() {
		if err != nil {
			_ = s.closeResources()
		}
	}()

	if set.embedder != nil {
		eopts := embed.DefaultOptions()
		eopts.Model, eopts.Dimensions = cfg.EmbedModel, cfg.EmbedDimensions
		eopts.MaxInputChars, eopts.Timeout, eopts.MaxRetries = cfg.EmbedMaxChars, cfg.EmbedTimeout, cfg.EmbedRetries
		p, err := embed.NewProvider(set.embedder, eopts)
		if err != nil {
			return nil, err
		}
		s.provider = p.WithLogger(log).WithMetrics(s.metrics)
	} else if s.provider, err = embed.FromConfig(ctx, cfg, log, s.metrics); err != nil {
		return nil, err
	}

	if set.store != nil {
		s.store = store.NewScopeGuard(set.store, log, s.metrics)
	} else if s.store, err = store.Open(ctx, cfg, log, s.metrics); err != nil {
		return nil, err
	}
	if err := s.prepareStore(ctx); err != nil {
		return nil, err
	}

	s.llm = set.llm
	if s.llm == nil && cfg.LLMProvider != "" {
		if s.llm, err = models.NewLLMProvider(ctx, cfg.LLMProvider, cfg.LLMModel, cfg.LLMAPIKey, cfg.LLMBaseURL); err != nil {
			return nil, fmt.Errorf("%w: llm: %v", model.ErrInvalidConfig, err)
		}
	}

	s.extractor = set.extractor
	if s.extractor == nil {
		if s.extractor, err = s.buildExtractor(); err != nil {
			return nil, err
		}
	}

	cons, err := s.buildConsolidator()
	if err != nil {
		return nil, err
	}
	ip, err := ingest.New(s.extractor, s.provider, cons, cfg.IngestParallelism)
	if err != nil {
		return nil, err
	}
	s.ingest = ip.WithLogger(log).WithMetrics(s.metrics)

	rp, err := retrieve.New(s.provider, s.store, retrieve.Options{K: cfg.RetrievalK, MinScore: cfg.MinScore, StoreTimeout: cfg.StoreTimeout})
	if err != nil {
		return nil, err
	}
	s.retrieve = rp.WithLogger(log).WithMetrics(s.metrics)

	if s.injector, err = inject.New(inject.Options{
		Budget:         cfg.ContextBudget,
		Unit:           inject.Unit(cfg.ContextUnit),
		Format:         inject.Format(cfg.ContextFormat),
		Header:         cfg.ContextHeader,
		SystemTemplate: cfg.SystemTemplate,
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("backend", cfg.StoreBackend).
		Str("embed_model", cfg.EmbedModel).
		Str("extractor", cfg.Extractor).
		Bool("async_ingest", cfg.AsyncIngest).
		Msg("memory service ready")
	return s, nil
}

func (s *Service) prepareStore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout*3)
	defer cancel()
	if err := s.store.CreateSchema(ctx); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := s.store.BindModel(ctx, s.provider.Model(), s.provider.Dimensions()); err != nil {
		return err
	}
	return nil
}

func (s *Service) buildExtractor() (extract.Extractor, error) {
	base := extract.UserTurns{MinChars: s.cfg.ExtractMinChar}
	switch s.cfg.Extractor {
	case "cycles":
		return extract.NewCycles(s.cfg.ExtractCycles)
	case "llm":
		return extract.NewLLM(s.llm, base, s.log)
	default:
		return base, nil
	}
}

func (s *Service) buildConsolidator() (*consolidate.Consolidator, error) {
	opts := consolidate.DefaultOptions()
	opts.MergeThreshold = s.cfg.MergeThreshold
	opts.ConflictThreshold = s.cfg.ConflictThreshold
	opts.NeighbourK = s.cfg.NeighbourK
	opts.StoreTimeout = s.cfg.StoreTimeout
	opts.ConflictRetries = s.cfg.StoreConflictRetry

	cons, err := consolidate.New(s.store, s.provider, opts)
	if err != nil {
		return nil, err
	}
	if s.cfg.Contradiction == "llm" && s.llm != nil {
		cons.WithDetector(consolidate.LLMDetector{LLM: s.llm, Log: s.log})
	}
	if s.cfg.Merger == "llm" && s.llm != nil {
		cons.WithMerger(consolidate.LLMMerger{LLM: s.llm, Log: s.log})
	}
	return cons.WithLogger(s.log).WithMetrics(s.metrics), nil
}

// OnTurn ingests one chat turn.
func (s *Service) OnTurn(ctx context.Context, turn model.ChatTurn) (ingest.Report, error) {
	if s.closed.Load() {
		return ingest.Report{}, ErrClosed
	}
	return s.ingest.Ingest(ctx, turn)
}

// Recall returns the memories of owner most relevant to query.
func (s *Service) Recall(ctx context.Context, owner, query string) ([]model.Scored, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.retrieve.Retrieve(ctx, owner, query)
}

// Context recalls memories for query and renders them under the configured
// budget. Outages yield an empty block; a scope violation yields an empty
// block and the error.
func (s *Service) Context(ctx context.Context, owner, query string) (inject.Block, error) {
	hits, err := s.Recall(ctx, owner, query)
	if err != nil {
		return inject.Block{}, err
	}
	return s.injector.Inject(hits), nil
}

// Inlet is the prompt filter: it prepends a system message with what was
// known about owner before the latest user message, then remembers that
// message. Any failure returns messages unchanged.
func (s *Service) Inlet(ctx context.Context, owner string, messages []model.Message) []model.Message {
	if s.closed.Load() {
		return messages
	}
	last, ok := model.LastUserMessage(messages)
	if !ok || strings.TrimSpace(last) == "" || strings.TrimSpace(owner) == "" {
		return messages
	}

	// Recall first so the message being answered is never echoed back.
	block, err := s.Context(ctx, owner, last)
	s.remember(ctx, model.ChatTurn{Owner: owner, Role: model.RoleUser, Text: last, Timestamp: time.Now().UTC()})
	if err != nil {
		s.log.Warn().Err(err).Str("owner", owner).Str("kind", model.Kind(err)).Msg("inlet recall failed, passing messages through")
		return messages
	}
	return s.injector.InjectMessages(messages, block)
}

func (s *Service) remember(ctx context.Context, turn model.ChatTurn) {
	run := func(ctx context.Context) {
		report, err := s.ingest.Ingest(ctx, turn)
		if err != nil {
			s.log.Warn().Err(err).Str("owner", turn.Owner).Str("kind", model.Kind(err)).Msg("inlet ingestion failed")
			return
		}
		s.log.Debug().Str("owner", turn.Owner).Int("succeeded", report.Succeeded).Int("failed", report.Failed).Msg("inlet ingestion done")
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()
	if !s.cfg.AsyncIngest {
		defer s.pending.Done()
		run(ctx)
		return
	}
	go func() {
		defer s.pending.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AsyncTimeout)
		defer cancel()
		run(bg)
	}()
}

// Get returns one memory of owner in any status.
func (s *Service) Get(ctx context.Context, owner, id string) (model.Memory, error) {
	if s.closed.Load() {
		return model.Memory{}, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.Get(ctx, owner, id)
}

// Forget soft-deletes one memory of owner.
func (s *Service) Forget(ctx context.Context, owner, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.Delete(ctx, owner, id)
}

// Erase physically removes everything remembered about owner, including
// messages buffered for extraction.
func (s *Service) Erase(ctx context.Context, owner string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if c, ok := s.extractor.(*extract.Cycles); ok {
		c.Forget(owner)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	n, err := s.store.Erase(ctx, owner)
	if err == nil {
		s.log.Info().Str("owner", owner).Int("removed", n).Msg("owner memories erased")
	}
	return n, err
}

// Metrics returns a snapshot of the service counters.
func (s *Service) Metrics() metrics.Snapshot { return s.metrics.Snapshot() }

// Wait blocks until background ingestion started by Inlet has finished.
func (s *Service) Wait() { s.pending.Wait() }

// Close waits for background ingestion, stores messages still buffered for
// extraction and releases provider, LLM and store connections. It is safe to
// call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.mu.Unlock()
		s.pending.Wait()
		s.flushBuffered()
		s.closeErr = s.closeResources()
	})
	return s.closeErr
}

func (s *Service) flushBuffered() {
	cycles, ok := s.extractor.(*extract.Cycles)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AsyncTimeout)
	defer cancel()
	for _, owner := range cycles.Owners() {
		pending := cycles.Pending(owner)
		turn := model.ChatTurn{Owner: owner, Role: model.RoleUser, Timestamp: time.Now().UTC()}
		texts := cycles.Flush(owner)
		turn.Text = strings.Join(texts, " ")
		report := s.ingest.Store(ctx, owner, turn.Ref(), texts)
		s.log.Info().Str("owner", owner).Int("messages", pending).Int("failed", report.Failed).Msg("buffered messages flushed on close")
	}
}

func (s *Service) closeResources() error {
	var errs []error
	if s.provider != nil {
		errs = append(errs, s.provider.Close())
	}
	if closer, ok := s.llm.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
