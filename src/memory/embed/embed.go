// Package embed adapts text-embedding services to the memory layer.
//
// Concrete providers only turn text into vectors. Provider wraps one of them
// with input validation, dimensionality checks, bounded retries and the
// request-scoped cache.
package embed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/cache"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// Embedder is a pluggable text-embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// errEmptyEmbedding is returned by providers that answered without a vector.
var errEmptyEmbedding = fmt.Errorf("%w: empty embedding in response", model.ErrProviderUnavailable)

// Options configures a Provider.
type Options struct {
	Model          string
	Dimensions     int
	MaxInputChars  int
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultOptions returns sane defaults for a provider without an explicit model.
func DefaultOptions() Options {
	return Options{
		MaxInputChars:  8000,
		Timeout:        15 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxInputChars <= 0 {
		o.MaxInputChars = def.MaxInputChars
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = def.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = def.MaxBackoff
	}
	return o
}

// Provider is the embedding adapter used by the pipelines.
type Provider struct {
	inner   Embedder
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewProvider wraps inner. Model and Dimensions are required.
func NewProvider(inner Embedder, opts Options) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: nil embedder", model.ErrInvalidConfig)
	}
	if strings.TrimSpace(opts.Model) == "" || opts.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: embedding model and dimensions are required", model.ErrInvalidConfig)
	}
	return &Provider{inner: inner, opts: opts.withDefaults(), log: zerolog.Nop()}, nil
}

// WithLogger sets the logger used for retry diagnostics.
func (p *Provider) WithLogger(l zerolog.Logger) *Provider {
	p.log = l
	return p
}

// WithMetrics attaches counters for retries and cache hits.
func (p *Provider) WithMetrics(m *metrics.Metrics) *Provider {
	p.metrics = m
	return p
}

// Model returns the model identifier vectors are produced with.
func (p *Provider) Model() string { return p.opts.Model }

// Dimensions returns the fixed output length.
func (p *Provider) Dimensions() int { return p.opts.Dimensions }

// Close releases the underlying provider if it holds resources.
func (p *Provider) Close() error {
	if c, ok := p.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Embed turns text into a vector of exactly Dimensions() elements.
//
// Empty or oversized text fails with model.ErrInvalidInput. Transport, auth and
// empty-response failures are retried with exponential backoff and finally
// reported as model.ErrProviderUnavailable. A vector of the wrong length is a
// deployment error and fails with model.ErrInvalidConfig.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", model.ErrInvalidInput)
	}
	if n := len([]rune(text)); n > p.opts.MaxInputChars {
		return nil, fmt.Errorf("%w: text of %d chars exceeds limit of %d", model.ErrInvalidInput, n, p.opts.MaxInputChars)
	}

	rc := requestCache(ctx)
	key := cache.HashKey(p.opts.Model, text)
	if rc != nil {
		if v, ok := rc.Get(key); ok {
			p.metrics.IncCacheHit()
			return slices.Clone(v), nil
		}
	}

	vec, err := p.embedWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != p.opts.Dimensions {
		return nil, fmt.Errorf("%w: model %s returned %d dimensions, configured %d",
			model.ErrInvalidConfig, p.opts.Model, len(vec), p.opts.Dimensions)
	}
	if rc != nil {
		rc.Set(key, slices.Clone(vec))
	}
	return vec, nil
}

func (p *Provider) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()

		v, err := p.inner.Embed(callCtx, text)
		switch {
		case err == nil && len(v) == 0:
			return errEmptyEmbedding
		case err == nil:
			vec = v
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrInvalidConfig):
			return backoff.Permanent(err)
		case errors.Is(err, model.ErrProviderUnavailable):
			return err
		default:
			// Per-attempt deadlines land here too and stay retryable.
			return fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.opts.InitialBackoff
	eb.MaxInterval = p.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.opts.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		p.metrics.IncEmbedRetry()
		p.log.Warn().Err(err).Str("model", p.opts.Model).Dur("wait", wait).Msg("embedding attempt failed, retrying")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return vec, nil
}

type requestCacheKey struct{}

// WithRequestCache scopes an embedding cache to ctx. Identical inputs embedded
// with the returned context (or its children) reuse the first vector. Without a
// scope nothing is cached.
func WithRequestCache(ctx context.Context) context.Context {
	if requestCache(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, requestCacheKey{}, cache.NewLRUCache[[]float32](256, 0))
}

func requestCache(ctx context.Context) *cache.LRUCache[[]float32] {
	c, _ := ctx.Value(requestCacheKey{}).(*cache.LRUCache[[]float32])
	return c
}
