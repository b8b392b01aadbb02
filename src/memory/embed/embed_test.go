package embed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-recall/src/config"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

type scriptedEmbedder struct {
	calls atomic.Int32
	fn    func(call int32, text string) ([]float32, error)
}

func (s *scriptedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return s.fn(s.calls.Add(1), text)
}

func fastOpts(dims int) Options {
	return Options{
		Model:          "test-model",
		Dimensions:     dims,
		MaxInputChars:  50,
		Timeout:        time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestProviderRejectsInvalidInput(t *testing.T) {
	inner := &scriptedEmbedder{fn: func(int32, string) ([]float32, error) { return []float32{1, 0}, nil }}
	p, err := NewProvider(inner, fastOpts(2))
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "   ")
	require.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = p.Embed(context.Background(), strings.Repeat("x", 51))
	require.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Zero(t, inner.calls.Load())
}

func TestProviderRetriesTransientFailures(t *testing.T) {
	inner := &scriptedEmbedder{fn: func(call int32, _ string) ([]float32, error) {
		if call < 3 {
			return nil, errors.New("connection reset")
		}
		return []float32{0.6, 0.8}, nil
	}}
	m := &metrics.Metrics{}
	p, err := NewProvider(inner, fastOpts(2))
	require.NoError(t, err)
	p.WithMetrics(m)

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, vec)
	assert.EqualValues(t, 3, inner.calls.Load())
	assert.EqualValues(t, 2, m.Snapshot().EmbedRetries)
}

func TestProviderGivesUpAfterMaxRetries(t *testing.T) {
	inner := &scriptedEmbedder{fn: func(int32, string) ([]float32, error) { return nil, nil }}
	p, err := NewProvider(inner, fastOpts(2))
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, model.ErrProviderUnavailable)
	assert.EqualValues(t, 3, inner.calls.Load())
}

func TestProviderDoesNotRetryRejectedInput(t *testing.T) {
	inner := &scriptedEmbedder{fn: func(int32, string) ([]float32, error) {
		return nil, model.ErrInvalidInput
	}}
	p, err := NewProvider(inner, fastOpts(2))
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, model.ErrInvalidInput)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestProviderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := &scriptedEmbedder{fn: func(int32, string) ([]float32, error) {
		cancel()
		return nil, errors.New("boom")
	}}
	p, err := NewProvider(inner, fastOpts(2))
	require.NoError(t, err)

	_, err = p.Embed(ctx, "hello")
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestProviderDimensionMismatchIsConfigError(t *testing.T) {
	inner := &scriptedEmbedder{fn: func(int32, string) ([]float32, error) { return []float32{1, 2, 3}, nil }}
	p, err := NewProvider(inner, fastOpts(2))
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, model.ErrInvalidConfig)
	assert.EqualValues(t, 1, inner.calls.Load())
}

func TestRequestCacheScope(t *testing.T) {
	inner := &scriptedEmbedder{fn: func(int32, string) ([]float32, error) { return []float32{1, 0}, nil }}
	p, err := NewProvider(inner, fastOpts(2))
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "same")
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), "same")
	require.NoError(t, err)
	assert.EqualValues(t, 2, inner.calls.Load(), "no scope, no caching")

	ctx := WithRequestCache(context.Background())
	first, err := p.Embed(ctx, "same")
	require.NoError(t, err)
	first[0] = 42
	second, err := p.Embed(ctx, "same")
	require.NoError(t, err)
	assert.EqualValues(t, 3, inner.calls.Load())
	assert.Equal(t, []float32{1, 0}, second, "cached vector must not alias the caller's copy")
	assert.Same(t, ctx, WithRequestCache(ctx))
}

func TestNewProviderValidates(t *testing.T) {
	_, err := NewProvider(nil, fastOpts(2))
	require.ErrorIs(t, err, model.ErrInvalidConfig)
	_, err = NewProvider(NewHashEmbedder(2), Options{Model: "m"})
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestHashEmbedderSharesWords(t *testing.T) {
	h := NewHashEmbedder(256)
	ctx := context.Background()
	a, err := h.Embed(ctx, "The user likes tea")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "the USER likes tea!")
	require.NoError(t, err)
	c, err := h.Embed(ctx, "Quarterly revenue grew")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, model.CosineSimilarity(a, b), 1e-6)
	assert.Less(t, model.CosineSimilarity(a, c), 0.5)
	assert.Len(t, a, 256)
}

func TestVoyageEmbedder(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if strings.Contains(r.URL.Path, "bad") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if strings.Contains(r.URL.Path, "down") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5,0.25],"index":0}]}`))
	}))
	defer srv.Close()

	e, err := NewVoyageEmbedder("key", srv.URL+"/v1/embeddings", "")
	require.NoError(t, err)
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
	assert.Equal(t, "Bearer key", auth)

	e.endpoint = srv.URL + "/bad"
	_, err = e.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, model.ErrInvalidInput)

	e.endpoint = srv.URL + "/down"
	_, err = e.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, model.ErrProviderUnavailable)
}

func TestFromConfigHash(t *testing.T) {
	cfg := config.NewForTesting()
	p, err := FromConfig(context.Background(), cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.EmbedModel, p.Model())
	assert.Equal(t, cfg.EmbedDimensions, p.Dimensions())

	vec, err := p.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, cfg.EmbedDimensions)
}
