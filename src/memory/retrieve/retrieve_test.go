package retrieve

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-recall/src/memory/embed"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/memory/store"
)

// crossOwnerStore ignores the owner filter and returns everybody's memories.
type crossOwnerStore struct {
	*store.InMemoryStore
	owners []string
}

func (c crossOwnerStore) Search(ctx context.Context, _ string, query []float32, k int, minScore float64) ([]model.Scored, error) {
	var all []model.Scored
	for _, o := range c.owners {
		hits, err := c.InMemoryStore.Search(ctx, o, query, k, minScore)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	return all, nil
}

type downStore struct {
	*store.InMemoryStore
}

func (downStore) Search(context.Context, string, []float32, int, float64) ([]model.Scored, error) {
	return nil, fmt.Errorf("%w: connection refused", model.ErrStoreUnavailable)
}

type downEmbedder struct{}

func (downEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: timeout", model.ErrProviderUnavailable)
}

func seed(t *testing.T, st store.Store, emb embed.Embedder, owner, text string) string {
	t.Helper()
	vec, err := emb.Embed(context.Background(), text)
	require.NoError(t, err)
	id, err := st.Insert(context.Background(), model.Memory{Owner: owner, Text: text, Embedding: vec})
	require.NoError(t, err)
	return id
}

func TestRetrieveRoundTrip(t *testing.T) {
	emb := embed.NewHashEmbedder(256)
	st := store.NewInMemoryStore()
	id := seed(t, st, emb, "alice", "I live in Lisbon")
	seed(t, st, emb, "alice", "My dog is called Rex")

	m := &metrics.Metrics{}
	p, err := New(emb, st, Options{K: 5, MinScore: 0.1})
	require.NoError(t, err)
	p.WithMetrics(m)

	hits, err := p.Retrieve(context.Background(), "alice", "I live in Lisbon")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, id, hits[0].Memory.ID)
	assert.GreaterOrEqual(t, hits[0].Score, 0.85)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Retrievals)
	assert.Equal(t, int64(len(hits)), snap.Returned)
}

func TestRetrieveNeverCrossesOwners(t *testing.T) {
	emb := embed.NewHashEmbedder(256)
	inner := store.NewInMemoryStore()
	seed(t, inner, emb, "alice", "I live in Lisbon")
	seed(t, inner, emb, "bob", "I live in Lisbon too")

	m := &metrics.Metrics{}
	guarded := store.NewScopeGuard(crossOwnerStore{InMemoryStore: inner, owners: []string{"alice", "bob"}}, zerolog.Nop(), m)
	p, err := New(emb, guarded, Options{K: 5, MinScore: 0.1})
	require.NoError(t, err)
	p.WithMetrics(m)

	hits, err := p.Retrieve(context.Background(), "alice", "where do I live")
	require.ErrorIs(t, err, model.ErrScopeViolation)
	assert.Empty(t, hits)
	assert.Equal(t, int64(1), m.Snapshot().ScopeViolations)
	assert.Zero(t, m.Snapshot().RetrievalsDegraded)
}

func TestRetrieveFailsOpen(t *testing.T) {
	emb := embed.NewHashEmbedder(256)
	st := store.NewInMemoryStore()
	seed(t, st, emb, "alice", "I live in Lisbon")

	cases := []struct {
		name string
		emb  Embedder
		st   store.Store
	}{
		{"embedder down", downEmbedder{}, st},
		{"store down", emb, downStore{st}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &metrics.Metrics{}
			p, err := New(tc.emb, tc.st, Options{K: 5})
			require.NoError(t, err)
			p.WithMetrics(m)

			hits, err := p.Retrieve(context.Background(), "alice", "I live in Lisbon")
			require.NoError(t, err)
			assert.Empty(t, hits)
			assert.Equal(t, int64(1), m.Snapshot().RetrievalsDegraded)
		})
	}
}

func TestRetrieveHonoursCancellation(t *testing.T) {
	p, err := New(downEmbedder{}, store.NewInMemoryStore(), Options{K: 5})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Retrieve(ctx, "alice", "anything")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRetrieveValidation(t *testing.T) {
	p, err := New(embed.NewHashEmbedder(8), store.NewInMemoryStore(), Options{K: 1})
	require.NoError(t, err)

	_, err = p.Retrieve(context.Background(), "", "query")
	require.ErrorIs(t, err, model.ErrInvalidInput)

	hits, err := p.Retrieve(context.Background(), "alice", "   ")
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = New(nil, store.NewInMemoryStore(), Options{K: 1})
	require.ErrorIs(t, err, model.ErrInvalidConfig)
	_, err = New(embed.NewHashEmbedder(8), store.NewInMemoryStore(), Options{})
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}
