package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-recall/src/memory/embed"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/memory/store"
)

type countingDetector struct {
	calls atomic.Int32
	inner ContradictionDetector
}

func (d *countingDetector) Contradicts(ctx context.Context, existing, candidate string) (bool, error) {
	d.calls.Add(1)
	return d.inner.Contradicts(ctx, existing, candidate)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MergeThreshold = 0.85
	opts.ConflictThreshold = 0.30
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	return opts
}

type harness struct {
	store   *store.InMemoryStore
	emb     *embed.HashEmbedder
	cons    *Consolidator
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewInMemoryStore(),
		emb:     embed.NewHashEmbedder(256),
		metrics: &metrics.Metrics{},
	}
	cons, err := New(h.store, h.emb, opts)
	require.NoError(t, err)
	h.cons = cons.WithMetrics(h.metrics)
	return h
}

func (h *harness) candidate(t *testing.T, owner, text, ref string) Candidate {
	t.Helper()
	vec, err := h.emb.Embed(context.Background(), text)
	require.NoError(t, err)
	return Candidate{Owner: owner, Text: text, Embedding: vec, SourceRef: ref}
}

func (h *harness) active(t *testing.T, owner string) []model.Scored {
	t.Helper()
	probe := make([]float32, 256)
	probe[0] = 1
	hits, err := h.store.Search(context.Background(), owner, probe, 100, -1)
	require.NoError(t, err)
	return hits
}

func TestFirstCandidateInsertsWithoutComparison(t *testing.T) {
	h := newHarness(t, testOptions())
	det := &countingDetector{inner: HeuristicDetector{}}
	h.cons.WithDetector(det)

	out, err := h.cons.Consolidate(context.Background(), h.candidate(t, "alice", "I live in Lisbon", "t1"))
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, out.Action)
	assert.NotEmpty(t, out.MemoryID)
	assert.Zero(t, det.calls.Load())

	mem, err := h.store.Get(context.Background(), "alice", out.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, mem.SourceRefs)
	assert.Equal(t, model.StatusActive, mem.Status)
	assert.Equal(t, int64(1), h.metrics.Snapshot().Inserted)
}

func TestReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	cand := h.candidate(t, "alice", "I live in Lisbon", "t1")

	first, err := h.cons.Consolidate(ctx, cand)
	require.NoError(t, err)
	second, err := h.cons.Consolidate(ctx, cand)
	require.NoError(t, err)

	assert.Equal(t, ActionMerge, second.Action)
	assert.Equal(t, first.MemoryID, second.MemoryID)
	assert.False(t, second.Reembedded)

	hits := h.active(t, "alice")
	require.Len(t, hits, 1)
	assert.Equal(t, "I live in Lisbon", hits[0].Memory.Text)
	assert.Equal(t, []string{"t1"}, hits[0].Memory.SourceRefs)
}

func TestRestatementAppendsProvenance(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	first, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "I live in Lisbon", "t1"))
	require.NoError(t, err)
	second, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "i live in   LISBON", "t2"))
	require.NoError(t, err)

	assert.Equal(t, ActionMerge, second.Action)
	mem, err := h.store.Get(ctx, "alice", first.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, mem.SourceRefs)
}

func TestMergeReembedsChangedText(t *testing.T) {
	opts := testOptions()
	opts.MergeThreshold = 0.6
	h := newHarness(t, opts)
	ctx := context.Background()

	first, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "My name is Alice", "t1"))
	require.NoError(t, err)
	out, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "My name is Alice and I live in Paris", "t2"))
	require.NoError(t, err)

	assert.Equal(t, ActionMerge, out.Action)
	assert.True(t, out.Reembedded)
	assert.GreaterOrEqual(t, out.Score, 0.6)

	mem, err := h.store.Get(ctx, "alice", first.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, "My name is Alice and I live in Paris", mem.Text)
	want, _ := h.emb.Embed(ctx, mem.Text)
	assert.Equal(t, want, mem.Embedding)
	assert.Equal(t, []string{"t1", "t2"}, mem.SourceRefs)
	assert.Equal(t, int64(1), h.metrics.Snapshot().Reembedded)
}

func TestContradictionSupersedes(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	tea, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "The user likes tea", "t1"))
	require.NoError(t, err)
	coffee, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "The user actually prefers coffee now", "t2"))
	require.NoError(t, err)

	assert.Equal(t, ActionSupersede, coffee.Action)
	assert.Equal(t, tea.MemoryID, coffee.PreviousID)

	old, err := h.store.Get(ctx, "alice", tea.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuperseded, old.Status)
	assert.Equal(t, coffee.MemoryID, old.SupersededBy)

	hits := h.active(t, "alice")
	require.Len(t, hits, 1)
	assert.Equal(t, "The user actually prefers coffee now", hits[0].Memory.Text)
	assert.Equal(t, int64(1), h.metrics.Snapshot().Superseded)
}

func TestUnrelatedCandidateInserts(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	_, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "I live in Lisbon", "t1"))
	require.NoError(t, err)
	out, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "My dog is called Rex", "t2"))
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, out.Action)
	assert.Len(t, h.active(t, "alice"), 2)
}

func TestOwnersDoNotConsolidateTogether(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	a, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "I live in Lisbon", "t1"))
	require.NoError(t, err)
	b, err := h.cons.Consolidate(ctx, h.candidate(t, "bob", "I live in Lisbon", "t1"))
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, b.Action)
	assert.NotEqual(t, a.MemoryID, b.MemoryID)
}

type failingSupersede struct {
	*store.InMemoryStore
}

func (f failingSupersede) MarkSuperseded(context.Context, string, string, string) error {
	return fmt.Errorf("%w: write failed", model.ErrStoreUnavailable)
}

func TestSupersedeFailureRollsBackNewMemory(t *testing.T) {
	mem := store.NewInMemoryStore()
	emb := embed.NewHashEmbedder(256)
	cons, err := New(failingSupersede{mem}, emb, testOptions())
	require.NoError(t, err)
	ctx := context.Background()

	teaVec, _ := emb.Embed(ctx, "The user likes tea")
	tea, err := cons.Consolidate(ctx, Candidate{Owner: "alice", Text: "The user likes tea", Embedding: teaVec, SourceRef: "t1"})
	require.NoError(t, err)

	coffeeVec, _ := emb.Embed(ctx, "The user actually prefers coffee now")
	_, err = cons.Consolidate(ctx, Candidate{Owner: "alice", Text: "The user actually prefers coffee now", Embedding: coffeeVec, SourceRef: "t2"})
	require.ErrorIs(t, err, model.ErrStoreUnavailable)

	hits, err := mem.Search(ctx, "alice", teaVec, 10, -1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, tea.MemoryID, hits[0].Memory.ID)
	assert.Equal(t, 2, mem.Len())
}

type contendedStore struct {
	*store.InMemoryStore
	failures atomic.Int32
}

func (c *contendedStore) LockOwner(ctx context.Context, owner string) (func(), error) {
	if c.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: lock held", model.ErrConflict)
	}
	return c.InMemoryStore.LockOwner(ctx, owner)
}

func TestConflictIsRetried(t *testing.T) {
	st := &contendedStore{InMemoryStore: store.NewInMemoryStore()}
	st.failures.Store(2)
	emb := embed.NewHashEmbedder(256)
	m := &metrics.Metrics{}
	cons, err := New(st, emb, testOptions())
	require.NoError(t, err)
	cons.WithMetrics(m)

	vec, _ := emb.Embed(context.Background(), "I live in Lisbon")
	out, err := cons.Consolidate(context.Background(), Candidate{Owner: "alice", Text: "I live in Lisbon", Embedding: vec})
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, out.Action)
	assert.Equal(t, int64(2), m.Snapshot().ConflictsRetried)
}

func TestConflictRetriesAreBounded(t *testing.T) {
	st := &contendedStore{InMemoryStore: store.NewInMemoryStore()}
	st.failures.Store(100)
	emb := embed.NewHashEmbedder(256)
	opts := testOptions()
	opts.ConflictRetries = 2
	cons, err := New(st, emb, opts)
	require.NoError(t, err)

	vec, _ := emb.Embed(context.Background(), "I live in Lisbon")
	_, err = cons.Consolidate(context.Background(), Candidate{Owner: "alice", Text: "I live in Lisbon", Embedding: vec})
	require.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, int32(100-3), st.failures.Load())
}

func TestConcurrentSameOwnerYieldsOneMemory(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	base := h.candidate(t, "alice", "I live in Lisbon", "")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		cand := base
		cand.SourceRef = fmt.Sprintf("t%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.cons.Consolidate(ctx, cand)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	hits := h.active(t, "alice")
	require.Len(t, hits, 1)
	assert.Len(t, hits[0].Memory.SourceRefs, 8)
}

func TestNewValidates(t *testing.T) {
	emb := embed.NewHashEmbedder(8)

	bad := testOptions()
	bad.ConflictThreshold = 0.95
	_, err := New(store.NewInMemoryStore(), emb, bad)
	require.ErrorIs(t, err, model.ErrInvalidConfig)

	_, err = New(struct{ store.Store }{store.NewInMemoryStore()}, emb, testOptions())
	require.ErrorIs(t, err, model.ErrInvalidConfig)

	_, err = New(store.NewInMemoryStore(), nil, testOptions())
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestConsolidateRejectsInvalidCandidates(t *testing.T) {
	h := newHarness(t, testOptions())
	_, err := h.cons.Consolidate(context.Background(), Candidate{Text: "x", Embedding: []float32{1}})
	require.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = h.cons.Consolidate(context.Background(), Candidate{Owner: "alice", Text: "x"})
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestCanceledContextStops(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "I live in Lisbon", "t1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRestatementKeepsRicherMemoryWithUnrelatedNegation(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	rich := "I live in Lisbon and I work as a nurse and I do not own a car"

	first, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", rich, "t1"))
	require.NoError(t, err)
	out, err := h.cons.Consolidate(ctx, h.candidate(t, "alice", "I live in Lisbon and I work as a nurse", "t2"))
	require.NoError(t, err)
	assert.NotEqual(t, ActionSupersede, out.Action)

	mem, err := h.store.Get(ctx, "alice", first.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, mem.Status)
	assert.Contains(t, mem.Text, "do not own a car")
	assert.Zero(t, h.metrics.Snapshot().Superseded)
}
