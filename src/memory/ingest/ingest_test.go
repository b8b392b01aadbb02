package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-recall/src/memory/consolidate"
	"github.com/Protocol-Lattice/go-recall/src/memory/embed"
	"github.com/Protocol-Lattice/go-recall/src/memory/extract"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/memory/store"
)

type flakyEmbedder struct {
	inner embed.Embedder
}

func (f flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "boom") {
		return nil, fmt.Errorf("%w: upstream 503", model.ErrProviderUnavailable)
	}
	return f.inner.Embed(ctx, text)
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, model.ChatTurn) ([]string, error) {
	return nil, errors.New("extractor down")
}

type fixture struct {
	store    *store.InMemoryStore
	pipeline *Pipeline
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, emb embed.Embedder, ex extract.Extractor) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	provider, err := embed.NewProvider(emb, embed.Options{Model: "hash-256", Dimensions: 256, MaxRetries: 0})
	require.NoError(t, err)

	opts := consolidate.DefaultOptions()
	opts.MergeThreshold, opts.ConflictThreshold = 0.85, 0.30
	opts.InitialBackoff = time.Millisecond
	cons, err := consolidate.New(st, provider, opts)
	require.NoError(t, err)

	m := &metrics.Metrics{}
	p, err := New(ex, provider, cons.WithMetrics(m), 4)
	require.NoError(t, err)
	return &fixture{store: st, pipeline: p.WithMetrics(m), metrics: m}
}

func (f *fixture) active(t *testing.T, owner string) []model.Scored {
	t.Helper()
	probe := make([]float32, 256)
	probe[0] = 1
	hits, err := f.store.Search(context.Background(), owner, probe, 100, -1)
	require.NoError(t, err)
	return hits
}

func turn(id, owner, text string) model.ChatTurn {
	return model.ChatTurn{ID: id, Owner: owner, Role: model.RoleUser, Text: text, Timestamp: time.Now()}
}

func TestIngestStoresEachCandidate(t *testing.T) {
	f := newFixture(t, embed.NewHashEmbedder(256), extract.UserTurns{})

	report, err := f.pipeline.Ingest(context.Background(), turn("t1", "alice", "I live in Lisbon. My dog is called Rex."))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, "t1", report.TurnRef)
	require.Len(t, report.Results, 2)
	for _, r := range report.Results {
		assert.Equal(t, consolidate.ActionInsert, r.Outcome.Action)
	}

	hits := f.active(t, "alice")
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, []string{"t1"}, h.Memory.SourceRefs)
	}
	assert.Equal(t, int64(2), f.metrics.Snapshot().IngestSucceeded)
}

func TestReingestIsIdempotent(t *testing.T) {
	f := newFixture(t, embed.NewHashEmbedder(256), extract.UserTurns{})
	tt := turn("t1", "alice", "I live in Lisbon. My dog is called Rex.")

	_, err := f.pipeline.Ingest(context.Background(), tt)
	require.NoError(t, err)
	before := f.active(t, "alice")

	report, err := f.pipeline.Ingest(context.Background(), tt)
	require.NoError(t, err)
	for _, r := range report.Results {
		assert.Equal(t, consolidate.ActionMerge, r.Outcome.Action)
	}

	after := f.active(t, "alice")
	require.Len(t, after, len(before))
	for _, h := range after {
		assert.Equal(t, []string{"t1"}, h.Memory.SourceRefs)
	}
}

func TestPartialFailureKeepsOtherCandidates(t *testing.T) {
	f := newFixture(t, flakyEmbedder{inner: embed.NewHashEmbedder(256)}, extract.UserTurns{})

	report, err := f.pipeline.Ingest(context.Background(), turn("t1", "alice", "I live in Lisbon. This one goes boom."))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Results, 2)
	assert.ErrorIs(t, report.Results[1].Err, model.ErrProviderUnavailable)
	assert.NotEmpty(t, report.Results[1].Error)

	assert.Len(t, f.active(t, "alice"), 1)
	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.IngestSucceeded)
	assert.Equal(t, int64(1), snap.IngestFailed)
}

func TestIngestRejectsTurnWithoutOwner(t *testing.T) {
	f := newFixture(t, embed.NewHashEmbedder(256), extract.UserTurns{})
	_, err := f.pipeline.Ingest(context.Background(), turn("t1", " ", "I live in Lisbon."))
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestIngestSurfacesExtractorFailure(t *testing.T) {
	f := newFixture(t, embed.NewHashEmbedder(256), failingExtractor{})
	_, err := f.pipeline.Ingest(context.Background(), turn("t1", "alice", "I live in Lisbon."))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extractor down")
}

func TestIngestIgnoresAssistantTurns(t *testing.T) {
	f := newFixture(t, embed.NewHashEmbedder(256), extract.UserTurns{})
	report, err := f.pipeline.Ingest(context.Background(), model.ChatTurn{Owner: "alice", Role: model.RoleAssistant, Text: "You live in Lisbon."})
	require.NoError(t, err)
	assert.Zero(t, report.Succeeded+report.Failed)
	assert.Empty(t, f.active(t, "alice"))
}

func TestConcurrentIngestOfSameFact(t *testing.T) {
	f := newFixture(t, embed.NewHashEmbedder(256), extract.UserTurns{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Ingest(context.Background(), turn(fmt.Sprintf("t%d", i), "alice", "I live in Lisbon."))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	hits := f.active(t, "alice")
	require.Len(t, hits, 1)
	assert.Len(t, hits[0].Memory.SourceRefs, 10)
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(nil, nil, nil, 1)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}
