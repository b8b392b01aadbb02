package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-recall/src/config"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
	"github.com/Protocol-Lattice/go-recall/src/memory/store"
)

func newService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	if cfg == nil {
		cfg = config.NewForTesting()
	}
	svc, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func userTurn(id, owner, text string) model.ChatTurn {
	return model.ChatTurn{ID: id, Owner: owner, Role: model.RoleUser, Text: text}
}

func TestOnTurnThenContext(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	report, err := svc.OnTurn(ctx, userTurn("t1", "alice", "I live in Lisbon."))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	block, err := svc.Context(ctx, "alice", "I live in Lisbon.")
	require.NoError(t, err)
	require.Len(t, block.Included, 1)
	assert.Contains(t, block.Text, "- I live in Lisbon.")
	assert.GreaterOrEqual(t, block.Included[0].Score, 0.85)

	snap := svc.Metrics()
	assert.Equal(t, int64(1), snap.Inserted)
	assert.Equal(t, int64(1), snap.Retrievals)
}

func TestCorrectionSupersedesOldFact(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	_, err := svc.OnTurn(ctx, userTurn("t1", "alice", "The user likes tea"))
	require.NoError(t, err)
	report, err := svc.OnTurn(ctx, userTurn("t2", "alice", "The user actually prefers coffee now"))
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "supersede", string(report.Results[0].Outcome.Action))

	hits, err := svc.Recall(ctx, "alice", "what does the user drink")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "The user actually prefers coffee now", hits[0].Memory.Text)

	old, err := svc.Get(ctx, "alice", report.Results[0].Outcome.PreviousID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuperseded, old.Status)
}

func TestInletPrependsMemories(t *testing.T) {
	svc := newService(t, nil)
	_, err := svc.OnTurn(context.Background(), userTurn("t1", "alice", "I live in Lisbon."))
	require.NoError(t, err)
	msgs := []Message{
		{Role: model.RoleAssistant, Content: "Hello!"},
		{Role: model.RoleUser, Content: "I live in Lisbon."},
	}

	out := svc.Inlet(context.Background(), "alice", msgs)
	require.Len(t, out, 3)
	assert.Equal(t, model.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Content, "This is your inner voice talking.")
	assert.Contains(t, out[0].Content, "I live in Lisbon.")
	assert.Equal(t, msgs, out[1:])
}

func TestInletDoesNotEchoCurrentMessage(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := newService(t, nil, WithStore(st))
	ctx := context.Background()
	msgs := []Message{{Role: model.RoleUser, Content: "I am allergic to peanuts."}}

	assert.Equal(t, msgs, svc.Inlet(ctx, "bob", msgs))
	assert.Equal(t, 1, st.Len())

	out := svc.Inlet(ctx, "bob", msgs)
	require.Len(t, out, 2)
	assert.Contains(t, out[0].Content, "I am allergic to peanuts.")
}

func TestInletAfterCloseIsPassthrough(t *testing.T) {
	st := store.NewInMemoryStore()
	svc, err := New(context.Background(), config.NewForTesting(), WithStore(st))
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	msgs := []Message{{Role: model.RoleUser, Content: "I live in Lisbon."}}
	assert.Equal(t, msgs, svc.Inlet(context.Background(), "alice", msgs))
	assert.Zero(t, st.Len())
	assert.Zero(t, svc.Metrics().Retrievals)
}

func TestInletWithoutUserMessage(t *testing.T) {
	svc := newService(t, nil)
	msgs := []Message{{Role: model.RoleAssistant, Content: "Hello!"}}
	assert.Equal(t, msgs, svc.Inlet(context.Background(), "alice", msgs))

	anonymous := []Message{{Role: model.RoleUser, Content: "I live in Lisbon."}}
	assert.Equal(t, anonymous, svc.Inlet(context.Background(), "", anonymous))
	assert.Zero(t, svc.Metrics().Retrievals)
}

func TestAsyncInletIsAwaitedByClose(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.AsyncIngest = true
	st := store.NewInMemoryStore()
	svc, err := New(context.Background(), cfg, WithStore(st))
	require.NoError(t, err)

	svc.Inlet(context.Background(), "alice", []Message{{Role: model.RoleUser, Content: "I live in Lisbon."}})
	require.NoError(t, svc.Close())
	assert.Equal(t, 1, st.Len())

	_, err = svc.OnTurn(context.Background(), userTurn("t2", "alice", "I have a dog."))
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, svc.Close())
}

type downStore struct {
	*store.InMemoryStore
}

func (downStore) Search(context.Context, string, []float32, int, float64) ([]model.Scored, error) {
	return nil, fmt.Errorf("%w: connection refused", model.ErrStoreUnavailable)
}

func TestInletPassesThroughOnOutage(t *testing.T) {
	svc := newService(t, nil, WithStore(downStore{store.NewInMemoryStore()}))
	msgs := []Message{{Role: model.RoleUser, Content: "I live in Lisbon."}}

	out := svc.Inlet(context.Background(), "alice", msgs)
	assert.Equal(t, msgs, out)

	snap := svc.Metrics()
	assert.Equal(t, int64(1), snap.IngestFailed)
	assert.Equal(t, int64(1), snap.RetrievalsDegraded)
}

// leakyStore returns every owner's memories regardless of the filter.
type leakyStore struct {
	*store.InMemoryStore
	owners []string
}

func (l leakyStore) Search(ctx context.Context, _ string, query []float32, k int, minScore float64) ([]model.Scored, error) {
	var all []model.Scored
	for _, o := range l.owners {
		hits, err := l.InMemoryStore.Search(ctx, o, query, k, minScore)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
	}
	return all, nil
}

func TestOwnersAreIsolatedWhenFilterFails(t *testing.T) {
	inner := store.NewInMemoryStore()
	seeder := newService(t, nil, WithStore(inner))
	ctx := context.Background()
	_, err := seeder.OnTurn(ctx, userTurn("t1", "bob", "My bank PIN is secret."))
	require.NoError(t, err)

	svc := newService(t, nil, WithStore(leakyStore{InMemoryStore: inner, owners: []string{"alice", "bob"}}))

	block, err := svc.Context(ctx, "alice", "My bank PIN is secret.")
	require.ErrorIs(t, err, model.ErrScopeViolation)
	assert.True(t, block.Empty())

	msgs := []Message{{Role: model.RoleUser, Content: "What is my bank PIN?"}}
	out := svc.Inlet(ctx, "alice", msgs)
	assert.Equal(t, msgs, out)
	for _, m := range out {
		assert.NotContains(t, m.Content, "secret")
	}
	assert.GreaterOrEqual(t, svc.Metrics().ScopeViolations, int64(1))
}

func TestForgetAndErase(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	report, err := svc.OnTurn(ctx, userTurn("t1", "alice", "I live in Lisbon. My dog is called Rex."))
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)

	require.NoError(t, svc.Forget(ctx, "alice", report.Results[0].Outcome.MemoryID))
	hits, err := svc.Recall(ctx, "alice", "I live in Lisbon.")
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, report.Results[0].Outcome.MemoryID, h.Memory.ID)
	}

	err = svc.Forget(ctx, "bob", report.Results[1].Outcome.MemoryID)
	require.ErrorIs(t, err, model.ErrNotFound)

	n, err := svc.Erase(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = svc.Get(ctx, "alice", report.Results[1].Outcome.MemoryID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCyclesExtractor(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.Extractor = "cycles"
	cfg.ExtractCycles = 2
	svc := newService(t, cfg)
	ctx := context.Background()

	report, err := svc.OnTurn(ctx, userTurn("t1", "alice", "I live in Lisbon."))
	require.NoError(t, err)
	assert.Empty(t, report.Results)

	report, err = svc.OnTurn(ctx, userTurn("t2", "alice", "My dog is called Rex."))
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "I live in Lisbon. My dog is called Rex.", report.Results[0].Text)
}

func TestCloseStoresBufferedMessages(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.Extractor = "cycles"
	cfg.ExtractCycles = 3
	st := store.NewInMemoryStore()
	svc, err := New(context.Background(), cfg, WithStore(st))
	require.NoError(t, err)

	_, err = svc.OnTurn(context.Background(), userTurn("t1", "alice", "I live in Lisbon."))
	require.NoError(t, err)
	_, err = svc.OnTurn(context.Background(), userTurn("t2", "bob", "My dog is called Rex."))
	require.NoError(t, err)
	assert.Zero(t, st.Len())

	require.NoError(t, svc.Close())
	assert.Equal(t, 2, st.Len())
	assert.Equal(t, int64(2), svc.Metrics().IngestSucceeded)
}

func TestNewRejectsForeignModel(t *testing.T) {
	st := store.NewInMemoryStore()
	require.NoError(t, st.BindModel(context.Background(), "text-embedding-3-small", 1536))

	_, err := New(context.Background(), config.NewForTesting(), WithStore(st))
	require.ErrorIs(t, err, model.ErrModelMismatch)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.MergeThreshold = 0.2
	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, model.ErrInvalidConfig)

	_, err = New(context.Background(), nil)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}
