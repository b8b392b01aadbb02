// Package store persists memories and answers owner-scoped similarity queries.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// Store defines the contract every memory backend implements. All operations
// are scoped by owner; a memory owned by someone else behaves exactly like a
// memory that does not exist.
type Store interface {
	// Insert persists mem and returns its id. A zero ID gets a fresh UUID.
	Insert(ctx context.Context, mem model.Memory) (string, error)
	// Upsert replaces text and embedding of an existing memory, advances
	// updated_at and appends sourceRef when it is not already recorded.
	Upsert(ctx context.Context, owner, id, text string, embedding []float32, sourceRef string) error
	// Search returns at most k active memories of owner scoring at least
	// minScore, by descending cosine similarity with ties broken by the most
	// recent update.
	Search(ctx context.Context, owner string, query []float32, k int, minScore float64) ([]model.Scored, error)
	// MarkSuperseded moves id to the superseded status, pointing at by.
	MarkSuperseded(ctx context.Context, owner, id, by string) error
	// Delete soft-deletes id.
	Delete(ctx context.Context, owner, id string) error
	// Get returns id in any status.
	Get(ctx context.Context, owner, id string) (model.Memory, error)
	// Erase physically removes every memory of owner and returns how many were removed.
	Erase(ctx context.Context, owner string) (int, error)
}

// OwnerLocker serializes writers of the same owner. The returned function
// releases the lock and is safe to call more than once.
type OwnerLocker interface {
	LockOwner(ctx context.Context, owner string) (unlock func(), err error)
}

// ModelBinder records the embedding model a store was populated with and
// refuses vectors from any other model.
type ModelBinder interface {
	BindModel(ctx context.Context, model string, dimensions int) error
}

// SchemaInitializer allows stores to expose optional schema/bootstrap routines.
type SchemaInitializer interface {
	CreateSchema(ctx context.Context) error
}

func requireOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner is required", model.ErrInvalidInput)
	}
	return nil
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: memory id is required", model.ErrInvalidInput)
	}
	return nil
}

func notFound(owner, id string) error {
	return fmt.Errorf("%w: %s for owner %s", model.ErrNotFound, id, owner)
}

// unavailable classifies a backend failure. Cancellation keeps its identity so
// callers can tell it apart from an outage.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, err)
}

// checkStatus rejects a stored record whose lifecycle state is unknown.
func checkStatus(mem model.Memory) error {
	if !mem.Status.Valid() {
		return fmt.Errorf("%w: memory %s has unknown status %q", model.ErrStoreUnavailable, mem.ID, mem.Status)
	}
	return nil
}

// verifyScope re-checks a result set before it leaves a backend. Any hit that
// is not an active memory of owner invalidates the whole set.
func verifyScope(owner string, hits []model.Scored) error {
	for _, h := range hits {
		if h.Memory.Owner != owner {
			return fmt.Errorf("%w: search for %q returned memory %s of another owner", model.ErrScopeViolation, owner, h.Memory.ID)
		}
		if !h.Memory.Active() {
			return fmt.Errorf("%w: search for %q returned %s memory %s", model.ErrScopeViolation, owner, h.Memory.Status, h.Memory.ID)
		}
	}
	return nil
}

// rank orders hits by score then recency, drops those under minScore and keeps k.
func rank(hits []model.Scored, k int, minScore float64) []model.Scored {
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Memory.UpdatedAt.After(out[j].Memory.UpdatedAt)
	})
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
