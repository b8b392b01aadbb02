package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/config"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// Open connects the configured backend and wraps it in a ScopeGuard.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*ScopeGuard, error) {
	var (
		backend Store
		err     error
	)
	connectCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout*3)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendMemory:
		backend = NewInMemoryStore()
	case config.BackendPostgres:
		backend, err = NewPostgresStore(connectCtx, cfg.PostgresDSN, cfg.EmbedDimensions)
	case config.BackendNeo4j:
		driver, derr := OpenNeo4jDriver(connectCtx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if derr != nil {
			return nil, derr
		}
		backend, err = NewNeo4jStore(WrapNeo4jDriver(driver), cfg.Neo4jDatabase, cfg.EmbedDimensions, cfg.StoreLockLease)
	case config.BackendMongo:
		backend, err = NewMongoStore(connectCtx, MongoOptions{
			URI:         cfg.MongoURI,
			Database:    cfg.MongoDatabase,
			Collection:  cfg.MongoCollection,
			VectorIndex: cfg.MongoVectorIndex,
			Dimensions:  cfg.EmbedDimensions,
			LockLease:   cfg.StoreLockLease,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported store backend %q", model.ErrInvalidConfig, cfg.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	log.Info().Str("backend", cfg.StoreBackend).Msg("memory store opened")
	return NewScopeGuard(backend, log, m), nil
}
