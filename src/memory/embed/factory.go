package embed

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/go-recall/src/config"
	"github.com/Protocol-Lattice/go-recall/src/memory/metrics"
	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// FromConfig builds the configured provider wrapped in a Provider.
func FromConfig(ctx context.Context, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*Provider, error) {
	var (
		inner Embedder
		err   error
	)
	switch cfg.EmbedProvider {
	case "openai":
		inner = NewOpenAIEmbedder(cfg.EmbedAPIKey, cfg.EmbedBaseURL, cfg.EmbedModel, cfg.EmbedDimensions)
	case "ollama":
		inner, err = NewOllamaEmbedder(cfg.EmbedBaseURL, cfg.EmbedModel)
	case "gemini":
		inner, err = NewGeminiEmbedder(ctx, cfg.EmbedAPIKey, cfg.EmbedModel)
	case "voyage":
		inner, err = NewVoyageEmbedder(cfg.EmbedAPIKey, cfg.EmbedBaseURL, cfg.EmbedModel)
	case "fastembed":
		inner, err = NewFastEmbedder(ctx, cfg.EmbedModel, os.Getenv("FASTEMBED_CACHE_DIR"))
	case "hash":
		inner = NewHashEmbedder(cfg.EmbedDimensions)
	default:
		return nil, fmt.Errorf("%w: unsupported embed provider %q", model.ErrInvalidConfig, cfg.EmbedProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s embedder: %w", cfg.EmbedProvider, err)
	}

	opts := DefaultOptions()
	opts.Model = cfg.EmbedModel
	opts.Dimensions = cfg.EmbedDimensions
	opts.MaxInputChars = cfg.EmbedMaxChars
	opts.Timeout = cfg.EmbedTimeout
	opts.MaxRetries = cfg.EmbedRetries

	p, err := NewProvider(inner, opts)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("provider", cfg.EmbedProvider).Str("model", cfg.EmbedModel).Int("dimensions", cfg.EmbedDimensions).Msg("embedding provider ready")
	return p.WithLogger(log).WithMetrics(m), nil
}
