//go:build !fastembed

package embed

import (
	"context"
	"fmt"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

// FastEmbedder is unavailable without the fastembed build tag.
type FastEmbedder struct{}

func NewFastEmbedder(context.Context, string, string) (*FastEmbedder, error) {
	return nil, fmt.Errorf("%w: fastembed support not included; rebuild with -tags fastembed", model.ErrInvalidConfig)
}

func (*FastEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: fastembed support not included", model.ErrProviderUnavailable)
}

func (*FastEmbedder) Close() error { return nil }
