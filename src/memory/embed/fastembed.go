//go:build fastembed

package embed

import (
	"context"
	"fmt"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedder runs a local ONNX embedding model through fastembed.
type FastEmbedder struct {
	mu sync.Mutex
	m  *fastembed.FlagEmbedding
}

// NewFastEmbedder loads modelName (bge-small-en-v1.5 when empty) into cacheDir.
func NewFastEmbedder(_ context.Context, modelName, cacheDir string) (*FastEmbedder, error) {
	init := &fastembed.InitOptions{CacheDir: cacheDir}
	if modelName != "" {
		init.Model = fastembed.EmbeddingModel(modelName)
	}
	m, err := fastembed.NewFlagEmbedding(init)
	if err != nil {
		return nil, fmt.Errorf("load fastembed model: %w", err)
	}
	return &FastEmbedder{m: m}, nil
}

func (e *FastEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m.QueryEmbed(text)
}

func (e *FastEmbedder) Close() error {
	if e.m != nil {
		e.m.Destroy()
	}
	return nil
}
