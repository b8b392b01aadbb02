package models

import (
	"context"
	"time"

	"github.com/Protocol-Lattice/go-recall/src/cache"
)

// CachedLLM wraps an LLM and caches successful completions by prompt.
type CachedLLM struct {
	LLM   LLM
	Cache *cache.LRUCache[string]
	model string
}

// NewCachedLLM creates a new CachedLLM wrapper. model namespaces the keys.
func NewCachedLLM(llm LLM, model string, size int, ttl time.Duration) *CachedLLM {
	return &CachedLLM{LLM: llm, Cache: cache.NewLRUCache[string](size, ttl), model: model}
}

// Generate checks the cache before calling the underlying model.
func (c *CachedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	key := cache.HashKey(c.model, prompt)
	if val, ok := c.Cache.Get(key); ok {
		return val, nil
	}
	res, err := c.LLM.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	c.Cache.Set(key, res)
	return res, nil
}

// Close releases the wrapped model's client, if it holds one.
func (c *CachedLLM) Close() error {
	if closer, ok := c.LLM.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
