// Package models wraps chat-completion providers behind a text-to-text interface.
package models

import "context"

// LLM turns a prompt into a completion. The memory layer uses it for fact
// extraction, merging and contradiction checks.
type LLM interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts an ordinary function to LLM.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }
