package models

import (
	"context"
	"strings"
	"sync"
)

// DummyLLM answers from a fixed script, useful for tests without API calls.
// A prompt containing a key of Replies gets that reply; otherwise Default.
type DummyLLM struct {
	Replies map[string]string
	Default string
	Err     error

	mu      sync.Mutex
	prompts []string
}

func NewDummyLLM(def string) *DummyLLM {
	return &DummyLLM{Replies: map[string]string{}, Default: def}
}

func (d *DummyLLM) Generate(_ context.Context, prompt string) (string, error) {
	d.mu.Lock()
	d.prompts = append(d.prompts, prompt)
	d.mu.Unlock()
	if d.Err != nil {
		return "", d.Err
	}
	for needle, reply := range d.Replies {
		if strings.Contains(prompt, needle) {
			return reply, nil
		}
	}
	return d.Default, nil
}

// Prompts returns every prompt received so far.
func (d *DummyLLM) Prompts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.prompts...)
}

var _ LLM = (*DummyLLM)(nil)
