package models

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NewLLMProvider builds the named provider wrapped in a response cache.
func NewLLMProvider(ctx context.Context, provider, model, apiKey, baseURL string) (LLM, error) {
	var (
		llm LLM
		err error
	)
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		llm = NewOpenAILLM(apiKey, baseURL, model, "")
	case "anthropic", "claude":
		llm = NewAnthropicLLM(apiKey, model, "")
	case "gemini", "google":
		llm, err = NewGeminiLLM(ctx, apiKey, model, "")
	case "ollama":
		llm, err = NewOllamaLLM(baseURL, model, "")
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
	if err != nil {
		return nil, err
	}
	return NewCachedLLM(llm, provider+"/"+model, 512, 10*time.Minute), nil
}

func withPrefix(prefix, prompt string) string {
	if strings.TrimSpace(prefix) == "" {
		return prompt
	}
	return prefix + "\n\n" + prompt
}
