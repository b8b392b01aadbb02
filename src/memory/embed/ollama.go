package embed

import (
	"context"
	"net/http"
	"net/url"
	"os"

	ollama "github.com/ollama/ollama/api"
)

// OllamaEmbedder calls a local or remote Ollama server.
type OllamaEmbedder struct {
	client *ollama.Client
	model  string
}

// NewOllamaEmbedder connects to host, falling back to OLLAMA_HOST and then
// http://localhost:11434.
func NewOllamaEmbedder(host, model string) (*OllamaEmbedder, error) {
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	// Timeouts come from the caller's context.
	return &OllamaEmbedder{client: ollama.NewClient(u, &http.Client{}), model: model}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.Embed(ctx, &ollama.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0]) == 0 {
		return nil, errEmptyEmbedding
	}
	return res.Embeddings[0], nil
}
