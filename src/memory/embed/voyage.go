package embed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	json "github.com/alpkeskin/gotoon"

	"github.com/Protocol-Lattice/go-recall/src/memory/model"
)

const defaultVoyageEndpoint = "https://api.voyageai.com/v1/embeddings"

// VoyageEmbedder calls the Voyage AI embeddings API, the embedding service
// recommended alongside Anthropic models.
type VoyageEmbedder struct {
	client    *http.Client
	apiKey    string
	model     string
	inputType string
	endpoint  string
}

// NewVoyageEmbedder reads VOYAGE_API_KEY when apiKey is empty and
// VOYAGE_API_BASE when endpoint is empty.
func NewVoyageEmbedder(apiKey, endpoint, modelName string) (*VoyageEmbedder, error) {
	if apiKey == "" {
		apiKey = os.Getenv("VOYAGE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: VOYAGE_API_KEY not set", model.ErrInvalidConfig)
	}
	if endpoint == "" {
		endpoint = os.Getenv("VOYAGE_API_BASE")
	}
	if endpoint == "" {
		endpoint = defaultVoyageEndpoint
	}
	if modelName == "" {
		modelName = "voyage-3.5"
	}
	return &VoyageEmbedder{
		client:    &http.Client{},
		apiKey:    apiKey,
		model:     modelName,
		inputType: "document",
		endpoint:  endpoint,
	}, nil
}

func (c *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"input":      []string{text},
		"model":      c.model,
		"input_type": c.inputType,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: voyage rejected input: %s", model.ErrInvalidInput, slurp)
	case resp.StatusCode/100 != 2:
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: voyage embeddings HTTP %d: %s", model.ErrProviderUnavailable, resp.StatusCode, slurp)
	}

	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode voyage response: %v", model.ErrProviderUnavailable, err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, errEmptyEmbedding
	}
	return f64toF32(out.Data[0].Embedding), nil
}

func f64toF32(v []float64) []float32 {
	r := make([]float32, len(v))
	for i, x := range v {
		r[i] = float32(x)
	}
	return r
}
