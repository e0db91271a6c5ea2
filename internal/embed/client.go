// Package embed turns article text into fixed-dimensional vectors through an
// OpenAI-compatible embeddings endpoint.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"papersorter/internal/core"
)

// Client calls an embeddings API. Any endpoint speaking the OpenAI request
// shape works: {"input": [...], "model": "...", "dimensions": N}.
type Client struct {
	http       *http.Client
	apiURL     string
	apiKey     string
	model      string
	dimensions int
}

// NewClient builds an embeddings API client.
func NewClient(apiURL, apiKey, model string, dimensions int) *Client {
	return &Client{
		http:       &http.Client{Timeout: 60 * time.Second},
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
	}
}

// Dimensions returns the vector size this client requests.
func (c *Client) Dimensions() int { return c.dimensions }

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, aligned by the response's index
// field. Inputs the provider skipped come back nil; the caller decides when
// to retry them. Rate limiting and server errors come back transient; client
// errors permanent; a response with the wrong vector size is a schema
// mismatch.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{
		Input:      texts,
		Model:      c.model,
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("embed request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, core.Transient(fmt.Errorf("embeddings API returned status %d", resp.StatusCode))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, core.Permanent(fmt.Errorf("embeddings API returned status %d: %s", resp.StatusCode, msg))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, core.Transient(fmt.Errorf("decode embed response: %w", err))
	}
	if len(parsed.Data) == 0 {
		return nil, core.Transient(fmt.Errorf("embeddings API returned no vectors for %d inputs", len(texts)))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, core.Transient(fmt.Errorf("embeddings API returned index %d for %d inputs",
				d.Index, len(texts)))
		}
		if len(d.Embedding) != c.dimensions {
			return nil, fmt.Errorf("%w: embeddings API returned dimension %d, expected %d",
				core.ErrSchemaMismatch, len(d.Embedding), c.dimensions)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
