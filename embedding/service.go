package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ServiceProvider talks to a plain text-embedding service:
//
//	POST {base}/embed {"texts": ["..."]} -> {"embeddings": [[...], ...]}
type ServiceProvider struct {
	*BaseProvider
	cfg ServiceConfig
}

// NewServiceProvider creates a provider for a plain embedding service.
func NewServiceProvider(cfg ServiceConfig) *ServiceProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/embed"
	}
	return &ServiceProvider{
		BaseProvider: NewBaseProvider(BaseConfig{
			Name:              "embedding-service",
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			Dimensions:        cfg.Dimensions,
			MaxBatch:          cfg.MaxBatch,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}),
		cfg: cfg,
	}
}

type serviceEmbedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

type serviceEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Model      string      `json:"model,omitempty"`
}

// Embed generates embeddings for the given inputs.
func (p *ServiceProvider) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	respBody, err := p.DoRequest(ctx, "POST", p.cfg.Endpoint, serviceEmbedRequest{
		Texts: req.Input,
		Model: ChooseModel(req.Model, p.cfg.Model, ""),
	}, nil)
	if err != nil {
		return nil, err
	}

	var sr serviceEmbedResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(sr.Embeddings) != len(req.Input) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs: %w",
			len(sr.Embeddings), len(req.Input), ErrNoEmbeddings)
	}

	data := make([]EmbeddingData, len(sr.Embeddings))
	for i, v := range sr.Embeddings {
		data[i] = EmbeddingData{Index: i, Embedding: v}
	}
	return &EmbeddingResponse{
		Provider:   p.Name(),
		Model:      sr.Model,
		Embeddings: data,
		CreatedAt:  time.Now(),
	}, nil
}

// EmbedQuery embeds a single text.
func (p *ServiceProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return p.BaseProvider.EmbedQuery(ctx, query, p.Embed)
}

// EmbedDocuments embeds multiple texts.
func (p *ServiceProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	return p.BaseProvider.EmbedDocuments(ctx, documents, p.Embed)
}
