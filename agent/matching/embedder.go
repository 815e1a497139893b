package matching

import (
	"context"
	"math"

	"github.com/BaSui01/holonflow/embedding"
	"go.uber.org/zap"
)

// Embedder turns property identity text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// CachedEmbedder embeds through a provider and memoizes vectors by text.
type CachedEmbedder struct {
	provider embedding.Provider
	cache    embedding.VectorCache
	recorder Recorder
	logger   *zap.Logger
}

// NewCachedEmbedder wraps provider with cache. A nil cache gets a 4096-entry LRU.
func NewCachedEmbedder(provider embedding.Provider, cache embedding.VectorCache, recorder Recorder, logger *zap.Logger) *CachedEmbedder {
	if cache == nil {
		cache = embedding.NewMemoryVectorCache(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{
		provider: provider,
		cache:    cache,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "embedder")),
	}
}

// Embed returns one vector per text, fetching only the cache misses.
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if vec, ok := e.cache.Get(ctx, t); ok {
			out[i] = vec
			e.record(true)
			continue
		}
		e.record(false)
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := e.provider.EmbedDocuments(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		if j >= len(missingIdx) {
			break
		}
		out[missingIdx[j]] = vec
		e.cache.Set(ctx, missing[j], vec)
	}
	e.logger.Debug("embedded property texts", zap.Int("fetched", len(missing)), zap.Int("cached", len(texts)-len(missing)))
	return out, nil
}

func (e *CachedEmbedder) record(hit bool) {
	if e.recorder != nil {
		e.recorder.RecordEmbeddingLookup(hit)
	}
}

// Cosine returns the cosine similarity of two vectors, 0 when either is empty
// or their lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Embedder = (*CachedEmbedder)(nil)
