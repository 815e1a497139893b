package matching

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/holonflow/agent/capability"
	"go.uber.org/zap"
)

// PropertyMatcher pairs required property descriptors with offered ones.
// It is safe for concurrent use; each Match call owns its candidate pool.
type PropertyMatcher struct {
	config   Config
	embedder Embedder
	recorder Recorder
	logger   *zap.Logger
}

// NewPropertyMatcher creates a matcher. A nil embedder disables the
// similarity fallback.
func NewPropertyMatcher(config Config, embedder Embedder, recorder Recorder, logger *zap.Logger) *PropertyMatcher {
	def := DefaultConfig()
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = def.SimilarityThreshold
	}
	if config.NumericTolerance <= 0 {
		config.NumericTolerance = def.NumericTolerance
	}
	if config.MaxDiagnosticCandidates <= 0 {
		config.MaxDiagnosticCandidates = def.MaxDiagnosticCandidates
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PropertyMatcher{
		config:   config,
		embedder: embedder,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "property_matcher")),
	}
}

// poolEntry is one offered descriptor still available for matching.
type poolEntry struct {
	desc capability.PropertyDescriptor
	vec  []float64
}

// Match pairs each required descriptor, in order, with one offered
// descriptor. Matched offers are consumed; the first unmatched or
// incompatible requirement halts the run.
func (m *PropertyMatcher) Match(ctx context.Context, required, offered []capability.PropertyDescriptor) Result {
	pool := make([]*poolEntry, len(offered))
	for i, d := range offered {
		pool[i] = &poolEntry{desc: d}
	}

	chk := checker{tol: m.config.NumericTolerance}
	matched := make([]MatchedProperty, 0, len(required))
	embedded := false

	for i, req := range required {
		idx, method := exactMatch(req, pool)
		similarity := 1.0
		var ranked []Candidate

		if idx < 0 {
			if !embedded {
				m.embedPool(ctx, pool)
				embedded = true
			}
			idx, similarity, ranked = m.similarityMatch(ctx, req, pool)
			method = MethodEmbedding
		}

		if idx < 0 {
			if len(ranked) == 0 {
				for _, e := range pool {
					ranked = append(ranked, Candidate{Offered: e.desc})
				}
			}
			f := &Failure{
				Code:         CodeNoCandidate,
				Reason:       fmt.Sprintf("no offered property matches required %s", req),
				Index:        i,
				Required:     req,
				Candidates:   topN(ranked, m.config.MaxDiagnosticCandidates),
				MatchedSoFar: matched,
			}
			m.recordFailure(f)
			return Result{Matched: matched, Failure: f}
		}

		off := pool[idx].desc
		if code, reason := chk.check(req, off); code != "" {
			f := &Failure{
				Code:         code,
				Reason:       reason,
				Index:        i,
				Required:     req,
				Offered:      &off,
				MatchedSoFar: matched,
			}
			m.recordFailure(f)
			return Result{Matched: matched, Failure: f}
		}

		matched = append(matched, MatchedProperty{
			Required:   req,
			Offered:    off,
			Similarity: similarity,
			Method:     method,
		})
		if m.recorder != nil {
			m.recorder.RecordMatch(string(method), "")
		}
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	return Result{Matched: matched}
}

// exactMatch looks for an identical normalized key, then an identical
// semantic id.
func exactMatch(req capability.PropertyDescriptor, pool []*poolEntry) (int, Method) {
	if key := req.Key(); key != "" {
		for i, e := range pool {
			if e.desc.Key() == key {
				return i, MethodExactKey
			}
		}
	}
	if sid := req.SemanticID(); sid != "" {
		for i, e := range pool {
			if strings.EqualFold(e.desc.SemanticID(), sid) {
				return i, MethodSemanticID
			}
		}
	}
	return -1, ""
}

// embedPool fetches vectors for every pool entry in one batch. Failures leave
// the vectors empty so similarity matching fails closed.
func (m *PropertyMatcher) embedPool(ctx context.Context, pool []*poolEntry) {
	if m.embedder == nil || len(pool) == 0 {
		return
	}
	texts := make([]string, len(pool))
	for i, e := range pool {
		texts[i] = e.desc.IdentityText()
	}
	vecs, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		m.logger.Warn("embedding offered properties failed", zap.Error(err))
		return
	}
	for i := range pool {
		if i < len(vecs) {
			pool[i].vec = vecs[i]
		}
	}
}

// similarityMatch ranks the pool by cosine similarity to req. It returns the
// best index when it clears the threshold, and the full ranking for
// diagnostics.
func (m *PropertyMatcher) similarityMatch(ctx context.Context, req capability.PropertyDescriptor, pool []*poolEntry) (int, float64, []Candidate) {
	if m.embedder == nil || len(pool) == 0 {
		return -1, 0, nil
	}
	vecs, err := m.embedder.Embed(ctx, []string{req.IdentityText()})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		m.logger.Warn("embedding required property failed",
			zap.String("property", req.ElementKey()),
			zap.Error(err),
		)
		return -1, 0, nil
	}
	reqVec := vecs[0]

	best, bestScore := -1, 0.0
	ranked := make([]Candidate, 0, len(pool))
	for i, e := range pool {
		if len(e.vec) == 0 {
			continue
		}
		s := Cosine(reqVec, e.vec)
		ranked = append(ranked, Candidate{Offered: e.desc, Similarity: s})
		if best < 0 || s > bestScore {
			best, bestScore = i, s
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].Similarity > ranked[b].Similarity })

	if best < 0 || bestScore < m.config.SimilarityThreshold {
		m.logger.Debug("no candidate above similarity threshold",
			zap.String("property", req.ElementKey()),
			zap.Float64("best", bestScore),
			zap.Float64("threshold", m.config.SimilarityThreshold),
		)
		return -1, bestScore, ranked
	}
	return best, bestScore, ranked
}

func (m *PropertyMatcher) recordFailure(f *Failure) {
	m.logger.Debug("property matching failed",
		zap.String("code", string(f.Code)),
		zap.String("reason", f.Reason),
	)
	if m.recorder != nil {
		method := ""
		if f.Offered != nil {
			method = "compatibility"
		}
		m.recorder.RecordMatch(method, string(f.Code))
	}
}

func topN(c []Candidate, n int) []Candidate {
	if len(c) > n {
		return c[:n]
	}
	return c
}
