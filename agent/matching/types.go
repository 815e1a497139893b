package matching

import (
	"fmt"
	"strings"

	"github.com/BaSui01/holonflow/agent/capability"
)

// Method records how a required descriptor was paired with an offered one.
type Method string

const (
	MethodExactKey   Method = "exact-key"
	MethodSemanticID Method = "semantic-id"
	MethodEmbedding  Method = "embedding"
)

// Code classifies a matching failure.
type Code string

const (
	CodeNoCandidate        Code = "property_not_found"
	CodeNotInRange         Code = "parameter_not_in_range"
	CodeNotInAllowedValues Code = "parameter_not_in_allowed_values"
	CodeRangeMismatch      Code = "parameter_range_mismatch"
	CodeValuesMismatch     Code = "parameter_values_mismatch"
	CodeNotCompatible      Code = "parameter_not_compatible"
)

// MatchedProperty pairs one required descriptor with the offered descriptor
// that satisfied it.
type MatchedProperty struct {
	Required   capability.PropertyDescriptor `json:"required"`
	Offered    capability.PropertyDescriptor `json:"offered"`
	Similarity float64                       `json:"similarity"`
	Method     Method                        `json:"method"`
}

func (m MatchedProperty) String() string {
	return fmt.Sprintf("%s -> %s (%s %.3f)", m.Required, m.Offered, m.Method, m.Similarity)
}

// Candidate is an unmatched offered descriptor considered for a requirement.
type Candidate struct {
	Offered    capability.PropertyDescriptor `json:"offered"`
	Similarity float64                       `json:"similarity"`
}

// Failure describes why matching halted.
type Failure struct {
	Code     Code                          `json:"code"`
	Reason   string                        `json:"reason"`
	Index    int                           `json:"index"`
	Required capability.PropertyDescriptor `json:"required"`

	// Offered is the paired candidate when the failure is an incompatibility.
	Offered *capability.PropertyDescriptor `json:"offered,omitempty"`

	Candidates   []Candidate       `json:"candidates,omitempty"`
	MatchedSoFar []MatchedProperty `json:"matchedSoFar,omitempty"`
}

// Diagnostic renders the failure with candidates and accumulated matches.
func (f *Failure) Diagnostic() string {
	var b strings.Builder
	b.WriteString(f.Reason)
	if len(f.Candidates) > 0 {
		b.WriteString("; candidates: ")
		for i, c := range f.Candidates {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s (%.3f)", c.Offered, c.Similarity)
		}
	}
	if len(f.MatchedSoFar) > 0 {
		b.WriteString("; matched so far: ")
		for i, m := range f.MatchedSoFar {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(m.String())
		}
	}
	return b.String()
}

// Result is the typed outcome of one matching run.
type Result struct {
	Matched []MatchedProperty `json:"matched"`
	Failure *Failure          `json:"failure,omitempty"`
}

// OK reports whether every requirement was matched.
func (r Result) OK() bool { return r.Failure == nil }

// Score is the mean similarity of the matched pairs; 1 when nothing was required.
func (r Result) Score() float64 {
	if len(r.Matched) == 0 {
		return 1
	}
	var sum float64
	for _, m := range r.Matched {
		sum += m.Similarity
	}
	return sum / float64(len(r.Matched))
}

// Config holds matcher tuning.
type Config struct {
	SimilarityThreshold     float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	NumericTolerance        float64 `json:"numeric_tolerance" yaml:"numeric_tolerance"`
	MaxDiagnosticCandidates int     `json:"max_diagnostic_candidates" yaml:"max_diagnostic_candidates"`
}

// DefaultConfig returns the default matcher configuration.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:     0.82,
		NumericTolerance:        1e-4,
		MaxDiagnosticCandidates: 3,
	}
}

// Recorder receives matcher outcomes, typically the metrics collector.
type Recorder interface {
	RecordMatch(method, code string)
	RecordEmbeddingLookup(cacheHit bool)
}
