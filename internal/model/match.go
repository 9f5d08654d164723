package model

import "time"

// Verdict classifies a match result
type Verdict string

const (
	VerdictExact      Verdict = "exact"
	VerdictHigh       Verdict = "high"
	VerdictPartial    Verdict = "partial"
	VerdictLow        Verdict = "low"
	VerdictNoMatch    Verdict = "no_match"
	VerdictNewPattern Verdict = "new_pattern"
)

// IsMatch reports whether the verdict counts as a match for gap analysis
func (v Verdict) IsMatch() bool {
	switch v {
	case VerdictExact, VerdictHigh, VerdictPartial, VerdictLow:
		return true
	default:
		return false
	}
}

// IsHighConfidence reports whether the verdict reinforces the matched pattern
func (v Verdict) IsHighConfidence() bool {
	return v == VerdictExact || v == VerdictHigh
}

// PatternMatch is the append-only audit record of scoring one NodeFact
type PatternMatch struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	NodeFactID string    `json:"node_fact_id"`
	Section    string    `json:"section"`
	Ordinal    int       `json:"ordinal"`
	PatternID  string    `json:"pattern_id,omitempty"` // Empty for new_pattern
	Confidence float64   `json:"confidence"`
	Verdict    Verdict   `json:"verdict"`
	Factors    []Factor  `json:"factors,omitempty"`
	Penalty    float64   `json:"penalty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Factor is one explainable component of a match score
type Factor struct {
	Name         string                 `json:"name"`
	Weight       float64                `json:"weight"`       // Normalized weight
	Score        float64                `json:"score"`        // Sub-score in [0,1]
	Contribution float64                `json:"contribution"` // Weight * score
	Detail       map[string]interface{} `json:"detail,omitempty"`
}

// Factor names
const (
	FactorNodeType       = "node_type"
	FactorRequiredAttrs  = "required_attributes"
	FactorChildStructure = "child_structure"
	FactorReferences     = "reference_patterns"
	FactorRelationships  = "relationship_penalty"
)
