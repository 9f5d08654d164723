package identify

import (
	"fmt"
	"math"

	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/pattern"
)

// Scorer scores NodeFacts against candidate patterns and classifies the result
type Scorer struct {
	config  model.IdentifyConfig
	weights model.WeightsConfig // Normalized to sum 1
}

// NewScorer creates a scorer with normalized factor weights
func NewScorer(config model.IdentifyConfig) *Scorer {
	w := config.Weights
	sum := w.NodeType + w.RequiredAttrs + w.ChildStructure + w.References
	if sum <= 0 {
		w = model.DefaultConfig().Identify.Weights
		sum = w.NodeType + w.RequiredAttrs + w.ChildStructure + w.References
	}
	return &Scorer{
		config: config,
		weights: model.WeightsConfig{
			NodeType:       w.NodeType / sum,
			RequiredAttrs:  w.RequiredAttrs / sum,
			ChildStructure: w.ChildStructure / sum,
			References:     w.References / sum,
		},
	}
}

// Score is the explained confidence of one fact against one pattern
type Score struct {
	Confidence float64
	Penalty    float64
	Factors    []model.Factor
}

// Calculate scores a fact and its relationships against a pattern
func (s *Scorer) Calculate(fact model.NodeFact, rels []model.NodeRelationship, p model.Pattern) Score {
	rule := p.Rule
	var factors []model.Factor

	// 1. Node type
	factors = append(factors, s.nodeTypeFactor(fact, rule))

	// 2. Required attribute coverage
	factors = append(factors, s.requiredFactor(fact, rule))

	// 3. Child structure similarity
	factors = append(factors, s.childFactor(fact, rule))

	// 4. Reference pattern similarity
	factors = append(factors, s.referenceFactor(fact, rels, rule))

	weighted := 0.0
	for _, f := range factors {
		weighted += f.Contribution
	}

	// 5. Relationship penalty
	penalty, penaltyFactor := s.penalty(rels, rule)
	factors = append(factors, penaltyFactor)

	return Score{
		Confidence: clamp(weighted - penalty),
		Penalty:    penalty,
		Factors:    factors,
	}
}

// Verdict classifies a confidence by the configured thresholds
func (s *Scorer) Verdict(confidence float64) model.Verdict {
	t := s.config.Thresholds
	switch {
	case confidence >= t.Exact:
		return model.VerdictExact
	case confidence >= t.High:
		return model.VerdictHigh
	case confidence >= t.Partial:
		return model.VerdictPartial
	case confidence >= t.Low:
		return model.VerdictLow
	default:
		return model.VerdictNoMatch
	}
}

func (s *Scorer) nodeTypeFactor(fact model.NodeFact, rule model.DecisionRule) model.Factor {
	score := 0.0
	if fact.NodeType == rule.NodeType {
		score = 1
	}
	return factor(model.FactorNodeType, s.weights.NodeType, score, map[string]interface{}{
		"fact":    fact.NodeType,
		"pattern": rule.NodeType,
	})
}

// requiredFactor is (covered/required)^2
func (s *Scorer) requiredFactor(fact model.NodeFact, rule model.DecisionRule) model.Factor {
	var missing []string
	for _, name := range rule.MustHave {
		if _, ok := fact.Payload.Attributes[name]; !ok {
			missing = append(missing, name)
		}
	}

	score := 1.0
	if len(rule.MustHave) > 0 {
		ratio := float64(len(rule.MustHave)-len(missing)) / float64(len(rule.MustHave))
		score = ratio * ratio
	}
	return factor(model.FactorRequiredAttrs, s.weights.RequiredAttrs, score, map[string]interface{}{
		"required": len(rule.MustHave),
		"missing":  missing,
		"formula":  "(covered / required)^2",
	})
}

func (s *Scorer) childFactor(fact model.NodeFact, rule model.DecisionRule) model.Factor {
	factChildren := make(map[string]map[string]bool)
	for _, c := range fact.Payload.Children {
		attrs, ok := factChildren[c.NodeType]
		if !ok {
			attrs = make(map[string]bool)
			factChildren[c.NodeType] = attrs
		}
		for k := range c.Attributes {
			attrs[k] = true
		}
	}

	types := make(map[string]bool)
	for t := range factChildren {
		types[t] = true
	}
	for _, c := range rule.Children {
		types[c.NodeType] = true
	}

	score := 1.0
	shared := 0
	if len(types) > 0 {
		total := 0.0
		for t := range types {
			attrs, inFact := factChildren[t]
			shape, inRule := rule.Child(t)
			if !inFact || !inRule {
				continue
			}
			shared++
			total += 0.5 + 0.5*coverage(shape.MustHave, attrs)
		}
		score = total / float64(len(types))
	}
	return factor(model.FactorChildStructure, s.weights.ChildStructure, score, map[string]interface{}{
		"child_types": len(types),
		"shared":      shared,
	})
}

func (s *Scorer) referenceFactor(fact model.NodeFact, rels []model.NodeRelationship, rule model.DecisionRule) model.Factor {
	observed := pattern.ReferenceTypes(fact, rels)
	score := jaccard(observed, rule.References)
	return factor(model.FactorReferences, s.weights.References, score, map[string]interface{}{
		"observed": observed,
		"pattern":  rule.References,
		"formula":  "|A ∩ B| / |A ∪ B|",
	})
}

// penalty compares observed relationship validity with the pattern's
// expectations; patterns without expectation data fall back to a flat
// penalty per broken relationship
func (s *Scorer) penalty(rels []model.NodeRelationship, rule model.DecisionRule) (float64, model.Factor) {
	total := 0.0
	count := 0
	mode := "expected"

	if rule.HasExpectations() {
		for _, r := range rels {
			expectValid := true
			if e, ok := rule.ExpectedRelationships[r.TargetSection]; ok {
				expectValid = e.IsValid
			}
			if r.Valid != expectValid {
				count++
				total += s.config.MismatchPenalty
			}
		}
	} else {
		mode = "legacy"
		for _, r := range rels {
			if !r.Valid {
				count++
				total += s.config.LegacyBrokenPenalty
			}
		}
	}

	if s.config.PenaltyCap > 0 {
		total = math.Min(total, s.config.PenaltyCap)
	}

	return total, model.Factor{
		Name:         model.FactorRelationships,
		Score:        total,
		Contribution: -total,
		Detail: map[string]interface{}{
			"mode":       mode,
			"mismatches": count,
			"cap":        s.config.PenaltyCap,
			"summary":    fmt.Sprintf("%d relationship(s) penalized", count),
		},
	}
}

func factor(name string, weight, score float64, detail map[string]interface{}) model.Factor {
	return model.Factor{
		Name:         name,
		Weight:       weight,
		Score:        score,
		Contribution: weight * score,
		Detail:       detail,
	}
}

func coverage(required []string, present map[string]bool) float64 {
	if len(required) == 0 {
		return 1
	}
	covered := 0
	for _, name := range required {
		if present[name] {
			covered++
		}
	}
	return float64(covered) / float64(len(required))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]int)
	for _, v := range a {
		set[v] |= 1
	}
	for _, v := range b {
		set[v] |= 2
	}
	both := 0
	for _, bits := range set {
		if bits == 3 {
			both++
		}
	}
	return float64(both) / float64(len(set))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
