package model

// NodeRelationship is a directed candidate edge from a source NodeFact to a target section
type NodeRelationship struct {
	ID             string  `json:"id"`
	RunID          string  `json:"run_id"`
	SourceSection  string  `json:"source_section"`
	SourceOrdinal  int     `json:"source_ordinal"`
	SourceNodeType string  `json:"source_node_type"`
	TargetSection  string  `json:"target_section"`
	ReferenceType  string  `json:"reference_type"` // Semantic reference name (e.g., "passenger")
	FieldName      string  `json:"field_name"`     // Field proposed by the oracle
	RawValue       string  `json:"raw_value"`
	Valid          bool    `json:"valid"`    // Whether every referenced value resolved to a target
	Expected       bool    `json:"expected"` // Configured or oracle-declared expectation
	Confidence     float64 `json:"confidence"`
	MatchedBy      string  `json:"matched_by,omitempty"` // Matcher strategy that located the value
}

// RelationshipClass is the reporting class of a relationship
type RelationshipClass string

const (
	ClassExpectedValid    RelationshipClass = "expected_valid"
	ClassExpectedBroken   RelationshipClass = "expected_broken"
	ClassUnexpectedValid  RelationshipClass = "unexpected_valid"
	ClassUnexpectedBroken RelationshipClass = "unexpected_broken"
)

// Class returns the reporting class of the relationship
func (r NodeRelationship) Class() RelationshipClass {
	switch {
	case r.Expected && r.Valid:
		return ClassExpectedValid
	case r.Expected:
		return ClassExpectedBroken
	case r.Valid:
		return ClassUnexpectedValid
	default:
		return ClassUnexpectedBroken
	}
}

// RelationshipsBySource indexes relationships by their source fact
func RelationshipsBySource(rels []NodeRelationship) map[FactKey][]NodeRelationship {
	index := make(map[FactKey][]NodeRelationship)
	for _, r := range rels {
		key := FactKey{Section: r.SourceSection, Ordinal: r.SourceOrdinal}
		index[key] = append(index[key], r)
	}
	return index
}
