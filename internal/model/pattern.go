package model

import (
	"sort"
	"time"
)

// DecisionRule is the structural contract that defines a Pattern
type DecisionRule struct {
	NodeType              string                          `json:"node_type"`
	Section               string                          `json:"section"`
	MustHave              []string                        `json:"must_have"`
	Optional              []string                        `json:"optional"`
	Children              []ChildShape                    `json:"children"`
	References            []string                        `json:"references"`
	ExpectedRelationships map[string]ExpectedRelationship `json:"expected_relationships,omitempty"` // Keyed by target section
}

// ChildShape is the cardinality-invariant fingerprint of one child node type
type ChildShape struct {
	NodeType   string   `json:"node_type"`
	MustHave   []string `json:"must_have"`
	References []string `json:"references"`
}

// ExpectedRelationship summarizes the observed validity of references to one target section
type ExpectedRelationship struct {
	IsValid     bool `json:"is_valid"`
	ValidCount  int  `json:"valid_count"`
	BrokenCount int  `json:"broken_count"`
}

// HasExpectations reports whether the rule carries expected-relationship data
func (r DecisionRule) HasExpectations() bool {
	return len(r.ExpectedRelationships) > 0
}

// Child returns the child shape for a node type
func (r DecisionRule) Child(nodeType string) (ChildShape, bool) {
	for _, c := range r.Children {
		if c.NodeType == nodeType {
			return c, true
		}
	}
	return ChildShape{}, false
}

// Pattern is the canonical template for one (version, message, section, node type)
type Pattern struct {
	ID            string       `json:"id"`
	TenantScope   string       `json:"tenant_scope,omitempty"` // Empty for the shared library
	Version       string       `json:"version"`
	MessageRoot   string       `json:"message_root"`
	Section       string       `json:"section"`
	NodeType      string       `json:"node_type"`
	Rule          DecisionRule `json:"decision_rule"`
	SignatureHash string       `json:"signature_hash"`
	TimesSeen     int          `json:"times_seen"`
	SupersedesID  string       `json:"supersedes_id,omitempty"`
	Examples      []string     `json:"examples,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// DeltaAction describes what an upsert did to the catalog
type DeltaAction string

const (
	DeltaCreated   DeltaAction = "created"
	DeltaUpdated   DeltaAction = "updated"
	DeltaUnchanged DeltaAction = "unchanged"
)

// PatternDelta is the catalog change caused by one synthesized pattern
type PatternDelta struct {
	Action  DeltaAction `json:"action"`
	Pattern Pattern     `json:"pattern"`
}

// SortedKeys returns the keys of a string map in ascending order
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PatternQuery selects in-scope candidate patterns for identification
type PatternQuery struct {
	MessageRoot  string
	Version      string
	CrossVersion bool     // Ignore Version
	Scopes       []string // Tenant scopes to include; "" is the shared library
}

// Matches reports whether a pattern is in scope for the query
func (q PatternQuery) Matches(p Pattern) bool {
	if p.MessageRoot != q.MessageRoot {
		return false
	}
	if !q.CrossVersion && p.Version != q.Version {
		return false
	}
	for _, s := range q.Scopes {
		if p.TenantScope == s {
			return true
		}
	}
	return false
}
