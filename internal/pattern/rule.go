package pattern

import (
	"sort"
	"strings"

	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/oracle"
	"github.com/ppiankov/patternlens/internal/relation"
)

// Synthesize derives the decision rule of one group of same-shape facts.
// Child structure is keyed by child node type, never by occurrence count.
func Synthesize(facts []model.NodeFact, rels map[model.FactKey][]model.NodeRelationship) model.DecisionRule {
	if len(facts) == 0 {
		return model.DecisionRule{}
	}

	rule := model.DecisionRule{
		NodeType: facts[0].NodeType,
		Section:  facts[0].Section,
	}

	var attrSets [][]string
	refs := make(map[string]bool)
	children := make(map[string]*childAccumulator)
	expected := make(map[string]model.ExpectedRelationship)

	for _, f := range facts {
		attrSets = append(attrSets, model.SortedKeys(f.Payload.Attributes))

		factRels := rels[f.Key()]
		for _, r := range ReferenceTypes(f, factRels) {
			refs[r] = true
		}

		for _, c := range f.Payload.Children {
			acc, ok := children[c.NodeType]
			if !ok {
				acc = &childAccumulator{refs: make(map[string]bool)}
				children[c.NodeType] = acc
			}
			acc.attrSets = append(acc.attrSets, model.SortedKeys(c.Attributes))
			for k := range c.References {
				acc.refs[k] = true
			}
		}

		for _, r := range factRels {
			e := expected[r.TargetSection]
			if r.Valid {
				e.ValidCount++
			} else {
				e.BrokenCount++
			}
			e.IsValid = e.ValidCount >= e.BrokenCount
			expected[r.TargetSection] = e
		}
	}

	rule.MustHave = intersect(attrSets)
	rule.Optional = difference(union(attrSets), rule.MustHave)
	rule.References = setToSorted(refs)

	for nodeType, acc := range children {
		rule.Children = append(rule.Children, model.ChildShape{
			NodeType:   nodeType,
			MustHave:   intersect(acc.attrSets),
			References: setToSorted(acc.refs),
		})
	}
	sort.Slice(rule.Children, func(i, j int) bool {
		return rule.Children[i].NodeType < rule.Children[j].NodeType
	})

	if len(expected) > 0 {
		rule.ExpectedRelationships = expected
	}
	return NormalizeRule(rule)
}

type childAccumulator struct {
	attrSets [][]string
	refs     map[string]bool
}

// ReferenceTypes returns the normalized reference types of a fact: the types
// of its relationships plus the semantic names of its own reference fields
func ReferenceTypes(f model.NodeFact, rels []model.NodeRelationship) []string {
	set := make(map[string]bool)
	for _, r := range rels {
		if t := relation.Normalize(r.ReferenceType); t != "" {
			set[t] = true
		}
	}
	for k := range f.Payload.References {
		if t := relation.Normalize(oracle.SemanticName(k)); t != "" {
			set[t] = true
		}
	}
	return setToSorted(set)
}

// NormalizeRule returns the canonical form of a rule: names trimmed and
// whitespace-collapsed, lists deduplicated and sorted, one shape per child type
func NormalizeRule(r model.DecisionRule) model.DecisionRule {
	out := model.DecisionRule{
		NodeType:   normalizeName(r.NodeType),
		Section:    normalizeName(r.Section),
		MustHave:   normalizeList(r.MustHave),
		Optional:   normalizeList(r.Optional),
		References: normalizeList(r.References),
	}

	// Repeated shapes of one child type merge like observed instances:
	// required attributes intersect, references union.
	byType := make(map[string]model.ChildShape)
	for _, c := range r.Children {
		shape := model.ChildShape{
			NodeType:   normalizeName(c.NodeType),
			MustHave:   normalizeList(c.MustHave),
			References: normalizeList(c.References),
		}
		if existing, ok := byType[shape.NodeType]; ok {
			shape.MustHave = intersect([][]string{existing.MustHave, shape.MustHave})
			shape.References = union([][]string{existing.References, shape.References})
		}
		byType[shape.NodeType] = shape
	}
	for _, c := range byType {
		out.Children = append(out.Children, c)
	}
	sort.Slice(out.Children, func(i, j int) bool {
		return out.Children[i].NodeType < out.Children[j].NodeType
	})

	if len(r.ExpectedRelationships) > 0 {
		out.ExpectedRelationships = make(map[string]model.ExpectedRelationship, len(r.ExpectedRelationships))
		for target, e := range r.ExpectedRelationships {
			out.ExpectedRelationships[normalizeName(target)] = e
		}
	}
	return out
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeList(values []string) []string {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if n := normalizeName(v); n != "" {
			set[n] = true
		}
	}
	return setToSorted(set)
}

func intersect(sets [][]string) []string {
	if len(sets) == 0 {
		return []string{}
	}
	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]bool, len(set))
		for _, v := range set {
			if !seen[v] {
				seen[v] = true
				counts[v]++
			}
		}
	}
	out := make(map[string]bool)
	for v, n := range counts {
		if n == len(sets) {
			out[v] = true
		}
	}
	return setToSorted(out)
}

func union(sets [][]string) []string {
	out := make(map[string]bool)
	for _, set := range sets {
		for _, v := range set {
			out[v] = true
		}
	}
	return setToSorted(out)
}

func difference(a, b []string) []string {
	drop := make(map[string]bool, len(b))
	for _, v := range b {
		drop[v] = true
	}
	out := make(map[string]bool)
	for _, v := range a {
		if !drop[v] {
			out[v] = true
		}
	}
	return setToSorted(out)
}

// setToSorted never returns nil so empty lists serialize as []
func setToSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
