package oracle

import (
	"github.com/ppiankov/patternlens/internal/model"
)

// MergeFacts combines several samples of the same fragment: the most frequent
// node type wins (ties go to the earliest sample), attributes are narrowed to
// keys every sample reports, child counts take the per-type maximum, and
// references and derived fields are unioned.
func MergeFacts(samples []*Facts) *Facts {
	var valid []*Facts
	for _, s := range samples {
		if s != nil {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	first := valid[0]
	merged := &Facts{
		NodeType:   mergeNodeType(valid),
		Attributes: make(map[string]string),
		Children:   mergeChildren(valid),
	}

	for k, v := range first.Attributes {
		inAll := true
		for _, s := range valid[1:] {
			if _, ok := s.Attributes[k]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			merged.Attributes[k] = v
		}
	}

	for _, s := range valid {
		merged.References = unionInto(merged.References, s.References)
		merged.Derived = unionInto(merged.Derived, s.Derived)
	}
	return merged
}

func mergeNodeType(samples []*Facts) string {
	counts := make(map[string]int)
	for _, s := range samples {
		counts[s.NodeType]++
	}
	best := samples[0].NodeType
	for _, s := range samples {
		if counts[s.NodeType] > counts[best] {
			best = s.NodeType
		}
	}
	return best
}

func mergeChildren(samples []*Facts) []model.ChildFact {
	var order []string
	seen := make(map[string]bool)
	source := make(map[string]int) // child type -> index of sample with the most children of it
	maxCount := make(map[string]int)

	for i, s := range samples {
		counts := make(map[string]int)
		for _, c := range s.Children {
			counts[c.NodeType]++
			if !seen[c.NodeType] {
				seen[c.NodeType] = true
				order = append(order, c.NodeType)
			}
		}
		for t, n := range counts {
			if n > maxCount[t] {
				maxCount[t] = n
				source[t] = i
			}
		}
	}

	var out []model.ChildFact
	for _, t := range order {
		for _, c := range samples[source[t]].Children {
			if c.NodeType == t {
				out = append(out, c)
			}
		}
	}
	return out
}

func unionInto(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}
