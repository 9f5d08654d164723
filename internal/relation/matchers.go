package relation

import (
	"sort"
	"strings"

	"github.com/ppiankov/patternlens/internal/model"
)

// Matcher resolves a field name against a payload. Each strategy returns
// the value it found, or false when it has no opinion.
type Matcher interface {
	Name() string
	Match(p model.Payload, field string) (string, bool)
}

// Chain tries matchers in priority order
type Chain []Matcher

// DefaultChain is exact -> normalized -> id/ref substring -> nested map lookup
func DefaultChain() Chain {
	return Chain{ExactMatcher{}, NormalizedMatcher{}, SubstringMatcher{}, NestedMatcher{}}
}

// Resolve returns the value of field and the name of the matcher that found it
func (c Chain) Resolve(p model.Payload, field string) (string, string, bool) {
	for _, m := range c {
		if v, ok := m.Match(p, field); ok {
			return v, m.Name(), true
		}
	}
	return "", "", false
}

// topLevel returns the attribute map and the reference map, in lookup order
func topLevel(p model.Payload) []map[string]string {
	return []map[string]string{p.Attributes, p.References}
}

// ExactMatcher looks the field up by its exact name
type ExactMatcher struct{}

func (ExactMatcher) Name() string { return "exact" }

func (ExactMatcher) Match(p model.Payload, field string) (string, bool) {
	for _, m := range topLevel(p) {
		if v, ok := m[field]; ok {
			return v, true
		}
	}
	return "", false
}

// NormalizedMatcher ignores case and the separators _ - . and space
type NormalizedMatcher struct{}

func (NormalizedMatcher) Name() string { return "normalized" }

func (NormalizedMatcher) Match(p model.Payload, field string) (string, bool) {
	want := Normalize(field)
	for _, m := range topLevel(p) {
		for _, k := range model.SortedKeys(m) {
			if Normalize(k) == want {
				return m[k], true
			}
		}
	}
	return "", false
}

// SubstringMatcher matches payload keys whose normalized name contains the
// requested name. Only keys that look like identifiers or references (contain
// "id" or "ref") are considered; the shortest such key wins, then the
// alphabetically first. A key never matches a longer field name, so a bare
// "id" cannot stand in for "PaxRefID".
type SubstringMatcher struct{}

func (SubstringMatcher) Name() string { return "substring" }

func (SubstringMatcher) Match(p model.Payload, field string) (string, bool) {
	want := Normalize(field)
	if want == "" {
		return "", false
	}

	type hit struct {
		key   string
		value string
	}
	var hits []hit
	for _, m := range topLevel(p) {
		for k, v := range m {
			nk := Normalize(k)
			if !strings.Contains(nk, "id") && !strings.Contains(nk, "ref") {
				continue
			}
			if strings.Contains(nk, want) {
				hits = append(hits, hit{key: k, value: v})
			}
		}
	}
	if len(hits) == 0 {
		return "", false
	}
	sort.Slice(hits, func(i, j int) bool {
		if len(hits[i].key) != len(hits[j].key) {
			return len(hits[i].key) < len(hits[j].key)
		}
		return hits[i].key < hits[j].key
	})
	return hits[0].value, true
}

// NestedMatcher looks into the derived map and then the reference maps of
// child nodes, by exact and then normalized name
type NestedMatcher struct{}

func (NestedMatcher) Name() string { return "nested" }

func (NestedMatcher) Match(p model.Payload, field string) (string, bool) {
	maps := []map[string]string{p.Derived}
	for _, c := range p.Children {
		maps = append(maps, c.References)
	}

	for _, m := range maps {
		if v, ok := m[field]; ok {
			return v, true
		}
	}
	want := Normalize(field)
	for _, m := range maps {
		for _, k := range model.SortedKeys(m) {
			if Normalize(k) == want {
				return m[k], true
			}
		}
	}
	return "", false
}

// Normalize lowercases a name and drops the separators _ - . and space
func Normalize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.', ' ':
			return -1
		}
		return r
	}, strings.ToLower(name))
}
