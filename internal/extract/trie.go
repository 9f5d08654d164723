package extract

import (
	"strings"

	"github.com/ppiankov/patternlens/internal/model"
)

const (
	wildcardOne = "*"
	wildcardAny = "**"
)

// Target is a configured subtree to extract, resolved to its canonical section
type Target struct {
	Section  string
	NodeType string
	Critical bool
}

type trieNode struct {
	children map[string]*trieNode
	target   *Target
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// PathTrie matches element paths below the message root against configured
// targets. "*" matches exactly one segment, "**" zero or more.
type PathTrie struct {
	root     *trieNode
	prefixes []string
	size     int
}

// NewPathTrie builds a trie from target configs. Every alias resolves to the
// target's canonical section.
func NewPathTrie(targets []model.TargetConfig, legacyPrefixes []string) *PathTrie {
	t := &PathTrie{root: newTrieNode(), prefixes: legacyPrefixes}
	for _, tc := range targets {
		target := &Target{
			Section:  t.canonicalSection(tc.Path),
			NodeType: tc.NodeType,
			Critical: tc.Critical,
		}
		t.insert(tc.Path, target)
		for _, alias := range tc.Aliases {
			t.insert(alias, target)
		}
	}
	return t
}

// Len returns the number of inserted paths, aliases included
func (t *PathTrie) Len() int {
	return t.size
}

func (t *PathTrie) insert(path string, target *Target) {
	segments := t.split(path)
	if len(segments) == 0 {
		return
	}
	n := t.root
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			child = newTrieNode()
			n.children[seg] = child
		}
		n = child
	}
	n.target = target
	t.size++
}

// Match returns the target for a normalized element path, if any
func (t *PathTrie) Match(segments []string) (*Target, bool) {
	target := match(t.root, segments)
	return target, target != nil
}

func match(n *trieNode, segments []string) *Target {
	if len(segments) == 0 {
		if n.target != nil {
			return n.target
		}
		if rest, ok := n.children[wildcardAny]; ok {
			return match(rest, nil)
		}
		return nil
	}

	if child, ok := n.children[segments[0]]; ok {
		if target := match(child, segments[1:]); target != nil {
			return target
		}
	}
	if child, ok := n.children[wildcardOne]; ok {
		if target := match(child, segments[1:]); target != nil {
			return target
		}
	}
	if child, ok := n.children[wildcardAny]; ok {
		for i := 0; i <= len(segments); i++ {
			if target := match(child, segments[i:]); target != nil {
				return target
			}
		}
	}
	return nil
}

func (t *PathTrie) split(path string) []string {
	var out []string
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if seg == wildcardOne || seg == wildcardAny {
			out = append(out, seg)
			continue
		}
		out = append(out, NormalizeSegment(seg, t.prefixes))
	}
	return out
}

// canonicalSection drops wildcard segments from the front of a path
func (t *PathTrie) canonicalSection(path string) string {
	segments := t.split(path)
	for len(segments) > 0 && (segments[0] == wildcardAny || segments[0] == wildcardOne) {
		segments = segments[1:]
	}
	return strings.Join(segments, "/")
}

// NormalizeSegment drops a namespace prefix and a legacy version prefix from an element name
func NormalizeSegment(name string, legacyPrefixes []string) string {
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	for _, p := range legacyPrefixes {
		if p != "" && strings.HasPrefix(name, p) && len(name) > len(p) {
			return name[len(p):]
		}
	}
	return name
}
