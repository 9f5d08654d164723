package oracle

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ppiankov/patternlens/internal/model"
)

// refSuffixes are checked longest first
var refSuffixes = []string{"idrefs", "refids", "idref", "refid", "refs", "ref"}

// StructuralOracle derives facts directly from the fragment markup.
// It is deterministic and needs no network, so it is the default oracle.
type StructuralOracle struct{}

// NewStructuralOracle creates the markup-driven oracle
func NewStructuralOracle() *StructuralOracle {
	return &StructuralOracle{}
}

// Name returns the oracle name
func (o *StructuralOracle) Name() string {
	return "structural"
}

type xmlNode struct {
	name     string
	attrs    []xml.Attr
	children []*xmlNode
	text     strings.Builder
}

func (n *xmlNode) leaf() bool {
	return len(n.children) == 0
}

// Extract maps root attributes and leaf children to attributes, reference-named
// fields to references, and non-leaf children to child facts
func (o *StructuralOracle) Extract(ctx context.Context, req ExtractRequest) (*Facts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := parseFragment(req.Fragment)
	if err != nil {
		return nil, err
	}

	facts := &Facts{
		NodeType:   req.Hint.NodeType,
		Attributes: make(map[string]string),
	}
	if facts.NodeType == "" {
		facts.NodeType = root.name
	}

	fields(root, facts.Attributes, &facts.References)

	for _, child := range root.children {
		if child.leaf() {
			continue
		}
		cf := model.ChildFact{
			NodeType:   child.name,
			Attributes: make(map[string]string),
		}
		fields(child, cf.Attributes, &cf.References)
		facts.Children = append(facts.Children, cf)
	}

	if err := facts.Validate(); err != nil {
		return nil, err
	}
	return facts, nil
}

// fields collects XML attributes and leaf children of n. Repeated reference
// leaves are joined with a space, matching the IDREFS list form.
func fields(n *xmlNode, attrs map[string]string, refs *map[string]string) {
	put := func(name, value string, repeat bool) {
		if IsReferenceName(name) {
			if *refs == nil {
				*refs = make(map[string]string)
			}
			if prev, ok := (*refs)[name]; ok && repeat {
				(*refs)[name] = prev + " " + value
				return
			}
			(*refs)[name] = value
			return
		}
		if _, ok := attrs[name]; !ok {
			attrs[name] = value
		}
	}

	for _, a := range n.attrs {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		put(a.Name.Local, a.Value, false)
	}
	for _, c := range n.children {
		if c.leaf() {
			put(c.name, strings.TrimSpace(c.text.String()), true)
		}
	}
}

func parseFragment(fragment string) (*xmlNode, error) {
	dec := xml.NewDecoder(strings.NewReader(fragment))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity

	var stack []*xmlNode
	var root *xmlNode
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse fragment: %v", ErrInvalidResponse, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local, attrs: t.Attr}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: fragment has more than one root element", ErrInvalidResponse)
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("%w: fragment has no element", ErrInvalidResponse)
	}
	return root, nil
}

// ProposeReferences pairs reference fields of the source with the target by
// name: the field name minus its reference suffix is compared with the target
// node type and the last segment of the target section.
func (o *StructuralOracle) ProposeReferences(ctx context.Context, req ReferenceRequest) ([]ReferenceCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	targetNames := []string{normalizeName(req.TargetNodeType), normalizeName(lastSegment(req.TargetSection))}
	expected := make(map[string]bool, len(req.ExpectedNames))
	for _, name := range req.ExpectedNames {
		expected[normalizeName(name)] = true
	}

	var out []ReferenceCandidate
	for _, field := range model.SortedKeys(req.SourceSample.References) {
		semantic := SemanticName(field)
		norm := normalizeName(semantic)
		if norm == "" {
			continue
		}

		confidence := 0.0
		for _, target := range targetNames {
			if target == "" {
				continue
			}
			switch {
			case norm == target:
				confidence = 0.9
			case confidence < 0.7 && (strings.Contains(target, norm) || strings.Contains(norm, target)):
				confidence = 0.7
			}
		}
		if confidence == 0 {
			continue
		}

		out = append(out, ReferenceCandidate{
			SemanticType: semantic,
			FieldName:    field,
			TargetField:  targetKeyField(req.TargetSample, req.TargetNodeType, semantic),
			Confidence:   confidence,
			Expected:     expected[norm] || expected[normalizeName(field)],
		})
	}
	return out, nil
}

// targetKeyField finds an attribute of the target named <type>ID
func targetKeyField(sample model.Payload, nodeType, semantic string) string {
	wanted := map[string]bool{
		normalizeName(nodeType + "ID"): true,
		normalizeName(semantic + "ID"): true,
	}
	for _, k := range model.SortedKeys(sample.Attributes) {
		if wanted[normalizeName(k)] {
			return k
		}
	}
	return ""
}

// IsReferenceName reports whether a field name looks like a reference (PaxRefID, SegmentRefs, ...)
func IsReferenceName(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range refSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// SemanticName strips the reference suffix: PaxRefID -> Pax
func SemanticName(field string) string {
	lower := strings.ToLower(field)
	for _, s := range refSuffixes {
		if strings.HasSuffix(lower, s) {
			return strings.TrimRight(field[:len(field)-len(s)], "_-.")
		}
	}
	return field
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.', ' ':
			return -1
		}
		return r
	}, s)
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
