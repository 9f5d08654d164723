package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/patternlens/internal/model"
)

var (
	// ErrInvalidResponse is returned when the oracle response fails schema
	// validation even after the corrective retry
	ErrInvalidResponse = errors.New("oracle: invalid response")

	// ErrTransient marks timeouts, rate limits and server-side failures that are retried
	ErrTransient = errors.New("oracle: transient failure")
)

// Oracle converts bounded document fragments into structured facts.
// Implementations are untrusted and may be non-deterministic.
type Oracle interface {
	// Name returns the oracle name
	Name() string

	// Extract turns one fragment into structured facts
	Extract(ctx context.Context, req ExtractRequest) (*Facts, error)

	// ProposeReferences proposes reference fields linking a source section to a target section
	ProposeReferences(ctx context.Context, req ReferenceRequest) ([]ReferenceCandidate, error)
}

// SchemaHint tells the oracle what kind of node a fragment is expected to contain
type SchemaHint struct {
	Version     string `json:"version"`
	MessageRoot string `json:"message_root"`
	Section     string `json:"section"`
	NodeType    string `json:"node_type,omitempty"`
}

// ExtractRequest is one bounded fragment plus its schema hint
type ExtractRequest struct {
	Fragment string
	Hint     SchemaHint
}

// Facts is the structured fact object returned by the oracle
type Facts struct {
	NodeType   string            `json:"node_type"`
	Attributes map[string]string `json:"attributes"`
	Children   []model.ChildFact `json:"children"`
	References map[string]string `json:"references"`
	Derived    map[string]string `json:"derived,omitempty"`
}

// Validate checks the required fields of an oracle response
func (f *Facts) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: empty facts", ErrInvalidResponse)
	}
	if strings.TrimSpace(f.NodeType) == "" {
		return fmt.Errorf("%w: missing node_type", ErrInvalidResponse)
	}
	if f.Attributes == nil {
		return fmt.Errorf("%w: missing attributes object", ErrInvalidResponse)
	}
	for i, c := range f.Children {
		if strings.TrimSpace(c.NodeType) == "" {
			return fmt.Errorf("%w: child %d missing node_type", ErrInvalidResponse, i)
		}
	}
	return nil
}

// Payload converts the facts into a NodeFact payload
func (f *Facts) Payload() model.Payload {
	return model.Payload{
		Attributes: copyMap(f.Attributes),
		Children:   append([]model.ChildFact(nil), f.Children...),
		References: copyMap(f.References),
		Derived:    copyMap(f.Derived),
	}
}

// ReferenceRequest asks for reference fields between one source and one target sample
type ReferenceRequest struct {
	Version        string
	MessageRoot    string
	SourceSection  string
	SourceNodeType string
	SourceSample   model.Payload
	TargetSection  string
	TargetNodeType string
	TargetSample   model.Payload
	ExpectedNames  []string // Configured expected semantic reference names for the source section
}

// ReferenceCandidate is one proposed reference field
type ReferenceCandidate struct {
	SemanticType string  `json:"semantic_type"`
	FieldName    string  `json:"field_name"`
	TargetField  string  `json:"target_field,omitempty"` // Key field on the target; empty means an id-like field
	Confidence   float64 `json:"confidence"`
	Expected     bool    `json:"expected"`
}

// Validate checks the required fields of a candidate
func (c ReferenceCandidate) Validate() error {
	if strings.TrimSpace(c.FieldName) == "" {
		return fmt.Errorf("%w: candidate missing field_name", ErrInvalidResponse)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("%w: candidate %s confidence %.2f out of range", ErrInvalidResponse, c.FieldName, c.Confidence)
	}
	return nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
