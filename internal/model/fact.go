package model

import "time"

// NodeFact is one extracted occurrence of a node type in one run
type NodeFact struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Version     string    `json:"version"`      // Detected schema version (e.g., "17.2")
	MessageRoot string    `json:"message_root"` // Root element local name without legacy prefix (e.g., "OrderViewRS")
	Section     string    `json:"section"`      // Normalized section path (e.g., "DataLists/PaxList/Pax")
	NodeType    string    `json:"node_type"`
	Ordinal     int       `json:"ordinal"` // 1-based, document order within the section
	Payload     Payload   `json:"payload"`
	Masked      bool      `json:"masked"` // Whether sensitive values were replaced
	CreatedAt   time.Time `json:"created_at"`
}

// Payload is the structured content the oracle produced for one fragment
type Payload struct {
	Attributes map[string]string `json:"attributes"`
	Children   []ChildFact       `json:"children,omitempty"`
	References map[string]string `json:"references,omitempty"` // Reference field name -> raw value
	Derived    map[string]string `json:"derived,omitempty"`    // Oracle-derived fields
	Snippet    string            `json:"snippet,omitempty"`    // Size-capped raw fragment
	Truncated  bool              `json:"truncated,omitempty"`  // Fragment exceeded the capture cap
}

// ChildFact is a direct structural child of a node
type ChildFact struct {
	NodeType   string            `json:"node_type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	References map[string]string `json:"references,omitempty"`
}

// AttributeKeys returns the attribute names of the payload
func (p Payload) AttributeKeys() []string {
	return SortedKeys(p.Attributes)
}

// FactKey identifies a NodeFact inside its run
type FactKey struct {
	Section string
	Ordinal int
}

// Key returns the run-local identity of the fact
func (f NodeFact) Key() FactKey {
	return FactKey{Section: f.Section, Ordinal: f.Ordinal}
}

// GroupBySection groups facts by section, preserving input order inside each group
func GroupBySection(facts []NodeFact) map[string][]NodeFact {
	groups := make(map[string][]NodeFact)
	for _, f := range facts {
		groups[f.Section] = append(groups[f.Section], f)
	}
	return groups
}
