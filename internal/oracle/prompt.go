package oracle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const extractSystem = `You convert one fragment of a versioned XML business message into structured facts.
Respond with a single JSON object and nothing else.`

const extractSchema = `{
  "node_type": "<element kind, e.g. Passenger>",
  "attributes": {"<name>": "<value>"},
  "children": [{"node_type": "<child kind>", "attributes": {"<name>": "<value>"}, "references": {"<field>": "<value>"}}],
  "references": {"<field pointing at another node>": "<referenced id(s)>"},
  "derived": {"<optional derived field>": "<value>"}
}`

const referenceSystem = `You identify fields in one node type that reference another node type of the same XML business message.
Respond with a single JSON object and nothing else.`

const referenceSchema = `{
  "references": [
    {"semantic_type": "<what is referenced, e.g. passenger>", "field_name": "<field on the source>", "target_field": "<key field on the target>", "confidence": 0.0, "expected": false}
  ]
}`

// BuildExtractPrompt constructs the prompt for fragment extraction
func BuildExtractPrompt(req ExtractRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message: %s (version %s)\n", req.Hint.MessageRoot, req.Hint.Version)
	fmt.Fprintf(&b, "Section: %s\n", req.Hint.Section)
	if req.Hint.NodeType != "" {
		fmt.Fprintf(&b, "Expected node type: %s\n", req.Hint.NodeType)
	}
	b.WriteString(`
RULES:
1. "attributes" holds XML attributes and leaf child values of the fragment root.
2. "children" holds one entry per non-leaf child element, in document order.
3. "references" holds fields whose values point at other nodes (names usually end in RefID or Ref).
4. Never invent fields that are not in the fragment.

Respond with JSON of this shape:
`)
	b.WriteString(extractSchema)
	b.WriteString("\n\nFragment:\n")
	b.WriteString(req.Fragment)
	return b.String()
}

// BuildReferencePrompt constructs the prompt for reference discovery between two samples
func BuildReferencePrompt(req ReferenceRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message: %s (version %s)\n\n", req.MessageRoot, req.Version)
	fmt.Fprintf(&b, "Source section %s (node type %s):\n%s\n\n", req.SourceSection, req.SourceNodeType, samplePayloadJSON(req.SourceSample))
	fmt.Fprintf(&b, "Target section %s (node type %s):\n%s\n\n", req.TargetSection, req.TargetNodeType, samplePayloadJSON(req.TargetSample))
	if len(req.ExpectedNames) > 0 {
		names := append([]string(nil), req.ExpectedNames...)
		sort.Strings(names)
		fmt.Fprintf(&b, "References configured as expected for the source: %s\n\n", strings.Join(names, ", "))
	}
	b.WriteString(`List every source field whose value identifies a target node. Set "expected" to true when the
schema normally requires that reference. Use confidence between 0 and 1. Return an empty list when none exist.

Respond with JSON of this shape:
`)
	b.WriteString(referenceSchema)
	return b.String()
}

// BuildCorrection is the follow-up instruction sent after a schema-invalid response
func BuildCorrection(cause error) string {
	return fmt.Sprintf("Your previous response was rejected: %v. Respond again with only a JSON object that matches the requested shape exactly.", cause)
}

func samplePayloadJSON(p interface{}) string {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// extractJSONObject trims markdown fences and surrounding prose from a model response
func extractJSONObject(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
