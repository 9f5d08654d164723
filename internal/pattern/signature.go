package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ppiankov/patternlens/internal/model"
)

// canonicalRule is the hashed form of a rule. Field order is fixed by the
// struct. Expected-relationship statistics are not part of a pattern's identity.
type canonicalRule struct {
	Version     string             `json:"version"`
	MessageRoot string             `json:"message_root"`
	NodeType    string             `json:"node_type"`
	Section     string             `json:"section"`
	MustHave    []string           `json:"must_have"`
	Optional    []string           `json:"optional"`
	Children    []model.ChildShape `json:"children"`
	References  []string           `json:"references"`
}

// Signature is the SHA-256 hex digest of the normalized rule plus version and message root
func Signature(rule model.DecisionRule, version, messageRoot string) string {
	r := NormalizeRule(rule)
	children := r.Children
	if children == nil {
		children = []model.ChildShape{}
	}

	data, err := json.Marshal(canonicalRule{
		Version:     normalizeName(version),
		MessageRoot: normalizeName(messageRoot),
		NodeType:    r.NodeType,
		Section:     r.Section,
		MustHave:    r.MustHave,
		Optional:    r.Optional,
		Children:    children,
		References:  r.References,
	})
	if err != nil {
		// Only strings and slices of strings are marshaled
		panic("pattern: marshal canonical rule: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
