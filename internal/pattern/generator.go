package pattern

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/ppiankov/patternlens/internal/logging"
	"github.com/ppiankov/patternlens/internal/model"
	"go.uber.org/zap"
)

// Generator synthesizes patterns from the facts of a completed run
type Generator struct {
	catalog Catalog
	logger  *zap.Logger
}

// NewGenerator creates a generator writing to catalog
func NewGenerator(catalog Catalog, logger *zap.Logger) *Generator {
	return &Generator{catalog: catalog, logger: logging.OrNop(logger)}
}

// GroupKey identifies one pattern group
type GroupKey struct {
	Version     string
	MessageRoot string
	Section     string
	NodeType    string
}

// Group partitions facts by (version, message, section, node type) and
// returns the keys in sorted order
func Group(facts []model.NodeFact) ([]GroupKey, map[GroupKey][]model.NodeFact) {
	groups := make(map[GroupKey][]model.NodeFact)
	for _, f := range facts {
		key := GroupKey{Version: f.Version, MessageRoot: f.MessageRoot, Section: f.Section, NodeType: f.NodeType}
		groups[key] = append(groups[key], f)
	}

	keys := make([]GroupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		if a.MessageRoot != b.MessageRoot {
			return a.MessageRoot < b.MessageRoot
		}
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		return a.NodeType < b.NodeType
	})
	return keys, groups
}

// Build synthesizes the candidate pattern of one group without touching the catalog
func Build(key GroupKey, facts []model.NodeFact, rels map[model.FactKey][]model.NodeRelationship, scope string) model.Pattern {
	rule := Synthesize(facts, rels)

	var examples []string
	for _, f := range facts {
		if len(examples) == MaxExamples {
			break
		}
		if f.Payload.Snippet != "" {
			examples = mergeExamples(examples, []string{f.Payload.Snippet})
		}
	}

	return model.Pattern{
		ID:            uuid.NewString(),
		TenantScope:   scope,
		Version:       key.Version,
		MessageRoot:   key.MessageRoot,
		Section:       key.Section,
		NodeType:      key.NodeType,
		Rule:          rule,
		SignatureHash: Signature(rule, key.Version, key.MessageRoot),
		TimesSeen:     1,
		Examples:      examples,
	}
}

// Generate upserts one pattern per group. Re-running it for the same run
// leaves the catalog unchanged.
func (g *Generator) Generate(ctx context.Context, runID, scope string, facts []model.NodeFact, rels []model.NodeRelationship) ([]model.PatternDelta, error) {
	bySource := model.RelationshipsBySource(rels)
	keys, groups := Group(facts)

	deltas := make([]model.PatternDelta, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return deltas, err
		}

		candidate := Build(key, groups[key], bySource, scope)
		delta, err := g.catalog.UpsertPattern(ctx, candidate, runID)
		if err != nil {
			return deltas, fmt.Errorf("upsert pattern %s/%s: %w", key.Section, key.NodeType, err)
		}
		deltas = append(deltas, delta)

		g.logger.Debug("Pattern upserted",
			zap.String("run_id", runID),
			zap.String("section", key.Section),
			zap.String("node_type", key.NodeType),
			zap.String("action", string(delta.Action)),
			zap.String("signature", delta.Pattern.SignatureHash))
	}
	return deltas, nil
}

// CountDeltas fills the pattern counters of run statistics
func CountDeltas(deltas []model.PatternDelta, stats *model.RunStats) {
	for _, d := range deltas {
		switch d.Action {
		case model.DeltaCreated:
			stats.PatternsCreated++
		case model.DeltaUpdated:
			stats.PatternsUpdated++
		case model.DeltaUnchanged:
			stats.PatternsUnchanged++
		}
	}
}
