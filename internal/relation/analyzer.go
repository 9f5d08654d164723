package relation

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/ppiankov/patternlens/internal/logging"
	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/oracle"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// defaultTargetField is used when a candidate does not name the target key field
const defaultTargetField = "id"

// Report is the outcome of relationship analysis for one run
type Report struct {
	Relationships    []model.NodeRelationship
	PairsAnalyzed    int
	PairFailures     int
	ExpectedValid    int
	ExpectedBroken   int
	UnexpectedValid  int
	UnexpectedBroken int
}

// Apply copies the report counters into run statistics
func (r *Report) Apply(stats *model.RunStats) {
	stats.PairsAnalyzed = r.PairsAnalyzed
	stats.PairFailures = r.PairFailures
	stats.Relationships = len(r.Relationships)
	stats.ExpectedValid = r.ExpectedValid
	stats.ExpectedBroken = r.ExpectedBroken
	stats.UnexpectedValid = r.UnexpectedValid
	stats.UnexpectedBroken = r.UnexpectedBroken
}

func (r *Report) count(rel model.NodeRelationship) {
	switch rel.Class() {
	case model.ClassExpectedValid:
		r.ExpectedValid++
	case model.ClassExpectedBroken:
		r.ExpectedBroken++
	case model.ClassUnexpectedValid:
		r.UnexpectedValid++
	case model.ClassUnexpectedBroken:
		r.UnexpectedBroken++
	}
}

// Analyzer discovers cross-references between the sections of one run
type Analyzer struct {
	oracle       oracle.Oracle
	expectations *Expectations
	chain        Chain
	workers      int
	logger       *zap.Logger
}

// NewAnalyzer creates an analyzer. expectations may be nil.
func NewAnalyzer(o oracle.Oracle, expectations *Expectations, workers int, logger *zap.Logger) *Analyzer {
	if workers <= 0 {
		workers = 1
	}
	return &Analyzer{
		oracle:       o,
		expectations: expectations,
		chain:        DefaultChain(),
		workers:      workers,
		logger:       logging.OrNop(logger),
	}
}

type sectionPair struct {
	source string
	target string
}

// Analyze proposes references for every ordered pair of distinct sections and
// validates each proposal across every source instance. Oracle failures for a
// pair are counted and skipped.
func (a *Analyzer) Analyze(ctx context.Context, runID string, facts []model.NodeFact) (*Report, error) {
	report := &Report{}
	if len(facts) == 0 {
		return report, nil
	}

	groups := model.GroupBySection(facts)
	sections := make([]string, 0, len(groups))
	for s := range groups {
		sections = append(sections, s)
	}
	sort.Strings(sections)

	var pairs []sectionPair
	for _, s := range sections {
		for _, t := range sections {
			if s != t {
				pairs = append(pairs, sectionPair{source: s, target: t})
			}
		}
	}

	version, message := facts[0].Version, facts[0].MessageRoot
	proposals := make([][]oracle.ReferenceCandidate, len(pairs))
	var failures atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			source, target := groups[pair.source][0], groups[pair.target][0]
			candidates, err := a.oracle.ProposeReferences(gctx, oracle.ReferenceRequest{
				Version:        version,
				MessageRoot:    message,
				SourceSection:  pair.source,
				SourceNodeType: source.NodeType,
				SourceSample:   source.Payload,
				TargetSection:  pair.target,
				TargetNodeType: target.NodeType,
				TargetSample:   target.Payload,
				ExpectedNames:  a.expectations.For(version, message, pair.source),
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures.Add(1)
				a.logger.Warn("Reference proposal failed",
					zap.String("source", pair.source),
					zap.String("target", pair.target),
					zap.Error(err))
				return nil
			}
			proposals[i] = candidates
			return nil
		})
	}
	err := g.Wait()

	report.PairsAnalyzed = len(pairs)
	report.PairFailures = int(failures.Load())

	for i, pair := range pairs {
		targetKeys := make(map[string][]string)
		for _, cand := range proposals[i] {
			if cand.Validate() != nil {
				continue
			}
			field := cand.TargetField
			if field == "" {
				field = defaultTargetField
			}
			if _, ok := targetKeys[field]; !ok {
				targetKeys[field] = a.targetKeyValues(groups[pair.target], field)
			}
			a.validate(report, runID, version, message, pair, cand, groups[pair.source], targetKeys[field])
		}
	}

	a.logger.Debug("Relationship analysis finished",
		zap.String("run_id", runID),
		zap.Int("pairs", report.PairsAnalyzed),
		zap.Int("pair_failures", report.PairFailures),
		zap.Int("relationships", len(report.Relationships)))

	return report, err
}

// targetKeyValues collects the key values of every target instance. References
// are excluded so a target's own outgoing references never count as its identity.
func (a *Analyzer) targetKeyValues(targets []model.NodeFact, field string) []string {
	var keys []string
	for _, t := range targets {
		identity := model.Payload{Attributes: t.Payload.Attributes, Derived: t.Payload.Derived}
		if v, _, ok := a.chain.Resolve(identity, field); ok {
			keys = append(keys, strings.Fields(v)...)
		}
	}
	return keys
}

// validate emits one relationship per source instance for a proposed reference
func (a *Analyzer) validate(report *Report, runID, version, message string, pair sectionPair, cand oracle.ReferenceCandidate, sources []model.NodeFact, targetKeys []string) {
	known := make(map[string]bool, len(targetKeys))
	for _, k := range targetKeys {
		known[k] = true
	}

	refType := cand.SemanticType
	if refType == "" {
		refType = oracle.SemanticName(cand.FieldName)
	}
	expected := cand.Expected || a.expectations.IsExpected(version, message, pair.source, refType)

	for _, src := range sources {
		value, matchedBy, _ := a.chain.Resolve(src.Payload, cand.FieldName)
		rel := model.NodeRelationship{
			ID:             uuid.NewString(),
			RunID:          runID,
			SourceSection:  pair.source,
			SourceOrdinal:  src.Ordinal,
			SourceNodeType: src.NodeType,
			TargetSection:  pair.target,
			ReferenceType:  refType,
			FieldName:      cand.FieldName,
			RawValue:       value,
			Valid:          resolves(value, known),
			Expected:       expected,
			Confidence:     cand.Confidence,
			MatchedBy:      matchedBy,
		}
		report.Relationships = append(report.Relationships, rel)
		report.count(rel)
	}
}

// resolves reports whether every whitespace-separated token names a known target
func resolves(value string, known map[string]bool) bool {
	tokens := strings.Fields(value)
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !known[tok] {
			return false
		}
	}
	return true
}
