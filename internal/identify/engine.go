package identify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ppiankov/patternlens/internal/logging"
	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/pattern"
	"go.uber.org/zap"
)

// Engine matches the NodeFacts of a run against the pattern library
type Engine struct {
	library pattern.Library
	scorer  *Scorer
	config  model.IdentifyConfig
	logger  *zap.Logger
}

// NewEngine creates an identify engine over library
func NewEngine(library pattern.Library, config model.IdentifyConfig, logger *zap.Logger) *Engine {
	return &Engine{
		library: library,
		scorer:  NewScorer(config),
		config:  config,
		logger:  logging.OrNop(logger),
	}
}

// Result is the outcome of one identify run
type Result struct {
	Matches  []model.PatternMatch
	Gap      model.GapReport
	Warnings []model.Warning
}

type libraryKey struct {
	version string
	message string
}

// Identify scores every fact against its in-scope candidates. Each fact yields
// exactly one PatternMatch. Exact and high matches reinforce the pattern when
// it belongs to the run's own tenant; shared patterns are read-only here.
func (e *Engine) Identify(ctx context.Context, runID, tenant string, facts []model.NodeFact, rels []model.NodeRelationship) (*Result, error) {
	result := &Result{Matches: make([]model.PatternMatch, 0, len(facts))}
	bySource := model.RelationshipsBySource(rels)

	libraries := make(map[libraryKey][]model.Pattern)
	inScope := make(map[string]model.Pattern)
	matched := make(map[string]bool)

	for _, f := range facts {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		key := libraryKey{version: f.Version, message: f.MessageRoot}
		candidates, ok := libraries[key]
		if !ok {
			var err error
			candidates, err = e.library.Candidates(ctx, e.query(tenant, f))
			if err != nil {
				return result, fmt.Errorf("load candidates for %s %s: %w", f.MessageRoot, f.Version, err)
			}
			libraries[key] = candidates
			for _, p := range candidates {
				inScope[p.ID] = p
			}
			if len(candidates) == 0 {
				result.Warnings = append(result.Warnings, model.Warning{
					Code:    model.WarnEmptyCatalog,
					Message: fmt.Sprintf("no patterns in scope for %s version %s", f.MessageRoot, f.Version),
				})
				e.logger.Warn("Empty pattern library",
					zap.String("run_id", runID),
					zap.String("message_root", f.MessageRoot),
					zap.String("version", f.Version))
			}
		}

		match := e.match(runID, f, bySource[f.Key()], candidates)
		if match.Verdict.IsMatch() {
			matched[match.PatternID] = true
		}
		if match.Verdict.IsHighConfidence() && inScope[match.PatternID].TenantScope == tenant {
			if err := e.library.IncrementTimesSeen(ctx, match.PatternID); err != nil {
				return result, fmt.Errorf("increment times seen of %s: %w", match.PatternID, err)
			}
		}
		result.Matches = append(result.Matches, match)
	}

	result.Gap = Gap(facts, result.Matches, inScope, matched)
	return result, nil
}

func (e *Engine) query(tenant string, f model.NodeFact) model.PatternQuery {
	scopes := []string{tenant}
	if tenant != "" && e.config.IncludeShared {
		scopes = append(scopes, "")
	}
	return model.PatternQuery{
		MessageRoot:  f.MessageRoot,
		Version:      f.Version,
		CrossVersion: e.config.CrossVersion,
		Scopes:       scopes,
	}
}

// match picks the best candidate; ties go to the more frequently seen
// pattern, then to the lower id
func (e *Engine) match(runID string, f model.NodeFact, rels []model.NodeRelationship, candidates []model.Pattern) model.PatternMatch {
	m := model.PatternMatch{
		ID:         uuid.NewString(),
		RunID:      runID,
		NodeFactID: f.ID,
		Section:    f.Section,
		Ordinal:    f.Ordinal,
		CreatedAt:  time.Now().UTC(),
	}
	if len(candidates) == 0 {
		m.Verdict = model.VerdictNewPattern
		return m
	}

	var best *model.Pattern
	var bestScore Score
	for i := range candidates {
		p := &candidates[i]
		score := e.scorer.Calculate(f, rels, *p)
		if best == nil || better(score.Confidence, p, bestScore.Confidence, best) {
			best, bestScore = p, score
		}
	}

	m.PatternID = best.ID
	m.Confidence = bestScore.Confidence
	m.Penalty = bestScore.Penalty
	m.Factors = bestScore.Factors
	m.Verdict = e.scorer.Verdict(bestScore.Confidence)
	return m
}

func better(conf float64, p *model.Pattern, bestConf float64, best *model.Pattern) bool {
	if conf != bestConf {
		return conf > bestConf
	}
	if p.TimesSeen != best.TimesSeen {
		return p.TimesSeen > best.TimesSeen
	}
	return p.ID < best.ID
}

// Gap summarizes what a run did not match: in-scope patterns that were never
// matched and facts with no candidate at all
func Gap(facts []model.NodeFact, matches []model.PatternMatch, inScope map[string]model.Pattern, matched map[string]bool) model.GapReport {
	gap := model.GapReport{
		Total:           len(matches),
		MissingPatterns: []model.Pattern{},
		NewStructures:   []model.NodeFact{},
	}

	factsByID := make(map[string]model.NodeFact, len(facts))
	for _, f := range facts {
		factsByID[f.ID] = f
	}
	for _, m := range matches {
		if m.Verdict.IsMatch() {
			gap.Matched++
		}
		if m.Verdict == model.VerdictNewPattern {
			gap.NewStructures = append(gap.NewStructures, factsByID[m.NodeFactID])
		}
	}
	if gap.Total > 0 {
		gap.MatchRate = float64(gap.Matched) / float64(gap.Total)
	}

	for id, p := range inScope {
		if !matched[id] {
			gap.MissingPatterns = append(gap.MissingPatterns, p)
		}
	}
	sort.Slice(gap.MissingPatterns, func(i, j int) bool {
		return gap.MissingPatterns[i].ID < gap.MissingPatterns[j].ID
	})
	return gap
}
