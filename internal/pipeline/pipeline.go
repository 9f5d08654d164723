package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/ppiankov/patternlens/internal/extract"
	"github.com/ppiankov/patternlens/internal/identify"
	"github.com/ppiankov/patternlens/internal/logging"
	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/oracle"
	"github.com/ppiankov/patternlens/internal/pattern"
	"github.com/ppiankov/patternlens/internal/relation"
	"github.com/ppiankov/patternlens/internal/store"
	"go.uber.org/zap"
)

// Pipeline orchestrates discovery and identify runs for one tenant
type Pipeline struct {
	config       *model.Config
	oracle       oracle.Oracle
	extractor    *extract.Extractor
	expectations *relation.Expectations
	stores       *store.Manager
	renderer     *Renderer
	logger       *zap.Logger
	dryRun       bool
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithOracle replaces the oracle built from the configuration
func WithOracle(o oracle.Oracle) Option {
	return func(p *Pipeline) { p.oracle = o }
}

// WithExpectations replaces the expectations built from the configuration
func WithExpectations(e *relation.Expectations) Option {
	return func(p *Pipeline) { p.expectations = e }
}

// WithDryRun makes discovery report pattern deltas against a snapshot of the
// catalog without writing patterns. Runs and facts are still recorded.
func WithDryRun(dryRun bool) Option {
	return func(p *Pipeline) { p.dryRun = dryRun }
}

// NewPipeline creates a pipeline writing to stores
func NewPipeline(cfg *model.Config, stores *store.Manager, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		config:   cfg,
		stores:   stores,
		renderer: NewRenderer(cfg.Output.IncludeFooter),
		logger:   logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.oracle == nil {
		o, err := oracle.New(oracle.ConfigFromModel(cfg.Oracle), p.logger)
		if err != nil {
			return nil, fmt.Errorf("create oracle: %w", err)
		}
		p.oracle = o
	}
	if p.expectations == nil {
		p.expectations = relation.NewExpectations(cfg.Relationships.Expected)
	}

	extractor, err := extract.New(cfg.Extraction, p.oracle, cfg.Concurrency.Workers, p.logger)
	if err != nil {
		return nil, fmt.Errorf("create extractor: %w", err)
	}
	p.extractor = extractor
	return p, nil
}

// Renderer returns the report renderer
func (p *Pipeline) Renderer() *Renderer {
	return p.renderer
}

// DiscoveryResult is the outcome of a discovery run
type DiscoveryResult struct {
	Summary       model.RunSummary         `json:"summary"`
	DryRun        bool                     `json:"dry_run,omitempty"`
	Deltas        []model.PatternDelta     `json:"pattern_deltas"`
	Relationships []model.NodeRelationship `json:"relationships,omitempty"`
}

// IdentifyResult is the outcome of an identify run
type IdentifyResult struct {
	Summary model.RunSummary     `json:"summary"`
	Matches []model.PatternMatch `json:"matches"`
	Gap     model.GapReport      `json:"gap"`
}

// analysis carries the facts and relationships of one document
type analysis struct {
	facts []model.NodeFact
	rels  []model.NodeRelationship
}

// RunDiscovery extracts a document, analyzes its relationships and upserts
// the synthesized patterns into the tenant catalog
func (p *Pipeline) RunDiscovery(ctx context.Context, doc io.Reader) (*DiscoveryResult, error) {
	st, err := p.stores.Get(p.config.TenantID)
	if err != nil {
		return nil, err
	}

	summary := p.newSummary(model.ModeDiscovery)
	result := &DiscoveryResult{Summary: summary, DryRun: p.dryRun}
	if err := st.CreateRun(ctx, summary); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	a, err := p.analyze(ctx, st, doc, &result.Summary)
	if err != nil {
		return result, p.finish(ctx, st, &result.Summary, err)
	}
	result.Relationships = a.rels

	var catalog pattern.Catalog = st
	if p.dryRun {
		snapshot, err := p.snapshot(ctx, st)
		if err != nil {
			return result, p.finish(ctx, st, &result.Summary, err)
		}
		catalog = snapshot
	}

	gen := pattern.NewGenerator(catalog, p.logger)
	deltas, err := gen.Generate(ctx, summary.RunID, p.config.TenantID, a.facts, a.rels)
	result.Deltas = deltas
	pattern.CountDeltas(deltas, &result.Summary.Stats)
	if err != nil {
		return result, p.finish(ctx, st, &result.Summary, fmt.Errorf("generate patterns: %w", err))
	}

	return result, p.finish(ctx, st, &result.Summary, nil)
}

// RunIdentify extracts a document and matches its facts against the pattern library
func (p *Pipeline) RunIdentify(ctx context.Context, doc io.Reader) (*IdentifyResult, error) {
	st, err := p.stores.Get(p.config.TenantID)
	if err != nil {
		return nil, err
	}
	lib, err := p.stores.Library(p.config.TenantID, p.config.Identify.IncludeShared)
	if err != nil {
		return nil, err
	}

	summary := p.newSummary(model.ModeIdentify)
	result := &IdentifyResult{Summary: summary}
	if err := st.CreateRun(ctx, summary); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	a, err := p.analyze(ctx, st, doc, &result.Summary)
	if err != nil {
		return result, p.finish(ctx, st, &result.Summary, err)
	}

	engine := identify.NewEngine(lib, p.config.Identify, p.logger)
	matched, err := engine.Identify(ctx, summary.RunID, p.config.TenantID, a.facts, a.rels)
	if matched != nil {
		result.Matches = matched.Matches
		result.Gap = matched.Gap
		result.Summary.Warnings = append(result.Summary.Warnings, matched.Warnings...)
		result.Summary.Stats.Matches = matched.Gap.Matched
	}
	if len(result.Matches) > 0 {
		if serr := st.InsertMatches(context.WithoutCancel(ctx), result.Matches); serr != nil && err == nil {
			err = fmt.Errorf("store matches: %w", serr)
		}
	}
	if err != nil {
		return result, p.finish(ctx, st, &result.Summary, err)
	}

	return result, p.finish(ctx, st, &result.Summary, nil)
}

// snapshot copies the tenant's patterns into an in-memory catalog
func (p *Pipeline) snapshot(ctx context.Context, st *store.Store) (*pattern.MemoryCatalog, error) {
	existing, err := st.ListPatterns(ctx, store.PatternFilter{Scopes: []string{p.config.TenantID}})
	if err != nil {
		return nil, fmt.Errorf("snapshot patterns: %w", err)
	}
	catalog := pattern.NewMemoryCatalog(existing...)
	p.logger.Info("Dry run against catalog snapshot",
		zap.String("tenant", p.config.TenantID),
		zap.Int("patterns", catalog.Len()))
	return catalog, nil
}

func (p *Pipeline) newSummary(mode model.RunMode) model.RunSummary {
	return model.RunSummary{
		RunID:     uuid.NewString(),
		TenantID:  p.config.TenantID,
		Mode:      mode,
		Status:    model.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// analyze runs extraction and relationship analysis and persists their output.
// Facts extracted before a failure are stored before the error is returned.
func (p *Pipeline) analyze(ctx context.Context, st *store.Store, doc io.Reader, summary *model.RunSummary) (*analysis, error) {
	retriesBefore := p.oracleRetries()
	defer func() {
		summary.Stats.OracleRetries += p.oracleRetries() - retriesBefore
	}()

	res, extractErr := p.extractor.Extract(ctx, doc, extract.RunInfo{RunID: summary.RunID, TenantID: p.config.TenantID})
	if res != nil {
		summary.Version = res.Dialect.Version
		summary.VersionSource = res.Dialect.Source
		summary.Namespace = res.Dialect.Namespace
		summary.MessageRoot = res.Dialect.MessageRoot
		summary.Stats = res.Stats
		summary.Warnings = append(summary.Warnings, res.Warnings...)
	}

	a := &analysis{}
	if res != nil && len(res.Facts) > 0 {
		a.facts = res.Facts
		if _, err := st.InsertFacts(context.WithoutCancel(ctx), res.Facts); err != nil {
			return a, fmt.Errorf("store facts: %w", err)
		}
	}
	if extractErr != nil {
		return a, extractErr
	}

	if !p.config.Relationships.Enabled || len(a.facts) == 0 {
		return a, nil
	}

	analyzer := relation.NewAnalyzer(p.oracle, p.expectations, p.config.Concurrency.Workers, p.logger)
	report, err := analyzer.Analyze(ctx, summary.RunID, a.facts)
	if report != nil {
		report.Apply(&summary.Stats)
		a.rels = report.Relationships
		if report.PairFailures > 0 {
			summary.AddWarning(model.WarnOracleFailure,
				fmt.Sprintf("%d section pair(s) skipped after oracle failures", report.PairFailures))
		}
	}
	if len(a.rels) > 0 {
		if serr := st.InsertRelationships(context.WithoutCancel(ctx), a.rels); serr != nil && err == nil {
			err = fmt.Errorf("store relationships: %w", serr)
		}
	}
	return a, err
}

// finish records the terminal state of a run and returns runErr
func (p *Pipeline) finish(ctx context.Context, st *store.Store, summary *model.RunSummary, runErr error) error {
	summary.FinishedAt = time.Now().UTC()
	switch {
	case runErr == nil:
		summary.Status = model.StatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		summary.Status = model.StatusAborted
		summary.Error = runErr.Error()
	default:
		summary.Status = model.StatusFailed
		summary.Error = runErr.Error()
	}

	if err := st.FinishRun(context.WithoutCancel(ctx), *summary); err != nil {
		p.logger.Error("Failed to record run state", zap.String("run_id", summary.RunID), zap.Error(err))
		if runErr == nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}

	fields := []zap.Field{
		zap.String("run_id", summary.RunID),
		zap.String("mode", string(summary.Mode)),
		zap.String("status", string(summary.Status)),
		zap.Int("facts", summary.Stats.NodeFacts),
		zap.Int("warnings", len(summary.Warnings)),
	}
	if runErr != nil {
		p.logger.Warn("Run did not complete", append(fields, zap.Error(runErr))...)
	} else {
		p.logger.Info("Run completed", fields...)
	}
	return runErr
}

func (p *Pipeline) oracleRetries() int {
	if r, ok := p.oracle.(interface{ Retries() int }); ok {
		return r.Retries()
	}
	return 0
}
