package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/oracle"
	"github.com/ppiankov/patternlens/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderView = `<?xml version="1.0" encoding="UTF-8"?>
<IATA_OrderViewRS xmlns="http://www.iata.org/IATA/2015/EASD/00/IATA_OffersAndOrdersMessage">
  <PayloadAttributes><VersionNumber>21.3</VersionNumber></PayloadAttributes>
  <Response>
    <DataLists>
      <PaxList>
        <Pax><PaxID>PAX1</PaxID><PTC>ADT</PTC><Individual><GivenName>Ann</GivenName></Individual></Pax>
        <Pax><PaxID>PAX2</PaxID><PTC>CHD</PTC></Pax>
      </PaxList>
      <PaxSegmentList>
        <PaxSegment><PaxSegmentID>SEG1</PaxSegmentID><PaxRefID>PAX1 PAX2</PaxRefID></PaxSegment>
      </PaxSegmentList>
    </DataLists>
  </Response>
</IATA_OrderViewRS>`

const paxSection = "DataLists/PaxList/Pax"

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, *store.Manager) {
	t.Helper()
	stores, err := store.NewManager(store.MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	cfg := model.DefaultConfig()
	cfg.TenantID = "acme"
	p, err := NewPipeline(cfg, stores, nil, opts...)
	require.NoError(t, err)
	return p, stores
}

func TestRunDiscovery_PersistsRunFactsAndPatterns(t *testing.T) {
	ctx := context.Background()
	p, stores := newTestPipeline(t)

	res, err := p.RunDiscovery(ctx, strings.NewReader(orderView))
	require.NoError(t, err)

	s := res.Summary
	assert.Equal(t, model.StatusCompleted, s.Status)
	assert.Equal(t, "21.3", s.Version)
	assert.Equal(t, model.VersionFromHeader, s.VersionSource)
	assert.Equal(t, "OrderViewRS", s.MessageRoot)
	assert.Equal(t, 3, s.Stats.NodeFacts)
	assert.Equal(t, 1, s.Stats.Relationships)
	assert.Equal(t, 2, s.Stats.PatternsCreated)
	require.Len(t, res.Deltas, 2)
	require.Len(t, res.Relationships, 1)
	assert.True(t, res.Relationships[0].Valid)

	st, err := stores.Get("acme")
	require.NoError(t, err)

	run, err := st.GetRun(ctx, s.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, run.Status)
	assert.Equal(t, 2, run.Stats.PatternsCreated)

	facts, err := st.ListFacts(ctx, s.RunID)
	require.NoError(t, err)
	assert.Len(t, facts, 3)

	rels, err := st.ListRelationships(ctx, s.RunID)
	require.NoError(t, err)
	assert.Len(t, rels, 1)

	patterns, err := st.ListPatterns(ctx, store.PatternFilter{Scopes: []string{"acme"}})
	require.NoError(t, err)
	assert.Len(t, patterns, 2)
}

func TestRunDiscovery_SecondRunUpdates(t *testing.T) {
	ctx := context.Background()
	p, stores := newTestPipeline(t)

	_, err := p.RunDiscovery(ctx, strings.NewReader(orderView))
	require.NoError(t, err)
	res, err := p.RunDiscovery(ctx, strings.NewReader(orderView))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Summary.Stats.PatternsCreated)
	assert.Equal(t, 2, res.Summary.Stats.PatternsUpdated)

	st, err := stores.Get("acme")
	require.NoError(t, err)
	patterns, err := st.ListPatterns(ctx, store.PatternFilter{})
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	for _, pat := range patterns {
		assert.Equal(t, 2, pat.TimesSeen)
	}
}

func TestRunDiscovery_DryRunLeavesCatalogUntouched(t *testing.T) {
	ctx := context.Background()
	p, stores := newTestPipeline(t)
	_, err := p.RunDiscovery(ctx, strings.NewReader(orderView))
	require.NoError(t, err)

	cfg := model.DefaultConfig()
	cfg.TenantID = "acme"
	dry, err := NewPipeline(cfg, stores, nil, WithDryRun(true))
	require.NoError(t, err)

	res, err := dry.RunDiscovery(ctx, strings.NewReader(orderView))
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, model.StatusCompleted, res.Summary.Status)
	assert.Equal(t, 0, res.Summary.Stats.PatternsCreated)
	assert.Equal(t, 2, res.Summary.Stats.PatternsUpdated)
	for _, d := range res.Deltas {
		assert.Equal(t, 2, d.Pattern.TimesSeen)
	}

	st, err := stores.Get("acme")
	require.NoError(t, err)
	patterns, err := st.ListPatterns(ctx, store.PatternFilter{})
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	for _, pat := range patterns {
		assert.Equal(t, 1, pat.TimesSeen, "dry runs never write patterns")
	}

	run, err := st.GetRun(ctx, res.Summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, run.Status)
}

func TestRunIdentify_EmptyLibrary(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	res, err := p.RunIdentify(ctx, strings.NewReader(orderView))
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, res.Summary.Status)
	require.Len(t, res.Matches, 3)
	for _, m := range res.Matches {
		assert.Equal(t, model.VerdictNewPattern, m.Verdict)
	}
	assert.Empty(t, res.Gap.MissingPatterns)
	assert.Len(t, res.Gap.NewStructures, 3)

	codes := make(map[model.WarningCode]bool)
	for _, w := range res.Summary.Warnings {
		codes[w.Code] = true
	}
	assert.True(t, codes[model.WarnEmptyCatalog])
}

func TestRunIdentify_AfterDiscovery(t *testing.T) {
	ctx := context.Background()
	p, stores := newTestPipeline(t)

	_, err := p.RunDiscovery(ctx, strings.NewReader(orderView))
	require.NoError(t, err)

	res, err := p.RunIdentify(ctx, strings.NewReader(orderView))
	require.NoError(t, err)

	require.Len(t, res.Matches, 3)
	byOrdinal := make(map[string]model.PatternMatch)
	for _, m := range res.Matches {
		assert.NotEqual(t, model.VerdictNewPattern, m.Verdict)
		if m.Section == paxSection {
			byOrdinal[string(rune('0'+m.Ordinal))] = m
		}
	}
	assert.Equal(t, model.VerdictExact, byOrdinal["1"].Verdict)
	assert.Equal(t, model.VerdictPartial, byOrdinal["2"].Verdict, "second passenger lacks the Individual child")

	assert.Equal(t, 3, res.Gap.Matched)
	assert.InDelta(t, 1.0, res.Gap.MatchRate, 1e-9)
	assert.Empty(t, res.Gap.MissingPatterns)
	assert.Equal(t, 3, res.Summary.Stats.Matches)

	st, err := stores.Get("acme")
	require.NoError(t, err)
	stored, err := st.ListMatches(ctx, res.Summary.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestRunDiscovery_MalformedFails(t *testing.T) {
	ctx := context.Background()
	p, stores := newTestPipeline(t)

	res, err := p.RunDiscovery(ctx, strings.NewReader("this is not xml"))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.StatusFailed, res.Summary.Status)

	st, err := stores.Get("acme")
	require.NoError(t, err)
	run, err := st.GetRun(ctx, res.Summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

// cancellingOracle cancels the run after its first extraction
type cancellingOracle struct {
	oracle.Oracle
	cancel context.CancelFunc
	once   sync.Once
}

func (o *cancellingOracle) Extract(ctx context.Context, req oracle.ExtractRequest) (*oracle.Facts, error) {
	facts, err := o.Oracle.Extract(ctx, req)
	o.once.Do(o.cancel)
	return facts, err
}

func TestRunDiscovery_CancelledRunIsAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := &cancellingOracle{Oracle: oracle.NewStructuralOracle(), cancel: cancel}
	p, stores := newTestPipeline(t, WithOracle(o))

	res, err := p.RunDiscovery(ctx, strings.NewReader(orderView))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StatusAborted, res.Summary.Status)

	st, err := stores.Get("acme")
	require.NoError(t, err)
	run, err := st.GetRun(context.Background(), res.Summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAborted, run.Status)

	facts, err := st.ListFacts(context.Background(), res.Summary.RunID)
	require.NoError(t, err)
	assert.Len(t, facts, res.Summary.Stats.NodeFacts, "partial facts are retained")
}

func TestRenderer_WritesReports(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)
	dir := t.TempDir()

	disc, err := p.RunDiscovery(ctx, strings.NewReader(orderView))
	require.NoError(t, err)
	ident, err := p.RunIdentify(ctx, strings.NewReader(orderView))
	require.NoError(t, err)

	r := p.Renderer()
	require.NoError(t, r.RenderJSON(disc, filepath.Join(dir, "discovery.json")))
	require.NoError(t, r.RenderMarkdown(disc, filepath.Join(dir, "discovery.md")))
	require.NoError(t, r.RenderMarkdown(ident, filepath.Join(dir, "identify.md")))
	assert.Error(t, r.RenderMarkdown("nope", filepath.Join(dir, "bad.md")))

	md, err := os.ReadFile(filepath.Join(dir, "discovery.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Pattern Discovery Report")
	assert.Contains(t, string(md), paxSection)

	md, err = os.ReadFile(filepath.Join(dir, "identify.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "Match rate: 100.0%")

	data, err := os.ReadFile(filepath.Join(dir, "discovery.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pattern_deltas"`)

	var buf strings.Builder
	r.RenderSummary(&buf, ident.Summary)
	assert.Contains(t, buf.String(), "Identify run completed")
}

func TestBatchProcessor_ProcessList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.xml", "b.xml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(orderView), 0644))
	}
	list := filepath.Join(dir, "docs.txt")
	require.NoError(t, os.WriteFile(list, []byte("# documents\na.xml\n\nb.xml\na.xml\nmissing.xml\n"), 0644))

	p, _ := newTestPipeline(t)
	results, err := NewBatchProcessor(p, 2).ProcessList(context.Background(), list, model.ModeDiscovery)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Error)
	assert.NoError(t, results[1].Error)
	assert.Error(t, results[2].Error)
	assert.Equal(t, filepath.Join(dir, "missing.xml"), results[2].Path)
	require.NotNil(t, results[0].Summary())
	assert.Equal(t, model.StatusCompleted, results[0].Summary().Status)
	assert.Nil(t, results[2].Summary())
}
