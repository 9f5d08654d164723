package extract

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderView213 = `<?xml version="1.0" encoding="UTF-8"?>
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

const orderView172 = `<OrderViewRS xmlns="http://www.iata.org/IATA/EDIST/2017.2">
  <Response>
    <DataLists>
      <PassengerList>
        <Passenger PassengerID="P1"><PTC>ADT</PTC></Passenger>
      </PassengerList>
    </DataLists>
  </Response>
</OrderViewRS>`

func testConfig() model.ExtractionConfig {
	return model.DefaultConfig().Extraction
}

func newTestExtractor(t *testing.T, cfg model.ExtractionConfig, o oracle.Oracle) *Extractor {
	t.Helper()
	if o == nil {
		o = oracle.NewStructuralOracle()
	}
	e, err := New(cfg, o, 3, nil)
	require.NoError(t, err)
	return e
}

// failingOracle fails every fragment of the given sections and delegates the rest
type failingOracle struct {
	oracle.Oracle
	sections map[string]bool
	mu       sync.Mutex
	calls    int
}

func (o *failingOracle) Extract(ctx context.Context, req oracle.ExtractRequest) (*oracle.Facts, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	if o.sections[req.Hint.Section] {
		return nil, oracle.ErrInvalidResponse
	}
	return o.Oracle.Extract(ctx, req)
}

func TestExtract_HeaderVersionAndOrdinals(t *testing.T) {
	e := newTestExtractor(t, testConfig(), nil)

	res, err := e.Extract(context.Background(), strings.NewReader(orderView213), RunInfo{RunID: "run-1", TenantID: "acme"})
	require.NoError(t, err)

	assert.Equal(t, "21.3", res.Dialect.Version)
	assert.Equal(t, model.VersionFromHeader, res.Dialect.Source)
	assert.Equal(t, "OrderViewRS", res.Dialect.MessageRoot)
	require.Len(t, res.Facts, 3)

	pax1, pax2, seg := res.Facts[0], res.Facts[1], res.Facts[2]
	assert.Equal(t, "DataLists/PaxList/Pax", pax1.Section)
	assert.Equal(t, 1, pax1.Ordinal)
	assert.Equal(t, 2, pax2.Ordinal)
	assert.Equal(t, "DataLists/PaxSegmentList/PaxSegment", seg.Section)
	assert.Equal(t, 1, seg.Ordinal)

	assert.Equal(t, "run-1", pax1.RunID)
	assert.Equal(t, "acme", pax1.TenantID)
	assert.NotEmpty(t, pax1.ID)
	assert.Equal(t, "Pax", pax1.NodeType)
	assert.Equal(t, "PAX1", pax1.Payload.Attributes["PaxID"])
	require.Len(t, pax1.Payload.Children, 1)
	assert.Equal(t, "Individual", pax1.Payload.Children[0].NodeType)
	assert.Equal(t, "PAX1 PAX2", seg.Payload.References["PaxRefID"])
	assert.Contains(t, pax1.Payload.Snippet, "<PaxID>PAX1</PaxID>")

	assert.Equal(t, 3, res.Stats.Fragments)
	assert.Equal(t, 3, res.Stats.NodeFacts)
	assert.Empty(t, res.Warnings)
}

func TestExtract_NamespaceVersionAndAliases(t *testing.T) {
	e := newTestExtractor(t, testConfig(), nil)

	res, err := e.Extract(context.Background(), strings.NewReader(orderView172), RunInfo{RunID: "run-2"})
	require.NoError(t, err)

	assert.Equal(t, "17.2", res.Dialect.Version)
	assert.Equal(t, model.VersionFromNamespace, res.Dialect.Source)
	assert.Equal(t, "http://www.iata.org/IATA/EDIST/2017.2", res.Dialect.Namespace)
	require.Len(t, res.Facts, 1)
	assert.Equal(t, "DataLists/PaxList/Pax", res.Facts[0].Section, "legacy list name maps to the canonical section")
	assert.Equal(t, "Pax", res.Facts[0].NodeType)
	assert.Equal(t, "P1", res.Facts[0].Payload.Attributes["PassengerID"])
}

func TestExtract_AttributeVersion(t *testing.T) {
	doc := `<AirShoppingRS Version="18.1"><DataLists><PaxList><Pax><PaxID>A</PaxID></Pax></PaxList></DataLists></AirShoppingRS>`
	e := newTestExtractor(t, testConfig(), nil)

	res, err := e.Extract(context.Background(), strings.NewReader(doc), RunInfo{})
	require.NoError(t, err)
	assert.Equal(t, "18.1", res.Dialect.Version)
	assert.Equal(t, model.VersionFromAttribute, res.Dialect.Source)
	assert.Len(t, res.Facts, 1)
}

func TestExtract_DefaultVersionWarns(t *testing.T) {
	doc := `<OrderViewRS><DataLists><PaxList><Pax><PaxID>A</PaxID></Pax></PaxList></DataLists></OrderViewRS>`
	cfg := testConfig()
	cfg.DefaultVersion = "21.3"
	e := newTestExtractor(t, cfg, nil)

	res, err := e.Extract(context.Background(), strings.NewReader(doc), RunInfo{})
	require.NoError(t, err, "a missing version is never fatal")
	assert.Equal(t, "21.3", res.Dialect.Version)
	assert.Equal(t, model.VersionFromDefault, res.Dialect.Source)
	require.Len(t, res.Facts, 1)
	assert.Equal(t, "21.3", res.Facts[0].Version, "held-back fragments use the default version")
	assertWarning(t, res, model.WarnVersionDefaulted)
}

func TestExtract_LateHeaderVersion(t *testing.T) {
	doc := `<OrderViewRS>
  <Response><DataLists><PaxList>
    <Pax><PaxID>A</PaxID></Pax>
    <Pax><PaxID>B</PaxID></Pax>
  </PaxList></DataLists></Response>
  <PayloadAttributes><VersionNumber>17.2</VersionNumber></PayloadAttributes>
</OrderViewRS>`

	t.Run("held back until the header", func(t *testing.T) {
		e := newTestExtractor(t, testConfig(), nil)
		res, err := e.Extract(context.Background(), strings.NewReader(doc), RunInfo{})
		require.NoError(t, err)
		assert.Equal(t, "17.2", res.Dialect.Version)
		assert.Equal(t, model.VersionFromHeader, res.Dialect.Source)
		require.Len(t, res.Facts, 2)
		assert.Equal(t, "17.2", res.Facts[1].Version)
		assert.Empty(t, res.Warnings)
	})

	t.Run("backlog cap applies the default", func(t *testing.T) {
		cfg := testConfig()
		cfg.DefaultVersion = "21.3"
		cfg.MaxPendingBytes = 1
		e := newTestExtractor(t, cfg, nil)

		res, err := e.Extract(context.Background(), strings.NewReader(doc), RunInfo{})
		require.NoError(t, err)
		assert.Equal(t, "21.3", res.Dialect.Version)
		assert.Equal(t, model.VersionFromDefault, res.Dialect.Source)
		require.Len(t, res.Facts, 2)
		for _, f := range res.Facts {
			assert.Equal(t, "21.3", f.Version)
		}
		assertWarning(t, res, model.WarnVersionDefaulted)
	})
}

func TestExtract_LenientRecovery(t *testing.T) {
	doc := `<OrderViewRS Version="21.3"><DataLists><PaxList>
		<Pax><PaxID>PAX1</PaxID></Pax>
		<Pax><PaxID>PAX2</PaxID><Remark>a&nbsp;b</Remark></Pax>
	</PaxList></DataLists></OrderViewRS>`
	o := &failingOracle{Oracle: oracle.NewStructuralOracle()}
	e := newTestExtractor(t, testConfig(), o)

	res, err := e.Extract(context.Background(), strings.NewReader(doc), RunInfo{})
	require.NoError(t, err)

	assert.True(t, res.Stats.LenientParse)
	assertWarning(t, res, model.WarnLenientParse)
	require.Len(t, res.Facts, 2)
	assert.Equal(t, 1, res.Facts[0].Ordinal)
	assert.Equal(t, 2, res.Facts[1].Ordinal)
	assert.Equal(t, 2, o.calls, "fragments completed by the strict pass are not sent twice")
}

const truncatedDoc = `<OrderViewRS Version="21.3"><DataLists><PaxList><Pax><PaxID>PAX1</PaxID></Pax><Pax><PaxID>PA`

func TestExtract_UnterminatedSubtreeKeepsSiblings(t *testing.T) {
	e := newTestExtractor(t, testConfig(), nil)

	res, err := e.Extract(context.Background(), strings.NewReader(truncatedDoc), RunInfo{})
	require.NoError(t, err)

	require.Len(t, res.Facts, 1)
	assert.Equal(t, "PAX1", res.Facts[0].Payload.Attributes["PaxID"])
	assert.Equal(t, 1, res.Stats.ExtractionFailed)
	assert.Equal(t, 2, res.Stats.Fragments)
	assertWarning(t, res, model.WarnSubtreeFailed)
}

func TestExtract_UnterminatedCriticalSubtreeFails(t *testing.T) {
	cfg := testConfig()
	cfg.Targets = []model.TargetConfig{{Path: "**/PaxList/Pax", NodeType: "Pax", Critical: true}}
	e := newTestExtractor(t, cfg, nil)

	res, err := e.Extract(context.Background(), strings.NewReader(truncatedDoc), RunInfo{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCriticalSubtree))
	assert.Len(t, res.Facts, 1, "completed siblings are still returned")
}

func TestExtract_Malformed(t *testing.T) {
	e := newTestExtractor(t, testConfig(), nil)

	for _, doc := range []string{"", "   ", "not xml <<< at all"} {
		_, err := e.Extract(context.Background(), strings.NewReader(doc), RunInfo{})
		assert.True(t, errors.Is(err, ErrMalformed), "doc %q: got %v", doc, err)
	}
}

func TestExtract_OracleFailureIsAbsorbed(t *testing.T) {
	o := &failingOracle{
		Oracle:   oracle.NewStructuralOracle(),
		sections: map[string]bool{"DataLists/PaxSegmentList/PaxSegment": true},
	}
	e := newTestExtractor(t, testConfig(), o)

	res, err := e.Extract(context.Background(), strings.NewReader(orderView213), RunInfo{})
	require.NoError(t, err)
	assert.Len(t, res.Facts, 2)
	assert.Equal(t, 1, res.Stats.ExtractionFailed)
	assertWarning(t, res, model.WarnOracleFailure)
}

func TestExtract_CriticalOracleFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Targets[1].Critical = true // PaxSegment
	o := &failingOracle{
		Oracle:   oracle.NewStructuralOracle(),
		sections: map[string]bool{"DataLists/PaxSegmentList/PaxSegment": true},
	}
	e := newTestExtractor(t, cfg, o)

	res, err := e.Extract(context.Background(), strings.NewReader(orderView213), RunInfo{})
	assert.True(t, errors.Is(err, ErrCriticalSubtree), "got %v", err)
	assert.Len(t, res.Facts, 2)
}

func TestExtract_TruncatesLargeFragments(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFragmentBytes = 40
	e := newTestExtractor(t, cfg, nil)

	res, err := e.Extract(context.Background(), strings.NewReader(orderView213), RunInfo{})
	require.NoError(t, err)
	require.Len(t, res.Facts, 3)

	pax1 := res.Facts[0]
	assert.True(t, pax1.Payload.Truncated)
	assert.Equal(t, "PAX1", pax1.Payload.Attributes["PaxID"])
	assert.Empty(t, pax1.Payload.Children, "the Individual child was cut off")
	assert.True(t, strings.HasSuffix(pax1.Payload.Snippet, "</Pax>"))
	assert.Equal(t, 2, res.Stats.TruncatedSubtrees, "Pax 1 and the segment exceed the cap")
	assertWarning(t, res, model.WarnTruncated)
}

func TestExtract_MasksSensitiveValues(t *testing.T) {
	cfg := testConfig()
	cfg.MaskedAttributes = []string{"GivenName"}
	e := newTestExtractor(t, cfg, nil)

	res, err := e.Extract(context.Background(), strings.NewReader(orderView213), RunInfo{})
	require.NoError(t, err)

	pax1 := res.Facts[0]
	assert.True(t, pax1.Masked)
	assert.Equal(t, "***", pax1.Payload.Children[0].Attributes["GivenName"])
	assert.NotContains(t, pax1.Payload.Snippet, "Ann")
	assert.False(t, res.Facts[1].Masked)
}

func TestExtract_CharsetDeclaration(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n" +
		"<OrderViewRS Version=\"21.3\"><DataLists><PaxList><Pax><PaxID>P1</PaxID><GivenName>Jos\xe9</GivenName></Pax></PaxList></DataLists></OrderViewRS>"
	e := newTestExtractor(t, testConfig(), nil)

	res, err := e.Extract(context.Background(), strings.NewReader(doc), RunInfo{})
	require.NoError(t, err)
	require.Len(t, res.Facts, 1)
	assert.Equal(t, "José", res.Facts[0].Payload.Attributes["GivenName"])
}

// onlyReader hides Seek so the extractor has to buffer or spool
type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }

func TestExtract_SpoolsLargeDocuments(t *testing.T) {
	cfg := testConfig()
	cfg.StreamThreshold = 64
	e := newTestExtractor(t, cfg, nil)

	src, err := openSource(onlyReader{strings.NewReader(orderView213)}, cfg.StreamThreshold)
	require.NoError(t, err)
	assert.True(t, src.spooled)
	src.Close()

	res, err := e.Extract(context.Background(), onlyReader{strings.NewReader(orderView213)}, RunInfo{})
	require.NoError(t, err)
	assert.Len(t, res.Facts, 3)
}

func TestExtract_CancelledBeforeStart(t *testing.T) {
	e := newTestExtractor(t, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Extract(ctx, strings.NewReader(orderView213), RunInfo{})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	require.NotNil(t, res)
	assert.Empty(t, res.Facts)
}

func TestNew_RejectsBadVersionPattern(t *testing.T) {
	cfg := testConfig()
	cfg.VersionPatterns = []string{"("}
	_, err := New(cfg, oracle.NewStructuralOracle(), 1, nil)
	assert.Error(t, err)
}

func TestNew_RequiresTargets(t *testing.T) {
	cfg := testConfig()
	cfg.Targets = []model.TargetConfig{{Path: "  /  ", NodeType: "Pax"}}
	_, err := New(cfg, oracle.NewStructuralOracle(), 1, nil)
	assert.Error(t, err)
}

func assertWarning(t *testing.T, res *Result, code model.WarningCode) {
	t.Helper()
	for _, w := range res.Warnings {
		if w.Code == code {
			return
		}
	}
	t.Errorf("expected warning %s, got %+v", code, res.Warnings)
}
