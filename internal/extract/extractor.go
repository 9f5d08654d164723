package extract

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ppiankov/patternlens/internal/logging"
	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/oracle"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

var (
	// ErrMalformed is returned when the document cannot be parsed even in lenient mode
	ErrMalformed = errors.New("extract: malformed document")

	// ErrCriticalSubtree is returned when a schema-critical subtree could not be extracted
	ErrCriticalSubtree = errors.New("extract: critical subtree failed")
)

// Fragment is one captured target subtree
type Fragment struct {
	Index     int
	Section   string
	NodeType  string
	Critical  bool
	Ordinal   int
	Text      string
	Truncated bool
	Masked    bool
}

// RunInfo identifies the run the extracted facts belong to
type RunInfo struct {
	RunID    string
	TenantID string
}

// Result is the outcome of one extraction. It is returned, partially filled,
// alongside fatal errors so the caller can retain what was extracted.
type Result struct {
	Dialect  Dialect
	Facts    []model.NodeFact
	Stats    model.RunStats
	Warnings []model.Warning
}

func (r *Result) warn(code model.WarningCode, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, model.Warning{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Extractor streams a document, captures configured target subtrees and turns
// each one into a NodeFact through the oracle
type Extractor struct {
	config   model.ExtractionConfig
	trie     *PathTrie
	detector *dialectDetector
	masks    map[string]bool
	oracle   oracle.Oracle
	workers  int
	logger   *zap.Logger
}

// New creates an extractor
func New(cfg model.ExtractionConfig, o oracle.Oracle, workers int, logger *zap.Logger) (*Extractor, error) {
	if o == nil {
		return nil, fmt.Errorf("extractor requires an oracle")
	}
	detector, err := newDialectDetector(cfg)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	if cfg.StreamThreshold <= 0 {
		cfg.StreamThreshold = model.DefaultConfig().Extraction.StreamThreshold
	}
	if cfg.MaxPendingBytes <= 0 {
		cfg.MaxPendingBytes = model.DefaultConfig().Extraction.MaxPendingBytes
	}

	trie := NewPathTrie(cfg.Targets, cfg.LegacyPrefixes)
	if trie.Len() == 0 {
		return nil, fmt.Errorf("extractor requires at least one target path")
	}

	return &Extractor{
		config:   cfg,
		trie:     trie,
		detector: detector,
		masks:    toSet(cfg.MaskedAttributes),
		oracle:   o,
		workers:  workers,
		logger:   logging.OrNop(logger),
	}, nil
}

// Extract runs one extraction over doc. Cancellation is observed between
// subtrees; facts extracted before it are returned together with ctx.Err().
func (e *Extractor) Extract(ctx context.Context, doc io.Reader, run RunInfo) (*Result, error) {
	res := &Result{}

	src, err := openSource(doc, e.config.StreamThreshold)
	if err != nil {
		return res, err
	}
	defer src.Close()

	d := newDispatcher(ctx, e, &res.Dialect)
	d.pool.Start()

	st := &scan{
		e:        e,
		dialect:  &res.Dialect,
		dispatch: d,
		emitted:  make(map[int]bool),
	}

	parseErr := st.run(ctx, src, true)
	if parseErr != nil && ctx.Err() == nil && !errors.Is(parseErr, errNoRoot) {
		e.logger.Warn("Strict parse failed, retrying in lenient mode", zap.Error(parseErr))
		res.Stats.LenientParse = true
		res.warn(model.WarnLenientParse, "strict parse failed (%v); document re-read in lenient mode", parseErr)

		if err := src.rewind(); err != nil {
			parseErr = fmt.Errorf("rewind document: %w", err)
		} else {
			parseErr = st.run(ctx, src, false)
		}
	}

	if d.defaulted {
		res.warn(model.WarnVersionDefaulted, "no version signal within the first %d held-back bytes; using default version %s (low confidence)",
			e.config.MaxPendingBytes, res.Dialect.Version)
	} else if !res.Dialect.Resolved() && res.Dialect.MessageRoot != "" {
		e.detector.fallback(&res.Dialect)
		res.warn(model.WarnVersionDefaulted, "no version signal found; using default version %s (low confidence)", res.Dialect.Version)
	}
	d.flush()
	results := d.wait()
	if n := len(d.skipped); n > 0 {
		res.warn(model.WarnCancelled, "%d subtree(s) not extracted because the run was cancelled", n)
	}

	fatal := e.classifyParseFailure(ctx, parseErr, st, res)
	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}

	if err := e.assemble(results, run, res); err != nil && fatal == nil {
		fatal = err
	}

	res.Stats.Fragments = st.started
	res.Stats.NodeFacts = len(res.Facts)

	e.logger.Info("Extraction finished",
		zap.String("run_id", run.RunID),
		zap.String("version", res.Dialect.Version),
		zap.String("version_source", string(res.Dialect.Source)),
		zap.Int("fragments", res.Stats.Fragments),
		zap.Int("facts", res.Stats.NodeFacts),
		zap.Int("failed", res.Stats.ExtractionFailed))

	return res, fatal
}

// classifyParseFailure decides whether a parse error that survived the lenient retry is fatal
func (e *Extractor) classifyParseFailure(ctx context.Context, parseErr error, st *scan, res *Result) error {
	if parseErr == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(parseErr, ctx.Err()) {
		return nil
	}
	if len(st.emitted) == 0 {
		return fmt.Errorf("%w: %v", ErrMalformed, parseErr)
	}

	var critical []string
	for _, c := range st.failedOpen {
		res.Stats.ExtractionFailed++
		if c.target.Critical {
			critical = append(critical, c.target.Section)
		}
	}
	if len(critical) > 0 {
		return fmt.Errorf("%w: %s: %v", ErrCriticalSubtree, strings.Join(critical, ", "), parseErr)
	}
	if len(st.failedOpen) > 0 {
		res.warn(model.WarnSubtreeFailed, "%d subtree(s) unterminated at parse failure; siblings kept: %v", len(st.failedOpen), parseErr)
	} else {
		res.warn(model.WarnSubtreeFailed, "document ends malformed after the last subtree: %v", parseErr)
	}
	return nil
}

// assemble turns oracle results into NodeFacts in document order
func (e *Extractor) assemble(results []*extractResult, run RunInfo, res *Result) error {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].fragment.Index < results[j].fragment.Index
	})

	var criticalErr error
	truncated, failed := 0, 0
	now := time.Now().UTC()

	for _, r := range results {
		frag := r.fragment
		if frag.Truncated {
			truncated++
		}

		if r.err != nil {
			failed++
			res.Stats.ExtractionFailed++
			e.logger.Warn("Subtree extraction failed",
				zap.String("section", frag.Section),
				zap.Int("ordinal", frag.Ordinal),
				zap.Error(r.err))
			if frag.Critical && criticalErr == nil {
				criticalErr = fmt.Errorf("%w: %s[%d]: %v", ErrCriticalSubtree, frag.Section, frag.Ordinal, r.err)
			}
			continue
		}

		payload := r.facts.Payload()
		masked := maskPayload(&payload, e.masks) || frag.Masked
		payload.Snippet = snippet(frag.Text, e.config.SnippetBytes)
		payload.Truncated = frag.Truncated

		res.Facts = append(res.Facts, model.NodeFact{
			ID:          uuid.NewString(),
			RunID:       run.RunID,
			TenantID:    run.TenantID,
			Version:     res.Dialect.Version,
			MessageRoot: res.Dialect.MessageRoot,
			Section:     frag.Section,
			NodeType:    r.facts.NodeType,
			Ordinal:     frag.Ordinal,
			Payload:     payload,
			Masked:      masked,
			CreatedAt:   now,
		})
	}

	res.Stats.TruncatedSubtrees = truncated
	if truncated > 0 {
		res.warn(model.WarnTruncated, "%d subtree(s) exceeded %d bytes and were truncated", truncated, e.config.MaxFragmentBytes)
	}
	if failed > 0 && criticalErr == nil {
		res.warn(model.WarnOracleFailure, "%d subtree(s) marked extraction_failed", failed)
	}
	return criticalErr
}

var errNoRoot = errors.New("document has no root element")

// scan holds the state shared by the strict and lenient passes
type scan struct {
	e        *Extractor
	dialect  *Dialect
	dispatch *dispatcher

	emitted    map[int]bool // fragment indices already handed to the oracle
	started    int
	failedOpen []*capture
}

// run performs one pass over the document. Fragments completed by an
// earlier pass are not emitted again.
func (s *scan) run(ctx context.Context, src *source, strict bool) error {
	dec := xml.NewDecoder(src.rs)
	dec.CharsetReader = charset.NewReaderLabel
	if !strict {
		dec.Strict = false
		dec.Entity = xml.HTMLEntity
	}

	var (
		stack    []string
		active   []*capture
		index    int
		counters = make(map[string]int)
		sawRoot  bool

		headerDepth int
		headerText  strings.Builder
	)
	s.failedOpen = nil

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if !sawRoot {
				return errNoRoot
			}
			if len(stack) > 0 {
				s.failedOpen = active
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			s.failedOpen = active
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if !sawRoot {
				sawRoot = true
				if !s.dialect.Resolved() {
					s.e.detector.fromRoot(t, s.dialect)
				}
				if s.dialect.Resolved() {
					s.dispatch.flush()
				}
				stack = append(stack, "")
				continue
			}

			local := NormalizeSegment(t.Name.Local, s.e.config.LegacyPrefixes)
			stack = append(stack, local)

			if !s.dialect.Resolved() && headerDepth == 0 && s.e.detector.isHeader(t.Name.Local) {
				headerDepth = len(stack)
				headerText.Reset()
			}

			for _, c := range active {
				c.startElement(t)
			}

			if target, ok := s.e.trie.Match(stack[1:]); ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				counters[target.Section]++
				c := newCapture(index, target, counters[target.Section], s.e.config.MaxFragmentBytes, s.e.masks)
				index++
				if index > s.started {
					s.started = index
				}
				c.startElement(t)
				active = append(active, c)
			}

		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			if headerDepth > 0 && headerDepth == len(stack) {
				headerDepth = 0
				if !s.dialect.Resolved() && s.e.detector.fromHeader(headerText.String(), s.dialect) {
					s.dispatch.flush()
				}
			}
			stack = stack[:len(stack)-1]

			kept := active[:0]
			for _, c := range active {
				if c.endElement() {
					if !s.emitted[c.index] {
						s.emitted[c.index] = true
						s.dispatch.add(c.fragment())
					}
					continue
				}
				kept = append(kept, c)
			}
			active = kept

		case xml.CharData:
			if headerDepth > 0 {
				headerText.Write(t)
			}
			for _, c := range active {
				c.charData(t)
			}
		}
	}
}

// snippet caps text at n bytes without splitting a UTF-8 sequence
func snippet(text string, n int) string {
	if n <= 0 || len(text) <= n {
		return text
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// maskPayload replaces values of sensitive fields and reports whether any were replaced
func maskPayload(p *model.Payload, masks map[string]bool) bool {
	if len(masks) == 0 {
		return false
	}
	masked := maskMap(p.Attributes, masks)
	masked = maskMap(p.Derived, masks) || masked
	for i := range p.Children {
		masked = maskMap(p.Children[i].Attributes, masks) || masked
	}
	return masked
}

func maskMap(m map[string]string, masks map[string]bool) bool {
	masked := false
	for k, v := range m {
		if masks[k] && v != maskedValue {
			m[k] = maskedValue
			masked = true
		}
	}
	return masked
}
