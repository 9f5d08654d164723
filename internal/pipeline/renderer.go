package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ppiankov/patternlens/internal/model"
)

// Renderer writes run reports as JSON, Markdown and a terminal summary
type Renderer struct {
	includeFooter bool
}

// NewRenderer creates a renderer
func NewRenderer(includeFooter bool) *Renderer {
	return &Renderer{includeFooter: includeFooter}
}

// RenderJSON writes v as indented JSON to path
func (r *Renderer) RenderJSON(v interface{}, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// RenderMarkdown writes the Markdown report of a discovery or identify result to path
func (r *Renderer) RenderMarkdown(v interface{}, path string) error {
	var b strings.Builder
	switch res := v.(type) {
	case *DiscoveryResult:
		r.discoveryMarkdown(&b, res)
	case *IdentifyResult:
		r.identifyMarkdown(&b, res)
	default:
		return fmt.Errorf("unsupported report type %T", v)
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

func (r *Renderer) header(b *strings.Builder, title string, s model.RunSummary) {
	fmt.Fprintf(b, "# %s\n\n", title)
	fmt.Fprintf(b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(b, "| Run | `%s` |\n", s.RunID)
	if s.TenantID != "" {
		fmt.Fprintf(b, "| Tenant | %s |\n", s.TenantID)
	}
	fmt.Fprintf(b, "| Status | %s |\n", s.Status)
	fmt.Fprintf(b, "| Message | %s |\n", s.MessageRoot)
	fmt.Fprintf(b, "| Version | %s (%s) |\n", s.Version, s.VersionSource)
	fmt.Fprintf(b, "| Node facts | %d |\n", s.Stats.NodeFacts)
	fmt.Fprintf(b, "| Extraction failures | %d |\n", s.Stats.ExtractionFailed)
	if s.Error != "" {
		fmt.Fprintf(b, "| Error | %s |\n", s.Error)
	}
	b.WriteString("\n")

	if len(s.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range s.Warnings {
			fmt.Fprintf(b, "- **%s**: %s\n", w.Code, w.Message)
		}
		b.WriteString("\n")
	}
}

func (r *Renderer) discoveryMarkdown(b *strings.Builder, res *DiscoveryResult) {
	s := res.Summary
	r.header(b, "Pattern Discovery Report", s)

	b.WriteString("## Relationships\n\n")
	fmt.Fprintf(b, "- Section pairs analyzed: %d (%d skipped)\n", s.Stats.PairsAnalyzed, s.Stats.PairFailures)
	fmt.Fprintf(b, "- Expected valid: %d\n", s.Stats.ExpectedValid)
	fmt.Fprintf(b, "- Expected broken: %d\n", s.Stats.ExpectedBroken)
	fmt.Fprintf(b, "- Unexpected valid: %d\n", s.Stats.UnexpectedValid)
	fmt.Fprintf(b, "- Unexpected broken: %d\n\n", s.Stats.UnexpectedBroken)

	b.WriteString("## Patterns\n\n")
	if res.DryRun {
		b.WriteString("Dry run: the catalog was not changed.\n\n")
	}
	if len(res.Deltas) == 0 {
		b.WriteString("No patterns synthesized.\n\n")
	} else {
		b.WriteString("| Action | Section | Node type | Must have | Times seen | Signature |\n|---|---|---|---|---|---|\n")
		for _, d := range res.Deltas {
			p := d.Pattern
			fmt.Fprintf(b, "| %s | %s | %s | %s | %d | `%s` |\n",
				d.Action, p.Section, p.NodeType, strings.Join(p.Rule.MustHave, ", "), p.TimesSeen, shortHash(p.SignatureHash))
		}
		b.WriteString("\n")
	}
	r.footer(b)
}

func (r *Renderer) identifyMarkdown(b *strings.Builder, res *IdentifyResult) {
	s := res.Summary
	r.header(b, "Pattern Identification Report", s)

	g := res.Gap
	b.WriteString("## Gap Analysis\n\n")
	fmt.Fprintf(b, "- Match rate: %.1f%% (%d of %d)\n", g.MatchRate*100, g.Matched, g.Total)
	fmt.Fprintf(b, "- Missing patterns: %d\n", len(g.MissingPatterns))
	fmt.Fprintf(b, "- New structures: %d\n\n", len(g.NewStructures))

	counts := make(map[model.Verdict]int)
	for _, m := range res.Matches {
		counts[m.Verdict]++
	}
	if len(counts) > 0 {
		verdicts := make([]string, 0, len(counts))
		for v := range counts {
			verdicts = append(verdicts, string(v))
		}
		sort.Strings(verdicts)
		b.WriteString("## Verdicts\n\n| Verdict | Count |\n|---|---|\n")
		for _, v := range verdicts {
			fmt.Fprintf(b, "| %s | %d |\n", v, counts[model.Verdict(v)])
		}
		b.WriteString("\n")
	}

	if len(res.Matches) > 0 {
		b.WriteString("## Matches\n\n| Section | # | Verdict | Confidence | Penalty | Pattern |\n|---|---|---|---|---|---|\n")
		for _, m := range res.Matches {
			fmt.Fprintf(b, "| %s | %d | %s | %.3f | %.2f | `%s` |\n",
				m.Section, m.Ordinal, m.Verdict, m.Confidence, m.Penalty, m.PatternID)
		}
		b.WriteString("\n")
	}

	if len(g.MissingPatterns) > 0 {
		b.WriteString("## Missing Patterns\n\n")
		for _, p := range g.MissingPatterns {
			fmt.Fprintf(b, "- %s (%s), seen %d time(s)\n", p.Section, p.NodeType, p.TimesSeen)
		}
		b.WriteString("\n")
	}
	if len(g.NewStructures) > 0 {
		b.WriteString("## New Structures\n\n")
		for _, f := range g.NewStructures {
			fmt.Fprintf(b, "- %s #%d (%s): %s\n", f.Section, f.Ordinal, f.NodeType, strings.Join(f.Payload.AttributeKeys(), ", "))
		}
		b.WriteString("\n")
	}
	r.footer(b)
}

func (r *Renderer) footer(b *strings.Builder) {
	if !r.includeFooter {
		return
	}
	b.WriteString("---\n\n")
	b.WriteString("*Structural diagnostics only. Patterns describe observed shape, not schema validity.*\n")
}

// RenderSummary prints a short run summary to w
func (r *Renderer) RenderSummary(w io.Writer, s model.RunSummary) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "  %s run %s\n", modeTitle(s.Mode), s.Status)
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "  Run:        %s\n", s.RunID)
	fmt.Fprintf(w, "  Message:    %s %s (%s)\n", s.MessageRoot, s.Version, s.VersionSource)
	fmt.Fprintf(w, "  Facts:      %d (%d failed, %d truncated)\n", s.Stats.NodeFacts, s.Stats.ExtractionFailed, s.Stats.TruncatedSubtrees)
	if s.Mode == model.ModeDiscovery {
		fmt.Fprintf(w, "  Relations:  %d\n", s.Stats.Relationships)
		fmt.Fprintf(w, "  Patterns:   %d created, %d updated, %d unchanged\n",
			s.Stats.PatternsCreated, s.Stats.PatternsUpdated, s.Stats.PatternsUnchanged)
	} else {
		fmt.Fprintf(w, "  Matched:    %d\n", s.Stats.Matches)
	}
	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "  ⚠ %s: %s\n", warn.Code, warn.Message)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "  ✗ %s\n", s.Error)
	}
	fmt.Fprintf(w, "\n")
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func modeTitle(m model.RunMode) string {
	if m == model.ModeIdentify {
		return "Identify"
	}
	return "Discovery"
}
