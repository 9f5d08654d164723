package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/pipeline"
	"github.com/ppiankov/patternlens/internal/relation"
	"github.com/spf13/cobra"
)

var (
	outJSON          string
	outMD            string
	runTimeout       time.Duration
	noFooter         bool
	oracleProvider   string
	oracleModel      string
	expectationsFile string
	crossVersion     bool
	dryRun           bool
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover <file>",
	Short: "Learn structural patterns from an XML document",
	Long: `Discover runs the full discovery pipeline over one document:
- Stream the document and capture the configured target subtrees
- Turn each subtree into a node fact through the oracle
- Analyze references between sections and validate them on every instance
- Record one pattern per (version, message, section, node type)

Re-running discovery for the same run never double-counts a pattern. With
--dry-run the deltas are computed against a snapshot of the catalog and no
pattern is written.

Example:
  patternlens discover order.xml
  patternlens discover order.xml --tenant acme --json discovery.json --md discovery.md
  patternlens discover order.xml --oracle openai --model gpt-4o-mini
  patternlens discover order.xml --dry-run --md preview.md`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDocument(cmd, args[0], model.ModeDiscovery)
	},
}

// identifyCmd represents the identify command
var identifyCmd = &cobra.Command{
	Use:   "identify <file>",
	Short: "Match an XML document against the learned patterns",
	Long: `Identify extracts a document the same way as discover, then scores every
node fact against the in-scope patterns of its message and version and
reports a verdict per node plus a gap analysis.

Example:
  patternlens identify order.xml
  patternlens identify order.xml --tenant acme --cross-version --md identify.md`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDocument(cmd, args[0], model.ModeIdentify)
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(identifyCmd)

	for _, c := range []*cobra.Command{discoverCmd, identifyCmd} {
		c.Flags().StringVar(&outJSON, "json", "", "output JSON path (optional)")
		c.Flags().StringVar(&outMD, "md", "", "output Markdown path (optional)")
		c.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "overall run timeout")
		c.Flags().BoolVar(&noFooter, "no-footer", false, "disable footer in Markdown reports")
		addOracleFlags(c)
	}
	discoverCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report pattern deltas without writing patterns")
	identifyCmd.Flags().BoolVar(&crossVersion, "cross-version", false, "match against patterns of every version")
}

func addOracleFlags(c *cobra.Command) {
	c.Flags().StringVar(&oracleProvider, "oracle", "", "oracle provider (structural, openai, anthropic, ollama)")
	c.Flags().StringVar(&oracleModel, "model", "", "oracle model name")
	c.Flags().StringVar(&expectationsFile, "expectations", "", "YAML file of expected references per section")
}

// commandConfig loads the configuration and applies the run flags
func commandConfig(cmd *cobra.Command) (*model.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("oracle") {
		cfg.Oracle.Provider = oracleProvider
	}
	if cmd.Flags().Changed("model") {
		cfg.Oracle.Model = oracleModel
	}
	if cmd.Flags().Changed("no-footer") {
		cfg.Output.IncludeFooter = !noFooter
	}
	if cmd.Flags().Changed("cross-version") {
		cfg.Identify.CrossVersion = crossVersion
	}
	if expectationsFile != "" {
		configs, err := relation.ReadExpectationConfigs(expectationsFile)
		if err != nil {
			return nil, err
		}
		cfg.Relationships.Expected = append(cfg.Relationships.Expected, configs...)
	}
	return cfg, nil
}

func runDocument(cmd *cobra.Command, path string, mode model.RunMode) error {
	cfg, err := commandConfig(cmd)
	if err != nil {
		return err
	}

	p, stores, logger, err := setup(cfg, pipeline.WithDryRun(mode == model.ModeDiscovery && dryRun))
	if err != nil {
		return err
	}
	defer func() {
		_ = stores.Close()
		_ = logger.Sync()
	}()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = f.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()

	var (
		report  interface{}
		summary model.RunSummary
		runErr  error
	)
	if mode == model.ModeIdentify {
		res, err := p.RunIdentify(ctx, f)
		runErr = err
		if res != nil {
			report, summary = res, res.Summary
		}
	} else {
		res, err := p.RunDiscovery(ctx, f)
		runErr = err
		if res != nil {
			report, summary = res, res.Summary
		}
	}

	r := p.Renderer()
	if report != nil {
		if outJSON != "" {
			if err := r.RenderJSON(report, outJSON); err != nil {
				return fmt.Errorf("render JSON: %w", err)
			}
			if verbose {
				fmt.Fprintf(os.Stderr, "✓ Wrote JSON: %s\n", outJSON)
			}
		}
		if outMD != "" {
			if err := r.RenderMarkdown(report, outMD); err != nil {
				return fmt.Errorf("render markdown: %w", err)
			}
			if verbose {
				fmt.Fprintf(os.Stderr, "✓ Wrote Markdown: %s\n", outMD)
			}
		}
		r.RenderSummary(cmd.OutOrStdout(), summary)
	}

	if runErr != nil {
		return fmt.Errorf("%s failed: %w", mode, runErr)
	}
	return nil
}
