package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ppiankov/patternlens/internal/store"
	"github.com/spf13/cobra"
)

var (
	listMessage string
	listVersion string
	listShared  bool
)

// patternsCmd represents the patterns command
var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect the pattern catalog",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the patterns of a tenant",
	Long: `List the patterns stored for the current tenant, optionally filtered by
message root and version.

Example:
  patternlens patterns list --tenant acme
  patternlens patterns list --message OrderViewRS --version 21.3 --shared`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		stores, err := store.NewManager(cfg.Store.Dir, nil)
		if err != nil {
			return err
		}
		defer func() { _ = stores.Close() }()

		tenants := []string{cfg.TenantID}
		if listShared && cfg.TenantID != store.SharedTenant {
			tenants = append(tenants, store.SharedTenant)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSCOPE\tMESSAGE\tVERSION\tSECTION\tTYPE\tMUST HAVE\tSEEN")

		total := 0
		for _, t := range tenants {
			st, err := stores.Get(t)
			if err != nil {
				return err
			}
			patterns, err := st.ListPatterns(cmd.Context(), store.PatternFilter{
				MessageRoot: listMessage,
				Version:     listVersion,
			})
			if err != nil {
				return err
			}
			for _, p := range patterns {
				scope := p.TenantScope
				if scope == "" {
					scope = "shared"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
					p.ID, scope, p.MessageRoot, p.Version, p.Section, p.NodeType,
					strings.Join(p.Rule.MustHave, ","), p.TimesSeen)
			}
			total += len(patterns)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d pattern(s)\n", total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(patternsCmd)
	patternsCmd.AddCommand(patternsListCmd)

	patternsListCmd.Flags().StringVar(&listMessage, "message", "", "filter by message root")
	patternsListCmd.Flags().StringVar(&listVersion, "version", "", "filter by version")
	patternsListCmd.Flags().BoolVar(&listShared, "shared", false, "include the shared library")
}
