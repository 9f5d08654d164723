package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/patternlens/internal/logging"
	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/pipeline"
	"github.com/ppiankov/patternlens/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set at build time
var Version = "v0.1.0"

var (
	cfgFile string
	verbose bool
	tenant  string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "patternlens",
	Short: "patternlens - structural pattern discovery for XML messages",
	Long: `patternlens learns the structural patterns of XML business messages and
identifies new documents against them.

A discovery run extracts the configured subtrees of a document, analyzes the
references between them and records one pattern per node shape in the tenant
catalog. An identify run scores a document's nodes against that catalog and
reports what matched, what is missing and what is new.

Patterns describe observed structure. They do not validate a message against
its schema.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the version number of patternlens.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "patternlens %s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.patternlens/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant id (empty for the shared library)")

	// Bind flags to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("tenant_id", rootCmd.PersistentFlags().Lookup("tenant"))

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}

		// Search for config in home directory
		viper.AddConfigPath(home + "/.patternlens")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Read in environment variables that match PATTERNLENS_*
	viper.SetEnvPrefix("PATTERNLENS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for _, key := range []string{"store.dir", "oracle.provider", "oracle.model", "oracle.base_url", "concurrency.workers"} {
		_ = viper.BindEnv(key)
	}

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig layers the config file, environment and flags over the defaults
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	cfg.Output.Verbose = verbose

	// API keys come from the provider's usual environment variable when not configured
	if cfg.Oracle.APIKey == "" {
		switch strings.ToLower(cfg.Oracle.Provider) {
		case "openai":
			cfg.Oracle.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic", "claude":
			cfg.Oracle.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if cfg.Oracle.BaseURL == "" && strings.EqualFold(cfg.Oracle.Provider, "ollama") {
		cfg.Oracle.BaseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	return cfg, nil
}

// setup builds the logger, store manager and pipeline shared by the run commands
func setup(cfg *model.Config, opts ...pipeline.Option) (*pipeline.Pipeline, *store.Manager, *zap.Logger, error) {
	logger, err := logging.New(cfg.Output.Verbose)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}

	stores, err := store.NewManager(cfg.Store.Dir, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	p, err := pipeline.NewPipeline(cfg, stores, logger, opts...)
	if err != nil {
		stores.Close()
		return nil, nil, nil, err
	}
	return p, stores, logger, nil
}
