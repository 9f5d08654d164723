package model

import "time"

// Config is the complete patternlens configuration
type Config struct {
	TenantID      string              `yaml:"tenant_id" mapstructure:"tenant_id"`
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Extraction    ExtractionConfig    `yaml:"extraction" mapstructure:"extraction"`
	Oracle        OracleConfig        `yaml:"oracle" mapstructure:"oracle"`
	Concurrency   ConcurrencyConfig   `yaml:"concurrency" mapstructure:"concurrency"`
	Relationships RelationshipsConfig `yaml:"relationships" mapstructure:"relationships"`
	Identify      IdentifyConfig      `yaml:"identify" mapstructure:"identify"`
	Output        OutputConfig        `yaml:"output" mapstructure:"output"`
}

// StoreConfig configures the per-tenant catalog store
type StoreConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"` // One SQLite file per tenant; ":memory:" for ephemeral
}

// ExtractionConfig configures the streaming extractor
type ExtractionConfig struct {
	Targets           []TargetConfig `yaml:"targets" mapstructure:"targets"`
	LegacyPrefixes    []string       `yaml:"legacy_prefixes" mapstructure:"legacy_prefixes"`       // Stripped from path segments
	VersionPatterns   []string       `yaml:"version_patterns" mapstructure:"version_patterns"`     // Regexps over the namespace URI
	VersionAttributes []string       `yaml:"version_attributes" mapstructure:"version_attributes"` // Root attributes carrying a version
	HeaderElements    []string       `yaml:"header_elements" mapstructure:"header_elements"`       // Header fallback element names
	DefaultVersion    string         `yaml:"default_version" mapstructure:"default_version"`
	StreamThreshold   int64          `yaml:"stream_threshold" mapstructure:"stream_threshold"`     // Bytes; larger documents are spooled to disk
	MaxFragmentBytes  int            `yaml:"max_fragment_bytes" mapstructure:"max_fragment_bytes"` // Per captured subtree
	MaxPendingBytes   int64          `yaml:"max_pending_bytes" mapstructure:"max_pending_bytes"`   // Held back while the version is unknown
	SnippetBytes      int            `yaml:"snippet_bytes" mapstructure:"snippet_bytes"`
	MaskedAttributes  []string       `yaml:"masked_attributes" mapstructure:"masked_attributes"`
}

// TargetConfig declares one target subtree to extract
type TargetConfig struct {
	Path     string   `yaml:"path" mapstructure:"path"`         // Canonical section path below the message root
	Aliases  []string `yaml:"aliases" mapstructure:"aliases"`   // Legacy variants of the same logical path
	NodeType string   `yaml:"node_type" mapstructure:"node_type"` // Schema hint for the oracle
	Critical bool     `yaml:"critical" mapstructure:"critical"`   // Failure aborts the run
}

// OracleConfig configures the extraction oracle
type OracleConfig struct {
	Provider          string        `yaml:"provider" mapstructure:"provider"` // structural, openai, anthropic, ollama
	Model             string        `yaml:"model" mapstructure:"model"`
	APIKey            string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL           string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
	Samples           int           `yaml:"samples" mapstructure:"samples"` // Calls merged per fragment
	MaxTokens         int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size" mapstructure:"burst_size"`
	CacheEnabled      bool          `yaml:"cache_enabled" mapstructure:"cache_enabled"`
	CacheTTL          time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheDir          string        `yaml:"cache_dir,omitempty" mapstructure:"cache_dir"`
	HTTPProxy         string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy        string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy           string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// ConcurrencyConfig bounds the worker pool
type ConcurrencyConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// RelationshipsConfig configures the relationship analyzer
type RelationshipsConfig struct {
	Enabled  bool                `yaml:"enabled" mapstructure:"enabled"`
	Expected []ExpectationConfig `yaml:"expected" mapstructure:"expected"`
}

// ExpectationConfig lists the expected semantic references of one section
type ExpectationConfig struct {
	Version    string   `yaml:"version" mapstructure:"version"` // Empty matches every version
	Message    string   `yaml:"message" mapstructure:"message"`
	Section    string   `yaml:"section" mapstructure:"section"`
	References []string `yaml:"references" mapstructure:"references"`
}

// IdentifyConfig holds the empirically tuned scoring parameters
type IdentifyConfig struct {
	Weights             WeightsConfig    `yaml:"weights" mapstructure:"weights"`
	Thresholds          ThresholdsConfig `yaml:"thresholds" mapstructure:"thresholds"`
	MismatchPenalty     float64          `yaml:"mismatch_penalty" mapstructure:"mismatch_penalty"`
	LegacyBrokenPenalty float64          `yaml:"legacy_broken_penalty" mapstructure:"legacy_broken_penalty"`
	PenaltyCap          float64          `yaml:"penalty_cap" mapstructure:"penalty_cap"`
	CrossVersion        bool             `yaml:"cross_version" mapstructure:"cross_version"`
	IncludeShared       bool             `yaml:"include_shared" mapstructure:"include_shared"` // Also match the shared (unscoped) library
}

// WeightsConfig holds the factor weights; they are normalized by their sum
type WeightsConfig struct {
	NodeType       float64 `yaml:"node_type" mapstructure:"node_type"`
	RequiredAttrs  float64 `yaml:"required_attributes" mapstructure:"required_attributes"`
	ChildStructure float64 `yaml:"child_structure" mapstructure:"child_structure"`
	References     float64 `yaml:"references" mapstructure:"references"`
}

// ThresholdsConfig holds the verdict lower bounds
type ThresholdsConfig struct {
	Exact   float64 `yaml:"exact" mapstructure:"exact"`
	High    float64 `yaml:"high" mapstructure:"high"`
	Partial float64 `yaml:"partial" mapstructure:"partial"`
	Low     float64 `yaml:"low" mapstructure:"low"`
}

// OutputConfig configures report rendering
type OutputConfig struct {
	Verbose       bool `yaml:"verbose" mapstructure:"verbose"`
	IncludeFooter bool `yaml:"include_footer" mapstructure:"include_footer"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Dir: "~/.patternlens/catalog",
		},
		Extraction: ExtractionConfig{
			Targets:           defaultTargets(),
			LegacyPrefixes:    []string{"IATA_"},
			VersionPatterns:   []string{`(\d{2,4})\.(\d{1,2})`},
			VersionAttributes: []string{"Version", "version", "SchemaVersion"},
			HeaderElements:    []string{"Version", "VersionNumber", "SchemaVersion", "MessageVersion"},
			DefaultVersion:    "21.3",
			StreamThreshold:   8 << 20,
			MaxFragmentBytes:  64 << 10,
			MaxPendingBytes:   4 << 20,
			SnippetBytes:      1024,
		},
		Oracle: OracleConfig{
			Provider:          "structural",
			Timeout:           30 * time.Second,
			MaxRetries:        3,
			BackoffBase:       500 * time.Millisecond,
			BackoffMax:        8 * time.Second,
			Samples:           1,
			MaxTokens:         2000,
			RequestsPerSecond: 5,
			BurstSize:         5,
			CacheEnabled:      true,
			CacheTTL:          24 * time.Hour,
		},
		Concurrency: ConcurrencyConfig{
			Workers: 4,
		},
		Relationships: RelationshipsConfig{
			Enabled: true,
		},
		Identify: IdentifyConfig{
			Weights: WeightsConfig{
				NodeType:       0.30,
				RequiredAttrs:  0.30,
				ChildStructure: 0.25,
				References:     0.15,
			},
			Thresholds: ThresholdsConfig{
				Exact:   0.95,
				High:    0.85,
				Partial: 0.70,
				Low:     0.50,
			},
			MismatchPenalty:     0.2,
			LegacyBrokenPenalty: 0.1,
			PenaltyCap:          0.6,
			IncludeShared:       true,
		},
		Output: OutputConfig{
			IncludeFooter: true,
		},
	}
}

// defaultTargets covers the data lists shared by the offer and order messages.
// Aliases map the pre-21.3 list names onto the current ones.
func defaultTargets() []TargetConfig {
	return []TargetConfig{
		{Path: "**/DataLists/PaxList/Pax", Aliases: []string{"**/DataLists/PassengerList/Passenger", "**/DataLists/AnonymousTravelerList/AnonymousTraveler"}, NodeType: "Pax"},
		{Path: "**/DataLists/PaxSegmentList/PaxSegment", Aliases: []string{"**/DataLists/FlightSegmentList/FlightSegment"}, NodeType: "PaxSegment"},
		{Path: "**/DataLists/PaxJourneyList/PaxJourney", Aliases: []string{"**/DataLists/FlightList/Flight"}, NodeType: "PaxJourney"},
		{Path: "**/DataLists/ContactInfoList/ContactInfo", Aliases: []string{"**/DataLists/ContactList/ContactInformation"}, NodeType: "ContactInfo"},
		{Path: "**/DataLists/OriginDestList/OriginDest", Aliases: []string{"**/DataLists/OriginDestinationList/OriginDestination"}, NodeType: "OriginDest"},
		{Path: "**/DataLists/ServiceDefinitionList/ServiceDefinition", NodeType: "ServiceDefinition"},
		{Path: "**/Order/OrderItem", NodeType: "OrderItem"},
	}
}
