package model

import "time"

// RunMode distinguishes discovery runs from identify runs
type RunMode string

const (
	ModeDiscovery RunMode = "discovery"
	ModeIdentify  RunMode = "identify"
)

// RunStatus is the terminal state of a run
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusAborted   RunStatus = "aborted" // Cancelled; partial facts are retained
)

// VersionSource records which signal decided the document version
type VersionSource string

const (
	VersionFromNamespace VersionSource = "namespace"
	VersionFromAttribute VersionSource = "attribute"
	VersionFromHeader    VersionSource = "header"
	VersionFromDefault   VersionSource = "default" // Low confidence
)

// RunSummary describes one discovery or identify run
type RunSummary struct {
	RunID         string        `json:"run_id"`
	TenantID      string        `json:"tenant_id,omitempty"`
	Mode          RunMode       `json:"mode"`
	Status        RunStatus     `json:"status"`
	Version       string        `json:"version"`
	VersionSource VersionSource `json:"version_source"`
	Namespace     string        `json:"namespace,omitempty"`
	MessageRoot   string        `json:"message_root"`
	Stats         RunStats      `json:"stats"`
	Warnings      []Warning     `json:"warnings,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// RunStats holds the counters that absorb component-local failures
type RunStats struct {
	Fragments         int  `json:"fragments"`
	NodeFacts         int  `json:"node_facts"`
	ExtractionFailed  int  `json:"extraction_failed"`
	TruncatedSubtrees int  `json:"truncated_subtrees"`
	LenientParse      bool `json:"lenient_parse"`
	OracleRetries     int  `json:"oracle_retries"`

	PairsAnalyzed     int `json:"pairs_analyzed"`
	PairFailures      int `json:"pair_failures"`
	Relationships     int `json:"relationships"`
	ExpectedValid     int `json:"expected_valid"`
	ExpectedBroken    int `json:"expected_broken"`
	UnexpectedValid   int `json:"unexpected_valid"`
	UnexpectedBroken  int `json:"unexpected_broken"`
	PatternsCreated   int `json:"patterns_created"`
	PatternsUpdated   int `json:"patterns_updated"`
	PatternsUnchanged int `json:"patterns_unchanged"`
	Matches           int `json:"matches"`
}

// WarningCode classifies a run warning
type WarningCode string

const (
	WarnVersionDefaulted WarningCode = "version_defaulted"
	WarnLenientParse     WarningCode = "lenient_parse"
	WarnSubtreeFailed    WarningCode = "subtree_failed"
	WarnOracleFailure    WarningCode = "oracle_failure"
	WarnEmptyCatalog     WarningCode = "empty_catalog"
	WarnTruncated        WarningCode = "fragment_truncated"
	WarnCancelled        WarningCode = "cancelled"
)

// Warning is a surfaced, non-fatal condition of a run
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}

// AddWarning appends a warning to the summary
func (s *RunSummary) AddWarning(code WarningCode, message string) {
	s.Warnings = append(s.Warnings, Warning{Code: code, Message: message})
}

// GapReport is the per-run summary of unmatched library patterns and new structures
type GapReport struct {
	Total           int        `json:"total"`
	Matched         int        `json:"matched"`
	MatchRate       float64    `json:"match_rate"`
	MissingPatterns []Pattern  `json:"missing_patterns"`
	NewStructures   []NodeFact `json:"new_structures"`
}
