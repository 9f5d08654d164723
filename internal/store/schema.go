package store

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	version_source TEXT NOT NULL DEFAULT '',
	namespace TEXT NOT NULL DEFAULT '',
	message_root TEXT NOT NULL DEFAULT '',
	stats TEXT NOT NULL DEFAULT '{}',
	warnings TEXT NOT NULL DEFAULT '[]',
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS node_facts (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	version TEXT NOT NULL,
	message_root TEXT NOT NULL,
	section TEXT NOT NULL,
	node_type TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	payload TEXT NOT NULL,
	masked INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	UNIQUE (run_id, section, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_node_facts_run ON node_facts(run_id);

CREATE TABLE IF NOT EXISTS node_relationships (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	source_section TEXT NOT NULL,
	source_ordinal INTEGER NOT NULL,
	source_node_type TEXT NOT NULL,
	target_section TEXT NOT NULL,
	reference_type TEXT NOT NULL,
	field_name TEXT NOT NULL,
	raw_value TEXT NOT NULL,
	valid INTEGER NOT NULL,
	expected INTEGER NOT NULL,
	confidence REAL NOT NULL,
	matched_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_node_relationships_run ON node_relationships(run_id);

CREATE TABLE IF NOT EXISTS patterns (
	id TEXT PRIMARY KEY,
	tenant_scope TEXT NOT NULL,
	version TEXT NOT NULL,
	message_root TEXT NOT NULL,
	section TEXT NOT NULL,
	node_type TEXT NOT NULL,
	rule TEXT NOT NULL,
	signature_hash TEXT NOT NULL,
	times_seen INTEGER NOT NULL DEFAULT 1,
	supersedes_id TEXT NOT NULL DEFAULT '',
	examples TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (tenant_scope, signature_hash)
);

CREATE INDEX IF NOT EXISTS idx_patterns_scope ON patterns(tenant_scope, message_root, version);

CREATE TABLE IF NOT EXISTS pattern_observations (
	pattern_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	observed_at TEXT NOT NULL,
	PRIMARY KEY (pattern_id, run_id)
);

CREATE TABLE IF NOT EXISTS pattern_matches (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	node_fact_id TEXT NOT NULL,
	section TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	pattern_id TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL,
	verdict TEXT NOT NULL,
	factors TEXT NOT NULL DEFAULT '[]',
	penalty REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pattern_matches_run ON pattern_matches(run_id);
`

// initSchema creates the database schema if it doesn't exist
func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}
