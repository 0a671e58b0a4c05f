package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "facts: per-thread records at three resolutions",
		SQL: `
CREATE TABLE facts (
    id             INTEGER PRIMARY KEY,
    scope          TEXT NOT NULL,
    key            TEXT NOT NULL,

    -- Three resolutions
    brief          TEXT NOT NULL DEFAULT '',
    standard       TEXT NOT NULL DEFAULT '',
    detailed       TEXT NOT NULL DEFAULT '',

    weight         REAL NOT NULL DEFAULT 0.5 CHECK (weight >= 0 AND weight <= 1),
    protected      INTEGER NOT NULL DEFAULT 0,

    -- Access stats
    access_count   INTEGER NOT NULL DEFAULT 0,
    last_access    INTEGER,

    source         TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,

    UNIQUE (scope, key)
);

CREATE INDEX idx_facts_scope_weight ON facts(scope, weight DESC);
CREATE INDEX idx_facts_updated      ON facts(updated_at);
`,
	},
	{
		Version:     2,
		Description: "concept_edges: undirected association graph",
		SQL: `
CREATE TABLE concept_edges (
    concept_a   TEXT NOT NULL,
    concept_b   TEXT NOT NULL,
    strength    REAL NOT NULL CHECK (strength >= 0 AND strength <= 1),
    last_fired  INTEGER NOT NULL,

    PRIMARY KEY (concept_a, concept_b),
    CHECK (concept_a < concept_b)
);

CREATE INDEX idx_edges_b ON concept_edges(concept_b);
`,
	},
	{
		Version:     3,
		Description: "temp_facts: provisional observations awaiting consolidation",
		SQL: `
CREATE TABLE temp_facts (
    id          TEXT PRIMARY KEY,
    text        TEXT NOT NULL,
    source      TEXT NOT NULL DEFAULT '',
    hint_key    TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'pending'
                CHECK (status IN ('pending', 'pending_review', 'approved', 'rejected', 'consolidated')),

    -- Score breakdown
    permanence  REAL NOT NULL DEFAULT 0,
    relevance   REAL NOT NULL DEFAULT 0,
    identity    REAL NOT NULL DEFAULT 0,
    total       REAL NOT NULL DEFAULT 0,

    reason      TEXT NOT NULL DEFAULT '',
    processed   INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX idx_temp_status    ON temp_facts(status);
CREATE INDEX idx_temp_processed ON temp_facts(processed, created_at);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
