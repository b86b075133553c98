package sqlite

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS modifiers (
	id              TEXT PRIMARY KEY,
	entity_id       TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	operation       TEXT NOT NULL,
	provider        TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'PENDING',
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 5,
	created_at      DATETIME NOT NULL,
	last_attempt_at DATETIME,
	next_attempt_at DATETIME,
	resolved_at     DATETIME,
	last_error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_modifiers_status ON modifiers(status);
CREATE INDEX IF NOT EXISTS idx_modifiers_entity_id ON modifiers(entity_id);
CREATE INDEX IF NOT EXISTS idx_modifiers_created_at ON modifiers(created_at);
CREATE INDEX IF NOT EXISTS idx_modifiers_resolved_at ON modifiers(resolved_at);

CREATE TABLE IF NOT EXISTS sync_progress (
	account_id            TEXT PRIMARY KEY,
	provider              TEXT NOT NULL,
	last_sync_at          DATETIME NOT NULL,
	initial_sync_complete INTEGER NOT NULL DEFAULT 0 CHECK(initial_sync_complete IN (0, 1)),
	sync_cursor           TEXT NOT NULL DEFAULT ''
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
