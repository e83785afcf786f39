package registry

// Definitions are stored as one JSON document per (id, kind), versioned
// on update. Compatible with both SQLite and PostgreSQL.
const schemaDefinitions = `
CREATE TABLE IF NOT EXISTS definitions (
    id TEXT NOT NULL,
    kind TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    spec TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, kind)
);

CREATE INDEX IF NOT EXISTS idx_definitions_kind ON definitions(kind);
CREATE INDEX IF NOT EXISTS idx_definitions_enabled ON definitions(kind, enabled);
`
