package sqlite

import "database/sql"

// schema contains the SQL statements to set up the database schema.
// These run on startup to ensure tables exist.
//
// Session documents are stored as JSON in the doc column; the other columns are
// copies of the fields the store filters or orders by.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    status TEXT NOT NULL,
    saved_at INTEGER,
    updated_at INTEGER NOT NULL,
    doc TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions(owner_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_sessions_owner_status ON sessions(owner_id, status);

CREATE TABLE IF NOT EXISTS collab_sessions (
    id TEXT PRIMARY KEY,
    share_code TEXT NOT NULL,
    status TEXT NOT NULL,
    last_activity INTEGER NOT NULL,
    doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_collab_sessions_share_code ON collab_sessions(share_code);

CREATE TABLE IF NOT EXISTS friends (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    venmo_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS squads (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS squad_members (
    squad_id TEXT NOT NULL,
    friend_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (squad_id, friend_id),
    FOREIGN KEY (squad_id) REFERENCES squads(id) ON DELETE CASCADE,
    FOREIGN KEY (friend_id) REFERENCES friends(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS extraction_cache (
    hash TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_friends_owner_id ON friends(owner_id);
CREATE INDEX IF NOT EXISTS idx_squads_owner_id ON squads(owner_id);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
