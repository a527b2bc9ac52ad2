package registry

// schema is executed once at startup. Everything is CREATE IF NOT EXISTS,
// so bootstrap is idempotent and a single-table registry needs no
// migration runner.
const schema = `
CREATE TABLE IF NOT EXISTS maps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	source_url TEXT NOT NULL,
	source_kind TEXT NOT NULL CHECK (source_kind IN ('workshop', 'other')),
	workshop_id INTEGER NULL,
	installed_path TEXT NOT NULL,
	installed_at TEXT NOT NULL,
	version TEXT NULL,
	checksum TEXT NULL,
	checksum_kind TEXT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_maps_name ON maps(name);
`
