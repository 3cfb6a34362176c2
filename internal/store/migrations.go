package store

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

CREATE TABLE IF NOT EXISTS folders (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	name              TEXT NOT NULL UNIQUE,
	display_class     TEXT NOT NULL DEFAULT 'NO_CLASS',
	sync_class        TEXT NOT NULL DEFAULT 'INHERITED',
	push_class        TEXT NOT NULL DEFAULT 'INHERITED',
	notify_class      TEXT NOT NULL DEFAULT 'INHERITED',
	visible_limit     INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT '',
	last_checked      INTEGER NOT NULL DEFAULT 0,
	last_pushed       INTEGER NOT NULL DEFAULT 0,
	more_messages     TEXT NOT NULL DEFAULT 'unknown',
	push_state        TEXT NOT NULL DEFAULT '',
	last_notified_uid INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_id     INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid           TEXT NOT NULL,
	flags         TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	sender        TEXT NOT NULL DEFAULT '[]',
	recipients    TEXT NOT NULL DEFAULT '[]',
	message_id    TEXT NOT NULL DEFAULT '',
	date          INTEGER NOT NULL DEFAULT 0,
	internal_date INTEGER NOT NULL DEFAULT 0,
	size          INTEGER NOT NULL DEFAULT 0,
	headers       TEXT NOT NULL DEFAULT '{}',
	body          TEXT NOT NULL DEFAULT '',
	parts         TEXT NOT NULL DEFAULT '[]',
	UNIQUE(folder_id, uid)
);

CREATE TABLE IF NOT EXISTS pending_commands (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_folder_id ON messages(folder_id);
CREATE INDEX IF NOT EXISTS idx_messages_uid ON messages(folder_id, uid);
CREATE INDEX IF NOT EXISTS idx_messages_internal_date ON messages(internal_date);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_flags ON messages(folder_id, flags);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
