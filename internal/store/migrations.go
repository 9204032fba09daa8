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

CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	kind             TEXT NOT NULL,
	host             TEXT NOT NULL DEFAULT '',
	port             INTEGER NOT NULL DEFAULT 0,
	tls              TEXT NOT NULL DEFAULT 'tls',
	username         TEXT NOT NULL DEFAULT '',
	secret_ref       TEXT NOT NULL DEFAULT '',
	tenant_id        TEXT NOT NULL DEFAULT '',
	client_id        TEXT NOT NULL DEFAULT '',
	mailbox          TEXT NOT NULL DEFAULT '',
	base_url         TEXT NOT NULL DEFAULT '',
	token_url        TEXT NOT NULL DEFAULT '',
	enabled          INTEGER NOT NULL DEFAULT 1,
	excluded_folders TEXT NOT NULL DEFAULT '[]',
	retention_days   INTEGER NOT NULL DEFAULT 0,
	checkpoint       DATETIME,
	config_hash      TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	dedup_key     TEXT NOT NULL,
	message_id    TEXT NOT NULL DEFAULT '',
	fingerprint   TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	from_addrs    TEXT NOT NULL DEFAULT '[]',
	to_addrs      TEXT NOT NULL DEFAULT '[]',
	cc_addrs      TEXT NOT NULL DEFAULT '[]',
	bcc_addrs     TEXT NOT NULL DEFAULT '[]',
	sent_at       DATETIME NOT NULL,
	sent_ms       INTEGER NOT NULL,
	received_at   DATETIME NOT NULL,
	direction     TEXT NOT NULL DEFAULT 'incoming',
	folder        TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL DEFAULT '',
	html_body     TEXT NOT NULL DEFAULT '',
	body_original TEXT NOT NULL DEFAULT '',
	html_original TEXT NOT NULL DEFAULT '',
	truncated     INTEGER NOT NULL DEFAULT 0,
	size          INTEGER NOT NULL DEFAULT 0,
	archived_at   DATETIME NOT NULL,
	UNIQUE (account_id, dedup_key)
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
	content_id   TEXT NOT NULL DEFAULT '',
	inline       INTEGER NOT NULL DEFAULT 0,
	size         INTEGER NOT NULL DEFAULT 0,
	content      BLOB
);

CREATE TABLE IF NOT EXISTS job_log (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	family      TEXT NOT NULL,
	account_id  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	processed   INTEGER NOT NULL DEFAULT 0,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	message     TEXT NOT NULL DEFAULT '',
	started_at  DATETIME,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id, sent_ms);
CREATE INDEX IF NOT EXISTS idx_messages_fingerprint ON messages(account_id, fingerprint, sent_ms);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_job_log_job ON job_log(job_id);
CREATE INDEX IF NOT EXISTS idx_job_log_account ON job_log(account_id, finished_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	subject, body, addresses
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts (rowid, subject, body, addresses)
	VALUES (new.rowid, new.subject, new.body, new.from_addrs || ' ' || new.to_addrs || ' ' || new.cc_addrs);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
	DELETE FROM messages_fts WHERE rowid = old.rowid;
END;

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
