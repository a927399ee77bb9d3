package store

// Source lifecycle states. Transitions are enforced by SetSourceStatus.
const (
	StatusUploaded   = "UPLOADED"
	StatusProcessing = "PROCESSING"
	StatusReady      = "READY"
	StatusFailed     = "FAILED"
)

// schemaSQL is the base schema. The single %d placeholder is the embedding
// dimension of the vec0 virtual table.
//
// chunks keeps an integer rowid (id) so the FTS5 external-content table and
// the vec0 table can join on it; the stable public identifier is chunk_id.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS store_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	source_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'UPLOADED',
	error TEXT NOT NULL DEFAULT '',
	payload_path TEXT NOT NULL DEFAULT '',
	chunk_count INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sources_status ON sources(status);

CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chunk_id TEXT NOT NULL UNIQUE,
	source_id TEXT NOT NULL REFERENCES sources(id),
	ord INTEGER NOT NULL,
	text TEXT NOT NULL,
	char_start INTEGER NOT NULL DEFAULT 0,
	char_end INTEGER NOT NULL DEFAULT 0,
	page_start INTEGER NOT NULL DEFAULT 0,
	page_end INTEGER NOT NULL DEFAULT 0,
	section_path TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id, ord);

-- Full-text index over chunk text, kept in sync with the chunks table
-- via the triggers below.
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	text,
	content='chunks',
	content_rowid='id',
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
	INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;

CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.id, old.text);
END;

CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, text) VALUES ('delete', old.id, old.text);
	INSERT INTO chunks_fts(rowid, text) VALUES (new.id, new.text);
END;

-- Vector index. chunk_id mirrors chunks.id (the rowid, not the uuid).
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
	chunk_id INTEGER PRIMARY KEY,
	embedding float[%d]
);

CREATE TABLE IF NOT EXISTS queries (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT 'standard',
	source_ids TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS answers (
	id TEXT PRIMARY KEY,
	query_id TEXT NOT NULL,
	question TEXT NOT NULL,
	query_mode TEXT NOT NULL DEFAULT 'standard',
	answer_style TEXT NOT NULL DEFAULT 'direct',
	payload TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_answers_idempotency ON answers(idempotency_key, query_mode);
`
