// Package store persists sources, chunks, queries, and answers in a single
// SQLite database. Vector search uses the sqlite-vec extension (vec0 virtual
// table) and lexical search uses FTS5; both index the chunks table.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Register the sqlite-vec extension with every new connection.
	sqlite_vec.Auto()
}

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrIllegalTransition is returned by SetSourceStatus when the
	// requested status change is not a legal lifecycle transition.
	ErrIllegalTransition = errors.New("store: illegal status transition")
)

// Store wraps a SQLite database holding all persistent state.
type Store struct {
	db           *sql.DB
	path         string
	embeddingDim int
}

// Source is an uploaded document in some stage of ingestion.
type Source struct {
	ID          string
	Name        string
	Type        string
	Status      string
	Error       string
	PayloadPath string
	ChunkCount  int
	Metadata    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is one retrievable span of a source's cleaned text.
type Chunk struct {
	ID          string
	SourceID    string
	Ord         int
	Text        string
	CharStart   int
	CharEnd     int
	PageStart   int
	PageEnd     int
	SectionPath string
	Embedding   []float32
}

// SearchResult is a chunk with a retrieval score. Higher is better for
// both vector and FTS results.
type SearchResult struct {
	Chunk Chunk
	Score float64
}

// Query is a logged question.
type Query struct {
	ID        string
	Question  string
	Mode      string
	SourceIDs string
	CreatedAt time.Time
}

// Answer is a stored answer payload. Payload holds the full response as
// JSON; the other columns exist for lookup.
type Answer struct {
	ID             string
	QueryID        string
	Question       string
	Mode           string
	Style          string
	Payload        string
	IdempotencyKey string
	CreatedAt      time.Time
}

// New opens (or creates) the database at path and prepares the schema.
// embeddingDim is the dimension of stored vectors; opening an existing
// database with a different dimension is an error.
func New(path string, embeddingDim int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite handles one writer at a time; keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(fmt.Sprintf(schemaSQL, embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{db: db, path: path, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	if err := s.checkEmbeddingDim(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// checkEmbeddingDim records the configured dimension on first open and
// rejects reopening with a different one, since vec_chunks cannot be
// resized in place.
func (s *Store) checkEmbeddingDim(ctx context.Context) error {
	var stored string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM store_meta WHERE key = 'embedding_dim'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO store_meta (key, value) VALUES ('embedding_dim', ?)",
			strconv.Itoa(s.embeddingDim))
		if err != nil {
			return fmt.Errorf("recording embedding dimension: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("reading embedding dimension: %w", err)
	}
	if dim, _ := strconv.Atoi(stored); dim != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: database has %s, configured %d", stored, s.embeddingDim)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB { return s.db }

// EmbeddingDim returns the configured vector dimension.
func (s *Store) EmbeddingDim() int { return s.embeddingDim }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// InsertSource stores a new source row.
func (s *Store) InsertSource(ctx context.Context, src Source) error {
	if src.Status == "" {
		src.Status = StatusUploaded
	}
	if src.Metadata == "" {
		src.Metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, source_type, status, error, payload_path, chunk_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.Type, src.Status, src.Error, src.PayloadPath, src.ChunkCount, src.Metadata)
	if err != nil {
		return fmt.Errorf("inserting source: %w", err)
	}
	return nil
}

const sourceColumns = "id, name, source_type, status, error, payload_path, chunk_count, metadata, created_at, updated_at"

func scanSource(row interface{ Scan(...any) error }) (Source, error) {
	var src Source
	err := row.Scan(&src.ID, &src.Name, &src.Type, &src.Status, &src.Error,
		&src.PayloadPath, &src.ChunkCount, &src.Metadata, &src.CreatedAt, &src.UpdatedAt)
	return src, err
}

// GetSource fetches a source by id.
func (s *Store) GetSource(ctx context.Context, id string) (Source, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sourceColumns+" FROM sources WHERE id = ?", id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Source{}, fmt.Errorf("getting source: %w", err)
	}
	return src, nil
}

// ListOptions filters and pages ListSources.
type ListOptions struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// ListSources returns matching sources newest-first plus the total count
// of matches ignoring Limit and Offset.
func (s *Store) ListSources(ctx context.Context, opts ListOptions) ([]Source, int, error) {
	where := ""
	var args []any
	var conds []string
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Type != "" {
		conds = append(conds, "source_type = ?")
		args = append(args, opts.Type)
	}
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sources"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting sources: %w", err)
	}

	q := "SELECT " + sourceColumns + " FROM sources" + where + " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning source: %w", err)
		}
		out = append(out, src)
	}
	return out, total, rows.Err()
}

// legalTransitions maps each status to the statuses it may move to.
var legalTransitions = map[string][]string{
	StatusUploaded:   {StatusProcessing},
	StatusProcessing: {StatusReady, StatusFailed},
	StatusFailed:     {StatusProcessing},
	StatusReady:      {StatusProcessing},
}

// SetSourceStatus moves a source to a new lifecycle status, guarding
// against illegal transitions. errMsg is stored on FAILED and cleared
// otherwise.
func (s *Store) SetSourceStatus(ctx context.Context, id, status, errMsg string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT status FROM sources WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("source %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading source status: %w", err)
		}

		allowed := false
		for _, next := range legalTransitions[current] {
			if next == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%s -> %s: %w", current, status, ErrIllegalTransition)
		}

		if status != StatusFailed {
			errMsg = ""
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE sources SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			status, errMsg, id)
		if err != nil {
			return fmt.Errorf("updating source status: %w", err)
		}
		return nil
	})
}

// DeleteSource removes a source and everything indexed from it. The FTS
// rows are removed by the chunks_ad trigger.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM sources WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("source %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking source: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_chunks WHERE chunk_id IN (SELECT id FROM chunks WHERE source_id = ?)", id); err != nil {
			return fmt.Errorf("deleting vectors: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE source_id = ?", id); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM sources WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting source: %w", err)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Chunks
// ---------------------------------------------------------------------------

// ReplaceChunks atomically swaps a source's indexed chunks for a new set,
// embeddings included, and updates the source's chunk count. Chunks must
// carry embeddings of the store's configured dimension.
func (s *Store) ReplaceChunks(ctx context.Context, sourceID string, chunks []Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != s.embeddingDim {
			return fmt.Errorf("chunk %s: embedding dimension %d, want %d", c.ID, len(c.Embedding), s.embeddingDim)
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_chunks WHERE chunk_id IN (SELECT id FROM chunks WHERE source_id = ?)", sourceID); err != nil {
			return fmt.Errorf("clearing vectors: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE source_id = ?", sourceID); err != nil {
			return fmt.Errorf("clearing chunks: %w", err)
		}

		chunkStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (chunk_id, source_id, ord, text, char_start, char_end, page_start, page_end, section_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing chunk insert: %w", err)
		}
		defer chunkStmt.Close()

		vecStmt, err := tx.PrepareContext(ctx,
			"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)")
		if err != nil {
			return fmt.Errorf("preparing vector insert: %w", err)
		}
		defer vecStmt.Close()

		for _, c := range chunks {
			res, err := chunkStmt.ExecContext(ctx,
				c.ID, sourceID, c.Ord, c.Text, c.CharStart, c.CharEnd, c.PageStart, c.PageEnd, c.SectionPath)
			if err != nil {
				return fmt.Errorf("inserting chunk %d: %w", c.Ord, err)
			}
			rowid, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading chunk rowid: %w", err)
			}
			blob, err := serializeFloat32(c.Embedding)
			if err != nil {
				return fmt.Errorf("serializing embedding: %w", err)
			}
			if _, err := vecStmt.ExecContext(ctx, rowid, blob); err != nil {
				return fmt.Errorf("inserting vector for chunk %d: %w", c.Ord, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE sources SET chunk_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			len(chunks), sourceID); err != nil {
			return fmt.Errorf("updating chunk count: %w", err)
		}
		return nil
	})
}

const chunkColumns = "c.chunk_id, c.source_id, c.ord, c.text, c.char_start, c.char_end, c.page_start, c.page_end, c.section_path"

func scanChunk(row interface{ Scan(...any) error }, extra ...any) (Chunk, error) {
	var c Chunk
	dest := []any{&c.ID, &c.SourceID, &c.Ord, &c.Text, &c.CharStart, &c.CharEnd, &c.PageStart, &c.PageEnd, &c.SectionPath}
	dest = append(dest, extra...)
	err := row.Scan(dest...)
	return c, err
}

// ChunksBySource returns a source's chunks in document order.
func (s *Store) ChunksBySource(ctx context.Context, sourceID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks c WHERE c.source_id = ? ORDER BY c.ord", sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunksByID fetches chunks by their public ids, preserving input order.
// Missing ids are skipped.
func (s *Store) ChunksByID(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks c WHERE c.chunk_id IN ("+repeatPlaceholders(len(ids))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks by id: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// ChunkEmbeddings returns the stored embedding for each requested chunk id.
// Missing ids are absent from the result.
func (s *Store) ChunkEmbeddings(ctx context.Context, ids []string) (map[string][]float32, error) {
	if len(ids) == 0 {
		return map[string][]float32{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chunk_id, v.embedding
		FROM chunks c
		JOIN vec_chunks v ON v.chunk_id = c.id
		WHERE c.chunk_id IN (`+repeatPlaceholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32, len(ids))
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		vec, err := deserializeFloat32(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		out[id] = vec
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// VectorSearch returns the k nearest chunks to the query embedding,
// scored as 1 - cosine distance. When sourceIDs is non-empty only chunks
// from those sources are returned; perSource > 0 caps hits per source.
func (s *Store) VectorSearch(ctx context.Context, embedding []float32, k int, sourceIDs []string, perSource int) ([]SearchResult, error) {
	if len(embedding) != s.embeddingDim {
		return nil, fmt.Errorf("query embedding dimension %d, want %d", len(embedding), s.embeddingDim)
	}
	blob, err := serializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("serializing query embedding: %w", err)
	}

	// KNN runs before the source filter so over-fetch when filtering.
	fetch := k
	if len(sourceIDs) > 0 || perSource > 0 {
		fetch = k * 4
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`, 1.0 - v.distance AS score
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, blob, fetch)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	results, err := collectResults(rows)
	if err != nil {
		return nil, err
	}
	return filterResults(results, k, sourceIDs, perSource), nil
}

// FTSSearch returns the top-k chunks by BM25 over the full-text index.
// The raw rank is negated so that higher scores are better, matching
// VectorSearch.
func (s *Store) FTSSearch(ctx context.Context, query string, k int, sourceIDs []string, perSource int) ([]SearchResult, error) {
	sanitized := sanitizeFTSQuery(query)
	if sanitized == "" {
		return nil, nil
	}

	fetch := k
	if len(sourceIDs) > 0 || perSource > 0 {
		fetch = k * 4
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chunkColumns+`, -chunks_fts.rank AS score
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY chunks_fts.rank
		LIMIT ?`, sanitized, fetch)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	results, err := collectResults(rows)
	if err != nil {
		return nil, err
	}
	return filterResults(results, k, sourceIDs, perSource), nil
}

func collectResults(rows *sql.Rows) ([]SearchResult, error) {
	var out []SearchResult
	for rows.Next() {
		var score float64
		c, err := scanChunk(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		out = append(out, SearchResult{Chunk: c, Score: score})
	}
	return out, rows.Err()
}

// filterResults applies the source filter and per-source quota, keeping
// the incoming score order, then truncates to k.
func filterResults(results []SearchResult, k int, sourceIDs []string, perSource int) []SearchResult {
	allowed := map[string]bool{}
	for _, id := range sourceIDs {
		allowed[id] = true
	}
	perSourceSeen := map[string]int{}

	out := make([]SearchResult, 0, k)
	for _, r := range results {
		if len(allowed) > 0 && !allowed[r.Chunk.SourceID] {
			continue
		}
		if perSource > 0 && perSourceSeen[r.Chunk.SourceID] >= perSource {
			continue
		}
		perSourceSeen[r.Chunk.SourceID]++
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out
}

// sanitizeFTSQuery quotes each token so FTS5 operator characters in user
// input cannot change the query semantics.
func sanitizeFTSQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'`)
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// ---------------------------------------------------------------------------
// Queries and answers
// ---------------------------------------------------------------------------

// InsertQuery logs a question.
func (s *Store) InsertQuery(ctx context.Context, q Query) error {
	if q.Mode == "" {
		q.Mode = "standard"
	}
	if q.SourceIDs == "" {
		q.SourceIDs = "[]"
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO queries (id, question, mode, source_ids) VALUES (?, ?, ?, ?)",
		q.ID, q.Question, q.Mode, q.SourceIDs)
	if err != nil {
		return fmt.Errorf("inserting query: %w", err)
	}
	return nil
}

// InsertAnswer stores an answer payload.
func (s *Store) InsertAnswer(ctx context.Context, a Answer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO answers (id, query_id, question, query_mode, answer_style, payload, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.QueryID, a.Question, a.Mode, a.Style, a.Payload, a.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("inserting answer: %w", err)
	}
	return nil
}

const answerColumns = "id, query_id, question, query_mode, answer_style, payload, idempotency_key, created_at"

func scanAnswer(row interface{ Scan(...any) error }) (Answer, error) {
	var a Answer
	err := row.Scan(&a.ID, &a.QueryID, &a.Question, &a.Mode, &a.Style, &a.Payload, &a.IdempotencyKey, &a.CreatedAt)
	return a, err
}

// GetAnswer fetches a stored answer by id.
func (s *Store) GetAnswer(ctx context.Context, id string) (Answer, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+answerColumns+" FROM answers WHERE id = ?", id)
	a, err := scanAnswer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Answer{}, fmt.Errorf("answer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Answer{}, fmt.Errorf("getting answer: %w", err)
	}
	return a, nil
}

// FindAnswerByIdempotencyKey returns the newest answer stored under the
// given key and query mode, or ErrNotFound.
func (s *Store) FindAnswerByIdempotencyKey(ctx context.Context, key, mode string) (Answer, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+answerColumns+" FROM answers WHERE idempotency_key = ? AND query_mode = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		key, mode)
	a, err := scanAnswer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Answer{}, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Answer{}, fmt.Errorf("finding answer by idempotency key: %w", err)
	}
	return a, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// serializeFloat32 encodes a vector as little-endian bytes for sqlite-vec.
func serializeFloat32(vector []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeFloat32 decodes a sqlite-vec embedding blob.
func deserializeFloat32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// repeatPlaceholders returns "?, ?, ..." with n placeholders.
func repeatPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
