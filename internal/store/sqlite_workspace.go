package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/embedding"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

const docCols = `id, user_id, path, content, importance, access_count,
	last_accessed_at, event_date, source_url, tags, created_at, updated_at`

// UpsertDocument writes the document row and replaces its chunks in one
// transaction. The FTS index rows are kept in lockstep with the chunks
// table inside the same transaction.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, d *types.MemoryDocument, chunks []*types.MemoryChunk) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.LastAccessedAt.IsZero() {
		d.LastAccessedAt = now
	}
	tags, _ := json.Marshal(d.Tags)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPool, err)
	}
	defer tx.Rollback()

	// Reuse the existing document ID on content replace so connections
	// and space memberships survive.
	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE user_id = ? AND path = ?`, d.UserID, d.Path).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (`+docCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID.String(), d.UserID, d.Path, d.Content, d.Importance, d.AccessCount,
			fmtTime(d.LastAccessedAt), fmtNullTime(d.EventDate), d.SourceURL,
			string(tags), fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt)); err != nil {
			return wrapErr(err)
		}
	case err != nil:
		return wrapErr(err)
	default:
		d.ID = uuid.MustParse(existingID)
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET content = ?, importance = ?, event_date = ?,
				source_url = ?, tags = ?, updated_at = ?
			WHERE id = ?`,
			d.Content, d.Importance, fmtNullTime(d.EventDate), d.SourceURL,
			string(tags), fmtTime(d.UpdatedAt), existingID); err != nil {
			return wrapErr(err)
		}
	}

	// Delete-then-insert chunk replacement.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`,
		d.ID.String()); err != nil {
		return wrapErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ?`, d.ID.String()); err != nil {
		return wrapErr(err)
	}
	for _, c := range chunks {
		c.DocumentID = d.ID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, content, embedding)
			VALUES (?, ?, ?, ?, ?)`,
			c.ID.String(), d.ID.String(), c.ChunkIndex, c.Content, encodeVector(c.Embedding)); err != nil {
			return wrapErr(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (content, chunk_id) VALUES (?, ?)`,
			c.Content, c.ID.String()); err != nil {
			return wrapErr(err)
		}
	}
	return wrapErr(tx.Commit())
}

func scanDocument(scan func(...any) error) (*types.MemoryDocument, error) {
	var d types.MemoryDocument
	var id, lastAccessed, tags, created, updated string
	var eventDate sql.NullString
	if err := scan(&id, &d.UserID, &d.Path, &d.Content, &d.Importance, &d.AccessCount,
		&lastAccessed, &eventDate, &d.SourceURL, &tags, &created, &updated); err != nil {
		return nil, wrapErr(err)
	}
	d.ID = uuid.MustParse(id)
	d.LastAccessedAt = parseTime(lastAccessed)
	d.EventDate = parseNullTime(eventDate)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	json.Unmarshal([]byte(tags), &d.Tags)
	return &d, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, userID, path string) (*types.MemoryDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docCols+` FROM documents WHERE user_id = ? AND path = ?`, userID, path)
	return scanDocument(row.Scan)
}

func (s *SQLiteStore) GetDocumentByID(ctx context.Context, id uuid.UUID) (*types.MemoryDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docCols+` FROM documents WHERE id = ?`, id.String())
	return scanDocument(row.Scan)
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, userID, pathPrefix string, limit int) ([]*types.MemoryDocument, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+docCols+` FROM documents
		WHERE user_id = ? AND path LIKE ? ORDER BY path LIMIT ?`,
		userID, pathPrefix+"%", limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.MemoryDocument
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, userID, path string) error {
	// FTS rows are not covered by the cascade; remove them first.
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE user_id = ? AND path = ?`, userID, path).Scan(&id)
	if err != nil {
		return wrapErr(err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, id); err != nil {
		return wrapErr(err)
	}
	return s.execOne(ctx, `DELETE FROM documents WHERE id = ?`, id)
}

func (s *SQLiteStore) RecordDocumentAccess(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, `
		UPDATE documents SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id.String())
}

// --- chunks ---

func (s *SQLiteStore) GetChunks(ctx context.Context, documentID uuid.UUID) ([]*types.MemoryChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, embedding FROM chunks
		WHERE document_id = ? ORDER BY chunk_index`, documentID.String())
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

func collectChunks(rows *sql.Rows) ([]*types.MemoryChunk, error) {
	var out []*types.MemoryChunk
	for rows.Next() {
		var c types.MemoryChunk
		var id, docID string
		var emb []byte
		if err := rows.Scan(&id, &docID, &c.ChunkIndex, &c.Content, &emb); err != nil {
			return nil, wrapErr(err)
		}
		c.ID = uuid.MustParse(id)
		c.DocumentID = uuid.MustParse(docID)
		c.Embedding = decodeVector(emb)
		out = append(out, &c)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) UpdateChunkEmbedding(ctx context.Context, chunkID uuid.UUID, emb []float32) error {
	return s.execOne(ctx, `UPDATE chunks SET embedding = ? WHERE id = ?`,
		encodeVector(emb), chunkID.String())
}

func (s *SQLiteStore) ListChunksMissingEmbedding(ctx context.Context, userID string, limit int) ([]*types.MemoryChunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.embedding
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.user_id = ? AND c.embedding IS NULL LIMIT ?`, userID, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// --- hybrid search ---

// HybridSearch runs the lexical FTS5 list, optionally the vector list
// (full-scan cosine over stored blobs), and fuses with RRF.
func (s *SQLiteStore) HybridSearch(ctx context.Context, q SearchQuery) ([]types.SearchResult, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	overscan := q.Limit * 4
	if overscan < 20 {
		overscan = 20
	}

	var lexical []rankedChunk
	if q.Mode != types.SearchVector {
		var err error
		lexical, err = s.lexicalSearch(ctx, q, overscan)
		if err != nil {
			return nil, err
		}
	}

	var vector []rankedChunk
	if len(q.QueryEmbedding) > 0 && q.Mode != types.SearchLexical {
		var err error
		vector, err = s.vectorSearch(ctx, q, overscan)
		if err != nil {
			return nil, err
		}
	}

	return fuseRRF(lexical, vector, q.RRFK0, q.Limit), nil
}

func (s *SQLiteStore) lexicalSearch(ctx context.Context, q SearchQuery, limit int) ([]rankedChunk, error) {
	match := ftsQuery(q.QueryText)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, d.id, d.path, c.chunk_index, c.content,
			d.last_accessed_at, d.importance
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ? AND d.user_id = ? AND d.path LIKE ?
		ORDER BY rank LIMIT ?`,
		match, q.UserID, q.Filters.PathPrefix+"%", limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectRanked(rows)
}

func collectRanked(rows *sql.Rows) ([]rankedChunk, error) {
	var out []rankedChunk
	for rows.Next() {
		var c rankedChunk
		var chunkID, docID, lastAccessed string
		if err := rows.Scan(&chunkID, &docID, &c.Path, &c.ChunkIndex, &c.Content,
			&lastAccessed, &c.Importance); err != nil {
			return nil, wrapErr(err)
		}
		c.ChunkID = uuid.MustParse(chunkID)
		c.DocumentID = uuid.MustParse(docID)
		c.LastAccessedUnix = parseTime(lastAccessed).UnixNano()
		out = append(out, c)
	}
	return out, wrapErr(rows.Err())
}

// vectorSearch is a full scan over stored embeddings. Workspaces are
// single-user; corpus size stays small enough that a scan beats
// maintaining an ANN index on the pure-Go driver. The cgo build can swap
// in sqlite-vec via the sqlite_vec build tag.
func (s *SQLiteStore) vectorSearch(ctx context.Context, q SearchQuery, limit int) ([]rankedChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, d.id, d.path, c.chunk_index, c.content,
			d.last_accessed_at, d.importance, c.embedding
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.user_id = ? AND d.path LIKE ? AND c.embedding IS NOT NULL`,
		q.UserID, q.Filters.PathPrefix+"%")
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	type scored struct {
		chunk rankedChunk
		sim   float64
	}
	var candidates []scored
	for rows.Next() {
		var c rankedChunk
		var chunkID, docID, lastAccessed string
		var emb []byte
		if err := rows.Scan(&chunkID, &docID, &c.Path, &c.ChunkIndex, &c.Content,
			&lastAccessed, &c.Importance, &emb); err != nil {
			return nil, wrapErr(err)
		}
		vec := decodeVector(emb)
		if len(vec) != len(q.QueryEmbedding) {
			continue // dimension mismatch, needs reindex
		}
		sim, err := embedding.CosineSimilarity(q.QueryEmbedding, vec)
		if err != nil {
			continue
		}
		c.ChunkID = uuid.MustParse(chunkID)
		c.DocumentID = uuid.MustParse(docID)
		c.LastAccessedUnix = parseTime(lastAccessed).UnixNano()
		candidates = append(candidates, scored{chunk: c, sim: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}

	// Highest similarity first.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].sim > candidates[j-1].sim; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]rankedChunk, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].chunk
	}
	return out, nil
}

// ftsQuery turns free text into a safe FTS5 OR query of quoted tokens.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f != "" {
			quoted = append(quoted, `"`+f+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}

// --- connections ---

func (s *SQLiteStore) UpsertConnection(ctx context.Context, c *types.MemoryConnection) error {
	if c.SourceID == c.TargetID {
		return fmt.Errorf("%w: self connection", types.ErrConstraint)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (source_id, target_id, connection_type, strength, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, connection_type) DO UPDATE SET
			strength = excluded.strength, metadata = excluded.metadata`,
		c.SourceID.String(), c.TargetID.String(), string(c.Type),
		c.Strength, jsonText(c.Metadata), fmtTime(c.CreatedAt))
	return wrapErr(err)
}

func (s *SQLiteStore) ListConnections(ctx context.Context, sourceID uuid.UUID) ([]*types.MemoryConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, connection_type, strength, metadata, created_at
		FROM connections WHERE source_id = ?`, sourceID.String())
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.MemoryConnection
	for rows.Next() {
		var c types.MemoryConnection
		var src, dst, typ, meta, created string
		if err := rows.Scan(&src, &dst, &typ, &c.Strength, &meta, &created); err != nil {
			return nil, wrapErr(err)
		}
		c.SourceID = uuid.MustParse(src)
		c.TargetID = uuid.MustParse(dst)
		c.Type = types.ConnectionType(typ)
		c.CreatedAt = parseTime(created)
		json.Unmarshal([]byte(meta), &c.Metadata)
		out = append(out, &c)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, sourceID, targetID uuid.UUID, typ types.ConnectionType) error {
	return s.execOne(ctx, `
		DELETE FROM connections WHERE source_id = ? AND target_id = ? AND connection_type = ?`,
		sourceID.String(), targetID.String(), string(typ))
}

// TraverseConnections walks the graph breadth-first. Depth is clamped to
// [1,10]; the visited set makes cycles terminate.
func (s *SQLiteStore) TraverseConnections(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]*types.MemoryConnection, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 10 {
		maxDepth = 10
	}

	visited := map[uuid.UUID]bool{rootID: true}
	frontier := []uuid.UUID{rootID}
	var out []*types.MemoryConnection

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []uuid.UUID
		for _, id := range frontier {
			conns, err := s.ListConnections(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range conns {
				out = append(out, c)
				if !visited[c.TargetID] {
					visited[c.TargetID] = true
					next = append(next, c.TargetID)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// --- spaces ---

func (s *SQLiteStore) CreateSpace(ctx context.Context, sp *types.MemorySpace) error {
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spaces (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		sp.ID.String(), sp.UserID, sp.Name, fmtTime(sp.CreatedAt))
	return wrapErr(err)
}

func (s *SQLiteStore) GetSpaceByName(ctx context.Context, userID, name string) (*types.MemorySpace, error) {
	var sp types.MemorySpace
	var id, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, created_at FROM spaces WHERE user_id = ? AND name = ?`,
		userID, name).Scan(&id, &sp.UserID, &sp.Name, &created)
	if err != nil {
		return nil, wrapErr(err)
	}
	sp.ID = uuid.MustParse(id)
	sp.CreatedAt = parseTime(created)

	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id FROM space_documents WHERE space_id = ?`, id)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, wrapErr(err)
		}
		sp.Documents = append(sp.Documents, uuid.MustParse(docID))
	}
	return &sp, wrapErr(rows.Err())
}

func (s *SQLiteStore) ListSpaces(ctx context.Context, userID string) ([]*types.MemorySpace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at FROM spaces WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.MemorySpace
	for rows.Next() {
		var sp types.MemorySpace
		var id, created string
		if err := rows.Scan(&id, &sp.UserID, &sp.Name, &created); err != nil {
			return nil, wrapErr(err)
		}
		sp.ID = uuid.MustParse(id)
		sp.CreatedAt = parseTime(created)
		out = append(out, &sp)
	}
	return out, wrapErr(rows.Err())
}

func (s *SQLiteStore) AddToSpace(ctx context.Context, spaceID, documentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO space_documents (space_id, document_id) VALUES (?, ?)`,
		spaceID.String(), documentID.String())
	return wrapErr(err)
}

// --- profile entries ---

func (s *SQLiteStore) UpsertProfileEntry(ctx context.Context, e *types.UserProfileEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_entries (user_id, key, profile_type, value, confidence, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			profile_type = excluded.profile_type, value = excluded.value,
			confidence = excluded.confidence, source = excluded.source,
			updated_at = excluded.updated_at`,
		e.UserID, e.Key, string(e.Type), e.Value, e.Confidence, e.Source, fmtTime(time.Now()))
	return wrapErr(err)
}

func (s *SQLiteStore) GetProfileEntry(ctx context.Context, userID, key string) (*types.UserProfileEntry, error) {
	var e types.UserProfileEntry
	var typ, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, key, profile_type, value, confidence, source, updated_at
		FROM profile_entries WHERE user_id = ? AND key = ?`, userID, key).
		Scan(&e.UserID, &e.Key, &typ, &e.Value, &e.Confidence, &e.Source, &updated)
	if err != nil {
		return nil, wrapErr(err)
	}
	e.Type = types.ProfileType(typ)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

func (s *SQLiteStore) ListProfileEntries(ctx context.Context, userID string) ([]*types.UserProfileEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, key, profile_type, value, confidence, source, updated_at
		FROM profile_entries WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []*types.UserProfileEntry
	for rows.Next() {
		var e types.UserProfileEntry
		var typ, updated string
		if err := rows.Scan(&e.UserID, &e.Key, &typ, &e.Value, &e.Confidence, &e.Source, &updated); err != nil {
			return nil, wrapErr(err)
		}
		e.Type = types.ProfileType(typ)
		e.UpdatedAt = parseTime(updated)
		out = append(out, &e)
	}
	return out, wrapErr(rows.Err())
}
