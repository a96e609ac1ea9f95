package workspace

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/embedding"
	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// pathLockShards bounds the per-path write mutex table.
const pathLockShards = 64

// Workspace is the document service over the persistence port. Writes to
// the same path serialize on a sharded mutex; the store itself stays
// last-writer-wins.
type Workspace struct {
	store   store.WorkspaceStore
	chunker *Chunker
	embed   embedding.Engine

	locks [pathLockShards]sync.Mutex

	// accessWG tracks best-effort async access recording so Close can
	// drain it in tests.
	accessWG sync.WaitGroup
}

// New creates the workspace service. embed may be nil; documents then
// participate in lexical search only.
func New(s store.WorkspaceStore, chunker *Chunker, embed embedding.Engine) *Workspace {
	if chunker == nil {
		chunker = NewChunker(DefaultChunkerConfig())
	}
	return &Workspace{store: s, chunker: chunker, embed: embed}
}

func (w *Workspace) lockFor(userID, path string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return &w.locks[h.Sum32()%pathLockShards]
}

// Write stores a document at path: normalize, reject protected paths,
// replace content, re-chunk, and enqueue embeddings. Embedding failures
// never fail the write.
func (w *Workspace) Write(ctx context.Context, doc *types.MemoryDocument) error {
	normalized, err := CheckWritable(doc.Path)
	if err != nil {
		return err
	}
	return w.write(ctx, doc, normalized)
}

// WriteUnchecked bypasses only the identity-file guard; the CLI memory
// command and onboarding use it to seed the identity documents. Path
// normalization still applies.
func (w *Workspace) WriteUnchecked(ctx context.Context, doc *types.MemoryDocument) error {
	normalized, err := NormalizePath(doc.Path)
	if err != nil {
		return err
	}
	return w.write(ctx, doc, normalized)
}

func (w *Workspace) write(ctx context.Context, doc *types.MemoryDocument, normalized string) error {
	doc.Path = normalized
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}

	pieces := w.chunker.Chunk(doc.Content)
	chunks := make([]*types.MemoryChunk, len(pieces))
	for i, content := range pieces {
		chunks[i] = &types.MemoryChunk{
			ID:         uuid.New(),
			ChunkIndex: i,
			Content:    content,
		}
	}

	// Best-effort synchronous embedding; a failure leaves embeddings nil
	// and the chunks contribute to lexical search only. The reembed
	// worker picks them up later.
	if w.embed != nil && len(pieces) > 0 {
		vecs, err := w.embed.EmbedBatch(ctx, pieces)
		if err != nil {
			logging.Get(logging.CategoryWorkspace).Warn("embedding failed for %s: %v", normalized, err)
		} else {
			for i := range chunks {
				chunks[i].Embedding = vecs[i]
			}
		}
	}

	mu := w.lockFor(doc.UserID, normalized)
	mu.Lock()
	defer mu.Unlock()

	if err := w.store.UpsertDocument(ctx, doc, chunks); err != nil {
		return err
	}
	logging.Get(logging.CategoryWorkspace).Debug("wrote %s (%d chunks)", normalized, len(chunks))
	return nil
}

// Read fetches a document and records the access asynchronously.
func (w *Workspace) Read(ctx context.Context, userID, path string) (*types.MemoryDocument, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	doc, err := w.store.GetDocument(ctx, userID, normalized)
	if err != nil {
		return nil, err
	}
	w.recordAccess(doc.ID)
	return doc, nil
}

// ReadIdentity reads an identity file without counting an access; the
// worker injects these into every prompt and the counters would drown
// real signal.
func (w *Workspace) ReadIdentity(ctx context.Context, userID, path string) (*types.MemoryDocument, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	return w.store.GetDocument(ctx, userID, normalized)
}

// Delete removes a document.
func (w *Workspace) Delete(ctx context.Context, userID, path string) error {
	normalized, err := CheckWritable(path)
	if err != nil {
		return err
	}
	mu := w.lockFor(userID, normalized)
	mu.Lock()
	defer mu.Unlock()
	return w.store.DeleteDocument(ctx, userID, normalized)
}

// List enumerates documents under a prefix.
func (w *Workspace) List(ctx context.Context, userID, prefix string, limit int) ([]*types.MemoryDocument, error) {
	if prefix != "" && prefix != "/" {
		normalized, err := NormalizePath(prefix)
		if err != nil {
			return nil, err
		}
		prefix = normalized
	}
	return w.store.ListDocuments(ctx, userID, prefix, limit)
}

// Search runs hybrid search. The query embedding is computed here when an
// engine is configured; search still proceeds lexically if embedding the
// query fails.
func (w *Workspace) Search(ctx context.Context, userID, query string, limit int, filters types.SearchFilters) ([]types.SearchResult, error) {
	q := store.SearchQuery{
		UserID:    userID,
		QueryText: query,
		Limit:     limit,
		Mode:      types.SearchHybrid,
		Filters:   filters,
	}
	if w.embed != nil {
		vec, err := w.embed.Embed(ctx, query)
		if err != nil {
			logging.Get(logging.CategoryWorkspace).Warn("query embedding failed: %v", err)
		} else {
			q.QueryEmbedding = vec
		}
	}
	results, err := w.store.HybridSearch(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	for _, r := range results {
		w.recordAccess(r.DocumentID)
	}
	return results, nil
}

// recordAccess is async and best-effort; a failure never fails the read.
func (w *Workspace) recordAccess(id uuid.UUID) {
	w.accessWG.Add(1)
	go func() {
		defer w.accessWG.Done()
		if err := w.store.RecordDocumentAccess(context.Background(), id); err != nil {
			logging.Get(logging.CategoryWorkspace).Debug("access record failed for %s: %v", id, err)
		}
	}()
}

// Drain waits for pending access records. Tests call it before asserting
// on counters.
func (w *Workspace) Drain() { w.accessWG.Wait() }

// ReembedMissing embeds chunks whose vectors are absent, in batches.
// Called by the background loop and after an engine/dimension change.
func (w *Workspace) ReembedMissing(ctx context.Context, userID string, batch int) (int, error) {
	if w.embed == nil {
		return 0, nil
	}
	chunks, err := w.store.ListChunksMissingEmbedding(ctx, userID, batch)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := w.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrEmbedding, err)
	}
	done := 0
	for i, c := range chunks {
		if err := w.store.UpdateChunkEmbedding(ctx, c.ID, vecs[i]); err != nil {
			logging.Get(logging.CategoryWorkspace).Warn("chunk embed update failed: %v", err)
			continue
		}
		done++
	}
	return done, nil
}

// Connect records a typed edge between two documents.
func (w *Workspace) Connect(ctx context.Context, c *types.MemoryConnection) error {
	return w.store.UpsertConnection(ctx, c)
}

// Related walks the connection graph from a document with the bounded
// traversal enforced by the store.
func (w *Workspace) Related(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]*types.MemoryConnection, error) {
	return w.store.TraverseConnections(ctx, rootID, maxDepth)
}
