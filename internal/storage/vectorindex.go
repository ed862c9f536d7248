package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/veridata/fact-extract/internal/embedder"
	"github.com/veridata/fact-extract/pkg/logger"
)

// EntryMetadata is the metadata attached to a vector entry.
type EntryMetadata struct {
	DocumentName string `json:"document_name"`
	ChunkIndex   int    `json:"chunk_index"`
}

// VectorEntry is one persisted entry of the index.
type VectorEntry struct {
	Statement string        `json:"statement"`
	Embedding []float32     `json:"embedding"`
	Metadata  EntryMetadata `json:"metadata"`
}

// QueryFilters restricts query results by metadata equality.
type QueryFilters struct {
	DocumentName string
	ChunkIndex   *int
}

// QueryResult is a query hit with its cosine similarity.
type QueryResult struct {
	FactID     string
	Similarity float64
}

// VectorIndex is the semantic index over verified fact statements.
type VectorIndex interface {
	Add(ctx context.Context, factID, statement string, meta EntryMetadata) error
	Update(ctx context.Context, factID, newStatement string, meta EntryMetadata) error
	Delete(factID string) error
	Query(ctx context.Context, text string, k int, filters *QueryFilters) ([]QueryResult, error)
	Count() int
	IDs() []string

	// Snapshot and Restore support the consistency layer's rollback.
	Snapshot() map[string]VectorEntry
	Restore(entries map[string]VectorEntry) error
}

// LocalVectorIndex is a file-backed cosine-similarity index. The corpus is
// individual fact statements, so brute-force scan is adequate. Entries are
// persisted as one JSON document per collection in the persist directory;
// writes go to a temp file and are renamed into place.
type LocalVectorIndex struct {
	mu         sync.RWMutex
	path       string
	collection string
	embedder   embedder.Embedder
	entries    map[string]VectorEntry
	log        *logger.Logger
}

// NewLocalVectorIndex creates or opens the named collection under
// persistDir. An absent file starts the index empty; a corrupt file fails
// loudly.
func NewLocalVectorIndex(persistDir, collection string, emb embedder.Embedder, log *logger.Logger) (*LocalVectorIndex, error) {
	if log == nil {
		log = logger.Default()
	}
	if collection == "" {
		collection = "fact_embeddings"
	}

	if err := os.MkdirAll(persistDir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector directory: %w", err)
	}

	idx := &LocalVectorIndex{
		path:       filepath.Join(persistDir, collection+".json"),
		collection: collection,
		embedder:   emb,
		entries:    make(map[string]VectorEntry),
		log:        log.WithComponent("vector_index"),
	}

	data, err := os.ReadFile(idx.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read vector index: %w", err)
		}
	} else if len(data) > 0 {
		if err := json.Unmarshal(data, &idx.entries); err != nil {
			return nil, fmt.Errorf("corrupt vector index %s: %w", idx.path, err)
		}
	}

	idx.log.Info("vector index loaded", "collection", collection, "entries", len(idx.entries))
	return idx, nil
}

// Add embeds the statement and stores the entry. A repeated add of the
// same fact_id replaces the existing entry.
func (v *LocalVectorIndex) Add(ctx context.Context, factID, statement string, meta EntryMetadata) error {
	emb, err := v.embedder.Embed(ctx, statement)
	if err != nil {
		return fmt.Errorf("embedding statement: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries[factID] = VectorEntry{
		Statement: statement,
		Embedding: emb,
		Metadata:  meta,
	}
	return v.flushLocked()
}

// Update re-embeds the statement for an existing fact id (delete+add).
func (v *LocalVectorIndex) Update(ctx context.Context, factID, newStatement string, meta EntryMetadata) error {
	return v.Add(ctx, factID, newStatement, meta)
}

// Delete removes the entry for a fact id. Deleting an absent id is a no-op.
func (v *LocalVectorIndex) Delete(factID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.entries[factID]; !ok {
		return nil
	}
	delete(v.entries, factID)
	return v.flushLocked()
}

// Query embeds the text and returns the top-k entries by cosine similarity.
func (v *LocalVectorIndex) Query(ctx context.Context, text string, k int, filters *QueryFilters) ([]QueryResult, error) {
	if k <= 0 {
		k = 5
	}

	queryEmb, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	results := make([]QueryResult, 0, len(v.entries))
	for id, entry := range v.entries {
		if filters != nil {
			if filters.DocumentName != "" && entry.Metadata.DocumentName != filters.DocumentName {
				continue
			}
			if filters.ChunkIndex != nil && entry.Metadata.ChunkIndex != *filters.ChunkIndex {
				continue
			}
		}
		results = append(results, QueryResult{
			FactID:     id,
			Similarity: embedder.CosineSimilarity(queryEmb, entry.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].FactID < results[j].FactID
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of entries in the index.
func (v *LocalVectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// IDs returns the fact ids currently in the index.
func (v *LocalVectorIndex) IDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := make([]string, 0, len(v.entries))
	for id := range v.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the current entries.
func (v *LocalVectorIndex) Snapshot() map[string]VectorEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[string]VectorEntry, len(v.entries))
	for id, e := range v.entries {
		out[id] = e
	}
	return out
}

// Restore replaces the index contents with a previously taken snapshot.
func (v *LocalVectorIndex) Restore(entries map[string]VectorEntry) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries = make(map[string]VectorEntry, len(entries))
	for id, e := range entries {
		v.entries[id] = e
	}
	return v.flushLocked()
}

// flushLocked writes the index to disk. Callers hold the mutex.
func (v *LocalVectorIndex) flushLocked() error {
	data, err := json.Marshal(v.entries)
	if err != nil {
		return fmt.Errorf("marshal vector index: %w", err)
	}

	tmp := fmt.Sprintf("%s.%d.tmp", v.path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing vector index: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: replacing vector index: %v", ErrStoreUnavailable, err)
	}
	return nil
}
