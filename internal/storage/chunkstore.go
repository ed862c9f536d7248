package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veridata/fact-extract/pkg/logger"
)

// chunkHeader is the column set of the tabular chunk artifact.
var chunkHeader = []string{
	"chunk_id", "document_name", "document_hash", "source_uri", "chunk_index",
	"content", "start_offset", "word_count", "token_count",
	"status", "contains_facts", "all_facts_extracted", "error_message",
	"created_at", "updated_at",
}

// chunkKey identifies a chunk row.
type chunkKey struct {
	documentHash string
	chunkIndex   int
}

// ChunkStore persists chunks with per-chunk extraction-progress flags.
// All reads and writes take the store mutex; every mutation is followed
// by a flush to the on-disk file.
type ChunkStore struct {
	mu     sync.Mutex
	path   string
	chunks map[chunkKey]Chunk
	log    *logger.Logger
}

// NewChunkStore creates a chunk store backed by the xlsx file at path.
// An absent file starts the store empty; a corrupt file fails loudly.
func NewChunkStore(path string, log *logger.Logger) (*ChunkStore, error) {
	if log == nil {
		log = logger.Default()
	}

	s := &ChunkStore{
		path:   path,
		chunks: make(map[chunkKey]Chunk),
		log:    log.WithComponent("chunk_store"),
	}

	records, err := loadSheet(path)
	if err != nil {
		return nil, fmt.Errorf("loading chunk store: %w", err)
	}
	for _, rec := range records {
		ch := chunkFromRecord(rec)
		if ch.DocumentHash == "" {
			continue
		}
		s.chunks[chunkKey{ch.DocumentHash, ch.ChunkIndex}] = ch
	}

	s.log.Info("chunk store loaded", "path", path, "chunks", len(s.chunks))
	return s, nil
}

// Upsert inserts or replaces a chunk keyed by (document_hash, chunk_index).
// An existing row keeps its creation timestamp; progress flags of a
// completed row are preserved so re-chunking a partially processed
// document cannot regress it.
func (s *ChunkStore) Upsert(chunk Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chunkKey{chunk.DocumentHash, chunk.ChunkIndex}
	if existing, ok := s.chunks[key]; ok {
		chunk.CreatedAt = existing.CreatedAt
		if existing.ChunkID != "" {
			chunk.ChunkID = existing.ChunkID
		}
		if existing.AllFactsExtracted {
			chunk.Status = existing.Status
			chunk.ContainsFacts = existing.ContainsFacts
			chunk.AllFactsExtracted = true
		}
	}
	chunk.UpdatedAt = time.Now().UTC()
	s.chunks[key] = chunk

	return s.flushLocked()
}

// StatusUpdate carries the optional flags of a progress update. Nil fields
// are left untouched, so the update is a targeted merge rather than a
// full-row replace.
type StatusUpdate struct {
	ContainsFacts     *bool
	ErrorMessage      *string
	AllFactsExtracted *bool
}

// SetStatus updates a chunk's progress flags under the store lock.
// all_facts_extracted only ever moves from false to true here; explicit
// reprocessing goes through PurgeDocument.
func (s *ChunkStore) SetStatus(documentName string, chunkIndex int, status ChunkStatus, upd StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.findByName(documentName, chunkIndex)
	if !ok {
		return fmt.Errorf("%w: chunk %s[%d]", ErrNotFound, documentName, chunkIndex)
	}

	chunk := s.chunks[key]
	chunk.Status = status
	if upd.ContainsFacts != nil {
		chunk.ContainsFacts = *upd.ContainsFacts
	}
	if upd.ErrorMessage != nil {
		chunk.ErrorMessage = *upd.ErrorMessage
	}
	if upd.AllFactsExtracted != nil && *upd.AllFactsExtracted {
		chunk.AllFactsExtracted = true
	}
	chunk.UpdatedAt = time.Now().UTC()
	s.chunks[key] = chunk

	return s.flushLocked()
}

// IsProcessed reports whether the chunk has been processed with all facts
// extracted.
func (s *ChunkStore) IsProcessed(documentHash string, chunkIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chunks[chunkKey{documentHash, chunkIndex}]
	return ok && ch.Status == ChunkStatusProcessed && ch.ErrorMessage == "" && ch.AllFactsExtracted
}

// ListByDocument returns all chunks for a document name, in index order.
func (s *ChunkStore) ListByDocument(documentName string) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Chunk
	for _, ch := range s.chunks {
		if ch.DocumentName == documentName {
			out = append(out, ch)
		}
	}
	sortChunks(out)
	return out, nil
}

// ListByHash returns all chunks for a document hash, in index order.
func (s *ChunkStore) ListByHash(documentHash string) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Chunk
	for key, ch := range s.chunks {
		if key.documentHash == documentHash {
			out = append(out, ch)
		}
	}
	sortChunks(out)
	return out, nil
}

// All returns a snapshot of every chunk in the store.
func (s *ChunkStore) All() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Chunk, 0, len(s.chunks))
	for _, ch := range s.chunks {
		out = append(out, ch)
	}
	sortChunks(out)
	return out
}

// PurgeDocument removes every chunk belonging to the named document and
// returns the number removed.
func (s *ChunkStore) PurgeDocument(documentName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ch := range s.chunks {
		if ch.DocumentName == documentName {
			delete(s.chunks, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	return removed, nil
}

// findByName locates a chunk key by (document_name, chunk_index).
func (s *ChunkStore) findByName(documentName string, chunkIndex int) (chunkKey, bool) {
	for key, ch := range s.chunks {
		if ch.DocumentName == documentName && ch.ChunkIndex == chunkIndex {
			return key, true
		}
	}
	return chunkKey{}, false
}

// flushLocked writes the store to disk. Callers hold the mutex.
func (s *ChunkStore) flushLocked() error {
	records := make([]map[string]string, 0, len(s.chunks))
	chunks := make([]Chunk, 0, len(s.chunks))
	for _, ch := range s.chunks {
		chunks = append(chunks, ch)
	}
	sortChunks(chunks)
	for _, ch := range chunks {
		records = append(records, chunkToRecord(ch))
	}

	if err := saveSheet(s.path, chunkHeader, records); err != nil {
		return fmt.Errorf("%w: flushing chunks: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func sortChunks(chunks []Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].DocumentHash != chunks[j].DocumentHash {
			return chunks[i].DocumentHash < chunks[j].DocumentHash
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
}

func chunkToRecord(ch Chunk) map[string]string {
	return map[string]string{
		"chunk_id":            ch.ChunkID,
		"document_name":       ch.DocumentName,
		"document_hash":       ch.DocumentHash,
		"source_uri":          ch.SourceURI,
		"chunk_index":         fmt.Sprintf("%d", ch.ChunkIndex),
		"content":             ch.Content,
		"start_offset":        fmt.Sprintf("%d", ch.StartOffset),
		"word_count":          fmt.Sprintf("%d", ch.WordCount),
		"token_count":         fmt.Sprintf("%d", ch.TokenCount),
		"status":              string(ch.Status),
		"contains_facts":      fmt.Sprintf("%t", ch.ContainsFacts),
		"all_facts_extracted": fmt.Sprintf("%t", ch.AllFactsExtracted),
		"error_message":       ch.ErrorMessage,
		"created_at":          formatTime(ch.CreatedAt),
		"updated_at":          formatTime(ch.UpdatedAt),
	}
}

func chunkFromRecord(rec map[string]string) Chunk {
	status := ChunkStatus(strings.TrimSpace(rec["status"]))
	if status == "" {
		status = ChunkStatusPending
	}
	return Chunk{
		ChunkID:           rec["chunk_id"],
		DocumentName:      rec["document_name"],
		DocumentHash:      rec["document_hash"],
		SourceURI:         rec["source_uri"],
		ChunkIndex:        cellInt(rec["chunk_index"]),
		Content:           rec["content"],
		StartOffset:       cellInt(rec["start_offset"]),
		WordCount:         cellInt(rec["word_count"]),
		TokenCount:        cellInt(rec["token_count"]),
		Status:            status,
		ContainsFacts:     cellBool(rec["contains_facts"]),
		AllFactsExtracted: cellBool(rec["all_facts_extracted"]),
		ErrorMessage:      rec["error_message"],
		CreatedAt:         cellTime(rec["created_at"]),
		UpdatedAt:         cellTime(rec["updated_at"]),
	}
}
