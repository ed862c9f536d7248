package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/veridata/fact-extract/pkg/logger"
)

// factHeader is the column set of the tabular fact artifacts.
var factHeader = []string{
	"fact_id", "statement", "document_name", "source_uri",
	"source_chunk_index", "original_text", "verification_status",
	"verification_reason", "extracted_at", "verified_at", "fact_hash",
}

// FactStore is the tabular persistence layer for facts, keyed by content
// hash. The same implementation backs the verified store and the rejected
// store; they differ only in file, id prefix and the status they hold.
// A single mutex guards all reads and writes; every mutation is followed
// by an atomic flush of the on-disk file.
type FactStore struct {
	mu       sync.Mutex
	path     string
	idPrefix string
	facts    []Fact
	byHash   map[string]int // fact_hash -> index into facts
	byID     map[string]int // fact_id -> index into facts
	nextSeq  int
	log      *logger.Logger
}

// NewFactStore creates the verified-fact store backed by the xlsx file
// at path. An absent file starts the store empty; a corrupt file fails
// loudly.
func NewFactStore(path string, log *logger.Logger) (*FactStore, error) {
	return newFactStore(path, "fact-", "fact_store", log)
}

// NewRejectedFactStore creates the rejected-fact store. Rejected facts
// carry the same schema as verified facts and live in a separate file.
func NewRejectedFactStore(path string, log *logger.Logger) (*FactStore, error) {
	return newFactStore(path, "rej-", "rejected_fact_store", log)
}

func newFactStore(path, idPrefix, component string, log *logger.Logger) (*FactStore, error) {
	if log == nil {
		log = logger.Default()
	}

	s := &FactStore{
		path:     path,
		idPrefix: idPrefix,
		byHash:   make(map[string]int),
		byID:     make(map[string]int),
		nextSeq:  1,
		log:      log.WithComponent(component),
	}

	records, err := loadSheet(path)
	if err != nil {
		return nil, fmt.Errorf("loading fact store: %w", err)
	}
	for _, rec := range records {
		f := factFromRecord(rec)
		if f.Statement == "" {
			// A row without a statement is dead weight from a partial
			// write; drop it at the boundary.
			continue
		}
		if f.FactHash == "" {
			f.FactHash = FactHash(f.Statement)
		}
		if _, dup := s.byHash[f.FactHash]; dup {
			continue
		}
		s.indexLocked(f)
	}

	s.log.Info("fact store loaded", "path", path, "facts", len(s.facts))
	return s, nil
}

// Store persists a fact and returns its id. A fact whose hash is already
// present is not stored again; the existing id is returned with
// stored=false. A fact arriving with a FactID (a cross-store move) keeps
// it; otherwise an id is assigned from the store's monotone sequence
// under the lock, so id order follows verification order.
func (s *FactStore) Store(fact Fact) (id string, stored bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fact.FactHash == "" {
		fact.FactHash = FactHash(fact.Statement)
	}
	if idx, ok := s.byHash[fact.FactHash]; ok {
		return s.facts[idx].FactID, false, nil
	}

	if fact.FactID == "" {
		fact.FactID = fmt.Sprintf("%s%08d", s.idPrefix, s.nextSeq)
		s.nextSeq++
	}
	if fact.VerifiedAt.IsZero() {
		fact.VerifiedAt = time.Now().UTC()
	}

	s.indexLocked(fact)
	if err := s.flushLocked(); err != nil {
		s.dropLocked(fact.FactID)
		return "", false, err
	}
	return fact.FactID, true, nil
}

// Remove deletes the fact with matching (document_name, fact hash of
// statement) and returns the removed row.
func (s *FactStore) Remove(documentName, statement string) (Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := FactHash(statement)
	idx, ok := s.byHash[hash]
	if !ok || s.facts[idx].DocumentName != documentName {
		return Fact{}, fmt.Errorf("%w: fact %q in %s", ErrNotFound, statement, documentName)
	}

	removed := s.facts[idx]
	s.dropLocked(removed.FactID)
	if err := s.flushLocked(); err != nil {
		s.indexLocked(removed)
		return Fact{}, err
	}
	return removed, nil
}

// RemoveByID deletes the fact with the given id and returns the removed row.
func (s *FactStore) RemoveByID(factID string) (Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[factID]
	if !ok {
		return Fact{}, fmt.Errorf("%w: fact id %s", ErrNotFound, factID)
	}

	removed := s.facts[idx]
	s.dropLocked(factID)
	if err := s.flushLocked(); err != nil {
		s.indexLocked(removed)
		return Fact{}, err
	}
	return removed, nil
}

// Update atomically replaces the fact identified by (document_name,
// old_statement) under a single lock, preserving its fact_id.
func (s *FactStore) Update(documentName, oldStatement string, newFact Fact) (Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldHash := FactHash(oldStatement)
	idx, ok := s.byHash[oldHash]
	if !ok || s.facts[idx].DocumentName != documentName {
		return Fact{}, fmt.Errorf("%w: fact %q in %s", ErrNotFound, oldStatement, documentName)
	}

	old := s.facts[idx]
	newFact.FactID = old.FactID
	newFact.FactHash = FactHash(newFact.Statement)
	if newFact.FactHash != oldHash {
		if _, dup := s.byHash[newFact.FactHash]; dup {
			return Fact{}, fmt.Errorf("fact with identical statement already stored")
		}
	}

	s.dropLocked(old.FactID)
	s.indexLocked(newFact)
	if err := s.flushLocked(); err != nil {
		s.dropLocked(newFact.FactID)
		s.indexLocked(old)
		return Fact{}, err
	}
	return newFact, nil
}

// GetAll returns a snapshot of every fact in the store, in id order.
func (s *FactStore) GetAll() []Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// GetByDocument returns a snapshot of the facts for one document.
func (s *FactStore) GetByDocument(documentName string) []Fact {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Fact
	for _, f := range s.facts {
		if f.DocumentName == documentName {
			out = append(out, f)
		}
	}
	return out
}

// GetByID returns the fact with the given id.
func (s *FactStore) GetByID(factID string) (Fact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[factID]
	if !ok {
		return Fact{}, false
	}
	return s.facts[idx], true
}

// ContainsHash reports whether a fact with the given hash is stored.
func (s *FactStore) ContainsHash(factHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byHash[factHash]
	return ok
}

// Count returns the number of stored facts.
func (s *FactStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts)
}

// IDs returns the set of stored fact ids.
func (s *FactStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.facts))
	for _, f := range s.facts {
		ids = append(ids, f.FactID)
	}
	return ids
}

// Hashes returns the set of stored fact hashes.
func (s *FactStore) Hashes() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]struct{}, len(s.byHash))
	for h := range s.byHash {
		out[h] = struct{}{}
	}
	return out
}

// PurgeDocument removes every fact belonging to the named document and
// returns the removed rows.
func (s *FactStore) PurgeDocument(documentName string) ([]Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Fact
	kept := s.facts[:0]
	for _, f := range s.facts {
		if f.DocumentName == documentName {
			removed = append(removed, f)
		} else {
			kept = append(kept, f)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	s.facts = kept
	s.reindexLocked()
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	return removed, nil
}

// Snapshot returns a deep-enough copy of the rows for the consistency
// layer to restore from.
func (s *FactStore) Snapshot() []Fact {
	return s.GetAll()
}

// Restore replaces the store contents with a previously taken snapshot
// and flushes.
func (s *FactStore) Restore(rows []Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.facts = s.facts[:0]
	s.byHash = make(map[string]int)
	s.byID = make(map[string]int)
	s.nextSeq = 1
	for _, f := range rows {
		s.indexLocked(f)
	}
	return s.flushLocked()
}

// indexLocked appends a fact and updates the lookup maps and sequence.
func (s *FactStore) indexLocked(f Fact) {
	s.facts = append(s.facts, f)
	s.byHash[f.FactHash] = len(s.facts) - 1
	s.byID[f.FactID] = len(s.facts) - 1
	if seq, ok := parseSeq(f.FactID, s.idPrefix); ok && seq >= s.nextSeq {
		s.nextSeq = seq + 1
	}
}

// dropLocked removes a fact by id and reindexes.
func (s *FactStore) dropLocked(factID string) {
	idx, ok := s.byID[factID]
	if !ok {
		return
	}
	s.facts = append(s.facts[:idx], s.facts[idx+1:]...)
	s.reindexLocked()
}

func (s *FactStore) reindexLocked() {
	s.byHash = make(map[string]int, len(s.facts))
	s.byID = make(map[string]int, len(s.facts))
	for i, f := range s.facts {
		s.byHash[f.FactHash] = i
		s.byID[f.FactID] = i
	}
}

func (s *FactStore) snapshotLocked() []Fact {
	out := make([]Fact, len(s.facts))
	copy(out, s.facts)
	sort.Slice(out, func(i, j int) bool { return out[i].FactID < out[j].FactID })
	return out
}

// flushLocked writes the store to disk. Callers hold the mutex.
func (s *FactStore) flushLocked() error {
	records := make([]map[string]string, 0, len(s.facts))
	for _, f := range s.snapshotLocked() {
		records = append(records, factToRecord(f))
	}
	if err := saveSheet(s.path, factHeader, records); err != nil {
		return fmt.Errorf("%w: flushing facts: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// parseSeq extracts the numeric sequence from an id with the given prefix.
func parseSeq(id, prefix string) (int, bool) {
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

func factToRecord(f Fact) map[string]string {
	return map[string]string{
		"fact_id":             f.FactID,
		"statement":           f.Statement,
		"document_name":       f.DocumentName,
		"source_uri":          f.SourceURI,
		"source_chunk_index":  fmt.Sprintf("%d", f.SourceChunkIndex),
		"original_text":       f.OriginalText,
		"verification_status": string(f.VerificationStatus),
		"verification_reason": f.VerificationReason,
		"extracted_at":        formatTime(f.ExtractedAt),
		"verified_at":         formatTime(f.VerifiedAt),
		"fact_hash":           f.FactHash,
	}
}

func factFromRecord(rec map[string]string) Fact {
	return Fact{
		FactID:             rec["fact_id"],
		Statement:          rec["statement"],
		DocumentName:       rec["document_name"],
		SourceURI:          rec["source_uri"],
		SourceChunkIndex:   cellInt(rec["source_chunk_index"]),
		OriginalText:       rec["original_text"],
		VerificationStatus: VerificationStatus(rec["verification_status"]),
		VerificationReason: rec["verification_reason"],
		ExtractedAt:        cellTime(rec["extracted_at"]),
		VerifiedAt:         cellTime(rec["verified_at"]),
		FactHash:           rec["fact_hash"],
	}
}
