// Package storage provides the tabular fact/chunk stores, the vector index,
// and the cross-store consistency layer.
package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Store-layer sentinel errors.
var (
	// ErrStoreUnavailable indicates a persistence failure; the operation is
	// retriable by the caller.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// ChunkStatus is the processing state of a chunk.
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusProcessing ChunkStatus = "processing"
	ChunkStatusProcessed  ChunkStatus = "processed"
	ChunkStatusError      ChunkStatus = "error"
)

// VerificationStatus is the verifier's decision on a fact.
type VerificationStatus string

const (
	StatusVerified VerificationStatus = "verified"
	StatusRejected VerificationStatus = "rejected"
)

// Chunk is a word-bounded slice of a document, the unit of LLM extraction.
// Immutable after creation except for the progress flags.
type Chunk struct {
	ChunkID           string            `json:"chunk_id"`
	DocumentName      string            `json:"document_name"`
	DocumentHash      string            `json:"document_hash"`
	SourceURI         string            `json:"source_uri"`
	ChunkIndex        int               `json:"chunk_index"`
	Content           string            `json:"content"`
	StartOffset       int               `json:"start_offset"`
	WordCount         int               `json:"word_count"`
	TokenCount        int               `json:"token_count"`
	Status            ChunkStatus       `json:"status"`
	ContainsFacts     bool              `json:"contains_facts"`
	AllFactsExtracted bool              `json:"all_facts_extracted"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Fact is a candidate statement with the verifier's decision.
type Fact struct {
	FactID             string             `json:"fact_id"`
	Statement          string             `json:"statement"`
	DocumentName       string             `json:"document_name"`
	SourceURI          string             `json:"source_uri"`
	SourceChunkIndex   int                `json:"source_chunk_index"`
	OriginalText       string             `json:"original_text"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	VerificationReason string             `json:"verification_reason"`
	ExtractedAt        time.Time          `json:"extracted_at"`
	VerifiedAt         time.Time          `json:"verified_at"`
	FactHash           string             `json:"fact_hash"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
}

// FactHash computes the hex MD5 of the normalized statement (trimmed,
// case-folded). It identifies facts for deduplication.
func FactHash(statement string) string {
	normalized := strings.ToLower(strings.TrimSpace(statement))
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
