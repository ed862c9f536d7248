// Package chunker provides word-bounded text chunking for the extraction pipeline.
package chunker

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/veridata/fact-extract/internal/storage"
	"github.com/veridata/fact-extract/pkg/logger"
)

// ErrEmptyInput is returned when the input text is empty after trimming.
var ErrEmptyInput = fmt.Errorf("empty input text")

// Config holds configuration for the chunker.
type Config struct {
	ChunkSizeWords    int // Target words per chunk (default: 750)
	ChunkOverlapWords int // Overlap words between consecutive chunks (default: 50)
}

// DefaultConfig returns default chunker configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSizeWords:    750,
		ChunkOverlapWords: 50,
	}
}

// ChunkStore is the slice of the chunk store the chunker needs for
// duplicate detection and persisting pending chunks.
type ChunkStore interface {
	ListByHash(documentHash string) ([]storage.Chunk, error)
	Upsert(chunk storage.Chunk) error
}

// Result holds the outcome of chunking a document.
type Result struct {
	// Chunks are the chunks that still require processing.
	Chunks []storage.Chunk
	// DocumentHash is the hex MD5 of the raw text.
	DocumentHash string
	// TotalChunks is the number of chunks the document splits into.
	TotalChunks int
	// AlreadyComplete is true when every chunk of this document has
	// already had all facts extracted.
	AlreadyComplete bool
}

// Chunker splits raw text into word-bounded overlapping chunks.
type Chunker struct {
	config    Config
	store     ChunkStore
	tokenizer *tiktoken.Tiktoken
	log       *logger.Logger
}

// New creates a new chunker.
func New(cfg Config, store ChunkStore, log *logger.Logger) (*Chunker, error) {
	if cfg.ChunkSizeWords <= 0 {
		cfg.ChunkSizeWords = 750
	}
	if cfg.ChunkOverlapWords < 0 || cfg.ChunkOverlapWords >= cfg.ChunkSizeWords {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", cfg.ChunkOverlapWords, cfg.ChunkSizeWords)
	}
	if log == nil {
		log = logger.Default()
	}

	tokenizer, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tokenizer: %w", err)
	}

	return &Chunker{
		config:    cfg,
		store:     store,
		tokenizer: tokenizer,
		log:       log.WithComponent("chunker"),
	}, nil
}

// DocumentHash computes the hex-encoded MD5 of the raw UTF-8 text.
func DocumentHash(rawText string) string {
	sum := md5.Sum([]byte(rawText))
	return hex.EncodeToString(sum[:])
}

// Split chunks a document, skipping chunks that have already been fully
// processed, and persists the remaining ones as pending.
func (c *Chunker) Split(documentName, rawText, sourceURI string) (*Result, error) {
	if strings.TrimSpace(rawText) == "" {
		return nil, ErrEmptyInput
	}

	documentHash := DocumentHash(rawText)

	existing, err := c.store.ListByHash(documentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: listing chunks: %v", storage.ErrStoreUnavailable, err)
	}
	if len(existing) > 0 && allExtracted(existing) {
		c.log.Info("document already fully processed",
			"document", documentName,
			"document_hash", documentHash,
		)
		return &Result{
			DocumentHash:    documentHash,
			TotalChunks:     len(existing),
			AlreadyComplete: true,
		}, nil
	}

	done := make(map[int]bool, len(existing))
	for _, ch := range existing {
		if ch.Status == storage.ChunkStatusProcessed && ch.AllFactsExtracted {
			done[ch.ChunkIndex] = true
		}
	}

	pieces := c.split(rawText)

	now := time.Now().UTC()
	var pending []storage.Chunk
	skipped := 0
	for i, piece := range pieces {
		if done[i] {
			skipped++
			continue
		}

		chunk := storage.Chunk{
			ChunkID:       uuid.New().String(),
			DocumentName:  documentName,
			DocumentHash:  documentHash,
			SourceURI:     sourceURI,
			ChunkIndex:    i,
			Content:       piece.content,
			StartOffset:   piece.startOffset,
			WordCount:     piece.wordCount,
			TokenCount:    len(c.tokenizer.Encode(piece.content, nil, nil)),
			Status:        storage.ChunkStatusPending,
			ContainsFacts: false,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := c.store.Upsert(chunk); err != nil {
			return nil, fmt.Errorf("%w: persisting chunk %d: %v", storage.ErrStoreUnavailable, i, err)
		}
		pending = append(pending, chunk)
	}

	c.log.Info("document chunked",
		"document", documentName,
		"total_chunks", len(pieces),
		"skipped", skipped,
		"pending", len(pending),
	)

	return &Result{
		Chunks:       pending,
		DocumentHash: documentHash,
		TotalChunks:  len(pieces),
	}, nil
}

// piece is an internal slice of the raw text.
type piece struct {
	content     string
	startOffset int
	wordCount   int
}

// word is a whitespace-delimited token with its character offset.
type word struct {
	start int // offset of first character
	end   int // offset one past last character
}

// split performs the word-window splitting with separator-preferring breaks.
func (c *Chunker) split(text string) []piece {
	words := scanWords(text)
	if len(words) == 0 {
		return nil
	}

	size := c.config.ChunkSizeWords
	overlap := c.config.ChunkOverlapWords

	var pieces []piece
	start := 0
	for start < len(words) {
		end := start + size
		if end >= len(words) {
			end = len(words)
		} else {
			end = c.preferBreak(text, words, start, end)
		}

		content := text[words[start].start:words[end-1].end]
		pieces = append(pieces, piece{
			content:     strings.TrimSpace(content),
			startOffset: words[start].start,
			wordCount:   end - start,
		})

		if end == len(words) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return pieces
}

// preferBreak moves a tentative chunk end backwards onto the best separator
// found in the window tail. Preference order: paragraph break, line break,
// sentence break, plain whitespace (the tentative end itself).
func (c *Chunker) preferBreak(text string, words []word, start, end int) int {
	// Only look back over the tail of the window so chunks stay near the
	// target size.
	tail := c.config.ChunkSizeWords / 4
	lo := end - tail
	if lo <= start {
		lo = start + 1
	}

	bestPriority := 0
	best := end
	for i := end - 1; i >= lo; i-- {
		gap := text[words[i-1].end:words[i].start]
		p := 0
		switch {
		case strings.Contains(gap, "\n\n"):
			p = 3
		case strings.Contains(gap, "\n"):
			p = 2
		case strings.HasSuffix(text[:words[i-1].end], "."):
			p = 1
		}
		if p > bestPriority {
			bestPriority = p
			best = i
			if p == 3 {
				break
			}
		}
	}
	return best
}

// scanWords returns the whitespace-separated tokens of text with offsets.
func scanWords(text string) []word {
	var words []word
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, word{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, word{start: start, end: len(text)})
	}
	return words
}

// allExtracted reports whether every chunk has had all its facts extracted.
func allExtracted(chunks []storage.Chunk) bool {
	for _, ch := range chunks {
		if !ch.AllFactsExtracted || ch.Status != storage.ChunkStatusProcessed {
			return false
		}
	}
	return true
}
