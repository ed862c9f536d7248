package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veridata/fact-extract/internal/llm"
	"github.com/veridata/fact-extract/internal/storage"
	"github.com/veridata/fact-extract/internal/verifier"
)

// Report summarizes one submit call.
type Report struct {
	DocumentName        string   `json:"document_name"`
	DocumentHash        string   `json:"document_hash"`
	AlreadyComplete     bool     `json:"already_complete"`
	TotalChunks         int      `json:"total_chunks"`
	ChunksProcessed     int      `json:"chunks_processed"`
	CandidatesExtracted int      `json:"candidates_extracted"`
	Verified            int      `json:"verified"`
	Rejected            int      `json:"rejected"`
	Duplicates          int      `json:"duplicates"`
	Errors              []string `json:"errors,omitempty"`
	Duration            string   `json:"duration"`
}

// reportAccumulator collects counts from concurrently processed chunks.
type reportAccumulator struct {
	mu                  sync.Mutex
	chunksProcessed     int
	candidatesExtracted int
	verified            int
	rejected            int
	duplicates          int
	errors              []string
}

func (r *reportAccumulator) addError(chunkIndex int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, fmt.Sprintf("chunk %d: %v", chunkIndex, err))
}

// Submit runs the full pipeline for one document: chunk, then extract and
// verify chunks concurrently under the concurrency bound, committing
// decisions to the dual stores as they arrive. Per-chunk errors are
// contained; they appear in the report without failing the document.
func (s *Service) Submit(ctx context.Context, documentName, rawText, sourceURI string) (*Report, error) {
	start := time.Now()
	log := s.log.With("document", documentName)

	log.Info("submit started", "state", "CHUNKING", "text_len", len(rawText))
	res, err := s.chunker.Split(documentName, rawText, sourceURI)
	if err != nil {
		return nil, err
	}

	report := &Report{
		DocumentName: documentName,
		DocumentHash: res.DocumentHash,
		TotalChunks:  res.TotalChunks,
	}

	if res.AlreadyComplete {
		report.AlreadyComplete = true
		report.Duration = time.Since(start).String()
		log.Info("submit skipped, document already complete", "state", "DONE")
		return report, nil
	}

	log.Info("processing chunks",
		"state", "EXTRACTING",
		"pending", len(res.Chunks),
		"max_concurrent", s.cfg.MaxConcurrentChunks,
	)

	acc := &reportAccumulator{}
	sem := make(chan struct{}, s.cfg.MaxConcurrentChunks)
	var wg sync.WaitGroup

	for _, chunk := range res.Chunks {
		// Cancellation refuses to start further chunks; in-flight ones
		// run to their natural boundary.
		if ctx.Err() != nil {
			log.Warn("submission cancelled, skipping remaining chunks",
				"chunk_index", chunk.ChunkIndex,
			)
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(chunk storage.Chunk) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processChunk(ctx, chunk, acc)
		}(chunk)
	}
	wg.Wait()

	report.ChunksProcessed = acc.chunksProcessed
	report.CandidatesExtracted = acc.candidatesExtracted
	report.Verified = acc.verified
	report.Rejected = acc.rejected
	report.Duplicates = acc.duplicates
	report.Errors = acc.errors
	report.Duration = time.Since(start).String()

	log.Info("submit finished",
		"state", "DONE",
		"chunks_processed", report.ChunksProcessed,
		"verified", report.Verified,
		"rejected", report.Rejected,
		"errors", len(report.Errors),
		"duration", report.Duration,
	)
	return report, nil
}

// processChunk runs one chunk through the per-chunk state machine:
// PENDING -> EXTRACTING -> (NO_CANDIDATES | HAS_CANDIDATES) -> VERIFYING
// -> DONE | ERROR. all_facts_extracted is committed only once every
// candidate has a decision.
func (s *Service) processChunk(ctx context.Context, chunk storage.Chunk, acc *reportAccumulator) {
	log := s.log.WithFields(map[string]any{
		"document":    chunk.DocumentName,
		"chunk_index": chunk.ChunkIndex,
	})

	if err := s.chunks.SetStatus(chunk.DocumentName, chunk.ChunkIndex, storage.ChunkStatusProcessing, storage.StatusUpdate{}); err != nil {
		log.WithError(err).Error("failed to mark chunk processing")
		acc.addError(chunk.ChunkIndex, err)
		return
	}

	var candidates []string
	err := s.callWithRetry(ctx, func(callCtx context.Context) error {
		var exErr error
		candidates, exErr = s.extract.Extract(callCtx, chunk.Content)
		return exErr
	})
	if err != nil {
		s.failChunk(chunk, fmt.Errorf("extraction: %w", err), acc)
		return
	}

	extractedAt := time.Now().UTC()

	if len(candidates) == 0 {
		s.finishChunk(chunk, false, acc)
		log.Debug("chunk has no candidates")
		return
	}

	if err := s.chunks.SetStatus(chunk.DocumentName, chunk.ChunkIndex, storage.ChunkStatusProcessed, storage.StatusUpdate{
		ContainsFacts: boolPtr(true),
	}); err != nil {
		log.WithError(err).Error("failed to mark chunk processed")
		acc.addError(chunk.ChunkIndex, err)
		return
	}

	acc.mu.Lock()
	acc.candidatesExtracted += len(candidates)
	acc.mu.Unlock()

	for _, statement := range candidates {
		var decision *verifier.Decision
		err := s.callWithRetry(ctx, func(callCtx context.Context) error {
			var vErr error
			decision, vErr = s.verify.Verify(callCtx, statement, chunk.Content)
			return vErr
		})
		if err != nil {
			s.failChunk(chunk, fmt.Errorf("verification: %w", err), acc)
			return
		}

		if err := s.commitDecision(ctx, chunk, statement, decision, extractedAt, acc); err != nil {
			s.failChunk(chunk, fmt.Errorf("committing decision: %w", err), acc)
			return
		}
	}

	// Every candidate has a decision; only now is the completion flag set.
	s.finishChunk(chunk, true, acc)
}

// commitDecision routes one verifier decision into the stores. Verified
// facts go through the consistency guard as a dual-store commit (tabular
// row + vector entry); rejected facts go to the rejected store. A
// statement already decided in either store is a duplicate no-op, which
// also keeps the two stores disjoint when overlapping chunks re-surface a
// statement.
func (s *Service) commitDecision(ctx context.Context, chunk storage.Chunk, statement string, decision *verifier.Decision, extractedAt time.Time, acc *reportAccumulator) error {
	hash := storage.FactHash(statement)

	// VerifiedAt is left zero; the store stamps it under its lock together
	// with the id assignment, keeping id order aligned with verification
	// order across concurrent chunks.
	fact := storage.Fact{
		Statement:          statement,
		DocumentName:       chunk.DocumentName,
		SourceURI:          chunk.SourceURI,
		SourceChunkIndex:   chunk.ChunkIndex,
		OriginalText:       chunk.Content,
		VerificationReason: decision.Reason,
		ExtractedAt:        extractedAt,
		FactHash:           hash,
	}

	if decision.Valid {
		if s.rejected.ContainsHash(hash) {
			acc.mu.Lock()
			acc.duplicates++
			acc.mu.Unlock()
			return nil
		}
		fact.VerificationStatus = storage.StatusVerified

		return s.guard.Run(func() error {
			id, stored, err := s.facts.Store(fact)
			if err != nil {
				return err
			}
			if !stored {
				acc.mu.Lock()
				acc.duplicates++
				acc.mu.Unlock()
				return nil
			}
			if err := s.index.Add(ctx, id, statement, storage.EntryMetadata{
				DocumentName: chunk.DocumentName,
				ChunkIndex:   chunk.ChunkIndex,
			}); err != nil {
				return err
			}
			acc.mu.Lock()
			acc.verified++
			acc.mu.Unlock()
			return nil
		})
	}

	if s.facts.ContainsHash(hash) {
		acc.mu.Lock()
		acc.duplicates++
		acc.mu.Unlock()
		return nil
	}
	fact.VerificationStatus = storage.StatusRejected

	return s.guard.Run(func() error {
		_, stored, err := s.rejected.Store(fact)
		if err != nil {
			return err
		}
		acc.mu.Lock()
		if stored {
			acc.rejected++
		} else {
			acc.duplicates++
		}
		acc.mu.Unlock()
		return nil
	})
}

// finishChunk commits a chunk's terminal DONE state.
func (s *Service) finishChunk(chunk storage.Chunk, containsFacts bool, acc *reportAccumulator) {
	err := s.chunks.SetStatus(chunk.DocumentName, chunk.ChunkIndex, storage.ChunkStatusProcessed, storage.StatusUpdate{
		ContainsFacts:     boolPtr(containsFacts),
		AllFactsExtracted: boolPtr(true),
		ErrorMessage:      strPtr(""),
	})
	if err != nil {
		acc.addError(chunk.ChunkIndex, err)
		return
	}
	acc.mu.Lock()
	acc.chunksProcessed++
	acc.mu.Unlock()
}

// failChunk records a contained per-chunk failure.
func (s *Service) failChunk(chunk storage.Chunk, cause error, acc *reportAccumulator) {
	s.log.WithError(cause).Warn("chunk failed",
		"document", chunk.DocumentName,
		"chunk_index", chunk.ChunkIndex,
	)
	acc.addError(chunk.ChunkIndex, cause)

	err := s.chunks.SetStatus(chunk.DocumentName, chunk.ChunkIndex, storage.ChunkStatusError, storage.StatusUpdate{
		ErrorMessage: strPtr(cause.Error()),
	})
	if err != nil {
		acc.addError(chunk.ChunkIndex, err)
	}
}

// callWithRetry runs one LLM call with the per-call timeout and the
// rate-limit backoff schedule: retriable failures (rate limit, timeout,
// transient) are retried up to MaxRetries times with exponentially
// growing delays starting at BackoffBase. Parse errors and permanent
// provider errors are never retried. No store lock is held here.
func (s *Service) callWithRetry(ctx context.Context, call func(ctx context.Context) error) error {
	delay := s.cfg.BackoffBase
	var lastErr error

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.log.Debug("backing off before retry",
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := func() error {
			callCtx := ctx
			if s.cfg.LLMTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, s.cfg.LLMTimeout)
				defer cancel()
			}
			return call(callCtx)
		}()
		if err == nil {
			return nil
		}
		lastErr = err

		// A deadline on the per-call context is a retriable timeout even
		// when the provider did not classify it.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			continue
		}
		if !llm.IsRetriable(err) {
			return err
		}
	}

	return fmt.Errorf("retries exhausted after %d retries: %w", s.cfg.MaxRetries, lastErr)
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }
