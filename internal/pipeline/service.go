// Package pipeline drives the fact-extraction state machine and exposes
// the core public API: submit, get, search, update, purge.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/veridata/fact-extract/internal/chunker"
	"github.com/veridata/fact-extract/internal/config"
	"github.com/veridata/fact-extract/internal/extractor"
	"github.com/veridata/fact-extract/internal/storage"
	"github.com/veridata/fact-extract/internal/verifier"
	"github.com/veridata/fact-extract/pkg/logger"
)

// Service wires the chunker, extractor, verifier and the persistence
// layers together. All stores are explicit dependencies; the service owns
// no global state beyond what lives in the data directory.
type Service struct {
	cfg      config.PipelineConfig
	chunker  *chunker.Chunker
	extract  *extractor.Extractor
	verify   *verifier.Verifier
	chunks   *storage.ChunkStore
	facts    *storage.FactStore
	rejected *storage.FactStore
	index    storage.VectorIndex
	guard    *storage.Guard
	limiter  *rate.Limiter
	log      *logger.Logger
}

// Deps holds the collaborators injected into the service.
type Deps struct {
	Chunker   *chunker.Chunker
	Extractor *extractor.Extractor
	Verifier  *verifier.Verifier
	Chunks    *storage.ChunkStore
	Facts     *storage.FactStore
	Rejected  *storage.FactStore
	Index     storage.VectorIndex
	Logger    *logger.Logger
}

// NewService creates the pipeline service.
func NewService(cfg config.PipelineConfig, deps Deps) (*Service, error) {
	if deps.Chunker == nil || deps.Extractor == nil || deps.Verifier == nil {
		return nil, fmt.Errorf("chunker, extractor and verifier are required")
	}
	if deps.Chunks == nil || deps.Facts == nil || deps.Rejected == nil || deps.Index == nil {
		return nil, fmt.Errorf("all stores are required")
	}

	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}

	if cfg.MaxConcurrentChunks <= 0 {
		cfg.MaxConcurrentChunks = 5
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	return &Service{
		cfg:      cfg,
		chunker:  deps.Chunker,
		extract:  deps.Extractor,
		verify:   deps.Verifier,
		chunks:   deps.Chunks,
		facts:    deps.Facts,
		rejected: deps.Rejected,
		index:    deps.Index,
		guard:    storage.NewGuard(deps.Facts, deps.Rejected, deps.Index, log),
		limiter:  limiter,
		log:      log.WithComponent("pipeline"),
	}, nil
}

// SearchResult is a fact hydrated from the tabular store with its
// similarity to the query.
type SearchResult struct {
	Fact       storage.Fact `json:"fact"`
	Similarity float64      `json:"similarity"`
}

// GetFacts returns facts, optionally restricted to one document. With
// verifiedOnly false, rejected facts are included after the verified ones.
func (s *Service) GetFacts(documentName string, verifiedOnly bool) []storage.Fact {
	var out []storage.Fact
	if documentName == "" {
		out = s.facts.GetAll()
		if !verifiedOnly {
			out = append(out, s.rejected.GetAll()...)
		}
		return out
	}

	out = s.facts.GetByDocument(documentName)
	if !verifiedOnly {
		out = append(out, s.rejected.GetByDocument(documentName)...)
	}
	return out
}

// Search performs semantic search over verified facts. Vector hits are
// hydrated from the tabular store; a hit whose fact id is missing there is
// an inconsistency, logged and dropped (repair-on-read).
func (s *Service) Search(ctx context.Context, query string, k int, filters *storage.QueryFilters) ([]SearchResult, error) {
	hits, err := s.index.Query(ctx, query, k, filters)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		fact, ok := s.facts.GetByID(hit.FactID)
		if !ok {
			s.log.Warn("dropping orphan vector hit",
				"fact_id", hit.FactID,
			)
			continue
		}
		results = append(results, SearchResult{Fact: fact, Similarity: hit.Similarity})
	}
	return results, nil
}

// UpdateFactRequest describes an edit to a stored fact. Nil fields are
// left unchanged.
type UpdateFactRequest struct {
	NewStatement *string
	NewStatus    *storage.VerificationStatus
	Reason       string
}

// UpdateFact edits a fact's statement or flips its status. Status flips
// are moves between the two stores; statement edits on a verified fact
// re-embed its vector entry. The whole edit runs under the consistency
// guard.
func (s *Service) UpdateFact(ctx context.Context, factID string, req UpdateFactRequest) (storage.Fact, error) {
	if req.NewStatement == nil && req.NewStatus == nil {
		return storage.Fact{}, fmt.Errorf("nothing to update")
	}

	fact, inVerified := s.facts.GetByID(factID)
	if !inVerified {
		var ok bool
		fact, ok = s.rejected.GetByID(factID)
		if !ok {
			return storage.Fact{}, fmt.Errorf("%w: fact id %s", storage.ErrNotFound, factID)
		}
	}

	var result storage.Fact
	err := s.guard.Run(func() error {
		var err error
		result, err = s.applyUpdate(ctx, fact, inVerified, req)
		return err
	})
	if err != nil {
		return storage.Fact{}, err
	}
	return result, nil
}

// applyUpdate performs the edit inside the consistency transaction.
func (s *Service) applyUpdate(ctx context.Context, fact storage.Fact, inVerified bool, req UpdateFactRequest) (storage.Fact, error) {
	now := time.Now().UTC()

	if req.NewStatus != nil && *req.NewStatus != fact.VerificationStatus {
		switch *req.NewStatus {
		case storage.StatusRejected:
			removed, err := s.facts.RemoveByID(fact.FactID)
			if err != nil {
				return storage.Fact{}, err
			}
			if err := s.index.Delete(fact.FactID); err != nil {
				return storage.Fact{}, err
			}
			removed.VerificationStatus = storage.StatusRejected
			removed.VerificationReason = req.Reason
			removed.VerifiedAt = now
			if _, _, err := s.rejected.Store(removed); err != nil {
				return storage.Fact{}, err
			}
			return removed, nil

		case storage.StatusVerified:
			removed, err := s.rejected.RemoveByID(fact.FactID)
			if err != nil {
				return storage.Fact{}, err
			}
			removed.VerificationStatus = storage.StatusVerified
			removed.VerificationReason = req.Reason
			removed.VerifiedAt = now
			if _, _, err := s.facts.Store(removed); err != nil {
				return storage.Fact{}, err
			}
			if err := s.index.Add(ctx, removed.FactID, removed.Statement, storage.EntryMetadata{
				DocumentName: removed.DocumentName,
				ChunkIndex:   removed.SourceChunkIndex,
			}); err != nil {
				return storage.Fact{}, err
			}
			return removed, nil

		default:
			return storage.Fact{}, fmt.Errorf("invalid target status %q", *req.NewStatus)
		}
	}

	if req.NewStatement != nil && *req.NewStatement != fact.Statement {
		updated := fact
		updated.Statement = *req.NewStatement
		updated.FactHash = storage.FactHash(*req.NewStatement)
		if req.Reason != "" {
			updated.VerificationReason = req.Reason
		}
		updated.VerifiedAt = now

		store := s.rejected
		if inVerified {
			store = s.facts
		}
		updated, err := store.Update(fact.DocumentName, fact.Statement, updated)
		if err != nil {
			return storage.Fact{}, err
		}
		if inVerified {
			if err := s.index.Update(ctx, updated.FactID, updated.Statement, storage.EntryMetadata{
				DocumentName: updated.DocumentName,
				ChunkIndex:   updated.SourceChunkIndex,
			}); err != nil {
				return storage.Fact{}, err
			}
		}
		return updated, nil
	}

	// Reason-only change.
	if req.Reason != "" && req.Reason != fact.VerificationReason {
		updated := fact
		updated.VerificationReason = req.Reason
		store := s.rejected
		if inVerified {
			store = s.facts
		}
		return store.Update(fact.DocumentName, fact.Statement, updated)
	}

	return fact, nil
}

// PurgeDocument removes every chunk, fact and vector entry belonging to
// the named document and returns the number of rows removed.
func (s *Service) PurgeDocument(ctx context.Context, documentName string) (int, error) {
	removed := 0
	err := s.guard.Run(func() error {
		facts, err := s.facts.PurgeDocument(documentName)
		if err != nil {
			return err
		}
		for _, f := range facts {
			if err := s.index.Delete(f.FactID); err != nil {
				return err
			}
		}
		rejected, err := s.rejected.PurgeDocument(documentName)
		if err != nil {
			return err
		}
		chunks, err := s.chunks.PurgeDocument(documentName)
		if err != nil {
			return err
		}
		removed = len(facts) + len(rejected) + chunks
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("document purged",
		"document", documentName,
		"rows_removed", removed,
	)
	return removed, nil
}

// Stats reports the sizes of the persistence layers.
type Stats struct {
	VerifiedFacts int `json:"verified_facts"`
	RejectedFacts int `json:"rejected_facts"`
	Chunks        int `json:"chunks"`
	VectorEntries int `json:"vector_entries"`
}

// GetStats returns current store sizes.
func (s *Service) GetStats() Stats {
	return Stats{
		VerifiedFacts: s.facts.Count(),
		RejectedFacts: s.rejected.Count(),
		Chunks:        len(s.chunks.All()),
		VectorEntries: s.index.Count(),
	}
}

// VerifyConsistency re-checks the cross-store invariants and returns any
// violations without mutating anything.
func (s *Service) VerifyConsistency() []string {
	return s.guard.Verify()
}
