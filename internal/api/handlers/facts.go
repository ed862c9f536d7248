package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veridata/fact-extract/internal/chunker"
	"github.com/veridata/fact-extract/internal/pipeline"
	"github.com/veridata/fact-extract/internal/storage"
)

// FactService is the slice of the pipeline the handlers need.
type FactService interface {
	Submit(ctx context.Context, documentName, rawText, sourceURI string) (*pipeline.Report, error)
	GetFacts(documentName string, verifiedOnly bool) []storage.Fact
	Search(ctx context.Context, query string, k int, filters *storage.QueryFilters) ([]pipeline.SearchResult, error)
	UpdateFact(ctx context.Context, factID string, req pipeline.UpdateFactRequest) (storage.Fact, error)
	PurgeDocument(ctx context.Context, documentName string) (int, error)
	GetStats() pipeline.Stats
}

// SubmitRequest is the body of POST /api/v1/documents.
type SubmitRequest struct {
	DocumentName string `json:"document_name"`
	RawText      string `json:"raw_text"`
	SourceURI    string `json:"source_uri,omitempty"`
}

// SubmitDocument runs the pipeline on an inline document.
func SubmitDocument(svc FactService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
		if req.DocumentName == "" {
			RespondError(w, http.StatusBadRequest, ErrCodeValidation, "document_name is required")
			return
		}

		report, err := svc.Submit(r.Context(), req.DocumentName, req.RawText, req.SourceURI)
		if err != nil {
			switch {
			case errors.Is(err, chunker.ErrEmptyInput):
				RespondError(w, http.StatusBadRequest, ErrCodeValidation, "raw_text is empty")
			case errors.Is(err, storage.ErrStoreUnavailable):
				RespondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
			default:
				RespondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			}
			return
		}

		RespondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: report})
	}
}

// ListFacts returns facts, optionally filtered by document.
// Query params: document, verified_only (default true).
func ListFacts(svc FactService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		verifiedOnly := true
		if v := r.URL.Query().Get("verified_only"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				RespondError(w, http.StatusBadRequest, ErrCodeValidation, "verified_only must be a boolean")
				return
			}
			verifiedOnly = b
		}

		facts := svc.GetFacts(r.URL.Query().Get("document"), verifiedOnly)
		RespondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: facts})
	}
}

// SearchFacts performs semantic search over verified facts.
// Query params: q (required), k (default 5), document.
func SearchFacts(svc FactService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			RespondError(w, http.StatusBadRequest, ErrCodeValidation, "q is required")
			return
		}

		k := 5
		if v := r.URL.Query().Get("k"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				RespondError(w, http.StatusBadRequest, ErrCodeValidation, "k must be a positive integer")
				return
			}
			k = n
		}

		var filters *storage.QueryFilters
		if doc := r.URL.Query().Get("document"); doc != "" {
			filters = &storage.QueryFilters{DocumentName: doc}
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		results, err := svc.Search(ctx, query, k, filters)
		if err != nil {
			RespondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}
		RespondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: results})
	}
}

// UpdateFactRequestBody is the body of PATCH /api/v1/facts/{id}.
type UpdateFactRequestBody struct {
	NewStatement *string `json:"new_statement,omitempty"`
	NewStatus    *string `json:"new_status,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// UpdateFact edits a fact's statement or flips its verification status.
func UpdateFact(svc FactService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		factID := chi.URLParam(r, "id")

		var body UpdateFactRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			RespondError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}

		req := pipeline.UpdateFactRequest{
			NewStatement: body.NewStatement,
			Reason:       body.Reason,
		}
		if body.NewStatus != nil {
			status := storage.VerificationStatus(*body.NewStatus)
			if status != storage.StatusVerified && status != storage.StatusRejected {
				RespondError(w, http.StatusBadRequest, ErrCodeValidation, "new_status must be verified or rejected")
				return
			}
			req.NewStatus = &status
		}

		fact, err := svc.UpdateFact(r.Context(), factID, req)
		if err != nil {
			var violation *storage.ConsistencyViolation
			switch {
			case errors.Is(err, storage.ErrNotFound):
				RespondError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
			case errors.As(err, &violation):
				RespondError(w, http.StatusConflict, ErrCodeConflict, err.Error())
			default:
				RespondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			}
			return
		}

		RespondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: fact})
	}
}

// PurgeDocument removes all data belonging to a document.
func PurgeDocument(svc FactService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name == "" {
			RespondError(w, http.StatusBadRequest, ErrCodeValidation, "document name is required")
			return
		}

		removed, err := svc.PurgeDocument(r.Context(), name)
		if err != nil {
			RespondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}

		RespondJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Data:    map[string]int{"count_removed": removed},
		})
	}
}

// GetStats reports store sizes.
func GetStats(svc FactService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: svc.GetStats()})
	}
}
