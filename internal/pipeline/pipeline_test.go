package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veridata/fact-extract/internal/chunker"
	"github.com/veridata/fact-extract/internal/config"
	"github.com/veridata/fact-extract/internal/embedder"
	"github.com/veridata/fact-extract/internal/extractor"
	"github.com/veridata/fact-extract/internal/llm"
	"github.com/veridata/fact-extract/internal/storage"
	"github.com/veridata/fact-extract/internal/verifier"
)

// scriptedProvider routes extraction and verification prompts to
// configurable responders and can inject leading failures.
type scriptedProvider struct {
	mu          sync.Mutex
	extractFn   func(prompt string) (string, error)
	verifyFn    func(prompt string) (string, error)
	failFirstN  int
	failWith    error
	calls       int
	failedCalls int
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls++
	if p.failedCalls < p.failFirstN {
		p.failedCalls++
		err := p.failWith
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	var text string
	var err error
	if strings.Contains(req.Prompt, "Statement:") {
		text, err = p.verifyFn(req.Prompt)
	} else {
		text, err = p.extractFn(req.Prompt)
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Text: text}, nil
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-model" }

// verifyAll approves every candidate.
func verifyAll(prompt string) (string, error) {
	return "<is_valid>true</is_valid><reasoning>Directly supported by the text.</reasoning>", nil
}

// rejectAll rejects every candidate.
func rejectAll(prompt string) (string, error) {
	return "<is_valid>false</is_valid><reasoning>Not supported by the text.</reasoning>", nil
}

type testEnv struct {
	svc      *Service
	chunks   *storage.ChunkStore
	facts    *storage.FactStore
	rejected *storage.FactStore
	index    *storage.LocalVectorIndex
}

// newTestEnv builds a service over temp-dir stores with a fast backoff
// schedule. chunkSize controls how many chunks a document splits into.
func newTestEnv(t *testing.T, provider llm.Provider, chunkSize int) *testEnv {
	t.Helper()
	dir := t.TempDir()

	chunkStore, err := storage.NewChunkStore(filepath.Join(dir, "all_chunks.xlsx"), nil)
	if err != nil {
		t.Fatalf("NewChunkStore() failed: %v", err)
	}
	factStore, err := storage.NewFactStore(filepath.Join(dir, "all_facts.xlsx"), nil)
	if err != nil {
		t.Fatalf("NewFactStore() failed: %v", err)
	}
	rejectedStore, err := storage.NewRejectedFactStore(filepath.Join(dir, "rejected_facts.xlsx"), nil)
	if err != nil {
		t.Fatalf("NewRejectedFactStore() failed: %v", err)
	}
	index, err := storage.NewLocalVectorIndex(filepath.Join(dir, "embeddings"), "fact_embeddings", embedder.NewMockEmbedder(32), nil)
	if err != nil {
		t.Fatalf("NewLocalVectorIndex() failed: %v", err)
	}

	chk, err := chunker.New(chunker.Config{ChunkSizeWords: chunkSize, ChunkOverlapWords: 0}, chunkStore, nil)
	if err != nil {
		t.Fatalf("chunker.New() failed: %v", err)
	}

	svc, err := NewService(config.PipelineConfig{
		ChunkSizeWords:      chunkSize,
		MaxConcurrentChunks: 5,
		LLMTimeout:          time.Second,
		MaxRetries:          5,
		BackoffBase:         5 * time.Millisecond,
	}, Deps{
		Chunker:   chk,
		Extractor: extractor.New(provider, "", nil),
		Verifier:  verifier.New(provider, "", nil),
		Chunks:    chunkStore,
		Facts:     factStore,
		Rejected:  rejectedStore,
		Index:     index,
	})
	if err != nil {
		t.Fatalf("NewService() failed: %v", err)
	}

	return &testEnv{svc: svc, chunks: chunkStore, facts: factStore, rejected: rejectedStore, index: index}
}

// requireInvariants asserts the cross-store invariants hold.
func requireInvariants(t *testing.T, env *testEnv) {
	t.Helper()
	if violations := env.svc.VerifyConsistency(); len(violations) != 0 {
		t.Fatalf("invariants violated: %v", violations)
	}
}

const acmeText = "In 2023, ACME shipped 12,345 units."
const acmeFact = "ACME shipped 12,345 units in 2023."

func extractACME(prompt string) (string, error) {
	return fmt.Sprintf("<fact>%s</fact>", acmeFact), nil
}

func TestSubmitSingleChunkVerifiedFact(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: verifyAll}
	env := newTestEnv(t, provider, 750)

	report, err := env.svc.Submit(context.Background(), "acme.txt", acmeText, "")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	if report.AlreadyComplete {
		t.Error("AlreadyComplete = true on first submission")
	}
	if report.ChunksProcessed != 1 || report.Verified != 1 || report.Rejected != 0 {
		t.Errorf("report = %+v, want 1 chunk, 1 verified, 0 rejected", report)
	}
	if len(report.Errors) != 0 {
		t.Errorf("report errors = %v, want none", report.Errors)
	}

	facts := env.facts.GetAll()
	if len(facts) != 1 || facts[0].Statement != acmeFact {
		t.Fatalf("fact store = %+v, want single ACME fact", facts)
	}
	if facts[0].VerificationStatus != storage.StatusVerified {
		t.Errorf("status = %q, want verified", facts[0].VerificationStatus)
	}
	if env.index.Count() != 1 {
		t.Errorf("vector count = %d, want 1", env.index.Count())
	}
	if env.rejected.Count() != 0 {
		t.Errorf("rejected count = %d, want 0", env.rejected.Count())
	}

	chunks, _ := env.chunks.ListByDocument("acme.txt")
	if len(chunks) != 1 {
		t.Fatalf("chunk store has %d chunks, want 1", len(chunks))
	}
	if chunks[0].Status != storage.ChunkStatusProcessed || !chunks[0].AllFactsExtracted || !chunks[0].ContainsFacts {
		t.Errorf("chunk flags = %+v, want processed/contains/all-extracted", chunks[0])
	}

	requireInvariants(t, env)
}

func TestSubmitDuplicateSubmission(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: verifyAll}
	env := newTestEnv(t, provider, 750)

	if _, err := env.svc.Submit(context.Background(), "acme.txt", acmeText, ""); err != nil {
		t.Fatalf("first Submit() failed: %v", err)
	}
	vectorCount := env.index.Count()

	report, err := env.svc.Submit(context.Background(), "acme.txt", acmeText, "")
	if err != nil {
		t.Fatalf("second Submit() failed: %v", err)
	}

	if !report.AlreadyComplete {
		t.Error("AlreadyComplete = false on resubmission")
	}
	if report.Verified != 0 || report.CandidatesExtracted != 0 {
		t.Errorf("resubmission produced work: %+v", report)
	}
	if env.facts.Count() != 1 {
		t.Errorf("fact count = %d, want 1", env.facts.Count())
	}
	if env.index.Count() != vectorCount {
		t.Errorf("vector count changed: %d -> %d", vectorCount, env.index.Count())
	}

	requireInvariants(t, env)
}

func TestSubmitDuplicateFactAcrossDocuments(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: verifyAll}
	env := newTestEnv(t, provider, 750)

	if _, err := env.svc.Submit(context.Background(), "a.txt", acmeText, ""); err != nil {
		t.Fatalf("Submit(a) failed: %v", err)
	}
	reportB, err := env.svc.Submit(context.Background(), "b.txt", "A different document that also mentions the shipment.", "")
	if err != nil {
		t.Fatalf("Submit(b) failed: %v", err)
	}

	if reportB.Verified != 0 {
		t.Errorf("second document verified = %d, want 0 (duplicate)", reportB.Verified)
	}
	if reportB.Duplicates != 1 {
		t.Errorf("second document duplicates = %d, want 1", reportB.Duplicates)
	}
	if env.facts.Count() != 1 {
		t.Errorf("fact count = %d, want 1", env.facts.Count())
	}
	if env.index.Count() != 1 {
		t.Errorf("vector count = %d, want 1", env.index.Count())
	}

	for _, doc := range []string{"a.txt", "b.txt"} {
		chunks, _ := env.chunks.ListByDocument(doc)
		for _, ch := range chunks {
			if !ch.AllFactsExtracted {
				t.Errorf("%s chunk %d not marked all_facts_extracted", doc, ch.ChunkIndex)
			}
		}
	}

	requireInvariants(t, env)
}

func TestSubmitRateLimitRecovery(t *testing.T) {
	provider := &scriptedProvider{
		extractFn:  extractACME,
		verifyFn:   verifyAll,
		failFirstN: 3,
		failWith:   llm.NewError(llm.KindRateLimited, "scripted", errors.New("429 too many requests")),
	}
	env := newTestEnv(t, provider, 750)

	start := time.Now()
	report, err := env.svc.Submit(context.Background(), "acme.txt", acmeText, "")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	elapsed := time.Since(start)

	// Backoff base is 5ms, so three retries wait at least 5+10+20 ms.
	if elapsed < 35*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 35ms of backoff", elapsed)
	}
	if report.Verified != 1 {
		t.Errorf("verified = %d, want 1", report.Verified)
	}
	if len(report.Errors) != 0 {
		t.Errorf("errors = %v, want none", report.Errors)
	}

	chunks, _ := env.chunks.ListByDocument("acme.txt")
	for _, ch := range chunks {
		if ch.Status == storage.ChunkStatusError {
			t.Errorf("chunk %d in error state after recovery", ch.ChunkIndex)
		}
	}

	requireInvariants(t, env)
}

func TestSubmitPartialFailure(t *testing.T) {
	// 15 distinct words at chunk size 5 -> exactly 3 chunks.
	words := make([]string, 15)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i)
	}
	text := strings.Join(words, " ")

	provider := &scriptedProvider{
		extractFn: func(prompt string) (string, error) {
			if strings.Contains(prompt, "w07") {
				// Chunk 1: unparseable response.
				return "rambling with no structure at all", nil
			}
			if strings.Contains(prompt, "w02") {
				return "<fact>Fact from the first chunk: 1 item.</fact>", nil
			}
			return "<fact>Fact from the last chunk: 3 items.</fact>", nil
		},
		verifyFn: verifyAll,
	}
	env := newTestEnv(t, provider, 5)

	report, err := env.svc.Submit(context.Background(), "parts.txt", text, "")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	if report.TotalChunks != 3 {
		t.Fatalf("TotalChunks = %d, want 3", report.TotalChunks)
	}
	if report.Verified != 2 {
		t.Errorf("verified = %d, want 2", report.Verified)
	}
	if len(report.Errors) != 1 {
		t.Errorf("errors = %v, want exactly 1", report.Errors)
	}

	chunks, _ := env.chunks.ListByDocument("parts.txt")
	var errored int
	for _, ch := range chunks {
		if ch.Status == storage.ChunkStatusError {
			errored++
			if ch.ErrorMessage == "" {
				t.Error("error chunk has no error_message")
			}
			if ch.AllFactsExtracted {
				t.Error("error chunk marked all_facts_extracted")
			}
		}
	}
	if errored != 1 {
		t.Errorf("%d chunks in error state, want 1", errored)
	}

	requireInvariants(t, env)
}

func TestSubmitNoCandidates(t *testing.T) {
	provider := &scriptedProvider{
		extractFn: func(prompt string) (string, error) { return "NO_FACTS", nil },
		verifyFn:  verifyAll,
	}
	env := newTestEnv(t, provider, 750)

	report, err := env.svc.Submit(context.Background(), "boring.txt", "Nothing factual lives in this text.", "")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	if report.CandidatesExtracted != 0 || report.Verified != 0 {
		t.Errorf("report = %+v, want no candidates", report)
	}

	chunks, _ := env.chunks.ListByDocument("boring.txt")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].ContainsFacts {
		t.Error("contains_facts = true for factless chunk")
	}
	if !chunks[0].AllFactsExtracted || chunks[0].Status != storage.ChunkStatusProcessed {
		t.Errorf("chunk flags = %+v, want processed/all-extracted", chunks[0])
	}

	requireInvariants(t, env)
}

func TestSubmitRejectedFact(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: rejectAll}
	env := newTestEnv(t, provider, 750)

	report, err := env.svc.Submit(context.Background(), "acme.txt", acmeText, "")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	if report.Rejected != 1 || report.Verified != 0 {
		t.Errorf("report = %+v, want 1 rejected", report)
	}
	if env.rejected.Count() != 1 {
		t.Errorf("rejected count = %d, want 1", env.rejected.Count())
	}
	if env.facts.Count() != 0 || env.index.Count() != 0 {
		t.Errorf("verified/vector = (%d, %d), want (0, 0)", env.facts.Count(), env.index.Count())
	}

	rejected := env.rejected.GetAll()
	if rejected[0].VerificationStatus != storage.StatusRejected {
		t.Errorf("status = %q, want rejected", rejected[0].VerificationStatus)
	}

	requireInvariants(t, env)
}

func TestUpdateFactStatusFlip(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: verifyAll}
	env := newTestEnv(t, provider, 750)

	if _, err := env.svc.Submit(context.Background(), "acme.txt", acmeText, ""); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	factID := env.facts.GetAll()[0].FactID

	rejected := storage.StatusRejected
	updated, err := env.svc.UpdateFact(context.Background(), factID, UpdateFactRequest{
		NewStatus: &rejected,
		Reason:    "manually overruled",
	})
	if err != nil {
		t.Fatalf("UpdateFact() failed: %v", err)
	}

	if updated.FactID != factID {
		t.Errorf("fact_id changed on move: %q -> %q", factID, updated.FactID)
	}
	if env.facts.Count() != 0 {
		t.Errorf("verified count = %d, want 0", env.facts.Count())
	}
	if env.index.Count() != 0 {
		t.Errorf("vector count = %d, want 0", env.index.Count())
	}
	if env.rejected.Count() != 1 {
		t.Errorf("rejected count = %d, want 1", env.rejected.Count())
	}
	if got, ok := env.rejected.GetByID(factID); !ok || got.VerificationReason != "manually overruled" {
		t.Errorf("moved fact = (%+v, %v)", got, ok)
	}

	// The statement is no longer searchable.
	results, err := env.svc.Search(context.Background(), acmeFact, 5, nil)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("search returned %d results after rejection, want 0", len(results))
	}

	requireInvariants(t, env)
}

func TestUpdateFactStatementReembeds(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: verifyAll}
	env := newTestEnv(t, provider, 750)

	if _, err := env.svc.Submit(context.Background(), "acme.txt", acmeText, ""); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	factID := env.facts.GetAll()[0].FactID

	newStatement := "ACME shipped 12,345 units during calendar year 2023."
	updated, err := env.svc.UpdateFact(context.Background(), factID, UpdateFactRequest{
		NewStatement: &newStatement,
	})
	if err != nil {
		t.Fatalf("UpdateFact() failed: %v", err)
	}
	if updated.FactID != factID {
		t.Errorf("fact_id changed on edit: %q -> %q", factID, updated.FactID)
	}

	// The updated statement ranks first for its own wording.
	results, err := env.svc.Search(context.Background(), newStatement, 1, nil)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 1 || results[0].Fact.FactID != factID {
		t.Fatalf("search results = %+v, want the edited fact", results)
	}
	if results[0].Fact.Statement != newStatement {
		t.Errorf("hydrated statement = %q, want %q", results[0].Fact.Statement, newStatement)
	}
	if results[0].Similarity < 0.999 {
		t.Errorf("similarity = %f, want ~1.0 for identical wording", results[0].Similarity)
	}

	requireInvariants(t, env)
}

func TestUpdateFactUnknownID(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: verifyAll}
	env := newTestEnv(t, provider, 750)

	stmt := "anything"
	_, err := env.svc.UpdateFact(context.Background(), "fact-99999999", UpdateFactRequest{NewStatement: &stmt})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestPurgeDocument(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: verifyAll}
	env := newTestEnv(t, provider, 750)

	if _, err := env.svc.Submit(context.Background(), "acme.txt", acmeText, ""); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	removed, err := env.svc.PurgeDocument(context.Background(), "acme.txt")
	if err != nil {
		t.Fatalf("PurgeDocument() failed: %v", err)
	}
	if removed != 2 { // 1 fact + 1 chunk
		t.Errorf("removed = %d, want 2", removed)
	}
	if env.facts.Count() != 0 || env.index.Count() != 0 {
		t.Errorf("stores not emptied: facts=%d vectors=%d", env.facts.Count(), env.index.Count())
	}

	// After a purge the document is processable again.
	report, err := env.svc.Submit(context.Background(), "acme.txt", acmeText, "")
	if err != nil {
		t.Fatalf("resubmit after purge failed: %v", err)
	}
	if report.AlreadyComplete {
		t.Error("AlreadyComplete = true after purge")
	}
	if report.Verified != 1 {
		t.Errorf("verified = %d after purge, want 1", report.Verified)
	}

	requireInvariants(t, env)
}

func TestSubmitEmptyInput(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: verifyAll}
	env := newTestEnv(t, provider, 750)

	_, err := env.svc.Submit(context.Background(), "empty.txt", "   \n  ", "")
	if !errors.Is(err, chunker.ErrEmptyInput) {
		t.Fatalf("error = %v, want ErrEmptyInput", err)
	}

	if len(env.chunks.All()) != 0 {
		t.Error("chunks written for empty input")
	}
}

func TestSubmitCancellation(t *testing.T) {
	provider := &scriptedProvider{extractFn: extractACME, verifyFn: verifyAll}
	env := newTestEnv(t, provider, 750)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := env.svc.Submit(ctx, "acme.txt", acmeText, "")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if report.ChunksProcessed != 0 {
		t.Errorf("chunks processed under cancelled context: %d", report.ChunksProcessed)
	}

	// The document stays recoverable: a later submit finishes the work.
	report, err = env.svc.Submit(context.Background(), "acme.txt", acmeText, "")
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if report.Verified != 1 {
		t.Errorf("verified = %d after resubmit, want 1", report.Verified)
	}

	requireInvariants(t, env)
}
