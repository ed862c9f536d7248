package storage

import (
	"context"
	"testing"

	"github.com/veridata/fact-extract/internal/embedder"
)

func newTestIndex(t *testing.T) (*LocalVectorIndex, string) {
	t.Helper()
	dir := t.TempDir()
	idx, err := NewLocalVectorIndex(dir, "fact_embeddings", embedder.NewMockEmbedder(64), nil)
	if err != nil {
		t.Fatalf("NewLocalVectorIndex() failed: %v", err)
	}
	return idx, dir
}

func TestVectorIndexAddAndQuery(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	entries := map[string]string{
		"fact-00000001": "ACME shipped 12,345 units in 2023.",
		"fact-00000002": "The reactor produced 4.2 GW of power.",
		"fact-00000003": "Average rainfall was 120 mm in April.",
	}
	for id, stmt := range entries {
		if err := idx.Add(ctx, id, stmt, EntryMetadata{DocumentName: "doc.txt"}); err != nil {
			t.Fatalf("Add(%s) failed: %v", id, err)
		}
	}

	if idx.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", idx.Count())
	}

	// The mock embedder is deterministic, so querying with an exact
	// statement ranks that entry first with similarity 1.
	results, err := idx.Query(ctx, "ACME shipped 12,345 units in 2023.", 3, nil)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].FactID != "fact-00000001" {
		t.Errorf("top result = %s, want fact-00000001", results[0].FactID)
	}
	if results[0].Similarity < 0.999 {
		t.Errorf("top similarity = %f, want ~1.0", results[0].Similarity)
	}
}

func TestVectorIndexRepeatedAddReplaces(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Add(ctx, "fact-00000001", "old statement", EntryMetadata{}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := idx.Add(ctx, "fact-00000001", "new statement", EntryMetadata{}); err != nil {
		t.Fatalf("second Add() failed: %v", err)
	}

	if idx.Count() != 1 {
		t.Errorf("Count() = %d, want 1", idx.Count())
	}

	results, err := idx.Query(ctx, "new statement", 1, nil)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if results[0].Similarity < 0.999 {
		t.Errorf("replacement not reflected: similarity %f", results[0].Similarity)
	}
}

func TestVectorIndexDelete(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Add(ctx, "fact-00000001", "some statement", EntryMetadata{}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := idx.Delete("fact-00000001"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if idx.Count() != 0 {
		t.Errorf("Count() = %d after delete, want 0", idx.Count())
	}

	// Deleting an absent id is a no-op.
	if err := idx.Delete("fact-00000001"); err != nil {
		t.Errorf("deleting absent id failed: %v", err)
	}
}

func TestVectorIndexQueryFilters(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Add(ctx, "fact-00000001", "fact in doc a", EntryMetadata{DocumentName: "a.txt", ChunkIndex: 0}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := idx.Add(ctx, "fact-00000002", "fact in doc b", EntryMetadata{DocumentName: "b.txt", ChunkIndex: 1}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	results, err := idx.Query(ctx, "fact", 10, &QueryFilters{DocumentName: "a.txt"})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(results) != 1 || results[0].FactID != "fact-00000001" {
		t.Errorf("filtered query = %+v, want only fact-00000001", results)
	}
}

func TestVectorIndexPersistence(t *testing.T) {
	idx, dir := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Add(ctx, "fact-00000001", "persisted statement", EntryMetadata{DocumentName: "doc.txt"}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	reopened, err := NewLocalVectorIndex(dir, "fact_embeddings", embedder.NewMockEmbedder(64), nil)
	if err != nil {
		t.Fatalf("reopening index failed: %v", err)
	}
	if reopened.Count() != 1 {
		t.Fatalf("Count() = %d after reload, want 1", reopened.Count())
	}

	results, err := reopened.Query(ctx, "persisted statement", 1, nil)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if results[0].FactID != "fact-00000001" || results[0].Similarity < 0.999 {
		t.Errorf("reloaded entry mismatch: %+v", results[0])
	}
}

func TestVectorIndexSnapshotRestore(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Add(ctx, "fact-00000001", "original entry", EntryMetadata{}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	snap := idx.Snapshot()

	if err := idx.Add(ctx, "fact-00000002", "transient entry", EntryMetadata{}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := idx.Delete("fact-00000001"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if err := idx.Restore(snap); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}

	ids := idx.IDs()
	if len(ids) != 1 || ids[0] != "fact-00000001" {
		t.Errorf("IDs() after restore = %v, want [fact-00000001]", ids)
	}
}
