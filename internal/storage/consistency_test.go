package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/veridata/fact-extract/internal/embedder"
)

func newTestGuard(t *testing.T) (*Guard, *FactStore, *FactStore, *LocalVectorIndex) {
	t.Helper()
	dir := t.TempDir()

	facts, err := NewFactStore(filepath.Join(dir, "all_facts.xlsx"), nil)
	if err != nil {
		t.Fatalf("NewFactStore() failed: %v", err)
	}
	rejected, err := NewRejectedFactStore(filepath.Join(dir, "rejected_facts.xlsx"), nil)
	if err != nil {
		t.Fatalf("NewRejectedFactStore() failed: %v", err)
	}
	index, err := NewLocalVectorIndex(filepath.Join(dir, "embeddings"), "fact_embeddings", embedder.NewMockEmbedder(32), nil)
	if err != nil {
		t.Fatalf("NewLocalVectorIndex() failed: %v", err)
	}

	return NewGuard(facts, rejected, index, nil), facts, rejected, index
}

// storeWithVector commits one verified fact plus its vector entry.
func storeWithVector(t *testing.T, facts *FactStore, index *LocalVectorIndex, statement string) string {
	t.Helper()
	id, stored, err := facts.Store(sampleFact(statement, "doc.txt"))
	if err != nil || !stored {
		t.Fatalf("Store() = (%v, %v)", stored, err)
	}
	if err := index.Add(context.Background(), id, statement, EntryMetadata{DocumentName: "doc.txt"}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	return id
}

func TestGuardCommitsConsistentTransaction(t *testing.T) {
	guard, facts, _, index := newTestGuard(t)

	err := guard.Run(func() error {
		storeWithVector(t, facts, index, "a consistent fact with 1 number")
		return nil
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if facts.Count() != 1 || index.Count() != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", facts.Count(), index.Count())
	}
}

func TestGuardRollsBackOnError(t *testing.T) {
	guard, facts, _, index := newTestGuard(t)
	storeWithVector(t, facts, index, "pre-existing fact 0")

	boom := errors.New("downstream failure")
	err := guard.Run(func() error {
		storeWithVector(t, facts, index, "fact that must roll back")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want wrapped failure", err)
	}

	if facts.Count() != 1 {
		t.Errorf("verified store not rolled back: %d rows", facts.Count())
	}
	if index.Count() != 1 {
		t.Errorf("vector index not rolled back: %d entries", index.Count())
	}
}

func TestGuardDetectsOrphanVectorEntry(t *testing.T) {
	guard, _, _, index := newTestGuard(t)

	err := guard.Run(func() error {
		// Vector entry without a tabular row.
		return index.Add(context.Background(), "fact-00000099", "orphan", EntryMetadata{})
	})

	var violation *ConsistencyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("Run() error = %v, want ConsistencyViolation", err)
	}
	if index.Count() != 0 {
		t.Errorf("orphan entry survived rollback: %d entries", index.Count())
	}
}

func TestGuardDetectsMissingVectorEntry(t *testing.T) {
	guard, facts, _, _ := newTestGuard(t)

	err := guard.Run(func() error {
		// Tabular row without a vector entry.
		_, _, err := facts.Store(sampleFact("fact without vector", "doc.txt"))
		return err
	})

	var violation *ConsistencyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("Run() error = %v, want ConsistencyViolation", err)
	}
	if facts.Count() != 0 {
		t.Errorf("unpaired fact survived rollback: %d rows", facts.Count())
	}
}

func TestGuardDetectsCrossStoreDuplicate(t *testing.T) {
	guard, facts, rejected, index := newTestGuard(t)
	storeWithVector(t, facts, index, "the same statement twice")

	err := guard.Run(func() error {
		f := sampleFact("the same statement twice", "other.txt")
		f.VerificationStatus = StatusRejected
		_, _, err := rejected.Store(f)
		return err
	})

	var violation *ConsistencyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("Run() error = %v, want ConsistencyViolation", err)
	}
	if rejected.Count() != 0 {
		t.Errorf("cross-store duplicate survived rollback: %d rows", rejected.Count())
	}
}

func TestGuardVerifyCleanState(t *testing.T) {
	guard, facts, rejected, index := newTestGuard(t)
	storeWithVector(t, facts, index, "verified fact 1")

	f := sampleFact("rejected fact 1", "doc.txt")
	f.VerificationStatus = StatusRejected
	if _, _, err := rejected.Store(f); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	if violations := guard.Verify(); len(violations) != 0 {
		t.Errorf("Verify() = %v, want none", violations)
	}
}
