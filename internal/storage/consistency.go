package storage

import (
	"fmt"
	"strings"

	"github.com/veridata/fact-extract/pkg/logger"
)

// ConsistencyViolation reports cross-store invariants that failed after a
// multi-store mutation. The mutation has been rolled back when this error
// is returned.
type ConsistencyViolation struct {
	Violations []string
}

// Error implements the error interface.
func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation: %s", strings.Join(e.Violations, "; "))
}

// Guard serializes multi-store transactions and verifies cross-store
// invariants around them:
//
//  1. fact hashes are unique within each store
//  2. no fact hash exists in both stores
//  3. the vector index ids equal the verified store's fact ids
//
// On violation or mutation failure the stores are restored from the
// snapshot taken before the mutation. The snapshot is in-memory and
// process-local; durability comes from the stores' own post-mutation
// flushes.
type Guard struct {
	facts    *FactStore
	rejected *FactStore
	index    VectorIndex
	log      *logger.Logger

	// txCh serializes transactions: only one multi-store transaction at a
	// time per process. A channel rather than a mutex so callers could be
	// extended to honor context cancellation while waiting.
	txCh chan struct{}
}

// NewGuard creates a consistency guard over the three stores.
func NewGuard(facts, rejected *FactStore, index VectorIndex, log *logger.Logger) *Guard {
	if log == nil {
		log = logger.Default()
	}
	g := &Guard{
		facts:    facts,
		rejected: rejected,
		index:    index,
		log:      log.WithComponent("consistency"),
		txCh:     make(chan struct{}, 1),
	}
	g.txCh <- struct{}{}
	return g
}

// snapshot is the pre-mutation state of the three stores.
type snapshot struct {
	facts    []Fact
	rejected []Fact
	vectors  map[string]VectorEntry
}

// Run executes fn as a multi-store transaction. If fn returns an error or
// the invariants do not hold afterwards, all three stores are restored
// from the pre-mutation snapshot.
func (g *Guard) Run(fn func() error) error {
	<-g.txCh
	defer func() { g.txCh <- struct{}{} }()

	snap := snapshot{
		facts:    g.facts.Snapshot(),
		rejected: g.rejected.Snapshot(),
		vectors:  g.index.Snapshot(),
	}

	if err := fn(); err != nil {
		g.restore(snap)
		return err
	}

	if violations := g.Verify(); len(violations) > 0 {
		g.log.Error("invariants failed after mutation, rolling back",
			"violations", violations,
		)
		g.restore(snap)
		return &ConsistencyViolation{Violations: violations}
	}

	return nil
}

// Verify checks invariants 1-3 and returns any violations found.
func (g *Guard) Verify() []string {
	var violations []string

	factHashes := countHashes(g.facts.GetAll())
	rejectedHashes := countHashes(g.rejected.GetAll())

	for hash, n := range factHashes {
		if n > 1 {
			violations = append(violations, fmt.Sprintf("fact hash %s appears %d times in verified store", hash, n))
		}
	}
	for hash, n := range rejectedHashes {
		if n > 1 {
			violations = append(violations, fmt.Sprintf("fact hash %s appears %d times in rejected store", hash, n))
		}
	}

	for hash := range factHashes {
		if _, ok := rejectedHashes[hash]; ok {
			violations = append(violations, fmt.Sprintf("fact hash %s exists in both stores", hash))
		}
	}

	factIDs := make(map[string]struct{})
	for _, id := range g.facts.IDs() {
		factIDs[id] = struct{}{}
	}
	vectorIDs := make(map[string]struct{})
	for _, id := range g.index.IDs() {
		vectorIDs[id] = struct{}{}
	}
	for id := range factIDs {
		if _, ok := vectorIDs[id]; !ok {
			violations = append(violations, fmt.Sprintf("verified fact %s has no vector entry", id))
		}
	}
	for id := range vectorIDs {
		if _, ok := factIDs[id]; !ok {
			violations = append(violations, fmt.Sprintf("orphan vector entry %s", id))
		}
	}

	return violations
}

// restore puts all three stores back to the snapshot state. Restore
// failures are logged but not propagated: the caller already has the
// primary error, and the next flush retries the write.
func (g *Guard) restore(snap snapshot) {
	if err := g.facts.Restore(snap.facts); err != nil {
		g.log.WithError(err).Error("failed to restore verified store")
	}
	if err := g.rejected.Restore(snap.rejected); err != nil {
		g.log.WithError(err).Error("failed to restore rejected store")
	}
	if err := g.index.Restore(snap.vectors); err != nil {
		g.log.WithError(err).Error("failed to restore vector index")
	}
}

func countHashes(facts []Fact) map[string]int {
	out := make(map[string]int, len(facts))
	for _, f := range facts {
		out[f.FactHash]++
	}
	return out
}
