package reasoning

import (
	"context"
	"testing"

	"github.com/tokenscomedyclub/arena/engine/store"
)

// countingStore wraps a MemoryStore to count writes reaching the backend,
// so coalescing can be asserted without poking at MemoryStore internals.
type countingStore struct {
	*store.MemoryStore
	upserts int
	last    store.LiveReasoningProgress
}

func (c *countingStore) UpsertLiveReasoningProgress(ctx context.Context, p store.LiveReasoningProgress) error {
	c.upserts++
	c.last = p
	return c.MemoryStore.UpsertLiveReasoningProgress(ctx, p)
}

func TestSinkCoalescesRapidNonFinalUpdates(t *testing.T) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	sink := NewSink(cs)
	ctx := context.Background()

	if err := sink.Upsert(ctx, "round-1", store.RequestAnswer, intPtr(0), "model-1", 10, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := sink.Upsert(ctx, "round-1", store.RequestAnswer, intPtr(0), "model-1", 20, false); err != nil {
		t.Fatalf("Upsert (coalesced): %v", err)
	}
	if cs.upserts != 1 {
		t.Errorf("expected the second rapid non-final update to be coalesced away, got %d backend writes", cs.upserts)
	}
}

func TestSinkFinalizeAlwaysFlushesEvenWhenCoalesced(t *testing.T) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	sink := NewSink(cs)
	ctx := context.Background()

	if err := sink.Upsert(ctx, "round-1", store.RequestAnswer, intPtr(0), "model-1", 10, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := sink.Upsert(ctx, "round-1", store.RequestAnswer, intPtr(0), "model-1", 42, true); err != nil {
		t.Fatalf("Upsert (finalized): %v", err)
	}
	if cs.upserts != 2 {
		t.Errorf("expected a finalized update to bypass coalescing, got %d backend writes", cs.upserts)
	}

	if err := sink.Finalize(ctx, "round-1", store.RequestAnswer, intPtr(0)); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestSinkNegativeEstimateClampsToZero(t *testing.T) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	ctx := context.Background()
	sink := NewSink(cs)

	if err := sink.Upsert(ctx, "round-2", store.RequestPrompt, nil, "model-1", -5, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if cs.last.EstimatedReasoningTokens != 0 {
		t.Errorf("expected a negative estimate to be stored as 0, got %d", cs.last.EstimatedReasoningTokens)
	}
}

func intPtr(i int) *int { return &i }
