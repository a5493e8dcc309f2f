package reasoning

import (
	"context"
	"sync"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

// coalesceInterval is the minimum gap between non-final progress writes
// for a given key, per §4.3.3 ("coalescing updates at >=1s intervals
// except when finalized=true").
const coalesceInterval = time.Second

// Sink upserts streaming reasoning-token estimates, coalescing frequent
// in-flight updates and always flushing finalized ones immediately.
type Sink struct {
	store store.Store

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewSink(s store.Store) *Sink {
	return &Sink{store: s, lastSent: make(map[string]time.Time)}
}

func progressKey(roundID string, requestType store.RequestType, answerIndex *int) string {
	if answerIndex == nil {
		return roundID + "|" + string(requestType)
	}
	idx := *answerIndex
	return roundID + "|" + string(requestType) + "|" + string(rune('0'+idx))
}

// Upsert records a progress update. finalized updates always flush;
// others are dropped if a write for this key happened within
// coalesceInterval.
func (s *Sink) Upsert(ctx context.Context, roundID string, requestType store.RequestType, answerIndex *int, modelID string, estimatedReasoningTokens int64, finalized bool) error {
	key := progressKey(roundID, requestType, answerIndex)
	now := time.Now()

	if !finalized {
		s.mu.Lock()
		last, ok := s.lastSent[key]
		if ok && now.Sub(last) < coalesceInterval {
			s.mu.Unlock()
			return nil
		}
		s.lastSent[key] = now
		s.mu.Unlock()
	}

	if estimatedReasoningTokens < 0 {
		estimatedReasoningTokens = 0
	}
	return s.store.UpsertLiveReasoningProgress(ctx, store.LiveReasoningProgress{
		RoundID:                  roundID,
		RequestType:              requestType,
		AnswerIndex:              answerIndex,
		ModelID:                  modelID,
		EstimatedReasoningTokens: estimatedReasoningTokens,
		Finalized:                finalized,
	})
}

// Finalize locks in the last known estimate. The driver calls it on error
// paths only; a successful call finalizes its row through Upsert with
// finalized=true from the adapter's progress callback.
func (s *Sink) Finalize(ctx context.Context, roundID string, requestType store.RequestType, answerIndex *int) error {
	return s.store.FinalizeLiveReasoningProgress(ctx, roundID, requestType, answerIndex)
}
