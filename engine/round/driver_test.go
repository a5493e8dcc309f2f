package round

import (
	"context"
	"testing"
	"time"

	"github.com/tokenscomedyclub/arena/engine/lease"
	"github.com/tokenscomedyclub/arena/engine/llm"
	"github.com/tokenscomedyclub/arena/engine/reasoning"
	"github.com/tokenscomedyclub/arena/engine/recovery"
	"github.com/tokenscomedyclub/arena/engine/store"
	"github.com/tokenscomedyclub/arena/engine/usage"
	"github.com/tokenscomedyclub/arena/engine/viewer"
)

// instantAdapter answers every call immediately with a fixed reply, so a
// full round (prompting -> answering -> voting -> finalize) runs inside one
// Tick call without the driver ever waiting on a real provider.
type instantAdapter struct{}

func (instantAdapter) GeneratePrompt(ctx context.Context, prompter store.Model, onProgress llm.ProgressFunc) (llm.Result, error) {
	if onProgress != nil {
		onProgress(12, true)
	}
	return llm.Result{Text: "why did the AI cross the picket line"}, nil
}

func (instantAdapter) GenerateAnswer(ctx context.Context, model store.Model, prompt string, onProgress llm.ProgressFunc) (llm.Result, error) {
	if onProgress != nil {
		onProgress(8, true)
	}
	return llm.Result{Text: "to negotiate its own severance package"}, nil
}

func (instantAdapter) GenerateVote(ctx context.Context, voter store.Model, prompt, answerA, answerB string, onProgress llm.ProgressFunc) (llm.Result, error) {
	if onProgress != nil {
		onProgress(2, true)
	}
	return llm.Result{Text: "A, funnier delivery"}, nil
}

func newTestDriver(t *testing.T, s store.Store, v viewer.Aggregates) (*Driver, string) {
	t.Helper()
	ctx := context.Background()
	leases := lease.New(s)
	leaseID, ok, err := leases.AcquireIfVacant(ctx, time.Now())
	if err != nil || !ok {
		t.Fatalf("AcquireIfVacant: ok=%v err=%v", ok, err)
	}
	recoverer := recovery.New(s, v)
	sink := reasoning.NewSink(s)
	recorder := usage.NewRecorder(s)
	return New(s, v, leases, recoverer, instantAdapter{}, sink, recorder), leaseID
}

func seedFourModels(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	models := []store.Model{
		{ID: "m1", Name: "Prompter", Enabled: true, CanPrompt: true, CanAnswer: true, CanVote: true},
		{ID: "m2", Name: "ContestantA", Enabled: true, CanPrompt: true, CanAnswer: true, CanVote: true},
		{ID: "m3", Name: "ContestantB", Enabled: true, CanPrompt: true, CanAnswer: true, CanVote: true},
		{ID: "m4", Name: "Voter", Enabled: true, CanAnswer: true, CanVote: true},
	}
	for _, m := range models {
		if err := s.UpsertModel(ctx, m); err != nil {
			t.Fatalf("UpsertModel(%s): %v", m.ID, err)
		}
	}
}

func TestTickRunsAFullRoundToCompletion(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.GetOrCreateState(ctx)
	seedFourModels(t, s)
	v := viewer.NewMemoryAggregates()

	d, leaseID := newTestDriver(t, s, v)

	delay, err := d.Tick(ctx, leaseID)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if delay != PostRoundDelay {
		t.Errorf("expected PostRoundDelay after a completed round, got %v", delay)
	}

	state, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.ActiveRoundID != "" {
		t.Errorf("expected ActiveRoundID cleared after finalize, got %q", state.ActiveRoundID)
	}
	if state.CompletedRounds != 1 {
		t.Errorf("expected 1 completed round, got %d", state.CompletedRounds)
	}
	if state.LastCompletedRoundID == "" {
		t.Error("expected LastCompletedRoundID to be set")
	}

	round, err := s.GetRound(ctx, state.LastCompletedRoundID)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if round.Phase != store.PhaseDone {
		t.Errorf("expected the completed round's phase to be done, got %s", round.Phase)
	}
	if round.ScoreA == 0 && round.ScoreB == 0 {
		t.Error("expected at least one model vote to register a score")
	}
}

func TestTickReportsInsufficientModelsBelowFloor(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.GetOrCreateState(ctx)
	s.UpsertModel(ctx, store.Model{ID: "m1", Enabled: true, CanPrompt: true, CanAnswer: true, CanVote: true})
	s.UpsertModel(ctx, store.Model{ID: "m2", Enabled: true, CanAnswer: true, CanVote: true})
	v := viewer.NewMemoryAggregates()
	d, leaseID := newTestDriver(t, s, v)

	delay, err := d.Tick(ctx, leaseID)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if delay != InsufficientModelsDelay {
		t.Errorf("expected InsufficientModelsDelay with only 2 active models, got %v", delay)
	}
}

func TestTickPausesWhenEngineIsPaused(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.GetOrCreateState(ctx)
	seedFourModels(t, s)
	s.Pause(ctx)
	v := viewer.NewMemoryAggregates()
	d, leaseID := newTestDriver(t, s, v)

	delay, err := d.Tick(ctx, leaseID)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if delay != PausedDelay {
		t.Errorf("expected PausedDelay while the engine is paused, got %v", delay)
	}
}

func TestTickReportsLeaseLostForForeignLeaseID(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.GetOrCreateState(ctx)
	seedFourModels(t, s)
	v := viewer.NewMemoryAggregates()
	d, _ := newTestDriver(t, s, v)

	_, err := d.Tick(ctx, "not-the-real-lease")
	if err != ErrLeaseLost {
		t.Errorf("expected ErrLeaseLost for a foreign lease id, got %v", err)
	}
}
