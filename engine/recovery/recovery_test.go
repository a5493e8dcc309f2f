package recovery

import (
	"context"
	"testing"

	"github.com/tokenscomedyclub/arena/engine/store"
	"github.com/tokenscomedyclub/arena/engine/viewer"
)

func TestRecoverClearsMissingRoundDocument(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)

	r, _ := s.CreateRound(ctx, st.Generation, store.Model{ID: "p"}, [2]store.Model{{ID: "a"}, {ID: "b"}})

	// Simulate the round document vanishing while ESS still points at it
	// (e.g. an out-of-band purge racing the driver).
	if _, _, _, err := s.PurgeGenerationBatch(ctx, st.Generation, 500); err != nil {
		t.Fatalf("PurgeGenerationBatch: %v", err)
	}
	if found, _ := s.GetRound(ctx, r.ID); found != nil {
		t.Fatal("setup invariant broken: round document should be gone")
	}

	v := viewer.NewMemoryAggregates()
	rec := New(s, v)

	recovered, reason, err := rec.Recover(ctx, st.Generation)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !recovered {
		t.Fatal("expected Recover to disown a dangling ActiveRoundID with no round document")
	}
	if reason == "" {
		t.Error("expected a recovery reason")
	}

	after, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if after.ActiveRoundID != "" {
		t.Errorf("expected ActiveRoundID cleared, got %q", after.ActiveRoundID)
	}
	if after.LastCompletedRoundID == r.ID {
		t.Errorf("expected a missing round document NOT to be cited as LastCompletedRoundID, since it was never actually completed")
	}
}

func TestRecoverIsNoOpOnceARoundFinalizesCleanly(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)
	v := viewer.NewMemoryAggregates()
	rec := New(s, v)

	r, _ := s.CreateRound(ctx, st.Generation, store.Model{ID: "p"}, [2]store.Model{{ID: "a"}, {ID: "b"}})
	s.SetPromptResult(ctx, st.Generation, r.ID, "prompt", nil)
	s.StartAnswering(ctx, st.Generation, r.ID)
	s.SetAnswerResult(ctx, st.Generation, r.ID, 0, "a", "", nil)
	s.SetAnswerResult(ctx, st.Generation, r.ID, 1, "b", "", nil)
	s.StartVoting(ctx, st.Generation, r.ID, nil, 0, "active")
	if _, err := s.FinalizeRound(ctx, st.Generation, r.ID, 0, 0); err != nil {
		t.Fatalf("FinalizeRound: %v", err)
	}

	// FinalizeRound already clears ActiveRoundID atomically, so a normal
	// completion leaves nothing for SPR to do.
	reopened, _ := s.GetState(ctx)
	if reopened.ActiveRoundID != "" {
		t.Fatalf("expected FinalizeRound to have cleared ActiveRoundID already, got %q", reopened.ActiveRoundID)
	}

	recovered, reason, err := rec.Recover(ctx, st.Generation)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered {
		t.Errorf("expected no-op Recover once ActiveRoundID is already clear, got reason=%q", reason)
	}
}

func TestRecoverFinalizesOnClosedVotingWindow(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)
	v := viewer.NewMemoryAggregates()
	rec := New(s, v)

	r, _ := s.CreateRound(ctx, st.Generation, store.Model{ID: "p"}, [2]store.Model{{ID: "a"}, {ID: "b"}})
	s.SetPromptResult(ctx, st.Generation, r.ID, "prompt", nil)
	s.StartAnswering(ctx, st.Generation, r.ID)
	s.SetAnswerResult(ctx, st.Generation, r.ID, 0, "a", "", nil)
	s.SetAnswerResult(ctx, st.Generation, r.ID, 1, "b", "", nil)
	// windowMS=0: the voting deadline is already in the past by the time
	// Recover runs, without needing to sleep out VoteStale in real time.
	if err := s.StartVoting(ctx, st.Generation, r.ID, []store.Model{{ID: "v1"}}, 0, "active"); err != nil {
		t.Fatalf("StartVoting: %v", err)
	}

	recovered, reason, err := rec.Recover(ctx, st.Generation)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !recovered {
		t.Fatal("expected Recover to finalize a round whose window already closed")
	}
	if reason == "" {
		t.Error("expected a recovery reason")
	}

	round, err := s.GetRound(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if round.Phase != store.PhaseDone {
		t.Errorf("expected the round finalized to PhaseDone, got %s", round.Phase)
	}
}
