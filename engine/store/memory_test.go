package store

import (
	"context"
	"testing"
	"time"
)

func TestGetOrCreateStateIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.GetOrCreateState(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateState: %v", err)
	}
	if first.Generation != 1 || first.NextRoundNum != 1 {
		t.Fatalf("unexpected defaults: %+v", first)
	}

	second, err := s.GetOrCreateState(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateState (second): %v", err)
	}
	if second.Generation != first.Generation {
		t.Errorf("expected idempotent generation, got %d then %d", first.Generation, second.Generation)
	}
}

func TestResetBumpsGenerationAndPauses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.GetOrCreateState(ctx); err != nil {
		t.Fatalf("GetOrCreateState: %v", err)
	}

	newState, err := s.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if newState.Generation != 2 {
		t.Errorf("expected generation 2 after reset, got %d", newState.Generation)
	}
	if !newState.IsPaused {
		t.Error("expected Reset to leave the engine paused")
	}
}

func TestPauseResumeClearsDone(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	state, _ := s.GetState(ctx)
	if !state.IsPaused {
		t.Fatal("expected IsPaused after Pause")
	}

	state, err := s.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if state.IsPaused || state.Done {
		t.Errorf("expected Resume to clear IsPaused and Done, got %+v", state)
	}
}

func TestCreateRoundRefusesConcurrentActiveRound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)

	prompter := Model{ID: "m1", Name: "Prompter"}
	contestants := [2]Model{{ID: "m2", Name: "A"}, {ID: "m3", Name: "B"}}

	r, err := s.CreateRound(ctx, st.Generation, prompter, contestants)
	if err != nil {
		t.Fatalf("CreateRound: %v", err)
	}
	if r.Phase != PhasePrompting {
		t.Errorf("expected new round to start in PhasePrompting, got %s", r.Phase)
	}

	if _, err := s.CreateRound(ctx, st.Generation, prompter, contestants); err != ErrActiveRoundExists {
		t.Errorf("expected ErrActiveRoundExists for a second CreateRound, got %v", err)
	}
}

func TestCreateRoundRefusesStaleGeneration(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)

	prompter := Model{ID: "m1"}
	contestants := [2]Model{{ID: "m2"}, {ID: "m3"}}

	if _, err := s.CreateRound(ctx, st.Generation+1, prompter, contestants); err != ErrGenerationMismatch {
		t.Errorf("expected ErrGenerationMismatch, got %v", err)
	}
}

func TestRoundLifecycleTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)

	prompter := Model{ID: "p", Name: "Prompter"}
	a := Model{ID: "a", Name: "A"}
	b := Model{ID: "b", Name: "B"}
	r, err := s.CreateRound(ctx, st.Generation, prompter, [2]Model{a, b})
	if err != nil {
		t.Fatalf("CreateRound: %v", err)
	}

	if err := s.SetPromptResult(ctx, st.Generation, r.ID, "why did the chicken...", nil); err != nil {
		t.Fatalf("SetPromptResult: %v", err)
	}
	if err := s.StartAnswering(ctx, st.Generation, r.ID); err != nil {
		t.Fatalf("StartAnswering: %v", err)
	}
	if err := s.SetAnswerResult(ctx, st.Generation, r.ID, 0, "to get to the punchline", "", nil); err != nil {
		t.Fatalf("SetAnswerResult[0]: %v", err)
	}
	if err := s.SetAnswerResult(ctx, st.Generation, r.ID, 1, "no comment", "", nil); err != nil {
		t.Fatalf("SetAnswerResult[1]: %v", err)
	}

	voters := []Model{{ID: "v1"}, {ID: "v2"}}
	if err := s.StartVoting(ctx, st.Generation, r.ID, voters, 30000, "active"); err != nil {
		t.Fatalf("StartVoting: %v", err)
	}
	sideA := SideA
	if err := s.SetModelVote(ctx, st.Generation, r.ID, 0, &sideA, ""); err != nil {
		t.Fatalf("SetModelVote[0]: %v", err)
	}
	if err := s.SetModelVote(ctx, st.Generation, r.ID, 1, &sideA, ""); err != nil {
		t.Fatalf("SetModelVote[1]: %v", err)
	}

	finalized, err := s.FinalizeRound(ctx, st.Generation, r.ID, 3, 1)
	if err != nil {
		t.Fatalf("FinalizeRound: %v", err)
	}
	if finalized.Phase != PhaseDone {
		t.Errorf("expected PhaseDone, got %s", finalized.Phase)
	}
	if finalized.ScoreA != 200 || finalized.ScoreB != 0 {
		t.Errorf("expected ScoreA=200 ScoreB=0 (two model votes for A), got %d/%d", finalized.ScoreA, finalized.ScoreB)
	}

	updated, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if updated.ActiveRoundID != "" {
		t.Errorf("expected ActiveRoundID cleared after finalize, got %q", updated.ActiveRoundID)
	}
	if updated.Scores["A"] != 1 {
		t.Errorf("expected contestant A to win the round tally, got %+v", updated.Scores)
	}
	if updated.HumanScores["A"] != 1 {
		t.Errorf("expected contestant A to win the viewer tally (3 vs 1), got %+v", updated.HumanScores)
	}
}

func TestFinalizeRoundRefusesWrongPhase(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)
	r, _ := s.CreateRound(ctx, st.Generation, Model{ID: "p"}, [2]Model{{ID: "a"}, {ID: "b"}})

	// Still in prompting -- FinalizeRound should refuse.
	if _, err := s.FinalizeRound(ctx, st.Generation, r.ID, 0, 0); err != ErrGenerationMismatch {
		t.Errorf("expected ErrGenerationMismatch for a non-voting round, got %v", err)
	}
}

func TestShortenVotingWindowNeverLengthens(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)
	r, _ := s.CreateRound(ctx, st.Generation, Model{ID: "p"}, [2]Model{{ID: "a"}, {ID: "b"}})
	s.SetPromptResult(ctx, st.Generation, r.ID, "prompt", nil)
	s.StartAnswering(ctx, st.Generation, r.ID)
	s.SetAnswerResult(ctx, st.Generation, r.ID, 0, "a", "", nil)
	s.SetAnswerResult(ctx, st.Generation, r.ID, 1, "b", "", nil)
	s.StartVoting(ctx, st.Generation, r.ID, []Model{{ID: "v"}}, 120000, "idle")

	original, err := s.GetRound(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}

	// Attempt to lengthen: should be a no-op.
	later := original.ViewerVotingEndsAt.Add(time.Hour)
	if err := s.ShortenVotingWindow(ctx, r.ID, later); err != nil {
		t.Fatalf("ShortenVotingWindow (lengthen attempt): %v", err)
	}
	unchanged, _ := s.GetRound(ctx, r.ID)
	if !unchanged.ViewerVotingEndsAt.Equal(*original.ViewerVotingEndsAt) {
		t.Error("ShortenVotingWindow must not lengthen the deadline")
	}

	earlier := original.ViewerVotingEndsAt.Add(-time.Minute)
	if err := s.ShortenVotingWindow(ctx, r.ID, earlier); err != nil {
		t.Fatalf("ShortenVotingWindow (shorten): %v", err)
	}
	shortened, _ := s.GetRound(ctx, r.ID)
	if !shortened.ViewerVotingEndsAt.Equal(earlier) {
		t.Errorf("expected shortened deadline %v, got %v", earlier, *shortened.ViewerVotingEndsAt)
	}
	if shortened.ViewerVotingMode != "active" {
		t.Errorf("expected mode to flip to active on shorten, got %s", shortened.ViewerVotingMode)
	}
}

func TestPurgeGenerationBatchDrainsOldGenerationOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st, _ := s.GetOrCreateState(ctx)

	// Two rounds at generation 1.
	r1, _ := s.CreateRound(ctx, st.Generation, Model{ID: "p"}, [2]Model{{ID: "a"}, {ID: "b"}})
	s.SetPromptError(ctx, st.Generation, r1.ID, "boom")
	if err := s.UpsertLiveReasoningProgress(ctx, LiveReasoningProgress{RoundID: r1.ID, RequestType: RequestPrompt}); err != nil {
		t.Fatalf("UpsertLiveReasoningProgress: %v", err)
	}

	reset, err := s.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	r2, _ := s.CreateRound(ctx, reset.Generation, Model{ID: "p"}, [2]Model{{ID: "a"}, {ID: "b"}})
	s.SetPromptError(ctx, reset.Generation, r2.ID, "boom again")

	purged, purgedRoundIDs, exhausted, err := s.PurgeGenerationBatch(ctx, st.Generation, 500)
	if err != nil {
		t.Fatalf("PurgeGenerationBatch: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected to purge exactly the 1 old-generation round, got %d", purged)
	}
	if !exhausted {
		t.Error("expected the old generation to be fully drained in one batch")
	}
	if len(purgedRoundIDs) != 1 || purgedRoundIDs[0] != r1.ID {
		t.Errorf("expected the purged round id list to name r1 only, got %v", purgedRoundIDs)
	}

	remaining, err := s.GetRound(ctx, r1.ID)
	if err != nil {
		t.Fatalf("GetRound(r1): %v", err)
	}
	if remaining != nil {
		t.Error("expected the old-generation round to be purged")
	}
	survivor, _ := s.GetRound(ctx, r2.ID)
	if survivor == nil {
		t.Error("expected the current-generation round to survive the purge")
	}

	if _, ok := s.reasoning[reasoningKey(r1.ID, RequestPrompt, nil)]; ok {
		t.Error("expected live reasoning progress for the purged round to be swept too")
	}
}

func TestUpsertModelAndListActiveModels(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	active := Model{ID: "m1", Enabled: true}
	archived := Model{ID: "m2", Enabled: true, ArchivedAt: timePtr(time.Now())}
	disabled := Model{ID: "m3", Enabled: false}

	for _, m := range []Model{active, archived, disabled} {
		if err := s.UpsertModel(ctx, m); err != nil {
			t.Fatalf("UpsertModel(%s): %v", m.ID, err)
		}
	}

	list, err := s.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 catalog entries, got %d", len(list))
	}

	activeOnly, err := s.ListActiveModels(ctx)
	if err != nil {
		t.Fatalf("ListActiveModels: %v", err)
	}
	if len(activeOnly) != 1 || activeOnly[0].ID != "m1" {
		t.Errorf("expected only m1 to be active, got %+v", activeOnly)
	}
}

func TestClaimBootstrapRunRejectsConcurrentOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.GetOrCreateState(ctx)

	now := time.Now()
	ok, err := s.ClaimBootstrapRun(ctx, "run-1", now, 30*time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected to claim an unclaimed run, got ok=%v err=%v", ok, err)
	}

	ok, err = s.ClaimBootstrapRun(ctx, "run-2", now, 30*time.Minute)
	if err != nil {
		t.Fatalf("ClaimBootstrapRun: %v", err)
	}
	if ok {
		t.Error("expected a fresh live run to block a second claimant")
	}

	// A stale run (older than staleAfter) can be taken over.
	ok, err = s.ClaimBootstrapRun(ctx, "run-3", now.Add(time.Hour), 30*time.Minute)
	if err != nil || !ok {
		t.Errorf("expected a stale run to be claimable, got ok=%v err=%v", ok, err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
