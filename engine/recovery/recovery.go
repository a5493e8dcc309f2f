// Package recovery implements Stale-Phase Recovery (§4.6):
// recoverStaleActiveRound detects rounds hung in prompting, answering or
// voting and forcibly advances them to a terminal state.
package recovery

import (
	"context"
	"time"

	"github.com/tokenscomedyclub/arena/engine/llm"
	"github.com/tokenscomedyclub/arena/engine/store"
	"github.com/tokenscomedyclub/arena/engine/viewer"
)

// Stale thresholds per §4.6.
const (
	PromptStale = time.Duration(llm.ModelAttempts)*llm.ModelCallTimeout + 3*time.Second + 15*time.Second
	AnswerStale = llm.ModelCallTimeout + 15*time.Second
	VoteStale   = PromptStale
)

// Recoverer owns recoverStaleActiveRound.
type Recoverer struct {
	store   store.Store
	viewers viewer.Aggregates
}

func New(s store.Store, v viewer.Aggregates) *Recoverer {
	return &Recoverer{store: s, viewers: v}
}

// Recover inspects the active round and, if it is hung, terminalizes it.
// Returns (recovered, reason).
func (r *Recoverer) Recover(ctx context.Context, expectedGeneration int64) (bool, string, error) {
	state, err := r.store.GetState(ctx)
	if err != nil {
		return false, "", err
	}
	if state == nil || state.ActiveRoundID == "" {
		return false, "", nil
	}

	round, err := r.store.GetRound(ctx, state.ActiveRoundID)
	if err != nil && err != store.ErrNotFound {
		return false, "", err
	}

	if round == nil {
		if err := r.store.DisownMissingActiveRound(ctx, expectedGeneration, state.ActiveRoundID); err != nil {
			return false, "", err
		}
		return true, "active round document missing", nil
	}

	if round.Phase == store.PhaseDone {
		if err := r.store.ClearDanglingActive(ctx, expectedGeneration, round.ID); err != nil {
			return false, "", err
		}
		return true, "round already done but still active", nil
	}

	now := time.Now()
	switch round.Phase {
	case store.PhasePrompting:
		return r.recoverPrompting(ctx, expectedGeneration, round, now)
	case store.PhaseAnswering:
		return r.recoverAnswering(ctx, expectedGeneration, round, now)
	case store.PhaseVoting:
		return r.recoverVoting(ctx, expectedGeneration, round, now)
	default:
		return false, "", nil
	}
}

func (r *Recoverer) recoverPrompting(ctx context.Context, expectedGeneration int64, round *store.Round, now time.Time) (bool, string, error) {
	if now.Sub(round.PromptTask.StartedAt) <= PromptStale {
		return false, "", nil
	}
	reason := round.PromptTask.Error
	if reason == "" {
		reason = "prompt generation timed out"
	}
	if err := r.store.MarkRoundSkipped(ctx, expectedGeneration, round.ID, store.SkipPromptError, reason); err != nil {
		return false, "", err
	}
	return true, "stale prompting phase", nil
}

func (r *Recoverer) recoverAnswering(ctx context.Context, expectedGeneration int64, round *store.Round, now time.Time) (bool, string, error) {
	oldestStart := round.AnswerTasks[0].StartedAt
	if round.AnswerTasks[1].StartedAt.After(oldestStart) {
		oldestStart = round.AnswerTasks[1].StartedAt
	}
	if now.Sub(oldestStart) <= AnswerStale {
		return false, "", nil
	}

	for i, t := range round.AnswerTasks {
		if t.Terminal() {
			continue
		}
		if err := r.store.SetAnswerResult(ctx, expectedGeneration, round.ID, i, "[no answer]", "Timed out", nil); err != nil {
			return false, "", err
		}
	}
	if err := r.store.MarkRoundSkipped(ctx, expectedGeneration, round.ID, store.SkipAnswerError, "answer generation timed out"); err != nil {
		return false, "", err
	}
	return true, "stale answering phase", nil
}

func (r *Recoverer) recoverVoting(ctx context.Context, expectedGeneration int64, round *store.Round, now time.Time) (bool, string, error) {
	var oldestUnfinished *time.Time
	for _, v := range round.Votes {
		if v.FinishedAt != nil {
			continue
		}
		if oldestUnfinished == nil || v.StartedAt.Before(*oldestUnfinished) {
			started := v.StartedAt
			oldestUnfinished = &started
		}
	}
	if oldestUnfinished != nil && now.Sub(*oldestUnfinished) > VoteStale {
		if err := r.store.TimeoutUnfinishedVotes(ctx, round.ID, now); err != nil {
			return false, "", err
		}
	}

	windowClosed := round.ViewerVotingEndsAt == nil || !round.ViewerVotingEndsAt.After(now)
	if !windowClosed {
		return false, "", nil
	}

	votesA, votesB, err := r.viewers.RoundTally(ctx, round.ID)
	if err != nil {
		return false, "", err
	}
	if _, err := r.store.FinalizeRound(ctx, expectedGeneration, round.ID, votesA, votesB); err != nil {
		return false, "", err
	}
	return true, "stale voting phase finalized inline", nil
}
