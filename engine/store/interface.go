package store

import (
	"context"
	"time"
)

// Store is the durable backend for the Engine State Store and Round Record
// Store (§4.1, §3), plus the usage and reasoning-progress sinks that hang
// off the same transactional boundary. Mutations that take an
// expectedGeneration are guarded by that check and return
// ErrGenerationMismatch when it loses a race.
type Store interface {
	// GetState returns the ESS row, or (nil, nil) if it has never been
	// touched.
	GetState(ctx context.Context) (*EngineState, error)

	// GetOrCreateState creates the ESS singleton with defaults if absent.
	// Idempotent.
	GetOrCreateState(ctx context.Context) (*EngineState, error)

	// AcquireLeaseIfVacant atomically installs leaseID as the runner lease
	// if no valid lease is currently held. Returns false if a live lease
	// already exists.
	AcquireLeaseIfVacant(ctx context.Context, leaseID string, now time.Time, ttl time.Duration) (bool, error)

	// RenewLease extends leaseUntil for the given leaseID iff it still
	// holds the lease.
	RenewLease(ctx context.Context, leaseID string, now time.Time, ttl time.Duration) (bool, error)

	// ValidateLease is a read-only re-check of generation/lease/expiry.
	ValidateLease(ctx context.Context, leaseID string, expectedGeneration int64, now time.Time) (bool, error)

	// Pause and Resume flip ESS.IsPaused / ESS.Done.
	Pause(ctx context.Context) (*EngineState, error)
	Resume(ctx context.Context) (*EngineState, error)

	// Reset bumps generation, pauses the engine, clears aggregates/lease
	// and hands back the new state; the cascaded purge is driven
	// separately via PurgeGenerationBatch.
	Reset(ctx context.Context) (*EngineState, error)

	// ListActiveModels returns the catalog filtered to Active() models.
	ListActiveModels(ctx context.Context) ([]Model, error)

	// ListModels returns the full catalog, including disabled/archived
	// entries, for the admin surface.
	ListModels(ctx context.Context) ([]Model, error)

	// DisownMissingActiveRound drops ESS.ActiveRoundID when the round
	// document backing it can't be found, per §4.6's "missing round
	// document" policy: clear the dangling pointer and report recovered,
	// but do NOT cite the missing round as LastCompletedRoundID -- it was
	// never actually completed.
	DisownMissingActiveRound(ctx context.Context, expectedGeneration int64, roundID string) error

	// ClearDanglingActive drops ESS.ActiveRoundID and sets
	// LastCompletedRoundID=roundID without touching the round itself, for
	// SPR's "done but still active" policy (§4.6): the round did reach
	// phase=done, so it's the legitimate last-completed round, just one
	// ESS never got to disown.
	ClearDanglingActive(ctx context.Context, expectedGeneration int64, roundID string) error

	// ClaimBootstrapRun installs runID/startedAt as the current bootstrap
	// run iff no run is active, or the active run is stale (startedAt
	// older than staleAfter). Returns false if another live run holds it.
	ClaimBootstrapRun(ctx context.Context, runID string, now time.Time, staleAfter time.Duration) (bool, error)

	// ReleaseBootstrapRun clears the bootstrap run fields iff runID still
	// owns them, so a finished or aborted run doesn't block the next one.
	ReleaseBootstrapRun(ctx context.Context, runID string) error

	// UpsertModel inserts or updates a catalog entry. Bumping ID or
	// ReasoningEffort must bump MetricsEpoch (§3's Model invariant); the
	// caller is responsible for carrying the new epoch forward.
	UpsertModel(ctx context.Context, m Model) error

	// CreateRound inserts a Round at phase=prompting and sets
	// ESS.ActiveRoundID, refusing if generation drifted or an active
	// round already exists.
	CreateRound(ctx context.Context, expectedGeneration int64, prompter Model, contestants [2]Model) (*Round, error)

	GetRound(ctx context.Context, roundID string) (*Round, error)
	GetActiveRound(ctx context.Context) (*Round, error)

	SetPromptResult(ctx context.Context, expectedGeneration int64, roundID, prompt string, metrics *LlmCallMetrics) error
	SetPromptError(ctx context.Context, expectedGeneration int64, roundID, reason string) error

	StartAnswering(ctx context.Context, expectedGeneration int64, roundID string) error
	SetAnswerResult(ctx context.Context, expectedGeneration int64, roundID string, answerIndex int, result, errMsg string, metrics *LlmCallMetrics) error
	MarkRoundSkipped(ctx context.Context, expectedGeneration int64, roundID string, skipType SkipType, reason string) error

	StartVoting(ctx context.Context, expectedGeneration int64, roundID string, voters []Model, windowMS int64, mode string) error
	SetModelVote(ctx context.Context, expectedGeneration int64, roundID string, voteIndex int, side *Side, errMsg string) error
	ShortenVotingWindow(ctx context.Context, roundID string, newEndsAt time.Time) error
	TimeoutUnfinishedVotes(ctx context.Context, roundID string, now time.Time) error

	// FinalizeRound performs the atomic commit of §4.3.6 / §4.6's inline
	// finalize path. Refuses (ErrGenerationMismatch) unless ESS.ActiveRoundID
	// == roundID and the round is still in phase=voting.
	FinalizeRound(ctx context.Context, expectedGeneration int64, roundID string, viewerVotesA, viewerVotesB int64) (*Round, error)

	AppendUsageEvent(ctx context.Context, ev LlmUsageEvent) error
	CountUsageSamples(ctx context.Context, modelID string, metricsEpoch int64, generation int64, requestType RequestType) (int, error)

	UpsertLiveReasoningProgress(ctx context.Context, p LiveReasoningProgress) error
	FinalizeLiveReasoningProgress(ctx context.Context, roundID string, requestType RequestType, answerIndex *int) error

	// PurgeGenerationBatch deletes up to limit Round, LlmUsageEvent and
	// LiveReasoningProgress rows scoped to the given (old) generation --
	// LiveReasoningProgress has no generation column of its own, so it is
	// swept by joining on the Round ids this batch purged -- reporting
	// whether the generation is now fully drained and the ids of the
	// Rounds purged this batch. The caller is responsible for cascading
	// the purge into ViewerVotes/ViewerVoteTallies (via
	// viewer.Aggregates.PurgeRound for each returned round id), which
	// this store has no access to (§4.4's S7).
	PurgeGenerationBatch(ctx context.Context, generation int64, limit int) (purged int, purgedRoundIDs []string, exhausted bool, err error)
}
