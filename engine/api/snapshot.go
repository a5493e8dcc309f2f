package api

import (
	"context"
	"time"

	"github.com/tokenscomedyclub/arena/engine/round"
	"github.com/tokenscomedyclub/arena/engine/store"
)

// Snapshot is the admin surface's status payload (§6).
type Snapshot struct {
	IsPaused          bool     `json:"isPaused"`
	IsRunningRound    bool     `json:"isRunningRound"`
	Done              bool     `json:"done"`
	CompletedInMemory int64    `json:"completedInMemory"`
	PersistedRounds   int64    `json:"persistedRounds"`
	ViewerCount       int64    `json:"viewerCount"`
	ActiveModelCount  int      `json:"activeModelCount"`
	CanRunRounds      bool     `json:"canRunRounds"`
	RunBlockedReason  string   `json:"runBlockedReason"`
	EnabledModelIDs   []string `json:"enabledModelIds"`
}

// buildSnapshot composes §6's snapshot payload from ESS + viewer aggregate
// reads, grounded on the teacher's collectDashboardMetrics shape (read
// every subsystem once, assemble a flat DTO). completedInMemory and
// persistedRounds read the same counter: this port has a single durable
// store, not the original's separate in-memory cache plus document DB.
func (a *API) buildSnapshot(ctx context.Context) (Snapshot, error) {
	state, err := a.store.GetOrCreateState(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	models, err := a.store.ListActiveModels(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	viewerCount, err := a.viewers.TotalViewers(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	canRun := !state.IsPaused && !state.Done && len(models) >= round.MinActiveModels
	reason := ""
	switch {
	case state.Done:
		reason = "engine is done (finite run limit reached)"
	case state.IsPaused:
		reason = "engine is paused"
	case len(models) < round.MinActiveModels:
		reason = "insufficient active models"
	}

	return Snapshot{
		IsPaused:          state.IsPaused,
		IsRunningRound:    state.ActiveRoundID != "",
		Done:              state.Done,
		CompletedInMemory: state.CompletedRounds,
		PersistedRounds:   state.CompletedRounds,
		ViewerCount:       viewerCount,
		ActiveModelCount:  len(models),
		CanRunRounds:      canRun,
		RunBlockedReason:  reason,
		EnabledModelIDs:   append([]string(nil), state.EnabledModelIDs...),
	}, nil
}

// LivePayload is §6's renderer-facing read layer payload.
type LivePayload struct {
	Data struct {
		Active          *store.Round     `json:"active"`
		LastCompleted   *store.Round     `json:"lastCompleted"`
		Scores          map[string]int64 `json:"scores"`
		HumanScores     map[string]int64 `json:"humanScores"`
		HumanVoteTotals map[string]int64 `json:"humanVoteTotals"`
		Models          []store.Model    `json:"models"`
		EnabledModelIDs []string         `json:"enabledModelIds"`
		Done            bool             `json:"done"`
		IsPaused        bool             `json:"isPaused"`
		Generation      int64            `json:"generation"`
		CompletedRounds int64            `json:"completedRounds"`
	} `json:"data"`
	TotalRounds int64 `json:"totalRounds"`
	ViewerCount int64 `json:"viewerCount"`
}

func (a *API) buildLivePayload(ctx context.Context) (LivePayload, error) {
	state, err := a.store.GetOrCreateState(ctx)
	if err != nil {
		return LivePayload{}, err
	}
	models, err := a.store.ListModels(ctx)
	if err != nil {
		return LivePayload{}, err
	}
	viewerCount, err := a.viewers.TotalViewers(ctx)
	if err != nil {
		return LivePayload{}, err
	}

	var active, lastCompleted *store.Round
	if state.ActiveRoundID != "" {
		active, _ = a.store.GetRound(ctx, state.ActiveRoundID)
	}
	if state.LastCompletedRoundID != "" {
		lastCompleted, _ = a.store.GetRound(ctx, state.LastCompletedRoundID)
	}

	var payload LivePayload
	payload.Data.Active = active
	payload.Data.LastCompleted = lastCompleted
	payload.Data.Scores = state.Scores
	payload.Data.HumanScores = state.HumanScores
	payload.Data.HumanVoteTotals = state.HumanVoteTotals
	payload.Data.Models = models
	payload.Data.EnabledModelIDs = state.EnabledModelIDs
	payload.Data.Done = state.Done
	payload.Data.IsPaused = state.IsPaused
	payload.Data.Generation = state.Generation
	payload.Data.CompletedRounds = state.CompletedRounds
	payload.TotalRounds = state.CompletedRounds
	payload.ViewerCount = viewerCount
	return payload, nil
}

// ViewerTarget is an admin-managed record naming a third-party chat
// platform channel whose viewer counts would feed the (non-goal, per
// spec.md §1) platform poller. The admin surface still exposes CRUD over
// these records so operators can stage them ahead of that poller existing.
type ViewerTarget struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"createdAt"`
}
