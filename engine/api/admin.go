package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// HandleLogin returns the snapshot on a valid passcode; AdminAuth
// middleware has already validated the header by the time this runs.
func (a *API) HandleLogin(w http.ResponseWriter, r *http.Request) {
	snap, err := a.buildSnapshot(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleStatus returns the current snapshot.
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.buildSnapshot(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandlePause implements §4.4's pause mutation.
func (a *API) HandlePause(w http.ResponseWriter, r *http.Request) {
	if _, err := a.store.Pause(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap, err := a.buildSnapshot(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Snapshot
		Action string `json:"action"`
	}{snap, "Paused"})
}

// HandleResume implements §4.4's resume mutation: clear paused/done,
// acquire a lease if none is valid, and ensure the driver loop is running.
func (a *API) HandleResume(w http.ResponseWriter, r *http.Request) {
	if _, err := a.store.Resume(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.ensureRunning(r.Context())
	snap, err := a.buildSnapshot(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Snapshot
		Action string `json:"action"`
	}{snap, "Resumed"})
}

// HandleReset implements §4.4's reset mutation: bump generation, pause,
// clear aggregates/lease, then kick off the cascaded purge in the
// background (500 rows per batch, re-scheduling until exhausted).
func (a *API) HandleReset(w http.ResponseWriter, r *http.Request) {
	prevState, err := a.store.GetOrCreateState(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	oldGeneration := prevState.Generation

	if _, err := a.store.Reset(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.viewers.ResetPresence(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	go a.purgeGeneration(oldGeneration)

	snap, err := a.buildSnapshot(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// purgeGeneration drains the reset cascade (§4.4, scenario S7: Rounds,
// ViewerVotes, ViewerVoteTallies, LlmUsageEvents, LiveReasoningProgress) in
// 500-row batches, re-scheduling itself until the generation is fully
// purged. The store only owns Rounds/usage/reasoning; ViewerVotes/Tallies
// live in the viewer-aggregate store, so every round id a batch purges is
// also cascaded into viewers.PurgeRound here.
func (a *API) purgeGeneration(generation int64) {
	ctx := context.Background()
	for {
		_, purgedRoundIDs, exhausted, err := a.store.PurgeGenerationBatch(ctx, generation, 500)
		if err != nil {
			return
		}
		for _, roundID := range purgedRoundIDs {
			if err := a.viewers.PurgeRound(ctx, roundID); err != nil {
				log.Printf("⚠️  api: purging viewer aggregates for round %s: %v", roundID, err)
			}
		}
		if exhausted {
			return
		}
	}
}

// HandleExport returns a full JSON dump of the engine state as a file
// attachment.
func (a *API) HandleExport(w http.ResponseWriter, r *http.Request) {
	state, err := a.store.GetOrCreateState(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	models, err := a.store.ListModels(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="arena-export.json"`)
	writeJSON(w, http.StatusOK, struct {
		State  *store.EngineState `json:"state"`
		Models []store.Model      `json:"models"`
	}{state, models})
}

// modelUpsertWire mirrors store.Model for decoding a POST /admin/models
// body, but carries the three capability flags as pointers so a field left
// out of the JSON body can be told apart from one explicitly set to false.
// The outer CanPrompt/CanAnswer/CanVote fields shadow the embedded Model's
// same-named fields for decoding purposes (shallower field wins ties), so
// embedded.CanPrompt etc. are never actually populated by Decode.
type modelUpsertWire struct {
	store.Model
	CanPrompt *bool `json:"canPrompt"`
	CanAnswer *bool `json:"canAnswer"`
	CanVote   *bool `json:"canVote"`
}

// decodeModelUpsert parses a model record, defaulting the capability flags
// to true (§4.3.1) when the request omits them -- the common case for an
// operator adding a model who isn't thinking about role eligibility.
func decodeModelUpsert(r *http.Request) (store.Model, error) {
	var wire modelUpsertWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		return store.Model{}, err
	}
	m := wire.Model
	m.CanPrompt = wire.CanPrompt == nil || *wire.CanPrompt
	m.CanAnswer = wire.CanAnswer == nil || *wire.CanAnswer
	m.CanVote = wire.CanVote == nil || *wire.CanVote
	return m, nil
}

// HandleModels implements GET/POST /admin/models[...].
func (a *API) HandleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		models, err := a.store.ListModels(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		snap, err := a.buildSnapshot(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Models   []store.Model `json:"models"`
			Snapshot Snapshot      `json:"snapshot"`
		}{models, snap})
	case http.MethodPost:
		m, err := decodeModelUpsert(r)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid model record: "+err.Error())
			return
		}
		if err := a.store.UpsertModel(r.Context(), m); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		models, err := a.store.ListModels(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		snap, err := a.buildSnapshot(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Models   []store.Model `json:"models"`
			Snapshot Snapshot      `json:"snapshot"`
		}{models, snap})
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleViewerTargets implements GET/POST /admin/viewer-targets[...]:
// a CRUD staging area for platform-poller target records. The poller
// itself is out of scope (spec.md §1); this just persists the record set
// for whenever one is wired up.
func (a *API) HandleViewerTargets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.mu.Lock()
		targets := append([]ViewerTarget(nil), a.targets...)
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, struct {
			Targets []ViewerTarget `json:"targets"`
		}{targets})
	case http.MethodPost:
		var t ViewerTarget
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid target record: "+err.Error())
			return
		}
		if t.ID == "" {
			t.ID = store.NewOpaqueID()
		}
		t.CreatedAt = time.Now()
		a.mu.Lock()
		a.targets = append(a.targets, t)
		targets := append([]ViewerTarget(nil), a.targets...)
		a.mu.Unlock()
		writeJSON(w, http.StatusOK, struct {
			Targets []ViewerTarget `json:"targets"`
		}{targets})
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
