package api

import (
	"net/http"
	"time"

	"github.com/tokenscomedyclub/arena/engine/observability"
)

// HandleHeartbeat implements the viewer presence surface of §4.8: records
// a heartbeat for viewerId/page, and — since it is exactly the site named
// by §4.7 ("invoked after every heartbeat that increments presence") —
// triggers maybeShortenVotingWindow when presence just went from 0 to >=1.
// Also lazily ensures the round driver is running, matching the spec's
// "ensureStarted from either viewer heartbeat or admin resume" design note
// (§5, Crash semantics).
func (a *API) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !a.heartbeatLimiter.Allow() {
		observability.AdminRateLimited.WithLabelValues("heartbeat").Inc()
		writeErr(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	viewerID := r.URL.Query().Get("viewerId")
	page := r.URL.Query().Get("page")
	if viewerID == "" {
		writeErr(w, http.StatusBadRequest, "missing viewerId")
		return
	}

	ctx := r.Context()
	a.ensureRunning(ctx)

	becameNonZero, err := a.viewers.Heartbeat(ctx, viewerID, page, time.Now())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := a.viewers.TotalViewers(ctx)
	if err == nil {
		observability.ViewerCount.Set(float64(total))
	}
	if becameNonZero {
		a.shortenVotingWindowIfDue(ctx)
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}
