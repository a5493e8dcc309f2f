package api

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tokenscomedyclub/arena/engine/observability"
	"github.com/tokenscomedyclub/arena/engine/store"
	"github.com/tokenscomedyclub/arena/engine/viewer"
)

func parseVoteSide(raw string) (store.Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "1", "A":
		return store.SideA, true
	case "2", "B":
		return store.SideB, true
	default:
		return "", false
	}
}

// castVote resolves the active round, runs the viewer-aggregate CastVote
// transition, and reports the resulting status.
func (a *API) castVote(r *http.Request, viewerID string, side store.Side) (viewer.VoteStatus, error) {
	ctx := r.Context()
	round, err := a.store.GetActiveRound(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now()
	votingOpen := round != nil && round.Phase == store.PhaseVoting
	var deadline time.Time
	roundID := ""
	if round != nil {
		roundID = round.ID
		if round.ViewerVotingEndsAt != nil {
			deadline = *round.ViewerVotingEndsAt
		}
	}
	status, err := a.viewers.CastVote(ctx, roundID, viewerID, side, now, deadline, votingOpen)
	if err != nil {
		return "", err
	}
	observability.ViewerVotesCast.WithLabelValues(string(status)).Inc()
	return status, nil
}

// HandleWebVote handles the web client's vote surface. The viewer is
// identified by a client-generated UUID (§4.8's "Idempotence" clause),
// passed as ?viewerId=.
func (a *API) HandleWebVote(w http.ResponseWriter, r *http.Request) {
	if !a.voteLimiter.Allow() {
		observability.AdminRateLimited.WithLabelValues("vote").Inc()
		writeErr(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	viewerID := r.URL.Query().Get("viewerId")
	if viewerID == "" {
		writeErr(w, http.StatusBadRequest, "missing viewerId")
		return
	}
	side, ok := parseVoteSide(r.URL.Query().Get("vote"))
	if !ok {
		writeErr(w, http.StatusBadRequest, "vote must be one of 1|2|A|B")
		return
	}
	status, err := a.castVote(r, viewerID, side)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.shortenVotingWindowIfDue(r.Context())
	writeJSON(w, http.StatusOK, struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}{status != viewer.VoteInactive, string(status)})
}

// HandleFossabotVote implements the chat-bridge vote surface (§6):
// GET /fossabot/vote?vote=<1|2|A|B> with headers identifying the chat
// provider and user. The viewer id is the "{provider}:{providerUserId}"
// scheme from §4.8's Idempotence clause.
func (a *API) HandleFossabotVote(w http.ResponseWriter, r *http.Request) {
	if !a.voteLimiter.Allow() {
		observability.AdminRateLimited.WithLabelValues("fossabot_vote").Inc()
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("Slow down, try again in a moment."))
		return
	}

	provider := r.Header.Get("X-Viewer-Provider")
	if provider == "" {
		provider = "fossabot"
	}
	providerUserID := r.Header.Get("X-Viewer-Provider-User-Id")
	if providerUserID == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Missing chat user identity."))
		return
	}

	side, ok := parseVoteSide(r.URL.Query().Get("vote"))
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Vote must be 1, 2, A, or B."))
		return
	}

	if validateURL := os.Getenv("FOSSABOT_VALIDATE_URL"); validateURL != "" {
		if !validateFossabotRequest(validateURL, provider, providerUserID) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("Could not verify your chat identity."))
			return
		}
	}

	viewerID := provider + ":" + providerUserID
	status, err := a.castVote(r, viewerID, side)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Vote failed, try again."))
		return
	}
	a.shortenVotingWindowIfDue(r.Context())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	switch status {
	case viewer.VoteAccepted:
		_, _ = fmt.Fprintf(w, "Vote for %s counted!", side)
	case viewer.VoteUpdated:
		_, _ = fmt.Fprintf(w, "Vote changed to %s!", side)
	case viewer.VoteUnchanged:
		_, _ = fmt.Fprintf(w, "You already voted for %s.", side)
	default:
		_, _ = fmt.Fprint(w, "Voting isn't open right now.")
	}
}

// validateFossabotRequest performs the optional provider-identity check
// against the chat provider's validate URL (§6: "may be required, 5s
// timeout").
func validateFossabotRequest(validateURL, provider, providerUserID string) bool {
	client := &http.Client{Timeout: 5 * time.Second}
	u, err := url.Parse(validateURL)
	if err != nil {
		return false
	}
	q := u.Query()
	q.Set("provider", provider)
	q.Set("userId", providerUserID)
	u.RawQuery = q.Encode()

	resp, err := client.Get(u.String())
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
