// Package api implements the admin HTTP surface, the chat-bridge vote
// endpoint, and the live WebSocket feed described in spec.md §6. It is the
// externally-facing read/write layer sitting on top of the engine core; it
// holds no engine invariants of its own beyond request parsing, rate
// limiting, and composing the snapshot/live payloads from store/viewer
// reads.
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokenscomedyclub/arena/engine/lease"
	"github.com/tokenscomedyclub/arena/engine/observability"
	"github.com/tokenscomedyclub/arena/engine/store"
	"github.com/tokenscomedyclub/arena/engine/viewer"
	"github.com/tokenscomedyclub/arena/engine/window"
)

// EnsureStartedFunc acquires a lease if none is held and launches a round
// driver loop bound to it. Wired in from cmd/arena, which owns the
// concrete Driver and its dependencies; the API layer only needs to be
// able to trigger a start, not construct one.
type EnsureStartedFunc func(ctx context.Context) error

// API holds the dependencies every handler needs.
type API struct {
	store    store.Store
	viewers  viewer.Aggregates
	leases   *lease.Manager
	passcode string

	ensureStarted EnsureStartedFunc

	hub *LiveHub

	heartbeatLimiter *rate.Limiter
	voteLimiter      *rate.Limiter

	mu      sync.Mutex
	targets []ViewerTarget
}

// New constructs the API layer. passcode gates the admin surface via the
// x-admin-passcode header (applied by middleware.AdminAuth, not here).
func New(s store.Store, v viewer.Aggregates, leases *lease.Manager, passcode string, ensureStarted EnsureStartedFunc) *API {
	a := &API{
		store:         s,
		viewers:       v,
		leases:        leases,
		passcode:      passcode,
		ensureStarted: ensureStarted,
		// Storm protection mirrors the teacher's heartbeatLimiter/
		// reconcileLimiter shape: generous burst, modest steady rate.
		heartbeatLimiter: rate.NewLimiter(rate.Limit(200), 400),
		voteLimiter:      rate.NewLimiter(rate.Limit(50), 100),
	}
	a.hub = NewLiveHub(a)
	return a
}

// Hub exposes the live WebSocket broadcaster so cmd/arena can start its run
// loop alongside the HTTP server.
func (a *API) Hub() *LiveHub { return a.hub }

func (a *API) ensureRunning(ctx context.Context) {
	if a.ensureStarted == nil {
		return
	}
	if err := a.ensureStarted(ctx); err != nil {
		log.Printf("⚠️  api: ensureStarted: %v", err)
	}
}

func (a *API) shortenVotingWindowIfDue(ctx context.Context) {
	round, err := a.store.GetActiveRound(ctx)
	if err != nil || round == nil || round.Phase != store.PhaseVoting || round.ViewerVotingEndsAt == nil {
		return
	}
	total, err := a.viewers.TotalViewers(ctx)
	if err != nil {
		return
	}
	newEndsAt, shorten := window.ShouldShorten(time.Now(), *round.ViewerVotingEndsAt, total)
	if !shorten {
		return
	}
	if err := a.store.ShortenVotingWindow(ctx, round.ID, newEndsAt); err != nil {
		log.Printf("⚠️  api: shortening voting window for round %s: %v", round.ID, err)
		return
	}
	observability.VotingWindowShortened.Inc()
}
