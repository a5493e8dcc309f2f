// Package viewer implements the Viewer Aggregates component (§4.8):
// sharded presence/vote-tally counters backed by Redis, plus a
// process-local in-memory implementation for tests.
package viewer

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

// ShardCount is the number of presence/tally shards (§3: countShard ∈ [0,64)).
const ShardCount = 64

// PresenceTTL is how long a heartbeat keeps a viewer counted as online.
const PresenceTTL = 30 * time.Second

// Shard hashes a viewer id into [0, ShardCount) the same way every caller
// must, so presence and tally shards for the same viewer always agree.
func Shard(viewerID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(viewerID))
	return int(h.Sum32() % ShardCount)
}

// VoteStatus is the result of a CastVote call (§4.8).
type VoteStatus string

const (
	VoteAccepted  VoteStatus = "accepted"
	VoteUnchanged VoteStatus = "unchanged"
	VoteUpdated   VoteStatus = "updated"
	VoteInactive  VoteStatus = "inactive"
)

// Aggregates is the Viewer Aggregates contract consumed by the round
// driver (presence/window) and the chat-bridge/web vote surfaces.
type Aggregates interface {
	// Heartbeat records presence for viewerID iff page=="live" and
	// reports whether the global viewer total just went from 0 to >=1
	// (the trigger for VWC.maybeShortenVotingWindow).
	Heartbeat(ctx context.Context, viewerID, page string, now time.Time) (becameNonZero bool, err error)

	// TotalViewers sums every shard's live count.
	TotalViewers(ctx context.Context) (int64, error)

	// ReapExpired clears presence rows whose expiry has passed, up to
	// limit (max 1000 per §4.8), decrementing shard counts as it goes.
	ReapExpired(ctx context.Context, now time.Time, limit int) (reaped int, exhausted bool, err error)

	// CastVote implements §4.8's idempotent, change-of-vote-aware ballot.
	CastVote(ctx context.Context, roundID, viewerID string, side store.Side, now time.Time, deadline time.Time, votingOpen bool) (VoteStatus, error)

	// RoundTally sums the sharded tallies for a round's two sides.
	RoundTally(ctx context.Context, roundID string) (votesA, votesB int64, err error)

	// PurgeRound deletes every vote row and tally shard for a round,
	// used by the reset cascade (§4.4).
	PurgeRound(ctx context.Context, roundID string) error

	// ResetPresence zeroes every shard counter synchronously, per §4.4's
	// "shards reset to 0, not deleted" rule; presence rows themselves are
	// left for the reaper/TTL to drain naturally.
	ResetPresence(ctx context.Context) error
}
