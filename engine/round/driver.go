// Package round implements the Round Driver (§4.3): the main loop that
// selects participants, runs a round through prompting/answering/voting,
// and finalizes it, one round per invocation, rescheduling itself after
// every exit.
package round

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tokenscomedyclub/arena/engine/lease"
	"github.com/tokenscomedyclub/arena/engine/llm"
	"github.com/tokenscomedyclub/arena/engine/reasoning"
	"github.com/tokenscomedyclub/arena/engine/recovery"
	"github.com/tokenscomedyclub/arena/engine/store"
	"github.com/tokenscomedyclub/arena/engine/usage"
	"github.com/tokenscomedyclub/arena/engine/viewer"
)

// Reschedule delays named in §4.3.
const (
	PausedDelay                   = 1 * time.Second
	SPRIdleDelay                  = 750 * time.Millisecond
	InsufficientModelsDelay       = 1 * time.Second
	InsufficientRoleCoverageDelay = 1 * time.Second
	CreateRoundConflictDelay      = 300 * time.Millisecond
	SkippedRoundDelay             = 10 * time.Second
	PostRoundDelay                = 5 * time.Second
	VoteFanOutGrace               = 300 * time.Millisecond

	// MinActiveModels is step 5's floor (§4.3).
	MinActiveModels = 3
)

// ErrLeaseLost signals the caller that this driver no longer owns the
// lease and should stop its loop rather than reschedule.
var ErrLeaseLost = errors.New("round: lease lost")

// Driver owns runLoop.
type Driver struct {
	store     store.Store
	viewers   viewer.Aggregates
	leases    *lease.Manager
	recoverer *recovery.Recoverer
	adapter   llm.Adapter
	sink      *reasoning.Sink
	recorder  *usage.Recorder
}

func New(s store.Store, v viewer.Aggregates, leases *lease.Manager, recoverer *recovery.Recoverer, adapter llm.Adapter, sink *reasoning.Sink, recorder *usage.Recorder) *Driver {
	return &Driver{
		store:     s,
		viewers:   v,
		leases:    leases,
		recoverer: recoverer,
		adapter:   adapter,
		sink:      sink,
		recorder:  recorder,
	}
}

// Run loops Tick until the lease is lost or ctx is cancelled.
func (d *Driver) Run(ctx context.Context, leaseID string) {
	for {
		delay, err := d.Tick(ctx, leaseID)
		if err != nil {
			if errors.Is(err, ErrLeaseLost) {
				log.Printf("🛑 round: lease %s lost, stopping driver loop", leaseID)
				return
			}
			log.Printf("⚠️  round: tick error: %v", err)
			delay = PausedDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Tick executes at most one round's worth of progress and returns the
// delay the caller should sleep before calling Tick again.
func (d *Driver) Tick(ctx context.Context, leaseID string) (time.Duration, error) {
	state, err := d.store.GetState(ctx)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return 0, ErrLeaseLost
	}

	now := time.Now()
	if state.RunnerLeaseID != leaseID || !state.RunnerLeaseUntil.After(now) || state.Done {
		return 0, ErrLeaseLost
	}
	expectedGeneration := state.Generation

	renewed, err := d.leases.Renew(ctx, leaseID, now)
	if err != nil {
		return 0, err
	}
	if !renewed {
		valid, err := d.leases.Validate(ctx, leaseID, expectedGeneration, now)
		if err != nil {
			return 0, err
		}
		if !valid {
			return 0, ErrLeaseLost
		}
	}

	if state.IsPaused {
		return PausedDelay, nil
	}

	if state.ActiveRoundID != "" {
		recovered, reason, err := d.recoverer.Recover(ctx, expectedGeneration)
		if err != nil {
			return 0, err
		}
		if recovered {
			log.Printf("♻️  round: SPR recovered active round (%s)", reason)
			return 0, nil
		}
		return SPRIdleDelay, nil
	}

	models, err := d.store.ListActiveModels(ctx)
	if err != nil {
		return 0, err
	}
	if len(models) < MinActiveModels {
		return InsufficientModelsDelay, nil
	}

	participants, err := SelectParticipants(models)
	if err != nil {
		return InsufficientRoleCoverageDelay, nil
	}

	r, err := d.store.CreateRound(ctx, expectedGeneration, participants.Prompter, participants.Contestants)
	if err != nil {
		return CreateRoundConflictDelay, nil
	}

	if err := d.runPrompting(ctx, expectedGeneration, r, leaseID); err != nil {
		log.Printf("🟡 round %s: prompting failed: %v", r.ID, err)
		return SkippedRoundDelay, nil
	}
	if latest, err := d.store.GetRound(ctx, r.ID); err != nil {
		return 0, err
	} else if latest != nil {
		r = latest
	}

	if err := d.runAnswering(ctx, expectedGeneration, r, leaseID); err != nil {
		log.Printf("🟡 round %s: answering failed: %v", r.ID, err)
		return SkippedRoundDelay, nil
	}
	if latest, err := d.store.GetRound(ctx, r.ID); err != nil {
		return 0, err
	} else if latest != nil {
		r = latest
	}

	if err := d.runVoting(ctx, expectedGeneration, r, participants.Voters, leaseID); err != nil {
		return 0, err
	}

	if _, err := d.finalize(ctx, expectedGeneration, r.ID); err != nil {
		return 0, err
	}

	return PostRoundDelay, nil
}
