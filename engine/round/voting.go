package round

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tokenscomedyclub/arena/engine/lease"
	"github.com/tokenscomedyclub/arena/engine/store"
	"github.com/tokenscomedyclub/arena/engine/window"
)

func (d *Driver) runVoting(ctx context.Context, expectedGeneration int64, r *store.Round, voters []store.Model, leaseID string) error {
	totalViewers, err := d.viewers.TotalViewers(ctx)
	if err != nil {
		return err
	}
	windowDur, mode := window.InitialWindow(totalViewers)
	startedAt := time.Now()
	if err := d.store.StartVoting(ctx, expectedGeneration, r.ID, voters, windowDur.Milliseconds(), string(mode)); err != nil {
		return err
	}
	endsAt := startedAt.Add(windowDur)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.withLeaseHeartbeat(ctx, leaseID, expectedGeneration, func(ctx context.Context) error {
			d.fanOutVotes(ctx, expectedGeneration, r, voters)
			return nil
		})
	}()

	lastRenew := time.Now()
pollLoop:
	for {
		remaining := time.Until(endsAt)
		if remaining <= 0 {
			break
		}
		interval := remaining
		if interval > time.Second {
			interval = time.Second
		}
		if interval < 100*time.Millisecond {
			interval = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			break pollLoop
		case <-time.After(interval):
			if time.Since(lastRenew) >= lease.RenewInterval {
				if _, err := d.leases.Renew(ctx, leaseID, time.Now()); err != nil {
					log.Printf("⚠️  round %s: renewing lease in voting poll: %v", r.ID, err)
				}
				lastRenew = time.Now()
			}
			latest, err := d.store.GetRound(ctx, r.ID)
			if err == nil && latest.Phase != store.PhaseVoting {
				break pollLoop
			}
			if err == nil && latest.ViewerVotingEndsAt != nil {
				endsAt = *latest.ViewerVotingEndsAt
			}
		}
	}

	select {
	case <-done:
	case <-time.After(VoteFanOutGrace):
		if _, reason, err := d.recoverer.Recover(ctx, expectedGeneration); err != nil {
			log.Printf("⚠️  round %s: SPR invocation after vote grace failed: %v", r.ID, err)
		} else if reason != "" {
			log.Printf("♻️  round %s: SPR closed out lingering vote fan-out (%s)", r.ID, reason)
		}
	}
	return nil
}

func (d *Driver) fanOutVotes(ctx context.Context, expectedGeneration int64, r *store.Round, voters []store.Model) {
	var wg sync.WaitGroup
	for i, voter := range voters {
		i, voter := i, voter
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.castOneVote(ctx, expectedGeneration, r, i, voter)
		}()
	}
	wg.Wait()
}

func (d *Driver) castOneVote(ctx context.Context, expectedGeneration int64, r *store.Round, voteIndex int, voter store.Model) {
	answerA := r.AnswerTasks[0].Result
	answerB := r.AnswerTasks[1].Result
	swapped := rand.Intn(2) == 1
	shownA, shownB := answerA, answerB
	if swapped {
		shownA, shownB = answerB, answerA
	}

	startedAt := time.Now()
	result, err := d.adapter.GenerateVote(ctx, voter, r.Prompt, shownA, shownB, func(tokens int64, finalized bool) {
		if uerr := d.sink.Upsert(ctx, r.ID, store.RequestVote, &voteIndex, voter.ID, tokens, finalized); uerr != nil {
			log.Printf("⚠️  round %s: vote[%d] progress upsert: %v", r.ID, voteIndex, uerr)
		}
	})
	finishedAt := time.Now()

	if err != nil {
		if ferr := d.sink.Finalize(ctx, r.ID, store.RequestVote, &voteIndex); ferr != nil {
			log.Printf("⚠️  round %s: finalizing vote[%d] progress on error: %v", r.ID, voteIndex, ferr)
		}
		if serr := d.store.SetModelVote(ctx, expectedGeneration, r.ID, voteIndex, nil, err.Error()); serr != nil {
			log.Printf("⚠️  round %s: writing failed vote[%d]: %v", r.ID, voteIndex, serr)
		}
		return
	}

	side := canonicalSide(result.Text, swapped)
	if serr := d.store.SetModelVote(ctx, expectedGeneration, r.ID, voteIndex, side, ""); serr != nil {
		log.Printf("⚠️  round %s: writing vote[%d]: %v", r.ID, voteIndex, serr)
		return
	}
	if rerr := d.recorder.Record(ctx, expectedGeneration, voter, store.RequestVote, result.Metrics, startedAt, finishedAt, "runtime"); rerr != nil {
		log.Printf("⚠️  round %s: recording vote[%d] usage: %v", r.ID, voteIndex, rerr)
	}
}

// canonicalSide maps the voter's "A"/"B" reply (about the shown order) back
// to the canonical contestant side, undoing the display-order randomization
// used to eliminate position bias.
func canonicalSide(reply string, swapped bool) *store.Side {
	reply = strings.TrimSpace(reply)
	var shown store.Side
	switch {
	case strings.HasPrefix(reply, "A"):
		shown = store.SideA
	case strings.HasPrefix(reply, "B"):
		shown = store.SideB
	default:
		return nil
	}
	side := shown
	if swapped {
		if shown == store.SideA {
			side = store.SideB
		} else {
			side = store.SideA
		}
	}
	return &side
}
