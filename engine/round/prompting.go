package round

import (
	"context"
	"log"
	"time"

	"github.com/tokenscomedyclub/arena/engine/llm"
	"github.com/tokenscomedyclub/arena/engine/store"
)

// withLeaseHeartbeat runs fn while a background lease-renewal ticker is
// active (§4.3.3's "under a lease-heartbeat scope"), stopping the ticker
// when fn returns.
func (d *Driver) withLeaseHeartbeat(ctx context.Context, leaseID string, expectedGeneration int64, fn func(context.Context) error) error {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := d.leases.Heartbeat(hbCtx, leaseID, expectedGeneration)
	go func() {
		select {
		case <-lost:
			log.Printf("⚠️  round: lease %s heartbeat reports loss mid-call", leaseID)
		case <-hbCtx.Done():
		}
	}()
	return fn(ctx)
}

func (d *Driver) runPrompting(ctx context.Context, expectedGeneration int64, r *store.Round, leaseID string) error {
	if err := d.sink.Upsert(ctx, r.ID, store.RequestPrompt, nil, r.Prompter.ID, 0, false); err != nil {
		log.Printf("⚠️  round %s: seeding prompt progress: %v", r.ID, err)
	}

	var result llm.Result
	startedAt := time.Now()
	callErr := d.withLeaseHeartbeat(ctx, leaseID, expectedGeneration, func(ctx context.Context) error {
		var err error
		result, err = d.adapter.GeneratePrompt(ctx, r.Prompter, func(tokens int64, finalized bool) {
			if err := d.sink.Upsert(ctx, r.ID, store.RequestPrompt, nil, r.Prompter.ID, tokens, finalized); err != nil {
				log.Printf("⚠️  round %s: prompt progress upsert: %v", r.ID, err)
			}
		})
		return err
	})
	finishedAt := time.Now()

	if callErr != nil {
		if err := d.sink.Finalize(ctx, r.ID, store.RequestPrompt, nil); err != nil {
			log.Printf("⚠️  round %s: finalizing prompt progress on error: %v", r.ID, err)
		}
		if err := d.store.SetPromptError(ctx, expectedGeneration, r.ID, callErr.Error()); err != nil {
			return err
		}
		return callErr
	}

	if err := d.store.SetPromptResult(ctx, expectedGeneration, r.ID, result.Text, &result.Metrics); err != nil {
		return err
	}
	if err := d.recorder.Record(ctx, expectedGeneration, r.Prompter, store.RequestPrompt, result.Metrics, startedAt, finishedAt, "runtime"); err != nil {
		log.Printf("⚠️  round %s: recording prompt usage: %v", r.ID, err)
	}
	return nil
}
