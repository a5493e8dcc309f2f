package round

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

func (d *Driver) runAnswering(ctx context.Context, expectedGeneration int64, r *store.Round, leaseID string) error {
	if err := d.store.StartAnswering(ctx, expectedGeneration, r.ID); err != nil {
		return err
	}

	var wg sync.WaitGroup
	anyError := false
	var mu sync.Mutex

	_ = d.withLeaseHeartbeat(ctx, leaseID, expectedGeneration, func(ctx context.Context) error {
		d.fanOutAnswers(ctx, expectedGeneration, r, &wg, &mu, &anyError)
		return nil
	})

	if anyError {
		if err := d.store.MarkRoundSkipped(ctx, expectedGeneration, r.ID, store.SkipAnswerError, "one or more answers failed"); err != nil {
			return err
		}
		return errors.New("one or more answers failed")
	}
	return nil
}

func (d *Driver) fanOutAnswers(ctx context.Context, expectedGeneration int64, r *store.Round, wg *sync.WaitGroup, mu *sync.Mutex, anyError *bool) {
	for i := 0; i < 2; i++ {
		i := i
		contestant := r.Contestants[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx := i
			if err := d.sink.Upsert(ctx, r.ID, store.RequestAnswer, &idx, contestant.ID, 0, false); err != nil {
				log.Printf("⚠️  round %s: seeding answer[%d] progress: %v", r.ID, idx, err)
			}

			startedAt := time.Now()
			result, callErr := d.adapter.GenerateAnswer(ctx, contestant, r.Prompt, func(tokens int64, finalized bool) {
				if err := d.sink.Upsert(ctx, r.ID, store.RequestAnswer, &idx, contestant.ID, tokens, finalized); err != nil {
					log.Printf("⚠️  round %s: answer[%d] progress upsert: %v", r.ID, idx, err)
				}
			})
			finishedAt := time.Now()

			if callErr != nil {
				if err := d.sink.Finalize(ctx, r.ID, store.RequestAnswer, &idx); err != nil {
					log.Printf("⚠️  round %s: finalizing answer[%d] progress on error: %v", r.ID, idx, err)
				}
				if err := d.store.SetAnswerResult(ctx, expectedGeneration, r.ID, idx, "[no answer]", callErr.Error(), nil); err != nil {
					log.Printf("⚠️  round %s: writing failed answer[%d]: %v", r.ID, idx, err)
				}
				mu.Lock()
				*anyError = true
				mu.Unlock()
				return
			}

			if err := d.store.SetAnswerResult(ctx, expectedGeneration, r.ID, idx, result.Text, "", &result.Metrics); err != nil {
				log.Printf("⚠️  round %s: writing answer[%d]: %v", r.ID, idx, err)
				mu.Lock()
				*anyError = true
				mu.Unlock()
				return
			}
			if err := d.recorder.Record(ctx, expectedGeneration, contestant, store.RequestAnswer, result.Metrics, startedAt, finishedAt, "runtime"); err != nil {
				log.Printf("⚠️  round %s: recording answer[%d] usage: %v", r.ID, idx, err)
			}
		}()
	}
	wg.Wait()
}
