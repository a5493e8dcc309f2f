package usage

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tokenscomedyclub/arena/engine/llm"
	"github.com/tokenscomedyclub/arena/engine/store"
)

// StaleAfter is how old a bootstrap run's startedAt must be before another
// caller may take it over (§4.9).
const StaleAfter = 30 * time.Minute

// MaxAttemptsPerModel bounds synthesis attempts per model, counted across
// all three request types together.
const MaxAttemptsPerModel = 30

const fallbackPrompt = "What's the most unhinged thing a toaster has ever said to you?"
const fallbackAnswer = "Honestly, it just stared at me and hummed the Jeopardy theme."

// Bootstrapper runs runProjectionBootstrap: ensuring every active model has
// at least MinSamplesPerKind non-error samples of {prompt, answer, vote} at
// the current metricsEpoch/generation.
type Bootstrapper struct {
	store       store.Store
	adapter     llm.Adapter
	recorder    *Recorder
	concurrency int
}

func NewBootstrapper(s store.Store, adapter llm.Adapter, recorder *Recorder, concurrency int) *Bootstrapper {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 3 {
		concurrency = 3
	}
	return &Bootstrapper{store: s, adapter: adapter, recorder: recorder, concurrency: concurrency}
}

// Run claims the bootstrap run (taking over a stale one if present) and
// synthesizes samples for every active model, 1-3 models in parallel.
func (b *Bootstrapper) Run(ctx context.Context) error {
	state, err := b.store.GetOrCreateState(ctx)
	if err != nil {
		return err
	}

	runID := store.NewOpaqueID()
	claimed, err := b.store.ClaimBootstrapRun(ctx, runID, time.Now(), StaleAfter)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	defer func() {
		if err := b.store.ReleaseBootstrapRun(ctx, runID); err != nil {
			log.Printf("⚠️  bootstrap: releasing run %s: %v", runID, err)
		}
	}()

	models, err := b.store.ListActiveModels(ctx)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	for _, m := range models {
		m := m
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			b.bootstrapModel(ctx, runID, state.Generation, m)
		}()
	}
	wg.Wait()
	return nil
}

// ownsRun re-reads ESS and aborts the caller's phase if generation or the
// bootstrap run id has shifted out from under it.
func (b *Bootstrapper) ownsRun(ctx context.Context, runID string, generation int64) bool {
	st, err := b.store.GetState(ctx)
	if err != nil || st == nil {
		return false
	}
	return st.BootstrapRunID == runID && st.Generation == generation
}

func (b *Bootstrapper) bootstrapModel(ctx context.Context, runID string, generation int64, model store.Model) {
	var prompts, answers []string
	attempts := 0

	for n, err := b.store.CountUsageSamples(ctx, model.ID, model.MetricsEpoch, generation, store.RequestPrompt); err == nil && n < MinSamplesPerKind; n, err = b.store.CountUsageSamples(ctx, model.ID, model.MetricsEpoch, generation, store.RequestPrompt) {
		if attempts >= MaxAttemptsPerModel || !b.ownsRun(ctx, runID, generation) {
			return
		}
		attempts++
		res, err := b.adapter.GeneratePrompt(ctx, model, nil)
		if err != nil {
			continue
		}
		prompts = append(prompts, res.Text)
		b.record(ctx, generation, model, store.RequestPrompt, res.Metrics)
	}

	for n, err := b.store.CountUsageSamples(ctx, model.ID, model.MetricsEpoch, generation, store.RequestAnswer); err == nil && n < MinSamplesPerKind; n, err = b.store.CountUsageSamples(ctx, model.ID, model.MetricsEpoch, generation, store.RequestAnswer) {
		if attempts >= MaxAttemptsPerModel || !b.ownsRun(ctx, runID, generation) {
			return
		}
		attempts++
		prompt := fallbackPrompt
		if len(prompts) > 0 {
			prompt = prompts[attempts%len(prompts)]
		}
		res, err := b.adapter.GenerateAnswer(ctx, model, prompt, nil)
		if err != nil {
			continue
		}
		answers = append(answers, res.Text)
		b.record(ctx, generation, model, store.RequestAnswer, res.Metrics)
	}

	for n, err := b.store.CountUsageSamples(ctx, model.ID, model.MetricsEpoch, generation, store.RequestVote); err == nil && n < MinSamplesPerKind; n, err = b.store.CountUsageSamples(ctx, model.ID, model.MetricsEpoch, generation, store.RequestVote) {
		if attempts >= MaxAttemptsPerModel || !b.ownsRun(ctx, runID, generation) {
			return
		}
		attempts++
		answerA, answerB := fallbackAnswer, fallbackAnswer
		if len(answers) > 0 {
			answerA = answers[attempts%len(answers)]
		}
		if len(answers) > 1 {
			answerB = answers[(attempts+1)%len(answers)]
		}
		res, err := b.adapter.GenerateVote(ctx, model, fallbackPrompt, answerA, answerB, nil)
		if err != nil {
			continue
		}
		b.record(ctx, generation, model, store.RequestVote, res.Metrics)
	}
}

func (b *Bootstrapper) record(ctx context.Context, generation int64, model store.Model, requestType store.RequestType, metrics store.LlmCallMetrics) {
	now := time.Now()
	if err := b.recorder.Record(ctx, generation, model, requestType, metrics, now, now, "bootstrap"); err != nil {
		log.Printf("⚠️  bootstrap: recording %s/%s sample: %v", model.ID, requestType, err)
	}
}
