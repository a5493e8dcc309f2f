package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokenscomedyclub/arena/engine/reasoning"
	"github.com/tokenscomedyclub/arena/engine/store"
)

// outboundRatePerModel/outboundBurstPerModel pace calls to a single model
// so a hung provider retry storm can't flood it; mirrors the teacher's
// TokenBucketLimiter (per-key token buckets, not one global bucket).
const (
	outboundRatePerModel  = 1.0
	outboundBurstPerModel = 3
)

// RawCaller is a single-attempt, provider-specific call. onDelta receives
// successive chunks of streamed reasoning text (not the final answer);
// RetryingAdapter turns those into the calibrated ProgressFunc callbacks
// the rest of the engine consumes.
type RawCaller interface {
	CallPrompt(ctx context.Context, model store.Model, onDelta func(string)) (string, store.LlmCallMetrics, error)
	CallAnswer(ctx context.Context, model store.Model, prompt string, onDelta func(string)) (string, store.LlmCallMetrics, error)
	CallVote(ctx context.Context, model store.Model, prompt, answerA, answerB string, onDelta func(string)) (string, store.LlmCallMetrics, error)
}

// RetryingAdapter implements Adapter over a RawCaller, enforcing
// ModelAttempts/ModelCallTimeout/ModelRetryBackoff and the §7 kind-2
// validation rules, maintaining the process-local calibration map, and
// pacing outbound calls per model.
type RetryingAdapter struct {
	raw        RawCaller
	calibrator *reasoning.Calibrator

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewRetryingAdapter(raw RawCaller, calibrator *reasoning.Calibrator) *RetryingAdapter {
	return &RetryingAdapter{raw: raw, calibrator: calibrator, limiters: make(map[string]*rate.Limiter)}
}

// limiterFor lazily creates the per-model token bucket the first time a
// model is seen, same shape as the teacher's per-key limiter map.
func (a *RetryingAdapter) limiterFor(modelID string) *rate.Limiter {
	a.limiterMu.Lock()
	defer a.limiterMu.Unlock()
	l, ok := a.limiters[modelID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(outboundRatePerModel), outboundBurstPerModel)
		a.limiters[modelID] = l
	}
	return l
}

func (a *RetryingAdapter) attempt(ctx context.Context, model store.Model, requestType store.RequestType, call func(context.Context, func(string)) (string, store.LlmCallMetrics, error), validate func(string) error, onProgress ProgressFunc) (Result, error) {
	var lastErr error
	var rawTokens float64

	for i := 0; i < ModelAttempts; i++ {
		if err := a.limiterFor(model.ID).Wait(ctx); err != nil {
			return Result{}, err
		}
		callCtx, cancel := context.WithTimeout(ctx, ModelCallTimeout)
		rawTokens = 0
		text, metrics, err := call(callCtx, func(delta string) {
			rawTokens += reasoning.EstimateRawTokens(delta)
			factor := a.calibrator.Factor(model.ID, model.ReasoningEffort, requestType)
			if onProgress != nil {
				est := int64(rawTokens * factor)
				if est < 0 {
					est = 0
				}
				onProgress(est, false)
			}
		})
		cancel()

		if err == nil && validate != nil {
			if verr := validate(text); verr != nil {
				err = verr
			}
		}
		if err == nil {
			if onProgress != nil {
				final := metrics.ReasoningTokens
				if final == 0 {
					factor := a.calibrator.Factor(model.ID, model.ReasoningEffort, requestType)
					final = int(rawTokens * factor)
				}
				onProgress(int64(final), true)
			}
			if metrics.ReasoningTokens > 0 && rawTokens > 0 {
				a.calibrator.Update(model.ID, model.ReasoningEffort, requestType, float64(metrics.ReasoningTokens)/rawTokens)
			}
			return Result{Text: text, Metrics: metrics}, nil
		}
		lastErr = err
		if i < len(ModelRetryBackoff) {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(ModelRetryBackoff[i]):
			}
		}
	}
	return Result{}, lastErr
}

func validatePrompt(text string) error {
	if len(strings.TrimSpace(text)) < 10 {
		return &ValidationError{Reason: "prompt under 10 chars"}
	}
	return nil
}

func validateAnswer(text string) error {
	if len(strings.TrimSpace(text)) < 3 {
		return &ValidationError{Reason: "answer under 3 chars"}
	}
	return nil
}

func validateVote(text string) error {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "A") && !strings.HasPrefix(t, "B") {
		return &ValidationError{Reason: "vote does not start with A/B"}
	}
	return nil
}

func (a *RetryingAdapter) GeneratePrompt(ctx context.Context, prompter store.Model, onProgress ProgressFunc) (Result, error) {
	return a.attempt(ctx, prompter, store.RequestPrompt, func(c context.Context, d func(string)) (string, store.LlmCallMetrics, error) {
		return a.raw.CallPrompt(c, prompter, d)
	}, validatePrompt, onProgress)
}

func (a *RetryingAdapter) GenerateAnswer(ctx context.Context, model store.Model, prompt string, onProgress ProgressFunc) (Result, error) {
	return a.attempt(ctx, model, store.RequestAnswer, func(c context.Context, d func(string)) (string, store.LlmCallMetrics, error) {
		return a.raw.CallAnswer(c, model, prompt, d)
	}, validateAnswer, onProgress)
}

func (a *RetryingAdapter) GenerateVote(ctx context.Context, voter store.Model, prompt, answerA, answerB string, onProgress ProgressFunc) (Result, error) {
	return a.attempt(ctx, voter, store.RequestVote, func(c context.Context, d func(string)) (string, store.LlmCallMetrics, error) {
		return a.raw.CallVote(c, voter, prompt, answerA, answerB, d)
	}, validateVote, onProgress)
}
