// Package usage implements the Usage & Bootstrap Recorder (§4.9): appending
// LlmUsageEvent rows on every successful call, and synthesizing minimum
// per-model samples via the projection bootstrap action.
package usage

import (
	"context"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

// MinSamplesPerKind is the bootstrap's per-(model,requestType) floor.
const MinSamplesPerKind = 5

// Recorder appends LlmUsageEvent rows for successful calls.
type Recorder struct {
	store store.Store
}

func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s}
}

// duration picks the final duration per §4.9: provider-reported latency,
// then provider-reported generation time, then local wall-clock, in that
// order of preference.
func duration(metrics store.LlmCallMetrics, startedAt, finishedAt time.Time) (int64, string) {
	if metrics.ProviderLatencyMS != nil {
		return *metrics.ProviderLatencyMS, "provider_latency"
	}
	if metrics.ProviderGenTimeMS != nil {
		return *metrics.ProviderGenTimeMS, "provider_generation_time"
	}
	return finishedAt.Sub(startedAt).Milliseconds(), "local_wall_clock"
}

// Record appends a usage event for one successful call.
func (r *Recorder) Record(ctx context.Context, generation int64, model store.Model, requestType store.RequestType, metrics store.LlmCallMetrics, startedAt, finishedAt time.Time, origin string) error {
	durationMS, source := duration(metrics, startedAt, finishedAt)
	return r.store.AppendUsageEvent(ctx, store.LlmUsageEvent{
		Generation:       generation,
		ModelID:          model.ID,
		MetricsEpoch:     model.MetricsEpoch,
		RequestType:      requestType,
		StartedAt:        startedAt,
		FinishedAt:       finishedAt,
		CostUSD:          metrics.CostUSD,
		PromptTokens:     metrics.PromptTokens,
		CompletionTokens: metrics.CompletionTokens,
		ReasoningTokens:  metrics.ReasoningTokens,
		DurationMS:       durationMS,
		DurationSource:   source,
		Origin:           origin,
	})
}
