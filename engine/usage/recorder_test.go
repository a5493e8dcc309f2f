package usage

import (
	"context"
	"testing"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

func TestDurationPrefersProviderLatencyThenGenTimeThenWallClock(t *testing.T) {
	startedAt := time.Now()
	finishedAt := startedAt.Add(2 * time.Second)

	latency := int64(150)
	d, source := duration(store.LlmCallMetrics{ProviderLatencyMS: &latency}, startedAt, finishedAt)
	if d != latency || source != "provider_latency" {
		t.Errorf("expected provider_latency to win, got %d/%s", d, source)
	}

	genTime := int64(300)
	d, source = duration(store.LlmCallMetrics{ProviderGenTimeMS: &genTime}, startedAt, finishedAt)
	if d != genTime || source != "provider_generation_time" {
		t.Errorf("expected provider_generation_time as second choice, got %d/%s", d, source)
	}

	d, source = duration(store.LlmCallMetrics{}, startedAt, finishedAt)
	if d != 2000 || source != "local_wall_clock" {
		t.Errorf("expected local_wall_clock fallback, got %d/%s", d, source)
	}
}

func TestRecordAppendsUsageEvent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	r := NewRecorder(s)

	model := store.Model{ID: "m1", MetricsEpoch: 1}
	now := time.Now()
	if err := r.Record(ctx, 1, model, store.RequestAnswer, store.LlmCallMetrics{CostUSD: 0.02}, now, now.Add(time.Second), "runtime"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	n, err := s.CountUsageSamples(ctx, "m1", 1, 1, store.RequestAnswer)
	if err != nil {
		t.Fatalf("CountUsageSamples: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recorded sample, got %d", n)
	}
}
