// Package observability registers the engine's Prometheus metrics. Engine
// code updates ViewerCount, ViewerVotesCast, VotingWindowShortened,
// AdminRateLimited and LiveHubClients; the other collectors (tick
// duration, rounds completed, lease transitions, stale recoveries, active
// model count, Redis latency, LLM call duration and retries, bootstrap
// samples) are registered and exported but not updated anywhere.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundDriverTickDuration tracks the duration of one Driver.Tick call.
	RoundDriverTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_round_driver_tick_duration_seconds",
		Help:    "Duration of one round driver tick",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// RoundsCompleted tracks finalized rounds by outcome.
	RoundsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_rounds_completed_total",
		Help: "Total number of rounds reaching a terminal phase",
	}, []string{"outcome"}) // finalized, skipped_prompt, skipped_answer

	// LeaseTransitions tracks lease acquisition/renewal/loss events.
	LeaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_lease_transitions_total",
		Help: "Total number of lease transitions",
	}, []string{"event"}) // acquired, renewed, lost

	// StaleRecoveries tracks SPR invocations by the policy that fired.
	StaleRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_stale_recoveries_total",
		Help: "Total number of stale-phase recovery actions taken",
	}, []string{"reason"})

	// ActiveModelCount tracks the size of the catalog's active pool.
	ActiveModelCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_active_model_count",
		Help: "Current number of active (enabled, non-archived) models",
	})

	// ViewerCount tracks the last-observed total viewer presence.
	ViewerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_viewer_count",
		Help: "Current total viewer presence across all shards",
	})

	// ViewerVotesCast tracks accepted/updated/unchanged/inactive vote casts.
	ViewerVotesCast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_viewer_votes_total",
		Help: "Total number of viewer vote-cast outcomes",
	}, []string{"status"})

	// VotingWindowShortened tracks one-shot idle->active window transitions.
	VotingWindowShortened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_voting_window_shortened_total",
		Help: "Total number of times the voting window was shortened on viewer arrival",
	})

	// RedisLatency tracks viewer-aggregate Redis operation latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency for viewer aggregate reads/writes",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// LlmCallDuration tracks adapter call latency by request type and outcome.
	LlmCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_llm_call_duration_seconds",
		Help:    "LLM adapter call duration",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"request_type", "outcome"}) // outcome: success, validation_error, transient_error

	// LlmRetries tracks retry attempts consumed by the adapter.
	LlmRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_llm_retries_total",
		Help: "Total number of LLM adapter retry attempts consumed",
	}, []string{"request_type"})

	// BootstrapSamplesRecorded tracks synthesized usage samples written by
	// the projection bootstrapper.
	BootstrapSamplesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_bootstrap_samples_total",
		Help: "Total number of bootstrap-origin usage samples recorded",
	}, []string{"request_type"})

	// AdminRateLimited tracks requests rejected by the process-wide
	// per-endpoint rate limiters.
	AdminRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_api_rate_limited_total",
		Help: "Requests rejected by rate limiting (storm protection)",
	}, []string{"endpoint"})

	// LiveHubClients tracks the number of connected live-feed WebSocket clients.
	LiveHubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_live_hub_clients",
		Help: "Current number of connected live-feed WebSocket clients",
	})
)
