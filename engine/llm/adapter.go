// Package llm treats the LLM provider as an opaque external collaborator
// (§1, §9): "attempt a call within a deadline, report success with
// {text, metrics} or raise; emit streaming reasoning-delta callbacks."
// Everything in this package lives on that one contract; the engine never
// imports a provider SDK.
package llm

import (
	"context"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

// §4.3.3's retry/timeout constants, enforced here rather than by callers.
const (
	ModelAttempts      = 3
	ModelCallTimeout   = 60 * time.Second
)

// ModelRetryBackoff is MODEL_RETRY_BACKOFF_MS.
var ModelRetryBackoff = []time.Duration{1 * time.Second, 2 * time.Second}

// ProgressFunc streams reasoning-token estimates during a call; finalized
// is set on the last invocation for that call.
type ProgressFunc func(estimatedReasoningTokens int64, finalized bool)

// Result is a successful call's payload.
type Result struct {
	Text    string
	Metrics store.LlmCallMetrics
}

// Adapter is the contract the Round Driver depends on.
type Adapter interface {
	GeneratePrompt(ctx context.Context, prompter store.Model, onProgress ProgressFunc) (Result, error)
	GenerateAnswer(ctx context.Context, model store.Model, prompt string, onProgress ProgressFunc) (Result, error)
	// GenerateVote returns the raw reply text; the caller parses the
	// leading "A"/"B" per §7 kind 2's validation rule.
	GenerateVote(ctx context.Context, voter store.Model, prompt, answerA, answerB string, onProgress ProgressFunc) (Result, error)
}

// ValidationError marks §7 kind 2: a structurally invalid reply that
// still consumes a retry attempt rather than being treated as transient.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "llm validation error: " + e.Reason }
