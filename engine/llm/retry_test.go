package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/tokenscomedyclub/arena/engine/reasoning"
	"github.com/tokenscomedyclub/arena/engine/store"
)

type scriptedCaller struct {
	promptReplies []string
	promptErrs    []error
	call          int
}

func (s *scriptedCaller) CallPrompt(ctx context.Context, model store.Model, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	i := s.call
	s.call++
	if onDelta != nil {
		onDelta(s.promptReplies[i])
	}
	return s.promptReplies[i], store.LlmCallMetrics{ReasoningTokens: 5}, s.promptErrs[i]
}

func (s *scriptedCaller) CallAnswer(ctx context.Context, model store.Model, prompt string, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	return "a perfectly fine answer", store.LlmCallMetrics{}, nil
}

func (s *scriptedCaller) CallVote(ctx context.Context, model store.Model, prompt, answerA, answerB string, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	return "A", store.LlmCallMetrics{}, nil
}

func TestGeneratePromptSucceedsFirstAttempt(t *testing.T) {
	raw := &scriptedCaller{
		promptReplies: []string{"why did the comedian cross the road"},
		promptErrs:    []error{nil},
	}
	a := NewRetryingAdapter(raw, reasoning.NewCalibrator())
	model := store.Model{ID: "m1", ReasoningEffort: store.EffortMedium}

	var finalTokens int64
	var sawFinal bool
	res, err := a.GeneratePrompt(context.Background(), model, func(tokens int64, finalized bool) {
		if finalized {
			finalTokens = tokens
			sawFinal = true
		}
	})
	if err != nil {
		t.Fatalf("GeneratePrompt: %v", err)
	}
	if res.Text == "" {
		t.Error("expected non-empty prompt text")
	}
	if !sawFinal {
		t.Error("expected a finalized progress callback")
	}
	if finalTokens <= 0 {
		t.Errorf("expected a positive finalized token estimate, got %d", finalTokens)
	}
}

func TestGeneratePromptRetriesAfterValidationFailureThenSucceeds(t *testing.T) {
	raw := &scriptedCaller{
		promptReplies: []string{"short", "a sufficiently long generated opening line"},
		promptErrs:    []error{nil, nil},
	}
	a := NewRetryingAdapter(raw, reasoning.NewCalibrator())
	model := store.Model{ID: "m1"}

	res, err := a.GeneratePrompt(context.Background(), model, nil)
	if err != nil {
		t.Fatalf("GeneratePrompt: %v", err)
	}
	if res.Text != raw.promptReplies[1] {
		t.Errorf("expected the second (valid) attempt's text, got %q", res.Text)
	}
	if raw.call != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", raw.call)
	}
}

type alwaysFailCaller struct{ err error }

func (c *alwaysFailCaller) CallPrompt(ctx context.Context, model store.Model, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	return "", store.LlmCallMetrics{}, c.err
}
func (c *alwaysFailCaller) CallAnswer(ctx context.Context, model store.Model, prompt string, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	return "", store.LlmCallMetrics{}, c.err
}
func (c *alwaysFailCaller) CallVote(ctx context.Context, model store.Model, prompt, answerA, answerB string, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	return "", store.LlmCallMetrics{}, c.err
}

func TestGenerateAnswerExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	raw := &alwaysFailCaller{err: wantErr}
	a := NewRetryingAdapter(raw, reasoning.NewCalibrator())

	_, err := a.GenerateAnswer(context.Background(), store.Model{ID: "m1"}, "prompt", nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("expected the last attempt's error to surface, got %v", err)
	}
}
