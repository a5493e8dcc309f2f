package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

const openRouterURL = "https://openrouter.ai/api/v1/chat/completions"

// chatMessage is an OpenAI-compatible chat message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Reasoning *reasoningParam `json:"reasoning,omitempty"`
}

type reasoningParam struct {
	Effort string `json:"effort"`
}

// chatResponse is the response shape returned by OpenRouter's
// OpenAI-compatible /chat/completions endpoint. Reasoning is populated for
// models that surface their reasoning trace.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		CompletionTokensDetails struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// OpenRouterCaller is a RawCaller backed by the OpenRouter HTTP API. It
// makes one non-streaming request per attempt and, since OpenRouter returns
// the full reasoning trace in one shot rather than as incremental deltas,
// reports it to onDelta as a single chunk before returning.
type OpenRouterCaller struct {
	apiKey     string
	httpClient *http.Client
}

func NewOpenRouterCaller() *OpenRouterCaller {
	return &OpenRouterCaller{
		apiKey:     os.Getenv("OPENROUTER_API_KEY"),
		httpClient: &http.Client{Timeout: ModelCallTimeout + 5*time.Second},
	}
}

func (c *OpenRouterCaller) CallPrompt(ctx context.Context, model store.Model, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	return c.call(ctx, model, []chatMessage{
		{Role: "system", Content: "You host a comedy trivia round. Write one short, funny prompt for two contestants to answer. Reply with the prompt only."},
	}, onDelta)
}

func (c *OpenRouterCaller) CallAnswer(ctx context.Context, model store.Model, prompt string, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	return c.call(ctx, model, []chatMessage{
		{Role: "system", Content: "You are a contestant in a comedy trivia round. Answer the prompt as entertainingly as you can in a few sentences."},
		{Role: "user", Content: prompt},
	}, onDelta)
}

func (c *OpenRouterCaller) CallVote(ctx context.Context, model store.Model, prompt, answerA, answerB string, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	user := fmt.Sprintf("Prompt: %s\n\nAnswer A: %s\n\nAnswer B: %s\n\nWhich answer is funnier? Reply with \"A\" or \"B\" followed by a one-sentence reason.", prompt, answerA, answerB)
	return c.call(ctx, model, []chatMessage{
		{Role: "system", Content: "You are judging a comedy trivia round between two contestants."},
		{Role: "user", Content: user},
	}, onDelta)
}

func (c *OpenRouterCaller) call(ctx context.Context, model store.Model, messages []chatMessage, onDelta func(string)) (string, store.LlmCallMetrics, error) {
	reqBody := chatRequest{Model: model.ID, Messages: messages}
	if model.ReasoningEffort != store.EffortNone {
		reqBody.Reasoning = &reasoningParam{Effort: string(model.ReasoningEffort)}
	}

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return "", store.LlmCallMetrics{}, fmt.Errorf("llm: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openRouterURL, bytes.NewReader(encoded))
	if err != nil {
		return "", store.LlmCallMetrics{}, fmt.Errorf("llm: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", store.LlmCallMetrics{}, fmt.Errorf("llm: calling %s: %w", model.ID, err)
	}
	defer resp.Body.Close()
	latencyMS := time.Since(start).Milliseconds()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", store.LlmCallMetrics{}, fmt.Errorf("llm: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("🛑 llm: %s returned HTTP %d: %s", model.ID, resp.StatusCode, truncate(string(body), 300))
		return "", store.LlmCallMetrics{}, fmt.Errorf("llm: %s returned HTTP %d", model.ID, resp.StatusCode)
	}

	var raw chatResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", store.LlmCallMetrics{}, fmt.Errorf("llm: unmarshalling response: %w", err)
	}
	if raw.Error != nil {
		return "", store.LlmCallMetrics{}, fmt.Errorf("llm: %s: %s", model.ID, raw.Error.Message)
	}
	if len(raw.Choices) == 0 {
		return "", store.LlmCallMetrics{}, fmt.Errorf("llm: %s returned no choices", model.ID)
	}

	choice := raw.Choices[0].Message
	if onDelta != nil && choice.Reasoning != "" {
		onDelta(choice.Reasoning)
	}

	metrics := store.LlmCallMetrics{
		PromptTokens:      raw.Usage.PromptTokens,
		CompletionTokens:  raw.Usage.CompletionTokens,
		ReasoningTokens:   raw.Usage.CompletionTokensDetails.ReasoningTokens,
		ProviderLatencyMS: &latencyMS,
		DurationSource:    "provider_latency",
	}
	return strings.TrimSpace(choice.Content), metrics, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
