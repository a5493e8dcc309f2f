// Package store holds the durable engine state: the EngineState singleton,
// per-round records, LLM usage events and reasoning-progress rows. It is
// backed by Postgres in production and by an in-memory implementation for
// tests.
package store

import "time"

// Phase is a Round's position in its state machine.
type Phase string

const (
	PhasePrompting Phase = "prompting"
	PhaseAnswering Phase = "answering"
	PhaseVoting    Phase = "voting"
	PhaseDone      Phase = "done"
)

// SkipType classifies why a round was terminated without completing.
type SkipType string

const (
	SkipPromptError SkipType = "prompt_error"
	SkipAnswerError SkipType = "answer_error"
)

// Side identifies one of the two contestants in a round.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// ReasoningEffort mirrors the provider's reasoning-effort knob.
type ReasoningEffort string

const (
	EffortXHigh   ReasoningEffort = "xhigh"
	EffortHigh    ReasoningEffort = "high"
	EffortMedium  ReasoningEffort = "medium"
	EffortLow     ReasoningEffort = "low"
	EffortMinimal ReasoningEffort = "minimal"
	EffortNone    ReasoningEffort = "none"
)

// RequestType distinguishes the three kinds of LLM call the engine makes.
type RequestType string

const (
	RequestPrompt RequestType = "prompt"
	RequestAnswer RequestType = "answer"
	RequestVote   RequestType = "vote"
)

// Model is a catalog entry for an LLM contestant.
type Model struct {
	ID              string
	Name            string
	Color           string
	LogoID          string
	ReasoningEffort ReasoningEffort
	MetricsEpoch    int64
	Enabled         bool
	ArchivedAt      *time.Time
	CanPrompt       bool
	CanAnswer       bool
	CanVote         bool
}

// Active reports whether the model participates in round selection.
func (m Model) Active() bool {
	return m.Enabled && m.ArchivedAt == nil
}

// LlmCallMetrics captures the accounting the usage recorder needs.
type LlmCallMetrics struct {
	CostUSD             float64
	PromptTokens        int
	CompletionTokens    int
	ReasoningTokens      int
	ProviderLatencyMS    *int64
	ProviderGenTimeMS    *int64
	DurationSource       string // "provider_latency" | "provider_generation_time" | "local_wall_clock"
}

// Task is an embedded value type for one remote-call attempt within a round.
type Task struct {
	Model      Model
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     string
	Error      string
	Metrics    *LlmCallMetrics
}

// Terminal reports whether the task has finished (success or error).
func (t Task) Terminal() bool { return t.FinishedAt != nil }

// Vote is an embedded value type for one voter's ballot.
type Vote struct {
	Voter         Model
	StartedAt     time.Time
	FinishedAt    *time.Time
	VotedForSide  *Side
	Error         string
}

// Succeeded reports whether the vote was cast successfully.
func (v Vote) Succeeded() bool {
	return v.FinishedAt != nil && v.Error == "" && v.VotedForSide != nil
}

// Round is a single prompt -> two answers -> N votes cycle.
type Round struct {
	Generation int64
	ID         string
	Num        int64
	Phase      Phase

	Prompter    Model
	PromptTask  Task
	Prompt      string

	Contestants [2]Model
	AnswerTasks [2]Task

	Votes []Vote

	Skipped    bool
	SkipReason string
	SkipType   SkipType

	ScoreA int64
	ScoreB int64

	ViewerVotesA int64
	ViewerVotesB int64

	ViewerVotingEndsAt   *time.Time
	ViewerVotingWindowMS int64
	ViewerVotingMode     string // "active" | "idle"

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	// Version is the optimistic-concurrency token for this row.
	Version int64
}

// EngineState is the single durable tournament record.
type EngineState struct {
	Generation            int64
	IsPaused              bool
	Done                  bool
	NextRoundNum          int64
	ActiveRoundID         string
	LastCompletedRoundID  string
	CompletedRounds       int64

	Scores          map[string]int64
	HumanScores     map[string]int64
	HumanVoteTotals map[string]int64

	EnabledModelIDs []string

	RunnerLeaseID    string
	RunnerLeaseUntil time.Time

	// FiniteRuns / TotalRounds implement the "runsMode" knob from §9's
	// Open Questions. Default is infinite, where Done is never set; with
	// FiniteRuns, FinalizeRound sets Done once CompletedRounds reaches
	// TotalRounds. Reset clears Done.
	FiniteRuns bool
	TotalRounds int64

	// Scheduler bookkeeping fields. BootstrapRunID/BootstrapStartedAt back
	// ClaimBootstrapRun; ReaperNextRunAt and PlatformPollNextRunAt are not
	// read or written anywhere (the reaper schedules itself in process).
	ReaperNextRunAt            time.Time
	PlatformPollNextRunAt      time.Time
	BootstrapRunID             string
	BootstrapStartedAt         time.Time

	// Version is the optimistic-concurrency token for this row.
	Version int64
}

// LlmUsageEvent is an append-only accounting row.
type LlmUsageEvent struct {
	Generation   int64
	ModelID      string
	MetricsEpoch int64
	RequestType  RequestType
	StartedAt    time.Time
	FinishedAt   time.Time
	CostUSD      float64
	PromptTokens int
	CompletionTokens int
	ReasoningTokens  int
	DurationMS       int64
	DurationSource   string
	Origin           string // "runtime" | "bootstrap"
}

// LiveReasoningProgress tracks a single streaming reasoning estimate.
type LiveReasoningProgress struct {
	RoundID                  string
	RequestType              RequestType
	AnswerIndex              *int // nil for prompt
	ModelID                  string
	EstimatedReasoningTokens int64
	Finalized                bool
	UpdatedAt                time.Time
}
