package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by standalone/dev
// runs that have no Postgres available. It guards everything behind a
// single mutex; the optimistic-concurrency contract is still honored so
// callers exercise the same retry paths as against Postgres.
type MemoryStore struct {
	mu sync.Mutex

	state *EngineState

	rounds     map[string]*Round
	roundOrder []string // insertion order, for purge pagination

	models map[string]Model

	usage []LlmUsageEvent

	reasoning map[string]*LiveReasoningProgress
}

// NewMemoryStore returns an empty store; GetOrCreateState lazily creates
// the ESS singleton on first touch, matching §3's lifecycle note.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:    make(map[string]*Round),
		models:    make(map[string]Model),
		reasoning: make(map[string]*LiveReasoningProgress),
	}
}

func cloneState(s *EngineState) *EngineState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Scores = cloneIntMap(s.Scores)
	cp.HumanScores = cloneIntMap(s.HumanScores)
	cp.HumanVoteTotals = cloneIntMap(s.HumanVoteTotals)
	cp.EnabledModelIDs = append([]string(nil), s.EnabledModelIDs...)
	return &cp
}

func cloneIntMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRound(r *Round) *Round {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Votes = append([]Vote(nil), r.Votes...)
	return &cp
}

func (s *MemoryStore) GetState(ctx context.Context) (*EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state), nil
}

func (s *MemoryStore) GetOrCreateState(ctx context.Context) (*EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil {
		return cloneState(s.state), nil
	}
	s.state = &EngineState{
		Generation:   1,
		NextRoundNum: 1,
		Scores:          map[string]int64{},
		HumanScores:     map[string]int64{},
		HumanVoteTotals: map[string]int64{},
	}
	return cloneState(s.state), nil
}

func (s *MemoryStore) AcquireLeaseIfVacant(ctx context.Context, leaseID string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = &EngineState{Generation: 1, NextRoundNum: 1, Scores: map[string]int64{}, HumanScores: map[string]int64{}, HumanVoteTotals: map[string]int64{}}
	}
	if s.state.RunnerLeaseID != "" && s.state.RunnerLeaseUntil.After(now) {
		return false, nil
	}
	s.state.RunnerLeaseID = leaseID
	s.state.RunnerLeaseUntil = now.Add(ttl)
	s.state.Version++
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, leaseID string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.RunnerLeaseID != leaseID {
		return false, nil
	}
	s.state.RunnerLeaseUntil = now.Add(ttl)
	s.state.Version++
	return true, nil
}

func (s *MemoryStore) ValidateLease(ctx context.Context, leaseID string, expectedGeneration int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return false, nil
	}
	if s.state.Generation != expectedGeneration {
		return false, nil
	}
	if s.state.RunnerLeaseID != leaseID {
		return false, nil
	}
	return s.state.RunnerLeaseUntil.After(now), nil
}

func (s *MemoryStore) Pause(ctx context.Context) (*EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = &EngineState{Generation: 1, NextRoundNum: 1, Scores: map[string]int64{}, HumanScores: map[string]int64{}, HumanVoteTotals: map[string]int64{}}
	}
	s.state.IsPaused = true
	s.state.Version++
	return cloneState(s.state), nil
}

func (s *MemoryStore) Resume(ctx context.Context) (*EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = &EngineState{Generation: 1, NextRoundNum: 1, Scores: map[string]int64{}, HumanScores: map[string]int64{}, HumanVoteTotals: map[string]int64{}}
	}
	s.state.IsPaused = false
	s.state.Done = false
	s.state.Version++
	return cloneState(s.state), nil
}

func (s *MemoryStore) Reset(ctx context.Context) (*EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldGen := int64(0)
	if s.state != nil {
		oldGen = s.state.Generation
	}
	s.state = &EngineState{
		Generation:   oldGen + 1,
		IsPaused:     true,
		NextRoundNum: 1,
		Scores:          map[string]int64{},
		HumanScores:     map[string]int64{},
		HumanVoteTotals: map[string]int64{},
	}
	return cloneState(s.state), nil
}

func (s *MemoryStore) ListActiveModels(ctx context.Context) ([]Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Model
	for _, m := range s.models {
		if m.Active() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListModels(ctx context.Context) ([]Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) UpsertModel(ctx context.Context, m Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.ID] = m
	return nil
}

func (s *MemoryStore) DisownMissingActiveRound(ctx context.Context, expectedGeneration int64, roundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Generation != expectedGeneration {
		return ErrGenerationMismatch
	}
	s.state.ActiveRoundID = ""
	s.state.Version++
	return nil
}

func (s *MemoryStore) ClearDanglingActive(ctx context.Context, expectedGeneration int64, roundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Generation != expectedGeneration {
		return ErrGenerationMismatch
	}
	s.state.ActiveRoundID = ""
	s.state.LastCompletedRoundID = roundID
	s.state.Version++
	return nil
}

func (s *MemoryStore) ClaimBootstrapRun(ctx context.Context, runID string, now time.Time, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return false, ErrNotFound
	}
	if s.state.BootstrapRunID != "" && now.Sub(s.state.BootstrapStartedAt) < staleAfter {
		return false, nil
	}
	s.state.BootstrapRunID = runID
	s.state.BootstrapStartedAt = now
	return true, nil
}

func (s *MemoryStore) ReleaseBootstrapRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil && s.state.BootstrapRunID == runID {
		s.state.BootstrapRunID = ""
		s.state.BootstrapStartedAt = time.Time{}
	}
	return nil
}

func (s *MemoryStore) CreateRound(ctx context.Context, expectedGeneration int64, prompter Model, contestants [2]Model) (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Generation != expectedGeneration || s.state.Done {
		return nil, ErrGenerationMismatch
	}
	if s.state.ActiveRoundID != "" {
		if _, ok := s.rounds[s.state.ActiveRoundID]; ok {
			return nil, ErrActiveRoundExists
		}
	}
	now := time.Now()
	id := NewOpaqueID()
	r := &Round{
		Generation:  expectedGeneration,
		ID:          id,
		Num:         s.state.NextRoundNum,
		Phase:       PhasePrompting,
		Prompter:    prompter,
		PromptTask:  Task{Model: prompter, StartedAt: now},
		Contestants: contestants,
		AnswerTasks: [2]Task{{Model: contestants[0]}, {Model: contestants[1]}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.rounds[id] = r
	s.roundOrder = append(s.roundOrder, id)
	s.state.ActiveRoundID = id
	s.state.Version++
	return cloneRound(r), nil
}

func (s *MemoryStore) GetRound(ctx context.Context, roundID string) (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return nil, nil
	}
	return cloneRound(r), nil
}

func (s *MemoryStore) GetActiveRound(ctx context.Context) (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.ActiveRoundID == "" {
		return nil, nil
	}
	r, ok := s.rounds[s.state.ActiveRoundID]
	if !ok {
		return nil, nil
	}
	return cloneRound(r), nil
}

// withRound is the shared guard for every in-flight round mutation: it
// checks expectedGeneration against ESS and hands the caller the live
// round pointer to mutate under the lock.
func (s *MemoryStore) withRound(expectedGeneration int64, roundID string, fn func(r *Round) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Generation != expectedGeneration {
		return ErrGenerationMismatch
	}
	r, ok := s.rounds[roundID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now()
	r.Version++
	return nil
}

func (s *MemoryStore) SetPromptResult(ctx context.Context, expectedGeneration int64, roundID, prompt string, metrics *LlmCallMetrics) error {
	return s.withRound(expectedGeneration, roundID, func(r *Round) error {
		if r.Phase != PhasePrompting {
			return ErrGenerationMismatch
		}
		now := time.Now()
		r.Prompt = prompt
		r.PromptTask.FinishedAt = &now
		r.PromptTask.Result = prompt
		r.PromptTask.Metrics = metrics
		return nil
	})
}

func (s *MemoryStore) SetPromptError(ctx context.Context, expectedGeneration int64, roundID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Generation != expectedGeneration {
		return ErrGenerationMismatch
	}
	r, ok := s.rounds[roundID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	r.PromptTask.FinishedAt = &now
	r.PromptTask.Error = reason
	r.Phase = PhaseDone
	r.Skipped = true
	r.SkipType = SkipPromptError
	r.SkipReason = reason
	r.CompletedAt = &now
	r.UpdatedAt = now
	r.Version++
	s.state.ActiveRoundID = ""
	s.state.LastCompletedRoundID = roundID
	s.state.Version++
	return nil
}

func (s *MemoryStore) StartAnswering(ctx context.Context, expectedGeneration int64, roundID string) error {
	return s.withRound(expectedGeneration, roundID, func(r *Round) error {
		if r.Phase != PhasePrompting {
			return ErrGenerationMismatch
		}
		now := time.Now()
		r.Phase = PhaseAnswering
		r.AnswerTasks[0].StartedAt = now
		r.AnswerTasks[1].StartedAt = now
		return nil
	})
}

func (s *MemoryStore) SetAnswerResult(ctx context.Context, expectedGeneration int64, roundID string, answerIndex int, result, errMsg string, metrics *LlmCallMetrics) error {
	if answerIndex != 0 && answerIndex != 1 {
		return fmt.Errorf("answerIndex out of range: %d", answerIndex)
	}
	return s.withRound(expectedGeneration, roundID, func(r *Round) error {
		now := time.Now()
		r.AnswerTasks[answerIndex].FinishedAt = &now
		r.AnswerTasks[answerIndex].Result = result
		r.AnswerTasks[answerIndex].Error = errMsg
		r.AnswerTasks[answerIndex].Metrics = metrics
		return nil
	})
}

func (s *MemoryStore) MarkRoundSkipped(ctx context.Context, expectedGeneration int64, roundID string, skipType SkipType, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Generation != expectedGeneration {
		return ErrGenerationMismatch
	}
	r, ok := s.rounds[roundID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	r.Phase = PhaseDone
	r.Skipped = true
	r.SkipType = skipType
	r.SkipReason = reason
	r.CompletedAt = &now
	r.UpdatedAt = now
	r.Version++
	s.state.ActiveRoundID = ""
	s.state.LastCompletedRoundID = roundID
	s.state.Version++
	return nil
}

func (s *MemoryStore) StartVoting(ctx context.Context, expectedGeneration int64, roundID string, voters []Model, windowMS int64, mode string) error {
	return s.withRound(expectedGeneration, roundID, func(r *Round) error {
		if r.Phase != PhaseAnswering {
			return ErrGenerationMismatch
		}
		now := time.Now()
		r.Phase = PhaseVoting
		r.Votes = make([]Vote, len(voters))
		for i, v := range voters {
			r.Votes[i] = Vote{Voter: v, StartedAt: now}
		}
		ends := now.Add(time.Duration(windowMS) * time.Millisecond)
		r.ViewerVotingEndsAt = &ends
		r.ViewerVotingWindowMS = windowMS
		r.ViewerVotingMode = mode
		return nil
	})
}

func (s *MemoryStore) SetModelVote(ctx context.Context, expectedGeneration int64, roundID string, voteIndex int, side *Side, errMsg string) error {
	return s.withRound(expectedGeneration, roundID, func(r *Round) error {
		if voteIndex < 0 || voteIndex >= len(r.Votes) {
			return fmt.Errorf("voteIndex out of range: %d", voteIndex)
		}
		now := time.Now()
		r.Votes[voteIndex].FinishedAt = &now
		r.Votes[voteIndex].VotedForSide = side
		r.Votes[voteIndex].Error = errMsg
		return nil
	})
}

func (s *MemoryStore) ShortenVotingWindow(ctx context.Context, roundID string, newEndsAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return ErrNotFound
	}
	if r.Phase != PhaseVoting {
		return nil
	}
	// P5: window monotonicity -- never increase.
	if r.ViewerVotingEndsAt != nil && newEndsAt.After(*r.ViewerVotingEndsAt) {
		return nil
	}
	r.ViewerVotingEndsAt = &newEndsAt
	r.ViewerVotingMode = "active"
	r.UpdatedAt = time.Now()
	r.Version++
	return nil
}

func (s *MemoryStore) TimeoutUnfinishedVotes(ctx context.Context, roundID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return ErrNotFound
	}
	for i := range r.Votes {
		if r.Votes[i].FinishedAt == nil {
			t := now
			r.Votes[i].FinishedAt = &t
			r.Votes[i].Error = "timed out"
		}
	}
	r.UpdatedAt = now
	r.Version++
	return nil
}

func (s *MemoryStore) FinalizeRound(ctx context.Context, expectedGeneration int64, roundID string, viewerVotesA, viewerVotesB int64) (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.Generation != expectedGeneration {
		return nil, ErrGenerationMismatch
	}
	if s.state.ActiveRoundID != roundID {
		return nil, ErrGenerationMismatch
	}
	r, ok := s.rounds[roundID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Phase != PhaseVoting {
		return nil, ErrGenerationMismatch
	}

	var votesA, votesB int64
	for _, v := range r.Votes {
		if !v.Succeeded() {
			continue
		}
		switch *v.VotedForSide {
		case SideA:
			votesA++
		case SideB:
			votesB++
		}
	}

	now := time.Now()
	r.Phase = PhaseDone
	r.ScoreA = votesA * 100
	r.ScoreB = votesB * 100
	r.ViewerVotesA = viewerVotesA
	r.ViewerVotesB = viewerVotesB
	r.CompletedAt = &now
	r.UpdatedAt = now
	r.Version++

	if votesA > votesB {
		s.state.Scores[r.Contestants[0].Name]++
	} else if votesB > votesA {
		s.state.Scores[r.Contestants[1].Name]++
	}
	s.state.HumanVoteTotals[r.Contestants[0].Name] += viewerVotesA
	s.state.HumanVoteTotals[r.Contestants[1].Name] += viewerVotesB
	if viewerVotesA > viewerVotesB {
		s.state.HumanScores[r.Contestants[0].Name]++
	} else if viewerVotesB > viewerVotesA {
		s.state.HumanScores[r.Contestants[1].Name]++
	}

	s.state.ActiveRoundID = ""
	s.state.LastCompletedRoundID = roundID
	s.state.CompletedRounds++
	s.state.NextRoundNum++
	if s.state.FiniteRuns && s.state.CompletedRounds >= s.state.TotalRounds {
		s.state.Done = true
	}
	s.state.Version++

	return cloneRound(r), nil
}

func (s *MemoryStore) AppendUsageEvent(ctx context.Context, ev LlmUsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, ev)
	return nil
}

func (s *MemoryStore) CountUsageSamples(ctx context.Context, modelID string, metricsEpoch int64, generation int64, requestType RequestType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.usage {
		if ev.ModelID == modelID && ev.MetricsEpoch == metricsEpoch && ev.Generation == generation && ev.RequestType == requestType {
			n++
		}
	}
	return n, nil
}

func reasoningKey(roundID string, requestType RequestType, answerIndex *int) string {
	if answerIndex == nil {
		return fmt.Sprintf("%s|%s", roundID, requestType)
	}
	return fmt.Sprintf("%s|%s|%d", roundID, requestType, *answerIndex)
}

func (s *MemoryStore) UpsertLiveReasoningProgress(ctx context.Context, p LiveReasoningProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.EstimatedReasoningTokens < 0 {
		p.EstimatedReasoningTokens = 0
	}
	key := reasoningKey(p.RoundID, p.RequestType, p.AnswerIndex)
	existing, ok := s.reasoning[key]
	if ok && existing.Finalized {
		// A finalized row is not reopened by a late straggler update.
		return nil
	}
	p.UpdatedAt = time.Now()
	cp := p
	s.reasoning[key] = &cp
	return nil
}

func (s *MemoryStore) FinalizeLiveReasoningProgress(ctx context.Context, roundID string, requestType RequestType, answerIndex *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reasoningKey(roundID, requestType, answerIndex)
	existing, ok := s.reasoning[key]
	if !ok {
		existing = &LiveReasoningProgress{RoundID: roundID, RequestType: requestType, AnswerIndex: answerIndex}
		s.reasoning[key] = existing
	}
	existing.Finalized = true
	existing.UpdatedAt = time.Now()
	return nil
}

// PurgeGenerationBatch drains §4.4's reset cascade (scenario S7: Rounds,
// ViewerVotes, ViewerVoteTallies, LlmUsageEvents, LiveReasoningProgress, all
// scoped to the old generation). It purges Rounds/usage/reasoning itself and
// reports the purged round ids so the caller can cascade the same purge
// into the viewer-aggregate store, which owns ViewerVotes/Tallies.
func (s *MemoryStore) PurgeGenerationBatch(ctx context.Context, generation int64, limit int) (int, []string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	var purgedRoundIDs []string
	remaining := s.roundOrder[:0:0]
	for _, id := range s.roundOrder {
		r, ok := s.rounds[id]
		if ok && r.Generation == generation && purged < limit {
			delete(s.rounds, id)
			purgedRoundIDs = append(purgedRoundIDs, id)
			for key := range s.reasoning {
				if strings.HasPrefix(key, id+"|") {
					delete(s.reasoning, key)
				}
			}
			purged++
			continue
		}
		remaining = append(remaining, id)
	}
	s.roundOrder = remaining

	if purged < limit {
		// Rounds for this generation are drained; also sweep usage rows
		// scoped to it in the same batch.
		keptUsage := s.usage[:0:0]
		for _, ev := range s.usage {
			if ev.Generation == generation && purged < limit {
				purged++
				continue
			}
			keptUsage = append(keptUsage, ev)
		}
		s.usage = keptUsage
	}

	exhausted := true
	for _, id := range s.roundOrder {
		if s.rounds[id].Generation == generation {
			exhausted = false
			break
		}
	}
	if exhausted {
		for _, ev := range s.usage {
			if ev.Generation == generation {
				exhausted = false
				break
			}
		}
	}
	return purged, purgedRoundIDs, exhausted, nil
}
