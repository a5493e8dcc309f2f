package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against a PostgreSQL backend. The ESS
// singleton lives in a one-row `engine_state` table; Round phases and
// their embedded tasks/votes live in `rounds`, with the task/vote value
// types kept as JSONB columns rather than normalized out, matching how
// often a single round's internal shape is read/written as a unit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool sized for the same concurrent
// optimistic-lock contention profile the teacher tunes for.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Schema creates the tables this store expects. Callers run it once at
// startup against a fresh database; it is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS engine_state (
	id SMALLINT PRIMARY KEY DEFAULT 1,
	generation BIGINT NOT NULL DEFAULT 1,
	is_paused BOOLEAN NOT NULL DEFAULT false,
	done BOOLEAN NOT NULL DEFAULT false,
	next_round_num BIGINT NOT NULL DEFAULT 1,
	active_round_id TEXT NOT NULL DEFAULT '',
	last_completed_round_id TEXT NOT NULL DEFAULT '',
	completed_rounds BIGINT NOT NULL DEFAULT 0,
	scores JSONB NOT NULL DEFAULT '{}',
	human_scores JSONB NOT NULL DEFAULT '{}',
	human_vote_totals JSONB NOT NULL DEFAULT '{}',
	enabled_model_ids JSONB NOT NULL DEFAULT '[]',
	runner_lease_id TEXT NOT NULL DEFAULT '',
	runner_lease_until TIMESTAMPTZ,
	finite_runs BOOLEAN NOT NULL DEFAULT false,
	total_rounds BIGINT NOT NULL DEFAULT 0,
	reaper_next_run_at TIMESTAMPTZ,
	platform_poll_next_run_at TIMESTAMPTZ,
	bootstrap_run_id TEXT NOT NULL DEFAULT '',
	bootstrap_started_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,
	CHECK (id = 1)
);

CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	color TEXT NOT NULL DEFAULT '',
	logo_id TEXT NOT NULL DEFAULT '',
	reasoning_effort TEXT NOT NULL DEFAULT '',
	metrics_epoch BIGINT NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT true,
	archived_at TIMESTAMPTZ,
	can_prompt BOOLEAN NOT NULL DEFAULT true,
	can_answer BOOLEAN NOT NULL DEFAULT true,
	can_vote BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS rounds (
	id TEXT PRIMARY KEY,
	generation BIGINT NOT NULL,
	num BIGINT NOT NULL,
	phase TEXT NOT NULL,
	prompter JSONB NOT NULL,
	prompt_task JSONB NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	contestants JSONB NOT NULL,
	answer_tasks JSONB NOT NULL,
	votes JSONB NOT NULL DEFAULT '[]',
	skipped BOOLEAN NOT NULL DEFAULT false,
	skip_reason TEXT NOT NULL DEFAULT '',
	skip_type TEXT NOT NULL DEFAULT '',
	score_a BIGINT NOT NULL DEFAULT 0,
	score_b BIGINT NOT NULL DEFAULT 0,
	viewer_votes_a BIGINT NOT NULL DEFAULT 0,
	viewer_votes_b BIGINT NOT NULL DEFAULT 0,
	viewer_voting_ends_at TIMESTAMPTZ,
	viewer_voting_window_ms BIGINT NOT NULL DEFAULT 0,
	viewer_voting_mode TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS rounds_gen_num_idx ON rounds (generation, num);
CREATE INDEX IF NOT EXISTS rounds_gen_phase_idx ON rounds (generation, phase);

CREATE TABLE IF NOT EXISTS llm_usage_events (
	id BIGSERIAL PRIMARY KEY,
	generation BIGINT NOT NULL,
	model_id TEXT NOT NULL,
	metrics_epoch BIGINT NOT NULL,
	request_type TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	prompt_tokens INT NOT NULL DEFAULT 0,
	completion_tokens INT NOT NULL DEFAULT 0,
	reasoning_tokens INT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	duration_source TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL DEFAULT 'runtime'
);
CREATE INDEX IF NOT EXISTS usage_window_idx ON llm_usage_events (model_id, metrics_epoch, request_type, finished_at);

CREATE TABLE IF NOT EXISTS live_reasoning_progress (
	round_id TEXT NOT NULL,
	request_type TEXT NOT NULL,
	answer_index INT NOT NULL DEFAULT -1,
	model_id TEXT NOT NULL DEFAULT '',
	estimated_reasoning_tokens BIGINT NOT NULL DEFAULT 0,
	finalized BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (round_id, request_type, answer_index)
);
`

func (s *PostgresStore) GetState(ctx context.Context) (*EngineState, error) {
	return s.scanState(ctx, s.pool.QueryRow(ctx, stateSelectSQL))
}

const stateSelectSQL = `
SELECT generation, is_paused, done, next_round_num, active_round_id,
       last_completed_round_id, completed_rounds, scores, human_scores,
       human_vote_totals, enabled_model_ids, runner_lease_id,
       runner_lease_until, finite_runs, total_rounds, version
FROM engine_state WHERE id = 1
`

func (s *PostgresStore) scanState(ctx context.Context, row pgx.Row) (*EngineState, error) {
	var st EngineState
	var scoresJSON, humanScoresJSON, humanVoteTotalsJSON, modelIDsJSON []byte
	var leaseUntil *time.Time
	err := row.Scan(&st.Generation, &st.IsPaused, &st.Done, &st.NextRoundNum, &st.ActiveRoundID,
		&st.LastCompletedRoundID, &st.CompletedRounds, &scoresJSON, &humanScoresJSON,
		&humanVoteTotalsJSON, &modelIDsJSON, &st.RunnerLeaseID, &leaseUntil,
		&st.FiniteRuns, &st.TotalRounds, &st.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(scoresJSON, &st.Scores)
	_ = json.Unmarshal(humanScoresJSON, &st.HumanScores)
	_ = json.Unmarshal(humanVoteTotalsJSON, &st.HumanVoteTotals)
	_ = json.Unmarshal(modelIDsJSON, &st.EnabledModelIDs)
	if leaseUntil != nil {
		st.RunnerLeaseUntil = *leaseUntil
	}
	return &st, nil
}

func (s *PostgresStore) GetOrCreateState(ctx context.Context) (*EngineState, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO engine_state (id) VALUES (1)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return nil, err
	}
	return s.GetState(ctx)
}

func (s *PostgresStore) AcquireLeaseIfVacant(ctx context.Context, leaseID string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE engine_state
		SET runner_lease_id = $1, runner_lease_until = $2, version = version + 1
		WHERE id = 1 AND (runner_lease_id = '' OR runner_lease_until <= $3)
	`, leaseID, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, leaseID string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE engine_state
		SET runner_lease_until = $1, version = version + 1
		WHERE id = 1 AND runner_lease_id = $2
	`, now.Add(ttl), leaseID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ValidateLease(ctx context.Context, leaseID string, expectedGeneration int64, now time.Time) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT (generation = $1 AND runner_lease_id = $2 AND runner_lease_until > $3)
		FROM engine_state WHERE id = 1
	`, expectedGeneration, leaseID, now).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return ok, err
}

func (s *PostgresStore) Pause(ctx context.Context) (*EngineState, error) {
	_, err := s.pool.Exec(ctx, `UPDATE engine_state SET is_paused = true, version = version + 1 WHERE id = 1`)
	if err != nil {
		return nil, err
	}
	return s.GetState(ctx)
}

func (s *PostgresStore) Resume(ctx context.Context) (*EngineState, error) {
	_, err := s.pool.Exec(ctx, `UPDATE engine_state SET is_paused = false, done = false, version = version + 1 WHERE id = 1`)
	if err != nil {
		return nil, err
	}
	return s.GetState(ctx)
}

func (s *PostgresStore) Reset(ctx context.Context) (*EngineState, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE engine_state SET
			generation = generation + 1,
			is_paused = true,
			done = false,
			active_round_id = '',
			last_completed_round_id = '',
			completed_rounds = 0,
			next_round_num = 1,
			scores = '{}', human_scores = '{}', human_vote_totals = '{}',
			runner_lease_id = '', runner_lease_until = NULL,
			version = version + 1
		WHERE id = 1
	`)
	if err != nil {
		return nil, err
	}
	return s.GetState(ctx)
}

func (s *PostgresStore) ListActiveModels(ctx context.Context) ([]Model, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, color, logo_id, reasoning_effort, metrics_epoch, enabled, archived_at, can_prompt, can_answer, can_vote
		FROM models WHERE enabled = true AND archived_at IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanModels(rows)
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, color, logo_id, reasoning_effort, metrics_epoch, enabled, archived_at, can_prompt, can_answer, can_vote
		FROM models
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanModels(rows)
}

func scanModels(rows pgx.Rows) ([]Model, error) {
	var out []Model
	for rows.Next() {
		var m Model
		var effort string
		if err := rows.Scan(&m.ID, &m.Name, &m.Color, &m.LogoID, &effort, &m.MetricsEpoch,
			&m.Enabled, &m.ArchivedAt, &m.CanPrompt, &m.CanAnswer, &m.CanVote); err != nil {
			return nil, err
		}
		m.ReasoningEffort = ReasoningEffort(effort)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertModel(ctx context.Context, m Model) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO models (id, name, color, logo_id, reasoning_effort, metrics_epoch, enabled, archived_at, can_prompt, can_answer, can_vote)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, color = EXCLUDED.color, logo_id = EXCLUDED.logo_id,
			reasoning_effort = EXCLUDED.reasoning_effort, metrics_epoch = EXCLUDED.metrics_epoch,
			enabled = EXCLUDED.enabled, archived_at = EXCLUDED.archived_at,
			can_prompt = EXCLUDED.can_prompt, can_answer = EXCLUDED.can_answer, can_vote = EXCLUDED.can_vote
	`, m.ID, m.Name, m.Color, m.LogoID, string(m.ReasoningEffort), m.MetricsEpoch, m.Enabled, m.ArchivedAt, m.CanPrompt, m.CanAnswer, m.CanVote)
	return err
}

func (s *PostgresStore) DisownMissingActiveRound(ctx context.Context, expectedGeneration int64, roundID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE engine_state SET active_round_id = '', version = version + 1
		WHERE id = 1 AND generation = $1
	`, expectedGeneration)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGenerationMismatch
	}
	return nil
}

func (s *PostgresStore) ClearDanglingActive(ctx context.Context, expectedGeneration int64, roundID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE engine_state SET active_round_id = '', last_completed_round_id = $1, version = version + 1
		WHERE id = 1 AND generation = $2
	`, roundID, expectedGeneration)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGenerationMismatch
	}
	return nil
}

func (s *PostgresStore) ClaimBootstrapRun(ctx context.Context, runID string, now time.Time, staleAfter time.Duration) (bool, error) {
	staleBefore := now.Add(-staleAfter)
	tag, err := s.pool.Exec(ctx, `
		UPDATE engine_state SET bootstrap_run_id = $1, bootstrap_started_at = $2
		WHERE id = 1 AND (bootstrap_run_id = '' OR bootstrap_started_at < $3)
	`, runID, now, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseBootstrapRun(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE engine_state SET bootstrap_run_id = '', bootstrap_started_at = NULL
		WHERE id = 1 AND bootstrap_run_id = $1
	`, runID)
	return err
}

func (s *PostgresStore) CreateRound(ctx context.Context, expectedGeneration int64, prompter Model, contestants [2]Model) (*Round, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var generation int64
	var done bool
	var activeID string
	err = tx.QueryRow(ctx, `SELECT generation, done, active_round_id FROM engine_state WHERE id = 1 FOR UPDATE`).
		Scan(&generation, &done, &activeID)
	if err != nil {
		return nil, err
	}
	if generation != expectedGeneration || done {
		return nil, ErrGenerationMismatch
	}
	if activeID != "" {
		return nil, ErrActiveRoundExists
	}

	id := NewOpaqueID()
	now := time.Now()
	promptTask := Task{Model: prompter, StartedAt: now}
	answerTasks := [2]Task{{Model: contestants[0]}, {Model: contestants[1]}}
	prompterJSON, _ := json.Marshal(prompter)
	promptTaskJSON, _ := json.Marshal(promptTask)
	contestantsJSON, _ := json.Marshal(contestants)
	answerTasksJSON, _ := json.Marshal(answerTasks)

	var num int64
	err = tx.QueryRow(ctx, `
		INSERT INTO rounds (id, generation, num, phase, prompter, prompt_task, contestants, answer_tasks, created_at, updated_at)
		SELECT $1, $2, next_round_num, 'prompting', $3, $4, $5, $6, $7, $7 FROM engine_state WHERE id = 1
		RETURNING num
	`, id, expectedGeneration, prompterJSON, promptTaskJSON, contestantsJSON, answerTasksJSON, now).Scan(&num)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE engine_state SET active_round_id = $1, next_round_num = next_round_num + 0, version = version + 1 WHERE id = 1
	`, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &Round{
		Generation: expectedGeneration, ID: id, Num: num, Phase: PhasePrompting,
		Prompter: prompter, PromptTask: promptTask, Contestants: contestants,
		AnswerTasks: answerTasks, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) GetRound(ctx context.Context, roundID string) (*Round, error) {
	return s.scanRound(ctx, s.pool.QueryRow(ctx, roundSelectSQL+` WHERE id = $1`, roundID))
}

func (s *PostgresStore) GetActiveRound(ctx context.Context) (*Round, error) {
	return s.scanRound(ctx, s.pool.QueryRow(ctx, roundSelectSQL+`
		WHERE id = (SELECT active_round_id FROM engine_state WHERE id = 1)
	`))
}

const roundSelectSQL = `
SELECT id, generation, num, phase, prompter, prompt_task, prompt, contestants, answer_tasks, votes,
       skipped, skip_reason, skip_type, score_a, score_b, viewer_votes_a, viewer_votes_b,
       viewer_voting_ends_at, viewer_voting_window_ms, viewer_voting_mode,
       created_at, updated_at, completed_at, version
FROM rounds
`

func (s *PostgresStore) scanRound(ctx context.Context, row pgx.Row) (*Round, error) {
	var r Round
	var prompterJSON, promptTaskJSON, contestantsJSON, answerTasksJSON, votesJSON []byte
	var skipType string
	var endsAt, completedAt *time.Time
	err := row.Scan(&r.ID, &r.Generation, &r.Num, &r.Phase, &prompterJSON, &promptTaskJSON, &r.Prompt,
		&contestantsJSON, &answerTasksJSON, &votesJSON, &r.Skipped, &r.SkipReason, &skipType,
		&r.ScoreA, &r.ScoreB, &r.ViewerVotesA, &r.ViewerVotesB, &endsAt, &r.ViewerVotingWindowMS,
		&r.ViewerVotingMode, &r.CreatedAt, &r.UpdatedAt, &completedAt, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.SkipType = SkipType(skipType)
	r.ViewerVotingEndsAt = endsAt
	r.CompletedAt = completedAt
	_ = json.Unmarshal(prompterJSON, &r.Prompter)
	_ = json.Unmarshal(promptTaskJSON, &r.PromptTask)
	_ = json.Unmarshal(contestantsJSON, &r.Contestants)
	_ = json.Unmarshal(answerTasksJSON, &r.AnswerTasks)
	_ = json.Unmarshal(votesJSON, &r.Votes)
	return &r, nil
}

func (s *PostgresStore) execGuarded(ctx context.Context, expectedGeneration int64, roundID string, sql string, args ...interface{}) error {
	fullArgs := append([]interface{}{roundID, expectedGeneration}, args...)
	tag, err := s.pool.Exec(ctx, sql, fullArgs...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGenerationMismatch
	}
	return nil
}

func (s *PostgresStore) SetPromptResult(ctx context.Context, expectedGeneration int64, roundID, prompt string, metrics *LlmCallMetrics) error {
	metricsJSON, _ := json.Marshal(metrics)
	return s.execGuarded(ctx, expectedGeneration, roundID, `
		UPDATE rounds SET prompt = $3, prompt_task = jsonb_set(jsonb_set(prompt_task, '{FinishedAt}', to_jsonb(now())), '{Metrics}', $4::jsonb),
			updated_at = now(), version = version + 1
		WHERE id = $1 AND generation = $2 AND phase = 'prompting'
	`, prompt, metricsJSON)
}

func (s *PostgresStore) SetPromptError(ctx context.Context, expectedGeneration int64, roundID, reason string) error {
	if err := s.execGuarded(ctx, expectedGeneration, roundID, `
		UPDATE rounds SET phase = 'done', skipped = true, skip_type = 'prompt_error', skip_reason = $3,
			completed_at = now(), updated_at = now(), version = version + 1
		WHERE id = $1 AND generation = $2
	`, reason); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE engine_state SET active_round_id = '', last_completed_round_id = $1, version = version + 1
		WHERE id = 1 AND generation = $2
	`, roundID, expectedGeneration)
	return err
}

func (s *PostgresStore) StartAnswering(ctx context.Context, expectedGeneration int64, roundID string) error {
	return s.execGuarded(ctx, expectedGeneration, roundID, `
		UPDATE rounds SET phase = 'answering',
			answer_tasks = jsonb_set(jsonb_set(answer_tasks, '{0,StartedAt}', to_jsonb(now())), '{1,StartedAt}', to_jsonb(now())),
			updated_at = now(), version = version + 1
		WHERE id = $1 AND generation = $2 AND phase = 'prompting'
	`)
}

func (s *PostgresStore) SetAnswerResult(ctx context.Context, expectedGeneration int64, roundID string, answerIndex int, result, errMsg string, metrics *LlmCallMetrics) error {
	if answerIndex != 0 && answerIndex != 1 {
		return fmt.Errorf("answerIndex out of range: %d", answerIndex)
	}
	path := fmt.Sprintf("{%d}", answerIndex)
	metricsJSON, _ := json.Marshal(metrics)
	return s.execGuarded(ctx, expectedGeneration, roundID, fmt.Sprintf(`
		UPDATE rounds SET answer_tasks = jsonb_set(answer_tasks, '%s', (answer_tasks->%d) || jsonb_build_object(
			'FinishedAt', now(), 'Result', $3::text, 'Error', $4::text, 'Metrics', $5::jsonb)),
			updated_at = now(), version = version + 1
		WHERE id = $1 AND generation = $2
	`, path, answerIndex), result, errMsg, metricsJSON)
}

func (s *PostgresStore) MarkRoundSkipped(ctx context.Context, expectedGeneration int64, roundID string, skipType SkipType, reason string) error {
	if err := s.execGuarded(ctx, expectedGeneration, roundID, `
		UPDATE rounds SET phase = 'done', skipped = true, skip_type = $3, skip_reason = $4,
			completed_at = now(), updated_at = now(), version = version + 1
		WHERE id = $1 AND generation = $2
	`, string(skipType), reason); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE engine_state SET active_round_id = '', last_completed_round_id = $1, version = version + 1
		WHERE id = 1 AND generation = $2
	`, roundID, expectedGeneration)
	return err
}

func (s *PostgresStore) StartVoting(ctx context.Context, expectedGeneration int64, roundID string, voters []Model, windowMS int64, mode string) error {
	votes := make([]Vote, len(voters))
	now := time.Now()
	for i, v := range voters {
		votes[i] = Vote{Voter: v, StartedAt: now}
	}
	votesJSON, _ := json.Marshal(votes)
	endsAt := now.Add(time.Duration(windowMS) * time.Millisecond)
	return s.execGuarded(ctx, expectedGeneration, roundID, `
		UPDATE rounds SET phase = 'voting', votes = $3::jsonb, viewer_voting_ends_at = $4,
			viewer_voting_window_ms = $5, viewer_voting_mode = $6, updated_at = now(), version = version + 1
		WHERE id = $1 AND generation = $2 AND phase = 'answering'
	`, votesJSON, endsAt, windowMS, mode)
}

func (s *PostgresStore) SetModelVote(ctx context.Context, expectedGeneration int64, roundID string, voteIndex int, side *Side, errMsg string) error {
	path := fmt.Sprintf("{%d}", voteIndex)
	var sideStr interface{}
	if side != nil {
		sideStr = string(*side)
	}
	sideJSON, _ := json.Marshal(sideStr)
	return s.execGuarded(ctx, expectedGeneration, roundID, fmt.Sprintf(`
		UPDATE rounds SET votes = jsonb_set(votes, '%s', (votes->%d) || jsonb_build_object(
			'FinishedAt', now(), 'VotedForSide', %s::jsonb, 'Error', $3::text)),
			updated_at = now(), version = version + 1
		WHERE id = $1 AND generation = $2
	`, path, voteIndex, string(sideJSON)), errMsg)
}

func (s *PostgresStore) ShortenVotingWindow(ctx context.Context, roundID string, newEndsAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rounds SET viewer_voting_ends_at = $2, viewer_voting_mode = 'active', updated_at = now(), version = version + 1
		WHERE id = $1 AND phase = 'voting' AND (viewer_voting_ends_at IS NULL OR viewer_voting_ends_at > $2)
	`, roundID, newEndsAt)
	_ = tag
	return err
}

func (s *PostgresStore) TimeoutUnfinishedVotes(ctx context.Context, roundID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rounds SET votes = (
			SELECT jsonb_agg(
				CASE WHEN v->>'FinishedAt' IS NULL THEN v || jsonb_build_object('FinishedAt', to_jsonb($2::timestamptz), 'Error', 'timed out') ELSE v END
			) FROM jsonb_array_elements(votes) AS v
		), updated_at = now(), version = version + 1
		WHERE id = $1
	`, roundID, now)
	return err
}

func (s *PostgresStore) FinalizeRound(ctx context.Context, expectedGeneration int64, roundID string, viewerVotesA, viewerVotesB int64) (*Round, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	round, err := s.scanRound(ctx, tx.QueryRow(ctx, roundSelectSQL+` WHERE id = $1 FOR UPDATE`, roundID))
	if err != nil {
		return nil, err
	}
	if round == nil || round.Phase != PhaseVoting {
		return nil, ErrGenerationMismatch
	}

	var activeID string
	var generation int64
	if err := tx.QueryRow(ctx, `SELECT active_round_id, generation FROM engine_state WHERE id = 1 FOR UPDATE`).Scan(&activeID, &generation); err != nil {
		return nil, err
	}
	if activeID != roundID || generation != expectedGeneration {
		return nil, ErrGenerationMismatch
	}

	var votesA, votesB int64
	for _, v := range round.Votes {
		if !v.Succeeded() {
			continue
		}
		if *v.VotedForSide == SideA {
			votesA++
		} else {
			votesB++
		}
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE rounds SET phase = 'done', score_a = $2, score_b = $3, viewer_votes_a = $4, viewer_votes_b = $5,
			completed_at = $6, updated_at = $6, version = version + 1
		WHERE id = $1
	`, roundID, votesA*100, votesB*100, viewerVotesA, viewerVotesB, now); err != nil {
		return nil, err
	}

	scoreDelta := map[string]int64{}
	if votesA > votesB {
		scoreDelta[round.Contestants[0].Name] = 1
	} else if votesB > votesA {
		scoreDelta[round.Contestants[1].Name] = 1
	}
	humanDelta := map[string]int64{}
	if viewerVotesA > viewerVotesB {
		humanDelta[round.Contestants[0].Name] = 1
	} else if viewerVotesB > viewerVotesA {
		humanDelta[round.Contestants[1].Name] = 1
	}
	for name, d := range scoreDelta {
		if _, err := tx.Exec(ctx, `
			UPDATE engine_state SET scores = jsonb_set(scores, ARRAY[$1], to_jsonb(COALESCE((scores->>$1)::bigint,0) + $2)) WHERE id = 1
		`, name, d); err != nil {
			return nil, err
		}
	}
	for name, d := range humanDelta {
		if _, err := tx.Exec(ctx, `
			UPDATE engine_state SET human_scores = jsonb_set(human_scores, ARRAY[$1], to_jsonb(COALESCE((human_scores->>$1)::bigint,0) + $2)) WHERE id = 1
		`, name, d); err != nil {
			return nil, err
		}
	}
	for i, side := range []string{round.Contestants[0].Name, round.Contestants[1].Name} {
		votes := viewerVotesA
		if i == 1 {
			votes = viewerVotesB
		}
		if votes == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE engine_state SET human_vote_totals = jsonb_set(human_vote_totals, ARRAY[$1], to_jsonb(COALESCE((human_vote_totals->>$1)::bigint,0) + $2)) WHERE id = 1
		`, side, votes); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE engine_state SET active_round_id = '', last_completed_round_id = $1,
			completed_rounds = completed_rounds + 1, next_round_num = next_round_num + 1,
			done = (finite_runs AND completed_rounds + 1 >= total_rounds),
			version = version + 1
		WHERE id = 1
	`, roundID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	round.Phase = PhaseDone
	round.ScoreA = votesA * 100
	round.ScoreB = votesB * 100
	round.ViewerVotesA = viewerVotesA
	round.ViewerVotesB = viewerVotesB
	round.CompletedAt = &now
	return round, nil
}

func (s *PostgresStore) AppendUsageEvent(ctx context.Context, ev LlmUsageEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO llm_usage_events (generation, model_id, metrics_epoch, request_type, started_at, finished_at,
			cost_usd, prompt_tokens, completion_tokens, reasoning_tokens, duration_ms, duration_source, origin)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, ev.Generation, ev.ModelID, ev.MetricsEpoch, string(ev.RequestType), ev.StartedAt, ev.FinishedAt,
		ev.CostUSD, ev.PromptTokens, ev.CompletionTokens, ev.ReasoningTokens, ev.DurationMS, ev.DurationSource, ev.Origin)
	return err
}

func (s *PostgresStore) CountUsageSamples(ctx context.Context, modelID string, metricsEpoch int64, generation int64, requestType RequestType) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM llm_usage_events
		WHERE model_id = $1 AND metrics_epoch = $2 AND generation = $3 AND request_type = $4
	`, modelID, metricsEpoch, generation, string(requestType)).Scan(&n)
	return n, err
}

func (s *PostgresStore) UpsertLiveReasoningProgress(ctx context.Context, p LiveReasoningProgress) error {
	idx := -1
	if p.AnswerIndex != nil {
		idx = *p.AnswerIndex
	}
	if p.EstimatedReasoningTokens < 0 {
		p.EstimatedReasoningTokens = 0
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO live_reasoning_progress (round_id, request_type, answer_index, model_id, estimated_reasoning_tokens, finalized, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (round_id, request_type, answer_index) DO UPDATE SET
			estimated_reasoning_tokens = EXCLUDED.estimated_reasoning_tokens,
			finalized = EXCLUDED.finalized,
			updated_at = now()
		WHERE NOT live_reasoning_progress.finalized
	`, p.RoundID, string(p.RequestType), idx, p.ModelID, p.EstimatedReasoningTokens, p.Finalized)
	return err
}

func (s *PostgresStore) FinalizeLiveReasoningProgress(ctx context.Context, roundID string, requestType RequestType, answerIndex *int) error {
	idx := -1
	if answerIndex != nil {
		idx = *answerIndex
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO live_reasoning_progress (round_id, request_type, answer_index, finalized, updated_at)
		VALUES ($1,$2,$3,true,now())
		ON CONFLICT (round_id, request_type, answer_index) DO UPDATE SET finalized = true, updated_at = now()
	`, roundID, string(requestType), idx)
	return err
}

// PurgeGenerationBatch drains §4.4's reset cascade (scenario S7: Rounds,
// ViewerVotes, ViewerVoteTallies, LlmUsageEvents, LiveReasoningProgress).
// LiveReasoningProgress has no generation column of its own -- it's scoped
// by joining on the round ids this batch actually purged, deleted in the
// same statement as their owning rounds. ViewerVotes/ViewerVoteTallies live
// in the viewer-aggregate store, not here, so the caller cascades the purge
// into viewer.Aggregates.PurgeRound for each returned round id.
func (s *PostgresStore) PurgeGenerationBatch(ctx context.Context, generation int64, limit int) (int, []string, bool, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM rounds WHERE id IN (SELECT id FROM rounds WHERE generation = $1 LIMIT $2)
		RETURNING id
	`, generation, limit)
	if err != nil {
		return 0, nil, false, err
	}
	var purgedRoundIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, nil, false, err
		}
		purgedRoundIDs = append(purgedRoundIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, false, err
	}
	purged := len(purgedRoundIDs)

	if len(purgedRoundIDs) > 0 {
		if _, err := s.pool.Exec(ctx, `
			DELETE FROM live_reasoning_progress WHERE round_id = ANY($1)
		`, purgedRoundIDs); err != nil {
			return purged, purgedRoundIDs, false, err
		}
	}

	remaining := limit - purged
	if remaining > 0 {
		tag2, err := s.pool.Exec(ctx, `
			DELETE FROM llm_usage_events WHERE id IN (SELECT id FROM llm_usage_events WHERE generation = $1 LIMIT $2)
		`, generation, remaining)
		if err != nil {
			return purged, purgedRoundIDs, false, err
		}
		purged += int(tag2.RowsAffected())
	}

	var left int
	if err := s.pool.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM rounds WHERE generation = $1) + (SELECT count(*) FROM llm_usage_events WHERE generation = $1)
	`, generation).Scan(&left); err != nil {
		return purged, purgedRoundIDs, false, err
	}
	return purged, purgedRoundIDs, left == 0, nil
}
