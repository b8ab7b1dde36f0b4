// Package postgres implements loom.Store using PostgreSQL. JSON-shaped
// fields are stored in jsonb columns.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom"
)

// Store implements loom.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ loom.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			handles JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS automations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			trigger JSONB NOT NULL,
			steps JSONB NOT NULL,
			status TEXT NOT NULL,
			aux_state JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			automation_id TEXT,
			input JSONB,
			status TEXT NOT NULL,
			started_at BIGINT,
			finished_at BIGINT,
			steps JSONB,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			total_retries INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			context_snapshot JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS state_log (
			id BIGSERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			at_ms BIGINT NOT NULL,
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS step_logs (
			id BIGSERIAL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			tool_type TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			output JSONB,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS rss_poll_state (
			automation_id TEXT PRIMARY KEY,
			last_polled_at BIGINT NOT NULL,
			seen_ids JSONB NOT NULL,
			feed_url TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_tokens (
			user_id TEXT NOT NULL,
			service TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			token_type TEXT,
			expiry BIGINT,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, service)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_automation ON executions(automation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_state_log_execution ON state_log(execution_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_logs_execution ON step_logs(execution_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_automations_status ON automations(status)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is externally owned.
func (s *Store) Close() error { return nil }

// --- Automations ---

func (s *Store) CreateAutomation(ctx context.Context, a loom.Automation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO automations (id, user_id, name, description, trigger, steps, status, aux_state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.UserID, a.Name, a.Description,
		jsonb(a.Trigger), jsonb(a.Steps), string(a.Status), jsonb(a.AuxState),
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create automation: %w", err)
	}
	return nil
}

func (s *Store) GetAutomation(ctx context.Context, id string) (loom.Automation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, COALESCE(description, ''), trigger, steps, status,
			COALESCE(aux_state, 'null'::jsonb), created_at, updated_at
		 FROM automations WHERE id = $1`, id)
	return scanAutomation(row)
}

func (s *Store) ListAutomations(ctx context.Context, userID string) ([]loom.Automation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, COALESCE(description, ''), trigger, steps, status,
			COALESCE(aux_state, 'null'::jsonb), created_at, updated_at
		 FROM automations WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()
	return collectAutomations(rows)
}

func (s *Store) ListActiveAutomations(ctx context.Context) ([]loom.Automation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, COALESCE(description, ''), trigger, steps, status,
			COALESCE(aux_state, 'null'::jsonb), created_at, updated_at
		 FROM automations WHERE status = $1 ORDER BY created_at`, string(loom.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active automations: %w", err)
	}
	defer rows.Close()
	return collectAutomations(rows)
}

func (s *Store) UpdateAutomation(ctx context.Context, a loom.Automation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE automations SET name = $1, description = $2, trigger = $3, steps = $4,
			status = $5, aux_state = $6, updated_at = $7
		 WHERE id = $8`,
		a.Name, a.Description, jsonb(a.Trigger), jsonb(a.Steps),
		string(a.Status), jsonb(a.AuxState), loom.NowUnix(), a.ID)
	if err != nil {
		return fmt.Errorf("update automation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("automation %s: not found", a.ID)
	}
	return nil
}

func (s *Store) UpdateAutomationStatus(ctx context.Context, id string, status loom.AutomationStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE automations SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), loom.NowUnix(), id)
	if err != nil {
		return fmt.Errorf("update automation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("automation %s: not found", id)
	}
	return nil
}

func (s *Store) DeleteAutomation(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete automation: %w", err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		`DELETE FROM state_log WHERE execution_id IN (SELECT id FROM executions WHERE automation_id = $1)`,
		`DELETE FROM step_logs WHERE execution_id IN (SELECT id FROM executions WHERE automation_id = $1)`,
		`DELETE FROM executions WHERE automation_id = $1`,
		`DELETE FROM rss_poll_state WHERE automation_id = $1`,
		`DELETE FROM automations WHERE id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete automation: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// --- Executions ---

func (s *Store) CreateExecution(ctx context.Context, e loom.Execution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO executions (id, automation_id, input, status, started_at, finished_at, steps,
			duration_ms, total_retries, error, context_snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.AutomationID, jsonb(e.Input), string(e.Status),
		e.StartedAt, e.FinishedAt, jsonb(e.Steps),
		e.DurationMS, e.TotalRetries, e.Error, jsonb(e.ContextSnapshot), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (loom.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, automation_id, COALESCE(input, 'null'::jsonb), status,
			COALESCE(started_at, 0), COALESCE(finished_at, 0), COALESCE(steps, 'null'::jsonb),
			duration_ms, total_retries, COALESCE(error, ''), COALESCE(context_snapshot, 'null'::jsonb), created_at
		 FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *Store) ListExecutions(ctx context.Context, automationID string, limit int) ([]loom.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, automation_id, COALESCE(input, 'null'::jsonb), status,
			COALESCE(started_at, 0), COALESCE(finished_at, 0), COALESCE(steps, 'null'::jsonb),
			duration_ms, total_retries, COALESCE(error, ''), COALESCE(context_snapshot, 'null'::jsonb), created_at
		 FROM executions WHERE automation_id = $1 ORDER BY created_at DESC LIMIT $2`,
		automationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []loom.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateExecution(ctx context.Context, e loom.Execution) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET status = $1, started_at = $2, finished_at = $3, steps = $4,
			duration_ms = $5, total_retries = $6, error = $7, context_snapshot = $8
		 WHERE id = $9`,
		string(e.Status), e.StartedAt, e.FinishedAt, jsonb(e.Steps),
		e.DurationMS, e.TotalRetries, e.Error, jsonb(e.ContextSnapshot), e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: not found", e.ID)
	}
	return nil
}

// --- Execution sub-collections ---

func (s *Store) AppendStateTransition(ctx context.Context, executionID string, t loom.StateTransition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO state_log (execution_id, from_status, to_status, at_ms, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		executionID, string(t.From), string(t.To), t.AtMS, jsonb(t.Metadata))
	if err != nil {
		return fmt.Errorf("append state transition: %w", err)
	}
	return nil
}

func (s *Store) ListStateTransitions(ctx context.Context, executionID string) ([]loom.StateTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT from_status, to_status, at_ms, COALESCE(metadata, 'null'::jsonb)
		 FROM state_log WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list state transitions: %w", err)
	}
	defer rows.Close()

	var out []loom.StateTransition
	for rows.Next() {
		var (
			t        loom.StateTransition
			from, to string
			metadata []byte
		)
		if err := rows.Scan(&from, &to, &t.AtMS, &metadata); err != nil {
			return nil, fmt.Errorf("scan state transition: %w", err)
		}
		t.From = loom.ExecutionStatus(from)
		t.To = loom.ExecutionStatus(to)
		_ = json.Unmarshal(metadata, &t.Metadata)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AppendStepRecord(ctx context.Context, executionID string, r loom.StepRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO step_logs (execution_id, step_index, tool_type, duration_ms, retries, output, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		executionID, r.Index, r.Type, r.DurationMS, r.Retries, jsonb(r.Output), r.Error)
	if err != nil {
		return fmt.Errorf("append step record: %w", err)
	}
	return nil
}

func (s *Store) ListStepRecords(ctx context.Context, executionID string) ([]loom.StepRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT step_index, tool_type, duration_ms, retries, COALESCE(output, 'null'::jsonb), COALESCE(error, '')
		 FROM step_logs WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	defer rows.Close()

	var out []loom.StepRecord
	for rows.Next() {
		var (
			r      loom.StepRecord
			output []byte
		)
		if err := rows.Scan(&r.Index, &r.Type, &r.DurationMS, &r.Retries, &output, &r.Error); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		_ = json.Unmarshal(output, &r.Output)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Users ---

func (s *Store) GetUser(ctx context.Context, id string) (loom.User, error) {
	var (
		u       loom.User
		handles []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, COALESCE(handles, 'null'::jsonb) FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &handles)
	if err != nil {
		return loom.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	_ = json.Unmarshal(handles, &u.Handles)
	return u, nil
}

// PutUser inserts or updates a user record.
func (s *Store) PutUser(ctx context.Context, u loom.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, handles) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, handles = EXCLUDED.handles`,
		u.ID, u.Email, jsonb(u.Handles))
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// --- RSS poll state ---

func (s *Store) GetRSSPollState(ctx context.Context, automationID string) (loom.RSSPollState, bool, error) {
	var (
		st      loom.RSSPollState
		seenIDs []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT automation_id, last_polled_at, seen_ids, feed_url
		 FROM rss_poll_state WHERE automation_id = $1`, automationID).
		Scan(&st.AutomationID, &st.LastPolledAt, &seenIDs, &st.FeedURL)
	if err == pgx.ErrNoRows {
		return loom.RSSPollState{}, false, nil
	}
	if err != nil {
		return loom.RSSPollState{}, false, fmt.Errorf("get rss poll state: %w", err)
	}
	_ = json.Unmarshal(seenIDs, &st.SeenIDs)
	return st, true, nil
}

func (s *Store) PutRSSPollState(ctx context.Context, st loom.RSSPollState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rss_poll_state (automation_id, last_polled_at, seen_ids, feed_url)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (automation_id) DO UPDATE SET
			last_polled_at = EXCLUDED.last_polled_at,
			seen_ids = EXCLUDED.seen_ids,
			feed_url = EXCLUDED.feed_url`,
		st.AutomationID, st.LastPolledAt, jsonb(st.SeenIDs), st.FeedURL)
	if err != nil {
		return fmt.Errorf("put rss poll state: %w", err)
	}
	return nil
}

// --- User tokens ---

func (s *Store) GetUserToken(ctx context.Context, userID, service string) (loom.UserToken, bool, error) {
	var t loom.UserToken
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, service, access_token, COALESCE(refresh_token, ''),
			COALESCE(token_type, ''), COALESCE(expiry, 0), updated_at
		 FROM user_tokens WHERE user_id = $1 AND service = $2`, userID, service).
		Scan(&t.UserID, &t.Service, &t.AccessToken, &t.RefreshToken, &t.TokenType, &t.Expiry, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return loom.UserToken{}, false, nil
	}
	if err != nil {
		return loom.UserToken{}, false, fmt.Errorf("get user token: %w", err)
	}
	return t, true, nil
}

func (s *Store) PutUserToken(ctx context.Context, t loom.UserToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_tokens (user_id, service, access_token, refresh_token, token_type, expiry, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, service) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			updated_at = EXCLUDED.updated_at`,
		t.UserID, t.Service, t.AccessToken, t.RefreshToken, t.TokenType, t.Expiry, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put user token: %w", err)
	}
	return nil
}

func (s *Store) DeleteUserToken(ctx context.Context, userID, service string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_tokens WHERE user_id = $1 AND service = $2`, userID, service)
	if err != nil {
		return fmt.Errorf("delete user token: %w", err)
	}
	return nil
}

// --- Key-value config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row rowScanner) (loom.Automation, error) {
	var (
		a             loom.Automation
		trigger, steps, aux []byte
		status        string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &trigger, &steps, &status, &aux, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return loom.Automation{}, fmt.Errorf("scan automation: %w", err)
	}
	a.Status = loom.AutomationStatus(status)
	_ = json.Unmarshal(trigger, &a.Trigger)
	_ = json.Unmarshal(steps, &a.Steps)
	_ = json.Unmarshal(aux, &a.AuxState)
	return a, nil
}

func collectAutomations(rows pgx.Rows) ([]loom.Automation, error) {
	var out []loom.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (loom.Execution, error) {
	var (
		e                      loom.Execution
		input, steps, snapshot []byte
		status                 string
	)
	err := row.Scan(&e.ID, &e.AutomationID, &input, &status, &e.StartedAt, &e.FinishedAt,
		&steps, &e.DurationMS, &e.TotalRetries, &e.Error, &snapshot, &e.CreatedAt)
	if err != nil {
		return loom.Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	e.Status = loom.ExecutionStatus(status)
	_ = json.Unmarshal(input, &e.Input)
	_ = json.Unmarshal(steps, &e.Steps)
	_ = json.Unmarshal(snapshot, &e.ContextSnapshot)
	return e, nil
}

// jsonb serializes v for a jsonb column.
func jsonb(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return raw
}
