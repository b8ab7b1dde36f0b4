// Package sqlite implements loom.Store using pure-Go SQLite. Zero CGO
// required; JSON-shaped fields (triggers, steps, outputs, snapshots) are
// stored as serialized text columns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs when it opens, when Init completes (with elapsed time),
// and when an automation is created or deleted; other operations do not log.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a single
// shared connection pool with SetMaxOpenConns(1) so that all goroutines
// serialize through one connection, eliminating SQLITE_BUSY errors caused by
// concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			handles TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS automations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			trigger TEXT NOT NULL,
			steps TEXT NOT NULL,
			status TEXT NOT NULL,
			aux_state TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			automation_id TEXT,
			input TEXT,
			status TEXT NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			steps TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			total_retries INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			context_snapshot TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS state_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			at_ms INTEGER NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS step_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			tool_type TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS rss_poll_state (
			automation_id TEXT PRIMARY KEY,
			last_polled_at INTEGER NOT NULL,
			seen_ids TEXT NOT NULL,
			feed_url TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_tokens (
			user_id TEXT NOT NULL,
			service TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			token_type TEXT,
			expiry INTEGER,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, service)
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_executions_automation ON executions(automation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_state_log_execution ON state_log(execution_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_logs_execution ON step_logs(execution_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_automations_status ON automations(status)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	s.logger.Debug("sqlite: init complete", "elapsed", time.Since(start))
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Automations ---

func (s *Store) CreateAutomation(ctx context.Context, a loom.Automation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automations (id, user_id, name, description, trigger, steps, status, aux_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.Description,
		mustJSON(a.Trigger), mustJSON(a.Steps), string(a.Status), mustJSON(a.AuxState),
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create automation: %w", err)
	}
	s.logger.Debug("sqlite: automation created", "id", a.ID)
	return nil
}

func (s *Store) GetAutomation(ctx context.Context, id string) (loom.Automation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, description, trigger, steps, status, aux_state, created_at, updated_at
		 FROM automations WHERE id = ?`, id)
	return scanAutomation(row)
}

func (s *Store) ListAutomations(ctx context.Context, userID string) ([]loom.Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, description, trigger, steps, status, aux_state, created_at, updated_at
		 FROM automations WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()
	return collectAutomations(rows)
}

func (s *Store) ListActiveAutomations(ctx context.Context) ([]loom.Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, description, trigger, steps, status, aux_state, created_at, updated_at
		 FROM automations WHERE status = ? ORDER BY created_at`, string(loom.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active automations: %w", err)
	}
	defer rows.Close()
	return collectAutomations(rows)
}

func (s *Store) UpdateAutomation(ctx context.Context, a loom.Automation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automations SET name = ?, description = ?, trigger = ?, steps = ?, status = ?, aux_state = ?, updated_at = ?
		 WHERE id = ?`,
		a.Name, a.Description, mustJSON(a.Trigger), mustJSON(a.Steps),
		string(a.Status), mustJSON(a.AuxState), loom.NowUnix(), a.ID)
	if err != nil {
		return fmt.Errorf("update automation: %w", err)
	}
	return requireRow(res, "automation "+a.ID)
}

func (s *Store) UpdateAutomationStatus(ctx context.Context, id string, status loom.AutomationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), loom.NowUnix(), id)
	if err != nil {
		return fmt.Errorf("update automation status: %w", err)
	}
	return requireRow(res, "automation "+id)
}

// DeleteAutomation removes the automation and everything it owns:
// executions, their state and step logs, and RSS poll state.
func (s *Store) DeleteAutomation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete automation: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM state_log WHERE execution_id IN (SELECT id FROM executions WHERE automation_id = ?)`,
		`DELETE FROM step_logs WHERE execution_id IN (SELECT id FROM executions WHERE automation_id = ?)`,
		`DELETE FROM executions WHERE automation_id = ?`,
		`DELETE FROM rss_poll_state WHERE automation_id = ?`,
		`DELETE FROM automations WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete automation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete automation: %w", err)
	}
	s.logger.Debug("sqlite: automation deleted", "id", id)
	return nil
}

// --- Executions ---

func (s *Store) CreateExecution(ctx context.Context, e loom.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, automation_id, input, status, started_at, finished_at, steps,
			duration_ms, total_retries, error, context_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AutomationID, mustJSON(e.Input), string(e.Status),
		e.StartedAt, e.FinishedAt, mustJSON(e.Steps),
		e.DurationMS, e.TotalRetries, e.Error, mustJSON(e.ContextSnapshot), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (loom.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, automation_id, input, status, started_at, finished_at, steps,
			duration_ms, total_retries, error, context_snapshot, created_at
		 FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *Store) ListExecutions(ctx context.Context, automationID string, limit int) ([]loom.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, automation_id, input, status, started_at, finished_at, steps,
			duration_ms, total_retries, error, context_snapshot, created_at
		 FROM executions WHERE automation_id = ? ORDER BY created_at DESC LIMIT ?`,
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, started_at = ?, finished_at = ?, steps = ?,
			duration_ms = ?, total_retries = ?, error = ?, context_snapshot = ?
		 WHERE id = ?`,
		string(e.Status), e.StartedAt, e.FinishedAt, mustJSON(e.Steps),
		e.DurationMS, e.TotalRetries, e.Error, mustJSON(e.ContextSnapshot), e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return requireRow(res, "execution "+e.ID)
}

// --- Execution sub-collections ---

func (s *Store) AppendStateTransition(ctx context.Context, executionID string, t loom.StateTransition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_log (execution_id, from_status, to_status, at_ms, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		executionID, string(t.From), string(t.To), t.AtMS, mustJSON(t.Metadata))
	if err != nil {
		return fmt.Errorf("append state transition: %w", err)
	}
	return nil
}

func (s *Store) ListStateTransitions(ctx context.Context, executionID string) ([]loom.StateTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_status, to_status, at_ms, metadata
		 FROM state_log WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list state transitions: %w", err)
	}
	defer rows.Close()

	var out []loom.StateTransition
	for rows.Next() {
		var (
			t        loom.StateTransition
			from, to string
			metadata sql.NullString
		)
		if err := rows.Scan(&from, &to, &t.AtMS, &metadata); err != nil {
			return nil, fmt.Errorf("scan state transition: %w", err)
		}
		t.From = loom.ExecutionStatus(from)
		t.To = loom.ExecutionStatus(to)
		fromJSON(metadata.String, &t.Metadata)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AppendStepRecord(ctx context.Context, executionID string, r loom.StepRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_logs (execution_id, step_index, tool_type, duration_ms, retries, output, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		executionID, r.Index, r.Type, r.DurationMS, r.Retries, mustJSON(r.Output), r.Error)
	if err != nil {
		return fmt.Errorf("append step record: %w", err)
	}
	return nil
}

func (s *Store) ListStepRecords(ctx context.Context, executionID string) ([]loom.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, tool_type, duration_ms, retries, output, error
		 FROM step_logs WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	defer rows.Close()

	var out []loom.StepRecord
	for rows.Next() {
		var (
			r      loom.StepRecord
			output sql.NullString
			errMsg sql.NullString
		)
		if err := rows.Scan(&r.Index, &r.Type, &r.DurationMS, &r.Retries, &output, &errMsg); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		fromJSON(output.String, &r.Output)
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Users ---

func (s *Store) GetUser(ctx context.Context, id string) (loom.User, error) {
	var (
		u       loom.User
		handles sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, handles FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &handles)
	if err != nil {
		return loom.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	fromJSON(handles.String, &u.Handles)
	return u, nil
}

// PutUser inserts or updates a user record. The control plane owns user
// lifecycle; this exists so deployments and tests can provision owners.
func (s *Store) PutUser(ctx context.Context, u loom.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, handles) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email, handles = excluded.handles`,
		u.ID, u.Email, mustJSON(u.Handles))
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// --- RSS poll state ---

func (s *Store) GetRSSPollState(ctx context.Context, automationID string) (loom.RSSPollState, bool, error) {
	var (
		st      loom.RSSPollState
		seenIDs string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT automation_id, last_polled_at, seen_ids, feed_url
		 FROM rss_poll_state WHERE automation_id = ?`, automationID).
		Scan(&st.AutomationID, &st.LastPolledAt, &seenIDs, &st.FeedURL)
	if err == sql.ErrNoRows {
		return loom.RSSPollState{}, false, nil
	}
	if err != nil {
		return loom.RSSPollState{}, false, fmt.Errorf("get rss poll state: %w", err)
	}
	fromJSON(seenIDs, &st.SeenIDs)
	return st, true, nil
}

func (s *Store) PutRSSPollState(ctx context.Context, st loom.RSSPollState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rss_poll_state (automation_id, last_polled_at, seen_ids, feed_url)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(automation_id) DO UPDATE SET
			last_polled_at = excluded.last_polled_at,
			seen_ids = excluded.seen_ids,
			feed_url = excluded.feed_url`,
		st.AutomationID, st.LastPolledAt, mustJSON(st.SeenIDs), st.FeedURL)
	if err != nil {
		return fmt.Errorf("put rss poll state: %w", err)
	}
	return nil
}

// --- User tokens ---

func (s *Store) GetUserToken(ctx context.Context, userID, service string) (loom.UserToken, bool, error) {
	var (
		t            loom.UserToken
		refresh      sql.NullString
		tokenType    sql.NullString
		expiry       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, service, access_token, refresh_token, token_type, expiry, updated_at
		 FROM user_tokens WHERE user_id = ? AND service = ?`, userID, service).
		Scan(&t.UserID, &t.Service, &t.AccessToken, &refresh, &tokenType, &expiry, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return loom.UserToken{}, false, nil
	}
	if err != nil {
		return loom.UserToken{}, false, fmt.Errorf("get user token: %w", err)
	}
	t.RefreshToken = refresh.String
	t.TokenType = tokenType.String
	t.Expiry = expiry.Int64
	return t, true, nil
}

func (s *Store) PutUserToken(ctx context.Context, t loom.UserToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_tokens (user_id, service, access_token, refresh_token, token_type, expiry, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, service) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at`,
		t.UserID, t.Service, t.AccessToken, t.RefreshToken, t.TokenType, t.Expiry, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put user token: %w", err)
	}
	return nil
}

func (s *Store) DeleteUserToken(ctx context.Context, userID, service string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_tokens WHERE user_id = ? AND service = ?`, userID, service)
	if err != nil {
		return fmt.Errorf("delete user token: %w", err)
	}
	return nil
}

// --- Key-value config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
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
		a                    loom.Automation
		desc                 sql.NullString
		trigger, steps, aux  sql.NullString
		status               string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &desc, &trigger, &steps, &status, &aux, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return loom.Automation{}, fmt.Errorf("scan automation: %w", err)
	}
	a.Description = desc.String
	a.Status = loom.AutomationStatus(status)
	fromJSON(trigger.String, &a.Trigger)
	fromJSON(steps.String, &a.Steps)
	fromJSON(aux.String, &a.AuxState)
	return a, nil
}

func collectAutomations(rows *sql.Rows) ([]loom.Automation, error) {
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
		input, steps, snapshot sql.NullString
		errMsg                 sql.NullString
		status                 string
	)
	err := row.Scan(&e.ID, &e.AutomationID, &input, &status, &e.StartedAt, &e.FinishedAt,
		&steps, &e.DurationMS, &e.TotalRetries, &errMsg, &snapshot, &e.CreatedAt)
	if err != nil {
		return loom.Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	e.Status = loom.ExecutionStatus(status)
	e.Error = errMsg.String
	fromJSON(input.String, &e.Input)
	fromJSON(steps.String, &e.Steps)
	fromJSON(snapshot.String, &e.ContextSnapshot)
	return e, nil
}

// mustJSON serializes v for a text column. A nil map[string]any,
// map[string]string or []string stores as NULL; other nil values store as
// the JSON text null.
func mustJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil
		}
	case map[string]string:
		if t == nil {
			return nil
		}
	case []string:
		if t == nil {
			return nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// fromJSON deserializes a text column into dest, ignoring empty and
// malformed values (old rows survive schema evolution).
func fromJSON[T any](raw string, dest *T) {
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), dest)
}

// requireRow converts a zero-row update into an error.
func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: not found", what)
	}
	return nil
}
