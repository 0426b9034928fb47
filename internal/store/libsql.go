package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Plans ---

func (s *LibSQLStore) StorePlan(ctx context.Context, plan *PlanRecord) error {
	def, err := json.Marshal(plan.Definition)
	if err != nil {
		return fmt.Errorf("marshal plan definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (name, description, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   description=excluded.description, definition=excluded.definition,
		   updated_at=CURRENT_TIMESTAMP`,
		plan.Name, nullStr(plan.Description), string(def),
		timeOrNow(plan.CreatedAt), timeOrNow(plan.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPlan(ctx context.Context, name string) (*PlanRecord, error) {
	p := &PlanRecord{}
	var desc sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, description, definition, created_at, updated_at FROM plans WHERE name = ?`, name,
	).Scan(&p.Name, &desc, &defJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plan", name)
	}
	if err != nil {
		return nil, err
	}
	p.Description = desc.String
	if err := json.Unmarshal([]byte(defJSON), &p.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal plan definition: %w", err)
	}
	return p, nil
}

func (s *LibSQLStore) ListPlans(ctx context.Context, filter PlanFilter) ([]*PlanRecord, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT name, description, definition, created_at, updated_at FROM plans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*PlanRecord
	for rows.Next() {
		p := &PlanRecord{}
		var desc sql.NullString
		var defJSON string
		if err := rows.Scan(&p.Name, &desc, &defJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		if err := json.Unmarshal([]byte(defJSON), &p.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal plan definition: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *LibSQLStore) DeletePlan(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "plan", name)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	params, err := marshalMapOrDefault(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan_name, definition, status, params, context, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.PlanName), string(def), string(run.Status),
		string(params), nullRaw(run.Context), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_name, definition, status, params, context, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.PlanName != "" {
		where = append(where, "plan_name = ?")
		args = append(args, filter.PlanName)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, plan_name, definition, status, params, context, error, created_at, started_at, completed_at, updated_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_state WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "run", id); err != nil {
		return err
	}
	return tx.Commit()
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	run := &Run{}
	var (
		planName               sql.NullString
		defJSON, paramsJSON    string
		contextJSON, errorJSON sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := scan(&run.ID, &planName, &defJSON, &status, &paramsJSON, &contextJSON, &errorJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.PlanName = planName.String
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &run.Params)
	}
	run.Context = rawOrNil(contextJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, step_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Step State ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_state (run_id, step_id, status, input, output, error, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_id) DO UPDATE SET
		   status=excluded.status,
		   input=COALESCE(excluded.input, step_state.input),
		   output=excluded.output, error=excluded.error,
		   retry_count=excluded.retry_count, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		state.RunID, state.StepID, string(state.Status),
		nullRaw(state.Input), nullRaw(state.Output), nullRaw(state.Error),
		state.RetryCount, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStepState(ctx context.Context, runID, stepID string) (*StepState, error) {
	ss := &StepState{}
	var status string
	var input, output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, step_id, status, input, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM step_state WHERE run_id = ? AND step_id = ?`, runID, stepID,
	).Scan(&ss.RunID, &ss.StepID, &status, &input, &output, &errJSON,
		&ss.RetryCount, &startedAt, &completedAt, &ss.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_state", runID+"/"+stepID)
	}
	if err != nil {
		return nil, err
	}
	ss.Status = schema.StepStatus(status)
	ss.Input = rawOrNil(input)
	ss.Output = rawOrNil(output)
	ss.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		ss.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ss.CompletedAt = &completedAt.Time
	}
	return ss, nil
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, runID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_id, status, input, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM step_state WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss := &StepState{}
		var status string
		var input, output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ss.RunID, &ss.StepID, &status, &input, &output, &errJSON,
			&ss.RetryCount, &startedAt, &completedAt, &ss.DurationMs); err != nil {
			return nil, err
		}
		ss.Status = schema.StepStatus(status)
		ss.Input = rawOrNil(input)
		ss.Output = rawOrNil(output)
		ss.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			ss.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ss.CompletedAt = &completedAt.Time
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, plan_name, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.PlanName, job.CronExpression, nullRaw(job.Params),
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var params, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plan_name, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.PlanName, &j.CronExpression, &params, &j.Enabled, &lastRun, &nextRun, &lastStatus, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	if err != nil {
		return nil, err
	}
	j.Params = rawOrNil(params)
	j.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	return j, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.PlanName != "" {
		where = append(where, "plan_name = ?")
		args = append(args, filter.PlanName)
	}

	query := `SELECT id, plan_name, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var params, lastStatus sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.PlanName, &j.CronExpression, &params, &j.Enabled, &lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Params = rawOrNil(params)
		j.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
