package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/liftoffhq/runway/pkg/schema"
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
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Templates ---

func (s *LibSQLStore) CreateTemplate(ctx context.Context, t *WorkflowTemplate) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	sched, err := marshalNullable(t.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (id, account_id, name, description, icon, steps, schedule, schedule_active, last_run_at, next_run_at, created_at, updated_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, t.Name, nullStr(t.Description), nullStr(t.Icon),
		string(steps), sched, t.ScheduleActive,
		nullTime(t.LastRunAt), nullTime(t.NextRunAt),
		timeOrNow(t.CreatedAt), timeOrNow(t.UpdatedAt), nullTime(t.DeletedAt),
	)
	return err
}

const templateColumns = `id, account_id, name, description, icon, steps, schedule, schedule_active, last_run_at, next_run_at, created_at, updated_at, deleted_at`

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*WorkflowTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *LibSQLStore) UpdateTemplate(ctx context.Context, id string, update TemplateUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Icon != nil {
		sets = append(sets, "icon = ?")
		args = append(args, *update.Icon)
	}
	if update.Steps != nil {
		steps, err := json.Marshal(update.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		sets = append(sets, "steps = ?")
		args = append(args, string(steps))
	}
	if update.Schedule != nil {
		sched, err := json.Marshal(update.Schedule)
		if err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
		sets = append(sets, "schedule = ?")
		args = append(args, string(sched))
	}
	if update.ScheduleActive != nil {
		sets = append(sets, "schedule_active = ?")
		args = append(args, *update.ScheduleActive)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE templates SET %s WHERE id = ? AND deleted_at IS NULL", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*WorkflowTemplate, error) {
	var where []string
	var args []any

	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.ScheduleActive != nil {
		where = append(where, "schedule_active = ?")
		args = append(args, *filter.ScheduleActive)
	}

	query := `SELECT ` + templateColumns + ` FROM templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *LibSQLStore) SoftDeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET deleted_at = CURRENT_TIMESTAMP, schedule_active = 0, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

func (s *LibSQLStore) ListDueTemplates(ctx context.Context, now time.Time) ([]*WorkflowTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM templates
		 WHERE deleted_at IS NULL AND schedule_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, t)
	}
	return due, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row scanner) (*WorkflowTemplate, error) {
	t := &WorkflowTemplate{}
	var (
		desc, icon, schedJSON       sql.NullString
		stepsJSON                   string
		lastRun, nextRun, deletedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Name, &desc, &icon, &stepsJSON, &schedJSON,
		&t.ScheduleActive, &lastRun, &nextRun, &t.CreatedAt, &t.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Icon = icon.String
	if err := json.Unmarshal([]byte(stepsJSON), &t.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal template steps: %w", err)
	}
	if schedJSON.Valid && schedJSON.String != "" {
		t.Schedule = &schema.Schedule{}
		if err := json.Unmarshal([]byte(schedJSON.String), t.Schedule); err != nil {
			return nil, fmt.Errorf("unmarshal template schedule: %w", err)
		}
	}
	if lastRun.Valid {
		t.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		t.NextRunAt = &nextRun.Time
	}
	if deletedAt.Valid {
		t.DeletedAt = &deletedAt.Time
	}
	return t, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, r *WorkflowRun) error {
	snapshot, err := json.Marshal(r.StepsSnapshot)
	if err != nil {
		return fmt.Errorf("marshal steps snapshot: %w", err)
	}
	results, err := marshalResults(r.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	if r.Version == 0 {
		r.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, template_id, account_id, steps_snapshot, status, current_step_index, step_results, triggered_by, error, version, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TemplateID, r.AccountID, string(snapshot), string(r.Status),
		r.CurrentStepIndex, string(results), r.TriggeredBy, nullRaw(r.Error),
		r.Version, timeOrNow(r.StartedAt), nullTime(r.CompletedAt), timeOrNow(r.UpdatedAt),
	)
	return err
}

const runColumns = `id, template_id, account_id, steps_snapshot, status, current_step_index, step_results, triggered_by, error, version, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *LibSQLStore) SaveRun(ctx context.Context, r *WorkflowRun, expectedVersion int64) error {
	results, err := marshalResults(r.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, current_step_index = ?, step_results = ?, error = ?, completed_at = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`,
		string(r.Status), r.CurrentStepIndex, string(results), nullRaw(r.Error),
		nullTime(r.CompletedAt), r.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale version from a missing row.
		var one int
		if scanErr := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, r.ID).Scan(&one); scanErr == sql.ErrNoRows {
			return storeNotFound("run", r.ID)
		}
		return schema.NewErrorf(schema.ErrCodeConcurrentModification,
			"run %q was modified concurrently (expected version %d)", r.ID, expectedVersion)
	}
	r.Version = expectedVersion + 1
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	var where []string
	var args []any

	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*WorkflowRun, error) {
	r := &WorkflowRun{}
	var (
		snapshotJSON, resultsJSON, status string
		errJSON                           sql.NullString
		completedAt                       sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.TemplateID, &r.AccountID, &snapshotJSON, &status,
		&r.CurrentStepIndex, &resultsJSON, &r.TriggeredBy, &errJSON, &r.Version,
		&r.StartedAt, &completedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(snapshotJSON), &r.StepsSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal steps snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &r.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshal step results: %w", err)
	}
	r.Error = rawOrNil(errJSON)
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

// --- Agents ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	skills, err := marshalNullable(agent.Skills)
	if err != nil {
		return fmt.Errorf("marshal agent skills: %w", err)
	}
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, account_id, name, status, skills, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET account_id=excluded.account_id, name=excluded.name, status=excluded.status, skills=excluded.skills`,
		agent.ID, agent.AccountID, agent.Name, string(agent.Status), skills, timeOrNow(agent.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	var skills sql.NullString
	var status string
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, status, skills, created_at, last_seen_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.AccountID, &a.Name, &status, &skills, &a.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	a.Status = AgentStatus(status)
	if skills.Valid && skills.String != "" {
		if err := json.Unmarshal([]byte(skills.String), &a.Skills); err != nil {
			return nil, fmt.Errorf("unmarshal agent skills: %w", err)
		}
	}
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return a, nil
}

func (s *LibSQLStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	var where []string
	var args []any

	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, account_id, name, status, skills, created_at, last_seen_at FROM agents`
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

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		var skills sql.NullString
		var status string
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Name, &status, &skills, &a.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		a.Status = AgentStatus(status)
		if skills.Valid && skills.String != "" {
			if err := json.Unmarshal([]byte(skills.String), &a.Skills); err != nil {
				return nil, fmt.Errorf("unmarshal agent skills: %w", err)
			}
		}
		if lastSeen.Valid {
			a.LastSeenAt = &lastSeen.Time
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
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

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func marshalResults(m map[string]*StepResult) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
