package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
  id             TEXT PRIMARY KEY,
  project        TEXT NOT NULL,
  name           TEXT NOT NULL,
  type           TEXT NOT NULL,
  status         TEXT NOT NULL,
  status_message TEXT NOT NULL DEFAULT '',
  parent_id      TEXT NOT NULL DEFAULT '',
  repo           TEXT NOT NULL DEFAULT '',
  command        TEXT NOT NULL DEFAULT '[]',
  params         TEXT NOT NULL DEFAULT '{}',
  config         BLOB,
  output         BLOB,
  created_at     TEXT NOT NULL,
  started_at     TEXT,
  completed_at   TEXT
);
CREATE INDEX IF NOT EXISTS tasks_parent ON tasks(parent_id);
CREATE TABLE IF NOT EXISTS scalars (
  task_id     TEXT NOT NULL,
  title       TEXT NOT NULL,
  series      TEXT NOT NULL,
  iteration   INTEGER NOT NULL,
  value       REAL NOT NULL,
  reported_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS scalars_metric ON scalars(task_id, title, series);
CREATE TABLE IF NOT EXISTS queue_entries (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  queue       TEXT NOT NULL,
  task_id     TEXT NOT NULL,
  enqueued_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_entries_queue ON queue_entries(queue, id);`

const taskColumns = `id, project, name, type, status, status_message, parent_id, repo, command, params,
       config, output, created_at, started_at, completed_at`

// Store is a SQLite-backed tracking backend. It is safe for concurrent use;
// access is serialised over a single connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return open(path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
}

// OpenMemory opens a private in-memory database.
func OpenMemory() (*Store, error) {
	return open(":memory:")
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask inserts t, assigning an ID when empty and defaulting the status to
// created. t is updated in place.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusCreated
	}
	if t.Type == "" {
		t.Type = TaskTypeTraining
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	command, err := json.Marshal(nonNilStrings(t.Command))
	if err != nil {
		return err
	}
	params, err := json.Marshal(nonNilMap(t.Params))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (id, project, name, type, status, status_message, parent_id,
                   repo, command, params, config, output, created_at)
                   VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Project, t.Name, string(t.Type), string(t.Status), t.StatusMessage, t.ParentID,
		t.Repo, string(command), string(params), t.Config, t.Output, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// FindLastTask returns the most recently created task matching project, name
// and type, or ErrNotFound.
func (s *Store) FindLastTask(ctx context.Context, project, name string, typ TaskType) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
                        WHERE project = ? AND name = ? AND type = ?
                        ORDER BY rowid DESC LIMIT 1`, project, name, string(typ))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, project, name)
	}
	return t, err
}

// ListTasks returns tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CloneTask copies the task id into a new created task of the same type.
func (s *Store) CloneTask(ctx context.Context, id string, opts CloneOptions) (*Task, error) {
	src, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(src.Params)+len(opts.Params))
	for k, v := range src.Params {
		params[k] = v
	}
	for k, v := range opts.Params {
		params[k] = v
	}
	name := opts.Name
	if name == "" {
		name = src.Name
	}
	clone := &Task{
		Project:  src.Project,
		Name:     name,
		Type:     src.Type,
		ParentID: opts.ParentID,
		Repo:     src.Repo,
		Command:  append([]string(nil), src.Command...),
		Params:   params,
		Config:   src.Config,
	}
	if err := s.CreateTask(ctx, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// SetRepo records the repository the agent should check out for id.
func (s *Store) SetRepo(ctx context.Context, id, repo string) error {
	return s.update(ctx, `UPDATE tasks SET repo = ? WHERE id = ?`, repo, id)
}

// SetConfig replaces the opaque configuration blob of id.
func (s *Store) SetConfig(ctx context.Context, id string, config []byte) error {
	return s.update(ctx, `UPDATE tasks SET config = ? WHERE id = ?`, config, id)
}

// SetOutput replaces the opaque output blob of id.
func (s *Store) SetOutput(ctx context.Context, id string, output []byte) error {
	return s.update(ctx, `UPDATE tasks SET output = ? WHERE id = ?`, output, id)
}

// SetStatus moves id to status unconditionally.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, message string) error {
	query, args := s.statusUpdate(id, status, message)
	return s.update(ctx, query, args...)
}

// TransitionStatus moves id to status only if its current status is one of
// from. It reports whether the transition happened.
func (s *Store) TransitionStatus(ctx context.Context, id string, status Status, message string, from ...Status) (bool, error) {
	query, args := s.statusUpdate(id, status, message)
	if len(from) > 0 {
		query += " AND status IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ") + ")"
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

func (s *Store) statusUpdate(id string, status Status, message string) (string, []any) {
	now := formatTime(s.now())
	query := `UPDATE tasks SET status = ?, status_message = ?`
	args := []any{string(status), message}
	switch {
	case status == StatusInProgress:
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	case status.IsTerminal():
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	return query, append(args, id)
}

// ReportScalar records one metric point.
func (s *Store) ReportScalar(ctx context.Context, sc Scalar) error {
	if sc.ReportedAt.IsZero() {
		sc.ReportedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO scalars (task_id, title, series, iteration, value, reported_at)
                   VALUES (?, ?, ?, ?, ?, ?)`,
		sc.TaskID, sc.Title, sc.Series, sc.Iteration, sc.Value, formatTime(sc.ReportedAt))
	return err
}

// LastScalar returns the point with the highest iteration for one metric
// series. ok is false when nothing was reported.
func (s *Store) LastScalar(ctx context.Context, taskID, title, series string) (sc Scalar, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT task_id, title, series, iteration, value, reported_at FROM scalars
                        WHERE task_id = ? AND title = ? AND series = ?
                        ORDER BY iteration DESC, rowid DESC LIMIT 1`, taskID, title, series)
	sc, err = scanScalar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Scalar{}, false, nil
	}
	if err != nil {
		return Scalar{}, false, err
	}
	return sc, true, nil
}

// Scalars returns every point reported by taskID in report order.
func (s *Store) Scalars(ctx context.Context, taskID string) ([]Scalar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, title, series, iteration, value, reported_at FROM scalars
                        WHERE task_id = ? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		sc, err := scanScalar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %v", ErrNotFound, args[len(args)-1])
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                  Task
		typ, status        string
		command, params    string
		created            string
		started, completed sql.NullString
		config, output     []byte
	)
	if err := row.Scan(&t.ID, &t.Project, &t.Name, &typ, &status, &t.StatusMessage, &t.ParentID, &t.Repo,
		&command, &params, &config, &output, &created, &started, &completed); err != nil {
		return nil, err
	}
	t.Type = TaskType(typ)
	t.Status = Status(status)
	t.Config = config
	t.Output = output
	if err := json.Unmarshal([]byte(command), &t.Command); err != nil {
		return nil, fmt.Errorf("decode command of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("decode params of %s: %w", t.ID, err)
	}
	t.CreatedAt = parseTime(created)
	if started.Valid {
		t.StartedAt = parseTime(started.String)
	}
	if completed.Valid {
		t.CompletedAt = parseTime(completed.String)
	}
	return &t, nil
}

func scanScalar(row scanner) (Scalar, error) {
	var (
		sc       Scalar
		reported string
	)
	if err := row.Scan(&sc.TaskID, &sc.Title, &sc.Series, &sc.Iteration, &sc.Value, &reported); err != nil {
		return Scalar{}, err
	}
	sc.ReportedAt = parseTime(reported)
	return sc, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
