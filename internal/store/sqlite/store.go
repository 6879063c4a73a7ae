// Package sqlite is the sole Store implementation, backed by
// modernc.org/sqlite (pure Go, no cgo) in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/ccsched/internal/domain"
	"github.com/jaakkos/ccsched/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	prompt TEXT NOT NULL,
	cwd TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','running','done','failed','waiting')) DEFAULT 'pending',
	session_id TEXT NULL,
	submitted_at DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME NULL,
	output TEXT NULL
);
CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, depends_on_id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_task_deps_task_id ON task_dependencies(task_id);
CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on_id ON task_dependencies(depends_on_id);
`

const timeLayout = time.RFC3339Nano

// Store is the sqlite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (creating if necessary) the database at path and runs
// schema creation and idempotent migrations.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create db dir: %v", domain.ErrIO, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", domain.ErrDatabase, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", domain.ErrDatabase, err)
	}

	// Forward-compatible migrations: add nullable columns dropped from
	// the original schema string so older databases pick them up.
	_, _ = db.Exec("ALTER TABLE tasks ADD COLUMN result TEXT NULL")
	_, _ = db.Exec("ALTER TABLE tasks ADD COLUMN resume_at DATETIME NULL")

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	// sqlite's datetime('now') default produces "2006-01-02 15:04:05".
	return time.Parse("2006-01-02 15:04:05", s)
}

func scanOptionalTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, fmt.Errorf("%w: parse time %q: %v", domain.ErrDatabase, ns.String, err)
	}
	return &t, nil
}

func scanOptionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                        domain.Task
		status                                   string
		sessionID, output, result, finishedAt    sql.NullString
		resumeAt                                 sql.NullString
		submittedAt                              string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Prompt, &t.Cwd, &status, &sessionID,
		&submittedAt, &finishedAt, &output, &result, &resumeAt); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.SessionID = scanOptionalString(sessionID)
	t.Output = scanOptionalString(output)
	t.Result = scanOptionalString(result)

	submitted, err := parseTime(submittedAt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: parse submitted_at: %v", domain.ErrDatabase, err)
	}
	t.SubmittedAt = submitted

	if t.FinishedAt, err = scanOptionalTime(finishedAt); err != nil {
		return domain.Task{}, err
	}
	if t.ResumeAt, err = scanOptionalTime(resumeAt); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

const taskColumns = `id, name, prompt, cwd, status, session_id, submitted_at, finished_at, output, result, resume_at`

// CreateTask validates and cycle-checks deps before inserting the
// task row and its dependency edges in one transaction.
func (s *Store) CreateTask(ctx context.Context, name, prompt, cwd string, deps []int64) (int64, error) {
	if err := s.ValidateDependencies(ctx, deps); err != nil {
		return 0, err
	}
	if err := s.CheckNoCycle(ctx, 0, deps); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", domain.ErrDatabase, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (name, prompt, cwd, status, submitted_at) VALUES (?, ?, ?, ?, ?)`,
		name, prompt, cwd, string(domain.StatusPending), formatTime(nowUTC()))
	if err != nil {
		return 0, fmt.Errorf("%w: insert task: %v", domain.ErrDatabase, err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", domain.ErrDatabase, err)
	}

	for _, dep := range deps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`,
			taskID, dep); err != nil {
			return 0, fmt.Errorf("%w: insert dependency: %v", domain.ErrDatabase, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", domain.ErrDatabase, err)
	}
	return taskID, nil
}

func (s *Store) getTaskWhere(ctx context.Context, where string, arg any) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, arg)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, domain.NewTaskNotFoundError(0)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := s.getTaskWhere(ctx, "id = ?", id)
	if nf, ok := err.(*domain.TaskNotFoundError); ok {
		nf.ID = id
	}
	return t, err
}

func (s *Store) GetTaskBySession(ctx context.Context, sessionID string) (domain.Task, error) {
	return s.getTaskWhere(ctx, "session_id = ?", sessionID)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrDatabase, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}
	return tasks, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY submitted_at ASC`)
}

func (s *Store) TasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY submitted_at ASC`, string(status))
}

func (s *Store) WaitingReadyToResume(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND (resume_at IS NULL OR resume_at <= ?) ORDER BY submitted_at ASC`,
		string(domain.StatusWaiting), formatTime(now))
}

// UpdateStatus writes status and, with coalesce semantics, sessionID
// and finishedAt: a nil argument preserves the existing value.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status domain.TaskStatus, sessionID *string, finishedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, session_id = COALESCE(?, session_id), finished_at = COALESCE(?, finished_at) WHERE id = ?`,
		string(status), nullString(sessionID), nullTime(finishedAt), id)
	return checkRowsAffected(res, err, id)
}

// UpdateStatusWithResumeAt behaves like UpdateStatus but writes
// resumeAt unconditionally, including nil to clear it.
func (s *Store) UpdateStatusWithResumeAt(ctx context.Context, id int64, status domain.TaskStatus, sessionID *string, finishedAt *time.Time, resumeAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, session_id = COALESCE(?, session_id), finished_at = COALESCE(?, finished_at), resume_at = ? WHERE id = ?`,
		string(status), nullString(sessionID), nullTime(finishedAt), nullTime(resumeAt), id)
	return checkRowsAffected(res, err, id)
}

func (s *Store) UpdateOutputAndResult(ctx context.Context, id int64, output, result *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET output = ?, result = ? WHERE id = ?`,
		nullString(output), nullString(result), id)
	return checkRowsAffected(res, err, id)
}

func (s *Store) UpdateName(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET name = ? WHERE id = ?`, name, id)
	return checkRowsAffected(res, err, id)
}

func (s *Store) UpdatePrompt(ctx context.Context, id int64, prompt string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET prompt = ? WHERE id = ?`, prompt, id)
	return checkRowsAffected(res, err, id)
}

// EditAndReset sets prompt, resets status to Pending, and clears
// finished_at/output/result/resume_at in one statement. session_id is
// intentionally untouched.
func (s *Store) EditAndReset(ctx context.Context, id int64, prompt string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET prompt = ?, status = ?, finished_at = NULL, output = NULL, result = NULL, resume_at = NULL WHERE id = ?`,
		prompt, string(domain.StatusPending), id)
	return checkRowsAffected(res, err, id)
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", domain.ErrDatabase, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_id = ?`, id, id); err != nil {
		return fmt.Errorf("%w: delete dependencies: %v", domain.ErrDatabase, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete task: %v", domain.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", domain.ErrDatabase, err)
	}
	if n == 0 {
		return domain.NewTaskNotFoundError(id)
	}
	return tx.Commit()
}

func (s *Store) ValidateDependencies(ctx context.Context, deps []int64) error {
	for _, dep := range deps {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&exists)
		if err == sql.ErrNoRows {
			return domain.NewTaskNotFoundError(dep)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrDatabase, err)
		}
	}
	return nil
}

// CheckNoCycle loads every existing dependency edge, adds the
// proposed edges under taskID, and runs DFS for a back-edge.
//
// taskID of 0 means "not yet allocated", the case CreateTask calls
// this with before the row exists. No sentinel id is substituted for
// it: a brand-new task has no incoming edges anywhere in the graph
// (nothing can depend on an id that doesn't exist yet), so it can
// never be part of a cycle no matter what it depends on, and the
// function returns nil immediately without touching the graph. This
// also means ValidateDependencies, not this function, is what rejects
// a dependency on a nonexistent id.
func (s *Store) CheckNoCycle(ctx context.Context, taskID int64, deps []int64) error {
	if taskID == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT task_id, depends_on_id FROM task_dependencies`)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}
	graph := make(map[int64][]int64)
	for rows.Next() {
		var task, dep int64
		if err := rows.Scan(&task, &dep); err != nil {
			rows.Close()
			return fmt.Errorf("%w: scan: %v", domain.ErrDatabase, err)
		}
		graph[task] = append(graph[task], dep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}

	graph[taskID] = append(graph[taskID], deps...)

	visited := make(map[int64]bool)
	recStack := make(map[int64]bool)

	var hasCycle func(node int64) bool
	hasCycle = func(node int64) bool {
		visited[node] = true
		recStack[node] = true
		for _, neighbor := range graph[node] {
			if !visited[neighbor] {
				if hasCycle(neighbor) {
					return true
				}
			} else if recStack[neighbor] {
				return true
			}
		}
		recStack[node] = false
		return false
	}

	for node := range graph {
		if !visited[node] && hasCycle(node) {
			return domain.ErrCircularDependency
		}
	}
	return nil
}

func (s *Store) CleanupOrphanedRunning(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status = ? AND session_id IS NULL`, string(domain.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrDatabase, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ? WHERE id = ?`, string(domain.StatusPending), id); err != nil {
			return nil, fmt.Errorf("%w: reset orphan %d: %v", domain.ErrDatabase, id, err)
		}
	}
	return ids, nil
}

// ClaimNextReady implements the atomic claim: restricted mode when
// another task is already Running (only resumable Waiting tasks are
// candidates), unrestricted mode otherwise (Pending or resumable
// Waiting). Dependency readiness is a LEFT JOIN/HAVING count filter.
// The winning row is marked Running with the status guard in the
// UPDATE's WHERE clause; zero rows affected means a lost race.
func (s *Store) ClaimNextReady(ctx context.Context, now time.Time) (*domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", domain.ErrDatabase, err)
	}
	defer tx.Rollback()

	var runningCount int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`,
		string(domain.StatusRunning)).Scan(&runningCount); err != nil {
		return nil, fmt.Errorf("%w: count running: %v", domain.ErrDatabase, err)
	}

	nowStr := formatTime(now)
	var statusCondition string
	if runningCount > 0 {
		statusCondition = `(t.status = 'waiting' AND (t.resume_at IS NULL OR t.resume_at <= ?))`
	} else {
		statusCondition = `(t.status = 'pending' OR (t.status = 'waiting' AND (t.resume_at IS NULL OR t.resume_at <= ?)))`
	}

	query := `
		SELECT t.id, t.name, t.prompt, t.cwd, t.status, t.session_id, t.submitted_at, t.finished_at, t.output, t.result, t.resume_at
		FROM tasks t
		LEFT JOIN task_dependencies td ON t.id = td.task_id
		LEFT JOIN tasks dep ON td.depends_on_id = dep.id
		WHERE ` + statusCondition + `
		GROUP BY t.id
		HAVING COUNT(CASE WHEN dep.status IS NOT NULL AND dep.status != 'done' THEN 1 END) = 0
		ORDER BY t.submitted_at ASC
		LIMIT 1`

	row := tx.QueryRowContext(ctx, query, nowStr)
	candidate, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select candidate: %v", domain.ErrDatabase, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND status IN ('pending','waiting')`,
		string(domain.StatusRunning), candidate.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: claim update: %v", domain.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: rows affected: %v", domain.ErrDatabase, err)
	}
	if n != 1 {
		// Lost the race to another claimer; nothing to commit.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", domain.ErrDatabase, err)
	}

	candidate.Status = domain.StatusRunning
	return &candidate, nil
}

func checkRowsAffected(res sql.Result, err error, id int64) error {
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", domain.ErrDatabase, err)
	}
	if n == 0 {
		return domain.NewTaskNotFoundError(id)
	}
	return nil
}
