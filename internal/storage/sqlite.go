package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"botrunner/internal/task"
	logx "botrunner/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Create(ctx context.Context, r *task.Run) error {
	if err := validateNew(r); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task_name, dispatch_id, attempt, trigger_kind, status, started_at, finished_at, exit_code, output, error, retried)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.TaskName, r.DispatchID, r.Attempt, string(r.Trigger), string(r.Status),
		msOf(r.StartedAt), nullMS(r.FinishedAt), nullInt(r.ExitCode), r.Output, r.Error, r.Retried,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// status returns the current status of run id, or ErrNotFound.
func (s *sqliteStore) status(ctx context.Context, op string, id int64) (task.RunStatus, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", task.NotFound(op, runSubject(id))
	}
	if err != nil {
		return "", err
	}
	return task.RunStatus(st), nil
}

func (s *sqliteStore) MarkRunning(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`,
		msOf(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	st, err := s.status(ctx, "mark running", id)
	if err != nil {
		return err
	}
	if st == task.StatusRunning {
		return nil
	}
	return task.Conflict("mark running", runSubject(id), "run is already "+string(st))
}

func (s *sqliteStore) MarkTerminal(ctx context.Context, id int64, out task.Outcome) error {
	if err := validateOutcome(out); err != nil {
		return err
	}
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, exit_code = ?, output = ?, error = ?, retried = ?
		 WHERE id = ? AND status IN `+nonTerminalSQL,
		string(out.Status), msOf(out.FinishedAt), nullInt(out.ExitCode), out.Output, out.Error, out.Retried, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	st, err := s.status(ctx, "mark terminal", id)
	if err != nil {
		return err
	}
	return task.Conflict("mark terminal", runSubject(id), "run is already "+string(st))
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (task.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Run{}, task.NotFound("get run", runSubject(id))
	}
	return r, err
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]task.Run, error) {
	where, args := whereRuns(f)
	args = append(args, f.limit(), f.offset())
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE `+where+` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]task.Run, 0, 16)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := whereRuns(f)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE `+where, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ? AND status IN `+terminalSQL, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.status(ctx, "delete run", id); err != nil {
		return err
	}
	return task.Conflict("delete run", runSubject(id), "run is still in progress")
}

func (s *sqliteStore) DeleteAllForTask(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE task_name = ? AND status IN `+terminalSQL, name)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ? AND status IN `+terminalSQL, msOf(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Reconcile(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'error', finished_at = ?, error = ? WHERE status IN `+nonTerminalSQL,
		msOf(at), task.ReasonInterrupted)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Summaries(ctx context.Context) (map[string]TaskSummary, error) {
	return summarize(ctx, s.db.QueryContext)
}

func (s *sqliteStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, countSinceSQL, msOf(since)).Scan(&n)
	return n, err
}

func (s *sqliteStore) WindowStats(ctx context.Context, since time.Time) (WindowStats, error) {
	var w WindowStats
	err := s.db.QueryRowContext(ctx, windowStatsSQL, msOf(since)).Scan(&w.Total, &w.Success, &w.Failed)
	return w, err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, target, ok, err, meta) VALUES(?,?,?,?,?,?)`,
		msOf(e.At), e.Action, e.Target, e.OK, nullStr(e.Error), nullStr(e.Meta),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
