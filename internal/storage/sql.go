package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"botrunner/internal/task"
)

// Aggregate queries shared by both drivers. Both use '?' placeholders.
const (
	terminalSQL    = "('success','error')"
	nonTerminalSQL = "('pending','running')"

	summaryCountsSQL = `SELECT task_name,
	COALESCE(SUM(CASE WHEN status IN ` + terminalSQL + ` AND retried = 0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'error' AND retried = 0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status IN ` + nonTerminalSQL + ` THEN 1 ELSE 0 END), 0)
FROM runs GROUP BY task_name`

	summaryLastSQL = `SELECT r.task_name, r.status, r.started_at FROM runs r
WHERE r.id = (
	SELECT r2.id FROM runs r2
	WHERE r2.task_name = r.task_name AND r2.retried = 0 AND r2.status IN ` + terminalSQL + `
	ORDER BY r2.started_at DESC, r2.id DESC LIMIT 1
)`

	countSinceSQL = `SELECT COUNT(*) FROM runs WHERE attempt = 1 AND started_at >= ?`

	windowStatsSQL = `SELECT COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
FROM runs WHERE retried = 0 AND status IN ` + terminalSQL + ` AND started_at >= ?`
)

// whereRuns renders a filter as a WHERE clause (without the keyword).
func whereRuns(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.TaskName != "" {
		conds = append(conds, "task_name = ?")
		args = append(args, f.TaskName)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) == 0 {
		return "1=1", nil
	}
	return strings.Join(conds, " AND "), args
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

// summarize runs the two summary queries one after the other; the sqlite
// driver has a single connection, so the first result set is drained and
// closed before the second query starts.
func summarize(ctx context.Context, query queryFunc) (map[string]TaskSummary, error) {
	counts, err := query(ctx, summaryCountsSQL)
	if err != nil {
		return nil, err
	}
	out := map[string]TaskSummary{}
	for counts.Next() {
		var (
			s       TaskSummary
			running int64
		)
		if err := counts.Scan(&s.TaskName, &s.RunCount, &s.ErrorCount, &running); err != nil {
			_ = counts.Close()
			return nil, err
		}
		s.Running = running > 0
		out[s.TaskName] = s
	}
	err = counts.Err()
	_ = counts.Close()
	if err != nil {
		return nil, err
	}

	last, err := query(ctx, summaryLastSQL)
	if err != nil {
		return nil, err
	}
	defer last.Close()
	for last.Next() {
		var (
			name, status string
			startedMS    int64
		)
		if err := last.Scan(&name, &status, &startedMS); err != nil {
			return nil, err
		}
		s := out[name]
		s.TaskName = name
		s.LastStatus = task.RunStatus(status)
		at := timeOf(startedMS)
		s.LastRunAt = &at
		out[name] = s
	}
	return out, last.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, task_name, dispatch_id, attempt, trigger_kind, status, started_at, finished_at, exit_code, output, error, retried`

func scanRun(s rowScanner) (task.Run, error) {
	var (
		r          task.Run
		trig, st   string
		startedMS  int64
		finishedMS sql.NullInt64
		exitCode   sql.NullInt64
	)
	if err := s.Scan(&r.ID, &r.TaskName, &r.DispatchID, &r.Attempt, &trig, &st,
		&startedMS, &finishedMS, &exitCode, &r.Output, &r.Error, &r.Retried); err != nil {
		return task.Run{}, err
	}
	r.Trigger = task.Trigger(trig)
	r.Status = task.RunStatus(st)
	r.StartedAt = timeOf(startedMS)
	if finishedMS.Valid {
		t := timeOf(finishedMS.Int64)
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		r.ExitCode = task.IntPtr(int(exitCode.Int64))
	}
	return r, nil
}

func nullMS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return msOf(*t)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
