package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"botrunner/internal/task"
	logx "botrunner/pkg/logx"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// runRow is the gorm model of the runs table. Timestamps are unix millis,
// as in the sqlite schema.
type runRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	TaskName    string `gorm:"size:64;not null;index:idx_runs_task_started,priority:1"`
	DispatchID  string `gorm:"size:36;not null"`
	Attempt     int    `gorm:"not null"`
	TriggerKind string `gorm:"column:trigger_kind;size:16;not null"`
	Status      string `gorm:"size:16;not null;index:idx_runs_status"`
	StartedAt   int64  `gorm:"not null;index:idx_runs_task_started,priority:2;index:idx_runs_started"`
	FinishedAt  *int64
	ExitCode    *int
	Output      string `gorm:"type:mediumtext"`
	Error       string `gorm:"type:text"`
	Retried     bool   `gorm:"not null"`
}

func (runRow) TableName() string { return "runs" }

type auditRow struct {
	ID     int64  `gorm:"primaryKey;autoIncrement"`
	At     int64  `gorm:"not null;index"`
	Action string `gorm:"size:64;not null"`
	Target string `gorm:"size:128;not null"`
	OK     bool   `gorm:"column:ok;not null"`
	Err    *string
	Meta   *string `gorm:"type:text"`
}

func (auditRow) TableName() string { return "audit" }

type mysqlStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openMySQL(cfg Config, log logx.Logger) (*mysqlStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("mysql dsn is required")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	maxOpen, maxIdle, life := cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime
	if maxOpen <= 0 {
		maxOpen = 10
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if life <= 0 {
		life = time.Hour
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(life)

	if err := db.AutoMigrate(&runRow{}, &auditRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate mysql: %w", err)
	}
	log.Debug("mysql store opened", logx.Int("max_open_conns", maxOpen))
	return &mysqlStore{db: db, log: log}, nil
}

func toRow(r *task.Run) *runRow {
	row := &runRow{
		ID:          r.ID,
		TaskName:    r.TaskName,
		DispatchID:  r.DispatchID,
		Attempt:     r.Attempt,
		TriggerKind: string(r.Trigger),
		Status:      string(r.Status),
		StartedAt:   msOf(r.StartedAt),
		ExitCode:    r.ExitCode,
		Output:      r.Output,
		Error:       r.Error,
		Retried:     r.Retried,
	}
	if r.FinishedAt != nil {
		ms := msOf(*r.FinishedAt)
		row.FinishedAt = &ms
	}
	return row
}

func (row runRow) toRun() task.Run {
	r := task.Run{
		ID:         row.ID,
		TaskName:   row.TaskName,
		DispatchID: row.DispatchID,
		Attempt:    row.Attempt,
		Trigger:    task.Trigger(row.TriggerKind),
		Status:     task.RunStatus(row.Status),
		StartedAt:  timeOf(row.StartedAt),
		ExitCode:   row.ExitCode,
		Output:     row.Output,
		Error:      row.Error,
		Retried:    row.Retried,
	}
	if row.FinishedAt != nil {
		t := timeOf(*row.FinishedAt)
		r.FinishedAt = &t
	}
	return r
}

var (
	terminalStatuses    = []string{string(task.StatusSuccess), string(task.StatusError)}
	nonTerminalStatuses = []string{string(task.StatusPending), string(task.StatusRunning)}
)

func (m *mysqlStore) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (m *mysqlStore) Ping(ctx context.Context) error {
	if m == nil || m.db == nil {
		return ErrDisabled
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (m *mysqlStore) Create(ctx context.Context, r *task.Run) error {
	if err := validateNew(r); err != nil {
		return err
	}
	row := toRow(r)
	row.ID = 0
	if err := m.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	r.ID = row.ID
	return nil
}

func (m *mysqlStore) status(ctx context.Context, op string, id int64) (task.RunStatus, error) {
	var row runRow
	err := m.db.WithContext(ctx).Select("status").Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", task.NotFound(op, runSubject(id))
	}
	if err != nil {
		return "", err
	}
	return task.RunStatus(row.Status), nil
}

func (m *mysqlStore) MarkRunning(ctx context.Context, id int64, at time.Time) error {
	res := m.db.WithContext(ctx).Model(&runRow{}).
		Where("id = ? AND status = ?", id, string(task.StatusPending)).
		Updates(map[string]any{"status": string(task.StatusRunning), "started_at": msOf(at)})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	st, err := m.status(ctx, "mark running", id)
	if err != nil {
		return err
	}
	if st == task.StatusRunning {
		return nil
	}
	return task.Conflict("mark running", runSubject(id), "run is already "+string(st))
}

func (m *mysqlStore) MarkTerminal(ctx context.Context, id int64, out task.Outcome) error {
	if err := validateOutcome(out); err != nil {
		return err
	}
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now()
	}
	res := m.db.WithContext(ctx).Model(&runRow{}).
		Where("id = ? AND status IN ?", id, nonTerminalStatuses).
		Updates(map[string]any{
			"status":      string(out.Status),
			"finished_at": msOf(out.FinishedAt),
			"exit_code":   nullInt(out.ExitCode),
			"output":      out.Output,
			"error":       out.Error,
			"retried":     out.Retried,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	st, err := m.status(ctx, "mark terminal", id)
	if err != nil {
		return err
	}
	return task.Conflict("mark terminal", runSubject(id), "run is already "+string(st))
}

func (m *mysqlStore) Get(ctx context.Context, id int64) (task.Run, error) {
	var row runRow
	err := m.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return task.Run{}, task.NotFound("get run", runSubject(id))
	}
	if err != nil {
		return task.Run{}, err
	}
	return row.toRun(), nil
}

func (m *mysqlStore) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := m.db.WithContext(ctx).Model(&runRow{})
	if f.TaskName != "" {
		q = q.Where("task_name = ?", f.TaskName)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	return q
}

func (m *mysqlStore) List(ctx context.Context, f Filter) ([]task.Run, error) {
	var rows []runRow
	err := m.filtered(ctx, f).
		Order("started_at DESC").Order("id DESC").
		Limit(f.limit()).Offset(f.offset()).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]task.Run, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRun())
	}
	return out, nil
}

func (m *mysqlStore) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	err := m.filtered(ctx, f).Count(&n).Error
	return n, err
}

func (m *mysqlStore) Delete(ctx context.Context, id int64) error {
	res := m.db.WithContext(ctx).Where("id = ? AND status IN ?", id, terminalStatuses).Delete(&runRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := m.status(ctx, "delete run", id); err != nil {
		return err
	}
	return task.Conflict("delete run", runSubject(id), "run is still in progress")
}

func (m *mysqlStore) DeleteAllForTask(ctx context.Context, name string) (int64, error) {
	res := m.db.WithContext(ctx).Where("task_name = ? AND status IN ?", name, terminalStatuses).Delete(&runRow{})
	return res.RowsAffected, res.Error
}

func (m *mysqlStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := m.db.WithContext(ctx).Where("started_at < ? AND status IN ?", msOf(before), terminalStatuses).Delete(&runRow{})
	return res.RowsAffected, res.Error
}

func (m *mysqlStore) Reconcile(ctx context.Context, at time.Time) (int64, error) {
	res := m.db.WithContext(ctx).Model(&runRow{}).
		Where("status IN ?", nonTerminalStatuses).
		Updates(map[string]any{
			"status":      string(task.StatusError),
			"finished_at": msOf(at),
			"error":       task.ReasonInterrupted,
		})
	return res.RowsAffected, res.Error
}

func (m *mysqlStore) Summaries(ctx context.Context) (map[string]TaskSummary, error) {
	return summarize(ctx, m.raw)
}

func (m *mysqlStore) raw(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return m.db.WithContext(ctx).Raw(query, args...).Rows()
}

func (m *mysqlStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := m.db.WithContext(ctx).Raw(countSinceSQL, msOf(since)).Row().Scan(&n)
	return n, err
}

func (m *mysqlStore) WindowStats(ctx context.Context, since time.Time) (WindowStats, error) {
	var w WindowStats
	err := m.db.WithContext(ctx).Raw(windowStatsSQL, msOf(since)).Row().Scan(&w.Total, &w.Success, &w.Failed)
	return w, err
}

func (m *mysqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if m == nil || m.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	row := auditRow{At: msOf(e.At), Action: e.Action, Target: e.Target, OK: e.OK}
	if strings.TrimSpace(e.Error) != "" {
		row.Err = &e.Error
	}
	if strings.TrimSpace(e.Meta) != "" {
		row.Meta = &e.Meta
	}
	return m.db.WithContext(ctx).Create(&row).Error
}
