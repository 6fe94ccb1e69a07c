// Package oracle 实现由外部调度器驱动的批处理作业：
// 自动放款、自动退款，以及作业执行的审计记录。
package oracle

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "EscrowOracle/internal/errors"
)

// 作业名称。Oracle Run 审计与健康统计都以此为键。
const (
	JobAutoRelease = "auto_release"
	JobAutoRefund  = "auto_refund"
	JobReconcile   = "reconcile"
)

// Run 是一次作业执行的审计记录，作业开始时创建，结束时补全。
type Run struct {
	ID         string     `json:"id"`
	Job        string     `json:"job"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Processed  int        `json:"processed"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Note       string     `json:"note,omitempty"`
}

// Success 判断这次执行是否没有任何失败。
func (r *Run) Success() bool {
	return r != nil && r.Failed == 0
}

// RunStore 持久化作业审计记录。
type RunStore interface {
	// Begin 在作业开始时落一条记录。
	Begin(ctx context.Context, job string, at time.Time) (*Run, error)
	// Finish 补全计数与结束时间。
	Finish(ctx context.Context, run *Run) error
	// ListSince 返回 job 在 since 之后开始的执行，按开始时间倒序。
	ListSince(ctx context.Context, job string, since time.Time) ([]*Run, error)
	// Close 释放底层资源。
	Close() error
}

// ErrRunNotFound 表示审计记录不存在。
var ErrRunNotFound = xerrors.New(xerrors.CodeNotFound, "oracle run not found")

// MemoryRunStore 是 RunStore 的内存实现。
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryRunStore 创建内存审计存储。
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*Run)}
}

// Begin 落一条新的执行记录。
func (m *MemoryRunStore) Begin(_ context.Context, job string, at time.Time) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &Run{ID: uuid.NewString(), Job: job, StartedAt: at}
	copied := *run
	m.runs[run.ID] = &copied
	return run, nil
}

// Finish 补全执行记录。
func (m *MemoryRunStore) Finish(_ context.Context, run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	copied := *run
	if copied.FinishedAt == nil {
		now := time.Now()
		copied.FinishedAt = &now
		run.FinishedAt = &now
	}
	m.runs[run.ID] = &copied
	return nil
}

// ListSince 返回指定作业的近期执行。
func (m *MemoryRunStore) ListSince(_ context.Context, job string, since time.Time) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Run
	for _, run := range m.runs {
		if run.Job != job || run.StartedAt.Before(since) {
			continue
		}
		copied := *run
		matched = append(matched, &copied)
	}
	sortRunsDesc(matched)
	return matched, nil
}

// Close 实现 RunStore 接口。
func (m *MemoryRunStore) Close() error { return nil }

func sortRunsDesc(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}

// MySQLRunStore 使用 MySQL 持久化审计记录。
type MySQLRunStore struct {
	db *sql.DB
}

// NewMySQLRunStore 基于已建立的数据库连接构造存储。
func NewMySQLRunStore(db *sql.DB) (*MySQLRunStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLRunStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLRunStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS oracle_runs (
        id VARCHAR(36) PRIMARY KEY,
        job VARCHAR(32) NOT NULL,
        started_at BIGINT NOT NULL,
        finished_at BIGINT NULL,
        processed INT NOT NULL DEFAULT 0,
        succeeded INT NOT NULL DEFAULT 0,
        failed INT NOT NULL DEFAULT 0,
        skipped INT NOT NULL DEFAULT 0,
        note TEXT,
        INDEX idx_oracle_runs_job (job, started_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 oracle_runs 表失败")
	}
	return nil
}

// Begin 落一条新的执行记录。
func (s *MySQLRunStore) Begin(ctx context.Context, job string, at time.Time) (*Run, error) {
	run := &Run{ID: uuid.NewString(), Job: job, StartedAt: at}
	const stmt = `INSERT INTO oracle_runs (id, job, started_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, run.ID, run.Job, run.StartedAt.Unix()); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return run, nil
}

// Finish 补全执行记录。
func (s *MySQLRunStore) Finish(ctx context.Context, run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录不能为空")
	}
	if run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}
	const stmt = `UPDATE oracle_runs
        SET finished_at = ?, processed = ?, succeeded = ?, failed = ?, skipped = ?, note = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		run.FinishedAt.Unix(), run.Processed, run.Succeeded, run.Failed, run.Skipped, run.Note, run.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ListSince 返回指定作业的近期执行。
func (s *MySQLRunStore) ListSince(ctx context.Context, job string, since time.Time) ([]*Run, error) {
	const query = `SELECT id, job, started_at, finished_at, processed, succeeded, failed, skipped, note
        FROM oracle_runs WHERE job = ? AND started_at >= ? ORDER BY started_at DESC`
	rows, err := s.db.QueryContext(ctx, query, job, since.Unix())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			run        Run
			startedAt  int64
			finishedAt sql.NullInt64
			note       sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Job, &startedAt, &finishedAt,
			&run.Processed, &run.Succeeded, &run.Failed, &run.Skipped, &note); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		run.StartedAt = time.Unix(startedAt, 0)
		if finishedAt.Valid {
			finished := time.Unix(finishedAt.Int64, 0)
			run.FinishedAt = &finished
		}
		run.Note = note.String
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return runs, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLRunStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ RunStore = (*MemoryRunStore)(nil)
	_ RunStore = (*MySQLRunStore)(nil)
)
