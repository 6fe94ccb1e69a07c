// Package reconcile 实现链上事件回放与本地记录的对账修复。
// 链永远是权威：对账只把本地记录推向链上状态，从不反向。
package reconcile

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"sync"
	"time"

	xerrors "EscrowOracle/internal/errors"
)

// CheckpointStore 持久化每个合约最后完整处理过的区块高度。
// 只允许单调推进，崩溃后从上一个检查点整窗重放。
type CheckpointStore interface {
	// Load 读取合约的检查点。不存在时 ok 为 false。
	Load(ctx context.Context, contract string) (block uint64, ok bool, err error)
	// Advance 将检查点推进到 block。低于当前值的写入被忽略。
	Advance(ctx context.Context, contract string, block uint64) error
	// Close 释放底层资源。
	Close() error
}

// MemoryCheckpointStore 是 CheckpointStore 的内存实现。
type MemoryCheckpointStore struct {
	mu     sync.Mutex
	blocks map[string]uint64
}

// NewMemoryCheckpointStore 创建内存检查点存储。
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{blocks: make(map[string]uint64)}
}

// Load 读取检查点。
func (m *MemoryCheckpointStore) Load(_ context.Context, contract string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[contract]
	return block, ok, nil
}

// Advance 单调推进检查点。
func (m *MemoryCheckpointStore) Advance(_ context.Context, contract string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.blocks[contract]; ok && current >= block {
		return nil
	}
	m.blocks[contract] = block
	return nil
}

// Close 实现 CheckpointStore 接口。
func (m *MemoryCheckpointStore) Close() error { return nil }

// MySQLCheckpointStore 使用 MySQL 持久化检查点。
type MySQLCheckpointStore struct {
	db *sql.DB
}

// NewMySQLCheckpointStore 基于已建立的数据库连接构造存储。
func NewMySQLCheckpointStore(db *sql.DB) (*MySQLCheckpointStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLCheckpointStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLCheckpointStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS reconciliation_checkpoints (
        contract VARCHAR(64) PRIMARY KEY,
        block BIGINT UNSIGNED NOT NULL,
        updated_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 reconciliation_checkpoints 表失败")
	}
	return nil
}

// Load 读取检查点。
func (s *MySQLCheckpointStore) Load(ctx context.Context, contract string) (uint64, bool, error) {
	var block uint64
	row := s.db.QueryRowContext(ctx,
		`SELECT block FROM reconciliation_checkpoints WHERE contract = ?`, contract)
	if err := row.Scan(&block); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取对账检查点失败")
	}
	return block, true, nil
}

// Advance 以 last-writer-wins upsert 推进检查点，GREATEST 保证单调。
func (s *MySQLCheckpointStore) Advance(ctx context.Context, contract string, block uint64) error {
	const stmt = `INSERT INTO reconciliation_checkpoints (contract, block, updated_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE block = GREATEST(block, VALUES(block)), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, contract, block, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进对账检查点失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLCheckpointStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ CheckpointStore = (*MemoryCheckpointStore)(nil)
	_ CheckpointStore = (*MySQLCheckpointStore)(nil)
)
