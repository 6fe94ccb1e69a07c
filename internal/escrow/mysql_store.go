package escrow

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "EscrowOracle/internal/errors"
)

// MySQLStore 使用 MySQL 持久化托管交易记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的数据库连接构造存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS escrow_transactions (
        id VARCHAR(36) PRIMARY KEY,
        escrow_id CHAR(66) NOT NULL UNIQUE,
        buyer VARCHAR(255) NOT NULL DEFAULT '',
        seller VARCHAR(255) NOT NULL DEFAULT '',
        buyer_address VARCHAR(64) NOT NULL DEFAULT '',
        seller_address VARCHAR(64) NOT NULL DEFAULT '',
        amount BIGINT NOT NULL,
        currency VARCHAR(16) NOT NULL DEFAULT '',
        status VARCHAR(16) NOT NULL,
        custodial TINYINT(1) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        delivered_at BIGINT NULL,
        deadline BIGINT NOT NULL,
        dispute_window_hours INT NOT NULL DEFAULT 24,
        completed_at BIGINT NULL,
        settle_tx_hash VARCHAR(66) NOT NULL DEFAULT '',
        failure_count INT NOT NULL DEFAULT 0,
        reconciled TINYINT(1) NOT NULL DEFAULT 0,
        reconciled_at BIGINT NULL,
        reconcile_note TEXT,
        dispute_note TEXT,
        updated_at BIGINT NOT NULL,
        INDEX idx_escrow_status (status),
        INDEX idx_escrow_deadline (status, deadline),
        INDEX idx_escrow_delivered (status, delivered_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 escrow_transactions 表失败")
	}
	return nil
}

const transactionColumns = `id, escrow_id, buyer, seller, buyer_address, seller_address, amount, currency,
        status, custodial, created_at, delivered_at, deadline, dispute_window_hours, completed_at,
        settle_tx_hash, failure_count, reconciled, reconciled_at, reconcile_note, dispute_note, updated_at`

// Create 插入新的托管记录。
func (s *MySQLStore) Create(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管记录不能为空")
	}
	if tx.EscrowID.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管单 ID 不能为空")
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	const stmt = `INSERT INTO escrow_transactions
        (id, escrow_id, buyer, seller, buyer_address, seller_address, amount, currency,
         status, custodial, created_at, delivered_at, deadline, dispute_window_hours, completed_at,
         settle_tx_hash, failure_count, reconciled, reconciled_at, reconcile_note, dispute_note, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		tx.ID,
		tx.EscrowID.Hex(),
		tx.Buyer,
		tx.Seller,
		tx.BuyerAddress,
		tx.SellerAddress,
		tx.Amount,
		tx.Currency,
		string(tx.Status),
		tx.Custodial,
		tx.CreatedAt.Unix(),
		nullableUnix(tx.DeliveredAt),
		tx.Deadline.Unix(),
		tx.DisputeWindowHours,
		nullableUnix(tx.CompletedAt),
		tx.SettleTxHash,
		tx.FailureCount,
		tx.Reconciled,
		nullableUnix(tx.ReconciledAt),
		tx.ReconcileNote,
		tx.DisputeNote,
		tx.UpdatedAt.Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入托管记录失败")
	}
	return nil
}

// Get 按内部记录 ID 查询。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE id = ?`
	return s.queryOne(ctx, query, id)
}

// GetByEscrowID 按链上托管单 ID 查询。
func (s *MySQLStore) GetByEscrowID(ctx context.Context, id EscrowID) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE escrow_id = ?`
	return s.queryOne(ctx, query, id.Hex())
}

func (s *MySQLStore) queryOne(ctx context.Context, query string, arg any) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	tx, err := scanTransaction(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管记录失败")
	}
	return tx, nil
}

// MarkDelivered 记录交付时间，仅允许 FUNDED → DELIVERED。
func (s *MySQLStore) MarkDelivered(ctx context.Context, id EscrowID, at time.Time) error {
	const stmt = `UPDATE escrow_transactions SET status = ?, delivered_at = ?, updated_at = ?
        WHERE escrow_id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusDelivered), at.Unix(), time.Now().Unix(), id.Hex(), string(StatusFunded))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交付状态失败")
	}
	return s.explainNoRows(ctx, res, id)
}

// MarkDisputed 将记录标记为争议中。
func (s *MySQLStore) MarkDisputed(ctx context.Context, id EscrowID) error {
	const stmt = `UPDATE escrow_transactions SET status = ?, updated_at = ?
        WHERE escrow_id = ? AND status IN (?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusDisputed), time.Now().Unix(), id.Hex(),
		string(StatusFunded), string(StatusDelivered), string(StatusDisputed))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新争议状态失败")
	}
	return s.explainNoRows(ctx, res, id)
}

// MarkSettled 将记录迁移到终态。终态守卫放在 WHERE 子句里，
// 回退性写入只会命中 0 行并被解释为 ErrTerminal。
func (s *MySQLStore) MarkSettled(ctx context.Context, id EscrowID, final Status, txHash string, at time.Time) error {
	if !final.Terminal() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("状态 %s 不是终态", final))
	}

	const stmt = `UPDATE escrow_transactions
        SET status = ?, settle_tx_hash = ?, completed_at = ?, failure_count = 0, updated_at = ?
        WHERE escrow_id = ? AND status NOT IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		string(final), txHash, at.Unix(), time.Now().Unix(), id.Hex(),
		string(StatusReleased), string(StatusRefunded))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新结算状态失败")
	}
	return s.explainNoRows(ctx, res, id)
}

// StampDisputeNote 写入争议裁决备注，已有备注时保持原值。
func (s *MySQLStore) StampDisputeNote(ctx context.Context, id EscrowID, note string) error {
	const stmt = `UPDATE escrow_transactions SET dispute_note = ?, updated_at = ?
        WHERE escrow_id = ? AND (dispute_note IS NULL OR dispute_note = '')`

	if _, err := s.db.ExecContext(ctx, stmt, note, time.Now().Unix(), id.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入争议备注失败")
	}
	return nil
}

// RecordFailure 累加结算失败计数并返回累加后的值。
func (s *MySQLStore) RecordFailure(ctx context.Context, id EscrowID) (int, error) {
	const stmt = `UPDATE escrow_transactions SET failure_count = failure_count + 1, updated_at = ?
        WHERE escrow_id = ?`

	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id.Hex())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加失败计数失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return 0, ErrNotFound
	}

	var count int
	row := s.db.QueryRowContext(ctx, `SELECT failure_count FROM escrow_transactions WHERE escrow_id = ?`, id.Hex())
	if err := row.Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取失败计数失败")
	}
	return count, nil
}

// ListReleaseEligible 返回争议窗口已结束的 DELIVERED 记录，按交付时间升序。
func (s *MySQLStore) ListReleaseEligible(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions
        WHERE status = ? AND delivered_at IS NOT NULL
          AND delivered_at + dispute_window_hours * 3600 <= ?
        ORDER BY delivered_at ASC LIMIT ?`

	return s.queryMany(ctx, query, string(StatusDelivered), now.Unix(), limit)
}

// ListRefundEligible 返回截止时间已过的 FUNDED 记录，按截止时间升序。
func (s *MySQLStore) ListRefundEligible(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions
        WHERE status = ? AND deadline <= ?
        ORDER BY deadline ASC LIMIT ?`

	return s.queryMany(ctx, query, string(StatusFunded), now.Unix(), limit)
}

// ApplyChainState 以链上状态为准修正本地记录。
func (s *MySQLStore) ApplyChainState(ctx context.Context, obs ChainObservation) (ReconcileOutcome, error) {
	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启对账事务失败")
	}
	defer dbTx.Rollback()

	var current string
	row := dbTx.QueryRowContext(ctx,
		`SELECT status FROM escrow_transactions WHERE escrow_id = ? FOR UPDATE`, obs.EscrowID.Hex())
	err = row.Scan(&current)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		const insert = `INSERT INTO escrow_transactions
            (id, escrow_id, buyer, seller, amount, currency, status, custodial, created_at,
             deadline, dispute_window_hours, reconciled, reconciled_at, reconcile_note, updated_at)
            VALUES (?, ?, ?, ?, ?, '', ?, 0, ?, ?, ?, 1, ?, ?, ?)`
		if _, err := dbTx.ExecContext(ctx, insert,
			uuid.NewString(), obs.EscrowID.Hex(), obs.Buyer, obs.Seller, obs.Amount,
			string(obs.Status), observedAt.Unix(), obs.Deadline.Unix(), obs.DisputeWindowHours,
			observedAt.Unix(), obs.Note, observedAt.Unix(),
		); err != nil {
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "补建托管记录失败")
		}
		if err := dbTx.Commit(); err != nil {
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交对账事务失败")
		}
		return OutcomeCreated, nil
	case err != nil:
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取本地托管状态失败")
	}

	local := Status(current)
	if local == obs.Status {
		_ = dbTx.Rollback()
		return OutcomeUnchanged, nil
	}
	// 终态只能被链上更强的终态覆盖，绝不回退。
	if local.Terminal() && !obs.Status.Terminal() {
		_ = dbTx.Rollback()
		return OutcomeSkipped, nil
	}

	const update = `UPDATE escrow_transactions
        SET status = ?, reconciled = 1, reconciled_at = ?, reconcile_note = ?,
            completed_at = COALESCE(completed_at, ?), updated_at = ?
        WHERE escrow_id = ?`
	var completedAt any
	if obs.Status.Terminal() {
		completedAt = observedAt.Unix()
	}
	if _, err := dbTx.ExecContext(ctx, update,
		string(obs.Status), observedAt.Unix(), obs.Note, completedAt, observedAt.Unix(), obs.EscrowID.Hex(),
	); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "纠正托管记录失败")
	}
	if err := dbTx.Commit(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交对账事务失败")
	}
	return OutcomeCorrected, nil
}

// List 返回符合过滤条件的记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions`
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		query += fmt.Sprintf(" WHERE status IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	return s.queryMany(ctx, query, args...)
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) queryMany(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管记录列表失败")
	}
	defer rows.Close()

	var list []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析托管记录失败")
		}
		list = append(list, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历托管记录失败")
	}
	return list, nil
}

// explainNoRows 在 UPDATE 未命中任何行时区分“不存在”与“已是终态/状态冲突”。
func (s *MySQLStore) explainNoRows(ctx context.Context, res sql.Result, id EscrowID) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows > 0 {
		return nil
	}
	existing, getErr := s.GetByEscrowID(ctx, id)
	if getErr != nil {
		return getErr
	}
	if existing.Status.Terminal() {
		return ErrTerminal
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx           Transaction
		escrowHex    string
		status       string
		createdAt    int64
		deliveredAt  sql.NullInt64
		deadline     int64
		completedAt  sql.NullInt64
		reconciledAt sql.NullInt64
		reconNote    sql.NullString
		disputeNote  sql.NullString
		updatedAt    int64
	)
	if err := row.Scan(
		&tx.ID,
		&escrowHex,
		&tx.Buyer,
		&tx.Seller,
		&tx.BuyerAddress,
		&tx.SellerAddress,
		&tx.Amount,
		&tx.Currency,
		&status,
		&tx.Custodial,
		&createdAt,
		&deliveredAt,
		&deadline,
		&tx.DisputeWindowHours,
		&completedAt,
		&tx.SettleTxHash,
		&tx.FailureCount,
		&tx.Reconciled,
		&reconciledAt,
		&reconNote,
		&disputeNote,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	escrowID, err := ParseEscrowID(escrowHex)
	if err != nil {
		return nil, err
	}
	tx.EscrowID = escrowID
	tx.Status = Status(status)
	tx.CreatedAt = time.Unix(createdAt, 0)
	tx.Deadline = time.Unix(deadline, 0)
	tx.UpdatedAt = time.Unix(updatedAt, 0)
	tx.DeliveredAt = unixPointer(deliveredAt)
	tx.CompletedAt = unixPointer(completedAt)
	tx.ReconciledAt = unixPointer(reconciledAt)
	tx.ReconcileNote = reconNote.String
	tx.DisputeNote = disputeNote.String
	return &tx, nil
}

func nullableUnix(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.Unix()
}

func unixPointer(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	ts := time.Unix(value.Int64, 0)
	return &ts
}

var _ Store = (*MySQLStore)(nil)
