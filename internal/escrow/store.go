package escrow

import (
	"context"
	"time"
)

// ChainObservation 是对账过程从链上事件推导出的单笔托管单权威状态。
type ChainObservation struct {
	EscrowID           EscrowID
	Status             Status
	Buyer              string
	Seller             string
	Amount             int64
	Deadline           time.Time
	DisputeWindowHours int
	Note               string
	ObservedAt         time.Time
}

// ReconcileOutcome 描述一次对账写入对本地记录产生的影响。
type ReconcileOutcome string

const (
	// OutcomeCreated 表示本地缺失记录，由对账补建。
	OutcomeCreated ReconcileOutcome = "created"
	// OutcomeCorrected 表示本地状态与链上不一致，已被纠正。
	OutcomeCorrected ReconcileOutcome = "corrected"
	// OutcomeUnchanged 表示本地记录与链上一致。
	OutcomeUnchanged ReconcileOutcome = "unchanged"
	// OutcomeSkipped 表示本地已处于终态且链上观察不是更强的终态，写入被拒绝。
	OutcomeSkipped ReconcileOutcome = "skipped"
)

// ListOptions 控制查询托管记录时的过滤条件。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
}

// applyDefaults 补齐查询参数的默认值。
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
}

// Store 抽象托管交易记录的持久化接口。
type Store interface {
	// Create 插入一条新的托管记录。EscrowID 冲突时返回 ErrConflict。
	Create(ctx context.Context, tx *Transaction) error
	// Get 按内部记录 ID 查询。
	Get(ctx context.Context, id string) (*Transaction, error)
	// GetByEscrowID 按链上托管单 ID 查询。
	GetByEscrowID(ctx context.Context, id EscrowID) (*Transaction, error)
	// MarkDelivered 记录卖家交付时间，仅允许 FUNDED → DELIVERED。
	MarkDelivered(ctx context.Context, id EscrowID, at time.Time) error
	// MarkDisputed 将记录标记为争议中，终态记录返回 ErrTerminal。
	MarkDisputed(ctx context.Context, id EscrowID) error
	// MarkSettled 将记录迁移到终态（RELEASED 或 REFUNDED），写入交易哈希
	// 与完成时间并清零失败计数。已处于终态时返回 ErrTerminal。
	MarkSettled(ctx context.Context, id EscrowID, final Status, txHash string, at time.Time) error
	// StampDisputeNote 写入争议裁决的审计备注。已有备注时保持原值不覆盖。
	StampDisputeNote(ctx context.Context, id EscrowID, note string) error
	// RecordFailure 累加结算失败计数并返回累加后的值。
	RecordFailure(ctx context.Context, id EscrowID) (int, error)
	// ListReleaseEligible 返回已交付、争议窗口在 now 之前结束的记录，
	// 按交付时间从旧到新排序，最多 limit 条。
	ListReleaseEligible(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	// ListRefundEligible 返回未交付且截止时间早于 now 的 FUNDED 记录，
	// 按截止时间从旧到新排序，最多 limit 条。
	ListRefundEligible(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	// ApplyChainState 以链上状态为准修正本地记录：缺失则补建，
	// 不一致则纠正，但绝不把终态记录改回非终态。
	ApplyChainState(ctx context.Context, obs ChainObservation) (ReconcileOutcome, error)
	// List 返回符合过滤条件的记录。
	List(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	// Close 释放底层资源。
	Close() error
}
