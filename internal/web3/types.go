package web3

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/escrow"
)

// EscrowState mirrors the on-chain escrow struct. The chain is the source of
// truth for settlement decisions, so callers must fetch it fresh rather than
// caching it across a write.
type EscrowState struct {
	ID                 escrow.EscrowID
	Exists             bool
	Status             escrow.Status
	Buyer              common.Address
	Seller             common.Address
	Amount             *big.Int
	Deadline           time.Time
	DisputeWindowHours int
}

// EventKind 标识托管合约发出的事件类型。
type EventKind string

const (
	EventCreated   EventKind = "EscrowCreated"
	EventDelivered EventKind = "EscrowDelivered"
	EventReleased  EventKind = "EscrowReleased"
	EventRefunded  EventKind = "EscrowRefunded"
	EventDisputed  EventKind = "EscrowDisputed"
)

// Event 是从合约日志解码出的单条托管事件。
// Buyer、Seller、Deadline、DisputeWindowHours 只在 EscrowCreated 上有值；
// Amount 携带 EscrowCreated 的托管金额或 EscrowRefunded 的退款金额。
type Event struct {
	Kind               EventKind
	EscrowID           escrow.EscrowID
	Buyer              common.Address
	Seller             common.Address
	Amount             *big.Int
	Deadline           time.Time
	DisputeWindowHours int
	// SellerAmount 与 FeeAmount 是 EscrowReleased 的分账明细。
	SellerAmount *big.Int
	FeeAmount    *big.Int
	// DisputedBy 是 EscrowDisputed 的发起方地址。
	DisputedBy  common.Address
	BlockNumber uint64
	TxHash      common.Hash
}

// Status 将事件类型换算为该事件发生后的托管状态。
func (e Event) Status() escrow.Status {
	switch e.Kind {
	case EventCreated:
		return escrow.StatusFunded
	case EventDelivered:
		return escrow.StatusDelivered
	case EventReleased:
		return escrow.StatusReleased
	case EventRefunded:
		return escrow.StatusRefunded
	case EventDisputed:
		return escrow.StatusDisputed
	default:
		return ""
	}
}

// SettleReceipt 描述一笔已上链确认的结算交易。
type SettleReceipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// LedgerClient 抽象托管合约的链上读写能力。
// 写操作内部串行执行，多笔结算共用同一个签名账户时不会出现 nonce 冲突。
type LedgerClient interface {
	// EscrowOf 读取托管单的链上权威状态。链上不存在时 Exists 为 false。
	EscrowOf(ctx context.Context, id escrow.EscrowID) (EscrowState, error)
	// IsReleasable 判断合约当前是否允许放款给卖家。
	IsReleasable(ctx context.Context, id escrow.EscrowID) (bool, error)
	// IsRefundable 判断合约当前是否允许退款给买家。
	IsRefundable(ctx context.Context, id escrow.EscrowID) (bool, error)
	// Release 发起放款交易并等待确认。合约回退时返回已注册的错误码。
	Release(ctx context.Context, id escrow.EscrowID) (SettleReceipt, error)
	// Refund 发起退款交易并等待确认。
	Refund(ctx context.Context, id escrow.EscrowID) (SettleReceipt, error)
	// ResolveDispute 裁决争议单，releaseToSeller 决定资金流向。
	ResolveDispute(ctx context.Context, id escrow.EscrowID, releaseToSeller bool) (SettleReceipt, error)
	// FilterEvents 拉取 [from, to] 区块范围内的托管事件，按区块序返回。
	FilterEvents(ctx context.Context, from, to uint64) ([]Event, error)
	// HeadBlock 返回当前链头高度。
	HeadBlock(ctx context.Context) (uint64, error)
	// SignerAddress 返回结算签名账户地址。
	SignerAddress() common.Address
	// SignerBalance 返回签名账户的余额，单位 wei。
	SignerBalance(ctx context.Context) (*big.Int, error)
	// Close 释放底层连接。
	Close()
}

const (
	// CodeAlreadySettled 表示合约一侧该托管单已经结清。
	CodeAlreadySettled xerrors.Code = "ESCROW_ALREADY_SETTLED"
	// CodeConflictingState 表示链上状态不允许所请求的结算动作。
	CodeConflictingState xerrors.Code = "CONFLICTING_STATE"
)

var (
	// ErrAlreadySettled 对应合约 revert "already settled"。
	ErrAlreadySettled = xerrors.New(CodeAlreadySettled, "escrow already settled on chain")
	// ErrConflictingState 对应合约 revert "invalid state"。
	ErrConflictingState = xerrors.New(CodeConflictingState, "on-chain state rejects the requested settlement")
)

func init() {
	xerrors.Register(CodeAlreadySettled, xerrors.Attributes{
		Message:   "escrow already settled on chain",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeConflictingState, xerrors.Attributes{
		Message:   "on-chain state rejects the requested settlement",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
