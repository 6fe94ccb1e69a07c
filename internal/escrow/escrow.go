package escrow

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "EscrowOracle/internal/errors"
)

// Status 表示托管交易在生命周期中的状态。
type Status string

const (
	StatusFunded    Status = "FUNDED"
	StatusDelivered Status = "DELIVERED"
	StatusReleased  Status = "RELEASED"
	StatusRefunded  Status = "REFUNDED"
	StatusDisputed  Status = "DISPUTED"
)

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusFunded, StatusDelivered, StatusReleased, StatusRefunded, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。终态记录永不回退。
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// CanTransition 判断状态迁移是否合法。
// 合法路径：FUNDED → DELIVERED → RELEASED；FUNDED|DELIVERED → REFUNDED；
// FUNDED|DELIVERED → DISPUTED → {RELEASED, REFUNDED}。终态不允许任何迁移。
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusFunded:
		return to == StatusDelivered || to == StatusRefunded || to == StatusDisputed
	case StatusDelivered:
		return to == StatusReleased || to == StatusRefunded || to == StatusDisputed
	case StatusDisputed:
		return to == StatusReleased || to == StatusRefunded
	default:
		return false
	}
}

// EscrowID 是链上托管单的定宽标识，也是链上与链下两套视图的关联键。
type EscrowID common.Hash

// EscrowIDFromUUID 将内部 UUID 确定性映射为链上托管单 ID。
func EscrowIDFromUUID(id uuid.UUID) EscrowID {
	return EscrowID(crypto.Keccak256Hash(id[:]))
}

// ParseEscrowID 解析十六进制形式的托管单 ID。
func ParseEscrowID(raw string) (EscrowID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != common.HashLength {
		return EscrowID{}, xerrors.New(xerrors.CodeInvalidArgument, "托管单 ID 格式不合法")
	}
	return EscrowID(common.BytesToHash(decoded)), nil
}

// Hex 返回带 0x 前缀的十六进制表示。
func (id EscrowID) Hex() string {
	return common.Hash(id).Hex()
}

// Hash 返回底层的 go-ethereum 哈希类型。
func (id EscrowID) Hash() common.Hash {
	return common.Hash(id)
}

// IsZero 判断 ID 是否为空值。
func (id EscrowID) IsZero() bool {
	return id == EscrowID{}
}

// Transaction 描述一笔托管交易的链下记录。
type Transaction struct {
	ID                 string     `json:"id"`
	EscrowID           EscrowID   `json:"escrow_id"`
	Buyer              string     `json:"buyer"`
	Seller             string     `json:"seller"`
	BuyerAddress       string     `json:"buyer_address"`
	SellerAddress      string     `json:"seller_address"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	Status             Status     `json:"status"`
	Custodial          bool       `json:"custodial"`
	CreatedAt          time.Time  `json:"created_at"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty"`
	Deadline           time.Time  `json:"deadline"`
	DisputeWindowHours int        `json:"dispute_window_hours"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	SettleTxHash       string     `json:"settle_tx_hash,omitempty"`
	FailureCount       int        `json:"failure_count"`
	Reconciled         bool       `json:"reconciled"`
	ReconciledAt       *time.Time `json:"reconciled_at,omitempty"`
	ReconcileNote      string     `json:"reconcile_note,omitempty"`
	DisputeNote        string     `json:"dispute_note,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ReleaseReadyAt 返回争议窗口结束、可以自动放款的时间点。
// 仅在已交付时有意义。
func (t *Transaction) ReleaseReadyAt() (time.Time, bool) {
	if t == nil || t.DeliveredAt == nil {
		return time.Time{}, false
	}
	return t.DeliveredAt.Add(time.Duration(t.DisputeWindowHours) * time.Hour), true
}

var (
	// ErrNotFound 表示指定的托管记录不存在。
	ErrNotFound = xerrors.New(CodeEscrowNotFound, "escrow record not found")
	// ErrConflict 表示记录在当前状态下无法进行所请求的写入。
	ErrConflict = xerrors.New(CodeEscrowConflict, "escrow record conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTerminal 表示记录已处于终态，拒绝回退性写入。
	ErrTerminal = xerrors.New(CodeEscrowTerminal, "escrow already in terminal state", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeEscrowNotFound xerrors.Code = "ESCROW_NOT_FOUND"
	CodeEscrowConflict xerrors.Code = "ESCROW_CONFLICT"
	CodeEscrowTerminal xerrors.Code = "ESCROW_TERMINAL"
)

func init() {
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{
		Message:   "escrow record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEscrowConflict, xerrors.Attributes{
		Message:   "escrow record conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEscrowTerminal, xerrors.Attributes{
		Message:   "escrow already in terminal state",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
